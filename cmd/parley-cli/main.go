// Command parley-cli is an interactive terminal client for the parley gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"parley/cli"
	"parley/client"
	"parley/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultServerURL = "ws://localhost:3000/ws"

type cliOptions struct {
	url            string
	userID         string
	sessionID      string
	reconnectDelay time.Duration
	maxReconnects  int
	connectTimeout time.Duration
	verbose        bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, cli.ErrConnectFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{}

	cmd := &cobra.Command{
		Use:           "parley-cli",
		Short:         "Chat with a parley server from the terminal",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	url := os.Getenv("PARLEY_SERVER_URL")
	if url == "" {
		url = defaultServerURL
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", url, "WebSocket URL of the server (env PARLEY_SERVER_URL)")
	flags.StringVar(&opts.userID, "user", "cli-user-"+strconv.FormatInt(time.Now().UnixMilli(), 10), "user identifier")
	flags.StringVar(&opts.sessionID, "session", "cli-session-"+uuid.NewString(), "session identifier")
	flags.DurationVar(&opts.reconnectDelay, "reconnect-delay", 3*time.Second, "delay between reconnection attempts")
	flags.IntVar(&opts.maxReconnects, "max-reconnects", 5, "maximum reconnection attempts, 0 disables reconnection")
	flags.DurationVar(&opts.connectTimeout, "connect-timeout", 5*time.Second, "how long to wait for the first connection")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log transport events to stderr")

	return cmd
}

func run(parent context.Context, opts cliOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if opts.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	maxReconnects := opts.maxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}

	manager := client.NewConnectionManager(client.Options{
		URL:                  opts.url,
		ClientType:           protocol.ClientTerminal,
		UserID:               opts.userID,
		SessionID:            opts.sessionID,
		ReconnectDelay:       opts.reconnectDelay,
		MaxReconnectAttempts: maxReconnects,
		Logger:               logger,
	})

	repl := cli.NewRepl(manager, os.Stdin, os.Stdout, cli.WithConnectTimeout(opts.connectTimeout))
	if err := repl.Start(ctx); err != nil {
		manager.Disconnect()
		return err
	}
	return repl.Run(ctx)
}
