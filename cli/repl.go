// Package cli implements the interactive terminal client for parley.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"parley/client"
	"parley/protocol"

	"github.com/fatih/color"
)

// ErrConnectFailed is returned by Start when no connection could be opened in time.
var ErrConnectFailed = errors.New("failed to connect to server")

// Conversation is the transport the REPL talks through.
// *client.ConnectionManager satisfies it.
type Conversation interface {
	Connect()
	Disconnect()
	SendMessage(text string) error
	OnMessage(listener func(protocol.ConversationMessage)) func()
	OnError(listener func(string)) func()
	OnConnectionChange(listener func(client.ConnectionStatus)) func()
}

// Option configures a Repl.
type Option func(*Repl)

// WithConnectTimeout bounds how long Start waits for the first connection.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(r *Repl) { r.connectTimeout = timeout }
}

// Repl reads lines from the user, sends them as conversation turns and prints
// the assistant's replies. At most one request is in flight at a time.
type Repl struct {
	conv           Conversation
	in             io.Reader
	out            io.Writer
	connectTimeout time.Duration

	mutex        sync.Mutex // guards the fields below
	connected    bool
	waiting      bool
	shuttingDown bool
	connectedCh  chan struct{}
	connectOnce  sync.Once

	outMutex    sync.Mutex
	unsubscribe []func()

	cyan   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
}

// NewRepl creates a REPL over conv reading from in and writing to out.
func NewRepl(conv Conversation, in io.Reader, out io.Writer, opts ...Option) *Repl {
	r := &Repl{
		conv:           conv,
		in:             in,
		out:            out,
		connectTimeout: 5 * time.Second,
		connectedCh:    make(chan struct{}),
		cyan:           color.New(color.FgCyan),
		green:          color.New(color.FgGreen),
		yellow:         color.New(color.FgYellow),
		red:            color.New(color.FgRed),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to the transport, connects and waits for the connection.
// It returns ErrConnectFailed when the connection is not open within the
// connect timeout.
func (r *Repl) Start(ctx context.Context) error {
	r.println(r.cyan, "🤖 AI Assistant CLI")
	r.println(nil, "Connecting to server...")

	r.unsubscribe = append(r.unsubscribe,
		r.conv.OnConnectionChange(r.handleConnectionChange),
		r.conv.OnMessage(r.handleMessage),
		r.conv.OnError(r.handleError),
	)
	r.conv.Connect()

	timer := time.NewTimer(r.connectTimeout)
	defer timer.Stop()

	select {
	case <-r.connectedCh:
	case <-timer.C:
		r.println(r.yellow, "⏰ Connection timeout")
		r.println(r.red, "❌ Failed to connect to server.")
		return ErrConnectFailed
	case <-ctx.Done():
		return ctx.Err()
	}

	r.println(r.green, "✅ Connected! Type your message and press Enter.")
	r.println(nil, "Commands: exit, quit, clear")
	r.println(nil, "")
	r.prompt()
	return nil
}

// Run processes input lines until exit, end of input or ctx is done.
func (r *Repl) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanner := bufio.NewScanner(r.in)
	lines := make(chan string)
	done := make(chan error, 1)

	go func() {
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		done <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case err := <-done:
			r.Close()
			return err
		case line := <-lines:
			if quit := r.HandleLine(line); quit {
				return nil
			}
		}
	}
}

// HandleLine processes one line of input. It reports whether the REPL should
// stop.
func (r *Repl) HandleLine(input string) bool {
	line := strings.TrimSpace(input)

	switch line {
	case "":
		r.prompt()
		return false
	case "exit", "quit":
		r.Close()
		return true
	case "clear":
		r.write("\033[H\033[2J")
		r.prompt()
		return false
	}

	r.mutex.Lock()
	connected, waiting := r.connected, r.waiting
	r.mutex.Unlock()

	if !connected {
		r.println(r.red, "❌ Not connected to server. Please wait for connection...")
		r.prompt()
		return false
	}
	if waiting {
		r.println(r.yellow, "⏳ Please wait for the current response...")
		r.prompt()
		return false
	}

	r.mutex.Lock()
	r.waiting = true
	r.mutex.Unlock()

	if err := r.conv.SendMessage(line); err != nil {
		r.mutex.Lock()
		r.waiting = false
		r.mutex.Unlock()
		r.println(r.red, "❌ Not connected to server")
		r.prompt()
		return false
	}
	r.println(nil, "⏳ Sending message...")
	return false
}

// Close unsubscribes, disconnects and says goodbye. Only the first call has
// any effect.
func (r *Repl) Close() {
	r.mutex.Lock()
	if r.shuttingDown {
		r.mutex.Unlock()
		return
	}
	r.shuttingDown = true
	r.mutex.Unlock()

	r.println(nil, "\n👋 Goodbye!")
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
	r.conv.Disconnect()
}

func (r *Repl) handleConnectionChange(status client.ConnectionStatus) {
	r.mutex.Lock()
	if r.shuttingDown {
		r.mutex.Unlock()
		return
	}

	switch {
	case status.Connected:
		r.connected = true
		r.mutex.Unlock()
		r.connectOnce.Do(func() { close(r.connectedCh) })
		r.println(r.green, "🔗 WebSocket connected")

	case !status.Connecting && r.connected:
		r.connected = false
		wasWaiting := r.waiting
		r.waiting = false
		r.mutex.Unlock()
		r.println(r.red, "\n💔 Connection to server lost")
		if !wasWaiting {
			r.prompt()
		}

	default:
		r.mutex.Unlock()
	}
}

func (r *Repl) handleMessage(message protocol.ConversationMessage) {
	r.mutex.Lock()
	r.waiting = false
	r.mutex.Unlock()

	r.println(nil, fmt.Sprintf("\n🤖 %s\n", message.Content))
	r.prompt()
}

func (r *Repl) handleError(text string) {
	r.mutex.Lock()
	r.waiting = false
	r.mutex.Unlock()

	r.println(r.red, fmt.Sprintf("\n❌ Error: %s\n", text))
	r.prompt()
}

func (r *Repl) prompt() {
	r.write("> ")
}

func (r *Repl) println(c *color.Color, text string) {
	r.outMutex.Lock()
	defer r.outMutex.Unlock()
	if c == nil {
		fmt.Fprintln(r.out, text)
		return
	}
	c.Fprintln(r.out, text)
}

func (r *Repl) write(text string) {
	r.outMutex.Lock()
	defer r.outMutex.Unlock()
	fmt.Fprint(r.out, text)
}
