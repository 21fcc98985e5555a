package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"parley/protocol"

	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// stubParser returns a fixed result, or the outcome of parse when set.
type stubParser struct {
	result  *IntentParseResult
	err     error
	parse   func(ctx context.Context, message string, userContext *protocol.UserContext) (*IntentParseResult, error)
	healthy bool

	mutex    sync.Mutex
	contexts []*protocol.UserContext
}

func (p *stubParser) ParseIntent(ctx context.Context, message string, userContext *protocol.UserContext) (*IntentParseResult, error) {
	p.mutex.Lock()
	p.contexts = append(p.contexts, userContext)
	p.mutex.Unlock()

	if p.parse != nil {
		return p.parse(ctx, message, userContext)
	}
	if p.result != nil {
		copied := *p.result
		return &copied, p.err
	}
	if p.err != nil {
		return nil, p.err
	}
	return NewFallbackResult(message, 0.5), nil
}

func (p *stubParser) IsHealthy(context.Context) bool { return p.healthy }
func (p *stubParser) Version() string                { return "stub-parser" }

func (p *stubParser) lastContext() *protocol.UserContext {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if len(p.contexts) == 0 {
		return nil
	}
	return p.contexts[len(p.contexts)-1]
}

// stubGenerator echoes the intent and message unless generate is set.
type stubGenerator struct {
	generate func(ctx context.Context, intent protocol.Intent, parameters map[string]any, message string, userContext *protocol.UserContext) (string, error)
	healthy  bool
	calls    atomic.Int32

	mutex   sync.Mutex
	intents []protocol.Intent
}

func (g *stubGenerator) GenerateResponse(ctx context.Context, intent protocol.Intent, parameters map[string]any, message string, userContext *protocol.UserContext) (string, error) {
	g.calls.Add(1)
	g.mutex.Lock()
	g.intents = append(g.intents, intent)
	g.mutex.Unlock()

	if g.generate != nil {
		return g.generate(ctx, intent, parameters, message, userContext)
	}
	return fmt.Sprintf("%s: %s", intent, message), nil
}

func (g *stubGenerator) IsHealthy(context.Context) bool { return g.healthy }
func (g *stubGenerator) Version() string                { return "stub-generator" }

func (g *stubGenerator) lastIntent() protocol.Intent {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if len(g.intents) == 0 {
		return ""
	}
	return g.intents[len(g.intents)-1]
}

var errStub = errors.New("stub failure")

// sequentialIDs returns an ID generator yielding msg-1, msg-2, ...
func sequentialIDs() func() string {
	var counter atomic.Int64
	return func() string {
		return fmt.Sprintf("msg-%d", counter.Add(1))
	}
}

func testCommand(sessionID, message string) protocol.ConversationCommand {
	return protocol.ConversationCommand{
		SessionID:  sessionID,
		Message:    message,
		ClientType: protocol.ClientTerminal,
		UserID:     "user-1",
	}
}
