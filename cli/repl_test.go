package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"parley/client"
	"parley/protocol"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

// fakeConversation is an in-memory transport driven by the test.
type fakeConversation struct {
	mutex       sync.Mutex
	connectOK   bool
	sendErr     error
	sent        []string
	disconnects int

	messages     func(protocol.ConversationMessage)
	errors       func(string)
	connections  func(client.ConnectionStatus)
	unsubscribed int
}

func (f *fakeConversation) Connect() {
	f.emitStatus(client.ConnectionStatus{Connecting: true})
	if f.connectOK {
		f.emitStatus(client.ConnectionStatus{Connected: true})
	}
}

func (f *fakeConversation) Disconnect() {
	f.mutex.Lock()
	f.disconnects++
	f.mutex.Unlock()
}

func (f *fakeConversation) SendMessage(text string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConversation) OnMessage(listener func(protocol.ConversationMessage)) func() {
	f.messages = listener
	return f.unsubscribe
}

func (f *fakeConversation) OnError(listener func(string)) func() {
	f.errors = listener
	return f.unsubscribe
}

func (f *fakeConversation) OnConnectionChange(listener func(client.ConnectionStatus)) func() {
	f.connections = listener
	return f.unsubscribe
}

func (f *fakeConversation) unsubscribe() {
	f.mutex.Lock()
	f.unsubscribed++
	f.mutex.Unlock()
}

func (f *fakeConversation) emitStatus(status client.ConnectionStatus) {
	if f.connections != nil {
		f.connections(status)
	}
}

func (f *fakeConversation) sentMessages() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.sent...)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

func startedRepl(t *testing.T) (*Repl, *fakeConversation, *syncBuffer) {
	t.Helper()
	conv := &fakeConversation{connectOK: true}
	out := &syncBuffer{}
	repl := NewRepl(conv, strings.NewReader(""), out)
	require.NoError(t, repl.Start(context.Background()))
	return repl, conv, out
}

func TestStartConnects(t *testing.T) {
	_, _, out := startedRepl(t)

	assert.Equal(t, "🤖 AI Assistant CLI\n"+
		"Connecting to server...\n"+
		"🔗 WebSocket connected\n"+
		"✅ Connected! Type your message and press Enter.\n"+
		"Commands: exit, quit, clear\n"+
		"\n"+
		"> ", out.String())
}

func TestStartTimesOut(t *testing.T) {
	conv := &fakeConversation{}
	out := &syncBuffer{}
	repl := NewRepl(conv, strings.NewReader(""), out, WithConnectTimeout(20*time.Millisecond))

	err := repl.Start(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Contains(t, out.String(), "⏰ Connection timeout\n❌ Failed to connect to server.\n")
}

func TestStartHonoursContext(t *testing.T) {
	repl := NewRepl(&fakeConversation{}, strings.NewReader(""), io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, repl.Start(ctx), context.Canceled)
}

func TestHandleLineSendsOneMessageAtATime(t *testing.T) {
	repl, conv, out := startedRepl(t)

	assert.False(t, repl.HandleLine("  hello there  "))
	assert.Equal(t, []string{"hello there"}, conv.sentMessages())
	assert.Contains(t, out.String(), "⏳ Sending message...\n")

	assert.False(t, repl.HandleLine("second"))
	assert.Equal(t, []string{"hello there"}, conv.sentMessages())
	assert.Contains(t, out.String(), "⏳ Please wait for the current response...\n")

	conv.messages(protocol.ConversationMessage{Type: protocol.MessageAssistant, Content: "General Kenobi"})
	assert.Contains(t, out.String(), "\n🤖 General Kenobi\n\n> ")

	assert.False(t, repl.HandleLine("second"))
	assert.Equal(t, []string{"hello there", "second"}, conv.sentMessages())
}

func TestHandleLineErrorReleasesWait(t *testing.T) {
	repl, conv, out := startedRepl(t)

	repl.HandleLine("hello")
	conv.errors("Failed to process message")
	assert.Contains(t, out.String(), "\n❌ Error: Failed to process message\n\n> ")

	repl.HandleLine("again")
	assert.Equal(t, []string{"hello", "again"}, conv.sentMessages())
}

func TestHandleLineSendFailure(t *testing.T) {
	repl, conv, out := startedRepl(t)
	conv.sendErr = errors.New("not connected")

	assert.False(t, repl.HandleLine("hello"))
	assert.Contains(t, out.String(), "❌ Not connected to server\n> ")

	conv.sendErr = nil
	repl.HandleLine("hello")
	assert.Equal(t, []string{"hello"}, conv.sentMessages())
}

func TestHandleLineCommands(t *testing.T) {
	repl, conv, out := startedRepl(t)
	before := out.String()

	assert.False(t, repl.HandleLine("   "))
	assert.Equal(t, before+"> ", out.String())

	assert.False(t, repl.HandleLine("clear"))
	assert.True(t, strings.HasSuffix(out.String(), "\033[H\033[2J> "))
	assert.Empty(t, conv.sentMessages())

	assert.True(t, repl.HandleLine("quit"))
	assert.Contains(t, out.String(), "\n👋 Goodbye!\n")
	assert.Equal(t, 1, conv.disconnects)
	assert.Equal(t, 3, conv.unsubscribed)
}

func TestConnectionLoss(t *testing.T) {
	repl, conv, out := startedRepl(t)

	repl.HandleLine("hello")
	conv.emitStatus(client.ConnectionStatus{Error: "Connection error"})
	conv.emitStatus(client.ConnectionStatus{})
	assert.Contains(t, out.String(), "\n💔 Connection to server lost\n")

	repl.HandleLine("anyone there?")
	assert.Contains(t, out.String(), "❌ Not connected to server. Please wait for connection...\n")
	assert.Equal(t, []string{"hello"}, conv.sentMessages())

	// The transport reconnects on its own; the wait was released by the loss.
	conv.emitStatus(client.ConnectionStatus{Connecting: true})
	conv.emitStatus(client.ConnectionStatus{Connected: true})
	repl.HandleLine("back")
	assert.Equal(t, []string{"hello", "back"}, conv.sentMessages())
}

func TestCloseIsIdempotent(t *testing.T) {
	repl, conv, out := startedRepl(t)

	repl.Close()
	repl.Close()

	assert.Equal(t, 1, strings.Count(out.String(), "👋 Goodbye!"))
	assert.Equal(t, 1, conv.disconnects)

	// Status changes after shutdown are ignored.
	before := out.String()
	conv.emitStatus(client.ConnectionStatus{})
	assert.Equal(t, before, out.String())
}

func TestRunProcessesInputUntilExit(t *testing.T) {
	conv := &fakeConversation{connectOK: true}
	out := &syncBuffer{}
	repl := NewRepl(conv, strings.NewReader("hi\nexit\nignored\n"), out)
	require.NoError(t, repl.Start(context.Background()))

	require.NoError(t, repl.Run(context.Background()))
	assert.Equal(t, []string{"hi"}, conv.sentMessages())
	assert.Equal(t, 1, conv.disconnects)
}

func TestRunStopsAtEndOfInput(t *testing.T) {
	conv := &fakeConversation{connectOK: true}
	repl := NewRepl(conv, strings.NewReader("hi\n"), io.Discard)
	require.NoError(t, repl.Start(context.Background()))

	require.NoError(t, repl.Run(context.Background()))
	assert.Equal(t, 1, conv.disconnects)
}

func TestRunStopsOnContext(t *testing.T) {
	reader, writer := io.Pipe()
	t.Cleanup(func() { _ = writer.Close() })

	conv := &fakeConversation{connectOK: true}
	repl := NewRepl(conv, reader, io.Discard)
	require.NoError(t, repl.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- repl.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 1, conv.disconnects)
}
