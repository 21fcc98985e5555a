package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parley/protocol"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		WelcomeMessage:            DefaultWelcomeMessage,
		MaxMessageBytes:           1 << 20,
		WriteTimeout:              5 * time.Second,
		MaxInFlightPerConnection:  4,
		IntentConfidenceThreshold: 0.7,
		ContextLimit:              10,
		LogTruncateLength:         100,
	}
}

type testServer struct {
	server *Server
	echo   *echo.Echo
	wsURL  string
}

func newTestServer(t *testing.T, parser IntentParser, generator ResponseGenerator) *testServer {
	t.Helper()
	server := newServerFromParts(testConfig(), newTestLogger(), parser, generator)

	e := echo.New()
	server.RegisterRoutes(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
		httpServer.Close()
	})

	return &testServer{
		server: server,
		echo:   e,
		wsURL:  "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
	}
}

func (ts *testServer) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestConversationOverWebSocket(t *testing.T) {
	ts := newTestServer(t, &stubParser{}, NewPlaceholderResponseGenerator(newTestLogger()))
	ws := dialTest(t, ts.wsURL)
	assert.Equal(t, protocol.EventWelcome, readEnvelope(t, ws).Type)

	sendEnvelope(t, ws, protocol.EventConversation, testCommand("ws-session", "Hello!"))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.EventConversationResponse, env.Type)

	var reply protocol.ConversationMessage
	require.NoError(t, json.Unmarshal(env.Payload, &reply))
	assert.Equal(t, protocol.MessageAssistant, reply.Type)
	assert.Equal(t, "ws-session", reply.SessionID)
	assert.Contains(t, reply.Content, `You said: "Hello!"`)
	require.NotNil(t, reply.Metadata)
	assert.Equal(t, protocol.IntentChat, reply.Metadata.Intent)

	messages := ts.server.history.Get("ws-session")
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello!", messages[0].Content)
}

func TestConversationRejectsInvalidCommand(t *testing.T) {
	ts := newTestServer(t, &stubParser{}, &stubGenerator{})
	ws := dialTest(t, ts.wsURL)
	readEnvelope(t, ws)

	for _, payload := range []any{
		"just a string",
		map[string]any{"sessionId": "s1", "message": "no client type", "userId": "u1"},
		nil,
	} {
		sendEnvelope(t, ws, protocol.EventConversation, payload)

		errPayload := errorPayload(t, readEnvelope(t, ws))
		assert.Equal(t, "Invalid conversation command format", errPayload.Message)
		assert.Equal(t, "Expected ConversationCommand object", errPayload.Error)
	}

	assert.Equal(t, HistoryStats{}, ts.server.history.Stats())
}

func TestConversationGeneratorFailureStillReplies(t *testing.T) {
	generator := &stubGenerator{generate: func(context.Context, protocol.Intent, map[string]any, string, *protocol.UserContext) (string, error) {
		return "", errStub
	}}
	ts := newTestServer(t, &stubParser{}, generator)
	ws := dialTest(t, ts.wsURL)
	readEnvelope(t, ws)

	sendEnvelope(t, ws, protocol.EventConversation, testCommand("s1", "hi"))

	env := readEnvelope(t, ws)
	require.Equal(t, protocol.EventConversationResponse, env.Type)
	var reply protocol.ConversationMessage
	require.NoError(t, json.Unmarshal(env.Payload, &reply))
	assert.Equal(t, ApologyMessage, reply.Content)
	assert.True(t, reply.Metadata.Error)
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubParser{}, &stubGenerator{})
	ts.server.conversation.ProcessMessage(context.Background(), testCommand("abc", "hello"))

	rec := ts.request(t, http.MethodGet, "/sessions/abc/history?userId=user-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		SessionID string                         `json:"sessionId"`
		Messages  []protocol.ConversationMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body.SessionID)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "hello", body.Messages[0].Content)
	assert.Equal(t, "chat: hello", body.Messages[1].Content)

	rec = ts.request(t, http.MethodGet, "/sessions/unknown/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["messages"])
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubParser{}, &stubGenerator{})
	ts.server.conversation.ProcessMessage(context.Background(), testCommand("s1", "one"))

	rec := ts.request(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(0), body["connections"])
	assert.Equal(t, float64(0), body["executionCount"])
	assert.Equal(t, map[string]any{"totalSessions": float64(1), "totalMessages": float64(2)}, body["history"])
}

func TestHealthEndpoint(t *testing.T) {
	healthy := newTestServer(t, &stubParser{healthy: true}, &stubGenerator{healthy: true})
	rec := healthy.request(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]any{"healthy": true, "version": "stub-parser"}, body["intentParser"])

	degraded := newTestServer(t, &stubParser{healthy: false}, &stubGenerator{healthy: true})
	rec = degraded.request(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decodeBody(t, rec)["status"])
}

func TestStopEndpoint(t *testing.T) {
	started := make(chan struct{})
	generator := &stubGenerator{generate: func(ctx context.Context, _ protocol.Intent, _ map[string]any, _ string, _ *protocol.UserContext) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	ts := newTestServer(t, &stubParser{}, generator)

	rec := ts.request(t, http.MethodPost, "/stop", `{"executionId":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodPost, "/stop", `{"executionId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	done := make(chan protocol.ConversationMessage, 1)
	go func() {
		done <- ts.server.conversation.ProcessMessage(context.Background(), testCommand("s1", "long task"))
	}()
	<-started

	active := ts.server.executions.Active()
	require.Len(t, active, 1)

	rec = ts.request(t, http.MethodPost, "/stop", `{"executionId":"`+active[0].ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var stop StopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stop))
	assert.True(t, stop.Success)
	assert.True(t, stop.Stopped)

	select {
	case reply := <-done:
		assert.Equal(t, ApologyMessage, reply.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("stopped execution did not finish")
	}
}

func TestStopEndpointInterruptsWitCall(t *testing.T) {
	requested := make(chan struct{})
	release := make(chan struct{})
	wit := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(requested)
		select {
		case <-r.Context().Done():
		case <-release:
		}
		_, _ = w.Write([]byte(`{"text":"Hello","intents":[],"entities":{},"traits":{}}`))
	}))
	t.Cleanup(wit.Close)
	t.Cleanup(func() { close(release) })

	parser := NewWitIntentParser(WitParserOptions{
		AccessToken: "test-token",
		BaseURL:     wit.URL,
		Timeout:     5 * time.Second,
		Mapping:     DefaultIntentMapping(),
	}, newTestLogger())
	ts := newTestServer(t, parser, NewPlaceholderResponseGenerator(newTestLogger()))

	done := make(chan protocol.ConversationMessage, 1)
	go func() {
		done <- ts.server.conversation.ProcessMessage(context.Background(), testCommand("s1", "Hello"))
	}()
	<-requested

	active := ts.server.executions.Active()
	require.Len(t, active, 1)
	rec := ts.request(t, http.MethodPost, "/stop", `{"executionId":"`+active[0].ID+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case reply := <-done:
		assert.Equal(t, ApologyMessage, reply.Content)
		require.NotNil(t, reply.Metadata)
		assert.True(t, reply.Metadata.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("stopped execution did not finish")
	}
}

func TestShutdownCancelsExecutions(t *testing.T) {
	started := make(chan struct{})
	generator := &stubGenerator{generate: func(ctx context.Context, _ protocol.Intent, _ map[string]any, _ string, _ *protocol.UserContext) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	server := newServerFromParts(testConfig(), newTestLogger(), &stubParser{}, generator)

	done := make(chan struct{})
	go func() {
		server.conversation.ProcessMessage(context.Background(), testCommand("s1", "long task"))
		close(done)
	}()
	<-started

	require.NoError(t, server.Shutdown(context.Background()))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution was not cancelled on shutdown")
	}
	assert.Equal(t, 0, server.executions.Len())
}
