/*
Package client provides the client-side transport for parley surfaces.

The ConnectionManager maintains one logical WebSocket connection to a fixed
server URL, reconnects after unclean drops within a bounded number of
attempts, and gives subscribers an event-driven view of connection state,
assistant replies and errors.

State machine:

	Idle -> Connecting -> Connected -> Idle

An unclean close (anything not caused by Disconnect) schedules a reconnect
while the attempt counter is below the configured maximum. Once the bound is
reached the manager stays Idle until Connect is called again.
*/
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"parley/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by SendMessage when no connection is open.
var ErrNotConnected = errors.New("websocket not connected")

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "idle"
	}
}

// ConnectionStatus is published to connection listeners on every transition.
type ConnectionStatus struct {
	Connected  bool   `json:"connected"`
	Connecting bool   `json:"connecting"`
	Error      string `json:"error,omitempty"`
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a ConnectionManager. Zero values select defaults.
type Options struct {
	URL                  string
	ClientType           protocol.ClientType // default browser
	UserID               string              // default "browser-user"
	SessionID            string              // default a random UUID
	ReconnectDelay       time.Duration       // default 3s
	MaxReconnectAttempts int                 // default 5; negative disables reconnection
	HandshakeTimeout     time.Duration       // default 5s
	WriteTimeout         time.Duration       // default 10s
	Header               http.Header
	Dialer               Dialer
	Logger               *logrus.Logger
}

// ConnectionManager owns one logical connection to the server.
type ConnectionManager struct {
	url            string
	clientType     protocol.ClientType
	userID         string
	sessionID      string
	reconnectDelay time.Duration
	maxAttempts    int
	writeTimeout   time.Duration
	header         http.Header
	dialer         Dialer
	logger         *logrus.Entry

	mutex          sync.Mutex // guards the fields below
	state          State
	generation     uint64
	conn           *websocket.Conn
	attempts       int
	reconnectTimer *time.Timer
	cancelDial     context.CancelFunc

	writeMutex sync.Mutex

	queueMutex sync.Mutex
	pending    []func()
	draining   bool

	messageListeners    listenerSet[protocol.ConversationMessage]
	errorListeners      listenerSet[string]
	connectionListeners listenerSet[ConnectionStatus]
}

// NewConnectionManager creates an idle manager. Call Connect to open the
// connection.
func NewConnectionManager(opts Options) *ConnectionManager {
	if opts.ClientType == "" {
		opts.ClientType = protocol.ClientBrowser
	}
	if opts.UserID == "" {
		opts.UserID = "browser-user"
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	switch {
	case opts.MaxReconnectAttempts == 0:
		opts.MaxReconnectAttempts = 5
	case opts.MaxReconnectAttempts < 0:
		opts.MaxReconnectAttempts = 0
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &ConnectionManager{
		url:            opts.URL,
		clientType:     opts.ClientType,
		userID:         opts.UserID,
		sessionID:      opts.SessionID,
		reconnectDelay: opts.ReconnectDelay,
		maxAttempts:    opts.MaxReconnectAttempts,
		writeTimeout:   opts.WriteTimeout,
		header:         opts.Header,
		dialer:         opts.Dialer,
		logger: opts.Logger.WithFields(logrus.Fields{
			"component": "connection-manager",
			"sessionID": opts.SessionID,
		}),
	}
}

// SessionID returns the session every command is sent under.
func (m *ConnectionManager) SessionID() string {
	return m.sessionID
}

// Status returns the current connection status.
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return statusFor(m.state)
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func statusFor(state State) ConnectionStatus {
	return ConnectionStatus{
		Connected:  state == StateConnected,
		Connecting: state == StateConnecting,
	}
}

// Connect opens the connection in the background. It does nothing while a
// connection is being opened or is already open.
func (m *ConnectionManager) Connect() {
	m.mutex.Lock()
	ctx, generation, started := m.beginConnectLocked()
	m.mutex.Unlock()

	m.drain()
	if started {
		go m.dial(ctx, generation)
	}
}

// beginConnectLocked moves an idle manager to connecting and returns the
// context and generation for the dial.
func (m *ConnectionManager) beginConnectLocked() (context.Context, uint64, bool) {
	if m.state != StateIdle {
		return nil, 0, false
	}

	m.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.publishLocked(ConnectionStatus{Connecting: true})
	return ctx, m.generation, true
}

func (m *ConnectionManager) dial(ctx context.Context, generation uint64) {
	m.logger.WithField("url", m.url).Debug("Dialing server")
	conn, _, err := m.dialer.DialContext(ctx, m.url, m.header)

	m.mutex.Lock()
	if generation != m.generation {
		m.mutex.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.cancelDial != nil {
		// the dial context only bounds the handshake
		m.cancelDial()
		m.cancelDial = nil
	}

	if err != nil {
		m.logger.WithError(err).Warn("WebSocket connection failed")
		m.state = StateIdle
		m.publishLocked(ConnectionStatus{Error: "Connection error"})
		m.notifyErrorLocked("Connection error occurred")
		m.publishLocked(ConnectionStatus{})
		m.scheduleReconnectLocked()
		m.mutex.Unlock()
		m.drain()
		return
	}

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.publishLocked(ConnectionStatus{Connected: true})
	m.mutex.Unlock()

	m.logger.Info("WebSocket connected")
	m.drain()
	m.readLoop(conn, generation)
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn, generation uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, generation, err)
			return
		}
		m.handleFrame(generation, data)
	}
}

// handleClose runs when the read loop ends. Closes caused by Disconnect have
// already bumped the generation and are ignored here.
func (m *ConnectionManager) handleClose(conn *websocket.Conn, generation uint64, err error) {
	_ = conn.Close()

	m.mutex.Lock()
	if generation != m.generation {
		m.mutex.Unlock()
		return
	}

	// 1006 is what gorilla reports when the peer vanished without a close frame.
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code == websocket.CloseAbnormalClosure {
		m.logger.WithError(err).Warn("WebSocket transport error")
		m.publishLocked(ConnectionStatus{Error: "Connection error"})
		m.notifyErrorLocked("Connection error occurred")
	} else {
		m.logger.WithFields(logrus.Fields{
			"code":   closeErr.Code,
			"reason": closeErr.Text,
		}).Info("WebSocket disconnected")
	}

	m.conn = nil
	m.state = StateIdle
	m.publishLocked(ConnectionStatus{})
	m.scheduleReconnectLocked()
	m.mutex.Unlock()
	m.drain()
}

func (m *ConnectionManager) handleFrame(generation uint64, data []byte) {
	m.mutex.Lock()
	defer func() {
		m.mutex.Unlock()
		m.drain()
	}()

	if generation != m.generation {
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to parse server message")
		m.notifyErrorLocked("Failed to parse server message")
		return
	}

	switch env.Type {
	case protocol.EventConversationResponse:
		var message protocol.ConversationMessage
		if err := json.Unmarshal(env.Payload, &message); err != nil {
			m.logger.WithError(err).Warn("Failed to parse conversation response")
			m.notifyErrorLocked("Failed to parse server message")
			return
		}
		m.enqueueLocked(func() { m.messageListeners.notify(message, m.logger) })

	case protocol.EventError:
		text := protocol.ErrorText(env.Payload)
		m.notifyErrorLocked(text)

	case protocol.EventPong:
		// reserved for heartbeat

	case protocol.EventWelcome, protocol.EventChatAck:
		m.logger.WithFields(logrus.Fields{
			"type":    env.Type,
			"payload": string(env.Payload),
		}).Debug("Received server notice")

	default:
		m.logger.WithField("type", env.Type).Debug("Received unhandled server event")
	}
}

// scheduleReconnectLocked starts the reconnect timer unless one is already
// pending or the attempt bound has been reached.
func (m *ConnectionManager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil || m.attempts >= m.maxAttempts {
		return
	}

	m.attempts++
	generation := m.generation
	m.logger.WithFields(logrus.Fields{
		"attempt": m.attempts,
		"delay":   m.reconnectDelay,
	}).Info("Scheduling reconnect attempt")

	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, func() {
		m.mutex.Lock()
		if generation != m.generation {
			m.mutex.Unlock()
			return
		}
		m.reconnectTimer = nil
		ctx, dialGeneration, started := m.beginConnectLocked()
		m.mutex.Unlock()

		m.drain()
		if started {
			go m.dial(ctx, dialGeneration)
		}
	})
}

// Disconnect cancels any pending reconnect, closes the connection if one is
// open and publishes the idle status. It is safe to call repeatedly.
func (m *ConnectionManager) Disconnect() {
	m.mutex.Lock()
	m.generation++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateIdle
	m.publishLocked(ConnectionStatus{})
	m.mutex.Unlock()

	if conn != nil {
		m.writeMutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMutex.Unlock()
		_ = conn.Close()
		m.logger.Info("WebSocket disconnected by client")
	}

	m.drain()
}

// SendMessage sends text as a conversation command. It fails immediately with
// ErrNotConnected when no connection is open.
func (m *ConnectionManager) SendMessage(text string) error {
	m.mutex.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mutex.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(protocol.EventConversation, protocol.ConversationCommand{
		SessionID:  m.sessionID,
		Message:    text,
		ClientType: m.clientType,
		UserID:     m.userID,
	})
	if err != nil {
		return err
	}

	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send conversation command: %w", err)
	}
	return nil
}

// OnMessage subscribes to assistant replies.
func (m *ConnectionManager) OnMessage(listener func(protocol.ConversationMessage)) func() {
	return m.messageListeners.add(listener)
}

// OnError subscribes to error notifications.
func (m *ConnectionManager) OnError(listener func(string)) func() {
	return m.errorListeners.add(listener)
}

// OnConnectionChange subscribes to connection status changes.
func (m *ConnectionManager) OnConnectionChange(listener func(ConnectionStatus)) func() {
	return m.connectionListeners.add(listener)
}

func (m *ConnectionManager) publishLocked(status ConnectionStatus) {
	m.enqueueLocked(func() { m.connectionListeners.notify(status, m.logger) })
}

func (m *ConnectionManager) notifyErrorLocked(text string) {
	m.enqueueLocked(func() { m.errorListeners.notify(text, m.logger) })
}

// enqueueLocked appends a notification while the state mutex is held, so
// notifications are queued in transition order.
func (m *ConnectionManager) enqueueLocked(fn func()) {
	m.queueMutex.Lock()
	m.pending = append(m.pending, fn)
	m.queueMutex.Unlock()
}

// drain delivers queued notifications without holding the state mutex, so
// listeners may call back into the manager. Only one goroutine drains at a
// time; nested calls return and leave the work to the active drainer.
func (m *ConnectionManager) drain() {
	m.queueMutex.Lock()
	if m.draining {
		m.queueMutex.Unlock()
		return
	}
	m.draining = true

	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		m.queueMutex.Unlock()
		next()
		m.queueMutex.Lock()
	}

	m.draining = false
	m.queueMutex.Unlock()
}
