/*
Package core provides the WebSocket event dispatcher for the parley gateway.

The EventDispatcher terminates every inbound WebSocket connection, decodes
envelope frames and routes each one to the handler registered for its type.
One dispatcher serves all connections.

Concurrency model:
- Each connection has one read goroutine and its own errgroup of handler
  goroutines, bounded by the in-flight limit. A slow handler on one
  connection never delays another connection.
- Writes to a connection are serialized by a per-connection mutex.
- Handler failures and panics are converted into error envelopes on the
  originating connection; they never close the connection.
*/
package core

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
	"golang.org/x/sync/errgroup"
)

// ErrConnectionClosed is returned by Conn.Send after the connection has been released.
var ErrConnectionClosed = errors.New("connection closed")

// HandlerFunc handles one decoded envelope. payload is the raw envelope
// payload; handlers validate its shape themselves.
type HandlerFunc func(ctx context.Context, conn *Conn, payload json.RawMessage) error

// ConnectionHook runs once for every new connection before frames are read.
type ConnectionHook func(ctx context.Context, conn *Conn) error

// Conn is one accepted WebSocket connection.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeMutex   sync.Mutex
	writeTimeout time.Duration
	closed       bool
	logger       *logrus.Entry
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Send writes one envelope to the connection under the write deadline.
func (c *Conn) Send(eventType string, payload any) error {
	data, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s envelope: %w", eventType, err)
	}
	return nil
}

// sendError writes an error envelope, logging write failures.
func (c *Conn) sendError(payload any) {
	if err := c.Send(protocol.EventError, payload); err != nil {
		c.logger.WithError(err).Debug("Failed to send error envelope")
	}
}

// close sends a close frame and releases the socket. Later sends fail.
func (c *Conn) close(code int, text string) {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = c.ws.Close()
}

// DispatcherOption configures an EventDispatcher.
type DispatcherOption func(*EventDispatcher)

// WithConnectionHook replaces the default welcome hook.
func WithConnectionHook(hook ConnectionHook) DispatcherOption {
	return func(d *EventDispatcher) { d.onConnect = hook }
}

// WithMaxInFlight bounds the handlers running concurrently on one connection.
func WithMaxInFlight(limit int) DispatcherOption {
	return func(d *EventDispatcher) {
		if limit > 0 {
			d.maxInFlight = limit
		}
	}
}

// WithMaxMessageBytes sets the largest frame accepted from a peer.
func WithMaxMessageBytes(limit int64) DispatcherOption {
	return func(d *EventDispatcher) { d.maxMessageBytes = limit }
}

// WithWriteTimeout sets the deadline for one outbound frame.
func WithWriteTimeout(timeout time.Duration) DispatcherOption {
	return func(d *EventDispatcher) { d.writeTimeout = timeout }
}

// WithCheckOrigin sets the upgrader's origin check. The default accepts any origin.
func WithCheckOrigin(check func(r *http.Request) bool) DispatcherOption {
	return func(d *EventDispatcher) { d.upgrader.CheckOrigin = check }
}

// EventDispatcher routes inbound envelopes to registered handlers.
type EventDispatcher struct {
	upgrader        websocket.Upgrader
	handlers        map[string]HandlerFunc
	handlersMutex   sync.RWMutex
	onConnect       ConnectionHook
	maxInFlight     int
	maxMessageBytes int64
	writeTimeout    time.Duration

	conns      map[string]*Conn
	connsMutex sync.Mutex
	closing    bool

	baseCtx context.Context
	cancel  context.CancelFunc
	logger  *logrus.Entry
}

// NewEventDispatcher creates a dispatcher with no handlers registered. New
// connections receive a welcome envelope unless another hook is configured.
func NewEventDispatcher(logger *logrus.Logger, opts ...DispatcherOption) *EventDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &EventDispatcher{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		handlers:        make(map[string]HandlerFunc),
		onConnect:       WelcomeHook(DefaultWelcomeMessage),
		maxInFlight:     16,
		maxMessageBytes: 1 << 20,
		writeTimeout:    10 * time.Second,
		conns:           make(map[string]*Conn),
		baseCtx:         ctx,
		cancel:          cancel,
		logger:          logger.WithField("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers handler for eventType, replacing any previous handler.
func (d *EventDispatcher) Handle(eventType string, handler HandlerFunc) {
	d.handlersMutex.Lock()
	defer d.handlersMutex.Unlock()
	d.handlers[eventType] = handler
}

func (d *EventDispatcher) handler(eventType string) (HandlerFunc, bool) {
	d.handlersMutex.RLock()
	defer d.handlersMutex.RUnlock()
	handler, ok := d.handlers[eventType]
	return handler, ok
}

// ActiveConnections returns the number of open connections.
func (d *EventDispatcher) ActiveConnections() int {
	d.connsMutex.Lock()
	defer d.connsMutex.Unlock()
	return len(d.conns)
}

// ServeHTTP upgrades the request and serves the connection until the peer
// disconnects or the dispatcher is closed.
func (d *EventDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.WithError(err).WithField("remoteAddr", r.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}

	conn := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: d.writeTimeout,
	}
	conn.logger = d.logger.WithFields(logrus.Fields{
		"connectionID": conn.id,
		"remoteAddr":   ws.RemoteAddr().String(),
	})

	if !d.register(conn) {
		conn.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer d.unregister(conn)

	conn.logger.Info("Client connected")
	d.serve(conn)
	conn.logger.Info("Client disconnected")
}

func (d *EventDispatcher) register(conn *Conn) bool {
	d.connsMutex.Lock()
	defer d.connsMutex.Unlock()
	if d.closing {
		return false
	}
	d.conns[conn.id] = conn
	return true
}

func (d *EventDispatcher) unregister(conn *Conn) {
	d.connsMutex.Lock()
	delete(d.conns, conn.id)
	d.connsMutex.Unlock()
	conn.close(websocket.CloseNormalClosure, "")
}

// serve runs the read loop for one connection. It returns after the peer
// has gone away and every handler started for the connection has finished.
func (d *EventDispatcher) serve(conn *Conn) {
	if d.maxMessageBytes > 0 {
		conn.ws.SetReadLimit(d.maxMessageBytes)
	}

	if d.onConnect != nil {
		if err := d.onConnect(d.baseCtx, conn); err != nil {
			conn.logger.WithError(err).Warn("Connection hook failed")
		}
	}

	group := &errgroup.Group{}
	group.SetLimit(d.maxInFlight)
	defer func() { _ = group.Wait() }()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				conn.logger.WithError(err).Warn("WebSocket read failed")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			conn.logger.WithError(err).Debug("Received malformed frame")
			conn.sendError("Invalid JSON")
			continue
		}

		handler, ok := d.handler(env.Type)
		if !ok {
			conn.logger.WithField("type", env.Type).Debug("Received unknown event type")
			conn.sendError(fmt.Sprintf("Unknown event type: %s", env.Type))
			continue
		}

		group.Go(func() error {
			d.invoke(conn, env, handler)
			return nil
		})
	}
}

// invoke runs one handler and reports its failure or panic to the peer.
func (d *EventDispatcher) invoke(conn *Conn, env protocol.Envelope, handler HandlerFunc) {
	eventLogger := conn.logger.WithField("type", env.Type)

	defer func() {
		if r := recover(); r != nil {
			eventLogger.WithField("panic", r).Error("Event handler panicked")
			conn.sendError(protocol.ErrorPayload{
				Message: "Failed to process message",
				Error:   fmt.Sprint(r),
			})
		}
	}()

	if err := handler(d.baseCtx, conn, env.Payload); err != nil {
		eventLogger.WithError(err).Error("Event handler failed")
		conn.sendError(protocol.ErrorPayload{
			Message: "Failed to process message",
			Error:   err.Error(),
		})
	}
}

// Close stops accepting connections, cancels handler contexts and closes
// every open connection with a going-away status.
func (d *EventDispatcher) Close() {
	d.connsMutex.Lock()
	d.closing = true
	conns := make([]*Conn, 0, len(d.conns))
	for _, conn := range d.conns {
		conns = append(conns, conn)
	}
	d.connsMutex.Unlock()

	d.cancel()
	for _, conn := range conns {
		conn.close(websocket.CloseGoingAway, "server shutting down")
	}
	d.logger.WithField("closedConnections", len(conns)).Info("Event dispatcher closed")
}
