package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/parakit/para-sync/internal/errors"
)

// Lifecycle event types published on the connected/disconnected topics.
// Not part of the wire event set.
const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

const (
	// pingAfter is the idle time after which the manager sends a ping.
	pingAfter = 10 * time.Second

	// disconnectAfter is the silence threshold beyond which the
	// connection is considered dead and closed for reconnect.
	disconnectAfter = 120 * time.Second

	// heartbeatCheckAt is the tick interval for idle/silence checks.
	heartbeatCheckAt = 20 * time.Second

	// reconnectMin and reconnectMax bound the exponential reconnect
	// backoff; the delay doubles per failed attempt and carries uniform
	// jitter in [0, delay/jitterDivisor).
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	jitterDivisor              = 2
	reconnectBackoffMultiplier = 2

	// inboundChanSize buffers frames between the reader goroutine and
	// the connection event loop.
	inboundChanSize = 64

	// eventChanSize buffers decoded server events handed to the engine.
	eventChanSize = 64

	// wsReadLimit caps inbound frame size. Item payloads are small JSON
	// documents; 4MB leaves generous headroom.
	wsReadLimit = 4 * 1024 * 1024
)

// inboundMsg wraps a frame read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	err  error
	data []byte
	typ  websocket.MessageType
}

// wsConn abstracts the WebSocket connection so the manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a transport connection. Injected so tests can supply a
// scripted connection; production uses dialWebSocket.
type dialFunc func(ctx context.Context) (wsConn, error)

// ConnManagerConfig holds the parameters for the connection manager.
type ConnManagerConfig struct {
	// Host is the sync server hostname (wss:// is implied).
	Host string

	// Token authenticates the principal on init.
	Token string

	// Device identifies this client in outbound frames.
	Device string
}

// ConnManager owns the transport channel lifecycle: connect, heartbeat,
// drop detection, and indefinite capped-backoff reconnection. Decoded
// server events are delivered on Events(); connectivity transitions are
// published on the connected/disconnected topics.
//
// Architecture follows a single event loop owning all writes, fed by a
// reader goroutine through inboundCh, so no write mutex is needed.
type ConnManager struct {
	cfg    ConnManagerConfig
	bus    *Bus
	logger *slog.Logger
	dial   dialFunc

	conn       wsConn
	inboundCh  chan inboundMsg
	connCancel context.CancelFunc

	events chan RealtimeEvent

	// connectedCh wakes a Run loop parked after a voluntary disconnect
	// once Connect has re-established the transport.
	connectedCh chan struct{}

	// connected, attempts, and principal are read by Status() from
	// caller goroutines while the event loop mutates them.
	mu        sync.RWMutex
	connected bool
	attempts  int
	principal string
	voluntary bool

	lastMsgMu   sync.Mutex
	lastMessage time.Time
}

// NewConnManager creates a connection manager. Events published during
// connectivity transitions go through bus.
func NewConnManager(cfg ConnManagerConfig, bus *Bus, logger *slog.Logger) *ConnManager {
	m := &ConnManager{
		cfg:         cfg,
		bus:         bus,
		logger:      logger,
		events:      make(chan RealtimeEvent, eventChanSize),
		connectedCh: make(chan struct{}, 1),
	}
	m.dial = m.dialWebSocket

	return m
}

// Events returns the channel of decoded server events. Consumed by the
// engine's reconciliation loop.
func (m *ConnManager) Events() <-chan RealtimeEvent {
	return m.events
}

// Status returns a snapshot of the connection state.
func (m *ConnManager) Status() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ConnectionState{
		Connected:         m.connected,
		ReconnectAttempts: m.attempts,
	}
}

// Connect opens the transport bound to the given principal and performs
// the init handshake. Idempotent: a no-op when already connected for the
// same principal. Connecting as a different principal while connected is
// an error; call Disconnect first.
func (m *ConnManager) Connect(ctx context.Context, principalID string) error {
	m.mu.Lock()
	if m.connected {
		same := m.principal == principalID
		m.mu.Unlock()

		if same {
			return nil
		}

		return fmt.Errorf("connecting as %q: %w", principalID, errors.ErrPrincipalBound)
	}

	m.principal = principalID
	m.voluntary = false
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing sync server: %w", err)
	}

	if err := m.handshake(ctx, conn, principalID); err != nil {
		return err
	}

	m.setConnected(true)
	m.publishLifecycle(EventConnected)
	m.signalConnected()

	return nil
}

// Disconnect tears down the transport voluntarily. Reconnect timers are
// cleared and no reconnection is attempted until Connect is called again.
// The optimistic ledger is not touched: pending updates survive and
// resume reconciliation on the next connect.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	m.voluntary = true
	wasConnected := m.connected
	conn := m.conn
	cancel := m.connCancel
	m.conn = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	if wasConnected {
		m.setConnected(false)
		m.publishLifecycle(EventDisconnected)
	}
}

// dialWebSocket opens the production WebSocket connection.
func (m *ConnManager) dialWebSocket(ctx context.Context) (wsConn, error) {
	url := "wss://" + m.cfg.Host + "/sync"

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"para-sync/1"},
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// handshake sends init and waits for the server's auth acknowledgement,
// then starts the reader goroutine. Extracted from Connect so the
// sequence is testable with a mock wsConn.
func (m *ConnManager) handshake(ctx context.Context, conn wsConn, principalID string) error {
	conn.SetReadLimit(wsReadLimit)

	init := initMessage{
		Op:        "init",
		Token:     m.cfg.Token,
		Principal: principalID,
		Device:    m.cfg.Device,
	}

	if err := writeJSON(ctx, conn, init); err != nil {
		conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	var resp initResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		conn.Close(websocket.StatusInternalError, "auth decode failed")
		return fmt.Errorf("decoding auth response: %w", err)
	}

	if resp.Res != "ok" {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Res
		}

		conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("auth failed: %s: %w", msg, errors.ErrAuthRejected)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.touchLastMessage()
	m.startReader(ctx)

	m.logger.Info("transport authenticated",
		slog.String("principal", principalID),
		slog.String("host", m.cfg.Host),
	)

	return nil
}

// startReader launches a goroutine that reads frames into a fresh inbound
// channel. The channel is captured by value so a reader left over from an
// earlier connection cannot feed stale frames into the new one.
func (m *ConnManager) startReader(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.connCancel != nil {
		m.connCancel()
	}

	m.connCancel = cancel
	conn := m.conn
	m.mu.Unlock()

	ch := make(chan inboundMsg, inboundChanSize)
	m.inboundCh = ch

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			if err != nil {
				// The terminal error is delivered even when connCtx is
				// already cancelled, so readLoop notices the drop
				// without waiting for the heartbeat timeout.
				select {
				case ch <- inboundMsg{err: err}:
				default:
				}

				return
			}

			select {
			case ch <- inboundMsg{typ: typ, data: data}:
			case <-connCtx.Done():
				return
			}
		}
	}()
}

// Run is the connection event loop with automatic reconnection. It
// processes inbound frames and heartbeat ticks until ctx is cancelled.
// Transport drops trigger indefinite reconnection with capped exponential
// backoff; the manager never gives up on its own. A voluntary Disconnect
// parks the loop instead of ending it, and the next successful Connect
// resumes frame processing, so pending reconciliation survives the gap.
func (m *ConnManager) Run(ctx context.Context) error {
	for {
		if err := m.awaitConnected(ctx); err != nil {
			return err
		}

		err := m.readLoop(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if m.isVoluntary() {
			continue
		}

		m.setConnected(false)
		m.publishLifecycle(EventDisconnected)

		m.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
		)

		if err := m.reconnect(ctx); err != nil {
			return err
		}
	}
}

// awaitConnected blocks until the manager holds an authenticated
// connection. This is where the Run loop parks between a voluntary
// Disconnect and the next Connect.
func (m *ConnManager) awaitConnected(ctx context.Context) error {
	for {
		m.mu.RLock()
		connected := m.connected
		m.mu.RUnlock()

		if connected {
			return nil
		}

		select {
		case <-m.connectedCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLoop processes frames and heartbeats for one connection. Returns
// the transport error that ended it.
func (m *ConnManager) readLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	inbound := m.inboundCh

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			m.touchLastMessage()
			m.handleFrame(ctx, msg)

		case <-ticker.C:
			// No live connection, nothing to heartbeat.
			conn := m.currentConn()
			if conn == nil {
				continue
			}

			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				m.logger.Warn("connection timed out, closing")
				conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := writeJSON(ctx, conn, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame decodes one inbound frame and routes server events to the
// engine. Unparseable or unexpected frames are logged and skipped; they
// must never take down the loop.
func (m *ConnManager) handleFrame(ctx context.Context, msg inboundMsg) {
	if msg.typ == websocket.MessageBinary {
		m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
		return
	}

	op := gjson.GetBytes(msg.data, "op").Str

	switch op {
	case "pong":
		return

	case "ping":
		conn := m.currentConn()
		if conn == nil {
			return
		}

		if err := writeJSON(ctx, conn, map[string]string{"op": "pong"}); err != nil {
			m.logger.Debug("failed to answer ping", slog.String("error", err.Error()))
		}

	case "ready":
		m.logger.Info("server ready, live stream started")

	case "event":
		var em eventMessage
		if err := json.Unmarshal(msg.data, &em); err != nil {
			m.logger.Warn("failed to decode event frame", slog.String("error", err.Error()))
			return
		}

		ev := em.Event
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}

		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}

		select {
		case m.events <- ev:
		case <-ctx.Done():
		}

	default:
		m.logger.Debug("unexpected frame", slog.String("op", op))
	}
}

// reconnect retries dial+handshake with exponential backoff until it
// succeeds or ctx is cancelled. Each failed attempt increments the
// attempt counter; a successful connect resets it to zero.
func (m *ConnManager) reconnect(ctx context.Context) error {
	backoff := reconnectMin

	for {
		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		principal := m.principal
		m.mu.Unlock()

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: jitter needs no cryptographic randomness

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if m.isVoluntary() {
			return nil
		}

		conn, err := m.dial(ctx)
		if err == nil {
			err = m.handshake(ctx, conn, principal)
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			m.logger.Warn("reconnect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		m.setConnected(true)
		m.publishLifecycle(EventConnected)
		m.logger.Info("reconnected", slog.Int("attempts", attempt))

		return nil
	}
}

// setConnected updates the connected flag; a successful connect resets
// the reconnect attempt counter.
func (m *ConnManager) setConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = connected
	if connected {
		m.attempts = 0
	}
}

// signalConnected wakes a Run loop parked in awaitConnected.
func (m *ConnManager) signalConnected() {
	select {
	case m.connectedCh <- struct{}{}:
	default:
	}
}

func (m *ConnManager) isVoluntary() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.voluntary
}

func (m *ConnManager) currentConn() wsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.conn
}

// publishLifecycle emits a connectivity transition on the bus.
func (m *ConnManager) publishLifecycle(kind EventType) {
	topic := TopicConnected
	if kind == EventDisconnected {
		topic = TopicDisconnected
	}

	m.bus.Publish(topic, RealtimeEvent{
		ID:        uuid.NewString(),
		Type:      kind,
		Timestamp: time.Now(),
	})
}

func (m *ConnManager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

// writeJSON marshals v and writes it as a text frame.
func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	return nil
}
