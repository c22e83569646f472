package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrNotConnected is returned when a frame is sent on a closed socket. The
// caller is expected to fall back to REST delivery.
var ErrNotConnected = errors.New("chatkit: socket not connected")

// ConnState is the transport state of a Conn.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Dial Options
// ============================================================================

// DialOptions configures a per-conversation socket.
//
// By default the connection never reconnects on its own: an unrecoverable
// socket error is surfaced once through OnClose and the session continues
// REST-only. Setting MaxReconnects > 0 enables bounded reconnection with
// exponential backoff and jitter; OnClose then fires only after the budget
// is exhausted.
type DialOptions struct {
	// OnEvent receives every decoded inbound frame. Events are dispatched
	// sequentially from the read loop, preserving arrival order.
	OnEvent func(InboundEvent)

	// OnClose fires once when the transport is down for good and the
	// closure was not requested via Close.
	OnClose func(error)

	// HeartbeatInterval between ping frames. Defaults to 25s.
	HeartbeatInterval time.Duration

	// MaxReconnects is the reconnection attempt budget. 0 disables
	// reconnection entirely.
	MaxReconnects      int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

func (o *DialOptions) defaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(opts *DialOptions) *reconnector {
	return &reconnector{
		baseDelay:   opts.ReconnectBaseDelay,
		maxDelay:    opts.ReconnectMaxDelay,
		maxAttempts: opts.MaxReconnects,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts > 0 && r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Conn
// ============================================================================

// Conn is one live socket bound to exactly one conversation and one
// credential. It dispatches typed inbound events and transmits message and
// typing frames; it holds no business logic.
type Conn struct {
	conversationID string
	wsURL          string
	opts           DialOptions
	recon          *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	closeNotified    bool
}

// Connect opens the socket for one conversation, scoped to the client's
// credential. The returned Conn is owned by the caller and must be released
// with Close.
func (c *Client) Connect(ctx context.Context, conversationID string, opts DialOptions) (*Conn, error) {
	opts.defaults()
	conn := &Conn{
		conversationID: conversationID,
		wsURL:          c.WSURL(conversationID),
		opts:           opts,
		recon:          newReconnector(&opts),
		state:          StateDisconnected,
	}
	if err := conn.dial(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// ConversationID returns the conversation this socket is bound to.
func (cn *Conn) ConversationID() string {
	return cn.conversationID
}

// State returns the current transport state.
func (cn *Conn) State() ConnState {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.state
}

// IsOpen reports whether frames can currently be transmitted.
func (cn *Conn) IsOpen() bool {
	return cn.State() == StateConnected
}

func (cn *Conn) dial(ctx context.Context) error {
	cn.mu.Lock()
	if cn.intentionalClose {
		cn.mu.Unlock()
		return ErrNotConnected
	}
	if cn.state == StateConnected || cn.state == StateConnecting {
		cn.mu.Unlock()
		return nil
	}
	cn.state = StateConnecting
	cn.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, cn.wsURL, nil)
	if err != nil {
		cn.mu.Lock()
		cn.state = StateDisconnected
		cn.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	cn.mu.Lock()
	if cn.intentionalClose {
		// Close raced the dial; tear the fresh socket down instead of
		// leaving it and its loops alive past teardown.
		cn.state = StateDisconnected
		cn.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusNormalClosure, "client close")
		return ErrNotConnected
	}
	cn.conn = ws
	cn.state = StateConnected
	cn.cancelFn = cancel
	cn.mu.Unlock()
	cn.recon.markConnected()

	go cn.readLoop(connCtx, ws)
	go cn.heartbeatLoop(connCtx, ws)

	return nil
}

// SendText transmits a message frame. Fails with ErrNotConnected when the
// socket is not open so the caller can fall back to REST.
func (cn *Conn) SendText(ctx context.Context, content, clientID string) error {
	return cn.writeFrame(ctx, messageSendFrame{Content: content, ClientID: clientID})
}

// Typing transmits a presence frame. Best-effort: a closed socket returns
// ErrNotConnected and typing relay stays off for the session.
func (cn *Conn) Typing(ctx context.Context, isTyping bool) error {
	return cn.writeFrame(ctx, typingFrame{IsTyping: isTyping})
}

func (cn *Conn) writeFrame(ctx context.Context, frame interface{}) error {
	cn.mu.Lock()
	ws := cn.conn
	open := cn.state == StateConnected
	cn.mu.Unlock()

	if !open || ws == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Close performs a scoped, idempotent teardown: the read and heartbeat loops
// stop, the socket closes, and no further events or OnClose are delivered.
func (cn *Conn) Close() error {
	cn.mu.Lock()
	cn.intentionalClose = true
	if cn.cancelFn != nil {
		cn.cancelFn()
		cn.cancelFn = nil
	}
	ws := cn.conn
	cn.conn = nil
	cn.state = StateDisconnected
	cn.mu.Unlock()

	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (cn *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			cn.handleReadError(ctx, err)
			return
		}

		var env wireEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ev, ok := decodeInbound(env)
		if !ok {
			continue
		}
		if cn.opts.OnEvent != nil {
			cn.opts.OnEvent(ev)
		}
	}
}

func (cn *Conn) handleReadError(ctx context.Context, err error) {
	cn.mu.Lock()
	if cn.intentionalClose {
		cn.mu.Unlock()
		return
	}
	cn.state = StateDisconnected
	cn.conn = nil
	cn.mu.Unlock()

	if cn.recon.shouldReconnect() {
		cn.scheduleReconnect(ctx)
		return
	}
	cn.notifyClose(err)
}

func (cn *Conn) scheduleReconnect(ctx context.Context) {
	delay := cn.recon.nextDelay()
	cn.mu.Lock()
	cn.state = StateReconnecting
	cn.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := cn.dial(context.Background()); err != nil {
		if cn.recon.shouldReconnect() {
			cn.scheduleReconnect(ctx)
			return
		}
		cn.mu.Lock()
		cn.state = StateDisconnected
		cn.mu.Unlock()
		cn.notifyClose(err)
	}
}

// notifyClose surfaces an unrecoverable closure exactly once.
func (cn *Conn) notifyClose(err error) {
	cn.mu.Lock()
	if cn.closeNotified || cn.intentionalClose {
		cn.mu.Unlock()
		return
	}
	cn.closeNotified = true
	cn.mu.Unlock()

	if cn.opts.OnClose != nil {
		cn.opts.OnClose(err)
	}
}

func (cn *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(cn.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !cn.IsOpen() {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force close; the read loop observes the error and
				// decides between reconnect and surfacing closure.
				ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// decodeInbound turns a wire envelope into the typed event union. Unknown
// event types are dropped.
func decodeInbound(env wireEnvelope) (InboundEvent, bool) {
	switch env.Event {
	case EventMessageNew:
		var m Message
		if json.Unmarshal(env.Data, &m) != nil {
			return InboundEvent{}, false
		}
		m.normalize()
		return InboundEvent{Event: EventMessageNew, Message: &m}, true
	case EventTyping:
		var t TypingEvent
		if json.Unmarshal(env.Data, &t) != nil {
			return InboundEvent{}, false
		}
		return InboundEvent{Event: EventTyping, Typing: &t}, true
	default:
		return InboundEvent{}, false
	}
}
