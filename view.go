package chatkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrViewClosed is returned by operations on an unmounted view.
var ErrViewClosed = errors.New("chatkit: conversation view closed")

// ViewOptions configures an open conversation view. All callbacks are
// optional; they are invoked from socket and timer goroutines, never
// concurrently with themselves for a single event source.
type ViewOptions struct {
	// OnMessages receives the render-ready chronological list after every
	// change.
	OnMessages func([]Message)

	// OnPeerTyping receives peer typing indicator transitions.
	OnPeerTyping func(bool)

	// OnTransportDown fires once when the socket is gone for good and the
	// view continues REST-only.
	OnTransportDown func(error)

	// OnClearInput and OnRestoreInput bind the input field to the send
	// pipeline.
	OnClearInput   func()
	OnRestoreInput func(text string)

	// TypingIdle overrides the typing auto-stop window.
	TypingIdle time.Duration

	// MaxReconnects enables bounded socket reconnection when > 0.
	MaxReconnects int

	// Resolver overrides identity resolution; defaults to the REST /me
	// resolver.
	Resolver IdentityResolver

	// Logger for non-fatal failures. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// ConversationView is the lifecycle-scoped assembly of the messaging core
// for one mounted conversation: it owns the socket handle, history cursor,
// message store, typing coordinator, read tracker, and send pipeline, and
// wires inbound events through them. Opening a second view for another
// conversation requires closing this one first; Close is idempotent and
// releases every timer and the socket. REST responses resolving after Close
// are ignored.
type ConversationView struct {
	client         *Client
	directory      Directory
	conversationID string
	selfID         string
	log            zerolog.Logger

	store    *MessageStore
	history  *HistoryLoader
	typing   *TypingCoordinator
	reads    *ReadTracker
	pipeline *SendPipeline

	onMessages      func([]Message)
	onTransportDown func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *Conn
	closed bool
}

// OpenConversation mounts a conversation: resolves the viewer identity,
// opens the per-conversation socket (falling back to REST-only when the dial
// fails), loads the initial history page, and marks the conversation read if
// it is non-empty.
func OpenConversation(ctx context.Context, client *Client, directory Directory, conversationID string, opts ViewOptions) (*ConversationView, error) {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	viewCtx, cancel := context.WithCancel(context.Background())
	v := &ConversationView{
		client:          client,
		directory:       directory,
		conversationID:  conversationID,
		log:             log.With().Str("conversation", conversationID).Logger(),
		store:           NewMessageStore(),
		onMessages:      opts.OnMessages,
		onTransportDown: opts.OnTransportDown,
		ctx:             viewCtx,
		cancel:          cancel,
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewIdentityResolver(client)
	}
	if id, err := resolver.Resolve(ctx); err != nil {
		// Typing display degrades to never showing rather than guessing.
		v.log.Warn().Err(err).Msg("identity unresolved, typing display disabled")
	} else {
		v.selfID = id.UserID
	}

	v.typing = NewTypingCoordinator(v.selfID, opts.TypingIdle, v.emitTyping, opts.OnPeerTyping)
	v.reads = NewReadTracker(client, directory, v.log)
	v.pipeline = NewSendPipeline(client, v.store, v.typing, conversationID, v.selfID, SendPipelineOptions{
		OnClearInput:   opts.OnClearInput,
		OnRestoreInput: opts.OnRestoreInput,
		OnUpdate:       v.render,
	})
	v.pipeline.cancelled = v.isClosed
	v.history = NewHistoryLoader(client, v.store, conversationID)
	v.history.cancelled = v.isClosed

	conn, err := client.Connect(ctx, conversationID, DialOptions{
		OnEvent:       v.handleEvent,
		OnClose:       v.handleTransportDown,
		MaxReconnects: opts.MaxReconnects,
	})
	if err != nil {
		// REST-only for the rest of the session; sends still work.
		v.log.Warn().Err(err).Msg("socket unavailable, running REST-only")
		if v.onTransportDown != nil {
			v.onTransportDown(err)
		}
	} else {
		v.mu.Lock()
		v.conn = conn
		v.mu.Unlock()
	}

	n, err := v.history.LoadInitial(ctx)
	if err != nil {
		// Existing state is untouched; LoadOlder/reopen retries manually.
		v.log.Warn().Err(err).Msg("initial history load failed")
	} else if n > 0 {
		v.reads.MarkRead(ctx, conversationID)
	}
	v.render()

	return v, nil
}

// Messages returns the current chronological list.
func (v *ConversationView) Messages() []Message {
	return v.store.Snapshot()
}

// Cursor returns the history cursor.
func (v *ConversationView) Cursor() Cursor {
	return v.history.Cursor()
}

// PeerTyping reports whether the peer is shown as typing.
func (v *ConversationView) PeerTyping() bool {
	return v.typing.PeerTyping()
}

// SelfID returns the resolved viewer identity, empty when unresolved.
func (v *ConversationView) SelfID() string {
	return v.selfID
}

// Send delivers text through the send pipeline, preferring the socket.
func (v *ConversationView) Send(ctx context.Context, text string) error {
	if v.isClosed() {
		return ErrViewClosed
	}
	return v.pipeline.Send(ctx, v.currentConn(), text)
}

// SendOffer delivers an offer card through the send pipeline.
func (v *ConversationView) SendOffer(ctx context.Context, offer OfferCard) error {
	if v.isClosed() {
		return ErrViewClosed
	}
	return v.pipeline.SendOffer(ctx, v.currentConn(), offer)
}

// NotifyTyping signals that the user is composing.
func (v *ConversationView) NotifyTyping() {
	if v.isClosed() {
		return
	}
	v.typing.NotifyLocalTyping(true)
}

// StopTyping signals an explicit stop (blur or cleared input).
func (v *ConversationView) StopTyping() {
	v.typing.Stop()
}

// LoadOlder fetches and prepends the next older history page. Returns false
// without fetching when the oldest page is reached or a load is in flight.
func (v *ConversationView) LoadOlder(ctx context.Context) (bool, error) {
	if v.isClosed() {
		return false, ErrViewClosed
	}
	loaded, err := v.history.LoadOlder(ctx)
	if err != nil {
		v.log.Warn().Err(err).Msg("history load failed")
		return false, err
	}
	if loaded {
		v.render()
	}
	return loaded, nil
}

// Close unmounts the view: cancels pending typing timers, closes the socket,
// and drops any REST responses still in flight. Idempotent.
func (v *ConversationView) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	conn := v.conn
	v.conn = nil
	v.mu.Unlock()

	v.cancel()
	v.typing.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ============================================================================
// Event plumbing
// ============================================================================

func (v *ConversationView) handleEvent(ev InboundEvent) {
	if v.isClosed() {
		return
	}
	switch ev.Event {
	case EventMessageNew:
		v.handleMessageNew(*ev.Message)
	case EventTyping:
		if ev.Typing.ConversationID == "" || ev.Typing.ConversationID == v.conversationID {
			v.typing.HandlePeerEvent(*ev.Typing)
		}
	}
}

func (v *ConversationView) handleMessageNew(m Message) {
	if m.ConversationID != "" && m.ConversationID != v.conversationID {
		return
	}

	switch v.store.ApplyNew(m) {
	case ApplyDuplicate:
		return
	case ApplyReplaced:
		// Our own send confirmed: last-message summary changed.
		v.render()
		v.directory.Refresh(v.ctx)
	case ApplyAppended:
		v.render()
		if v.selfID != "" && m.SenderID == v.selfID {
			v.directory.Refresh(v.ctx)
			return
		}
		// Inbound while the conversation is the visible one: mark read,
		// which refreshes the directory on success.
		v.reads.MarkRead(v.ctx, v.conversationID)
	}
}

func (v *ConversationView) handleTransportDown(err error) {
	if v.isClosed() {
		return
	}
	v.mu.Lock()
	v.conn = nil
	v.mu.Unlock()
	v.log.Warn().Err(err).Msg("socket closed, falling back to REST for the session")
	if v.onTransportDown != nil {
		v.onTransportDown(err)
	}
}

func (v *ConversationView) emitTyping(isTyping bool) {
	conn := v.currentConn()
	if conn == nil {
		return
	}
	if err := conn.Typing(v.ctx, isTyping); err != nil && !errors.Is(err, ErrNotConnected) {
		v.log.Debug().Err(err).Msg("typing frame dropped")
	}
}

func (v *ConversationView) currentConn() *Conn {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn
}

func (v *ConversationView) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

func (v *ConversationView) render() {
	if v.onMessages != nil {
		v.onMessages(v.store.Snapshot())
	}
}
