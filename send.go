package chatkit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// tempIDPrefix marks optimistic message ids issued before confirmation.
const tempIDPrefix = "temp-"

// SendPipeline turns user input into delivered messages. Each send
// synchronously appends an optimistic message (temporary id + correlation
// id) so the UI reflects it with zero latency, clears the input, cancels
// pending typing, then delivers over the socket when open or REST otherwise,
// never both for one action. A failed delivery rolls the
// optimistic entry back and restores the input text: sent text is never
// silently lost.
type SendPipeline struct {
	client         *Client
	store          *MessageStore
	typing         *TypingCoordinator
	conversationID string
	selfID         string

	onClearInput   func()
	onRestoreInput func(string)
	onUpdate       func()

	// cancelled, when set, suppresses applying delivery results that
	// resolve after the owning view unmounted.
	cancelled func() bool

	lastTempStamp atomic.Int64
}

// SendPipelineOptions wires the pipeline's UI callbacks; any may be nil.
// OnUpdate fires after every list mutation (optimistic append, confirmation,
// rollback) so the view re-renders without polling.
type SendPipelineOptions struct {
	OnClearInput   func()
	OnRestoreInput func(text string)
	OnUpdate       func()
}

// NewSendPipeline creates a pipeline for one conversation. selfID is the
// resolved local identity stamped as the optimistic sender.
func NewSendPipeline(client *Client, store *MessageStore, typing *TypingCoordinator, conversationID, selfID string, opts SendPipelineOptions) *SendPipeline {
	return &SendPipeline{
		client:         client,
		store:          store,
		typing:         typing,
		conversationID: conversationID,
		selfID:         selfID,
		onClearInput:   opts.OnClearInput,
		onRestoreInput: opts.OnRestoreInput,
		onUpdate:       opts.OnUpdate,
	}
}

// Send delivers text. Empty or whitespace-only text is a no-op. conn may be
// nil or closed, in which case delivery goes over REST. Multiple sends may
// be in flight concurrently; each carries its own temporary id and
// correlation id and reconciles independently.
func (p *SendPipeline) Send(ctx context.Context, conn *Conn, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	echo := Message{
		ID:             p.nextTempID(),
		ConversationID: p.conversationID,
		SenderID:       p.selfID,
		Content:        text,
		ClientID:       uuid.NewString(),
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		LocalEcho:      true,
	}
	echo.normalize()

	p.store.AppendLocalEcho(echo)
	p.notifyUpdate()
	if p.onClearInput != nil {
		p.onClearInput()
	}
	if p.typing != nil {
		p.typing.Stop()
	}

	if conn != nil && conn.IsOpen() {
		if err := conn.SendText(ctx, text, echo.ClientID); err != nil {
			// The socket died between the check and the write. No REST
			// retry for the same action: roll back and let the user resend.
			p.rollback(echo.ID, text)
			return err
		}
		// Confirmation arrives as a message.new echo and is reconciled by
		// the store.
		return nil
	}

	confirmed, err := p.client.SendMessage(ctx, p.conversationID, text, echo.ClientID)
	if err != nil {
		p.rollback(echo.ID, text)
		return err
	}
	if p.isCancelled() {
		// The view unmounted while the request was in flight; the stale
		// store must not absorb the late confirmation.
		return nil
	}
	if confirmed.ClientID == "" {
		confirmed.ClientID = echo.ClientID
	}
	p.store.ApplyNew(*confirmed)
	p.notifyUpdate()
	return nil
}

// SendOffer encodes an offer card and sends it through the same pipeline.
func (p *SendPipeline) SendOffer(ctx context.Context, conn *Conn, offer OfferCard) error {
	content, err := EncodeOfferContent(offer)
	if err != nil {
		return err
	}
	return p.Send(ctx, conn, content)
}

func (p *SendPipeline) rollback(tempID, text string) {
	// After unmount the store is stale and stays untouched, but the input
	// text is still handed back so it is never silently lost.
	if !p.isCancelled() {
		p.store.Remove(tempID)
		p.notifyUpdate()
	}
	if p.onRestoreInput != nil {
		p.onRestoreInput(text)
	}
}

func (p *SendPipeline) isCancelled() bool {
	return p.cancelled != nil && p.cancelled()
}

func (p *SendPipeline) notifyUpdate() {
	if p.onUpdate != nil {
		p.onUpdate()
	}
}

// nextTempID issues temp-<monotonic-timestamp>. The stamp is strictly
// increasing even when sends land on the same nanosecond tick.
func (p *SendPipeline) nextTempID() string {
	for {
		now := time.Now().UnixNano()
		last := p.lastTempStamp.Load()
		if now <= last {
			now = last + 1
		}
		if p.lastTempStamp.CompareAndSwap(last, now) {
			return fmt.Sprintf("%s%d", tempIDPrefix, now)
		}
	}
}
