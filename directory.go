package chatkit

import (
	"context"
	"sync"
)

// Directory supplies conversation summaries with last-message and unread
// metadata. The messaging core consumes it, reading the list and asking for
// a refresh after state-changing events, but never owns its data.
type Directory interface {
	// Conversations returns the current summaries, fetching on first use.
	Conversations(ctx context.Context) ([]Conversation, error)

	// Refresh re-fetches the summaries so unread badges and last-message
	// previews update. Best-effort: failures leave the cached list stale.
	Refresh(ctx context.Context)
}

// RESTDirectory is the REST-backed Directory.
type RESTDirectory struct {
	client   *Client
	onChange func([]Conversation)

	mu     sync.Mutex
	cached []Conversation
	loaded bool
}

// NewDirectory creates a directory over the client's conversation listing.
// onChange, if non-nil, fires with the fresh list after every successful
// refresh.
func NewDirectory(client *Client, onChange func([]Conversation)) *RESTDirectory {
	return &RESTDirectory{client: client, onChange: onChange}
}

// Conversations returns cached summaries, fetching them on first use.
func (d *RESTDirectory) Conversations(ctx context.Context) ([]Conversation, error) {
	d.mu.Lock()
	if d.loaded {
		cached := append([]Conversation(nil), d.cached...)
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	convos, err := d.client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	d.update(convos)
	return convos, nil
}

// Refresh re-fetches the list. A failed fetch keeps the previous cache.
func (d *RESTDirectory) Refresh(ctx context.Context) {
	convos, err := d.client.ListConversations(ctx)
	if err != nil {
		return
	}
	d.update(convos)
}

func (d *RESTDirectory) update(convos []Conversation) {
	d.mu.Lock()
	d.cached = append([]Conversation(nil), convos...)
	d.loaded = true
	d.mu.Unlock()

	if d.onChange != nil {
		d.onChange(convos)
	}
}
