package chatkit

import (
	"context"
	"sync"
)

// HistoryLoader pages backwards through a conversation's history. The server
// returns pages newest-first; the loader reverses them to chronological order
// and hands them to the store. The cursor is always replaced wholesale with
// the server-reported value; the server is the sole authority on remaining
// depth.
type HistoryLoader struct {
	client         *Client
	store          *MessageStore
	conversationID string
	pageSize       int

	// cancelled, when set, suppresses applying pages fetched after the
	// owning view unmounted.
	cancelled func() bool

	mu       sync.Mutex
	inFlight bool
	cursor   Cursor
}

// NewHistoryLoader creates a loader over one conversation's history.
func NewHistoryLoader(client *Client, store *MessageStore, conversationID string) *HistoryLoader {
	return &HistoryLoader{
		client:         client,
		store:          store,
		conversationID: conversationID,
		pageSize:       client.pageSize,
	}
}

// Cursor returns the current pagination cursor.
func (h *HistoryLoader) Cursor() Cursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// LoadInitial fetches the most recent page and resets the store to it in
// chronological order. Returns the number of messages loaded.
func (h *HistoryLoader) LoadInitial(ctx context.Context) (int, error) {
	h.mu.Lock()
	if h.inFlight {
		h.mu.Unlock()
		return 0, nil
	}
	h.inFlight = true
	h.mu.Unlock()
	defer h.clearInFlight()

	page, err := h.client.GetMessages(ctx, h.conversationID, h.pageSize, 0)
	if err != nil {
		return 0, err
	}
	if h.isCancelled() {
		return 0, nil
	}

	msgs := reverseChronological(page.Results)
	h.store.Reset(msgs)

	h.mu.Lock()
	h.cursor = pageCursor(page)
	h.mu.Unlock()
	return len(msgs), nil
}

// LoadOlder fetches the next older page and prepends it. It is a no-op,
// returning false with no network fetch, when the oldest page has been
// reached or a load is already in flight, which guards against duplicate
// concurrent fetches from rapid scroll-triggered calls.
func (h *HistoryLoader) LoadOlder(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if !h.cursor.HasMore || h.cursor.NextOffset == nil || h.inFlight {
		h.mu.Unlock()
		return false, nil
	}
	offset := *h.cursor.NextOffset
	h.inFlight = true
	h.mu.Unlock()
	defer h.clearInFlight()

	page, err := h.client.GetMessages(ctx, h.conversationID, h.pageSize, offset)
	if err != nil {
		return false, err
	}
	if h.isCancelled() {
		return false, nil
	}

	h.store.MergeOlder(reverseChronological(page.Results))

	h.mu.Lock()
	h.cursor = pageCursor(page)
	h.mu.Unlock()
	return true, nil
}

func (h *HistoryLoader) clearInFlight() {
	h.mu.Lock()
	h.inFlight = false
	h.mu.Unlock()
}

func (h *HistoryLoader) isCancelled() bool {
	return h.cancelled != nil && h.cancelled()
}

// pageCursor converts the server's page trailer, keeping the invariant that
// NextOffset is nil exactly when HasMore is false.
func pageCursor(page *MessagePage) Cursor {
	if !page.HasMore {
		return Cursor{HasMore: false, NextOffset: nil}
	}
	return Cursor{HasMore: true, NextOffset: page.NextOffset}
}

// reverseChronological flips a newest-first server page into display order.
func reverseChronological(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
