package chatkit

import "sync"

// ApplyResult reports what a socket ingest did to the list.
type ApplyResult int

const (
	// ApplyDuplicate means the message id was already present; nothing changed.
	ApplyDuplicate ApplyResult = iota
	// ApplyReplaced means a pending local echo was confirmed in place.
	ApplyReplaced
	// ApplyAppended means the message was new and went on the end.
	ApplyAppended
)

// MessageStore is the canonical in-memory ordered message list for one
// conversation. Ingestion merges REST pages and socket events without
// duplicating or reordering: messages are prepended (older pages), appended
// (new arrivals), or replaced in place (confirmed local echoes), never
// re-sorted. All operations are idempotent with respect to already-seen ids.
type MessageStore struct {
	mu       sync.Mutex
	messages []Message
	seen     map[string]struct{}
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{seen: make(map[string]struct{})}
}

// Reset replaces the list with the initial page, already in chronological
// order.
func (s *MessageStore) Reset(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]Message(nil), msgs...)
	s.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		s.seen[m.ID] = struct{}{}
	}
}

// MergeOlder prepends an older page, already in chronological order, skipping
// any message whose id is present. Calling it twice with the same page is a
// no-op the second time.
func (s *MessageStore) MergeOlder(older []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make([]Message, 0, len(older))
	for _, m := range older {
		if _, ok := s.seen[m.ID]; ok {
			continue
		}
		fresh = append(fresh, m)
		s.seen[m.ID] = struct{}{}
	}
	if len(fresh) == 0 {
		return
	}
	s.messages = append(fresh, s.messages...)
}

// AppendLocalEcho appends an optimistic, unconfirmed message.
func (s *MessageStore) AppendLocalEcho(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	s.seen[m.ID] = struct{}{}
}

// ApplyNew ingests a confirmed message from the socket or a REST send
// response. A still-pending local echo is replaced in place, preserving list
// position: matched by correlation id when the server echoes one, otherwise
// by the oldest pending echo with identical content. Anything else appends.
func (s *MessageStore) ApplyNew(m Message) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[m.ID]; ok {
		return ApplyDuplicate
	}

	if idx := s.findPendingEcho(&m); idx >= 0 {
		delete(s.seen, s.messages[idx].ID)
		m.LocalEcho = false
		s.messages[idx] = m
		s.seen[m.ID] = struct{}{}
		return ApplyReplaced
	}

	s.messages = append(s.messages, m)
	s.seen[m.ID] = struct{}{}
	return ApplyAppended
}

// findPendingEcho locates the local echo a confirmed message settles.
// Correlation id wins; the content fallback covers servers that do not echo
// client ids, taking the oldest pending echo so rapid identical sends
// reconcile in send order. The fallback is sender-scoped: a peer message
// whose text happens to match a pending echo must append, not settle it.
func (s *MessageStore) findPendingEcho(m *Message) int {
	if m.ClientID != "" {
		for i := range s.messages {
			if s.messages[i].LocalEcho && s.messages[i].ClientID == m.ClientID {
				return i
			}
		}
	}
	for i := range s.messages {
		e := &s.messages[i]
		if e.LocalEcho && IsTempID(e.ID) && e.SenderID == m.SenderID && e.Content == m.Content {
			return i
		}
	}
	return -1
}

// Remove drops a message by id, used to roll back a failed optimistic send.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			delete(s.seen, id)
			return true
		}
	}
	return false
}

// Snapshot returns a render-ready copy of the chronological list.
func (s *MessageStore) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Len returns the current list length.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
