package chatkit

import (
	"context"

	"github.com/rs/zerolog"
)

// ReadTracker marks a conversation read and propagates the resulting unread
// change to the directory. Marking is best-effort: a failure never blocks
// message display and is simply retried on the next qualifying event.
type ReadTracker struct {
	client    *Client
	directory Directory
	log       zerolog.Logger
}

// NewReadTracker wires the tracker to the store API and the directory.
func NewReadTracker(client *Client, directory Directory, log zerolog.Logger) *ReadTracker {
	return &ReadTracker{client: client, directory: directory, log: log}
}

// MarkRead marks the conversation read up to now. On success the directory
// refreshes so the unread badge updates without a page reload; on failure
// the error is swallowed and logged.
func (r *ReadTracker) MarkRead(ctx context.Context, conversationID string) {
	if err := r.client.MarkRead(ctx, conversationID); err != nil {
		r.log.Debug().Err(err).Str("conversation", conversationID).Msg("mark-read failed, will retry on next event")
		return
	}
	if r.directory != nil {
		r.directory.Refresh(ctx)
	}
}
