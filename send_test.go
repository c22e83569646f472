package chatkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// sendServer confirms POSTed messages with server ids, echoing the client id
// back. fail switches it to rejecting every send.
func sendServer(t *testing.T, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	var seq atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(APIError{Code: "STORE_DOWN", Message: "message store unavailable"})
			return
		}
		var frame messageSendFrame
		if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
			t.Errorf("bad send body: %v", err)
		}
		n := seq.Add(1)
		json.NewEncoder(w).Encode(Message{
			ID:             fmt.Sprintf("srv-%d", n),
			ConversationID: "conv-1",
			SenderID:       "u1",
			Content:        frame.Content,
			ClientID:       frame.ClientID,
			CreatedAt:      "2026-08-01T10:00:00Z",
		})
	}))
}

// ============================================================================
// SendPipeline (REST path)
// ============================================================================

func TestSendPipelineRESTConfirm(t *testing.T) {
	srv := sendServer(t, nil)
	defer srv.Close()

	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	store := NewMessageStore()

	var cleared atomic.Int32
	var updates atomic.Int32
	pipeline := NewSendPipeline(client, store, nil, "conv-1", "u1", SendPipelineOptions{
		OnClearInput: func() { cleared.Add(1) },
		OnUpdate:     func() { updates.Add(1) },
	})

	if err := pipeline.Send(context.Background(), nil, "hello"); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	msgs := store.Snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if msgs[0].LocalEcho {
		t.Fatal("expected echo to be confirmed")
	}
	if !strings.HasPrefix(msgs[0].ID, "srv-") {
		t.Fatalf("expected server id, got %s", msgs[0].ID)
	}
	if msgs[0].ClientID == "" {
		t.Fatal("expected correlation id on confirmed message")
	}
	if cleared.Load() != 1 {
		t.Fatalf("expected input cleared once, got %d", cleared.Load())
	}
	// One update for the optimistic append, one for the confirmation.
	if updates.Load() != 2 {
		t.Fatalf("expected two renders, got %d", updates.Load())
	}
}

func TestSendPipelineRollback(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := sendServer(t, &fail)
	defer srv.Close()

	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	store := NewMessageStore()
	store.Reset([]Message{msg("m1", "u2", "earlier")})

	var restored []string
	pipeline := NewSendPipeline(client, store, nil, "conv-1", "u1", SendPipelineOptions{
		OnRestoreInput: func(text string) { restored = append(restored, text) },
	})

	err := pipeline.Send(context.Background(), nil, "doomed text")
	if err == nil {
		t.Fatal("expected send failure")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "STORE_DOWN" {
		t.Fatalf("expected STORE_DOWN APIError, got %v", err)
	}

	// The optimistic entry was rolled back and the input restored once.
	assertOrder(t, store, "m1")
	if len(restored) != 1 || restored[0] != "doomed text" {
		t.Fatalf("expected input restored once with original text, got %v", restored)
	}

	t.Run("resend after recovery succeeds", func(t *testing.T) {
		fail.Store(false)
		if err := pipeline.Send(context.Background(), nil, "doomed text"); err != nil {
			t.Fatalf("resend error: %v", err)
		}
		if store.Len() != 2 {
			t.Fatalf("expected two messages after resend, got %d", store.Len())
		}
	})
}

func TestSendPipelineCancelledMidFlight(t *testing.T) {
	var unmounted atomic.Bool
	mark := func() bool { return unmounted.Load() }

	t.Run("late confirmation is dropped", func(t *testing.T) {
		unmounted.Store(false)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The view unmounts while this request is in flight.
			unmounted.Store(true)
			json.NewEncoder(w).Encode(Message{
				ID: "srv-late", ConversationID: "conv-1", SenderID: "u1", Content: "late",
			})
		}))
		defer srv.Close()

		client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
		store := NewMessageStore()
		var updates atomic.Int32
		pipeline := NewSendPipeline(client, store, nil, "conv-1", "u1", SendPipelineOptions{
			OnUpdate: func() { updates.Add(1) },
		})
		pipeline.cancelled = mark

		if err := pipeline.Send(context.Background(), nil, "late"); err != nil {
			t.Fatalf("Send error: %v", err)
		}

		// Only the optimistic append rendered; the confirmation was dropped.
		if updates.Load() != 1 {
			t.Fatalf("expected one render, got %d", updates.Load())
		}
		for _, m := range store.Snapshot() {
			if m.ID == "srv-late" {
				t.Fatal("late confirmation applied to a stale store")
			}
		}
	})

	t.Run("late failure keeps store untouched but restores input", func(t *testing.T) {
		unmounted.Store(false)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			unmounted.Store(true)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
		store := NewMessageStore()
		var restored atomic.Int32
		pipeline := NewSendPipeline(client, store, nil, "conv-1", "u1", SendPipelineOptions{
			OnRestoreInput: func(string) { restored.Add(1) },
		})
		pipeline.cancelled = mark

		if err := pipeline.Send(context.Background(), nil, "doomed"); err == nil {
			t.Fatal("expected send failure")
		}
		if store.Len() != 1 {
			t.Fatalf("expected stale store untouched, got %d messages", store.Len())
		}
		if restored.Load() != 1 {
			t.Fatalf("expected input restored once, got %d", restored.Load())
		}
	})
}

func TestSendPipelineWhitespaceNoOp(t *testing.T) {
	srv := sendServer(t, nil)
	defer srv.Close()

	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	store := NewMessageStore()
	pipeline := NewSendPipeline(client, store, nil, "conv-1", "u1", SendPipelineOptions{})

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := pipeline.Send(context.Background(), nil, text); err != nil {
			t.Fatalf("Send(%q) error: %v", text, err)
		}
	}
	if store.Len() != 0 {
		t.Fatalf("expected no messages from whitespace sends, got %d", store.Len())
	}
}

func TestSendPipelineTempIDs(t *testing.T) {
	pipeline := NewSendPipeline(nil, nil, nil, "conv-1", "u1", SendPipelineOptions{})

	prev := ""
	for i := 0; i < 100; i++ {
		id := pipeline.nextTempID()
		if !IsTempID(id) {
			t.Fatalf("expected temp prefix, got %s", id)
		}
		if id <= prev && prev != "" {
			// Same digit count makes lexical comparison equal numeric here.
			t.Fatalf("expected strictly increasing ids, got %s after %s", id, prev)
		}
		prev = id
	}
}

func TestSendPipelineStopsTyping(t *testing.T) {
	srv := sendServer(t, nil)
	defer srv.Close()

	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	store := NewMessageStore()
	rec := &signalRecorder{}
	typing := NewTypingCoordinator("u1", testIdle, rec.record, nil)
	defer typing.Close()

	pipeline := NewSendPipeline(client, store, typing, "conv-1", "u1", SendPipelineOptions{})

	typing.NotifyLocalTyping(true)
	if err := pipeline.Send(context.Background(), nil, "done typing"); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	got := rec.get()
	if len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("expected send to stop typing with [true false], got %v", got)
	}
}
