package chatkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// socketServer runs handler for each socket accepted on the conversation
// endpoint.
func socketServer(t *testing.T, handler func(ctx context.Context, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		handler(r.Context(), ws)
	}))
}

func writeEnvelope(ctx context.Context, t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Errorf("marshal envelope data: %v", err)
		return
	}
	b, _ := json.Marshal(map[string]json.RawMessage{
		"event": json.RawMessage(`"` + event + `"`),
		"data":  raw,
	})
	if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
		t.Errorf("write envelope: %v", err)
	}
}

// ============================================================================
// Conn
// ============================================================================

func TestConnDispatchesTypedEvents(t *testing.T) {
	srv := socketServer(t, func(ctx context.Context, ws *websocket.Conn) {
		writeEnvelope(ctx, t, ws, EventMessageNew, Message{
			ID: "m1", ConversationID: "conv-1", SenderID: "u2", Content: "hi",
		})
		writeEnvelope(ctx, t, ws, "presence.join", map[string]string{"user": "u3"})
		writeEnvelope(ctx, t, ws, EventTyping, TypingEvent{
			ConversationID: "conv-1", TypingUserID: "u2", IsTyping: true,
		})
		// Hold the socket open until the test is done with it.
		ws.Read(ctx)
	})
	defer srv.Close()

	events := make(chan InboundEvent, 8)
	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	conn, err := client.Connect(context.Background(), "conv-1", DialOptions{
		OnEvent: func(ev InboundEvent) { events <- ev },
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer conn.Close()

	if !conn.IsOpen() {
		t.Fatal("expected open connection")
	}
	if conn.ConversationID() != "conv-1" {
		t.Fatalf("expected conv-1, got %s", conn.ConversationID())
	}

	first := recvEvent(t, events)
	if first.Event != EventMessageNew || first.Message == nil || first.Message.ID != "m1" {
		t.Fatalf("expected message.new m1 first, got %+v", first)
	}
	if first.Message.Kind != MessageKindText {
		t.Fatalf("expected decoded text kind, got %s", first.Message.Kind)
	}

	// The unknown presence event is dropped; typing comes next.
	second := recvEvent(t, events)
	if second.Event != EventTyping || second.Typing == nil || !second.Typing.IsTyping {
		t.Fatalf("expected typing event second, got %+v", second)
	}
}

func TestConnSendFrames(t *testing.T) {
	frames := make(chan []byte, 4)
	srv := socketServer(t, func(ctx context.Context, ws *websocket.Conn) {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			frames <- data
		}
	})
	defer srv.Close()

	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	conn, err := client.Connect(context.Background(), "conv-1", DialOptions{})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	if err := conn.SendText(ctx, "hello", "cid-1"); err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	if err := conn.Typing(ctx, true); err != nil {
		t.Fatalf("Typing error: %v", err)
	}

	var sent messageSendFrame
	if err := json.Unmarshal(recvFrame(t, frames), &sent); err != nil {
		t.Fatalf("decode message frame: %v", err)
	}
	if sent.Content != "hello" || sent.ClientID != "cid-1" {
		t.Fatalf("unexpected message frame: %+v", sent)
	}

	var typing typingFrame
	if err := json.Unmarshal(recvFrame(t, frames), &typing); err != nil {
		t.Fatalf("decode typing frame: %v", err)
	}
	if !typing.IsTyping {
		t.Fatalf("unexpected typing frame: %+v", typing)
	}
}

func TestConnSendAfterClose(t *testing.T) {
	srv := socketServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Read(ctx)
	})
	defer srv.Close()

	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	closed := make(chan error, 1)
	conn, err := client.Connect(context.Background(), "conv-1", DialOptions{
		OnClose: func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	if err := conn.SendText(context.Background(), "late", ""); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	// A requested close never surfaces through OnClose.
	select {
	case err := <-closed:
		t.Fatalf("unexpected OnClose after requested close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnServerClosure(t *testing.T) {
	srv := socketServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Close(websocket.StatusInternalError, "going down")
	})
	defer srv.Close()

	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	closed := make(chan error, 1)
	conn, err := client.Connect(context.Background(), "conv-1", DialOptions{
		OnClose: func(err error) { closed <- err },
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer conn.Close()

	select {
	case err := <-closed:
		if err == nil {
			t.Fatal("expected closure error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
	if conn.IsOpen() {
		t.Fatal("expected closed state")
	}
}

func TestConnNoRedialAfterClose(t *testing.T) {
	srv := socketServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Read(ctx)
	})
	defer srv.Close()

	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	conn, err := client.Connect(context.Background(), "conv-1", DialOptions{
		MaxReconnects:      3,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// A reconnect attempt racing Close must not bring the socket back.
	if err := conn.dial(context.Background()); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected from post-close dial, got %v", err)
	}
	if conn.IsOpen() {
		t.Fatal("expected connection to stay down after close")
	}
}

func TestConnReconnects(t *testing.T) {
	var accepts atomic.Int32
	srv := socketServer(t, func(ctx context.Context, ws *websocket.Conn) {
		if accepts.Add(1) == 1 {
			// First connection dies immediately; the second survives.
			ws.Close(websocket.StatusInternalError, "flake")
			return
		}
		writeEnvelope(ctx, t, ws, EventMessageNew, Message{ID: "m-after", Content: "back"})
		ws.Read(ctx)
	})
	defer srv.Close()

	events := make(chan InboundEvent, 4)
	closed := make(chan error, 1)
	client := NewClient(Credential{Token: "sess-test"}, WithBaseURL(srv.URL))
	conn, err := client.Connect(context.Background(), "conv-1", DialOptions{
		OnEvent:            func(ev InboundEvent) { events <- ev },
		OnClose:            func(err error) { closed <- err },
		MaxReconnects:      3,
		ReconnectBaseDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer conn.Close()

	ev := recvEvent(t, events)
	if ev.Event != EventMessageNew || ev.Message.ID != "m-after" {
		t.Fatalf("expected post-reconnect message, got %+v", ev)
	}

	select {
	case err := <-closed:
		t.Fatalf("unexpected OnClose during successful reconnect: %v", err)
	default:
	}
}

// ============================================================================
// Helpers
// ============================================================================

func recvEvent(t *testing.T, ch chan InboundEvent) InboundEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return InboundEvent{}
	}
}

func recvFrame(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}
