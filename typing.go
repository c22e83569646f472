package chatkit

import (
	"sync"
	"time"
)

// DefaultTypingIdle is the idle window after which a pending auto-stop fires.
const DefaultTypingIdle = time.Second

// typingState is the coordinator's explicit state machine. A timer armed
// per keystroke burst drives the decay from active through pending
// auto-stop back to idle.
type typingState int

const (
	typingIdle typingState = iota
	typingActive
	typingPendingAutoStop
)

// TypingCoordinator debounces local typing emission and filters inbound
// typing presence.
//
// Local side: repeated true signals while the user types are coalesced into
// a single emitted true; exactly one false is auto-emitted after the idle
// window unless Stop (blur, send, explicit false) cancels it first.
//
// Inbound side: events carrying the viewer's own identity are suppressed,
// never shown as "peer is typing", and treated as an implicit local stop.
// When selfID is empty (identity could not be resolved) typing display
// degrades to never showing, rather than guessing.
type TypingCoordinator struct {
	selfID string
	idle   time.Duration
	emit   func(bool)
	onPeer func(bool)

	// emitMu serializes outbound emissions so a keystroke racing the
	// auto-stop timer cannot deliver its true before the timer's false.
	emitMu sync.Mutex

	mu         sync.Mutex
	state      typingState
	timer      *time.Timer
	seq        uint64
	peerTyping bool
	closed     bool
}

// NewTypingCoordinator wires the coordinator to its outbound emitter and the
// peer-typing indicator callback. Either callback may be nil.
func NewTypingCoordinator(selfID string, idle time.Duration, emit func(bool), onPeer func(bool)) *TypingCoordinator {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingCoordinator{
		selfID: selfID,
		idle:   idle,
		emit:   emit,
		onPeer: onPeer,
		state:  typingIdle,
	}
}

// NotifyLocalTyping signals local composing state. true while Idle emits one
// true frame and arms the auto-stop timer; true while already active only
// re-arms the timer. false behaves as Stop.
func (t *TypingCoordinator) NotifyLocalTyping(isTyping bool) {
	if !isTyping {
		t.Stop()
		return
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	wasIdle := t.state == typingIdle
	t.state = typingActive
	t.seq++
	seq := t.seq
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.autoStop(seq) })
	t.mu.Unlock()

	if wasIdle && t.emit != nil {
		t.emit(true)
	}
}

// Stop cancels any pending auto-stop and, if typing was active, emits the
// explicit false. Idempotent.
func (t *TypingCoordinator) Stop() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if t.state == typingIdle || t.closed {
		t.mu.Unlock()
		return
	}
	t.state = typingIdle
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	if t.emit != nil {
		t.emit(false)
	}
}

// autoStop is the armed timer's callback: one false per idle period. The
// seq captured at arm time invalidates callbacks superseded by a newer
// keystroke, and emitMu keeps the whole decay atomic with respect to other
// emitters; a keystroke serialized behind it observes idle state again and
// re-emits its own true.
func (t *TypingCoordinator) autoStop(seq uint64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if t.state != typingActive || t.closed || t.seq != seq {
		t.mu.Unlock()
		return
	}
	t.state = typingPendingAutoStop
	t.mu.Unlock()

	if t.emit != nil {
		t.emit(false)
	}

	t.mu.Lock()
	if t.state == typingPendingAutoStop {
		t.state = typingIdle
	}
	t.mu.Unlock()
}

// HandlePeerEvent ingests an inbound typing event. Self-originated echoes
// are suppressed and cancel any pending local auto-stop without re-emitting.
func (t *TypingCoordinator) HandlePeerEvent(ev TypingEvent) {
	if t.selfID == "" {
		// Unresolved identity: cannot distinguish self from peer.
		return
	}

	if ev.TypingUserID == t.selfID {
		t.mu.Lock()
		if t.state != typingIdle {
			t.state = typingIdle
			if t.timer != nil {
				t.timer.Stop()
			}
		}
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	changed := t.peerTyping != ev.IsTyping
	t.peerTyping = ev.IsTyping
	t.mu.Unlock()

	if changed && t.onPeer != nil {
		t.onPeer(ev.IsTyping)
	}
}

// PeerTyping reports whether the peer is currently shown as typing.
func (t *TypingCoordinator) PeerTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerTyping
}

// Close cancels the owned timer. No further signals are emitted.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.state = typingIdle
	if t.timer != nil {
		t.timer.Stop()
	}
}
