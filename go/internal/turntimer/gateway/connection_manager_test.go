package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
)

type stubSubscriber struct {
	id   string
	full bool

	mu     sync.Mutex
	frames int
}

func (s *stubSubscriber) ID() string { return s.id }

func (s *stubSubscriber) Deliver([]byte) bool {
	if s.full {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return true
}

func (s *stubSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func snapshotEnvelope(t *testing.T, session uuid.UUID) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.Event{
		SessionID: session,
		Type:      events.TypeTimerSnapshot,
		At:        time.Now(),
		Payload:   events.TimerSnapshotPayload{SessionID: session},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestEmitReachesOnlyTheSessionRoom(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	s1, s2 := uuid.New(), uuid.New()
	inRoom := &stubSubscriber{id: "a"}
	elsewhere := &stubSubscriber{id: "b"}

	if !cm.Subscribe(s1, inRoom, snapshotEnvelope(t, s1)) || !cm.Subscribe(s2, elsewhere, snapshotEnvelope(t, s2)) {
		t.Fatal("Subscribe failed")
	}
	cm.Emit(events.Event{SessionID: s1, Type: events.TypeTimerPaused, Seq: 2, At: time.Now(), Payload: events.TimerPausedPayload{SessionID: s1}})

	if inRoom.count() != 2 {
		t.Fatalf("room member got %d frames, want snapshot + event", inRoom.count())
	}
	if elsewhere.count() != 1 {
		t.Fatalf("other room got %d frames, want only its snapshot", elsewhere.count())
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	session := uuid.New()
	slow := &stubSubscriber{id: "slow"}
	fast := &stubSubscriber{id: "fast"}
	cm.Subscribe(session, slow, snapshotEnvelope(t, session))
	cm.Subscribe(session, fast, snapshotEnvelope(t, session))

	slow.full = true
	cm.Emit(events.Event{SessionID: session, Type: events.TypeTimerEnded, Seq: 3, At: time.Now(), Payload: events.TimerEndedPayload{SessionID: session}})

	stats := cm.Stats()
	if stats.SlowDisconnects != 1 {
		t.Fatalf("slow disconnects = %d", stats.SlowDisconnects)
	}
	if stats.SessionConnections[session.String()] != 1 {
		t.Fatalf("room size = %d, want 1", stats.SessionConnections[session.String()])
	}
	if fast.count() != 2 {
		t.Fatalf("fast subscriber got %d frames", fast.count())
	}
}

func TestSubscribeFailsWhenSnapshotIsRefused(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	session := uuid.New()
	if cm.Subscribe(session, &stubSubscriber{id: "x", full: true}, snapshotEnvelope(t, session)) {
		t.Fatal("expected Subscribe to fail")
	}
	if stats := cm.Stats(); stats.ActiveSessions != 0 {
		t.Fatalf("refused subscriber left a room behind: %+v", stats)
	}
}

func TestUnsubscribeRemovesEmptyRoom(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	session := uuid.New()
	sub := &stubSubscriber{id: "a"}
	cm.Subscribe(session, sub, snapshotEnvelope(t, session))
	cm.Unsubscribe(session, sub)

	if stats := cm.Stats(); stats.ActiveSessions != 0 {
		t.Fatalf("empty room kept: %+v", stats)
	}
	if len(cm.memberships) != 0 {
		t.Fatalf("membership kept: %v", cm.memberships)
	}
}
