package countdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
	"github.com/mcdev12/tabletop/go/internal/turntimer/registry"
)

var epoch = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func envelope(t *testing.T, session uuid.UUID, typ events.Type, seq uint64, at time.Time, payload interface{}) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.Event{SessionID: session, Type: typ, Seq: seq, At: at, Payload: payload})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func mustApply(t *testing.T, m *Machine, env *events.Envelope) bool {
	t.Helper()
	changed, err := m.Apply(env)
	if err != nil {
		t.Fatalf("Apply %s: %v", env.Type, err)
	}
	return changed
}

// emitterFunc feeds registry events straight into a machine, the way a room would.
type emitterFunc func(events.Event)

func (f emitterFunc) Emit(ev events.Event) { f(ev) }

type nopStore struct{}

func (nopStore) EnqueuePass(_, _, _ uuid.UUID, _ int64, _ time.Time) {}
func (nopStore) EnqueuePlayerRemaining(_, _ uuid.UUID, _ int64)      {}
func (nopStore) EnqueueAnchor(_, _ uuid.UUID, _ *time.Time)          {}
func (nopStore) EnqueueDisable(uuid.UUID)                            {}

type harness struct {
	clock    *clockwork.FakeClock
	machine  *Machine
	registry *registry.Registry
	session  uuid.UUID
	p1, p2   uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clockwork.NewFakeClockAt(epoch),
		session: uuid.New(),
		p1:      uuid.New(),
		p2:      uuid.New(),
	}
	h.machine = NewMachine(h.clock)
	h.registry = registry.New(h.clock, emitterFunc(func(ev events.Event) {
		env, err := events.NewEnvelope(ev)
		if err != nil {
			t.Errorf("NewEnvelope: %v", err)
			return
		}
		if _, err := h.machine.Apply(env); err != nil {
			t.Errorf("Apply %s: %v", ev.Type, err)
		}
	}), nopStore{})
	t.Cleanup(h.registry.Close)

	if _, err := h.registry.Initialize(h.session, []uuid.UUID{h.p1, h.p2}, 600000); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return h
}

func TestRecomputeIsPure(t *testing.T) {
	s := State{Phase: Running, Anchor: epoch, Budget: 600000}
	at := epoch.Add(42 * time.Second)

	first := Recompute(s, at)
	if second := Recompute(s, at); second != first {
		t.Fatalf("Recompute not idempotent: %d then %d", first, second)
	}
	if first != 558000 {
		t.Fatalf("remaining = %d, want 558000", first)
	}

	prev := Recompute(s, epoch)
	for step := time.Duration(0); step <= 12*time.Minute; step += 7 * time.Second {
		got := Recompute(s, epoch.Add(step))
		if got > prev {
			t.Fatalf("remaining went up at %v: %d > %d", step, got, prev)
		}
		if got < 0 {
			t.Fatalf("remaining negative at %v: %d", step, got)
		}
		prev = got
	}
	if prev != 0 {
		t.Fatalf("remaining after budget = %d, want 0", prev)
	}
}

func TestRecomputeByPhase(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  int64
	}{
		{"uninitialized", State{Phase: Uninitialized, Budget: 5000}, 0},
		{"idle keeps budget", State{Phase: Idle, Budget: 5000, Anchor: epoch}, 5000},
		{"running decays", State{Phase: Running, Budget: 5000, Anchor: epoch}, 2000},
		{"expired stays at zero", State{Phase: Expired, Budget: 1000, Anchor: epoch}, 0},
		{"offset shifts server time", State{Phase: Running, Budget: 5000, Anchor: epoch, Offset: time.Second}, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Recompute(tt.state, epoch.Add(3*time.Second)); got != tt.want {
				t.Fatalf("Recompute = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestApplyFollowsRegistry(t *testing.T) {
	h := newHarness(t)

	s := h.machine.State()
	if s.Phase != Idle || s.CurrentPlayerID != h.p1 || s.Budget != 600000 || len(s.Players) != 2 {
		t.Fatalf("after initialize: %+v", s)
	}

	if _, err := h.registry.Start(h.session, h.p1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.Advance(10 * time.Second)
	if got := h.machine.Remaining(); got != 590000 {
		t.Fatalf("running remaining = %d, want 590000", got)
	}

	if _, _, err := h.registry.Pause(h.session); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.clock.Advance(time.Minute)
	s = h.machine.State()
	if s.Phase != Idle || h.machine.Remaining() != 590000 {
		t.Fatalf("paused state %+v remaining %d", s, h.machine.Remaining())
	}

	if _, err := h.registry.Resume(h.session, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.clock.Advance(5 * time.Second)
	if got := h.machine.Remaining(); got != 585000 {
		t.Fatalf("resumed remaining = %d, want 585000", got)
	}

	if _, err := h.registry.PassTurn(h.session, h.p1, h.p2); err != nil {
		t.Fatalf("PassTurn: %v", err)
	}
	s = h.machine.State()
	if s.CurrentPlayerID != h.p2 || s.Players[h.p1] != 585000 || s.Budget != 600000 {
		t.Fatalf("after pass: %+v", s)
	}

	if !h.registry.End(h.session) {
		t.Fatal("End returned false")
	}
	s = h.machine.State()
	if s.Phase != Uninitialized || h.machine.Remaining() != 0 {
		t.Fatalf("after end: %+v", s)
	}
}

func TestApplyIgnoresStaleAndReplayedEvents(t *testing.T) {
	m := NewMachine(clockwork.NewFakeClockAt(epoch))
	session, p1, p2 := uuid.New(), uuid.New(), uuid.New()

	mustApply(t, m, envelope(t, session, events.TypeTimerStarted, 5, epoch, events.TimerStartedPayload{
		SessionID: session, CurrentPlayerID: p1, TurnStartedAt: epoch, RemainingTimeMs: 60000, IsActive: true,
	}))
	stale := envelope(t, session, events.TypeTimerPaused, 4, epoch, events.TimerPausedPayload{
		SessionID: session, CurrentPlayerID: p2, RemainingTimeMs: 1,
	})
	if mustApply(t, m, stale) {
		t.Fatal("stale event applied")
	}
	replay := envelope(t, session, events.TypeTimerStarted, 5, epoch, events.TimerStartedPayload{
		SessionID: session, CurrentPlayerID: p2, TurnStartedAt: epoch, RemainingTimeMs: 1, IsActive: true,
	})
	if mustApply(t, m, replay) {
		t.Fatal("replayed event applied")
	}
	if s := m.State(); s.CurrentPlayerID != p1 || s.Budget != 60000 {
		t.Fatalf("state changed by ignored events: %+v", s)
	}

	other := envelope(t, uuid.New(), events.TypeTimerEnded, 9, epoch, events.TimerEndedPayload{})
	if mustApply(t, m, other) {
		t.Fatal("event from another session applied")
	}

	ack := envelope(t, session, events.TypeCommandAck, 0, epoch, events.CommandAckPayload{RequestID: "r1"})
	if mustApply(t, m, ack) {
		t.Fatal("command ack changed the timer")
	}
}

func TestSnapshotResetsSeq(t *testing.T) {
	m := NewMachine(clockwork.NewFakeClockAt(epoch))
	session, p1 := uuid.New(), uuid.New()

	mustApply(t, m, envelope(t, session, events.TypeTimerPaused, 40, epoch, events.TimerPausedPayload{
		SessionID: session, CurrentPlayerID: p1, RemainingTimeMs: 1000,
	}))

	started := epoch.Add(-3 * time.Second)
	snap := envelope(t, session, events.TypeTimerSnapshot, 2, epoch, events.TimerSnapshotPayload{
		SessionID:       session,
		Enabled:         true,
		CurrentPlayerID: &p1,
		TurnStartedAt:   &started,
		RemainingTimeMs: 30000,
		IsActive:        true,
		Players:         []events.PlayerBudget{{PlayerID: p1, RemainingTimeMs: 30000}},
		Seq:             2,
	})
	if !mustApply(t, m, snap) {
		t.Fatal("snapshot not applied")
	}
	s := m.State()
	if s.Seq != 2 || s.Phase != Running {
		t.Fatalf("after snapshot: %+v", s)
	}
	if got := m.Remaining(); got != 27000 {
		t.Fatalf("remaining = %d, want 27000", got)
	}

	next := envelope(t, session, events.TypeTimerPaused, 3, epoch, events.TimerPausedPayload{
		SessionID: session, CurrentPlayerID: p1, RemainingTimeMs: 27000,
	})
	if !mustApply(t, m, next) {
		t.Fatal("event after snapshot ignored")
	}
}

func TestSnapshotOfDisabledTimer(t *testing.T) {
	m := NewMachine(clockwork.NewFakeClockAt(epoch))
	session := uuid.New()
	mustApply(t, m, envelope(t, session, events.TypeTimerSnapshot, 0, epoch, events.TimerSnapshotPayload{SessionID: session}))
	if s := m.State(); s.Phase != Uninitialized {
		t.Fatalf("phase = %s, want uninitialized", s.Phase)
	}
}

func TestOffsetCorrectsLocalClock(t *testing.T) {
	// Local clock runs 2s behind the server.
	clock := clockwork.NewFakeClockAt(epoch)
	m := NewMachine(clock)
	session, p1 := uuid.New(), uuid.New()
	serverNow := epoch.Add(2 * time.Second)

	mustApply(t, m, envelope(t, session, events.TypeTimerStarted, 1, serverNow, events.TimerStartedPayload{
		SessionID: session, CurrentPlayerID: p1, TurnStartedAt: serverNow, RemainingTimeMs: 10000, IsActive: true,
	}))
	if s := m.State(); s.Offset != 2*time.Second {
		t.Fatalf("offset = %v, want 2s", s.Offset)
	}
	if got := m.Remaining(); got != 10000 {
		t.Fatalf("remaining = %d, want full budget at the anchor", got)
	}
	clock.Advance(4 * time.Second)
	if got := m.Remaining(); got != 6000 {
		t.Fatalf("remaining = %d, want 6000", got)
	}
}

func TestTickReportsExpiryOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	m := NewMachine(clock)
	session, p1 := uuid.New(), uuid.New()
	mustApply(t, m, envelope(t, session, events.TypeTimerStarted, 1, epoch, events.TimerStartedPayload{
		SessionID: session, CurrentPlayerID: p1, TurnStartedAt: epoch, RemainingTimeMs: 1500, IsActive: true,
	}))

	if res := m.Tick(); res.Expired != nil || res.Phase != Running || res.Remaining != 1500 {
		t.Fatalf("first tick: %+v", res)
	}
	clock.Advance(2 * time.Second)

	res := m.Tick()
	if res.Expired == nil || res.Expired.PlayerID != p1 || res.Expired.SessionID != session {
		t.Fatalf("expected expiry report, got %+v", res)
	}
	if res.Phase != Expired || res.Remaining != 0 {
		t.Fatalf("expired tick: %+v", res)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		if again := m.Tick(); again.Expired != nil {
			t.Fatalf("expiry reported again on tick %d", i)
		}
	}
}

func TestTickDoesNotReportAfterServerExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	m := NewMachine(clock)
	session, p1 := uuid.New(), uuid.New()
	mustApply(t, m, envelope(t, session, events.TypeTimerStarted, 1, epoch, events.TimerStartedPayload{
		SessionID: session, CurrentPlayerID: p1, TurnStartedAt: epoch, RemainingTimeMs: 1000, IsActive: true,
	}))
	clock.Advance(time.Second)
	mustApply(t, m, envelope(t, session, events.TypePlayerTimeExpired, 2, clock.Now(), events.PlayerTimeExpiredPayload{
		SessionID: session, PlayerID: p1,
	}))

	if res := m.Tick(); res.Expired != nil || res.Phase != Expired {
		t.Fatalf("tick after server expiry: %+v", res)
	}
}

func TestBeginPassMatchesAuthority(t *testing.T) {
	h := newHarness(t)
	if _, err := h.registry.Start(h.session, h.p1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.Advance(30 * time.Second)

	est, err := h.machine.BeginPass(h.p2)
	if err != nil {
		t.Fatalf("BeginPass: %v", err)
	}
	if est.TimeUsedMs != 30000 || est.NewRemainingMs != 570000 || est.FromPlayerID != h.p1 {
		t.Fatalf("estimate = %+v", est)
	}
	if s := h.machine.State(); s.CurrentPlayerID != h.p2 || s.Phase != Running {
		t.Fatalf("optimistic state not applied: %+v", s)
	}

	res, err := h.registry.PassTurn(h.session, h.p1, h.p2)
	if err != nil {
		t.Fatalf("PassTurn: %v", err)
	}
	if res.TimeUsedMs != est.TimeUsedMs || res.PreviousRemainingTimeMs != est.NewRemainingMs {
		t.Fatalf("authority computed %d/%d, client estimated %d/%d",
			res.TimeUsedMs, res.PreviousRemainingTimeMs, est.TimeUsedMs, est.NewRemainingMs)
	}
	if s := h.machine.State(); s.Players[h.p1] != 570000 || s.CurrentPlayerID != h.p2 {
		t.Fatalf("after turn-changed: %+v", s)
	}
}

func TestBeginPassValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.machine.BeginPass(h.p1); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("pass to self: %v", err)
	}
	if _, err := h.machine.BeginPass(uuid.New()); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("pass to stranger: %v", err)
	}
	if _, err := NewMachine(h.clock).BeginPass(h.p2); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("pass before initialize: %v", err)
	}
}

func TestAbortPassRestoresState(t *testing.T) {
	h := newHarness(t)
	if _, err := h.registry.Start(h.session, h.p1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.Advance(10 * time.Second)
	before := h.machine.State()

	if _, err := h.machine.BeginPass(h.p2); err != nil {
		t.Fatalf("BeginPass: %v", err)
	}
	h.machine.AbortPass()

	after := h.machine.State()
	if after.CurrentPlayerID != before.CurrentPlayerID || after.Budget != before.Budget || !after.Anchor.Equal(before.Anchor) {
		t.Fatalf("abort did not restore: before %+v after %+v", before, after)
	}
	if after.Players[h.p1] != 600000 {
		t.Fatalf("outgoing budget = %d, want untouched 600000", after.Players[h.p1])
	}
}

func TestAbortPassAfterAuthorityEventKeepsAuthority(t *testing.T) {
	h := newHarness(t)
	if _, err := h.registry.Start(h.session, h.p1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.machine.BeginPass(h.p2); err != nil {
		t.Fatalf("BeginPass: %v", err)
	}
	if _, _, err := h.registry.Pause(h.session); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	h.machine.AbortPass()
	if s := h.machine.State(); s.Phase != Idle || s.CurrentPlayerID != h.p1 {
		t.Fatalf("abort overwrote an authoritative event: %+v", s)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	m := NewMachine(clock)
	session, p1 := uuid.New(), uuid.New()
	mustApply(t, m, envelope(t, session, events.TypeTimerStarted, 1, epoch, events.TimerStartedPayload{
		SessionID: session, CurrentPlayerID: p1, TurnStartedAt: epoch, RemainingTimeMs: 250, IsActive: true,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu      sync.Mutex
		results []TickResult
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, 100*time.Millisecond, func(res TickResult) {
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		})
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(results)
	}
	for i := 1; i <= 3; i++ {
		clock.Advance(100 * time.Millisecond)
		deadline := time.Now().Add(time.Second)
		for count() < i && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 3 {
		t.Fatalf("got %d ticks, want 3", len(results))
	}
	reports := 0
	for _, res := range results {
		if res.Expired != nil {
			reports++
		}
	}
	if reports != 1 || results[2].Phase != Expired {
		t.Fatalf("expiry reports = %d, last tick %+v", reports, results[2])
	}
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "0:00"},
		{-5, "0:00"},
		{1, "0:01"},
		{59000, "0:59"},
		{59001, "1:00"},
		{600000, "10:00"},
		{3600000, "1:00:00"},
		{3725000, "1:02:05"},
	}
	for _, tt := range tests {
		if got := FormatRemaining(tt.ms); got != tt.want {
			t.Errorf("FormatRemaining(%d) = %q, want %q", tt.ms, got, tt.want)
		}
	}
}
