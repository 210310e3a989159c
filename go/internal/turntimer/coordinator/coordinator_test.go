package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
	"github.com/mcdev12/tabletop/go/internal/turntimer/persist"
)

type fakeRooms struct {
	mu      sync.Mutex
	emitted []events.Event
	members map[uuid.UUID][]Subscriber
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{members: make(map[uuid.UUID][]Subscriber)}
}

func (f *fakeRooms) Emit(ev events.Event) {
	env, err := events.NewEnvelope(ev)
	if err != nil {
		panic(err)
	}
	frame, _ := json.Marshal(env)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, ev)
	for _, sub := range f.members[ev.SessionID] {
		sub.Deliver(frame)
	}
}

func (f *fakeRooms) Subscribe(sessionID uuid.UUID, sub Subscriber, snapshot *events.Envelope) bool {
	frame, _ := json.Marshal(snapshot)
	if !sub.Deliver(frame) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[sessionID] = append(f.members[sessionID], sub)
	return true
}

func (f *fakeRooms) Unsubscribe(sessionID uuid.UUID, sub Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.members[sessionID]
	for i, s := range subs {
		if s == sub {
			f.members[sessionID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (f *fakeRooms) types() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Type, len(f.emitted))
	for i, ev := range f.emitted {
		out[i] = ev.Type
	}
	return out
}

type fakeSubscriber struct {
	id     string
	refuse bool

	mu     sync.Mutex
	frames []events.Envelope
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Deliver(frame []byte) bool {
	if s.refuse {
		return false
	}
	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, env)
	return true
}

func (s *fakeSubscriber) received() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Envelope(nil), s.frames...)
}

type fixture struct {
	coord  *Coordinator
	app    *turntimer.App
	repo   *turntimer.MemoryRepository
	writer *persist.Writer
	rooms  *fakeRooms
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithBridge(t, nil)
}

// newFixtureWithBridge lets a test put a wrapper between the coordinator and the App.
func newFixtureWithBridge(t *testing.T, wrap func(*turntimer.App) Bridge) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	repo := turntimer.NewMemoryRepository()
	app := turntimer.NewApp(repo, clock)

	cfg := persist.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	writer := persist.NewWriter(app, clockwork.NewRealClock(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = writer.Run(ctx)
		close(done)
	}()

	var bridge Bridge = app
	if wrap != nil {
		bridge = wrap(app)
	}
	rooms := newFakeRooms()
	coord := New(clock, rooms, bridge, writer)
	t.Cleanup(func() {
		coord.Close()
		cancel()
		<-done
	})
	return &fixture{coord: coord, app: app, repo: repo, writer: writer, rooms: rooms, clock: clock}
}

func (f *fixture) initialize(t *testing.T, players ...uuid.UUID) uuid.UUID {
	t.Helper()
	session := uuid.New()
	if _, err := f.coord.InitializeTurnTimer(context.Background(), turntimer.InitializeTurnTimerRequest{
		SessionID:           session,
		DefaultPlayerTimeMs: 600000,
		PlayerIDs:           players,
	}); err != nil {
		t.Fatalf("InitializeTurnTimer: %v", err)
	}
	return session
}

func (f *fixture) flush(t *testing.T, session uuid.UUID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.writer.Flush(ctx, session); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestPassTurnReachesDurableState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session := f.initialize(t, a, b)

	if _, err := f.coord.Start(ctx, session, a); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(30 * time.Second)
	resp, err := f.coord.PassTurn(ctx, turntimer.PassTurnRequest{
		SessionID: session, CurrentPlayerID: a, NextPlayerID: b, TimeUsedMs: 999999,
	})
	if err != nil {
		t.Fatalf("PassTurn: %v", err)
	}
	if resp.NewRemainingTime != 570000 || resp.NextPlayerID != b {
		t.Fatalf("unexpected response: %+v", resp)
	}

	f.flush(t, session)
	timer, err := f.app.GetTimerState(ctx, session)
	if err != nil {
		t.Fatalf("GetTimerState: %v", err)
	}
	if *timer.CurrentTurnPlayerID != b || timer.Player(a).RemainingTimeMs != 570000 || timer.Player(b).RemainingTimeMs != 600000 {
		t.Fatalf("unexpected durable timer: %+v", timer)
	}
	if timer.TurnStartedAt == nil || !timer.TurnStartedAt.Equal(f.clock.Now()) {
		t.Fatalf("durable anchor = %v, want %v", timer.TurnStartedAt, f.clock.Now())
	}

	want := []events.Type{events.TypeTimerInitialized, events.TypeTimerStarted, events.TypeTurnChanged}
	got := f.rooms.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestFailedInitializeLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session, a, b := uuid.New(), uuid.New(), uuid.New()

	_, err := f.coord.InitializeTurnTimer(ctx, turntimer.InitializeTurnTimerRequest{
		SessionID: session, DefaultPlayerTimeMs: 1000, PlayerIDs: []uuid.UUID{a, b},
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.coord.Start(ctx, session, a); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found after failed init, got %v", err)
	}
	if len(f.rooms.types()) != 0 {
		t.Fatalf("failed init emitted %v", f.rooms.types())
	}
}

// gatedBridge parks every InitializeTurnTimer after its durable write until release is closed.
type gatedBridge struct {
	*turntimer.App
	seeded  chan uuid.UUID
	release chan struct{}
}

func (g *gatedBridge) InitializeTurnTimer(ctx context.Context, req turntimer.InitializeTurnTimerRequest) (*turntimer.InitializeTurnTimerResponse, error) {
	resp, err := g.App.InitializeTurnTimer(ctx, req)
	g.seeded <- req.PlayerIDs[0]
	<-g.release
	return resp, err
}

func TestConcurrentInitializeKeepsDurableAndLiveTogether(t *testing.T) {
	gate := &gatedBridge{seeded: make(chan uuid.UUID, 2), release: make(chan struct{})}
	f := newFixtureWithBridge(t, func(app *turntimer.App) Bridge {
		gate.App = app
		return gate
	})
	ctx := context.Background()
	session := uuid.New()
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	first := make(chan error, 1)
	go func() {
		_, err := f.coord.InitializeTurnTimer(ctx, turntimer.InitializeTurnTimerRequest{
			SessionID: session, DefaultPlayerTimeMs: 600000, PlayerIDs: []uuid.UUID{a, b},
		})
		first <- err
	}()
	select {
	case <-gate.seeded:
	case <-time.After(2 * time.Second):
		t.Fatal("first initialize never reached the durable store")
	}

	// The first seed is written but not yet live.
	_, err := f.coord.InitializeTurnTimer(ctx, turntimer.InitializeTurnTimerRequest{
		SessionID: session, DefaultPlayerTimeMs: 900000, PlayerIDs: []uuid.UUID{c, d},
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error for concurrent initialize, got %v", err)
	}
	if _, err := f.coord.Start(ctx, session, a); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found while initializing, got %v", err)
	}
	select {
	case p := <-gate.seeded:
		t.Fatalf("second initialize wrote a seed for %s", p)
	default:
	}

	close(gate.release)
	if err := <-first; err != nil {
		t.Fatalf("first initialize: %v", err)
	}

	timer, err := f.app.GetTimerState(ctx, session)
	if err != nil {
		t.Fatalf("GetTimerState: %v", err)
	}
	if *timer.CurrentTurnPlayerID != a || timer.DefaultPlayerTimeMs != 600000 || timer.Player(c) != nil {
		t.Fatalf("durable timer does not match the live one: %+v", timer)
	}

	if _, err := f.coord.Start(ctx, session, a); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(10 * time.Second)
	if _, err := f.coord.PassTurn(ctx, turntimer.PassTurnRequest{
		SessionID: session, CurrentPlayerID: a, NextPlayerID: b,
	}); err != nil {
		t.Fatalf("PassTurn: %v", err)
	}
	f.flush(t, session)
	if stats := f.writer.Stats(); stats.Failed != 0 {
		t.Fatalf("durable writes failed: %+v", stats)
	}
	timer, err = f.app.GetTimerState(ctx, session)
	if err != nil {
		t.Fatalf("GetTimerState: %v", err)
	}
	if *timer.CurrentTurnPlayerID != b || timer.Player(a).RemainingTimeMs != 590000 {
		t.Fatalf("pass not applied durably: %+v", timer)
	}
}

func TestInitializeTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.initialize(t, a, b)

	_, err := f.coord.InitializeTurnTimer(context.Background(), turntimer.InitializeTurnTimerRequest{
		SessionID: session, DefaultPlayerTimeMs: 600000, PlayerIDs: []uuid.UUID{a, b},
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHydratesFromDurableState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session, a, b := uuid.New(), uuid.New(), uuid.New()

	// Seeded and anchored by an earlier process.
	if _, err := f.app.InitializeTurnTimer(ctx, turntimer.InitializeTurnTimerRequest{
		SessionID: session, DefaultPlayerTimeMs: 300000, PlayerIDs: []uuid.UUID{a, b},
	}); err != nil {
		t.Fatalf("InitializeTurnTimer: %v", err)
	}
	startedAt := f.clock.Now()
	if err := f.app.SetTurnAnchor(ctx, session, a, &startedAt); err != nil {
		t.Fatalf("SetTurnAnchor: %v", err)
	}
	f.clock.Advance(20 * time.Second)

	snap, err := f.coord.Pause(ctx, session)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if snap.State.IsActive || snap.State.RemainingTimeMs != 280000 {
		t.Fatalf("unexpected snapshot after hydrate and pause: %+v", snap.State)
	}
	if f.rooms.types()[0] != events.TypeTimerPaused {
		t.Fatalf("expected timer-paused, got %v", f.rooms.types())
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session, a := uuid.New(), uuid.New()

	if _, err := f.coord.Start(ctx, session, a); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Start: expected not found, got %v", err)
	}
	if err := f.coord.Join(ctx, session, &fakeSubscriber{id: "c1"}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Join: expected not found, got %v", err)
	}
	if err := f.coord.End(ctx, session); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("End: expected not found, got %v", err)
	}
}

func TestEndedSessionIsNotHydratedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session := f.initialize(t, a, b)

	if err := f.coord.End(ctx, session); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := f.coord.End(ctx, session); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if _, err := f.coord.Start(ctx, session, a); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Start after end: expected not found, got %v", err)
	}

	timer, err := f.coord.GetTimerState(ctx, session)
	if err != nil {
		t.Fatalf("GetTimerState: %v", err)
	}
	if timer.TurnBasedTimerEnabled || timer.CurrentTurnPlayerID != nil {
		t.Fatalf("ended timer still reports turn fields: %+v", timer)
	}

	f.flush(t, session)
	durable, _ := f.app.GetTimerState(ctx, session)
	if durable.TurnBasedTimerEnabled || durable.CurrentTurnPlayerID != nil {
		t.Fatalf("durable timer keeps turn fields: %+v", durable)
	}
}

func TestJoinDeliversSnapshotBeforeEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session := f.initialize(t, a, b)
	if _, err := f.coord.Start(ctx, session, a); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sub := &fakeSubscriber{id: "c1"}
	if err := f.coord.Join(ctx, session, sub); err != nil {
		t.Fatalf("Join: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	if _, err := f.coord.Pause(ctx, session); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	frames := sub.received()
	if len(frames) != 2 {
		t.Fatalf("expected snapshot and pause, got %d frames", len(frames))
	}
	if frames[0].Type != events.TypeTimerSnapshot || frames[0].Seq != 2 {
		t.Fatalf("unexpected first frame: %s seq %d", frames[0].Type, frames[0].Seq)
	}
	if frames[1].Type != events.TypeTimerPaused || frames[1].Seq != 3 {
		t.Fatalf("unexpected second frame: %s seq %d", frames[1].Type, frames[1].Seq)
	}

	payload, err := events.ParsePayload(&frames[0])
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	snap := payload.(*events.TimerSnapshotPayload)
	if !snap.IsActive || *snap.CurrentPlayerID != a || len(snap.Players) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	f.coord.Leave(session, sub)
	if _, err := f.coord.Resume(ctx, session, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n := len(sub.received()); n != 2 {
		t.Fatalf("left subscriber still received frames: %d", n)
	}
}

func TestJoinFailsWhenSnapshotCannotBeDelivered(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	session := f.initialize(t, a, b)

	err := f.coord.Join(context.Background(), session, &fakeSubscriber{id: "c1", refuse: true})
	if !errors.Is(err, models.ErrTransientChannel) {
		t.Fatalf("expected transient channel error, got %v", err)
	}
}

func TestUpdatePlayerTimeOnLiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session := f.initialize(t, a, b)

	timer, err := f.coord.GetTimerState(ctx, session)
	if err != nil {
		t.Fatalf("GetTimerState: %v", err)
	}
	junction := timer.Player(b).JunctionID

	if err := f.coord.UpdatePlayerTime(ctx, turntimer.UpdatePlayerTimeRequest{JunctionID: junction, RemainingTimeMs: 1234}); err != nil {
		t.Fatalf("UpdatePlayerTime: %v", err)
	}
	types := f.rooms.types()
	if types[len(types)-1] != events.TypePlayerTimeUpdated {
		t.Fatalf("expected player-time-updated, got %v", types)
	}

	f.flush(t, session)
	durable, _ := f.app.GetTimerState(ctx, session)
	if durable.Player(b).RemainingTimeMs != 1234 {
		t.Fatalf("durable remaining = %d", durable.Player(b).RemainingTimeMs)
	}

	if err := f.coord.UpdatePlayerTime(ctx, turntimer.UpdatePlayerTimeRequest{JunctionID: junction, RemainingTimeMs: -5}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("negative: expected validation error, got %v", err)
	}
}

func TestReadStateUsesLiveAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session := f.initialize(t, a, b)
	if _, err := f.coord.Start(ctx, session, a); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(12 * time.Second)

	view, err := f.coord.ReadState(ctx, session)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if !view.Live || !view.IsActive || view.Seq != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.RemainingTimeMs != 588000 {
		t.Fatalf("remaining = %d, want 588000", view.RemainingTimeMs)
	}
	if len(view.Players) != 2 {
		t.Fatalf("players = %d", len(view.Players))
	}
}

func TestReportExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	session := f.initialize(t, a, b)
	if _, err := f.coord.Start(ctx, session, a); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := f.coord.ReportExpired(ctx, session, a); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("early report: expected validation error, got %v", err)
	}
}
