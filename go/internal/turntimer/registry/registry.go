package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
	"github.com/rs/zerolog/log"
)

// tombstoneTTL bounds how long an ended session is shielded from stale durable reads.
const tombstoneTTL = 10 * time.Minute

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) clockwork.Timer
}

// Emitter fans a registry event out to the session's room. It is called while the session
// lock is held and must not block or call back into the registry.
type Emitter interface {
	Emit(ev events.Event)
}

// Store receives durable writes. Implementations enqueue and return immediately.
type Store interface {
	EnqueuePass(sessionID, fromPlayerID, toPlayerID uuid.UUID, timeUsedMs int64, turnStartedAt time.Time)
	EnqueuePlayerRemaining(sessionID, playerID uuid.UUID, remainingMs int64)
	EnqueueAnchor(sessionID, playerID uuid.UUID, turnStartedAt *time.Time)
	EnqueueDisable(sessionID uuid.UUID)
}

// Snapshot is a consistent copy of one session's authoritative state.
type Snapshot struct {
	State               models.SessionTimerState
	Players             []events.PlayerBudget
	DefaultPlayerTimeMs int64
	Seq                 uint64
	TimeExpired         bool
}

// PassResult describes an applied turn change.
type PassResult struct {
	Snapshot
	PreviousPlayerID        uuid.UUID
	TimeUsedMs              int64
	PreviousRemainingTimeMs int64
}

type entry struct {
	mu sync.Mutex

	state         models.SessionTimerState
	order         []uuid.UUID
	budgets       map[uuid.UUID]int64
	defaultBudget int64
	seq           uint64

	// anchorGen changes on every anchor change so stale expiry timers can tell they lost.
	anchorGen      uint64
	expirySignaled bool
	expiryTimer    clockwork.Timer

	removed bool
}

type tombstone struct {
	seq     uint64
	endedAt time.Time
}

// Registry is the single authority for live session timers. Each session is guarded by its
// own mutex; the map lock is only held to look entries up, insert or delete them.
type Registry struct {
	clock   Clock
	emitter Emitter
	store   Store

	mu         sync.RWMutex
	sessions   map[uuid.UUID]*entry
	tombstones map[uuid.UUID]tombstone
}

// New creates a registry that emits through emitter and persists through store.
func New(clock Clock, emitter Emitter, store Store) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:      clock,
		emitter:    emitter,
		store:      store,
		sessions:   make(map[uuid.UUID]*entry),
		tombstones: make(map[uuid.UUID]tombstone),
	}
}

// Initialize creates the timer of a session. The first player becomes current; nothing runs
// until Start.
func (r *Registry) Initialize(sessionID uuid.UUID, playerIDs []uuid.UUID, defaultBudgetMs int64) (Snapshot, error) {
	if err := validateInitialize(playerIDs, defaultBudgetMs); err != nil {
		return Snapshot{}, err
	}

	budgets := make(map[uuid.UUID]int64, len(playerIDs))
	for _, id := range playerIDs {
		budgets[id] = defaultBudgetMs
	}
	first := playerIDs[0]
	e := &entry{
		state: models.SessionTimerState{
			SessionID:       sessionID,
			CurrentPlayerID: &first,
			RemainingTimeMs: defaultBudgetMs,
		},
		order:         append([]uuid.UUID(nil), playerIDs...),
		budgets:       budgets,
		defaultBudget: defaultBudgetMs,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok && !existing.isRemoved() {
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: session %s already has a turn timer", models.ErrValidation, sessionID)
	}
	if tomb, ok := r.tombstones[sessionID]; ok {
		e.seq = tomb.seq
		delete(r.tombstones, sessionID)
	}
	r.sessions[sessionID] = e
	r.mu.Unlock()

	r.emit(e, events.TypeTimerInitialized, events.TimerInitializedPayload{
		SessionID:           sessionID,
		CurrentPlayerID:     first,
		RemainingTimeMs:     defaultBudgetMs,
		DefaultPlayerTimeMs: defaultBudgetMs,
		Players:             e.playerBudgets(),
	})

	log.Info().
		Str("session_id", sessionID.String()).
		Int("players", len(playerIDs)).
		Int64("default_budget_ms", defaultBudgetMs).
		Msg("turn timer initialized")

	return e.snapshot(), nil
}

// Restore hydrates a session from its durable record, e.g. after a process restart.
// It is a no-op when the session is already live.
func (r *Registry) Restore(timer *models.TurnTimer) error {
	if timer == nil || !timer.TurnBasedTimerEnabled {
		return fmt.Errorf("%w: turn timer is not enabled", models.ErrNotFound)
	}
	if len(timer.Players) < models.MinTimerPlayers {
		return fmt.Errorf("%w: durable timer for %s has %d players", models.ErrValidation, timer.SessionID, len(timer.Players))
	}

	e := &entry{
		budgets:       make(map[uuid.UUID]int64, len(timer.Players)),
		defaultBudget: timer.DefaultPlayerTimeMs,
	}
	for _, p := range timer.Players {
		e.order = append(e.order, p.PlayerID)
		e.budgets[p.PlayerID] = p.RemainingTimeMs
	}
	current := timer.PlayerIDs()[0]
	if timer.CurrentTurnPlayerID != nil {
		if _, ok := e.budgets[*timer.CurrentTurnPlayerID]; ok {
			current = *timer.CurrentTurnPlayerID
		}
	}
	e.state = models.SessionTimerState{
		SessionID:       timer.SessionID,
		CurrentPlayerID: &current,
		RemainingTimeMs: e.budgets[current],
	}
	if timer.TurnStartedAt != nil {
		startedAt := *timer.TurnStartedAt
		e.state.TurnStartedAt = &startedAt
		e.state.IsActive = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if existing, ok := r.sessions[timer.SessionID]; ok && !existing.isRemoved() {
		r.mu.Unlock()
		return nil
	}
	if _, ok := r.tombstones[timer.SessionID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: session %s was ended", models.ErrNotFound, timer.SessionID)
	}
	r.sessions[timer.SessionID] = e
	r.mu.Unlock()

	if e.state.IsActive {
		e.anchorGen++
		e.expirySignaled = e.state.RemainingAt(r.clock.Now()) <= 0
		r.scheduleExpiry(e)
	}

	log.Info().
		Str("session_id", timer.SessionID.String()).
		Str("current_player_id", current.String()).
		Bool("is_active", e.state.IsActive).
		Msg("turn timer restored from durable state")
	return nil
}

// Start begins the current player's turn.
func (r *Registry) Start(sessionID, playerID uuid.UUID) (Snapshot, error) {
	e, err := r.lock(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer e.mu.Unlock()

	if *e.state.CurrentPlayerID != playerID {
		return Snapshot{}, fmt.Errorf("%w: player %s is not the current player", models.ErrValidation, playerID)
	}
	if e.state.IsActive {
		return Snapshot{}, fmt.Errorf("%w: timer is already running", models.ErrValidation)
	}

	now := r.clock.Now()
	e.state.IsActive = true
	e.state.TurnStartedAt = &now
	e.state.RemainingTimeMs = e.budgets[playerID]
	r.reanchor(e, true)

	r.emit(e, events.TypeTimerStarted, events.TimerStartedPayload{
		SessionID:       sessionID,
		CurrentPlayerID: playerID,
		TurnStartedAt:   now,
		RemainingTimeMs: e.state.RemainingTimeMs,
		IsActive:        true,
	})
	r.store.EnqueueAnchor(sessionID, playerID, &now)

	return e.snapshot(), nil
}

// PassTurn hands the turn from fromPlayerID to toPlayerID. fromPlayerID must still be the
// current player; a stale caller gets ErrConcurrencyConflict and nothing changes.
func (r *Registry) PassTurn(sessionID, fromPlayerID, toPlayerID uuid.UUID) (PassResult, error) {
	e, err := r.lock(sessionID)
	if err != nil {
		return PassResult{}, err
	}
	defer e.mu.Unlock()

	if *e.state.CurrentPlayerID != fromPlayerID {
		return PassResult{}, fmt.Errorf("%w: player %s is no longer the current player (current is %s)",
			models.ErrConcurrencyConflict, fromPlayerID, *e.state.CurrentPlayerID)
	}
	if toPlayerID == fromPlayerID {
		return PassResult{}, fmt.Errorf("%w: cannot pass the turn to the same player", models.ErrValidation)
	}
	if _, ok := e.budgets[toPlayerID]; !ok {
		return PassResult{}, fmt.Errorf("%w: player %s is not a participant", models.ErrValidation, toPlayerID)
	}

	now := r.clock.Now()
	var elapsed int64
	if e.state.IsActive {
		elapsed = clamp(models.ElapsedMs(*e.state.TurnStartedAt, now), 0, e.state.RemainingTimeMs)
	}
	fromRemaining := e.state.RemainingTimeMs - elapsed
	e.budgets[fromPlayerID] = fromRemaining

	to := toPlayerID
	e.state.CurrentPlayerID = &to
	e.state.TurnStartedAt = &now
	e.state.RemainingTimeMs = e.budgets[toPlayerID]
	e.state.IsActive = true
	r.reanchor(e, true)

	r.emit(e, events.TypeTurnChanged, events.TurnChangedPayload{
		SessionID:               sessionID,
		PreviousPlayerID:        fromPlayerID,
		CurrentPlayerID:         toPlayerID,
		TimeUsed:                elapsed,
		PreviousRemainingTimeMs: fromRemaining,
		RemainingTimeMs:         e.state.RemainingTimeMs,
		TurnStartedAt:           now,
	})
	r.store.EnqueuePass(sessionID, fromPlayerID, toPlayerID, elapsed, now)

	return PassResult{
		Snapshot:                e.snapshot(),
		PreviousPlayerID:        fromPlayerID,
		TimeUsedMs:              elapsed,
		PreviousRemainingTimeMs: fromRemaining,
	}, nil
}

// Pause freezes the current player's budget at its value right now. Pausing a paused timer
// changes nothing and emits nothing.
func (r *Registry) Pause(sessionID uuid.UUID) (Snapshot, bool, error) {
	e, err := r.lock(sessionID)
	if err != nil {
		return Snapshot{}, false, err
	}
	defer e.mu.Unlock()

	if !e.state.IsActive {
		return e.snapshot(), false, nil
	}

	now := r.clock.Now()
	current := *e.state.CurrentPlayerID
	frozen := e.state.RemainingAt(now)
	e.state.RemainingTimeMs = frozen
	e.state.IsActive = false
	e.state.TurnStartedAt = nil
	e.budgets[current] = frozen
	r.reanchor(e, false)

	r.emit(e, events.TypeTimerPaused, events.TimerPausedPayload{
		SessionID:       sessionID,
		CurrentPlayerID: current,
		RemainingTimeMs: frozen,
	})
	r.store.EnqueuePlayerRemaining(sessionID, current, frozen)
	r.store.EnqueueAnchor(sessionID, current, nil)

	return e.snapshot(), true, nil
}

// Resume restarts the countdown with a fresh anchor. A nil remainingMs keeps the authority's
// value; a caller-confirmed value may lower the budget but never raise it.
func (r *Registry) Resume(sessionID uuid.UUID, remainingMs *int64) (Snapshot, error) {
	e, err := r.lock(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer e.mu.Unlock()

	now := r.clock.Now()
	current := *e.state.CurrentPlayerID
	authoritative := e.state.RemainingAt(now)
	value := authoritative
	if remainingMs != nil {
		if *remainingMs < 0 {
			return Snapshot{}, fmt.Errorf("%w: remainingTimeMs must be >= 0", models.ErrValidation)
		}
		if *remainingMs > authoritative {
			return Snapshot{}, fmt.Errorf("%w: remainingTimeMs %d exceeds the player's remaining %d",
				models.ErrValidation, *remainingMs, authoritative)
		}
		value = *remainingMs
	}

	e.state.RemainingTimeMs = value
	e.state.TurnStartedAt = &now
	e.state.IsActive = true
	e.budgets[current] = value
	r.reanchor(e, value > 0)

	r.emit(e, events.TypeTimerResumed, events.TimerResumedPayload{
		SessionID:       sessionID,
		CurrentPlayerID: current,
		TurnStartedAt:   now,
		RemainingTimeMs: value,
	})
	r.store.EnqueuePlayerRemaining(sessionID, current, value)
	r.store.EnqueueAnchor(sessionID, current, &now)

	return e.snapshot(), nil
}

// End tears the session's timer down and reports whether it existed.
func (r *Registry) End(sessionID uuid.UUID) bool {
	e, err := r.lock(sessionID)
	if err != nil {
		return false
	}

	e.removed = true
	stopTimer(e)
	r.emit(e, events.TypeTimerEnded, events.TimerEndedPayload{SessionID: sessionID})
	r.store.EnqueueDisable(sessionID)
	seq := e.seq
	e.mu.Unlock()

	now := r.clock.Now()
	r.mu.Lock()
	if r.sessions[sessionID] == e {
		delete(r.sessions, sessionID)
	}
	r.tombstones[sessionID] = tombstone{seq: seq, endedAt: now}
	for id, t := range r.tombstones {
		if now.Sub(t.endedAt) > tombstoneTTL {
			delete(r.tombstones, id)
		}
	}
	r.mu.Unlock()

	log.Info().Str("session_id", sessionID.String()).Msg("turn timer ended")
	return true
}

// MarkExpired raises player-time-expired for the running player once per turn. It returns
// false when the signal was already raised. The timer keeps running; nothing is passed.
func (r *Registry) MarkExpired(sessionID, playerID uuid.UUID) (bool, error) {
	e, err := r.lock(sessionID)
	if err != nil {
		return false, err
	}
	defer e.mu.Unlock()

	if *e.state.CurrentPlayerID != playerID {
		return false, fmt.Errorf("%w: player %s is not the current player", models.ErrValidation, playerID)
	}
	if !e.state.IsActive {
		return false, fmt.Errorf("%w: timer is not running", models.ErrValidation)
	}
	if remaining := e.state.RemainingAt(r.clock.Now()); remaining > 0 {
		return false, fmt.Errorf("%w: player still has %d ms", models.ErrValidation, remaining)
	}
	return r.signalExpired(e), nil
}

// AdjustPlayerTime overrides a participant's budget. The running player must be paused first.
func (r *Registry) AdjustPlayerTime(sessionID, playerID uuid.UUID, remainingMs int64) (Snapshot, error) {
	if remainingMs < 0 {
		return Snapshot{}, fmt.Errorf("%w: remainingTimeMs must be >= 0", models.ErrValidation)
	}
	e, err := r.lock(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer e.mu.Unlock()

	if _, ok := e.budgets[playerID]; !ok {
		return Snapshot{}, fmt.Errorf("%w: player %s is not a participant", models.ErrNotFound, playerID)
	}
	isCurrent := *e.state.CurrentPlayerID == playerID
	if isCurrent && e.state.IsActive {
		return Snapshot{}, fmt.Errorf("%w: pause the timer before adjusting the running player", models.ErrValidation)
	}

	e.budgets[playerID] = remainingMs
	if isCurrent {
		e.state.RemainingTimeMs = remainingMs
		e.expirySignaled = false
	}

	r.emit(e, events.TypePlayerTimeUpdated, events.PlayerTimeUpdatedPayload{
		SessionID:       sessionID,
		PlayerID:        playerID,
		RemainingTimeMs: remainingMs,
	})
	r.store.EnqueuePlayerRemaining(sessionID, playerID, remainingMs)

	return e.snapshot(), nil
}

// Snapshot returns a copy of the session's state.
func (r *Registry) Snapshot(sessionID uuid.UUID) (Snapshot, error) {
	e, err := r.lock(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// Observe runs fn with a snapshot while holding the session lock, so no event of the session
// can be emitted between the snapshot and whatever fn does with it.
func (r *Registry) Observe(sessionID uuid.UUID, fn func(Snapshot)) error {
	e, err := r.lock(sessionID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	fn(e.snapshot())
	return nil
}

// Has reports whether the session is live.
func (r *Registry) Has(sessionID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	return ok && !e.isRemoved()
}

// Ended reports whether the session was ended recently enough to still be tombstoned.
func (r *Registry) Ended(sessionID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tombstones[sessionID]
	return ok
}

// ActiveSessions returns the ids of all live sessions.
func (r *Registry) ActiveSessions() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels every pending expiry timer.
func (r *Registry) Close() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		stopTimer(e)
		e.mu.Unlock()
	}
	log.Info().Int("sessions", len(entries)).Msg("registry closed")
}

// lock returns the session's entry with its mutex held.
func (r *Registry) lock(sessionID uuid.UUID) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no turn timer for session %s", models.ErrNotFound, sessionID)
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: no turn timer for session %s", models.ErrNotFound, sessionID)
	}
	return e, nil
}

func (r *Registry) emit(e *entry, typ events.Type, payload interface{}) {
	e.seq++
	ev := events.Event{
		SessionID: e.state.SessionID,
		Type:      typ,
		Seq:       e.seq,
		At:        r.clock.Now(),
		Payload:   payload,
	}
	log.Debug().
		Str("session_id", ev.SessionID.String()).
		Str("event_type", string(typ)).
		Uint64("seq", ev.Seq).
		Msg("registry event")
	r.emitter.Emit(ev)
}

// reanchor invalidates any pending expiry timer and arms a new one for a running timer.
func (r *Registry) reanchor(e *entry, resetSignal bool) {
	e.anchorGen++
	if resetSignal {
		e.expirySignaled = false
	}
	r.scheduleExpiry(e)
}

func (r *Registry) scheduleExpiry(e *entry) {
	stopTimer(e)
	if !e.state.IsActive || e.expirySignaled {
		return
	}

	wait := time.Duration(e.state.RemainingAt(r.clock.Now())) * time.Millisecond
	gen := e.anchorGen
	e.expiryTimer = r.clock.AfterFunc(wait, func() {
		r.expire(e, gen)
	})
}

func (r *Registry) expire(e *entry, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || e.anchorGen != gen || !e.state.IsActive || e.expirySignaled {
		return
	}
	if e.state.RemainingAt(r.clock.Now()) > 0 {
		r.scheduleExpiry(e)
		return
	}
	r.signalExpired(e)
}

func (r *Registry) signalExpired(e *entry) bool {
	if e.expirySignaled {
		return false
	}
	e.expirySignaled = true
	stopTimer(e)
	player := *e.state.CurrentPlayerID

	r.emit(e, events.TypePlayerTimeExpired, events.PlayerTimeExpiredPayload{
		SessionID: e.state.SessionID,
		PlayerID:  player,
	})
	log.Info().
		Str("session_id", e.state.SessionID.String()).
		Str("player_id", player.String()).
		Msg("player time expired")
	return true
}

func (e *entry) isRemoved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}

func (e *entry) snapshot() Snapshot {
	state := e.state
	if state.CurrentPlayerID != nil {
		current := *state.CurrentPlayerID
		state.CurrentPlayerID = &current
	}
	if state.TurnStartedAt != nil {
		startedAt := *state.TurnStartedAt
		state.TurnStartedAt = &startedAt
	}
	return Snapshot{
		State:               state,
		Players:             e.playerBudgets(),
		DefaultPlayerTimeMs: e.defaultBudget,
		Seq:                 e.seq,
		TimeExpired:         e.expirySignaled,
	}
}

func (e *entry) playerBudgets() []events.PlayerBudget {
	players := make([]events.PlayerBudget, len(e.order))
	for i, id := range e.order {
		players[i] = events.PlayerBudget{PlayerID: id, RemainingTimeMs: e.budgets[id]}
	}
	return players
}

// stopTimer stops the session's pending expiry timer, if any.
func stopTimer(e *entry) {
	if e.expiryTimer != nil {
		e.expiryTimer.Stop()
		e.expiryTimer = nil
	}
}

func validateInitialize(playerIDs []uuid.UUID, defaultBudgetMs int64) error {
	if len(playerIDs) < models.MinTimerPlayers {
		return fmt.Errorf("%w: at least %d players are required, got %d", models.ErrValidation, models.MinTimerPlayers, len(playerIDs))
	}
	if defaultBudgetMs <= 0 {
		return fmt.Errorf("%w: default budget must be positive", models.ErrValidation)
	}
	seen := make(map[uuid.UUID]bool, len(playerIDs))
	for _, id := range playerIDs {
		if seen[id] {
			return fmt.Errorf("%w: duplicate player %s", models.ErrValidation, id)
		}
		seen[id] = true
	}
	return nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
