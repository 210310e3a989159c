package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
	"github.com/mcdev12/tabletop/go/internal/turntimer/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Bridge defines what the coordinator needs from the durable layer
type Bridge interface {
	InitializeTurnTimer(ctx context.Context, req turntimer.InitializeTurnTimerRequest) (*turntimer.InitializeTurnTimerResponse, error)
	GetTimerState(ctx context.Context, sessionID uuid.UUID) (*models.TurnTimer, error)
	UpdatePlayerTime(ctx context.Context, req turntimer.UpdatePlayerTimeRequest) error
	LookupJunction(ctx context.Context, junctionID uuid.UUID) (*models.PlayerTimeRecord, error)
	DisableTurnTimer(ctx context.Context, sessionID uuid.UUID) error
}

// Writer queues durable writes behind the broadcast.
type Writer interface {
	registry.Store
	Flush(ctx context.Context, sessionID uuid.UUID) error
}

// Subscriber is one receiver in a session room, usually a websocket connection.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) bool
}

// Broadcaster fans registry events out to session rooms.
type Broadcaster interface {
	registry.Emitter
	// Subscribe adds sub to the room and delivers the snapshot to it first. It reports false if
	// the snapshot could not be delivered, in which case sub is not subscribed.
	Subscribe(sessionID uuid.UUID, sub Subscriber, snapshot *events.Envelope) bool
	Unsubscribe(sessionID uuid.UUID, sub Subscriber)
}

// TimerCoordinator is the single entry point for everything that reads or changes a session's
// turn timer. Callers never reach the registry, the rooms or the durable store directly.
type TimerCoordinator interface {
	InitializeTurnTimer(ctx context.Context, req turntimer.InitializeTurnTimerRequest) (*turntimer.InitializeTurnTimerResponse, error)
	Start(ctx context.Context, sessionID, playerID uuid.UUID) (registry.Snapshot, error)
	PassTurn(ctx context.Context, req turntimer.PassTurnRequest) (*turntimer.PassTurnResponse, error)
	Pause(ctx context.Context, sessionID uuid.UUID) (registry.Snapshot, error)
	Resume(ctx context.Context, sessionID uuid.UUID, remainingTimeMs *int64) (registry.Snapshot, error)
	End(ctx context.Context, sessionID uuid.UUID) error
	ReportExpired(ctx context.Context, sessionID, playerID uuid.UUID) (bool, error)
	UpdatePlayerTime(ctx context.Context, req turntimer.UpdatePlayerTimeRequest) error
	GetTimerState(ctx context.Context, sessionID uuid.UUID) (*models.TurnTimer, error)
	ReadState(ctx context.Context, sessionID uuid.UUID) (*TimerView, error)
	Join(ctx context.Context, sessionID uuid.UUID, sub Subscriber) error
	Leave(sessionID uuid.UUID, sub Subscriber)
}

// TimerView is the read model served over HTTP: durable budgets with the live anchor applied.
type TimerView struct {
	SessionID       uuid.UUID              `json:"sessionId"`
	Enabled         bool                   `json:"enabled"`
	Live            bool                   `json:"live"`
	CurrentPlayerID *uuid.UUID             `json:"currentPlayerId"`
	TurnStartedAt   *time.Time             `json:"turnStartedAt"`
	IsActive        bool                   `json:"isActive"`
	RemainingTimeMs int64                  `json:"remainingTimeMs"`
	Seq             uint64                 `json:"seq"`
	ServerTime      time.Time              `json:"serverTime"`
	Players         []turntimer.PlayerTime `json:"players"`
}

// Coordinator implements TimerCoordinator.
type Coordinator struct {
	clock    registry.Clock
	registry *registry.Registry
	rooms    Broadcaster
	bridge   Bridge
	writer   Writer

	hydrations singleflight.Group

	// sessions being initialized or hydrated
	initMu       sync.Mutex
	initializing map[uuid.UUID]struct{}
}

var (
	_ TimerCoordinator       = (*Coordinator)(nil)
	_ turntimer.TurnTimerApp = (*Coordinator)(nil)
)

// New wires a registry that emits into rooms and persists through writer.
func New(clock registry.Clock, rooms Broadcaster, bridge Bridge, writer Writer) *Coordinator {
	return &Coordinator{
		clock:    clock,
		registry: registry.New(clock, rooms, writer),
		rooms:    rooms,
		bridge:   bridge,
		writer:   writer,

		initializing: make(map[uuid.UUID]struct{}),
	}
}

// InitializeTurnTimer seeds durable budgets first and only then creates the live timer, so a
// failed seed leaves nothing behind. The session stays reserved from the first check until the
// live timer exists, so a concurrent initialize or hydration of it is rejected before it runs.
func (c *Coordinator) InitializeTurnTimer(ctx context.Context, req turntimer.InitializeTurnTimerRequest) (*turntimer.InitializeTurnTimerResponse, error) {
	if !c.reserve(req.SessionID) {
		return nil, fmt.Errorf("%w: session %s is already being set up", models.ErrValidation, req.SessionID)
	}
	defer c.release(req.SessionID)

	if c.registry.Has(req.SessionID) {
		return nil, fmt.Errorf("%w: session %s already has a turn timer", models.ErrValidation, req.SessionID)
	}
	// A disable queued by an earlier end must not land after the new seed.
	if err := c.writer.Flush(ctx, req.SessionID); err != nil {
		return nil, fmt.Errorf("flush pending writes: %w", err)
	}

	resp, err := c.bridge.InitializeTurnTimer(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := c.registry.Initialize(req.SessionID, req.PlayerIDs, req.DefaultPlayerTimeMs); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Coordinator) Start(ctx context.Context, sessionID, playerID uuid.UUID) (registry.Snapshot, error) {
	if err := c.ensureLive(ctx, sessionID); err != nil {
		return registry.Snapshot{}, err
	}
	return c.registry.Start(sessionID, playerID)
}

// PassTurn ignores the caller's timeUsed estimate; the registry measures it.
func (c *Coordinator) PassTurn(ctx context.Context, req turntimer.PassTurnRequest) (*turntimer.PassTurnResponse, error) {
	if err := c.ensureLive(ctx, req.SessionID); err != nil {
		return nil, err
	}
	res, err := c.registry.PassTurn(req.SessionID, req.CurrentPlayerID, req.NextPlayerID)
	if err != nil {
		return nil, err
	}
	return &turntimer.PassTurnResponse{
		NewRemainingTime: res.PreviousRemainingTimeMs,
		NextPlayerID:     req.NextPlayerID,
	}, nil
}

func (c *Coordinator) Pause(ctx context.Context, sessionID uuid.UUID) (registry.Snapshot, error) {
	if err := c.ensureLive(ctx, sessionID); err != nil {
		return registry.Snapshot{}, err
	}
	snap, _, err := c.registry.Pause(sessionID)
	return snap, err
}

func (c *Coordinator) Resume(ctx context.Context, sessionID uuid.UUID, remainingTimeMs *int64) (registry.Snapshot, error) {
	if err := c.ensureLive(ctx, sessionID); err != nil {
		return registry.Snapshot{}, err
	}
	return c.registry.Resume(sessionID, remainingTimeMs)
}

// End tears the live timer down and disables it durably. A session that is not live is
// disabled in the store directly.
func (c *Coordinator) End(ctx context.Context, sessionID uuid.UUID) error {
	if c.registry.End(sessionID) {
		return nil
	}
	if c.registry.Ended(sessionID) {
		return nil
	}
	return c.bridge.DisableTurnTimer(ctx, sessionID)
}

// DisableTurnTimer is End under its durable name.
func (c *Coordinator) DisableTurnTimer(ctx context.Context, sessionID uuid.UUID) error {
	return c.End(ctx, sessionID)
}

func (c *Coordinator) ReportExpired(ctx context.Context, sessionID, playerID uuid.UUID) (bool, error) {
	if err := c.ensureLive(ctx, sessionID); err != nil {
		return false, err
	}
	return c.registry.MarkExpired(sessionID, playerID)
}

// UpdatePlayerTime corrects one participant's budget by junction id. Live sessions go through
// the registry so every client hears about it.
func (c *Coordinator) UpdatePlayerTime(ctx context.Context, req turntimer.UpdatePlayerTimeRequest) error {
	if req.RemainingTimeMs < 0 {
		return fmt.Errorf("%w: remainingTimeMs must be >= 0", models.ErrValidation)
	}
	record, err := c.bridge.LookupJunction(ctx, req.JunctionID)
	if err != nil {
		return err
	}
	if c.registry.Has(record.SessionID) {
		_, err := c.registry.AdjustPlayerTime(record.SessionID, record.PlayerID, req.RemainingTimeMs)
		return err
	}
	return c.bridge.UpdatePlayerTime(ctx, req)
}

// GetTimerState returns the durable record with the live state laid over it, so readers never
// see values the write-behind queue has not caught up on yet.
func (c *Coordinator) GetTimerState(ctx context.Context, sessionID uuid.UUID) (*models.TurnTimer, error) {
	timer, err := c.bridge.GetTimerState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if c.registry.Ended(sessionID) && !c.registry.Has(sessionID) {
		timer.TurnBasedTimerEnabled = false
		timer.CurrentTurnPlayerID = nil
		timer.TurnStartedAt = nil
		return timer, nil
	}

	snap, err := c.registry.Snapshot(sessionID)
	if err != nil {
		return timer, nil
	}
	timer.TurnBasedTimerEnabled = true
	timer.CurrentTurnPlayerID = snap.State.CurrentPlayerID
	timer.TurnStartedAt = snap.State.TurnStartedAt
	for _, p := range snap.Players {
		if record := timer.Player(p.PlayerID); record != nil {
			record.RemainingTimeMs = p.RemainingTimeMs
		}
	}
	if snap.State.CurrentPlayerID != nil {
		if record := timer.Player(*snap.State.CurrentPlayerID); record != nil {
			record.RemainingTimeMs = snap.State.RemainingTimeMs
		}
	}
	return timer, nil
}

// ReadState builds the HTTP read model. It never hydrates the registry.
func (c *Coordinator) ReadState(ctx context.Context, sessionID uuid.UUID) (*TimerView, error) {
	timer, err := c.GetTimerState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	state := turntimer.TimerStateFromModel(timer)
	view := &TimerView{
		SessionID:       sessionID,
		Enabled:         timer.TurnBasedTimerEnabled,
		CurrentPlayerID: timer.CurrentTurnPlayerID,
		TurnStartedAt:   timer.TurnStartedAt,
		IsActive:        timer.TurnStartedAt != nil,
		ServerTime:      now,
		Players:         state.Players,
	}
	if timer.CurrentTurnPlayerID != nil {
		if record := timer.Player(*timer.CurrentTurnPlayerID); record != nil {
			view.RemainingTimeMs = models.RemainingAt(record.RemainingTimeMs, timer.TurnStartedAt, view.IsActive, now)
		}
	}
	if snap, err := c.registry.Snapshot(sessionID); err == nil {
		view.Live = true
		view.Seq = snap.Seq
		view.IsActive = snap.State.IsActive
		view.RemainingTimeMs = snap.State.RemainingAt(now)
	}
	return view, nil
}

// Join subscribes sub to the session room and sends it a snapshot. Both happen under the
// session lock, so sub sees every event after the snapshot and none before it.
func (c *Coordinator) Join(ctx context.Context, sessionID uuid.UUID, sub Subscriber) error {
	if err := c.ensureLive(ctx, sessionID); err != nil {
		return err
	}

	var delivered bool
	var buildErr error
	err := c.registry.Observe(sessionID, func(snap registry.Snapshot) {
		env, err := events.NewEnvelope(snapshotEvent(snap, c.clock.Now()))
		if err != nil {
			buildErr = err
			return
		}
		delivered = c.rooms.Subscribe(sessionID, sub, env)
	})
	if err != nil {
		return err
	}
	if buildErr != nil {
		return fmt.Errorf("build snapshot: %w", buildErr)
	}
	if !delivered {
		return fmt.Errorf("%w: could not deliver snapshot to %s", models.ErrTransientChannel, sub.ID())
	}

	log.Debug().
		Str("session_id", sessionID.String()).
		Str("connection_id", sub.ID()).
		Msg("subscriber joined session")
	return nil
}

// Leave unsubscribes only. The timer keeps running.
func (c *Coordinator) Leave(sessionID uuid.UUID, sub Subscriber) {
	c.rooms.Unsubscribe(sessionID, sub)
}

// ActiveSessions lists the sessions with a live timer.
func (c *Coordinator) ActiveSessions() []uuid.UUID {
	return c.registry.ActiveSessions()
}

// Close stops all pending expiry timers.
func (c *Coordinator) Close() {
	c.registry.Close()
}

// ensureLive hydrates a session from durable state when it is not in the registry, e.g. after
// a restart. An unknown, disabled or ended session is ErrNotFound.
func (c *Coordinator) ensureLive(ctx context.Context, sessionID uuid.UUID) error {
	if c.registry.Has(sessionID) {
		return nil
	}
	if c.registry.Ended(sessionID) {
		return fmt.Errorf("%w: turn timer for session %s has ended", models.ErrNotFound, sessionID)
	}

	_, err, _ := c.hydrations.Do(sessionID.String(), func() (interface{}, error) {
		// Durable rows seen mid-initialize are a seed whose live timer is not registered yet.
		if !c.reserve(sessionID) {
			return nil, fmt.Errorf("%w: turn timer for session %s is still being initialized", models.ErrNotFound, sessionID)
		}
		defer c.release(sessionID)

		if c.registry.Has(sessionID) {
			return nil, nil
		}
		timer, err := c.bridge.GetTimerState(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := c.registry.Restore(timer); err != nil {
			return nil, err
		}
		log.Info().Str("session_id", sessionID.String()).Msg("hydrated session from durable state")
		return nil, nil
	})
	return err
}

func (c *Coordinator) reserve(sessionID uuid.UUID) bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if _, ok := c.initializing[sessionID]; ok {
		return false
	}
	c.initializing[sessionID] = struct{}{}
	return true
}

func (c *Coordinator) release(sessionID uuid.UUID) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	delete(c.initializing, sessionID)
}

func snapshotEvent(snap registry.Snapshot, now time.Time) events.Event {
	return events.Event{
		SessionID: snap.State.SessionID,
		Type:      events.TypeTimerSnapshot,
		Seq:       snap.Seq,
		At:        now,
		Payload: events.TimerSnapshotPayload{
			SessionID:       snap.State.SessionID,
			Enabled:         true,
			CurrentPlayerID: snap.State.CurrentPlayerID,
			TurnStartedAt:   snap.State.TurnStartedAt,
			RemainingTimeMs: snap.State.RemainingTimeMs,
			IsActive:        snap.State.IsActive,
			TimeExpired:     snap.TimeExpired,
			Players:         snap.Players,
			Seq:             snap.Seq,
		},
	}
}
