package turntimer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/rs/zerolog/log"
)

// TurnTimerRepository defines what the app layer needs from the repository
type TurnTimerRepository interface {
	InitializeTurnTimer(ctx context.Context, sessionID uuid.UUID, defaultPlayerTimeMs int64, playerIDs []uuid.UUID, at time.Time) (*models.TurnTimer, error)
	GetTurnTimer(ctx context.Context, sessionID uuid.UUID) (*models.TurnTimer, error)
	GetPlayerByJunction(ctx context.Context, junctionID uuid.UUID) (*models.PlayerTimeRecord, error)
	UpdatePlayerTime(ctx context.Context, junctionID uuid.UUID, remainingTimeMs int64, at time.Time) error
	SetPlayerRemaining(ctx context.Context, sessionID, playerID uuid.UUID, remainingTimeMs int64, at time.Time) error
	PassTurn(ctx context.Context, params PassTurnParams) (int64, error)
	SetTurnAnchor(ctx context.Context, sessionID, playerID uuid.UUID, turnStartedAt *time.Time, at time.Time) error
	DisableTurnTimer(ctx context.Context, sessionID uuid.UUID, at time.Time) error
}

// App handles the durable turn timer business logic
type App struct {
	repo  TurnTimerRepository
	clock clockwork.Clock
}

// NewApp creates a new turn timer App
func NewApp(repo TurnTimerRepository, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		repo:  repo,
		clock: clock,
	}
}

// InitializeTurnTimer enables the timer for a session and gives every participant the default budget.
func (a *App) InitializeTurnTimer(ctx context.Context, req InitializeTurnTimerRequest) (*InitializeTurnTimerResponse, error) {
	if err := a.validateInitializeRequest(req); err != nil {
		return nil, err
	}

	timer, err := a.repo.InitializeTurnTimer(ctx, req.SessionID, req.DefaultPlayerTimeMs, req.PlayerIDs, a.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize turn timer: %w", err)
	}

	log.Info().
		Str("session_id", req.SessionID.String()).
		Int("players", len(req.PlayerIDs)).
		Int64("default_player_time_ms", req.DefaultPlayerTimeMs).
		Msg("durable turn timer initialized")

	return &InitializeTurnTimerResponse{
		SessionID:           timer.SessionID,
		CurrentTurnPlayerID: timer.CurrentTurnPlayerID,
		TurnStartedAt:       timer.TurnStartedAt,
		DefaultPlayerTimeMs: timer.DefaultPlayerTimeMs,
	}, nil
}

// GetTimerState returns the durable timer of a session. ErrNotFound if it was never initialized.
func (a *App) GetTimerState(ctx context.Context, sessionID uuid.UUID) (*models.TurnTimer, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: session id is required", models.ErrValidation)
	}
	timer, err := a.repo.GetTurnTimer(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get turn timer: %w", err)
	}
	return timer, nil
}

// UpdatePlayerTime overwrites one participant's budget by junction id.
func (a *App) UpdatePlayerTime(ctx context.Context, req UpdatePlayerTimeRequest) error {
	if req.JunctionID == uuid.Nil {
		return fmt.Errorf("%w: junction id is required", models.ErrValidation)
	}
	if req.RemainingTimeMs < 0 {
		return fmt.Errorf("%w: remainingTimeMs must be >= 0", models.ErrValidation)
	}

	if err := a.repo.UpdatePlayerTime(ctx, req.JunctionID, req.RemainingTimeMs, a.clock.Now()); err != nil {
		return fmt.Errorf("failed to update player time: %w", err)
	}

	log.Debug().
		Str("junction_id", req.JunctionID.String()).
		Int64("remaining_time_ms", req.RemainingTimeMs).
		Msg("player time updated")
	return nil
}

// LookupJunction resolves a junction id to its participant record.
func (a *App) LookupJunction(ctx context.Context, junctionID uuid.UUID) (*models.PlayerTimeRecord, error) {
	record, err := a.repo.GetPlayerByJunction(ctx, junctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up junction: %w", err)
	}
	return record, nil
}

// PassTurn applies a turn change durably. It only succeeds while the durable current player is
// still req.CurrentPlayerID, so a retried write cannot deduct twice.
func (a *App) PassTurn(ctx context.Context, req PassTurnRequest) (*PassTurnResponse, error) {
	if err := a.validatePassTurnRequest(req); err != nil {
		return nil, err
	}

	startedAt := a.clock.Now()
	if req.TurnStartedAt != nil {
		startedAt = *req.TurnStartedAt
	}

	remaining, err := a.repo.PassTurn(ctx, PassTurnParams{
		SessionID:     req.SessionID,
		FromPlayerID:  req.CurrentPlayerID,
		ToPlayerID:    req.NextPlayerID,
		TimeUsedMs:    req.TimeUsedMs,
		TurnStartedAt: startedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pass turn: %w", err)
	}

	log.Debug().
		Str("session_id", req.SessionID.String()).
		Str("player_id", req.CurrentPlayerID.String()).
		Str("next_player_id", req.NextPlayerID.String()).
		Int64("time_used_ms", req.TimeUsedMs).
		Int64("remaining_time_ms", remaining).
		Msg("durable turn passed")

	return &PassTurnResponse{
		NewRemainingTime: remaining,
		NextPlayerID:     req.NextPlayerID,
	}, nil
}

// WritePlayerRemaining stores a participant's frozen or corrected budget.
func (a *App) WritePlayerRemaining(ctx context.Context, sessionID, playerID uuid.UUID, remainingTimeMs int64) error {
	if remainingTimeMs < 0 {
		return fmt.Errorf("%w: remainingTimeMs must be >= 0", models.ErrValidation)
	}
	if err := a.repo.SetPlayerRemaining(ctx, sessionID, playerID, remainingTimeMs, a.clock.Now()); err != nil {
		return fmt.Errorf("failed to write player remaining: %w", err)
	}
	return nil
}

// SetTurnAnchor records who holds the turn and since when. A nil turnStartedAt marks the timer paused.
func (a *App) SetTurnAnchor(ctx context.Context, sessionID, playerID uuid.UUID, turnStartedAt *time.Time) error {
	if err := a.repo.SetTurnAnchor(ctx, sessionID, playerID, turnStartedAt, a.clock.Now()); err != nil {
		return fmt.Errorf("failed to set turn anchor: %w", err)
	}
	return nil
}

// DisableTurnTimer turns the session's timer off. Budgets are kept.
func (a *App) DisableTurnTimer(ctx context.Context, sessionID uuid.UUID) error {
	if sessionID == uuid.Nil {
		return fmt.Errorf("%w: session id is required", models.ErrValidation)
	}
	if err := a.repo.DisableTurnTimer(ctx, sessionID, a.clock.Now()); err != nil {
		return fmt.Errorf("failed to disable turn timer: %w", err)
	}

	log.Info().Str("session_id", sessionID.String()).Msg("durable turn timer disabled")
	return nil
}

func (a *App) validateInitializeRequest(req InitializeTurnTimerRequest) error {
	if req.SessionID == uuid.Nil {
		return fmt.Errorf("%w: session id is required", models.ErrValidation)
	}
	if req.DefaultPlayerTimeMs < models.MinDefaultPlayerTimeMs {
		return fmt.Errorf("%w: defaultPlayerTimeMs must be at least %d", models.ErrValidation, models.MinDefaultPlayerTimeMs)
	}
	if len(req.PlayerIDs) < models.MinTimerPlayers {
		return fmt.Errorf("%w: at least %d players are required", models.ErrValidation, models.MinTimerPlayers)
	}
	seen := make(map[uuid.UUID]bool, len(req.PlayerIDs))
	for _, id := range req.PlayerIDs {
		if id == uuid.Nil {
			return fmt.Errorf("%w: player id is required", models.ErrValidation)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate player %s", models.ErrValidation, id)
		}
		seen[id] = true
	}
	return nil
}

func (a *App) validatePassTurnRequest(req PassTurnRequest) error {
	if req.SessionID == uuid.Nil || req.CurrentPlayerID == uuid.Nil || req.NextPlayerID == uuid.Nil {
		return fmt.Errorf("%w: session, current and next player ids are required", models.ErrValidation)
	}
	if req.CurrentPlayerID == req.NextPlayerID {
		return fmt.Errorf("%w: cannot pass the turn to the same player", models.ErrValidation)
	}
	if req.TimeUsedMs < 0 {
		return fmt.Errorf("%w: timeUsedMs must be >= 0", models.ErrValidation)
	}
	return nil
}

// TimerStateFromModel converts the durable model into its response shape.
func TimerStateFromModel(timer *models.TurnTimer) *TimerStateResponse {
	resp := &TimerStateResponse{
		TurnBasedTimerEnabled: timer.TurnBasedTimerEnabled,
		CurrentTurnPlayerID:   timer.CurrentTurnPlayerID,
		TurnStartedAt:         timer.TurnStartedAt,
		DefaultPlayerTimeMs:   timer.DefaultPlayerTimeMs,
		Players:               make([]PlayerTime, len(timer.Players)),
	}
	for i, p := range timer.Players {
		resp.Players[i] = PlayerTime{
			PlayerID:        p.PlayerID,
			PlayerName:      p.PlayerName,
			RemainingTimeMs: p.RemainingTimeMs,
			JunctionID:      p.JunctionID,
		}
	}
	return resp
}
