package turntimer

import (
	"time"

	"github.com/google/uuid"
)

// InitializeTurnTimerRequest seeds durable budgets for every participant.
type InitializeTurnTimerRequest struct {
	SessionID           uuid.UUID   `json:"sessionId"`
	DefaultPlayerTimeMs int64       `json:"defaultPlayerTimeMs"`
	PlayerIDs           []uuid.UUID `json:"playerIds"`
}

type InitializeTurnTimerResponse struct {
	SessionID           uuid.UUID  `json:"sessionId"`
	CurrentTurnPlayerID *uuid.UUID `json:"currentTurnPlayerId"`
	TurnStartedAt       *time.Time `json:"turnStartedAt"`
	DefaultPlayerTimeMs int64      `json:"defaultPlayerTimeMs"`
}

type GetTimerStateRequest struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// PlayerTime is one participant's durable budget.
type PlayerTime struct {
	PlayerID        uuid.UUID `json:"playerId"`
	PlayerName      string    `json:"playerName"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
	JunctionID      uuid.UUID `json:"junctionId"`
}

type TimerStateResponse struct {
	TurnBasedTimerEnabled bool         `json:"turnBasedTimerEnabled"`
	CurrentTurnPlayerID   *uuid.UUID   `json:"currentTurnPlayerId"`
	TurnStartedAt         *time.Time   `json:"turnStartedAt"`
	DefaultPlayerTimeMs   int64        `json:"defaultPlayerTimeMs"`
	Players               []PlayerTime `json:"players"`
}

type UpdatePlayerTimeRequest struct {
	JunctionID      uuid.UUID `json:"junctionId"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
}

// PassTurnRequest deducts TimeUsedMs from the current player and moves the turn on.
// TurnStartedAt anchors the next player; nil means "now".
type PassTurnRequest struct {
	SessionID       uuid.UUID  `json:"sessionId"`
	CurrentPlayerID uuid.UUID  `json:"currentPlayerId"`
	NextPlayerID    uuid.UUID  `json:"nextPlayerId"`
	TimeUsedMs      int64      `json:"timeUsedMs"`
	TurnStartedAt   *time.Time `json:"turnStartedAt,omitempty"`
}

type PassTurnResponse struct {
	NewRemainingTime int64     `json:"newRemainingTime"`
	NextPlayerID     uuid.UUID `json:"nextPlayerId"`
}

type DisableTurnTimerRequest struct {
	SessionID uuid.UUID `json:"sessionId"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// Outbox event types written alongside durable timer changes.
const (
	OutboxTimerInitialized  = "initialized"
	OutboxTurnPassed        = "turn_passed"
	OutboxPlayerTimeUpdated = "player_time_updated"
	OutboxAnchorSet         = "anchor_set"
	OutboxTimerDisabled     = "disabled"
)

// OutboxPayload is the JSON body of a turn_timer_outbox row.
type OutboxPayload struct {
	SessionID       uuid.UUID  `json:"sessionId"`
	PlayerID        *uuid.UUID `json:"playerId,omitempty"`
	NextPlayerID    *uuid.UUID `json:"nextPlayerId,omitempty"`
	TimeUsedMs      *int64     `json:"timeUsedMs,omitempty"`
	RemainingTimeMs *int64     `json:"remainingTimeMs,omitempty"`
	TurnStartedAt   *time.Time `json:"turnStartedAt,omitempty"`
	OccurredAt      time.Time  `json:"occurredAt"`
}

// PassTurnParams is what the repository needs to apply a pass.
type PassTurnParams struct {
	SessionID     uuid.UUID
	FromPlayerID  uuid.UUID
	ToPlayerID    uuid.UUID
	TimeUsedMs    int64
	TurnStartedAt time.Time
}
