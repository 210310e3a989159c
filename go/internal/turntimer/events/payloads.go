package events

import (
	"time"

	"github.com/google/uuid"
)

// Event payload types shared by the registry, the gateway and the countdown client.
// Field names are the wire contract; keep them camelCase.

// PlayerBudget is one participant's remaining time.
type PlayerBudget struct {
	PlayerID        uuid.UUID `json:"playerId"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
}

// TimerSnapshotPayload is the full state sent to a connection when it joins a room.
type TimerSnapshotPayload struct {
	SessionID       uuid.UUID      `json:"sessionId"`
	Enabled         bool           `json:"enabled"`
	CurrentPlayerID *uuid.UUID     `json:"currentPlayerId"`
	TurnStartedAt   *time.Time     `json:"turnStartedAt"`
	RemainingTimeMs int64          `json:"remainingTimeMs"`
	IsActive        bool           `json:"isActive"`
	TimeExpired     bool           `json:"timeExpired"`
	Players         []PlayerBudget `json:"players"`
	Seq             uint64         `json:"seq"`
}

// TimerInitializedPayload is the payload for a timer-initialized event
type TimerInitializedPayload struct {
	SessionID           uuid.UUID      `json:"sessionId"`
	CurrentPlayerID     uuid.UUID      `json:"currentPlayerId"`
	RemainingTimeMs     int64          `json:"remainingTimeMs"`
	DefaultPlayerTimeMs int64          `json:"defaultPlayerTimeMs"`
	Players             []PlayerBudget `json:"players"`
}

// TimerStartedPayload is the payload for a timer-started event
type TimerStartedPayload struct {
	SessionID       uuid.UUID `json:"sessionId"`
	CurrentPlayerID uuid.UUID `json:"currentPlayerId"`
	TurnStartedAt   time.Time `json:"turnStartedAt"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
	IsActive        bool      `json:"isActive"`
}

// TurnChangedPayload is the payload for a turn-changed event.
// PreviousRemainingTimeMs is the outgoing player's budget after the deduction.
type TurnChangedPayload struct {
	SessionID               uuid.UUID `json:"sessionId"`
	PreviousPlayerID        uuid.UUID `json:"previousPlayerId"`
	CurrentPlayerID         uuid.UUID `json:"currentPlayerId"`
	TimeUsed                int64     `json:"timeUsed"`
	PreviousRemainingTimeMs int64     `json:"previousRemainingTimeMs"`
	RemainingTimeMs         int64     `json:"remainingTimeMs"`
	TurnStartedAt           time.Time `json:"turnStartedAt"`
}

// TimerPausedPayload is the payload for a timer-paused event
type TimerPausedPayload struct {
	SessionID       uuid.UUID `json:"sessionId"`
	CurrentPlayerID uuid.UUID `json:"currentPlayerId"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
}

// TimerResumedPayload is the payload for a timer-resumed event
type TimerResumedPayload struct {
	SessionID       uuid.UUID `json:"sessionId"`
	CurrentPlayerID uuid.UUID `json:"currentPlayerId"`
	TurnStartedAt   time.Time `json:"turnStartedAt"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
}

// TimerEndedPayload is the payload for a timer-ended event
type TimerEndedPayload struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// PlayerTimeExpiredPayload is the payload for a player-time-expired event
type PlayerTimeExpiredPayload struct {
	SessionID uuid.UUID `json:"sessionId"`
	PlayerID  uuid.UUID `json:"playerId"`
}

// PlayerTimeUpdatedPayload is the payload for a player-time-updated event
type PlayerTimeUpdatedPayload struct {
	SessionID       uuid.UUID `json:"sessionId"`
	PlayerID        uuid.UUID `json:"playerId"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
}

// CommandAckPayload acknowledges a client command to its sender only.
type CommandAckPayload struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
}

// CommandErrorPayload reports a rejected client command to its sender only.
type CommandErrorPayload struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
