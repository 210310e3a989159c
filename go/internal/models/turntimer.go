package models

import (
	"time"

	"github.com/google/uuid"
)

// MinDefaultPlayerTimeMs is the smallest per-player budget the durable store accepts.
const MinDefaultPlayerTimeMs int64 = 60_000

// MinTimerPlayers is the smallest number of participants a turn timer can run with.
const MinTimerPlayers = 2

// SessionTimerState is the authoritative timer record of one active session.
type SessionTimerState struct {
	SessionID       uuid.UUID  `json:"sessionId"`
	CurrentPlayerID *uuid.UUID `json:"currentPlayerId"`
	TurnStartedAt   *time.Time `json:"turnStartedAt"`
	RemainingTimeMs int64      `json:"remainingTimeMs"`
	IsActive        bool       `json:"isActive"`
}

// PlayerTimeRecord is one participant's durable time budget.
type PlayerTimeRecord struct {
	JunctionID      uuid.UUID `json:"junctionId"`
	SessionID       uuid.UUID `json:"sessionId"`
	PlayerID        uuid.UUID `json:"playerId"`
	PlayerName      string    `json:"playerName"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
	Seat            int       `json:"seat"`
}

// TurnTimer is the durable turn-timer configuration of a session plus its player budgets.
type TurnTimer struct {
	SessionID             uuid.UUID          `json:"sessionId"`
	TurnBasedTimerEnabled bool               `json:"turnBasedTimerEnabled"`
	CurrentTurnPlayerID   *uuid.UUID         `json:"currentTurnPlayerId"`
	TurnStartedAt         *time.Time         `json:"turnStartedAt"`
	DefaultPlayerTimeMs   int64              `json:"defaultPlayerTimeMs"`
	Players               []PlayerTimeRecord `json:"players"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}

// Player returns the record for playerID, or nil.
func (t *TurnTimer) Player(playerID uuid.UUID) *PlayerTimeRecord {
	for i := range t.Players {
		if t.Players[i].PlayerID == playerID {
			return &t.Players[i]
		}
	}
	return nil
}

// PlayerIDs returns the participants in seat order.
func (t *TurnTimer) PlayerIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(t.Players))
	for i, p := range t.Players {
		ids[i] = p.PlayerID
	}
	return ids
}
