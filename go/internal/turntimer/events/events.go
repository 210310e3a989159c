package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/tabletop/go/internal/models"
)

// Type is the name of a server-to-client event.
type Type string

const (
	TypeTimerSnapshot     Type = "timer-snapshot"
	TypeTimerInitialized  Type = "timer-initialized"
	TypeTimerStarted      Type = "timer-started"
	TypeTurnChanged       Type = "turn-changed"
	TypeTimerPaused       Type = "timer-paused"
	TypeTimerResumed      Type = "timer-resumed"
	TypeTimerEnded        Type = "timer-ended"
	TypePlayerTimeExpired Type = "player-time-expired"
	TypePlayerTimeUpdated Type = "player-time-updated"
	TypeCommandAck        Type = "command-ack"
	TypeCommandError      Type = "command-error"
)

// Client-to-server command names.
const (
	CommandJoinSession  = "join-session"
	CommandLeaveSession = "leave-session"
	CommandStartTimer   = "start-timer"
	CommandPassTurn     = "pass-turn"
	CommandPauseTimer   = "pause-timer"
	CommandResumeTimer  = "resume-timer"
	CommandEndTimer     = "end-timer"
	CommandTimeExpired  = "time-expired"
)

// Error codes carried by command-error.
const (
	CodeNotFound            = "not_found"
	CodeValidation          = "validation_error"
	CodeConcurrencyConflict = "concurrency_conflict"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal"
)

// Event is a registry mutation ready to be fanned out to a room.
// Seq is assigned by the registry and is strictly increasing per session.
type Event struct {
	SessionID uuid.UUID
	Type      Type
	Seq       uint64
	At        time.Time
	Payload   interface{}
}

// Envelope is the JSON frame written to websocket connections.
type Envelope struct {
	ID        string          `json:"id"`
	SessionID uuid.UUID       `json:"sessionId"`
	Type      Type            `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope marshals an event into its wire frame.
func NewEnvelope(ev Event) (*Envelope, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		SessionID: ev.SessionID,
		Type:      ev.Type,
		Seq:       ev.Seq,
		Timestamp: ev.At.UTC(),
		Data:      data,
	}, nil
}

// ClientMessage is a command frame sent by a client.
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// SessionRequest is the payload of join-session, leave-session, pause-timer and end-timer.
type SessionRequest struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// StartTimerRequest is the payload of start-timer.
type StartTimerRequest struct {
	SessionID       uuid.UUID `json:"sessionId"`
	PlayerID        uuid.UUID `json:"playerId"`
	RemainingTimeMs *int64    `json:"remainingTimeMs,omitempty"`
}

// PassTurnRequest is the payload of pass-turn. TimeUsed and RemainingTimeMs are the
// sender's local estimate; the registry recomputes both.
type PassTurnRequest struct {
	SessionID       uuid.UUID `json:"sessionId"`
	CurrentPlayerID uuid.UUID `json:"currentPlayerId"`
	NextPlayerID    uuid.UUID `json:"nextPlayerId"`
	TimeUsed        int64     `json:"timeUsed"`
	RemainingTimeMs int64     `json:"remainingTimeMs"`
}

// ResumeTimerRequest is the payload of resume-timer.
type ResumeTimerRequest struct {
	SessionID       uuid.UUID `json:"sessionId"`
	RemainingTimeMs *int64    `json:"remainingTimeMs,omitempty"`
}

// TimeExpiredRequest is the payload of time-expired.
type TimeExpiredRequest struct {
	SessionID uuid.UUID `json:"sessionId"`
	PlayerID  uuid.UUID `json:"playerId"`
}

// ErrorCode maps an error onto the command-error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrValidation):
		return CodeValidation
	case errors.Is(err, models.ErrConcurrencyConflict):
		return CodeConcurrencyConflict
	default:
		return CodeInternal
	}
}

// ParsePayload decodes an envelope's data into the payload struct for its type.
func ParsePayload(env *Envelope) (interface{}, error) {
	var target interface{}
	switch env.Type {
	case TypeTimerSnapshot:
		target = &TimerSnapshotPayload{}
	case TypeTimerInitialized:
		target = &TimerInitializedPayload{}
	case TypeTimerStarted:
		target = &TimerStartedPayload{}
	case TypeTurnChanged:
		target = &TurnChangedPayload{}
	case TypeTimerPaused:
		target = &TimerPausedPayload{}
	case TypeTimerResumed:
		target = &TimerResumedPayload{}
	case TypeTimerEnded:
		target = &TimerEndedPayload{}
	case TypePlayerTimeExpired:
		target = &PlayerTimeExpiredPayload{}
	case TypePlayerTimeUpdated:
		target = &PlayerTimeUpdatedPayload{}
	case TypeCommandAck:
		target = &CommandAckPayload{}
	case TypeCommandError:
		target = &CommandErrorPayload{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", env.Type)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return target, nil
}
