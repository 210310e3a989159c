package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
	"github.com/rs/zerolog/log"
)

var errBadRequest = errors.New("bad request")

// handleClientMessage runs one client command and answers the sender only: command-ack on
// success, command-error otherwise. Errors never reach the rest of the room.
func (h *WebSocketHandler) handleClientMessage(c *Connection, message []byte) {
	var msg events.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		h.replyError(c, msg, fmt.Errorf("%w: malformed message: %v", errBadRequest, err))
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.commandTimeout)
	defer cancel()

	if err := h.dispatch(ctx, c, msg); err != nil {
		h.replyError(c, msg, err)
		return
	}
	h.reply(c, uuid.Nil, events.TypeCommandAck, events.CommandAckPayload{
		RequestID: msg.RequestID,
		Command:   msg.Type,
	})
}

func (h *WebSocketHandler) dispatch(ctx context.Context, c *Connection, msg events.ClientMessage) error {
	switch msg.Type {
	case events.CommandJoinSession:
		var req events.SessionRequest
		if err := decode(msg.Data, &req, &req.SessionID); err != nil {
			return err
		}
		return h.coordinator.Join(ctx, req.SessionID, c)

	case events.CommandLeaveSession:
		var req events.SessionRequest
		if err := decode(msg.Data, &req, &req.SessionID); err != nil {
			return err
		}
		h.coordinator.Leave(req.SessionID, c)
		return nil

	case events.CommandStartTimer:
		var req events.StartTimerRequest
		if err := decode(msg.Data, &req, &req.SessionID); err != nil {
			return err
		}
		_, err := h.coordinator.Start(ctx, req.SessionID, req.PlayerID)
		return err

	case events.CommandPassTurn:
		var req events.PassTurnRequest
		if err := decode(msg.Data, &req, &req.SessionID); err != nil {
			return err
		}
		_, err := h.coordinator.PassTurn(ctx, turntimer.PassTurnRequest{
			SessionID:       req.SessionID,
			CurrentPlayerID: req.CurrentPlayerID,
			NextPlayerID:    req.NextPlayerID,
			TimeUsedMs:      req.TimeUsed,
		})
		return err

	case events.CommandPauseTimer:
		var req events.SessionRequest
		if err := decode(msg.Data, &req, &req.SessionID); err != nil {
			return err
		}
		_, err := h.coordinator.Pause(ctx, req.SessionID)
		return err

	case events.CommandResumeTimer:
		var req events.ResumeTimerRequest
		if err := decode(msg.Data, &req, &req.SessionID); err != nil {
			return err
		}
		_, err := h.coordinator.Resume(ctx, req.SessionID, req.RemainingTimeMs)
		return err

	case events.CommandEndTimer:
		var req events.SessionRequest
		if err := decode(msg.Data, &req, &req.SessionID); err != nil {
			return err
		}
		return h.coordinator.End(ctx, req.SessionID)

	case events.CommandTimeExpired:
		var req events.TimeExpiredRequest
		if err := decode(msg.Data, &req, &req.SessionID); err != nil {
			return err
		}
		_, err := h.coordinator.ReportExpired(ctx, req.SessionID, req.PlayerID)
		return err

	default:
		return fmt.Errorf("%w: unknown command %q", errBadRequest, msg.Type)
	}
}

// decode unmarshals a command payload and requires its session id.
func decode(data json.RawMessage, v interface{}, sessionID *uuid.UUID) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: invalid data: %v", errBadRequest, err)
	}
	if *sessionID == uuid.Nil {
		return fmt.Errorf("%w: sessionId is required", models.ErrValidation)
	}
	return nil
}

func (h *WebSocketHandler) replyError(c *Connection, msg events.ClientMessage, err error) {
	code := events.ErrorCode(err)
	if errors.Is(err, errBadRequest) {
		code = events.CodeBadRequest
	}

	logEvent := log.Debug()
	if code == events.CodeInternal {
		logEvent = log.Error()
	}
	logEvent.
		Err(err).
		Str("connection_id", c.id).
		Str("command", msg.Type).
		Str("request_id", msg.RequestID).
		Msg("client command rejected")

	h.reply(c, uuid.Nil, events.TypeCommandError, events.CommandErrorPayload{
		RequestID: msg.RequestID,
		Command:   msg.Type,
		Code:      code,
		Message:   err.Error(),
	})
}

// reply sends a frame to one connection. Replies carry seq 0; they are not room events.
func (h *WebSocketHandler) reply(c *Connection, sessionID uuid.UUID, typ events.Type, payload interface{}) {
	env, err := events.NewEnvelope(events.Event{
		SessionID: sessionID,
		Type:      typ,
		At:        time.Now(),
		Payload:   payload,
	})
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to build reply")
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to marshal reply")
		return
	}
	if !c.Deliver(frame) {
		h.connectionManager.dropSlow(c)
	}
}
