package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer/coordinator"
	"github.com/mcdev12/tabletop/go/internal/turntimer/events"
	"github.com/mcdev12/tabletop/go/internal/turntimer/persist"
	"github.com/rs/zerolog/log"
)

// StatsSource reports write-behind counters for the stats endpoint.
type StatsSource interface {
	Stats() persist.Stats
}

// WebSocketHandler handles WebSocket upgrade requests and the gateway's read endpoints
type WebSocketHandler struct {
	ctx               context.Context
	connectionManager *ConnectionManager
	coordinator       coordinator.TimerCoordinator
	persistStats      StatsSource
	commandTimeout    time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler. Commands run with a context derived from
// ctx, so cancelling it aborts in-flight commands on shutdown.
func NewWebSocketHandler(ctx context.Context, cm *ConnectionManager, coord coordinator.TimerCoordinator, persistStats StatsSource, commandTimeout time.Duration) *WebSocketHandler {
	if commandTimeout <= 0 {
		commandTimeout = DefaultConfig().CommandTimeout
	}
	return &WebSocketHandler{
		ctx:               ctx,
		connectionManager: cm,
		coordinator:       coord,
		persistStats:      persistStats,
		commandTimeout:    commandTimeout,
	}
}

// HandleSessionConnection upgrades the request. With a session_id query parameter the new
// connection joins that session right away.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	var sessionID uuid.UUID
	if raw := r.URL.Query().Get("session_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid session_id format", http.StatusBadRequest)
			return
		}
		sessionID = parsed
	}

	// Trusted as-is; authentication happens upstream.
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	conn, err := h.connectionManager.UpgradeConnection(w, r, userID, h)
	if err != nil {
		// The upgrader has already replied to the client.
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("user_id", userID).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	if sessionID != uuid.Nil {
		msg := events.ClientMessage{Type: events.CommandJoinSession}
		ctx, cancel := context.WithTimeout(h.ctx, h.commandTimeout)
		defer cancel()
		if err := h.coordinator.Join(ctx, sessionID, conn); err != nil {
			h.replyError(conn, msg, err)
		}
	}
}

type statsResponse struct {
	Connections ConnectionStats `json:"connections"`
	LiveTimers  int             `json:"live_timers"`
	Persist     *persist.Stats  `json:"persist,omitempty"`
}

// HandleConnectionStats returns statistics about active connections and durable writes
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Connections: h.connectionManager.Stats()}
	if live, ok := h.coordinator.(interface{ ActiveSessions() []uuid.UUID }); ok {
		resp.LiveTimers = len(live.ActiveSessions())
	}
	if h.persistStats != nil {
		stats := h.persistStats.Stats()
		resp.Persist = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTimerState serves the durable state with the live anchor applied
func (h *WebSocketHandler) HandleTimerState(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session id"})
		return
	}

	view, err := h.coordinator.ReadState(r.Context(), sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, models.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, models.ErrValidation):
			status = http.StatusBadRequest
		default:
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to read timer state")
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RegisterRoutes registers WebSocket and read routes on a chi router
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions", h.HandleSessionConnection)
	r.Get("/ws/stats", h.HandleConnectionStats)
	r.Get("/api/sessions/{sessionID}/timer", h.HandleTimerState)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
