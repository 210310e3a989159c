package turntimer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/tabletop/go/internal/models"
)

// MemoryRepository keeps durable timer state in process. It backs tests and the STORE=memory
// development mode, and mirrors the Postgres repository's checks.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.TurnTimer
	outbox   []string
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[uuid.UUID]*models.TurnTimer),
	}
}

var _ TurnTimerRepository = (*MemoryRepository)(nil)

func (m *MemoryRepository) InitializeTurnTimer(_ context.Context, sessionID uuid.UUID, defaultPlayerTimeMs int64, playerIDs []uuid.UUID, at time.Time) (*models.TurnTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.sessions[sessionID]
	first := playerIDs[0]
	timer := &models.TurnTimer{
		SessionID:             sessionID,
		TurnBasedTimerEnabled: true,
		CurrentTurnPlayerID:   &first,
		DefaultPlayerTimeMs:   defaultPlayerTimeMs,
		UpdatedAt:             at,
	}
	for seat, playerID := range playerIDs {
		record := models.PlayerTimeRecord{
			JunctionID:      uuid.New(),
			SessionID:       sessionID,
			PlayerID:        playerID,
			RemainingTimeMs: defaultPlayerTimeMs,
			Seat:            seat,
		}
		if existing != nil {
			if prev := existing.Player(playerID); prev != nil {
				record.JunctionID = prev.JunctionID
				record.PlayerName = prev.PlayerName
			}
		}
		timer.Players = append(timer.Players, record)
	}
	m.sessions[sessionID] = timer
	m.outbox = append(m.outbox, OutboxTimerInitialized)
	return cloneTimer(timer), nil
}

func (m *MemoryRepository) GetTurnTimer(_ context.Context, sessionID uuid.UUID) (*models.TurnTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: no turn timer for session %s", models.ErrNotFound, sessionID)
	}
	return cloneTimer(timer), nil
}

func (m *MemoryRepository) GetPlayerByJunction(_ context.Context, junctionID uuid.UUID) (*models.PlayerTimeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.findJunction(junctionID)
	if record == nil {
		return nil, fmt.Errorf("%w: junction %s", models.ErrNotFound, junctionID)
	}
	out := *record
	return &out, nil
}

func (m *MemoryRepository) UpdatePlayerTime(_ context.Context, junctionID uuid.UUID, remainingTimeMs int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.findJunction(junctionID)
	if record == nil {
		return fmt.Errorf("%w: junction %s", models.ErrNotFound, junctionID)
	}
	record.RemainingTimeMs = remainingTimeMs
	m.outbox = append(m.outbox, OutboxPlayerTimeUpdated)
	return nil
}

func (m *MemoryRepository) SetPlayerRemaining(_ context.Context, sessionID, playerID uuid.UUID, remainingTimeMs int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: no turn timer for session %s", models.ErrNotFound, sessionID)
	}
	record := timer.Player(playerID)
	if record == nil {
		return fmt.Errorf("%w: player %s in session %s", models.ErrNotFound, playerID, sessionID)
	}
	record.RemainingTimeMs = remainingTimeMs
	m.outbox = append(m.outbox, OutboxPlayerTimeUpdated)
	return nil
}

func (m *MemoryRepository) PassTurn(_ context.Context, params PassTurnParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.sessions[params.SessionID]
	if !ok || !timer.TurnBasedTimerEnabled {
		return 0, fmt.Errorf("%w: no enabled turn timer for session %s", models.ErrNotFound, params.SessionID)
	}
	if timer.CurrentTurnPlayerID == nil || *timer.CurrentTurnPlayerID != params.FromPlayerID {
		return 0, fmt.Errorf("%w: player %s is not the durable current player", models.ErrConcurrencyConflict, params.FromPlayerID)
	}
	if timer.Player(params.ToPlayerID) == nil {
		return 0, fmt.Errorf("%w: player %s is not a participant", models.ErrValidation, params.ToPlayerID)
	}

	from := timer.Player(params.FromPlayerID)
	from.RemainingTimeMs -= params.TimeUsedMs
	if from.RemainingTimeMs < 0 {
		from.RemainingTimeMs = 0
	}
	to := params.ToPlayerID
	startedAt := params.TurnStartedAt
	timer.CurrentTurnPlayerID = &to
	timer.TurnStartedAt = &startedAt
	timer.UpdatedAt = startedAt
	m.outbox = append(m.outbox, OutboxTurnPassed)
	return from.RemainingTimeMs, nil
}

func (m *MemoryRepository) SetTurnAnchor(_ context.Context, sessionID, playerID uuid.UUID, turnStartedAt *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.sessions[sessionID]
	if !ok || !timer.TurnBasedTimerEnabled {
		return fmt.Errorf("%w: no enabled turn timer for session %s", models.ErrNotFound, sessionID)
	}
	current := playerID
	timer.CurrentTurnPlayerID = &current
	timer.TurnStartedAt = nil
	if turnStartedAt != nil {
		startedAt := *turnStartedAt
		timer.TurnStartedAt = &startedAt
	}
	timer.UpdatedAt = at
	m.outbox = append(m.outbox, OutboxAnchorSet)
	return nil
}

func (m *MemoryRepository) DisableTurnTimer(_ context.Context, sessionID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: no turn timer for session %s", models.ErrNotFound, sessionID)
	}
	timer.TurnBasedTimerEnabled = false
	timer.CurrentTurnPlayerID = nil
	timer.TurnStartedAt = nil
	timer.UpdatedAt = at
	m.outbox = append(m.outbox, OutboxTimerDisabled)
	return nil
}

// SetPlayerName stands in for the session CRUD that owns participant names.
func (m *MemoryRepository) SetPlayerName(sessionID, playerID uuid.UUID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.sessions[sessionID]; ok {
		if record := timer.Player(playerID); record != nil {
			record.PlayerName = name
		}
	}
}

// OutboxEvents returns the event types recorded so far, oldest first.
func (m *MemoryRepository) OutboxEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outbox...)
}

func (m *MemoryRepository) findJunction(junctionID uuid.UUID) *models.PlayerTimeRecord {
	for _, timer := range m.sessions {
		for i := range timer.Players {
			if timer.Players[i].JunctionID == junctionID {
				return &timer.Players[i]
			}
		}
	}
	return nil
}

func cloneTimer(t *models.TurnTimer) *models.TurnTimer {
	out := *t
	if t.CurrentTurnPlayerID != nil {
		current := *t.CurrentTurnPlayerID
		out.CurrentTurnPlayerID = &current
	}
	if t.TurnStartedAt != nil {
		startedAt := *t.TurnStartedAt
		out.TurnStartedAt = &startedAt
	}
	out.Players = append([]models.PlayerTimeRecord(nil), t.Players...)
	return &out
}
