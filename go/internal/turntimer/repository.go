package turntimer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/sqlutil"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var outboxHeaders = json.RawMessage(`{"producer":"turntimer"}`)

// Repository implements durable turn timer storage on Postgres. Every command writes its
// outbox row in the same transaction as the change it describes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Postgres turn timer repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
	}
}

var _ TurnTimerRepository = (*Repository)(nil)

// InitializeTurnTimer enables the session timer and resets every participant's budget.
func (r *Repository) InitializeTurnTimer(ctx context.Context, sessionID uuid.UUID, defaultPlayerTimeMs int64, playerIDs []uuid.UUID, at time.Time) (*models.TurnTimer, error) {
	var timer *models.TurnTimer
	err := sqlutil.RunPgx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_turn_timers (
				session_id, turn_based_timer_enabled, current_turn_player_id,
				turn_started_at, default_player_time_ms, updated_at
			) VALUES ($1, TRUE, $2, NULL, $3, $4)
			ON CONFLICT (session_id) DO UPDATE SET
				turn_based_timer_enabled = TRUE,
				current_turn_player_id   = EXCLUDED.current_turn_player_id,
				turn_started_at          = NULL,
				default_player_time_ms   = EXCLUDED.default_player_time_ms,
				updated_at               = EXCLUDED.updated_at`,
			sessionID, playerIDs[0], defaultPlayerTimeMs, at,
		); err != nil {
			return fmt.Errorf("upsert session timer: %w", err)
		}

		ids := make([]string, len(playerIDs))
		for i, id := range playerIDs {
			ids[i] = id.String()
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM session_players WHERE session_id = $1 AND NOT (player_id = ANY($2::uuid[]))`,
			sessionID, ids,
		); err != nil {
			return fmt.Errorf("remove stale players: %w", err)
		}

		for seat, playerID := range playerIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO session_players (id, session_id, player_id, remaining_time_ms, seat)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (session_id, player_id) DO UPDATE SET
					remaining_time_ms = EXCLUDED.remaining_time_ms,
					seat              = EXCLUDED.seat`,
				uuid.New(), sessionID, playerID, defaultPlayerTimeMs, seat,
			); err != nil {
				return fmt.Errorf("upsert player %s: %w", playerID, err)
			}
		}

		if err := insertOutbox(ctx, tx, OutboxTimerInitialized, OutboxPayload{
			SessionID:       sessionID,
			PlayerID:        &playerIDs[0],
			RemainingTimeMs: &defaultPlayerTimeMs,
			OccurredAt:      at,
		}); err != nil {
			return err
		}

		var err error
		timer, err = loadTurnTimer(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return timer, nil
}

// GetTurnTimer loads the session timer and its players in seat order.
func (r *Repository) GetTurnTimer(ctx context.Context, sessionID uuid.UUID) (*models.TurnTimer, error) {
	return loadTurnTimer(ctx, r.pool, sessionID)
}

// GetPlayerByJunction loads one participant row by its id.
func (r *Repository) GetPlayerByJunction(ctx context.Context, junctionID uuid.UUID) (*models.PlayerTimeRecord, error) {
	var p models.PlayerTimeRecord
	err := r.pool.QueryRow(ctx, `
		SELECT id, session_id, player_id, player_name, remaining_time_ms, seat
		FROM session_players WHERE id = $1`, junctionID,
	).Scan(&p.JunctionID, &p.SessionID, &p.PlayerID, &p.PlayerName, &p.RemainingTimeMs, &p.Seat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: junction %s", models.ErrNotFound, junctionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get player by junction: %w", err)
	}
	return &p, nil
}

// UpdatePlayerTime overwrites a participant's budget by junction id.
func (r *Repository) UpdatePlayerTime(ctx context.Context, junctionID uuid.UUID, remainingTimeMs int64, at time.Time) error {
	return sqlutil.RunPgx(ctx, r.pool, func(tx pgx.Tx) error {
		var sessionID, playerID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE session_players SET remaining_time_ms = $2
			WHERE id = $1
			RETURNING session_id, player_id`, junctionID, remainingTimeMs,
		).Scan(&sessionID, &playerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: junction %s", models.ErrNotFound, junctionID)
		}
		if err != nil {
			return fmt.Errorf("update player time: %w", err)
		}
		return insertOutbox(ctx, tx, OutboxPlayerTimeUpdated, OutboxPayload{
			SessionID:       sessionID,
			PlayerID:        &playerID,
			RemainingTimeMs: &remainingTimeMs,
			OccurredAt:      at,
		})
	})
}

// SetPlayerRemaining overwrites a participant's budget by session and player.
func (r *Repository) SetPlayerRemaining(ctx context.Context, sessionID, playerID uuid.UUID, remainingTimeMs int64, at time.Time) error {
	return sqlutil.RunPgx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE session_players SET remaining_time_ms = $3
			WHERE session_id = $1 AND player_id = $2`, sessionID, playerID, remainingTimeMs)
		if err != nil {
			return fmt.Errorf("set player remaining: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: player %s in session %s", models.ErrNotFound, playerID, sessionID)
		}
		return insertOutbox(ctx, tx, OutboxPlayerTimeUpdated, OutboxPayload{
			SessionID:       sessionID,
			PlayerID:        &playerID,
			RemainingTimeMs: &remainingTimeMs,
			OccurredAt:      at,
		})
	})
}

// PassTurn deducts the used time from the outgoing player and anchors the next one. The
// session row is locked so the current-player check and the deduction apply atomically.
func (r *Repository) PassTurn(ctx context.Context, params PassTurnParams) (int64, error) {
	var remaining int64
	err := sqlutil.RunPgx(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			enabled bool
			current uuid.NullUUID
		)
		err := tx.QueryRow(ctx, `
			SELECT turn_based_timer_enabled, current_turn_player_id
			FROM session_turn_timers WHERE session_id = $1
			FOR UPDATE`, params.SessionID,
		).Scan(&enabled, &current)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !enabled) {
			return fmt.Errorf("%w: no enabled turn timer for session %s", models.ErrNotFound, params.SessionID)
		}
		if err != nil {
			return fmt.Errorf("lock session timer: %w", err)
		}
		if cur := sqlutil.FromNullUUID(current); cur == nil || *cur != params.FromPlayerID {
			return fmt.Errorf("%w: player %s is not the durable current player", models.ErrConcurrencyConflict, params.FromPlayerID)
		}

		var isParticipant bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM session_players WHERE session_id = $1 AND player_id = $2)`,
			params.SessionID, params.ToPlayerID,
		).Scan(&isParticipant); err != nil {
			return fmt.Errorf("check next player: %w", err)
		}
		if !isParticipant {
			return fmt.Errorf("%w: player %s is not a participant", models.ErrValidation, params.ToPlayerID)
		}

		if err := tx.QueryRow(ctx, `
			UPDATE session_players
			SET remaining_time_ms = GREATEST(0, remaining_time_ms - $3)
			WHERE session_id = $1 AND player_id = $2
			RETURNING remaining_time_ms`,
			params.SessionID, params.FromPlayerID, params.TimeUsedMs,
		).Scan(&remaining); err != nil {
			return fmt.Errorf("deduct time: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE session_turn_timers
			SET current_turn_player_id = $2, turn_started_at = $3, updated_at = now()
			WHERE session_id = $1`,
			params.SessionID, params.ToPlayerID, params.TurnStartedAt,
		); err != nil {
			return fmt.Errorf("anchor next player: %w", err)
		}

		return insertOutbox(ctx, tx, OutboxTurnPassed, OutboxPayload{
			SessionID:       params.SessionID,
			PlayerID:        &params.FromPlayerID,
			NextPlayerID:    &params.ToPlayerID,
			TimeUsedMs:      &params.TimeUsedMs,
			RemainingTimeMs: &remaining,
			TurnStartedAt:   &params.TurnStartedAt,
			OccurredAt:      params.TurnStartedAt,
		})
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// SetTurnAnchor records the current player and when their turn started. A nil turnStartedAt
// means the timer is paused.
func (r *Repository) SetTurnAnchor(ctx context.Context, sessionID, playerID uuid.UUID, turnStartedAt *time.Time, at time.Time) error {
	return sqlutil.RunPgx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE session_turn_timers
			SET current_turn_player_id = $2, turn_started_at = $3, updated_at = $4
			WHERE session_id = $1 AND turn_based_timer_enabled`,
			sessionID, playerID, turnStartedAt, at)
		if err != nil {
			return fmt.Errorf("set turn anchor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: no enabled turn timer for session %s", models.ErrNotFound, sessionID)
		}
		return insertOutbox(ctx, tx, OutboxAnchorSet, OutboxPayload{
			SessionID:     sessionID,
			PlayerID:      &playerID,
			TurnStartedAt: turnStartedAt,
			OccurredAt:    at,
		})
	})
}

// DisableTurnTimer turns the timer off and clears the current player and anchor. Disabling
// twice is fine.
func (r *Repository) DisableTurnTimer(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	return sqlutil.RunPgx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE session_turn_timers
			SET turn_based_timer_enabled = FALSE, current_turn_player_id = NULL,
			    turn_started_at = NULL, updated_at = $2
			WHERE session_id = $1`, sessionID, at)
		if err != nil {
			return fmt.Errorf("disable turn timer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: no turn timer for session %s", models.ErrNotFound, sessionID)
		}
		return insertOutbox(ctx, tx, OutboxTimerDisabled, OutboxPayload{
			SessionID:  sessionID,
			OccurredAt: at,
		})
	})
}

func loadTurnTimer(ctx context.Context, q querier, sessionID uuid.UUID) (*models.TurnTimer, error) {
	var (
		timer   models.TurnTimer
		current uuid.NullUUID
	)
	err := q.QueryRow(ctx, `
		SELECT session_id, turn_based_timer_enabled, current_turn_player_id,
		       turn_started_at, default_player_time_ms, updated_at
		FROM session_turn_timers WHERE session_id = $1`, sessionID,
	).Scan(&timer.SessionID, &timer.TurnBasedTimerEnabled, &current,
		&timer.TurnStartedAt, &timer.DefaultPlayerTimeMs, &timer.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no turn timer for session %s", models.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session timer: %w", err)
	}
	timer.CurrentTurnPlayerID = sqlutil.FromNullUUID(current)

	rows, err := q.Query(ctx, `
		SELECT id, session_id, player_id, player_name, remaining_time_ms, seat
		FROM session_players WHERE session_id = $1
		ORDER BY seat`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session players: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.PlayerTimeRecord
		if err := rows.Scan(&p.JunctionID, &p.SessionID, &p.PlayerID, &p.PlayerName, &p.RemainingTimeMs, &p.Seat); err != nil {
			return nil, fmt.Errorf("scan session player: %w", err)
		}
		timer.Players = append(timer.Players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session players: %w", err)
	}
	return &timer, nil
}

func insertOutbox(ctx context.Context, q querier, eventType string, payload OutboxPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s outbox payload: %w", eventType, err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO turn_timer_outbox (id, session_id, event_type, payload, headers)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), payload.SessionID, eventType, body, []byte(outboxHeaders),
	); err != nil {
		return fmt.Errorf("insert %s outbox event: %w", eventType, err)
	}
	return nil
}
