package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/tabletop/go/internal/sqlutil"
)

const selectEvents = `
	SELECT id, session_id, event_type, payload, headers, created_at, attempts
	FROM turn_timer_outbox`

// Repository reads turn_timer_outbox over database/sql. Claimed rows are locked with
// FOR UPDATE SKIP LOCKED, so several relays can drain the same table.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func (r *Repository) ClaimByID(ctx context.Context, id uuid.UUID, fn func(Event) error) (bool, error) {
	n, err := r.claim(ctx, selectEvents+`
		WHERE id = $1 AND sent_at IS NULL
		FOR UPDATE SKIP LOCKED`, []any{id}, fn)
	if err != nil {
		return false, fmt.Errorf("claim outbox event %s: %w", id, err)
	}
	return n > 0, nil
}

func (r *Repository) ClaimUnsent(ctx context.Context, limit int, fn func(Event) error) (int, error) {
	n, err := r.claim(ctx, selectEvents+`
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, []any{limit}, fn)
	if err != nil {
		return n, fmt.Errorf("claim unsent outbox events: %w", err)
	}
	return n, nil
}

func (r *Repository) Pending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turn_timer_outbox WHERE sent_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox events: %w", err)
	}
	return count, nil
}

func (r *Repository) claim(ctx context.Context, query string, args []any, fn func(Event) error) (int, error) {
	claimed := 0
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		events, err := scanEvents(ctx, tx, query, args...)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if pubErr := fn(ev); pubErr != nil {
				if _, err := tx.ExecContext(ctx, `
					UPDATE turn_timer_outbox
					SET attempts = attempts + 1, last_error = $2
					WHERE id = $1`, ev.ID, pubErr.Error()); err != nil {
					return fmt.Errorf("record outbox failure: %w", err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE turn_timer_outbox
				SET sent_at = now(), attempts = attempts + 1, last_error = NULL
				WHERE id = $1`, ev.ID); err != nil {
				return fmt.Errorf("mark outbox event sent: %w", err)
			}
			claimed++
		}
		return nil
	})
	return claimed, err
}

// scanEvents reads every row before returning; lib/pq cannot run a statement on a
// transaction while a result set is open.
func scanEvents(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]Event, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.EventType, &ev.Payload, &ev.Headers, &ev.CreatedAt, &ev.Attempts); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
