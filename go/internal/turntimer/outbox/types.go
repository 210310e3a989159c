package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Event is one row of turn_timer_outbox.
type Event struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	EventType string
	Payload   json.RawMessage
	Headers   pqtype.NullRawMessage
	CreatedAt time.Time
	Attempts  int
}

// Publisher delivers an outbox event to the message bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Store hands out unsent events. For every claimed event fn is called once: a nil result marks
// the event sent, an error is recorded on the row and the event stays unsent. Both claim
// methods report how many events were marked sent.
type Store interface {
	ClaimByID(ctx context.Context, id uuid.UUID, fn func(Event) error) (bool, error)
	ClaimUnsent(ctx context.Context, limit int, fn func(Event) error) (int, error)
	Pending(ctx context.Context) (int, error)
}
