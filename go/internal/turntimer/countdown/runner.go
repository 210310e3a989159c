package countdown

import (
	"context"
	"time"
)

// DefaultTickInterval is how often a running countdown redraws.
const DefaultTickInterval = 100 * time.Millisecond

// Run ticks the machine every interval until ctx is cancelled, handing each result to fn.
// This is the client's only suspension point; cancelling ctx (leaving the session) stops it.
func (m *Machine) Run(ctx context.Context, interval time.Duration, fn func(TickResult)) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fn(m.Tick())
		}
	}
}
