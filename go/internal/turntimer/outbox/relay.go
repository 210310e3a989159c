package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Config controls the relay. Notifications carry the new row's id; the fallback poll picks up
// anything a notification missed, e.g. while the listener was reconnecting.
type Config struct {
	DatabaseURL      string
	NotifyChannel    string        `env:"OUTBOX_NOTIFY_CHANNEL" envDefault:"turn_timer_outbox_events"`
	FallbackInterval time.Duration `env:"OUTBOX_FALLBACK_INTERVAL" envDefault:"30s"`
	MaxRetries       int           `env:"OUTBOX_MAX_RETRIES" envDefault:"5"`
	RetryDelay       time.Duration `env:"OUTBOX_RETRY_DELAY" envDefault:"200ms"`
	PingInterval     time.Duration `env:"OUTBOX_PING_INTERVAL" envDefault:"90s"`
	BatchSize        int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
}

func DefaultConfig() Config {
	return Config{
		NotifyChannel:    "turn_timer_outbox_events",
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

// Notifier is the LISTEN side of Postgres. *pq.Listener satisfies it.
type Notifier interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// NewListener opens a pq.Listener on cfg.NotifyChannel.
func NewListener(cfg Config) (*pq.Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("outbox listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}
	log.Info().Str("channel", cfg.NotifyChannel).Msg("listening for outbox notifications")
	return l, nil
}

// Stats counts relay outcomes since start.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Relay moves committed outbox rows onto the message bus.
type Relay struct {
	store     Store
	notifier  Notifier
	publisher Publisher
	clock     clockwork.Clock
	cfg       Config

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewRelay(store Store, notifier Notifier, publisher Publisher, clock clockwork.Clock, cfg Config) *Relay {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	defaults := DefaultConfig()
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = defaults.FallbackInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Relay{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
	}
}

func (r *Relay) Stats() Stats {
	return Stats{Published: r.published.Load(), Failed: r.failed.Load()}
}

// Run drains the backlog once, then relays notifications until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	log.Info().
		Dur("ping_interval", r.cfg.PingInterval).
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Msg("outbox relay started")

	if err := r.processUnsent(ctx); err != nil {
		log.Error().Err(err).Msg("failed to process unsent events")
	}

	pingTicker := r.clock.NewTicker(r.cfg.PingInterval)
	fallbackTicker := r.clock.NewTicker(r.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Uint64("published", r.published.Load()).
				Uint64("failed", r.failed.Load()).
				Msg("outbox relay shutting down")
			return r.notifier.Close()
		case note := <-r.notifier.NotificationChannel():
			if note == nil {
				// The listener reconnected; anything sent meanwhile was missed.
				if err := r.processUnsent(ctx); err != nil {
					log.Error().Err(err).Msg("failed to process unsent events")
				}
				continue
			}
			if err := r.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.Chan():
			if err := r.processUnsent(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process unsent events")
			}
		case <-pingTicker.Chan():
			if err := r.notifier.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// handleNotification publishes the row named by a notification. A row that is already sent,
// or locked by another relay, is skipped.
func (r *Relay) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}
	published, err := r.store.ClaimByID(ctx, id, func(ev Event) error {
		return r.publishWithRetry(ctx, ev)
	})
	if err != nil {
		return err
	}
	if published {
		log.Debug().Str("event_id", id.String()).Msg("published and marked event as sent")
	}
	return nil
}

// processUnsent publishes unsent rows in creation order, one batch at a time, until a batch
// comes back short.
func (r *Relay) processUnsent(ctx context.Context) error {
	for {
		attempted := 0
		published, err := r.store.ClaimUnsent(ctx, r.cfg.BatchSize, func(ev Event) error {
			attempted++
			return r.publishWithRetry(ctx, ev)
		})
		if err != nil {
			return err
		}
		if published > 0 {
			log.Info().Int("published", published).Int("attempted", attempted).Msg("relayed unsent outbox events")
		}
		if attempted < r.cfg.BatchSize || published == 0 || ctx.Err() != nil {
			break
		}
	}

	pending, err := r.store.Pending(ctx)
	if err != nil {
		return err
	}
	if pending > 0 {
		log.Warn().Int("pending", pending).Msg("outbox events still unsent")
	}
	return nil
}

// publishWithRetry publishes with a linearly growing delay between attempts.
func (r *Relay) publishWithRetry(ctx context.Context, event Event) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(delay):
			}
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		r.published.Add(1)
		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	r.failed.Add(1)
	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}
