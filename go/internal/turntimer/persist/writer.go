package persist

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tabletop/go/internal/models"
	"github.com/mcdev12/tabletop/go/internal/turntimer"
	"github.com/rs/zerolog/log"
)

// Bridge defines what the writer needs from the durable layer
type Bridge interface {
	PassTurn(ctx context.Context, req turntimer.PassTurnRequest) (*turntimer.PassTurnResponse, error)
	WritePlayerRemaining(ctx context.Context, sessionID, playerID uuid.UUID, remainingTimeMs int64) error
	SetTurnAnchor(ctx context.Context, sessionID, playerID uuid.UUID, turnStartedAt *time.Time) error
	DisableTurnTimer(ctx context.Context, sessionID uuid.UUID) error
}

type Config struct {
	Workers    int           `yaml:"workers" env:"PERSIST_WORKERS"`
	QueueSize  int           `yaml:"queue_size" env:"PERSIST_QUEUE_SIZE"`
	MaxRetries int           `yaml:"max_retries" env:"PERSIST_MAX_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"PERSIST_RETRY_DELAY"`
	OpTimeout  time.Duration `yaml:"op_timeout" env:"PERSIST_OP_TIMEOUT"`
	// DrainTimeout bounds how long queued writes may still run after shutdown starts.
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"PERSIST_DRAIN_TIMEOUT"`
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    256,
		MaxRetries:   3,
		RetryDelay:   200 * time.Millisecond,
		OpTimeout:    5 * time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

type opKind int

const (
	opPass opKind = iota
	opRemaining
	opAnchor
	opDisable
	opFlush
)

func (k opKind) String() string {
	switch k {
	case opPass:
		return "pass"
	case opRemaining:
		return "remaining"
	case opAnchor:
		return "anchor"
	case opDisable:
		return "disable"
	case opFlush:
		return "flush"
	default:
		return "unknown"
	}
}

type op struct {
	kind       opKind
	sessionID  uuid.UUID
	playerID   uuid.UUID
	toPlayerID uuid.UUID
	valueMs    int64
	startedAt  *time.Time
	done       chan struct{}
}

// Stats counts what happened to enqueued writes.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Applied  int64 `json:"applied"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
}

// Writer applies durable writes behind the broadcast. Writes of one session always land on the
// same shard, so they apply in the order they were enqueued. Enqueue never blocks: when a
// shard is full the write is dropped and counted. A crash between broadcast and apply loses
// the write, and so does a drop. A lost remaining or anchor write lags until the next one of
// that session overwrites it. A lost pass is not recovered: the durable current player stays
// the outgoing one, every later durable pass of the session fails as a concurrency conflict,
// and the outgoing player's deduction never reaches the store.
type Writer struct {
	bridge Bridge
	clock  clockwork.Clock
	cfg    Config
	shards []chan op

	enqueued atomic.Int64
	applied  atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// NewWriter creates a writer. Call Run to start applying writes.
func NewWriter(bridge Bridge, clock clockwork.Clock, cfg Config) *Writer {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaults.DrainTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	shards := make([]chan op, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan op, cfg.QueueSize)
	}
	return &Writer{
		bridge: bridge,
		clock:  clock,
		cfg:    cfg,
		shards: shards,
	}
}

func (w *Writer) EnqueuePass(sessionID, fromPlayerID, toPlayerID uuid.UUID, timeUsedMs int64, turnStartedAt time.Time) {
	w.enqueue(op{kind: opPass, sessionID: sessionID, playerID: fromPlayerID, toPlayerID: toPlayerID, valueMs: timeUsedMs, startedAt: &turnStartedAt})
}

func (w *Writer) EnqueuePlayerRemaining(sessionID, playerID uuid.UUID, remainingMs int64) {
	w.enqueue(op{kind: opRemaining, sessionID: sessionID, playerID: playerID, valueMs: remainingMs})
}

func (w *Writer) EnqueueAnchor(sessionID, playerID uuid.UUID, turnStartedAt *time.Time) {
	w.enqueue(op{kind: opAnchor, sessionID: sessionID, playerID: playerID, startedAt: turnStartedAt})
}

func (w *Writer) EnqueueDisable(sessionID uuid.UUID) {
	w.enqueue(op{kind: opDisable, sessionID: sessionID})
}

// Flush waits until every write enqueued for the session before the call has been applied or
// given up on.
func (w *Writer) Flush(ctx context.Context, sessionID uuid.UUID) error {
	done := make(chan struct{})
	select {
	case w.shard(sessionID) <- op{kind: opFlush, sessionID: sessionID, done: done}:
	case <-ctx.Done():
		return fmt.Errorf("flush %s: %w", sessionID, ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush %s: %w", sessionID, ctx.Err())
	}
}

// Stats returns the current counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Enqueued: w.enqueued.Load(),
		Applied:  w.applied.Load(),
		Failed:   w.failed.Load(),
		Dropped:  w.dropped.Load(),
	}
}

// Run starts one worker per shard and blocks until ctx is cancelled and the queues are drained.
func (w *Writer) Run(ctx context.Context) error {
	log.Info().
		Int("workers", len(w.shards)).
		Int("queue_size", w.cfg.QueueSize).
		Msg("write-behind workers started")

	var wg sync.WaitGroup
	for i := range w.shards {
		wg.Add(1)
		go w.worker(ctx, &wg, i)
	}
	wg.Wait()

	log.Info().Interface("stats", w.Stats()).Msg("write-behind workers stopped")
	return nil
}

func (w *Writer) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	queue := w.shards[workerID]

	for {
		select {
		case <-ctx.Done():
			w.drain(queue, workerID)
			return
		case o := <-queue:
			w.apply(ctx, o, workerID)
		}
	}
}

// drain applies whatever is still queued with a bounded, detached context.
func (w *Writer) drain(queue chan op, workerID int) {
	drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	for {
		select {
		case o := <-queue:
			w.apply(drainCtx, o, workerID)
		default:
			log.Debug().Int("worker_id", workerID).Msg("write-behind queue drained")
			return
		}
	}
}

func (w *Writer) apply(ctx context.Context, o op, workerID int) {
	if o.kind == opFlush {
		close(o.done)
		return
	}

	if err := w.applyWithRetry(ctx, o); err != nil {
		w.failed.Add(1)
		log.Error().
			Err(err).
			Str("session_id", o.sessionID.String()).
			Str("player_id", o.playerID.String()).
			Str("op", o.kind.String()).
			Int("worker_id", workerID).
			Msg("durable write failed, durable state is behind the live timer")
		return
	}
	w.applied.Add(1)
}

// applyWithRetry retries transient failures with a linear backoff.
func (w *Writer) applyWithRetry(ctx context.Context, o op) error {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(w.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		err := w.applyOnce(opCtx, o)
		cancel()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Int("attempt", attempt+1).
					Str("session_id", o.sessionID.String()).
					Str("op", o.kind.String()).
					Msg("durable write succeeded after retry")
			}
			return nil
		}
		if attempt > 0 && o.kind == opPass && errors.Is(err, models.ErrConcurrencyConflict) {
			// An earlier attempt committed before its response was lost.
			log.Warn().
				Err(err).
				Str("session_id", o.sessionID.String()).
				Msg("durable pass already applied")
			return nil
		}
		if permanent(err) {
			return err
		}
		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Str("session_id", o.sessionID.String()).
			Str("op", o.kind.String()).
			Msg("durable write failed, retrying")
	}
	return fmt.Errorf("durable %s failed after %d attempts: %w", o.kind, w.cfg.MaxRetries+1, lastErr)
}

func (w *Writer) applyOnce(ctx context.Context, o op) error {
	switch o.kind {
	case opPass:
		_, err := w.bridge.PassTurn(ctx, turntimer.PassTurnRequest{
			SessionID:       o.sessionID,
			CurrentPlayerID: o.playerID,
			NextPlayerID:    o.toPlayerID,
			TimeUsedMs:      o.valueMs,
			TurnStartedAt:   o.startedAt,
		})
		return err
	case opRemaining:
		return w.bridge.WritePlayerRemaining(ctx, o.sessionID, o.playerID, o.valueMs)
	case opAnchor:
		return w.bridge.SetTurnAnchor(ctx, o.sessionID, o.playerID, o.startedAt)
	case opDisable:
		return w.bridge.DisableTurnTimer(ctx, o.sessionID)
	default:
		return fmt.Errorf("unknown durable op %d", o.kind)
	}
}

func (w *Writer) enqueue(o op) {
	select {
	case w.shard(o.sessionID) <- o:
		w.enqueued.Add(1)
	default:
		w.dropped.Add(1)
		log.Error().
			Str("session_id", o.sessionID.String()).
			Str("op", o.kind.String()).
			Msg("write-behind queue full, durable write dropped")
	}
}

func (w *Writer) shard(sessionID uuid.UUID) chan op {
	h := fnv.New32a()
	_, _ = h.Write(sessionID[:])
	return w.shards[h.Sum32()%uint32(len(w.shards))]
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrConcurrencyConflict)
}
