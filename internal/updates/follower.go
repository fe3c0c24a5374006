package updates

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"wxhelper/internal/domain"
	"wxhelper/internal/metrics"
)

// Handler processes one update. Returning an error retries the same update after a
// backoff; wrap the error with Skip to give up on that update and move on.
type Handler func(ctx context.Context, u domain.Update) error

type skipError struct{ err error }

func (e *skipError) Error() string { return e.err.Error() }
func (e *skipError) Unwrap() error { return e.err }

// Skip marks err as permanent for the current update.
func Skip(err error) error {
	if err == nil {
		return nil
	}
	return &skipError{err: err}
}

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	// Name is the retention consumer id.
	Name string
	Log  *Log
	// Start is the first update id to handle; 0 means the oldest retained one.
	Start int64
	// BatchSize bounds a single read from the log.
	BatchSize int
	// Allowed filters which updates reach Handle; the cursor still moves past the rest.
	Allowed []string
	Handle  Handler

	// OnAdvance is called after the cursor moves, e.g. to persist it.
	OnAdvance func(ctx context.Context, cursor int64)
	// OnError is called for every failed attempt before the backoff wait.
	OnError func(u domain.Update, err error, attempt int, wait time.Duration)

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// Follower is a sequential consumer of the log. It advances its cursor only after
// Handle succeeds (or skips), so an update is never lost to a failing handler.
type Follower struct {
	cfg    FollowerConfig
	cursor atomic.Int64
}

// NewFollower fills in defaults; it does not start anything.
func NewFollower(cfg FollowerConfig) *Follower {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Follower{cfg: cfg}
	f.cursor.Store(cfg.Start)
	return f
}

// Name is the consumer id.
func (f *Follower) Name() string { return f.cfg.Name }

// Cursor is the next update id the follower expects.
func (f *Follower) Cursor() int64 { return f.cursor.Load() }

// Run consumes until ctx is cancelled and then returns ctx.Err().
func (f *Follower) Run(ctx context.Context) error {
	log := f.cfg.Log
	cursor := f.cfg.Start
	if cursor <= 0 {
		cursor = log.MinRetainedID()
	}
	f.cursor.Store(cursor)
	log.AdvanceRetention(f.cfg.Name, cursor)

	for {
		batch, changed := log.Snapshot(cursor, f.cfg.BatchSize, nil)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}

		if first := batch[0].UpdateID; first > cursor {
			f.cfg.Logger.Warn("updates evicted before delivery",
				"consumer", f.cfg.Name, "from", cursor, "to", first-1)
		}

		for _, u := range batch {
			if u.Matches(f.cfg.Allowed) {
				if err := f.deliver(ctx, u); err != nil {
					return err
				}
			}
			cursor = u.UpdateID + 1
			f.cursor.Store(cursor)
			log.AdvanceRetention(f.cfg.Name, cursor)
			if f.cfg.OnAdvance != nil {
				f.cfg.OnAdvance(ctx, cursor)
			}
		}
	}
}

// deliver retries Handle with capped exponential backoff until it succeeds, is
// skipped, or ctx ends.
func (f *Follower) deliver(ctx context.Context, u domain.Update) error {
	for attempt := 1; ; attempt++ {
		err := f.cfg.Handle(ctx, u)
		if err == nil {
			metrics.DeliveryAttempts.WithLabelValues(f.cfg.Name, "ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var skip *skipError
		if errors.As(err, &skip) {
			metrics.DeliveryAttempts.WithLabelValues(f.cfg.Name, "skipped").Inc()
			f.cfg.Logger.Warn("update skipped", "consumer", f.cfg.Name, "update_id", u.UpdateID, "err", skip.err)
			return nil
		}
		metrics.DeliveryAttempts.WithLabelValues(f.cfg.Name, "error").Inc()

		wait := Backoff(attempt, f.cfg.InitialBackoff, f.cfg.MaxBackoff)
		if f.cfg.OnError != nil {
			f.cfg.OnError(u, err, attempt, wait)
		}
		f.cfg.Logger.Warn("delivery failed, will retry",
			"consumer", f.cfg.Name, "update_id", u.UpdateID, "attempt", attempt, "backoff", wait, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Backoff returns base*2^(attempt-1) capped at max, plus up to 25% jitter (still
// capped at max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if jitter := int64(d / 4); jitter > 0 {
		d += time.Duration(rand.Int63n(jitter + 1))
	}
	if d > max {
		d = max
	}
	return d
}
