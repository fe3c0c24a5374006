package store

import (
	"context"
	"log/slog"
	"time"

	"wxhelper/internal/bus"
	"wxhelper/internal/delivery"
	"wxhelper/internal/domain"
	"wxhelper/internal/updates"
)

const (
	archiverConsumer  = "archiver"
	keyArchiverCursor = "cursor.archiver"
)

// Archiver copies every update in the log into the message store. It is a
// durable retention consumer, so history survives log eviction.
type Archiver struct {
	log    *updates.Log
	store  *SQLiteStore
	events *bus.EventBus
	logger *slog.Logger
}

// NewArchiver creates an archiver; Run starts it.
func NewArchiver(log *updates.Log, store *SQLiteStore, events *bus.EventBus, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{log: log, store: store, events: events, logger: logger}
}

// Run follows the log until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	start, err := delivery.LoadCursor(ctx, a.store, keyArchiverCursor)
	if err != nil {
		a.logger.Warn("archiver cursor unreadable, starting from oldest", "err", err)
	}
	f := updates.NewFollower(updates.FollowerConfig{
		Name:  archiverConsumer,
		Log:   a.log,
		Start: start,
		Handle: func(ctx context.Context, u domain.Update) error {
			return a.store.AppendMessage(ctx, u)
		},
		OnAdvance: func(ctx context.Context, cursor int64) {
			if err := delivery.SaveCursor(ctx, a.store, keyArchiverCursor, cursor); err != nil {
				a.logger.Warn("persist archiver cursor failed", "err", err)
			}
		},
		OnError: func(u domain.Update, err error, attempt int, _ time.Duration) {
			if a.events != nil {
				a.events.Emit(bus.Event{Type: bus.EventStoreArchiveError, Source: archiverConsumer, Payload: map[string]any{
					"update_id": u.UpdateID,
					"attempt":   attempt,
					"error":     err.Error(),
				}})
			}
		},
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Logger:         a.logger,
	})
	return f.Run(ctx)
}

// PreloadLog seeds an empty log with the newest n archived updates so persisted
// consumer cursors keep pointing at retained data after a restart.
func PreloadLog(ctx context.Context, s *SQLiteStore, log *updates.Log, n int) error {
	ups, err := s.TailUpdates(ctx, n)
	if err != nil {
		return err
	}
	if len(ups) > 0 {
		log.Preload(ups)
		return nil
	}
	max, err := s.MaxUpdateID(ctx)
	if err != nil {
		return err
	}
	log.Resume(max + 1)
	return nil
}
