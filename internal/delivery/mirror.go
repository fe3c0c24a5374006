package delivery

import (
	"context"
	"log/slog"
	"time"

	"wxhelper/internal/bus"
	"wxhelper/internal/domain"
	"wxhelper/internal/updates"
)

// Publisher receives every update a Mirror follows.
type Publisher interface {
	Publish(ctx context.Context, u domain.Update) error
}

// MirrorConfig configures a Mirror.
type MirrorConfig struct {
	// Name becomes the retention consumer "mirror:<name>" and the cursor key.
	Name      string
	Log       *updates.Log
	State     domain.StateStore
	Publisher Publisher
	Allowed   []string
	Events    *bus.EventBus
	Logger    *slog.Logger
}

// Mirror copies the update log to a Publisher with the same at-least-once,
// in-order guarantees as the webhook pump. It runs regardless of delivery mode.
type Mirror struct {
	cfg      MirrorConfig
	consumer string
	key      string
}

// NewMirror creates a mirror; Run starts it.
func NewMirror(cfg MirrorConfig) *Mirror {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Mirror{
		cfg:      cfg,
		consumer: "mirror:" + cfg.Name,
		key:      "cursor.mirror." + cfg.Name,
	}
}

// Run follows the log until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	var start int64
	if m.cfg.State != nil {
		c, err := LoadCursor(ctx, m.cfg.State, m.key)
		if err != nil {
			m.cfg.Logger.Warn("mirror cursor unreadable, starting from oldest", "mirror", m.cfg.Name, "err", err)
		}
		start = c
	}
	f := updates.NewFollower(updates.FollowerConfig{
		Name:    m.consumer,
		Log:     m.cfg.Log,
		Start:   start,
		Allowed: m.cfg.Allowed,
		Handle:  m.cfg.Publisher.Publish,
		OnAdvance: func(ctx context.Context, cursor int64) {
			if m.cfg.State == nil {
				return
			}
			if err := SaveCursor(ctx, m.cfg.State, m.key, cursor); err != nil {
				m.cfg.Logger.Warn("persist mirror cursor failed", "mirror", m.cfg.Name, "err", err)
			}
		},
		OnError: func(u domain.Update, err error, attempt int, wait time.Duration) {
			if m.cfg.Events != nil {
				m.cfg.Events.Emit(bus.Event{Type: bus.EventMirrorError, Source: m.consumer, Payload: map[string]any{
					"update_id": u.UpdateID,
					"attempt":   attempt,
					"error":     err.Error(),
				}})
			}
		},
		Logger: m.cfg.Logger,
	})
	m.cfg.Logger.Info("mirror started", "mirror", m.cfg.Name, "cursor", start)
	return f.Run(ctx)
}
