// Package delivery hands the update log to external consumers: blocking long-poll
// callers, a single webhook target, and optional mirrors.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"wxhelper/internal/bus"
	"wxhelper/internal/domain"
	"wxhelper/internal/metrics"
	"wxhelper/internal/updates"
)

const (
	webhookConsumer  = "webhook"
	pollerPrefix     = "longpoll:"
	keyWebhookTarget = "webhook.target"
	keyWebhookCursor = "cursor.webhook"

	maxLimit              = 100
	defaultMaxConnections = 40
)

// Config configures a Service.
type Config struct {
	Log *updates.Log
	// State persists the webhook target and cursor. Optional.
	State  domain.StateStore
	Events *bus.EventBus
	Sink   *WebhookSink

	// MaxPollTimeout caps the timeout a long-poll caller may ask for.
	MaxPollTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// PollRequest holds getUpdates parameters. A nil Offset means "one past the last
// update returned to this caller".
type PollRequest struct {
	Offset         *int64
	Limit          int
	Timeout        time.Duration
	AllowedUpdates []string
}

// WebhookTarget is the push destination.
type WebhookTarget struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
	MaxConnections int      `json:"max_connections,omitempty"`
}

// WebhookInfo is the getWebhookInfo result.
type WebhookInfo struct {
	URL                  string   `json:"url"`
	HasCustomCertificate bool     `json:"has_custom_certificate"`
	PendingUpdateCount   int      `json:"pending_update_count"`
	LastErrorDate        int64    `json:"last_error_date,omitempty"`
	LastErrorMessage     string   `json:"last_error_message,omitempty"`
	MaxConnections       int      `json:"max_connections,omitempty"`
	AllowedUpdates       []string `json:"allowed_updates,omitempty"`
}

type pump struct {
	target   WebhookTarget
	follower *updates.Follower
	cancel   context.CancelFunc
	done     chan struct{}

	mu          sync.Mutex
	lastErrDate int64
	lastErrMsg  string
}

func (p *pump) recordError(at time.Time, err error) {
	p.mu.Lock()
	p.lastErrDate = at.Unix()
	p.lastErrMsg = err.Error()
	p.mu.Unlock()
}

// Service owns the long-poll / webhook mode switch. Exactly one mode is active:
// while a webhook target is set, getUpdates fails with a conflict.
type Service struct {
	cfg    Config
	log    *updates.Log
	logger *slog.Logger

	// switchMu serializes SetWebhook/DeleteWebhook, including the drain of an old pump.
	switchMu sync.Mutex

	mu           sync.Mutex
	pump         *pump
	modeCh       chan struct{}
	lastReturned map[string]int64
	floor        int64
	// acked is the highest offset a poller has sent; a new webhook starts there.
	acked int64

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// NewService creates a service in long-poll mode.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = NewWebhookSink(0, "")
	}
	if cfg.MaxPollTimeout <= 0 {
		cfg.MaxPollTimeout = 50 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:          cfg,
		log:          cfg.Log,
		logger:       cfg.Logger,
		modeCh:       make(chan struct{}),
		lastReturned: make(map[string]int64),
		ctx:          ctx,
		cancel:       cancel,
		closed:       make(chan struct{}),
	}
}

// Start restores a persisted webhook target, if any.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.State == nil {
		return nil
	}
	raw, ok, err := s.cfg.State.GetState(ctx, keyWebhookTarget)
	if err != nil {
		return fmt.Errorf("load webhook target: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}
	var target WebhookTarget
	if err := json.Unmarshal([]byte(raw), &target); err != nil {
		s.logger.Warn("ignoring corrupt webhook target", "err", err)
		return nil
	}
	start, _ := LoadCursor(ctx, s.cfg.State, keyWebhookCursor)

	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.startPump(target, start)
	s.logger.Info("webhook restored", "url", redactURL(target.URL), "cursor", start)
	return nil
}

// Close stops the pump and releases every blocked long-poll caller.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.switchMu.Lock()
		s.stopPump()
		s.switchMu.Unlock()
	})
}

// GetUpdates returns updates with id >= the effective offset, waiting up to
// req.Timeout for the first one. Timeout, cancellation, shutdown and webhook
// activation all produce an empty result rather than an error.
func (s *Service) GetUpdates(ctx context.Context, caller string, req PollRequest) ([]domain.Update, error) {
	if req.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", domain.ErrInvalidParameter)
	}
	limit := req.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	timeout := req.Timeout
	if timeout > s.cfg.MaxPollTimeout {
		timeout = s.cfg.MaxPollTimeout
	}

	s.mu.Lock()
	if s.pump != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: can't use getUpdates method while webhook is active; use deleteWebhook to delete the webhook first", domain.ErrConflict)
	}
	modeCh := s.modeCh
	offset := s.effectiveOffsetLocked(caller, req.Offset)
	if req.Offset != nil && *req.Offset > 0 && offset > s.acked {
		s.acked = offset
	}
	s.mu.Unlock()

	s.log.TrackPoller(pollerPrefix+caller, offset)

	var timer <-chan time.Time
	waiting := false
	defer func() {
		if waiting {
			metrics.LongPollWaiting.Dec()
		}
	}()

	for {
		ups, changed := s.log.Snapshot(offset, limit, req.AllowedUpdates)
		if len(ups) > 0 {
			s.remember(caller, ups[len(ups)-1].UpdateID)
			return ups, nil
		}
		if timeout == 0 {
			return []domain.Update{}, nil
		}
		if timer == nil {
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
			waiting = true
			metrics.LongPollWaiting.Inc()
		}
		select {
		case <-changed:
		case <-timer:
			return []domain.Update{}, nil
		case <-ctx.Done():
			return []domain.Update{}, nil
		case <-modeCh:
			return []domain.Update{}, nil
		case <-s.closed:
			return []domain.Update{}, nil
		}
	}
}

func (s *Service) effectiveOffsetLocked(caller string, requested *int64) int64 {
	var offset int64
	switch {
	case requested == nil:
		if last, ok := s.lastReturned[caller]; ok {
			offset = last + 1
		} else {
			offset = s.log.MinRetainedID()
		}
	case *requested < 0:
		offset = s.log.LastID() + *requested + 1
		if offset < 1 {
			offset = 1
		}
	default:
		offset = *requested
	}
	if offset < s.floor {
		offset = s.floor
	}
	return offset
}

func (s *Service) remember(caller string, id int64) {
	s.mu.Lock()
	if id > s.lastReturned[caller] {
		s.lastReturned[caller] = id
	}
	s.mu.Unlock()
}

// SetWebhook activates (or replaces) the webhook target. An empty URL removes it.
// A previous pump is cancelled and fully drained before the new one starts.
func (s *Service) SetWebhook(ctx context.Context, target WebhookTarget, dropPending bool) error {
	if target.URL == "" {
		return s.DeleteWebhook(ctx, dropPending)
	}
	u, err := url.Parse(target.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: bad webhook url %q", domain.ErrInvalidParameter, target.URL)
	}
	if target.MaxConnections == 0 {
		target.MaxConnections = defaultMaxConnections
	}
	if target.MaxConnections < 1 || target.MaxConnections > 100 {
		return fmt.Errorf("%w: max_connections must be between 1 and 100", domain.ErrInvalidParameter)
	}
	for _, a := range target.AllowedUpdates {
		if a != domain.UpdateTypeMessage && a != domain.UpdateTypeSystemNotice {
			return fmt.Errorf("%w: unknown update type %q", domain.ErrInvalidParameter, a)
		}
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	select {
	case <-s.closed:
		return fmt.Errorf("delivery service closed")
	default:
	}

	old := s.stopPump()
	var start int64
	switch {
	case dropPending:
		start = s.log.LastID() + 1
	case old != nil:
		start = old.follower.Cursor()
	default:
		start = s.pendingStart()
	}

	if err := s.persistTarget(ctx, target, start); err != nil {
		if old != nil {
			s.startPump(old.target, old.follower.Cursor())
		}
		return err
	}

	s.startPump(target, start)
	for id := range s.log.Consumers() {
		if strings.HasPrefix(id, pollerPrefix) {
			s.log.RemoveConsumer(id)
		}
	}

	s.logger.Info("webhook set", "url", redactURL(target.URL), "cursor", start, "replaced", old != nil)
	s.emit(bus.EventWebhookSet, map[string]any{"url": redactURL(target.URL), "cursor": start})
	return nil
}

func (s *Service) persistTarget(ctx context.Context, target WebhookTarget, start int64) error {
	if s.cfg.State == nil {
		return nil
	}
	raw, _ := json.Marshal(target)
	if err := s.cfg.State.SetState(ctx, keyWebhookTarget, string(raw)); err != nil {
		return fmt.Errorf("persist webhook target: %w", err)
	}
	if err := SaveCursor(ctx, s.cfg.State, keyWebhookCursor, start); err != nil {
		return fmt.Errorf("persist webhook cursor: %w", err)
	}
	return nil
}

// DeleteWebhook returns to long-poll mode. It is a no-op when no webhook is set,
// except that dropPending still discards the backlog for pollers.
func (s *Service) DeleteWebhook(ctx context.Context, dropPending bool) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	old := s.stopPump()

	s.mu.Lock()
	if old != nil {
		s.pump = nil
		s.modeCh = make(chan struct{})
		// Pollers pick up where the webhook stopped.
		if c := old.follower.Cursor(); c > s.floor {
			s.floor = c
		}
	}
	if dropPending {
		s.floor = s.log.LastID() + 1
	}
	s.lastReturned = make(map[string]int64)
	s.acked = 0
	s.mu.Unlock()

	s.log.RemoveConsumer(webhookConsumer)
	if s.cfg.State != nil {
		if err := s.cfg.State.DeleteState(ctx, keyWebhookTarget); err != nil {
			return fmt.Errorf("delete webhook target: %w", err)
		}
		if err := s.cfg.State.DeleteState(ctx, keyWebhookCursor); err != nil {
			return fmt.Errorf("delete webhook cursor: %w", err)
		}
	}
	if old != nil {
		s.logger.Info("webhook deleted", "url", redactURL(old.target.URL))
		s.emit(bus.EventWebhookDeleted, map[string]any{"url": redactURL(old.target.URL)})
	}
	return nil
}

// WebhookInfo reports the current target and its delivery health.
func (s *Service) WebhookInfo() WebhookInfo {
	s.mu.Lock()
	p := s.pump
	s.mu.Unlock()
	if p == nil {
		return WebhookInfo{PendingUpdateCount: s.log.Pending(s.pendingStart())}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return WebhookInfo{
		URL:                p.target.URL,
		PendingUpdateCount: s.log.Pending(p.follower.Cursor()),
		LastErrorDate:      p.lastErrDate,
		LastErrorMessage:   p.lastErrMsg,
		MaxConnections:     p.target.MaxConnections,
		AllowedUpdates:     p.target.AllowedUpdates,
	}
}

// WebhookActive reports whether push mode is on.
func (s *Service) WebhookActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump != nil
}

// pendingStart is where a new webhook begins when nothing else says otherwise:
// past everything a poller has acknowledged, or the oldest retained update.
func (s *Service) pendingStart() int64 {
	start := s.log.MinRetainedID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acked > start {
		start = s.acked
	}
	if s.floor > start {
		start = s.floor
	}
	return start
}

// startPump must be called with switchMu held.
func (s *Service) startPump(target WebhookTarget, start int64) {
	ctx, cancel := context.WithCancel(s.ctx)
	p := &pump{target: target, cancel: cancel, done: make(chan struct{})}
	p.follower = updates.NewFollower(updates.FollowerConfig{
		Name:    webhookConsumer,
		Log:     s.log,
		Start:   start,
		Allowed: target.AllowedUpdates,
		Handle: func(ctx context.Context, u domain.Update) error {
			return s.cfg.Sink.Post(ctx, target, u)
		},
		OnAdvance: func(ctx context.Context, cursor int64) {
			if s.cfg.State == nil {
				return
			}
			if err := SaveCursor(ctx, s.cfg.State, keyWebhookCursor, cursor); err != nil {
				s.logger.Warn("persist webhook cursor failed", "cursor", cursor, "err", err)
			}
		},
		OnError: func(u domain.Update, err error, attempt int, wait time.Duration) {
			p.recordError(time.Now(), err)
			s.emit(bus.EventWebhookError, map[string]any{
				"update_id": u.UpdateID,
				"attempt":   attempt,
				"error":     err.Error(),
			})
		},
		InitialBackoff: s.cfg.InitialBackoff,
		MaxBackoff:     s.cfg.MaxBackoff,
		Logger:         s.logger,
	})

	s.mu.Lock()
	wasPolling := s.pump == nil
	s.pump = p
	if wasPolling {
		close(s.modeCh)
	}
	s.mu.Unlock()

	go func() {
		defer close(p.done)
		_ = p.follower.Run(ctx)
	}()
}

// stopPump cancels the running pump and waits for its loop to exit. The pump stays
// installed so the service remains in webhook mode until the caller decides.
// Must be called with switchMu held.
func (s *Service) stopPump() *pump {
	s.mu.Lock()
	p := s.pump
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	p.cancel()
	<-p.done
	return p
}

func (s *Service) emit(eventType string, payload map[string]any) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Emit(bus.Event{Type: eventType, Source: "delivery", Payload: payload})
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
