// Package session owns the backend connection: QR login, heartbeat, reconnect and
// the receive loop that feeds inbound events to ingress.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"wxhelper/internal/bus"
	"wxhelper/internal/domain"
	"wxhelper/internal/metrics"
)

const keySessionToken = "session.token"

var allStates = []string{
	string(domain.StateLoggedOut),
	string(domain.StateAwaitingQR),
	string(domain.StateConnected),
	string(domain.StateReconnecting),
	string(domain.StateDead),
}

// Ingester receives raw backend events from the receive loop.
type Ingester interface {
	Ingest(ctx context.Context, ev domain.RawEvent) error
}

// Config configures a Manager.
type Config struct {
	Backend domain.Backend
	// State persists the session token so a restart can restore the login. Optional.
	State    domain.StateStore
	Events   *bus.EventBus
	Ingester Ingester

	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ChallengeTTL         time.Duration
	SendTimeout          time.Duration
	SaveInterval         time.Duration
	PollMinInterval      time.Duration
	PollMaxInterval      time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = 2 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = 60 * time.Second
	}
	if c.PollMinInterval <= 0 {
		c.PollMinInterval = 500 * time.Millisecond
	}
	if c.PollMaxInterval < c.PollMinInterval {
		c.PollMaxInterval = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager is the session state machine. All transitions happen under mu; the
// reconnect procedure runs at most once at a time.
type Manager struct {
	cfg     Config
	backend domain.Backend
	logger  *slog.Logger

	mu              sync.Mutex
	state           domain.SessionState
	token           string
	challenge       *domain.Challenge
	challengeGen    uint64
	challengeCancel context.CancelFunc
	lastHeartbeat   time.Time
	attempts        int
	connectedSince  time.Time
	lastErr         string

	reconnects singleflight.Group
	sendMu     sync.Mutex

	lifetime context.Context
	stop     context.CancelFunc
}

// NewManager creates a manager in the LoggedOut state.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	metrics.SetSessionState(string(domain.StateLoggedOut), allStates...)
	return &Manager{
		cfg:      cfg,
		backend:  cfg.Backend,
		logger:   cfg.Logger,
		state:    domain.StateLoggedOut,
		lifetime: ctx,
		stop:     cancel,
	}
}

// Snapshot returns a copy of the session.
func (m *Manager) Snapshot() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := domain.Session{
		State:             m.state,
		SessionToken:      m.token,
		LastHeartbeatAt:   m.lastHeartbeat,
		ReconnectAttempts: m.attempts,
		ConnectedSince:    m.connectedSince,
		LastError:         m.lastErr,
	}
	if m.challenge != nil {
		ch := *m.challenge
		s.QRChallenge = &ch
	}
	return s
}

// State returns the current state.
func (m *Manager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Backend exposes the driver for diagnostics.
func (m *Manager) Backend() domain.Backend { return m.backend }

// transitionLocked moves to state to and returns a function that publishes the
// change. Call the returned function after releasing mu.
func (m *Manager) transitionLocked(to domain.SessionState, reason string) func() {
	from := m.state
	if from == to {
		return func() {}
	}
	m.state = to
	metrics.SetSessionState(string(to), allStates...)
	m.logger.Info("session state changed", "from", from, "to", to, "reason", reason)
	return func() {
		m.emit(bus.EventSessionState, map[string]any{"from": string(from), "to": string(to), "reason": reason})
	}
}

func (m *Manager) recordErrorLocked(err error) func() {
	m.lastErr = err.Error()
	msg := m.lastErr
	return func() {
		m.emit(bus.EventSessionError, map[string]any{"error": msg})
	}
}

func (m *Manager) emit(eventType string, payload map[string]any) {
	if m.cfg.Events == nil {
		return
	}
	m.cfg.Events.Emit(bus.Event{Type: eventType, Source: "session", Payload: payload})
}

// RequestQR starts a login and returns the QR challenge. Any earlier challenge is
// invalidated. It is allowed from LoggedOut, AwaitingQR and Dead.
func (m *Manager) RequestQR(ctx context.Context) (domain.Challenge, error) {
	m.mu.Lock()
	switch m.state {
	case domain.StateConnected, domain.StateReconnecting:
		state := m.state
		m.mu.Unlock()
		return domain.Challenge{}, fmt.Errorf("%w: session is %s", domain.ErrConflict, state)
	}
	m.mu.Unlock()

	ch, err := m.backend.RequestChallenge(ctx)
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("request qr challenge: %w", err)
	}
	now := m.cfg.Now()
	if ch.IssuedAt.IsZero() {
		ch.IssuedAt = now
	}
	if ch.ExpiresAt.IsZero() {
		ch.ExpiresAt = ch.IssuedAt.Add(m.cfg.ChallengeTTL)
	}

	m.mu.Lock()
	if state := m.state; state == domain.StateConnected || state == domain.StateReconnecting {
		m.mu.Unlock()
		return domain.Challenge{}, fmt.Errorf("%w: session is %s", domain.ErrConflict, state)
	}
	if m.challengeCancel != nil {
		m.challengeCancel()
	}
	m.challengeGen++
	gen := m.challengeGen
	stored := ch
	m.challenge = &stored
	m.attempts = 0
	m.lastErr = ""
	watchCtx, cancel := context.WithDeadline(m.lifetime, ch.ExpiresAt)
	m.challengeCancel = cancel
	notify := m.transitionLocked(domain.StateAwaitingQR, "qr requested")
	m.mu.Unlock()
	notify()

	m.emit(bus.EventChallengeIssued, map[string]any{"id": ch.ID, "expires_at": ch.ExpiresAt})
	go m.watchChallenge(watchCtx, cancel, gen, ch)
	return ch, nil
}

// CurrentChallenge returns the live challenge, if any.
func (m *Manager) CurrentChallenge() (domain.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.challenge == nil {
		if m.state == domain.StateConnected {
			return domain.Challenge{}, fmt.Errorf("%w: already logged in", domain.ErrConflict)
		}
		return domain.Challenge{}, domain.ErrLoginRequired
	}
	if m.challenge.Expired(m.cfg.Now()) {
		return domain.Challenge{}, domain.ErrChallengeExpired
	}
	return *m.challenge, nil
}

func (m *Manager) watchChallenge(ctx context.Context, cancel context.CancelFunc, gen uint64, ch domain.Challenge) {
	defer cancel()
	token, err := m.backend.AwaitLogin(ctx, ch)

	m.mu.Lock()
	if gen != m.challengeGen || m.state != domain.StateAwaitingQR {
		m.mu.Unlock()
		return
	}
	m.challenge = nil
	m.challengeCancel = nil
	if err != nil {
		reason := "login failed"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrChallengeExpired) {
			err = domain.ErrChallengeExpired
			reason = "qr challenge expired"
		}
		notifyErr := m.recordErrorLocked(err)
		notify := m.transitionLocked(domain.StateLoggedOut, reason)
		m.mu.Unlock()
		notifyErr()
		notify()
		return
	}
	now := m.cfg.Now()
	m.token = token
	m.lastHeartbeat = now
	m.connectedSince = now
	m.attempts = 0
	notify := m.transitionLocked(domain.StateConnected, "qr scanned")
	m.mu.Unlock()
	notify()

	m.persistToken(token)
}

// Restore tries to resume a persisted session at startup.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cfg.State == nil {
		return nil
	}
	token, ok, err := m.cfg.State.GetState(ctx, keySessionToken)
	if err != nil {
		return fmt.Errorf("load session token: %w", err)
	}
	if !ok || token == "" {
		return nil
	}
	if err := m.backend.Restore(ctx, token); err != nil {
		m.logger.Warn("saved session could not be restored", "err", err)
		return nil
	}

	m.mu.Lock()
	if m.state != domain.StateLoggedOut {
		m.mu.Unlock()
		return nil
	}
	now := m.cfg.Now()
	m.token = token
	m.lastHeartbeat = now
	m.connectedSince = now
	notify := m.transitionLocked(domain.StateConnected, "session restored")
	m.mu.Unlock()
	notify()
	return nil
}

// Logout ends the session and forgets the token.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.state == domain.StateLoggedOut {
		m.mu.Unlock()
		return nil
	}
	wasConnected := m.state == domain.StateConnected
	if m.challengeCancel != nil {
		m.challengeCancel()
		m.challengeCancel = nil
	}
	m.challengeGen++
	m.challenge = nil
	m.token = ""
	m.attempts = 0
	m.connectedSince = time.Time{}
	notify := m.transitionLocked(domain.StateLoggedOut, "logout")
	m.mu.Unlock()
	notify()

	var err error
	if wasConnected {
		if err = m.backend.Logout(ctx); err != nil {
			m.logger.Warn("backend logout failed", "err", err)
		}
	}
	if m.cfg.State != nil {
		if derr := m.cfg.State.DeleteState(ctx, keySessionToken); derr != nil {
			m.logger.Warn("forget session token failed", "err", derr)
		}
	}
	return err
}

// SaveState asks the backend to persist whatever it needs for Restore.
func (m *Manager) SaveState(ctx context.Context) error {
	if m.State() != domain.StateConnected {
		return m.notConnected()
	}
	return m.backend.SaveState(ctx)
}

// CheckHeartbeat runs one heartbeat probe. When the last successful probe is older
// than three intervals the session moves to Reconnecting.
func (m *Manager) CheckHeartbeat(ctx context.Context) {
	if m.State() != domain.StateConnected {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval)
	err := m.backend.Ping(pingCtx)
	cancel()

	m.mu.Lock()
	if m.state != domain.StateConnected {
		m.mu.Unlock()
		return
	}
	now := m.cfg.Now()
	if err == nil {
		m.lastHeartbeat = now
		m.mu.Unlock()
		m.emit(bus.EventSessionHeartbeat, map[string]any{"at": now})
		return
	}
	metrics.HeartbeatFailures.Inc()
	gap := now.Sub(m.lastHeartbeat)
	m.mu.Unlock()

	m.logger.Warn("heartbeat failed", "err", err, "since_last_ok", gap)
	if errors.Is(err, domain.ErrBackendDisconnected) || gap > 3*m.cfg.HeartbeatInterval {
		m.Disconnected(fmt.Sprintf("heartbeat: %v", err))
	}
}

// Disconnected reports that the backend dropped the session. A Connected session
// moves to Reconnecting and a reconnect is started in the background.
func (m *Manager) Disconnected(reason string) {
	m.mu.Lock()
	if m.state != domain.StateConnected {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	notifyErr := m.recordErrorLocked(errors.New(reason))
	notify := m.transitionLocked(domain.StateReconnecting, reason)
	m.mu.Unlock()
	notifyErr()
	notify()

	go func() {
		if err := m.Reconnect(m.lifetime); err != nil {
			m.logger.Warn("reconnect failed", "err", err)
		}
	}()
}

// Reconnect runs the reconnect procedure, or joins the one already running and
// returns its outcome.
func (m *Manager) Reconnect(ctx context.Context) error {
	ch := m.reconnects.DoChan("reconnect", func() (any, error) {
		return nil, m.reconnect(m.lifetime)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) reconnect(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch m.state {
		case domain.StateConnected:
			m.mu.Unlock()
			return nil
		case domain.StateReconnecting:
		default:
			state := m.state
			m.mu.Unlock()
			return fmt.Errorf("reconnect abandoned: session is %s", state)
		}
		if m.attempts >= m.cfg.MaxReconnectAttempts {
			err := fmt.Errorf("%w after %d attempts", domain.ErrReconnectExhausted, m.attempts)
			notifyErr := m.recordErrorLocked(err)
			notify := m.transitionLocked(domain.StateDead, "reconnect attempts exhausted")
			m.mu.Unlock()
			notifyErr()
			notify()
			return err
		}
		m.attempts++
		attempt := m.attempts
		token := m.token
		m.mu.Unlock()

		if m.cfg.ReconnectDelay > 0 {
			timer := time.NewTimer(m.cfg.ReconnectDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		var err error
		if token == "" {
			err = domain.ErrLoginRequired
		} else {
			err = m.backend.Restore(ctx, token)
		}

		if err == nil {
			metrics.ReconnectAttempts.WithLabelValues("ok").Inc()
			m.mu.Lock()
			if m.state != domain.StateReconnecting {
				m.mu.Unlock()
				return nil
			}
			now := m.cfg.Now()
			m.lastHeartbeat = now
			m.connectedSince = now
			m.attempts = 0
			notify := m.transitionLocked(domain.StateConnected, fmt.Sprintf("reconnected after %d attempts", attempt))
			m.mu.Unlock()
			notify()
			return nil
		}

		metrics.ReconnectAttempts.WithLabelValues("error").Inc()
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "max", m.cfg.MaxReconnectAttempts, "err", err)
		m.mu.Lock()
		notifyErr := m.recordErrorLocked(fmt.Errorf("reconnect attempt %d: %w", attempt, err))
		m.mu.Unlock()
		notifyErr()
	}
}

// SendText sends text to the chat and returns the backend message id.
func (m *Manager) SendText(ctx context.Context, text string) (string, error) {
	return m.send(ctx, "text", func(ctx context.Context) (string, error) {
		return m.backend.SendText(ctx, text)
	})
}

// SendFile uploads the file at path and returns the backend message id.
func (m *Manager) SendFile(ctx context.Context, path string) (string, error) {
	return m.send(ctx, "file", func(ctx context.Context) (string, error) {
		return m.backend.SendFile(ctx, path)
	})
}

func (m *Manager) send(ctx context.Context, kind string, fn func(ctx context.Context) (string, error)) (string, error) {
	if m.State() != domain.StateConnected {
		metrics.BackendSends.WithLabelValues(kind, "not_connected").Inc()
		return "", m.notConnected()
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	m.sendMu.Lock()
	id, err := fn(ctx)
	m.sendMu.Unlock()

	if err != nil {
		metrics.BackendSends.WithLabelValues(kind, "error").Inc()
		if errors.Is(err, domain.ErrBackendDisconnected) {
			m.Disconnected(fmt.Sprintf("send %s: %v", kind, err))
			return "", fmt.Errorf("%w: %w", domain.ErrSessionNotConnected, err)
		}
		return "", fmt.Errorf("send %s: %w", kind, err)
	}
	metrics.BackendSends.WithLabelValues(kind, "ok").Inc()
	return id, nil
}

func (m *Manager) notConnected() error {
	state := m.State()
	if state == domain.StateDead {
		return fmt.Errorf("%w: %w", domain.ErrSessionNotConnected, domain.ErrReconnectExhausted)
	}
	return fmt.Errorf("%w (session is %s)", domain.ErrSessionNotConnected, state)
}

func (m *Manager) persistToken(token string) {
	if m.cfg.State == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cfg.State.SetState(ctx, keySessionToken, token); err != nil {
		m.logger.Warn("persist session token failed", "err", err)
	}
}

// Run drives the heartbeat, receive and save loops until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("session manager started",
		"backend", m.backend.Name(),
		"heartbeat", m.cfg.HeartbeatInterval,
		"max_reconnect_attempts", m.cfg.MaxReconnectAttempts,
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { m.heartbeatLoop(ctx); return nil })
	g.Go(func() error { m.receiveLoop(ctx); return nil })
	g.Go(func() error { m.saveLoop(ctx); return nil })
	err := g.Wait()
	m.stop()
	m.logger.Info("session manager stopped")
	return err
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHeartbeat(ctx)
		}
	}
}

func (m *Manager) saveLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != domain.StateConnected {
				continue
			}
			if err := m.backend.SaveState(ctx); err != nil {
				m.logger.Warn("periodic session save failed", "err", err)
			}
		}
	}
}

// receiveLoop polls the backend while connected. The interval drops to the minimum
// after activity and grows by 20% per idle round up to the maximum.
func (m *Manager) receiveLoop(ctx context.Context) {
	interval := m.cfg.PollMaxInterval
	timer := time.NewTimer(m.cfg.PollMinInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		interval = m.pollOnce(ctx, interval)
		timer.Reset(interval)
	}
}

func (m *Manager) pollOnce(ctx context.Context, interval time.Duration) time.Duration {
	if m.State() != domain.StateConnected {
		return m.cfg.PollMaxInterval
	}
	events, err := m.backend.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return interval
		}
		if errors.Is(err, domain.ErrBackendDisconnected) {
			m.Disconnected(fmt.Sprintf("poll: %v", err))
		} else {
			m.logger.Warn("poll failed", "err", err)
			m.mu.Lock()
			notify := m.recordErrorLocked(fmt.Errorf("poll: %w", err))
			m.mu.Unlock()
			notify()
		}
		return m.cfg.PollMaxInterval
	}
	if len(events) == 0 {
		next := time.Duration(float64(interval) * 1.2)
		if next > m.cfg.PollMaxInterval {
			next = m.cfg.PollMaxInterval
		}
		return next
	}
	for _, ev := range events {
		if m.cfg.Ingester == nil {
			continue
		}
		if err := m.cfg.Ingester.Ingest(ctx, ev); err != nil {
			m.logger.Warn("ingest failed", "kind", ev.Kind, "backend_id", ev.BackendID, "err", err)
			m.emit(bus.EventIngressError, map[string]any{"kind": string(ev.Kind), "error": err.Error()})
		}
	}
	return m.cfg.PollMinInterval
}

// Close cancels background work started by the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.challengeCancel != nil {
		m.challengeCancel()
		m.challengeCancel = nil
	}
	m.mu.Unlock()
	m.stop()
}
