package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wxhelper/internal/bus"
	"wxhelper/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeBackend struct {
	mu          sync.Mutex
	pingErr     error
	restoreErr  error
	restoreGate chan struct{}
	sendErr     error
	sent        []string
	events      []domain.RawEvent

	restoreCalls atomic.Int32
	login        chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{login: make(chan string, 1)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) RequestChallenge(ctx context.Context) (domain.Challenge, error) {
	return domain.Challenge{ID: "qr", Content: "https://login.example/l/qr", PNG: []byte{0x89}}, nil
}

func (f *fakeBackend) AwaitLogin(ctx context.Context, ch domain.Challenge) (string, error) {
	select {
	case tok := <-f.login:
		return tok, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeBackend) Restore(ctx context.Context, token string) error {
	f.restoreCalls.Add(1)
	f.mu.Lock()
	gate, err := f.restoreGate, f.restoreErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeBackend) Poll(ctx context.Context) ([]domain.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out, nil
}

func (f *fakeBackend) SendText(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	return "wx-1", nil
}

func (f *fakeBackend) SendFile(ctx context.Context, path string) (string, error) {
	return f.SendText(ctx, "file:"+path)
}

func (f *fakeBackend) SaveState(ctx context.Context) error { return nil }
func (f *fakeBackend) Logout(ctx context.Context) error    { return nil }
func (f *fakeBackend) Close() error                        { return nil }

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

type memState struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memState) GetState(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memState) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memState) DeleteState(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingIngester struct {
	mu     sync.Mutex
	events []domain.RawEvent
}

func (r *recordingIngester) Ingest(ctx context.Context, ev domain.RawEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func waitState(t *testing.T, m *Manager, want domain.SessionState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, still %s", want, m.State())
}

func newTestManager(t *testing.T, fb *fakeBackend, state *memState, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Backend:              fb,
		Events:               bus.NewEventBus(testLogger()),
		HeartbeatInterval:    time.Second,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 3,
		Logger:               testLogger(),
	}
	if state != nil {
		cfg.State = state
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(m.Close)
	return m
}

// connected returns a manager restored from a saved token.
func connected(t *testing.T, fb *fakeBackend, mutate func(*Config)) *Manager {
	t.Helper()
	state := &memState{m: map[string]string{keySessionToken: "tok"}}
	m := newTestManager(t, fb, state, mutate)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if m.State() != domain.StateConnected {
		t.Fatalf("expected connected after restore, got %s", m.State())
	}
	return m
}

func TestLogin_QRScanConnects(t *testing.T) {
	fb := newFakeBackend()
	state := &memState{m: map[string]string{}}
	m := newTestManager(t, fb, state, nil)

	ch, err := m.RequestQR(context.Background())
	if err != nil {
		t.Fatalf("request qr: %v", err)
	}
	if ch.ExpiresAt.IsZero() || m.State() != domain.StateAwaitingQR {
		t.Fatalf("expected awaiting_qr with an expiry, got %s %+v", m.State(), ch)
	}
	if cur, err := m.CurrentChallenge(); err != nil || cur.ID != "qr" {
		t.Fatalf("expected current challenge, got %+v %v", cur, err)
	}

	fb.login <- "session-token"
	waitState(t, m, domain.StateConnected)

	snap := m.Snapshot()
	if snap.QRChallenge != nil || snap.ConnectedSince.IsZero() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, _, _ := state.GetState(context.Background(), keySessionToken); v == "session-token" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session token not persisted")
}

func TestLogin_ChallengeExpires(t *testing.T) {
	fb := newFakeBackend()
	m := newTestManager(t, fb, nil, func(c *Config) { c.ChallengeTTL = 30 * time.Millisecond })

	if _, err := m.RequestQR(context.Background()); err != nil {
		t.Fatalf("request qr: %v", err)
	}
	waitState(t, m, domain.StateLoggedOut)
	if snap := m.Snapshot(); snap.LastError != domain.ErrChallengeExpired.Error() {
		t.Fatalf("expected expiry recorded, got %q", snap.LastError)
	}
	if _, err := m.CurrentChallenge(); !errors.Is(err, domain.ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}
}

func TestRequestQR_ReplacesPreviousChallenge(t *testing.T) {
	fb := newFakeBackend()
	m := newTestManager(t, fb, nil, nil)

	if _, err := m.RequestQR(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RequestQR(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The first watcher is cancelled and must not move the state.
	time.Sleep(20 * time.Millisecond)
	if m.State() != domain.StateAwaitingQR {
		t.Fatalf("superseded challenge changed state to %s", m.State())
	}
	fb.login <- "tok"
	waitState(t, m, domain.StateConnected)
}

func TestRequestQR_ConflictWhenConnected(t *testing.T) {
	m := connected(t, newFakeBackend(), nil)
	if _, err := m.RequestQR(context.Background()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSend_RequiresConnectedSession(t *testing.T) {
	fb := newFakeBackend()
	m := newTestManager(t, fb, nil, nil)
	if _, err := m.SendText(context.Background(), "hi"); !errors.Is(err, domain.ErrSessionNotConnected) {
		t.Fatalf("expected ErrSessionNotConnected, got %v", err)
	}

	m = connected(t, fb, nil)
	id, err := m.SendText(context.Background(), "hi")
	if err != nil || id != "wx-1" {
		t.Fatalf("expected send to succeed, got %q %v", id, err)
	}
}

func TestReconnect_ExhaustedAfterMaxAttempts(t *testing.T) {
	fb := newFakeBackend()
	m := connected(t, fb, nil)
	startup := fb.restoreCalls.Load()
	fb.set(func(f *fakeBackend) { f.restoreErr = errors.New("cookie rejected") })

	m.Disconnected("remote closed")
	waitState(t, m, domain.StateDead)

	if got := fb.restoreCalls.Load() - startup; got != 3 {
		t.Fatalf("expected exactly 3 reconnect attempts, got %d", got)
	}
	_, err := m.SendText(context.Background(), "hi")
	if !errors.Is(err, domain.ErrSessionNotConnected) || !errors.Is(err, domain.ErrReconnectExhausted) {
		t.Fatalf("expected not-connected and exhausted, got %v", err)
	}

	// Dead -> AwaitingQR clears the failure state.
	if _, err := m.RequestQR(context.Background()); err != nil {
		t.Fatalf("request qr from dead: %v", err)
	}
	if snap := m.Snapshot(); snap.State != domain.StateAwaitingQR || snap.ReconnectAttempts != 0 || snap.LastError != "" {
		t.Fatalf("expected clean awaiting_qr, got %+v", snap)
	}
}

func TestReconnect_SingleFlight(t *testing.T) {
	fb := newFakeBackend()
	m := connected(t, fb, nil)
	startup := fb.restoreCalls.Load()
	gate := make(chan struct{})
	fb.set(func(f *fakeBackend) { f.restoreGate = gate })

	m.Disconnected("remote closed")
	deadline := time.Now().Add(3 * time.Second)
	for fb.restoreCalls.Load() == startup && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Reconnect(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("joined reconnect failed: %v", err)
		}
	}
	if got := fb.restoreCalls.Load() - startup; got != 1 {
		t.Fatalf("expected one reconnect procedure, got %d restore calls", got)
	}
	waitState(t, m, domain.StateConnected)
}

func TestHeartbeat_GapTriggersReconnect(t *testing.T) {
	fb := newFakeBackend()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := connected(t, fb, func(c *Config) { c.Now = clk.Now })
	gate := make(chan struct{})
	fb.set(func(f *fakeBackend) {
		f.pingErr = errors.New("timeout")
		f.restoreGate = gate
	})

	clk.Advance(2 * time.Second)
	m.CheckHeartbeat(context.Background())
	if m.State() != domain.StateConnected {
		t.Fatalf("a short gap must not disconnect, got %s", m.State())
	}

	clk.Advance(2 * time.Second)
	m.CheckHeartbeat(context.Background())
	if m.State() != domain.StateReconnecting {
		t.Fatalf("expected reconnecting after a 4s gap with 1s interval, got %s", m.State())
	}

	fb.set(func(f *fakeBackend) { f.pingErr = nil })
	close(gate)
	waitState(t, m, domain.StateConnected)
}

func TestHeartbeat_SuccessRecordsTime(t *testing.T) {
	fb := newFakeBackend()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := connected(t, fb, func(c *Config) { c.Now = clk.Now })

	clk.Advance(10 * time.Second)
	m.CheckHeartbeat(context.Background())
	if got := m.Snapshot().LastHeartbeatAt; !got.Equal(clk.Now()) {
		t.Fatalf("expected heartbeat at %v, got %v", clk.Now(), got)
	}
}

func TestSend_BackendDisconnectStartsReconnect(t *testing.T) {
	fb := newFakeBackend()
	m := connected(t, fb, nil)
	gate := make(chan struct{})
	fb.set(func(f *fakeBackend) {
		f.sendErr = domain.ErrBackendDisconnected
		f.restoreGate = gate
	})

	_, err := m.SendText(context.Background(), "hi")
	if !errors.Is(err, domain.ErrSessionNotConnected) {
		t.Fatalf("expected ErrSessionNotConnected, got %v", err)
	}
	if m.State() != domain.StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", m.State())
	}
	close(gate)
	waitState(t, m, domain.StateConnected)
}

func TestPollOnce_DynamicInterval(t *testing.T) {
	fb := newFakeBackend()
	ing := &recordingIngester{}
	m := connected(t, fb, func(c *Config) {
		c.Ingester = ing
		c.PollMinInterval = 100 * time.Millisecond
		c.PollMaxInterval = time.Second
	})

	if got := m.pollOnce(context.Background(), 500*time.Millisecond); got != 600*time.Millisecond {
		t.Fatalf("idle round should grow by 20%%, got %v", got)
	}
	if got := m.pollOnce(context.Background(), 900*time.Millisecond); got != time.Second {
		t.Fatalf("idle round should cap at max, got %v", got)
	}

	fb.set(func(f *fakeBackend) {
		f.events = []domain.RawEvent{{Kind: domain.RawText, Text: "a"}, {Kind: domain.RawText, Text: "b"}}
	})
	if got := m.pollOnce(context.Background(), time.Second); got != 100*time.Millisecond {
		t.Fatalf("activity should reset to min, got %v", got)
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if len(ing.events) != 2 || ing.events[0].Text != "a" {
		t.Fatalf("expected both events ingested in order, got %+v", ing.events)
	}
}

func TestLogout_ForgetsToken(t *testing.T) {
	fb := newFakeBackend()
	state := &memState{m: map[string]string{keySessionToken: "tok"}}
	m := newTestManager(t, fb, state, nil)
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if m.State() != domain.StateLoggedOut {
		t.Fatalf("expected logged_out, got %s", m.State())
	}
	if _, ok, _ := state.GetState(context.Background(), keySessionToken); ok {
		t.Fatal("expected token removed")
	}
}

func TestStateChangesEmitted(t *testing.T) {
	fb := newFakeBackend()
	events := bus.NewEventBus(testLogger())
	var seen []string
	var mu sync.Mutex
	events.On(bus.EventSessionState, func(e bus.Event) {
		mu.Lock()
		seen = append(seen, e.Payload["to"].(string))
		mu.Unlock()
	})
	state := &memState{m: map[string]string{keySessionToken: "tok"}}
	m := newTestManager(t, fb, state, func(c *Config) { c.Events = events })
	if err := m.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Logout(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "connected" || seen[1] != "logged_out" {
		t.Fatalf("unexpected transitions %v", seen)
	}
}
