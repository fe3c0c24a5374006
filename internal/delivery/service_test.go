package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wxhelper/internal/bus"
	"wxhelper/internal/domain"
	"wxhelper/internal/updates"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memState struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemState() *memState { return &memState{m: map[string]string{}} }

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

func (s *memState) get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key]
}

// failingState rejects writes while fail is set.
type failingState struct {
	*memState
	fail atomic.Bool
}

func (s *failingState) SetState(ctx context.Context, key, value string) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.memState.SetState(ctx, key, value)
}

func newTestService(t *testing.T, state domain.StateStore) (*Service, *updates.Log) {
	t.Helper()
	log := updates.New(updates.Config{Logger: testLogger()})
	svc := NewService(Config{
		Log:            log,
		State:          state,
		Events:         bus.NewEventBus(testLogger()),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Logger:         testLogger(),
	})
	t.Cleanup(svc.Close)
	return svc, log
}

func appendN(log *updates.Log, n int) {
	for i := 0; i < n; i++ {
		log.Append(domain.Message{Direction: domain.DirectionInbound, Text: "m"})
	}
}

func offset(v int64) *int64 { return &v }

func updateIDs(ups []domain.Update) []int64 {
	out := make([]int64, len(ups))
	for i, u := range ups {
		out[i] = u.UpdateID
	}
	return out
}

// receiver is a webhook endpoint that records delivered update ids.
type receiver struct {
	mu      sync.Mutex
	ids     []int64
	headers []http.Header
	bodies  [][]byte
	// fail makes the next n requests return 500.
	fail atomic.Int32
	srv  *httptest.Server
}

func newReceiver(t *testing.T) *receiver {
	r := &receiver{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.fail.Load() > 0 {
			r.fail.Add(-1)
			http.Error(w, "try later", http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(req.Body)
		var u domain.Update
		if err := json.Unmarshal(body, &u); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.ids = append(r.ids, u.UpdateID)
		r.headers = append(r.headers, req.Header.Clone())
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) got() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGetUpdates_CursorCorrectness(t *testing.T) {
	svc, log := newTestService(t, nil)
	appendN(log, 10)
	ctx := context.Background()

	ups, err := svc.GetUpdates(ctx, "tok", PollRequest{Offset: offset(5)})
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	got := updateIDs(ups)
	if len(got) != 6 || got[0] != 5 || got[5] != 10 {
		t.Fatalf("expected 5..10, got %v", got)
	}

	ups, err = svc.GetUpdates(ctx, "tok", PollRequest{Offset: offset(11)})
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if ups == nil || len(ups) != 0 {
		t.Fatalf("expected empty non-nil result, got %v", ups)
	}
}

func TestGetUpdates_SharedTokenKeepsEachOffset(t *testing.T) {
	svc, log := newTestService(t, nil)
	appendN(log, 10)
	ctx := context.Background()

	if ups, _ := svc.GetUpdates(ctx, "tok", PollRequest{Offset: offset(11)}); len(ups) != 0 {
		t.Fatalf("expected nothing at 11, got %v", updateIDs(ups))
	}
	ups, err := svc.GetUpdates(ctx, "tok", PollRequest{Offset: offset(5)})
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if got := updateIDs(ups); len(got) != 6 || got[0] != 5 || got[5] != 10 {
		t.Fatalf("expected 5..10 after a higher offset from the same token, got %v", got)
	}
	ups, _ = svc.GetUpdates(ctx, "tok", PollRequest{Offset: offset(8)})
	if got := updateIDs(ups); len(got) != 3 || got[0] != 8 {
		t.Fatalf("expected 8..10, got %v", got)
	}
}

func TestGetUpdates_DefaultOffsetFollowsCaller(t *testing.T) {
	svc, log := newTestService(t, nil)
	ctx := context.Background()
	appendN(log, 3)

	first, _ := svc.GetUpdates(ctx, "a", PollRequest{})
	if got := updateIDs(first); len(got) != 3 || got[0] != 1 {
		t.Fatalf("expected 1..3, got %v", got)
	}
	appendN(log, 2)
	second, _ := svc.GetUpdates(ctx, "a", PollRequest{})
	if got := updateIDs(second); len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("expected 4..5 for the same caller, got %v", got)
	}
	again, _ := svc.GetUpdates(ctx, "a", PollRequest{})
	if len(again) != 0 {
		t.Fatalf("expected nothing new, got %v", updateIDs(again))
	}
}

func TestGetUpdates_LimitClamped(t *testing.T) {
	svc, log := newTestService(t, nil)
	appendN(log, 150)

	ups, _ := svc.GetUpdates(context.Background(), "tok", PollRequest{Offset: offset(1), Limit: 500})
	if len(ups) != 100 {
		t.Fatalf("expected 100, got %d", len(ups))
	}
	ups, _ = svc.GetUpdates(context.Background(), "tok", PollRequest{Offset: offset(1), Limit: 7})
	if len(ups) != 7 {
		t.Fatalf("expected 7, got %d", len(ups))
	}
}

func TestGetUpdates_NegativeOffsetReturnsTail(t *testing.T) {
	svc, log := newTestService(t, nil)
	appendN(log, 10)

	ups, _ := svc.GetUpdates(context.Background(), "tok", PollRequest{Offset: offset(-3)})
	if got := updateIDs(ups); len(got) != 3 || got[0] != 8 || got[2] != 10 {
		t.Fatalf("expected 8..10, got %v", got)
	}
}

func TestGetUpdates_NegativeTimeoutRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, err := svc.GetUpdates(context.Background(), "tok", PollRequest{Timeout: -time.Second})
	if !errors.Is(err, domain.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestGetUpdates_NoLostWakeup(t *testing.T) {
	svc, log := newTestService(t, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		appendN(log, 1)
	}()

	start := time.Now()
	ups, err := svc.GetUpdates(context.Background(), "tok", PollRequest{Offset: offset(1), Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if len(ups) != 1 || ups[0].UpdateID != 1 {
		t.Fatalf("expected update 1, got %v", updateIDs(ups))
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("poller woke late: %v", elapsed)
	}
}

func TestGetUpdates_FilteredAppendKeepsWaiting(t *testing.T) {
	svc, log := newTestService(t, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		log.Append(domain.Message{Direction: domain.DirectionSystem, Text: "notice"})
		time.Sleep(20 * time.Millisecond)
		appendN(log, 1)
	}()

	ups, err := svc.GetUpdates(context.Background(), "tok", PollRequest{
		Offset:         offset(1),
		Timeout:        5 * time.Second,
		AllowedUpdates: []string{domain.UpdateTypeMessage},
	})
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if got := updateIDs(ups); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected only update 2, got %v", got)
	}
}

func TestGetUpdates_TimeoutReturnsEmpty(t *testing.T) {
	svc, _ := newTestService(t, nil)
	start := time.Now()
	ups, err := svc.GetUpdates(context.Background(), "tok", PollRequest{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if len(ups) != 0 {
		t.Fatalf("expected empty, got %v", updateIDs(ups))
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before the timeout")
	}
}

func TestGetUpdates_CloseReleasesPoller(t *testing.T) {
	svc, _ := newTestService(t, nil)
	done := make(chan []domain.Update, 1)
	go func() {
		ups, _ := svc.GetUpdates(context.Background(), "tok", PollRequest{Timeout: 10 * time.Second})
		done <- ups
	}()
	time.Sleep(20 * time.Millisecond)
	svc.Close()

	select {
	case ups := <-done:
		if len(ups) != 0 {
			t.Fatalf("expected empty on shutdown, got %v", updateIDs(ups))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller not released by Close")
	}
}

func TestWebhookMode_ConflictsWithLongPoll(t *testing.T) {
	svc, _ := newTestService(t, nil)
	rcv := newReceiver(t)
	ctx := context.Background()

	if err := svc.SetWebhook(ctx, WebhookTarget{URL: rcv.srv.URL}, false); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}
	if _, err := svc.GetUpdates(ctx, "tok", PollRequest{}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := svc.DeleteWebhook(ctx, false); err != nil {
		t.Fatalf("deleteWebhook: %v", err)
	}
	if _, err := svc.GetUpdates(ctx, "tok", PollRequest{}); err != nil {
		t.Fatalf("expected long-poll to work after deleteWebhook, got %v", err)
	}
}

func TestWebhookMode_ActivationWakesPoller(t *testing.T) {
	svc, _ := newTestService(t, nil)
	rcv := newReceiver(t)

	done := make(chan error, 1)
	go func() {
		ups, err := svc.GetUpdates(context.Background(), "tok", PollRequest{Timeout: 10 * time.Second})
		if err == nil && len(ups) != 0 {
			err = errors.New("expected empty result")
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := svc.SetWebhook(context.Background(), WebhookTarget{URL: rcv.srv.URL}, false); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked poller not woken by webhook activation")
	}
}

func TestWebhook_DeliversInOrderWithHeaders(t *testing.T) {
	state := newMemState()
	log := updates.New(updates.Config{Logger: testLogger()})
	svc := NewService(Config{
		Log:            log,
		State:          state,
		Sink:           NewWebhookSink(time.Second, "sign-me"),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Logger:         testLogger(),
	})
	t.Cleanup(svc.Close)
	rcv := newReceiver(t)

	appendN(log, 3)
	if err := svc.SetWebhook(context.Background(), WebhookTarget{URL: rcv.srv.URL, SecretToken: "s3cret"}, false); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}
	appendN(log, 2)

	waitFor(t, "five deliveries", func() bool { return len(rcv.got()) == 5 })
	for i, id := range rcv.got() {
		if id != int64(i+1) {
			t.Fatalf("out of order: %v", rcv.got())
		}
	}

	rcv.mu.Lock()
	h, body := rcv.headers[0], rcv.bodies[0]
	rcv.mu.Unlock()
	if h.Get(HeaderSecretToken) != "s3cret" {
		t.Errorf("missing secret token header")
	}
	if !Verify(body, "sign-me", h.Get(HeaderSignature)) {
		t.Errorf("bad signature %q", h.Get(HeaderSignature))
	}

	waitFor(t, "cursor persisted", func() bool { return state.get(keyWebhookCursor) == "6" })
	if info := svc.WebhookInfo(); info.URL != rcv.srv.URL || info.PendingUpdateCount != 0 {
		t.Errorf("unexpected webhook info %+v", info)
	}
}

func TestWebhook_RetriesUntilAcknowledged(t *testing.T) {
	svc, log := newTestService(t, nil)
	rcv := newReceiver(t)
	rcv.fail.Store(3)

	if err := svc.SetWebhook(context.Background(), WebhookTarget{URL: rcv.srv.URL}, false); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}
	appendN(log, 2)

	waitFor(t, "both delivered", func() bool { return len(rcv.got()) == 2 })
	if got := rcv.got(); got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
	info := svc.WebhookInfo()
	if info.LastErrorDate == 0 || info.LastErrorMessage == "" {
		t.Errorf("expected last error recorded, got %+v", info)
	}
}

func TestWebhook_ReplaceDrainsOldLoop(t *testing.T) {
	svc, log := newTestService(t, nil)
	a, b := newReceiver(t), newReceiver(t)
	ctx := context.Background()

	if err := svc.SetWebhook(ctx, WebhookTarget{URL: a.srv.URL}, false); err != nil {
		t.Fatalf("setWebhook a: %v", err)
	}
	appendN(log, 2)
	waitFor(t, "a receives two", func() bool { return len(a.got()) == 2 })

	if err := svc.SetWebhook(ctx, WebhookTarget{URL: b.srv.URL}, false); err != nil {
		t.Fatalf("setWebhook b: %v", err)
	}
	appendN(log, 2)
	waitFor(t, "b receives two", func() bool { return len(b.got()) == 2 })

	if got := b.got(); got[0] != 3 || got[1] != 4 {
		t.Fatalf("expected b to continue at 3, got %v", got)
	}
	if got := a.got(); len(got) != 2 {
		t.Fatalf("old target kept receiving: %v", got)
	}
}

func TestWebhook_FailedReplaceKeepsOldTarget(t *testing.T) {
	state := &failingState{memState: newMemState()}
	svc, log := newTestService(t, state)
	a := newReceiver(t)
	ctx := context.Background()

	if err := svc.SetWebhook(ctx, WebhookTarget{URL: a.srv.URL}, false); err != nil {
		t.Fatalf("setWebhook a: %v", err)
	}
	appendN(log, 2)
	waitFor(t, "a receives two", func() bool { return len(a.got()) == 2 })

	state.fail.Store(true)
	if err := svc.SetWebhook(ctx, WebhookTarget{URL: "http://127.0.0.1:1/b"}, false); err == nil {
		t.Fatal("expected persistence error")
	}
	if info := svc.WebhookInfo(); info.URL != a.srv.URL {
		t.Fatalf("expected old target to stay active, got %+v", info)
	}

	appendN(log, 1)
	waitFor(t, "old target keeps delivering", func() bool { return len(a.got()) == 3 })
	if got := a.got(); got[2] != 3 {
		t.Fatalf("expected update 3 next, got %v", got)
	}
}

func TestWebhook_PollAcknowledgementSetsStart(t *testing.T) {
	svc, log := newTestService(t, nil)
	rcv := newReceiver(t)
	ctx := context.Background()

	appendN(log, 4)
	svc.GetUpdates(ctx, "tok", PollRequest{Offset: offset(3)})
	if err := svc.SetWebhook(ctx, WebhookTarget{URL: rcv.srv.URL}, false); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}
	waitFor(t, "two deliveries", func() bool { return len(rcv.got()) == 2 })
	if got := rcv.got(); got[0] != 3 || got[1] != 4 {
		t.Fatalf("expected delivery to start at the acknowledged offset, got %v", got)
	}
}

func TestWebhook_DropPending(t *testing.T) {
	svc, log := newTestService(t, nil)
	rcv := newReceiver(t)

	appendN(log, 3)
	if err := svc.SetWebhook(context.Background(), WebhookTarget{URL: rcv.srv.URL}, true); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}
	appendN(log, 1)

	waitFor(t, "one delivery", func() bool { return len(rcv.got()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := rcv.got(); len(got) != 1 || got[0] != 4 {
		t.Fatalf("expected only update 4, got %v", got)
	}
}

func TestWebhook_RestoredOnStart(t *testing.T) {
	state := newMemState()
	rcv := newReceiver(t)
	raw, _ := json.Marshal(WebhookTarget{URL: rcv.srv.URL})
	state.m[keyWebhookTarget] = string(raw)
	state.m[keyWebhookCursor] = "3"

	svc, log := newTestService(t, state)
	appendN(log, 4)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.WebhookActive() {
		t.Fatal("expected webhook mode after restore")
	}

	waitFor(t, "resumed deliveries", func() bool { return len(rcv.got()) == 2 })
	if got := rcv.got(); got[0] != 3 || got[1] != 4 {
		t.Fatalf("expected [3 4], got %v", got)
	}
}

func TestWebhook_DeleteClearsState(t *testing.T) {
	state := newMemState()
	svc, _ := newTestService(t, state)
	rcv := newReceiver(t)
	ctx := context.Background()

	if err := svc.SetWebhook(ctx, WebhookTarget{URL: rcv.srv.URL}, false); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}
	if state.get(keyWebhookTarget) == "" {
		t.Fatal("expected target persisted")
	}
	if err := svc.DeleteWebhook(ctx, false); err != nil {
		t.Fatalf("deleteWebhook: %v", err)
	}
	if state.get(keyWebhookTarget) != "" || svc.WebhookActive() {
		t.Fatal("expected webhook fully removed")
	}
	if info := svc.WebhookInfo(); info.URL != "" {
		t.Fatalf("expected empty url, got %+v", info)
	}
}

func TestSetWebhook_Validation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	cases := []WebhookTarget{
		{URL: "ftp://example.com/hook"},
		{URL: "not a url"},
		{URL: "https://example.com/hook", MaxConnections: 101},
		{URL: "https://example.com/hook", AllowedUpdates: []string{"callback_query"}},
	}
	for _, c := range cases {
		if err := svc.SetWebhook(context.Background(), c, false); !errors.Is(err, domain.ErrInvalidParameter) {
			t.Errorf("%+v: expected ErrInvalidParameter, got %v", c, err)
		}
	}
	if svc.WebhookActive() {
		t.Fatal("invalid targets must not activate webhook mode")
	}
}

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"update_id":1}`)
	sig := Sign(body, "k")
	if !Verify(body, "k", sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(body, "other", sig) || Verify([]byte(`{}`), "k", sig) {
		t.Fatal("expected mismatch to fail")
	}
}
