package backend

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wxhelper/internal/domain"
	"wxhelper/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitState(t *testing.T, m *session.Manager, want domain.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state %s, want %s", m.State(), want)
}

func TestLoopback_QRLogin(t *testing.T) {
	lb := NewLoopback(false, testLogger())
	m := session.NewManager(session.Config{Backend: lb, Logger: testLogger()})
	defer m.Close()

	ch, err := m.RequestQR(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(ch.PNG, []byte("\x89PNG")) {
		t.Fatal("challenge is not a PNG")
	}
	if err := lb.Scan("someone-else"); !errors.Is(err, domain.ErrChallengeExpired) {
		t.Fatalf("expected foreign challenge rejected, got %v", err)
	}
	if err := lb.Scan(ch.ID); err != nil {
		t.Fatal(err)
	}
	waitState(t, m, domain.StateConnected)

	id, err := m.SendText(context.Background(), "hello")
	if err != nil || id == "" {
		t.Fatalf("send: %q %v", id, err)
	}
	sent := lb.Sent()
	if len(sent) != 1 || sent[0].Text != "hello" {
		t.Fatalf("unexpected outbox %+v", sent)
	}
}

func TestLoopback_RestoreAndDrop(t *testing.T) {
	lb := NewLoopback(false, testLogger())
	ctx := context.Background()

	if err := lb.Restore(ctx, "lb-unknown"); !errors.Is(err, domain.ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}

	ch, _ := lb.RequestChallenge(ctx)
	go lb.Scan("")
	token, err := lb.AwaitLogin(ctx, ch)
	if err != nil {
		t.Fatal(err)
	}
	if err := lb.Ping(ctx); err != nil {
		t.Fatalf("ping after login: %v", err)
	}

	lb.Drop()
	if err := lb.Ping(ctx); !errors.Is(err, domain.ErrBackendDisconnected) {
		t.Fatalf("expected disconnected, got %v", err)
	}
	if _, err := lb.Poll(ctx); !errors.Is(err, domain.ErrBackendDisconnected) {
		t.Fatalf("expected poll to fail while dropped, got %v", err)
	}
	if err := lb.Restore(ctx, token); err != nil {
		t.Fatalf("restore: %v", err)
	}

	lb.Logout(ctx)
	if err := lb.Restore(ctx, token); !errors.Is(err, domain.ErrLoginRequired) {
		t.Fatalf("token must be forgotten after logout, got %v", err)
	}
}

func TestLoopback_InjectAndEcho(t *testing.T) {
	lb := NewLoopback(true, testLogger())
	ctx := context.Background()
	ch, _ := lb.RequestChallenge(ctx)
	go lb.Scan(ch.ID)
	if _, err := lb.AwaitLogin(ctx, ch); err != nil {
		t.Fatal(err)
	}

	lb.Inject(domain.RawEvent{Kind: domain.RawText, Text: "ping"})
	if _, err := lb.SendText(ctx, "pong"); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "a.txt")
	os.WriteFile(path, []byte("data"), 0o644)
	if _, err := lb.SendFile(ctx, path); err != nil {
		t.Fatal(err)
	}

	evs, err := lb.Poll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Text != "ping" || evs[1].Text != "pong" {
		t.Fatalf("unexpected events %+v", evs)
	}
	if evs[0].BackendID == "" || evs[0].BackendID == evs[1].BackendID {
		t.Fatalf("events need distinct backend ids: %+v", evs)
	}
	if evs, _ := lb.Poll(ctx); len(evs) != 0 {
		t.Fatalf("poll must drain the inbox, got %d", len(evs))
	}
	if sent := lb.Sent(); len(sent) != 2 || sent[1].FileName != "a.txt" || string(sent[1].Data) != "data" {
		t.Fatalf("unexpected outbox %+v", sent)
	}
}

func TestBrowser_RestoreRejectsForeignToken(t *testing.T) {
	b := NewBrowser(BrowserConfig{ProfileDir: t.TempDir(), Headless: true, Logger: testLogger()})
	defer b.Close()
	if b.Name() != "browser" {
		t.Fatalf("unexpected name %q", b.Name())
	}
	if err := b.Restore(context.Background(), "lb-token"); !errors.Is(err, domain.ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}
}

func TestBrowser_MarkSeen(t *testing.T) {
	b := NewBrowser(BrowserConfig{ProfileDir: t.TempDir(), Headless: true, Logger: testLogger()})
	defer b.Close()
	if !b.markSeen("m1") {
		t.Fatal("first sighting must be new")
	}
	if b.markSeen("m1") {
		t.Fatal("second sighting must be a duplicate")
	}
	b.seen.Flush()
	if !b.markSeen("m1") {
		t.Fatal("expected key forgotten after flush")
	}
	if n := b.seen.ItemCount(); n != 1 {
		t.Fatalf("expected one remembered key, got %d", n)
	}
}
