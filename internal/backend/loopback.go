// Package backend holds the drivers behind the session manager: a browser that
// drives the filehelper web page, and an in-memory loopback for development.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"wxhelper/internal/domain"
)

// Outgoing is something the loopback backend was asked to send.
type Outgoing struct {
	ID       string
	Text     string
	FileName string
	Data     []byte
	At       time.Time
}

// Loopback is an in-memory backend. A challenge is "scanned" by calling Scan
// (or POST /wechat/loopback/scan); inbound events are injected with Inject.
type Loopback struct {
	logger *slog.Logger

	mu        sync.Mutex
	seq       int
	tokens    map[string]bool
	connected bool
	challenge string
	scanned   chan string
	inbox     []domain.RawEvent
	outbox    []Outgoing
	pingErr   error
	// Echo makes every sent text come back as an inbound event, like the real
	// page does when it scrapes its own bubbles.
	echo bool
}

// NewLoopback creates a loopback backend.
func NewLoopback(echo bool, logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		logger:  logger,
		tokens:  map[string]bool{},
		scanned: make(chan string, 1),
		echo:    echo,
	}
}

func (l *Loopback) Name() string { return "loopback" }

// RequestChallenge issues a new QR challenge; the previous one can no longer be scanned.
func (l *Loopback) RequestChallenge(ctx context.Context) (domain.Challenge, error) {
	id := uuid.NewString()
	content := "wxhelper://login/" + id
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("render qr: %w", err)
	}
	l.mu.Lock()
	l.challenge = id
	l.mu.Unlock()
	return domain.Challenge{ID: id, Content: content, PNG: png, IssuedAt: time.Now()}, nil
}

// Scan accepts the challenge with the given id, or the current one when id is empty.
func (l *Loopback) Scan(id string) error {
	l.mu.Lock()
	cur := l.challenge
	l.mu.Unlock()
	if cur == "" || (id != "" && id != cur) {
		return fmt.Errorf("%w: no such challenge", domain.ErrChallengeExpired)
	}
	select {
	case l.scanned <- cur:
	default:
	}
	return nil
}

// AwaitLogin blocks until ch is scanned.
func (l *Loopback) AwaitLogin(ctx context.Context, ch domain.Challenge) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case id := <-l.scanned:
			if id != ch.ID {
				continue
			}
			token := "lb-" + uuid.NewString()
			l.mu.Lock()
			l.tokens[token] = true
			l.connected = true
			l.challenge = ""
			l.mu.Unlock()
			return token, nil
		}
	}
}

// Restore accepts any token this backend issued and has not logged out.
func (l *Loopback) Restore(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.tokens[token] {
		return fmt.Errorf("%w: unknown session token", domain.ErrLoginRequired)
	}
	l.connected = true
	return nil
}

func (l *Loopback) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pingErr != nil {
		return l.pingErr
	}
	if !l.connected {
		return domain.ErrBackendDisconnected
	}
	return nil
}

// Poll drains injected events.
func (l *Loopback) Poll(ctx context.Context) ([]domain.RawEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, domain.ErrBackendDisconnected
	}
	out := l.inbox
	l.inbox = nil
	return out, nil
}

func (l *Loopback) SendText(ctx context.Context, text string) (string, error) {
	return l.send(Outgoing{Text: text})
}

func (l *Loopback) SendFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	return l.send(Outgoing{FileName: filepath.Base(path), Data: data})
}

func (l *Loopback) send(o Outgoing) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return "", domain.ErrBackendDisconnected
	}
	l.seq++
	o.ID = fmt.Sprintf("lb-out-%d", l.seq)
	o.At = time.Now()
	l.outbox = append(l.outbox, o)
	if l.echo && o.Text != "" {
		l.inbox = append(l.inbox, domain.RawEvent{Kind: domain.RawText, BackendID: "echo-" + o.ID, Text: o.Text, At: o.At})
	}
	return o.ID, nil
}

func (l *Loopback) SaveState(ctx context.Context) error { return nil }

func (l *Loopback) Logout(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.tokens = map[string]bool{}
	return nil
}

func (l *Loopback) Close() error { return nil }

// Inject queues an inbound event for the next Poll. Events without a backend id
// get one.
func (l *Loopback) Inject(ev domain.RawEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.BackendID == "" {
		l.seq++
		ev.BackendID = fmt.Sprintf("lb-in-%d", l.seq)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.inbox = append(l.inbox, ev)
}

// Sent returns everything sent so far.
func (l *Loopback) Sent() []Outgoing {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Outgoing(nil), l.outbox...)
}

// Drop simulates the remote side ending the session.
func (l *Loopback) Drop() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

// FailPings makes Ping return err until called again with nil.
func (l *Loopback) FailPings(err error) {
	l.mu.Lock()
	l.pingErr = err
	l.mu.Unlock()
}
