package domain

import (
	"context"
	"time"
)

// SessionState is the backend connection state.
type SessionState string

const (
	StateLoggedOut    SessionState = "logged_out"
	StateAwaitingQR   SessionState = "awaiting_qr"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
	StateDead         SessionState = "dead"
)

// Session is a point-in-time copy of the session manager's state.
type Session struct {
	State             SessionState `json:"state"`
	SessionToken      string       `json:"-"`
	QRChallenge       *Challenge   `json:"qr_challenge,omitempty"`
	LastHeartbeatAt   time.Time    `json:"last_heartbeat_at"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
	ConnectedSince    time.Time    `json:"connected_since"`
	LastError         string       `json:"last_error,omitempty"`
}

// Challenge is a QR login challenge. Content is the text encoded in the QR code
// when the backend knows it; PNG is always set.
type Challenge struct {
	ID        string    `json:"id"`
	Content   string    `json:"content,omitempty"`
	PNG       []byte    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the challenge is past its expiry at t.
func (c Challenge) Expired(t time.Time) bool {
	return !c.ExpiresAt.IsZero() && !t.Before(c.ExpiresAt)
}

// RawEventKind classifies backend events before normalization.
type RawEventKind string

const (
	RawText   RawEventKind = "text"
	RawFile   RawEventKind = "file"
	RawImage  RawEventKind = "image"
	RawSystem RawEventKind = "system"
)

// RawEvent is an inbound event as the backend produced it.
type RawEvent struct {
	Kind      RawEventKind
	BackendID string
	Text      string
	FileName  string
	MimeType  string
	// Data holds file content when the backend delivered it inline.
	Data []byte
	// Fetch downloads file content lazily when Data is nil.
	Fetch func(ctx context.Context) ([]byte, error)
	At    time.Time
}

// Backend is a driver for the WeChat filehelper connection.
type Backend interface {
	Name() string
	// RequestChallenge starts a fresh login and returns its QR challenge.
	RequestChallenge(ctx context.Context) (Challenge, error)
	// AwaitLogin blocks until the challenge is scanned and returns a session token.
	AwaitLogin(ctx context.Context, ch Challenge) (string, error)
	// Restore re-establishes a session from a previously returned token.
	Restore(ctx context.Context, token string) error
	// Ping is the heartbeat probe.
	Ping(ctx context.Context) error
	// Poll returns events received since the previous call.
	Poll(ctx context.Context) ([]RawEvent, error)
	SendText(ctx context.Context, text string) (string, error)
	SendFile(ctx context.Context, path string) (string, error)
	SaveState(ctx context.Context) error
	Logout(ctx context.Context) error
	Close() error
}
