package domain

import (
	"context"
	"io"
	"time"
)

// StoredFile is a blob held by a FileStore.
type StoredFile struct {
	UniqueID string    `json:"file_unique_id"`
	Ref      string    `json:"storage_ref"`
	Name     string    `json:"file_name"`
	Size     int64     `json:"file_size"`
	MimeType string    `json:"mime_type,omitempty"`
	ModTime  time.Time `json:"modified"`
}

// FileStore keeps file content addressed by its SHA-256.
type FileStore interface {
	Store(ctx context.Context, data []byte, suggestedName string) (StoredFile, error)
	// Resolve maps any file_id issuance (or a file_unique_id) to the stored blob.
	Resolve(ctx context.Context, fileID string) (StoredFile, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, fileID string) error
	// Sweep removes blobs older than ttl and returns how many were removed.
	Sweep(ctx context.Context, ttl time.Duration) (int, error)
}

// MessageFilter narrows a history query.
type MessageFilter struct {
	Direction Direction
	// Kind is one of "text", "document" or "photo".
	Kind   string
	Since  time.Time
	Offset int
	Limit  int
}

// StoreStats summarizes the message history.
type StoreStats struct {
	TotalMessages int64      `json:"total_messages"`
	Inbound       int64      `json:"inbound"`
	Outbound      int64      `json:"outbound"`
	System        int64      `json:"system"`
	Files         int64      `json:"files"`
	FileBytes     int64      `json:"file_bytes"`
	FirstAt       *time.Time `json:"first_at,omitempty"`
	LastAt        *time.Time `json:"last_at,omitempty"`
}

// MessageStore is durable history, independent of update log retention.
type MessageStore interface {
	AppendMessage(ctx context.Context, u Update) error
	QueryMessages(ctx context.Context, f MessageFilter) ([]Update, error)
	Stats(ctx context.Context) (StoreStats, error)
}

// StateStore persists small named values (cursors, session token, webhook target).
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error
}
