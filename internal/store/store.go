// Package store is the SQLite persistence layer: message history, file metadata,
// small key/value state and scheduled tasks.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"wxhelper/internal/domain"
)

// SQLiteStore implements domain.MessageStore, domain.StateStore and
// domain.TaskStore on a single SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open creates the database directory, opens the database in WAL mode and
// applies pending migrations.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type messageRow struct {
	UpdateID     int64  `db:"update_id"`
	MessageID    string `db:"message_id"`
	Direction    string `db:"direction"`
	Kind         string `db:"kind"`
	Text         string `db:"text"`
	FileUniqueID string `db:"file_unique_id"`
	Payload      string `db:"payload"`
	Date         int64  `db:"date"`
	ReceivedAt   int64  `db:"received_at"`
}

func (r messageRow) update() (domain.Update, error) {
	var m domain.Message
	if err := json.Unmarshal([]byte(r.Payload), &m); err != nil {
		return domain.Update{}, fmt.Errorf("decode message %d: %w", r.UpdateID, err)
	}
	m.Direction = domain.Direction(r.Direction)
	return domain.Update{UpdateID: r.UpdateID, Message: &m, ReceivedAt: time.UnixMilli(r.ReceivedAt)}, nil
}

func messageKind(m *domain.Message) string {
	switch {
	case len(m.Photo) > 0:
		return "photo"
	case m.Document != nil:
		return "document"
	default:
		return "text"
	}
}

// AppendMessage records an update. Re-appending the same update id is a no-op.
func (s *SQLiteStore) AppendMessage(ctx context.Context, u domain.Update) error {
	if u.Message == nil {
		return nil
	}
	m := u.Message
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	received := u.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	row := messageRow{
		UpdateID:   u.UpdateID,
		MessageID:  m.MessageID,
		Direction:  string(m.Direction),
		Kind:       messageKind(m),
		Text:       m.Text,
		Payload:    string(payload),
		Date:       m.Date,
		ReceivedAt: received.UnixMilli(),
	}
	if m.Document != nil {
		row.FileUniqueID = m.Document.FileUniqueID
		if row.Text == "" {
			row.Text = m.Caption
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(update_id, message_id, direction, kind, text, file_unique_id, payload, date, received_at)
		VALUES
			(:update_id, :message_id, :direction, :kind, :text, :file_unique_id, :payload, :date, :received_at)`,
		row); err != nil {
		return fmt.Errorf("insert message %d: %w", u.UpdateID, err)
	}
	if d := m.Document; d != nil && d.StorageRef != "" {
		now := received.Unix()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (file_unique_id, file_name, mime_type, file_size, storage_ref, message_id, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(file_unique_id) DO UPDATE SET last_seen = excluded.last_seen, message_id = excluded.message_id`,
			d.FileUniqueID, d.FileName, d.MimeType, d.FileSize, d.StorageRef, m.MessageID, now, now); err != nil {
			return fmt.Errorf("record file %s: %w", d.FileUniqueID, err)
		}
	}
	return tx.Commit()
}

// QueryMessages returns history matching f, newest first.
func (s *SQLiteStore) QueryMessages(ctx context.Context, f domain.MessageFilter) ([]domain.Update, error) {
	var (
		where []string
		args  []any
	)
	if f.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, f.Since.Unix())
	}
	q := "SELECT * FROM messages"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += " ORDER BY update_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return s.toUpdates(rows), nil
}

// UpdatesSince returns up to limit updates with id >= from, oldest first.
func (s *SQLiteStore) UpdatesSince(ctx context.Context, from int64, limit int) ([]domain.Update, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM messages WHERE update_id >= ? ORDER BY update_id ASC LIMIT ?", from, limit); err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	return s.toUpdates(rows), nil
}

// TailUpdates returns the newest n updates, oldest first.
func (s *SQLiteStore) TailUpdates(ctx context.Context, n int) ([]domain.Update, error) {
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM (SELECT * FROM messages ORDER BY update_id DESC LIMIT ?) ORDER BY update_id ASC", n); err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	return s.toUpdates(rows), nil
}

func (s *SQLiteStore) toUpdates(rows []messageRow) []domain.Update {
	out := make([]domain.Update, 0, len(rows))
	for _, r := range rows {
		u, err := r.update()
		if err != nil {
			s.logger.Warn("skipping corrupt history row", "err", err)
			continue
		}
		out = append(out, u)
	}
	return out
}

// MaxUpdateID is the highest recorded update id, 0 when empty.
func (s *SQLiteStore) MaxUpdateID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, "SELECT COALESCE(MAX(update_id), 0) FROM messages")
	return id, err
}

// Stats summarizes history and stored files.
func (s *SQLiteStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	var row struct {
		Total    int64         `db:"total"`
		Inbound  int64         `db:"inbound"`
		Outbound int64         `db:"outbound"`
		System   int64         `db:"system"`
		First    sql.NullInt64 `db:"first_at"`
		Last     sql.NullInt64 `db:"last_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(direction = 'inbound'), 0) AS inbound,
			COALESCE(SUM(direction = 'outbound'), 0) AS outbound,
			COALESCE(SUM(direction = 'system'), 0) AS system,
			MIN(date) AS first_at,
			MAX(date) AS last_at
		FROM messages`)
	if err != nil {
		return domain.StoreStats{}, fmt.Errorf("message stats: %w", err)
	}
	st := domain.StoreStats{
		TotalMessages: row.Total,
		Inbound:       row.Inbound,
		Outbound:      row.Outbound,
		System:        row.System,
	}
	if row.First.Valid {
		t := time.Unix(row.First.Int64, 0)
		st.FirstAt = &t
	}
	if row.Last.Valid {
		t := time.Unix(row.Last.Int64, 0)
		st.LastAt = &t
	}
	var files struct {
		Count int64 `db:"n"`
		Bytes int64 `db:"bytes"`
	}
	if err := s.db.GetContext(ctx, &files,
		"SELECT COUNT(*) AS n, COALESCE(SUM(file_size), 0) AS bytes FROM files"); err != nil {
		return domain.StoreStats{}, fmt.Errorf("file stats: %w", err)
	}
	st.Files, st.FileBytes = files.Count, files.Bytes
	return st, nil
}

// FileRecord is a row of the files table.
type FileRecord struct {
	UniqueID  string `db:"file_unique_id" json:"file_unique_id"`
	Name      string `db:"file_name" json:"file_name"`
	MimeType  string `db:"mime_type" json:"mime_type,omitempty"`
	Size      int64  `db:"file_size" json:"file_size"`
	Ref       string `db:"storage_ref" json:"-"`
	MessageID string `db:"message_id" json:"message_id,omitempty"`
	FirstSeen int64  `db:"first_seen" json:"first_seen"`
	LastSeen  int64  `db:"last_seen" json:"last_seen"`
}

// ListFiles returns file metadata, most recently seen first.
func (s *SQLiteStore) ListFiles(ctx context.Context, limit int) ([]FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []FileRecord
	err := s.db.SelectContext(ctx, &out, "SELECT * FROM files ORDER BY last_seen DESC LIMIT ?", limit)
	return out, err
}

// ForgetFile drops a file's metadata row.
func (s *SQLiteStore) ForgetFile(ctx context.Context, uniqueID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE file_unique_id = ?", uniqueID)
	return err
}

// --- StateStore ---

// GetState reads a key.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, "SELECT value FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return v, true, nil
}

// SetState upserts a key.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// DeleteState removes a key; missing keys are not an error.
func (s *SQLiteStore) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return err
}

// --- TaskStore ---

type taskRow struct {
	ID          string        `db:"id"`
	Schedule    string        `db:"schedule"`
	Command     string        `db:"command"`
	Description string        `db:"description"`
	Enabled     bool          `db:"enabled"`
	LastRun     sql.NullInt64 `db:"last_run"`
	LastResult  string        `db:"last_result"`
	CreatedAt   int64         `db:"created_at"`
}

// ListTasks returns all tasks ordered by creation.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM tasks ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		t := domain.Task{
			ID:          r.ID,
			Schedule:    r.Schedule,
			Command:     r.Command,
			Description: r.Description,
			Enabled:     r.Enabled,
			LastResult:  r.LastResult,
			CreatedAt:   time.Unix(r.CreatedAt, 0),
		}
		if r.LastRun.Valid {
			lr := time.Unix(r.LastRun.Int64, 0)
			t.LastRun = &lr
		}
		out = append(out, t)
	}
	return out, nil
}

// SaveTask inserts or replaces a task.
func (s *SQLiteStore) SaveTask(ctx context.Context, t domain.Task) error {
	row := taskRow{
		ID:          t.ID,
		Schedule:    t.Schedule,
		Command:     t.Command,
		Description: t.Description,
		Enabled:     t.Enabled,
		LastResult:  t.LastResult,
		CreatedAt:   t.CreatedAt.Unix(),
	}
	if t.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().Unix()
	}
	if t.LastRun != nil {
		row.LastRun = sql.NullInt64{Int64: t.LastRun.Unix(), Valid: true}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO tasks (id, schedule, command, description, enabled, last_run, last_result, created_at)
		VALUES (:id, :schedule, :command, :description, :enabled, :last_run, :last_result, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTask removes a task.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: task %s", domain.ErrInvalidParameter, id)
	}
	return nil
}
