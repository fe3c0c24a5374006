package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"wxhelper/internal/domain"
)

// LocalStore keeps blobs under root/<first two chars>/<unique id>/<file name>.
type LocalStore struct {
	root   string
	logger *slog.Logger
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create file store %s: %w", root, err)
	}
	return &LocalStore{root: root, logger: logger}, nil
}

// Root is the store directory.
func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) blobDir(uniqueID string) string {
	return filepath.Join(s.root, uniqueID[:2], uniqueID)
}

// Store writes data once per distinct content. Storing the same bytes again
// returns the existing blob unchanged.
func (s *LocalStore) Store(ctx context.Context, data []byte, suggestedName string) (domain.StoredFile, error) {
	unique := UniqueID(data)
	if existing, err := s.lookup(unique); err == nil {
		return existing, nil
	}

	name := SafeName(suggestedName, unique)
	dir := s.blobDir(unique)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.StoredFile{}, fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return domain.StoredFile{}, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return domain.StoredFile{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return domain.StoredFile{}, fmt.Errorf("close blob: %w", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return domain.StoredFile{}, fmt.Errorf("commit blob: %w", err)
	}
	s.logger.Debug("file stored", "unique_id", unique, "name", name, "size", len(data))
	return s.describe(unique, name)
}

// Resolve maps a file_id or file_unique_id to its blob.
func (s *LocalStore) Resolve(ctx context.Context, fileID string) (domain.StoredFile, error) {
	unique, err := ParseFileID(fileID)
	if err != nil {
		return domain.StoredFile{}, err
	}
	return s.lookup(unique)
}

func (s *LocalStore) lookup(unique string) (domain.StoredFile, error) {
	entries, err := os.ReadDir(s.blobDir(unique))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.StoredFile{}, fmt.Errorf("%w: %s", domain.ErrFileNotFound, unique)
		}
		return domain.StoredFile{}, err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			return s.describe(unique, e.Name())
		}
	}
	return domain.StoredFile{}, fmt.Errorf("%w: %s", domain.ErrFileNotFound, unique)
}

func (s *LocalStore) describe(unique, name string) (domain.StoredFile, error) {
	info, err := os.Stat(filepath.Join(s.blobDir(unique), name))
	if err != nil {
		return domain.StoredFile{}, fmt.Errorf("stat blob: %w", err)
	}
	return domain.StoredFile{
		UniqueID: unique,
		Ref:      path.Join(unique[:2], unique, name),
		Name:     name,
		Size:     info.Size(),
		MimeType: MimeType(name, nil),
		ModTime:  info.ModTime(),
	}, nil
}

// Open reads a blob by its storage reference.
func (s *LocalStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.refPath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrFileNotFound, ref)
		}
		return nil, err
	}
	return f, nil
}

// LocalPath returns the on-disk path of a blob, for backends that upload from disk.
func (s *LocalStore) LocalPath(ref string) (string, error) {
	return s.refPath(ref)
}

func (s *LocalStore) refPath(ref string) (string, error) {
	clean := path.Clean("/" + ref)
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrFileNotFound, ref)
	}
	return filepath.Join(s.root, parts[0], parts[1], parts[2]), nil
}

// Delete removes the blob a file id refers to.
func (s *LocalStore) Delete(ctx context.Context, fileID string) error {
	unique, err := ParseFileID(fileID)
	if err != nil {
		return err
	}
	dir := s.blobDir(unique)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrFileNotFound, unique)
	}
	return os.RemoveAll(dir)
}

// Sweep deletes blobs whose content is older than ttl.
func (s *LocalStore) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	horizon := time.Now().Add(-ttl)
	all, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range all {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if f.ModTime.After(horizon) {
			continue
		}
		if err := os.RemoveAll(s.blobDir(f.UniqueID)); err != nil {
			s.logger.Warn("sweep failed", "unique_id", f.UniqueID, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// List returns every stored blob, newest first.
func (s *LocalStore) List(ctx context.Context) ([]domain.StoredFile, error) {
	var out []domain.StoredFile
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list file store: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		blobs, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			continue
		}
		for _, b := range blobs {
			if !b.IsDir() {
				continue
			}
			if f, err := s.lookup(b.Name()); err == nil {
				out = append(out, f)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// SafeName reduces a client-supplied name to a single path element.
func SafeName(name, fallback string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == "" || strings.HasPrefix(name, ".") {
		return fallback
	}
	return name
}

// MimeType guesses from the extension, then from the content.
func MimeType(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return "application/octet-stream"
}
