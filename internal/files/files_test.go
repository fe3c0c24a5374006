package files

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wxhelper/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestUniqueID_Idempotent(t *testing.T) {
	a := UniqueID([]byte("hello world"))
	b := UniqueID([]byte("hello world"))
	c := UniqueID([]byte("hello world!"))
	if a != b {
		t.Fatalf("same content produced different ids: %s %s", a, b)
	}
	if a == c {
		t.Fatal("different content produced the same id")
	}
	if len(a) != 43 {
		t.Fatalf("expected 43-char unpadded base64url, got %d", len(a))
	}
}

func TestFileID_ReDerivable(t *testing.T) {
	unique := UniqueID([]byte("payload"))
	first, err := NewFileID(unique, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewFileID(unique, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected distinct issuances")
	}
	for _, id := range []string{first, second, unique} {
		got, err := ParseFileID(id)
		if err != nil || got != unique {
			t.Fatalf("ParseFileID(%s) = %s, %v", id, got, err)
		}
	}
	if _, ok := IssuedAt(first); !ok {
		t.Fatal("expected issuance time in file id")
	}
}

func TestParseFileID_Rejects(t *testing.T) {
	for _, id := range []string{"", "!!!", "c2hvcnQ"} {
		if _, err := ParseFileID(id); !errors.Is(err, domain.ErrInvalidParameter) {
			t.Errorf("%q: expected ErrInvalidParameter, got %v", id, err)
		}
	}
}

func TestLocalStore_StoreResolveOpen(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	f, err := s.Store(ctx, []byte("report body"), "../../etc/report.pdf")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if f.Name != "report.pdf" || f.Size != 11 || f.MimeType != "application/pdf" {
		t.Fatalf("unexpected stored file %+v", f)
	}

	again, err := s.Store(ctx, []byte("report body"), "other-name.bin")
	if err != nil {
		t.Fatal(err)
	}
	if again.UniqueID != f.UniqueID || again.Ref != f.Ref {
		t.Fatalf("re-storing identical content must be idempotent: %+v vs %+v", again, f)
	}

	fileID, _ := NewFileID(f.UniqueID, time.Time{})
	got, err := s.Resolve(ctx, fileID)
	if err != nil || got.Ref != f.Ref {
		t.Fatalf("resolve: %+v %v", got, err)
	}
	rc, err := s.Open(ctx, got.Ref)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "report body" {
		t.Fatalf("unexpected content %q", body)
	}
}

func TestLocalStore_OpenRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	s, _ := NewLocalStore(filepath.Join(root, "store"), testLogger())
	os.WriteFile(filepath.Join(root, "secret"), []byte("x"), 0o600)
	if _, err := s.Open(context.Background(), "../secret"); !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestLocalStore_DeleteAndSweep(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir(), testLogger())
	ctx := context.Background()

	old, _ := s.Store(ctx, []byte("old"), "old.txt")
	fresh, _ := s.Store(ctx, []byte("fresh"), "fresh.txt")
	past := time.Now().Add(-48 * time.Hour)
	p, _ := s.LocalPath(old.Ref)
	if err := os.Chtimes(p, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := s.Sweep(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 swept, got %d %v", n, err)
	}
	if _, err := s.Resolve(ctx, old.UniqueID); !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("expected old blob gone, got %v", err)
	}

	if err := s.Delete(ctx, fresh.UniqueID); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, fresh.UniqueID); !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound on second delete, got %v", err)
	}
	all, _ := s.List(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty store, got %+v", all)
	}
}

func TestThumbnail(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 800, 400))
	for x := 0; x < 800; x++ {
		img.Set(x, 10, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	info, err := Thumbnail(buf.Bytes(), ThumbnailSize)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 800 || info.Height != 400 {
		t.Fatalf("unexpected original size %dx%d", info.Width, info.Height)
	}
	if info.ThumbWidth != 320 || info.ThumbHeight != 160 || len(info.Thumb) == 0 {
		t.Fatalf("unexpected thumbnail %dx%d", info.ThumbWidth, info.ThumbHeight)
	}

	if _, err := Thumbnail([]byte("not an image"), ThumbnailSize); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMaterialize_LocalUsesBlobPath(t *testing.T) {
	s, _ := NewLocalStore(t.TempDir(), testLogger())
	f, _ := s.Store(context.Background(), []byte("doc"), "doc.txt")
	p, cleanup, err := Materialize(context.Background(), s, f)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	if filepath.Base(p) != "doc.txt" {
		t.Fatalf("unexpected path %s", p)
	}
}
