package files

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/nfnt/resize"

	"wxhelper/internal/domain"
)

// ThumbnailSize bounds the longest side of generated thumbnails.
const ThumbnailSize = 320

// ImageInfo describes a decoded image and its thumbnail rendition.
type ImageInfo struct {
	Width, Height           int
	Thumb                   []byte
	ThumbWidth, ThumbHeight int
}

// Thumbnail decodes data and renders a JPEG thumbnail whose longest side is at
// most max pixels. Images already within bounds are re-encoded unscaled.
func Thumbnail(data []byte, max uint) (ImageInfo, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	info := ImageInfo{Width: b.Dx(), Height: b.Dy()}

	thumb := img
	if uint(b.Dx()) > max || uint(b.Dy()) > max {
		thumb = resize.Thumbnail(max, max, img, resize.Lanczos3)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return ImageInfo{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	tb := thumb.Bounds()
	info.Thumb = buf.Bytes()
	info.ThumbWidth, info.ThumbHeight = tb.Dx(), tb.Dy()
	return info, nil
}

// Lister is implemented by stores that can enumerate their blobs.
type Lister interface {
	List(ctx context.Context) ([]domain.StoredFile, error)
}

// Materialize makes a blob available as a local file, for backends that upload
// from disk. cleanup removes any temporary copy.
func Materialize(ctx context.Context, store domain.FileStore, f domain.StoredFile) (path string, cleanup func(), err error) {
	if local, ok := store.(*LocalStore); ok {
		p, err := local.LocalPath(f.Ref)
		return p, func() {}, err
	}

	rc, err := store.Open(ctx, f.Ref)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	dir, err := os.MkdirTemp("", "wxhelper-send-*")
	if err != nil {
		return "", nil, fmt.Errorf("temp dir: %w", err)
	}
	cleanup = func() { os.RemoveAll(dir) }
	p := filepath.Join(dir, SafeName(f.Name, f.UniqueID))
	out, err := os.Create(p)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		cleanup()
		return "", nil, fmt.Errorf("copy blob: %w", err)
	}
	if err := out.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return p, cleanup, nil
}
