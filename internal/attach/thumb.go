package attach

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	DefaultThumbSize = 256
	MinThumbSize     = 32
	MaxThumbSize     = 1024
	// MaxSourcePixels bounds the decoded size of a thumbnail source
	MaxSourcePixels = 40_000_000
)

// ErrNotImage is returned when a thumbnail is requested for content that
// cannot be decoded as an image
var ErrNotImage = errors.New("attach: content is not a supported image")

// ClampThumbSize maps a requested edge length into the supported range;
// zero or negative selects the default
func ClampThumbSize(size int) int {
	switch {
	case size <= 0:
		return DefaultThumbSize
	case size < MinThumbSize:
		return MinThumbSize
	case size > MaxThumbSize:
		return MaxThumbSize
	}
	return size
}

// Thumbnail returns the path of a PNG no larger than size×size derived
// from ref, rendering and caching it on first use
func (s *Store) Thumbnail(ref string, size int) (string, error) {
	size = ClampThumbSize(size)
	src, err := s.Path(ref)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(s.root, "thumbs", ref[:2], ref+"_"+strconv.Itoa(size)+".png")
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	v, err, _ := s.thumbs.Do(dest, func() (any, error) {
		return dest, renderThumbnail(src, dest, size, s.TempDir())
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func renderThumbnail(src, dest string, size int, tmpDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	// The header is checked first so a forged size never reaches the decoder.
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxSourcePixels {
		return fmt.Errorf("%w: %dx%d exceeds the decode limit", ErrNotImage, cfg.Width, cfg.Height)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	b := img.Bounds()
	w, h := fit(b.Dx(), b.Dy(), size)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(tmpDir, "thumb-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := png.Encode(tmp, dst); err != nil {
		tmp.Close()
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// fit scales w×h down to fit a box×box square, keeping the aspect ratio.
// Images already inside the box keep their size.
func fit(w, h, box int) (int, int) {
	if w <= box && h <= box {
		return max(w, 1), max(h, 1)
	}
	if w >= h {
		return box, max(h*box/w, 1)
	}
	return max(w*box/h, 1), box
}
