// Package attach stores shared files by content hash, serves them to peers
// over HTTP and downloads files announced by peers.
package attach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound     = errors.New("attach: object not found")
	ErrInvalidRef   = errors.New("attach: invalid content reference")
	ErrHashMismatch = errors.New("attach: content does not match reference")
	ErrTooLarge     = errors.New("attach: content exceeds size limit")
)

// Object describes one stored file
type Object struct {
	Ref      string    `json:"ref"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Created  time.Time `json:"created"`
}

// Store is a content-addressed file store. Objects live at
// objects/<ref[0:2]>/<ref> with a JSON sidecar holding the original name.
// Identical content is stored once.
type Store struct {
	root   string
	log    *zap.Logger
	thumbs singleflight.Group
}

// NewStore prepares the directory layout under root
func NewStore(root string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, dir := range []string{"objects", "tmp", "thumbs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return &Store{root: root, log: log}, nil
}

// ValidRef reports whether ref is a lowercase hex SHA-256
func ValidRef(ref string) bool {
	if len(ref) != sha256.Size*2 {
		return false
	}
	for _, c := range ref {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (s *Store) objectPath(ref string) string {
	return filepath.Join(s.root, "objects", ref[:2], ref)
}

func metaPath(objPath string) string {
	return objPath + ".json"
}

// TempDir is where partial downloads and ingests are staged
func (s *Store) TempDir() string {
	return filepath.Join(s.root, "tmp")
}

// Ingest copies the file at path into the store
func (s *Store) Ingest(path string) (Object, error) {
	return s.IngestContext(context.Background(), path)
}

// IngestContext is Ingest that stops copying once ctx is done. Nothing is
// stored when it does.
func (s *Store) IngestContext(ctx context.Context, path string) (Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return Object{}, err
	}
	defer f.Close()
	return s.ingest(&ctxReader{ctx: ctx, r: f}, filepath.Base(path), "")
}

// ctxReader fails reads once its context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// IngestReader copies r into the store under the given display name
func (s *Store) IngestReader(r io.Reader, name string) (Object, error) {
	return s.ingest(r, name, "")
}

// IngestVerified is IngestReader that rejects content whose hash is not want
func (s *Store) IngestVerified(r io.Reader, name, want string) (Object, error) {
	if !ValidRef(want) {
		return Object{}, ErrInvalidRef
	}
	return s.ingest(r, name, want)
}

func (s *Store) ingest(r io.Reader, name, want string) (Object, error) {
	tmp, err := os.CreateTemp(s.TempDir(), "ingest-*")
	if err != nil {
		return Object{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Object{}, fmt.Errorf("copy content: %w", err)
	}

	ref := hex.EncodeToString(h.Sum(nil))
	if want != "" && ref != want {
		return Object{}, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, ref, want)
	}

	dest := s.objectPath(ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Object{}, err
	}
	if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(tmpName, dest); err != nil {
			return Object{}, fmt.Errorf("store object: %w", err)
		}
	}

	obj := Object{Ref: ref, Filename: cleanName(name), Size: size, Created: time.Now().UTC()}
	if existing, err := s.readMeta(dest); err == nil {
		return existing, nil
	}
	if err := s.writeMeta(dest, obj); err != nil {
		s.log.Warn("attach_meta_write_failed", zap.String("ref", ref), zap.Error(err))
	}
	s.log.Debug("attach_ingested", zap.String("ref", ref), zap.String("filename", obj.Filename), zap.Int64("size", size))
	return obj, nil
}

func cleanName(name string) string {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == "" {
		return "download.bin"
	}
	return name
}

func (s *Store) readMeta(objPath string) (Object, error) {
	data, err := os.ReadFile(metaPath(objPath))
	if err != nil {
		return Object{}, err
	}
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return Object{}, err
	}
	return obj, nil
}

func (s *Store) writeMeta(objPath string, obj Object) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath(objPath), data, 0o644)
}

// Stat returns the description of ref
func (s *Store) Stat(ref string) (Object, error) {
	if !ValidRef(ref) {
		return Object{}, ErrInvalidRef
	}
	p := s.objectPath(ref)
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, err
	}
	obj, err := s.readMeta(p)
	if err != nil {
		obj = Object{Ref: ref, Filename: ref, Created: fi.ModTime()}
	}
	obj.Size = fi.Size()
	return obj, nil
}

// Has reports whether ref is stored
func (s *Store) Has(ref string) bool {
	_, err := s.Stat(ref)
	return err == nil
}

// Open opens the content of ref for reading
func (s *Store) Open(ref string) (*os.File, Object, error) {
	obj, err := s.Stat(ref)
	if err != nil {
		return nil, Object{}, err
	}
	f, err := os.Open(s.objectPath(ref))
	if err != nil {
		return nil, Object{}, err
	}
	return f, obj, nil
}

// Path returns the on-disk location of ref
func (s *Store) Path(ref string) (string, error) {
	if _, err := s.Stat(ref); err != nil {
		return "", err
	}
	return s.objectPath(ref), nil
}
