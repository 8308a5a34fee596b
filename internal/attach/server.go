package attach

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lanchat/lanchat/internal/metrics"
	"github.com/lanchat/lanchat/internal/protocol"
)

// Server exposes the store to peers
type Server struct {
	store   *Store
	avatar  func() string
	log     *zap.Logger
	debug   *zap.Logger
	metrics *metrics.Metrics
}

// ServerOptions configures a Server
type ServerOptions struct {
	// Avatar returns the ref of the local avatar; only that ref is served
	// under /avatar
	Avatar  func() string
	Logger  *zap.Logger
	Debug   *zap.Logger
	Metrics *metrics.Metrics
}

// NewServer creates the file server for store
func NewServer(store *Store, opts ServerOptions) *Server {
	s := &Server{
		store:   store,
		avatar:  opts.Avatar,
		log:     opts.Logger,
		debug:   opts.Debug,
		metrics: opts.Metrics,
	}
	if s.avatar == nil {
		s.avatar = func() string { return "" }
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.debug == nil {
		s.debug = s.log
	}
	return s
}

// Register mounts the file routes on r
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/files/{ref}", s.handleFile).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/files/{ref}/thumb", s.handleThumb).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/avatar/{ref}", s.handleAvatar).Methods(http.MethodGet, http.MethodHead)
}

// FileURL is the path peers use to download ref
func FileURL(host string, port int, ref string) string {
	return "http://" + host + ":" + strconv.Itoa(port) + "/files/" + ref
}

// AvatarURL is the path peers use to download an avatar
func AvatarURL(host string, port int, ref string) string {
	return "http://" + host + ":" + strconv.Itoa(port) + "/avatar/" + ref
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	s.serveObject(w, r, ref, "attachment")
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	if ref == "" || ref != s.avatar() {
		writeError(w, http.StatusNotFound, "avatar not found")
		return
	}
	s.serveObject(w, r, ref, "inline")
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, ref, disposition string) {
	f, obj, err := s.store.Open(ref)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat failed")
		return
	}
	if ct := mime.TypeByExtension(filepath.Ext(obj.Filename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": obj.Filename}))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")

	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, obj.Filename, fi.ModTime(), f)
	s.metrics.BytesServed(cw.n)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	size := 0
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "size must be an integer")
			return
		}
		size = n
	}

	path, err := s.store.Thumbnail(ref, size)
	if err != nil {
		s.debug.Debug("thumbnail_failed", zap.String("ref", ref), zap.Int("size", size), zap.Error(err))
		if errors.Is(err, ErrNotImage) {
			writeError(w, http.StatusUnsupportedMediaType, "not an image")
			return
		}
		s.writeStoreError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.debug.Debug("thumbnail_open_failed", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusNotFound, "thumbnail unavailable")
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, filepath.Base(path), fi.ModTime(), f)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidRef):
		writeError(w, http.StatusNotFound, "file not found")
	default:
		s.log.Warn("attach_serve_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{OK: false, Error: message})
}

type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}
