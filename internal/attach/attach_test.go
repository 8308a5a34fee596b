package attach

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanchat/lanchat/internal/protocol"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func refOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func countObjects(t *testing.T, s *Store) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(filepath.Join(s.root, "objects"), func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && filepath.Ext(path) != ".json" {
			n++
		}
		return err
	})
	require.NoError(t, err)
	return n
}

func newTestServer(t *testing.T, s *Store, avatar string) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	NewServer(s, ServerOptions{Avatar: func() string { return avatar }}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIdenticalContentStoredOnce(t *testing.T) {
	s := newStore(t)
	content := []byte("the same bytes twice")
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(p1, content, 0o644))
	require.NoError(t, os.WriteFile(p2, content, 0o644))

	o1, err := s.Ingest(p1)
	require.NoError(t, err)
	o2, err := s.Ingest(p2)
	require.NoError(t, err)

	assert.Equal(t, refOf(content), o1.Ref)
	assert.Equal(t, o1.Ref, o2.Ref)
	assert.Equal(t, "a.txt", o2.Filename, "first name wins")
	assert.Equal(t, int64(len(content)), o1.Size)
	assert.Equal(t, 1, countObjects(t, s))

	srv := newTestServer(t, s, "")
	resp, err := http.Get(srv.URL + "/files/" + o1.Ref)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, body)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename=a.txt`)
}

func TestServeRange(t *testing.T) {
	s := newStore(t)
	obj, err := s.IngestReader(strings.NewReader("0123456789"), "digits.txt")
	require.NoError(t, err)
	srv := newTestServer(t, s, "")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/files/"+obj.Ref, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=4-")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "456789", string(body))
}

func TestMissingFileIsJSON404(t *testing.T) {
	srv := newTestServer(t, newStore(t), "")
	for _, ref := range []string{strings.Repeat("a", 64), "nothex", "ABCDEF"} {
		resp, err := http.Get(srv.URL + "/files/" + ref)
		require.NoError(t, err)
		var env protocol.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, ref)
		assert.False(t, env.OK)
	}
}

func TestIngestVerifiedRejectsMismatch(t *testing.T) {
	s := newStore(t)
	_, err := s.IngestVerified(strings.NewReader("payload"), "x", refOf([]byte("other")))
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Zero(t, countObjects(t, s))

	_, err = s.IngestVerified(strings.NewReader("payload"), "x", "short")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestThumbnail(t *testing.T) {
	s := newStore(t)
	obj, err := s.IngestReader(bytes.NewReader(pngBytes(t, 400, 200)), "wide.png")
	require.NoError(t, err)
	srv := newTestServer(t, s, "")

	resp, err := http.Get(srv.URL + "/files/" + obj.Ref + "/thumb?size=100")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())

	cached, err := s.Thumbnail(obj.Ref, 100)
	require.NoError(t, err)
	assert.FileExists(t, cached)
}

func TestThumbnailOfNonImage(t *testing.T) {
	s := newStore(t)
	obj, err := s.IngestReader(strings.NewReader("plain text"), "notes.txt")
	require.NoError(t, err)
	srv := newTestServer(t, s, "")

	resp, err := http.Get(srv.URL + "/files/" + obj.Ref + "/thumb")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func pngChunk(typ string, data []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(len(data)))
	buf.WriteString(typ)
	buf.Write(data)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(append([]byte(typ), data...)))
	return buf.Bytes()
}

func TestThumbnailRejectsOversizedHeader(t *testing.T) {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], 100000)
	binary.BigEndian.PutUint32(ihdr[4:], 100000)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA
	var forged bytes.Buffer
	forged.WriteString("\x89PNG\r\n\x1a\n")
	forged.Write(pngChunk("IHDR", ihdr))
	forged.Write(pngChunk("IDAT", []byte{0x78, 0x9c, 0x03, 0x00, 0x00, 0x00, 0x00, 0x01}))
	forged.Write(pngChunk("IEND", nil))

	s := newStore(t)
	obj, err := s.IngestReader(bytes.NewReader(forged.Bytes()), "huge.png")
	require.NoError(t, err)

	_, err = s.Thumbnail(obj.Ref, 64)
	assert.ErrorIs(t, err, ErrNotImage)
	assert.NoFileExists(t, filepath.Join(s.root, "thumbs", obj.Ref[:2], obj.Ref+"_64.png"))

	srv := newTestServer(t, s, "")
	resp, err := http.Get(srv.URL + "/files/" + obj.Ref + "/thumb?size=64")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestClampThumbSize(t *testing.T) {
	assert.Equal(t, DefaultThumbSize, ClampThumbSize(0))
	assert.Equal(t, MinThumbSize, ClampThumbSize(5))
	assert.Equal(t, MaxThumbSize, ClampThumbSize(5000))
	assert.Equal(t, 300, ClampThumbSize(300))
}

func TestFit(t *testing.T) {
	w, h := fit(400, 200, 100)
	assert.Equal(t, []int{100, 50}, []int{w, h})
	w, h = fit(200, 400, 100)
	assert.Equal(t, []int{50, 100}, []int{w, h})
	w, h = fit(20, 10, 100)
	assert.Equal(t, []int{20, 10}, []int{w, h})
}

func TestAvatarOnlyServesConfiguredRef(t *testing.T) {
	s := newStore(t)
	avatar, err := s.IngestReader(bytes.NewReader(pngBytes(t, 8, 8)), "me.png")
	require.NoError(t, err)
	other, err := s.IngestReader(strings.NewReader("secret"), "file.txt")
	require.NoError(t, err)
	srv := newTestServer(t, s, avatar.Ref)

	resp, err := http.Get(srv.URL + "/avatar/" + avatar.Ref)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/avatar/" + other.Ref)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadResumes(t *testing.T) {
	src := newStore(t)
	content := bytes.Repeat([]byte("lanchat-"), 4096)
	obj, err := src.IngestReader(bytes.NewReader(content), "big.bin")
	require.NoError(t, err)
	srv := newTestServer(t, src, "")

	dest := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(dest+".part", content[:1000], 0o644))

	var last, total int64
	f := NewFetcher(nil, nil)
	err = f.Download(context.Background(), srv.URL+"/files/"+obj.Ref, dest, 0, func(done, tot int64) {
		last, total = done, tot
	})
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int64(len(content)), last)
	assert.Equal(t, int64(len(content)), total)
	assert.NoFileExists(t, dest+".part")
}

func TestFetchIntoVerifiesHash(t *testing.T) {
	src := newStore(t)
	obj, err := src.IngestReader(strings.NewReader("avatar bytes"), "me.png")
	require.NoError(t, err)
	srv := newTestServer(t, src, obj.Ref)

	dst := newStore(t)
	f := NewFetcher(nil, nil)
	got, err := f.FetchInto(context.Background(), dst, srv.URL+"/avatar/"+obj.Ref, obj.Ref, "peer.png", 0)
	require.NoError(t, err)
	assert.Equal(t, obj.Ref, got.Ref)
	assert.True(t, dst.Has(obj.Ref))

	wrong := refOf([]byte("something else"))
	_, err = f.FetchInto(context.Background(), dst, srv.URL+"/files/"+obj.Ref, wrong, "x", 0)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.False(t, dst.Has(wrong))
}

func TestIngestContextCancelled(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("never stored"), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.IngestContext(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Has(refOf([]byte("never stored"))))
	assert.Equal(t, 0, countObjects(t, s))
}

func TestDownloadEnforcesLimit(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 10<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chunked" {
			// no Content-Length: the size is only known while reading
			for i := 0; i < len(body); i += 1024 {
				w.Write(body[i : i+1024])
				w.(http.Flusher).Flush()
			}
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	f := NewFetcher(nil, nil)

	for _, path := range []string{"/sized", "/chunked"} {
		t.Run(path, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "out.bin")
			err := f.Download(context.Background(), srv.URL+path, dest, 1<<10, nil)
			assert.ErrorIs(t, err, ErrTooLarge)
			assert.NoFileExists(t, dest)
			assert.NoFileExists(t, dest+".part")
		})
	}

	dest := filepath.Join(t.TempDir(), "exact.bin")
	require.NoError(t, f.Download(context.Background(), srv.URL+"/chunked", dest, int64(len(body)), nil))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFetchIntoRespectsLimit(t *testing.T) {
	src := newStore(t)
	content := bytes.Repeat([]byte("avatar"), 1024)
	obj, err := src.IngestReader(bytes.NewReader(content), "me.png")
	require.NoError(t, err)
	srv := newTestServer(t, src, obj.Ref)

	dst := newStore(t)
	_, err = NewFetcher(nil, nil).FetchInto(context.Background(), dst, srv.URL+"/avatar/"+obj.Ref, obj.Ref, "peer.png", 512)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, dst.Has(obj.Ref))
}
