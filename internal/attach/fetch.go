package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Progress receives the bytes written so far and the expected total
// (-1 when unknown)
type Progress func(done, total int64)

// Fetcher downloads files from peers' attachment servers
type Fetcher struct {
	client *http.Client
	log    *zap.Logger
}

// NewFetcher creates a fetcher; a nil client selects one with a generous
// idle timeout suited to large LAN transfers
func NewFetcher(client *http.Client, log *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		}}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{client: client, log: log}
}

// Download fetches url into dest. Bytes already present in dest+".part"
// from an interrupted attempt are kept and only the rest is requested.
// A positive limit caps the total size; larger content fails with
// ErrTooLarge and leaves nothing behind.
func (f *Fetcher) Download(ctx context.Context, url, dest string, limit int64, progress Progress) error {
	part := dest + ".part"
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}
	if limit > 0 && offset > limit {
		_ = os.Remove(part)
		offset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// server ignored the range; start over
		offset = 0
		flags |= os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			return os.Rename(part, dest)
		}
		fallthrough
	default:
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}
	if limit > 0 && total > limit {
		_ = os.Remove(part)
		return fmt.Errorf("fetch %s: %w: %d bytes", url, ErrTooLarge, total)
	}
	var body io.Reader = resp.Body
	if limit > 0 {
		// one byte past the limit tells an oversized body from an exact fit
		body = io.LimitReader(resp.Body, limit-offset+1)
	}

	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return err
	}
	pw := &progressWriter{w: out, done: offset, total: total, fn: progress}
	if progress != nil {
		progress(offset, total)
	}
	_, err = io.Copy(pw, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		f.log.Debug("attach_download_interrupted",
			zap.String("url", url), zap.Int64("done", pw.done), zap.Error(err))
		return fmt.Errorf("download %s: %w", url, err)
	}
	if limit > 0 && pw.done > limit {
		_ = os.Remove(part)
		return fmt.Errorf("fetch %s: %w", url, ErrTooLarge)
	}
	if total >= 0 && pw.done != total {
		return fmt.Errorf("download %s: %w", url, io.ErrUnexpectedEOF)
	}
	return os.Rename(part, dest)
}

// FetchInto downloads url and ingests it into store, verifying that the
// content hashes to ref. limit is passed to Download.
func (f *Fetcher) FetchInto(ctx context.Context, store *Store, url, ref, name string, limit int64) (Object, error) {
	if !ValidRef(ref) {
		return Object{}, ErrInvalidRef
	}
	if obj, err := store.Stat(ref); err == nil {
		return obj, nil
	}
	dest := filepath.Join(store.TempDir(), "fetch-"+ref)
	if err := f.Download(ctx, url, dest, limit, nil); err != nil {
		return Object{}, err
	}
	defer os.Remove(dest)

	in, err := os.Open(dest)
	if err != nil {
		return Object{}, err
	}
	defer in.Close()
	obj, err := store.IngestVerified(in, name, ref)
	if errors.Is(err, ErrHashMismatch) {
		f.log.Warn("attach_hash_mismatch", zap.String("url", url), zap.String("ref", ref))
	}
	return obj, err
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    Progress
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.fn != nil {
		p.fn(p.done, p.total)
	}
	return n, err
}
