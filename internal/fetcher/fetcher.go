package fetcher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"github.com/bnema/abpfilter/internal/models"
)

// Fetcher opens filter list sources as streams
type Fetcher struct {
	client    *http.Client
	retries   int
	userAgent string

	fs       afero.Fs
	cacheDir string
	cacheTTL time.Duration
	now      func() time.Time
}

// New creates a new fetcher from config. Local files and the cache are
// accessed through fs.
func New(cfg models.HTTPConfig, cache models.CacheConfig, fs afero.Fs) *Fetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	retries := cfg.Retries
	if retries == 0 {
		retries = 3
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = "abpfilter/1.0"
	}

	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		retries:   retries,
		userAgent: ua,
		fs:        fs,
		cacheDir:  cache.Dir,
		cacheTTL:  cache.TTL,
		now:       time.Now,
	}
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Open returns the content of source, which is an http(s) URL, a file://
// URL or a local path. Sources ending in .zst are decompressed on the fly.
// The caller must close the returned reader.
func (f *Fetcher) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	if !isRemote(source) {
		p := strings.TrimPrefix(source, "file://")
		fp, err := f.fs.Open(p)
		if err != nil {
			return nil, err
		}
		return decompress(p, fp)
	}

	u, err := url.Parse(source)
	if err != nil {
		return nil, err
	}

	if f.cacheDir == "" {
		body, err := f.fetch(ctx, source)
		if err != nil {
			return nil, err
		}
		return decompress(u.Path, body)
	}

	rc, err := f.cached(ctx, source, path.Ext(u.Path))
	if err != nil {
		return nil, err
	}
	return decompress(u.Path, rc)
}

// cached serves a remote source from the cache directory, downloading it
// when the copy is missing or older than the TTL. A stale copy is used when
// the download fails.
func (f *Fetcher) cached(ctx context.Context, source, ext string) (io.ReadCloser, error) {
	if ext == "" {
		ext = ".txt"
	}
	hash := md5.Sum([]byte(source))
	cachePath := filepath.Join(f.cacheDir, hex.EncodeToString(hash[:])+ext)

	info, statErr := f.fs.Stat(cachePath)
	if statErr == nil && (f.cacheTTL <= 0 || f.now().Sub(info.ModTime()) < f.cacheTTL) {
		return f.fs.Open(cachePath)
	}

	if err := f.download(ctx, source, cachePath); err != nil {
		if statErr == nil {
			return f.fs.Open(cachePath)
		}
		return nil, err
	}
	return f.fs.Open(cachePath)
}

// download streams source into cachePath through a temporary file so a
// failed transfer never replaces a good copy.
func (f *Fetcher) download(ctx context.Context, source, cachePath string) error {
	if err := f.fs.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	body, err := f.fetch(ctx, source)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := cachePath + ".part"
	out, err := f.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	_, err = io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = f.fs.Remove(tmp)
		return fmt.Errorf("download %s: %w", source, err)
	}
	return f.fs.Rename(tmp, cachePath)
}

// fetch opens a remote source with retries
func (f *Fetcher) fetch(ctx context.Context, source string) (io.ReadCloser, error) {
	var lastErr error

	for i := 0; i < f.retries; i++ {
		if i > 0 {
			// Linear backoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * time.Second):
			}
		}

		body, err := f.doFetch(ctx, source)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("failed after %d retries: %w", f.retries, lastErr)
}

func (f *Fetcher) doFetch(ctx context.Context, source string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	return resp.Body, nil
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	src io.Closer
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.src.Close()
}

func decompress(name string, rc io.ReadCloser) (io.ReadCloser, error) {
	if !strings.HasSuffix(name, ".zst") {
		return rc, nil
	}
	dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	return &zstdReadCloser{dec: dec, src: rc}, nil
}
