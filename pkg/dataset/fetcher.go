package dataset

import (
	"context"
	"crypto/md5" // #nosec G501 -- zenodo publishes md5 checksums
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// ErrChecksumMismatch is returned when a downloaded file does not match the
// checksum published in the record registry.
var ErrChecksumMismatch = errors.New("checksum mismatch")

const (
	// DefaultAPIBase is the Zenodo REST API root.
	DefaultAPIBase = "https://zenodo.org/api"

	// DefaultCacheDir is the cache location relative to the repository root.
	DefaultCacheDir = "test-data"

	defaultRetries       = 5
	defaultRetryInterval = time.Second
	maxRetryInterval     = 10 * time.Second
	defaultFetchLimit    = 3
)

// Fetcher downloads and caches reference datasets.
type Fetcher struct {
	dir           string
	apiBase       string
	client        *http.Client
	retries       int
	retryInterval time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithAPIBase overrides the Zenodo API root.
func WithAPIBase(base string) Option {
	return func(f *Fetcher) { f.apiBase = strings.TrimSuffix(base, "/") }
}

// WithHTTPClient sets the HTTP client used for registry and file requests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithRetries sets how many times a failed download is retried.
func WithRetries(n int) Option {
	return func(f *Fetcher) { f.retries = n }
}

// WithRetryInterval sets the initial wait between download attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(f *Fetcher) { f.retryInterval = d }
}

// NewFetcher creates a Fetcher caching into dir.
func NewFetcher(dir string, opts ...Option) *Fetcher {
	f := &Fetcher{
		dir:           dir,
		apiBase:       DefaultAPIBase,
		client:        &http.Client{Timeout: 30 * time.Minute},
		retries:       defaultRetries,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dir returns the cache directory.
func (f *Fetcher) Dir() string {
	return f.dir
}

// LocalPath returns where ref is stored once fetched.
func (f *Fetcher) LocalPath(ref Reference) string {
	if ref.Archive != "" {
		return filepath.Join(f.dir, ref.Archive+".zip.unzip", filepath.FromSlash(ref.File))
	}
	return filepath.Join(f.dir, ref.remoteName())
}

// Cached reports whether ref is already present in the cache.
func (f *Fetcher) Cached(ref Reference) bool {
	return fileExists(f.LocalPath(ref))
}

// Fetch returns the local path of ref, downloading (and unpacking) it first
// if it is not cached yet.
func (f *Fetcher) Fetch(ctx context.Context, ref Reference) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}

	target := f.LocalPath(ref)
	if fileExists(target) {
		slog.Debug("dataset cache hit", "dataset", ref.Name, "path", target)
		return target, nil
	}

	reg, err := f.loadRegistry(ctx, ref.DOI)
	if err != nil {
		return "", fmt.Errorf("loading registry for %s: %w", ref.DOI, err)
	}

	name := ref.remoteName()
	entry, ok := reg.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s in record %s", ErrNotInRegistry, name, reg.RecordID)
	}

	download := filepath.Join(f.dir, name)
	if !fileExists(download) {
		if err := f.download(ctx, entry, download); err != nil {
			return "", err
		}
	}

	if ref.Archive != "" {
		var members []string
		if !ref.ExtractAll {
			members = []string{ref.File}
		}
		if err := unzip(download, filepath.Join(f.dir, name+".unzip"), members); err != nil {
			return "", fmt.Errorf("unpacking %s: %w", name, err)
		}
	}

	if !fileExists(target) {
		return "", fmt.Errorf("dataset %s: %s: %w", ref.Name, target, fs.ErrNotExist)
	}
	return target, nil
}

// FetchAll fetches refs concurrently and returns their paths in input order.
func (f *Fetcher) FetchAll(ctx context.Context, refs []Reference) ([]string, error) {
	paths := make([]string, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultFetchLimit)
	for i, ref := range refs {
		g.Go(func() error {
			p, err := f.Fetch(gctx, ref)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", ref.Name, err)
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// download retrieves entry into dest, retrying transient failures.
func (f *Fetcher) download(ctx context.Context, entry RegistryFile, dest string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryInterval
	b.MaxInterval = maxRetryInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		slog.Info("downloading dataset file", "file", entry.Key, "attempt", attempt)
		return struct{}{}, f.downloadOnce(ctx, entry, dest)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.retries+1)), // #nosec G115 -- retries is small and non-negative
	)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", entry.Key, err)
	}
	return nil
}

func (f *Fetcher) downloadOnce(ctx context.Context, entry RegistryFile, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return backoff.Permanent(fmt.Errorf("creating cache dir: %w", err))
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating temp file: %w", err))
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	sum := md5.New() // #nosec G401 -- integrity check against published md5
	_, copyErr := io.Copy(io.MultiWriter(tmp, sum), resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	if err := verifyChecksum(entry.Checksum, hex.EncodeToString(sum.Sum(nil))); err != nil {
		return fmt.Errorf("%s: %w", entry.Key, err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return backoff.Permanent(fmt.Errorf("moving download into cache: %w", err))
	}
	return nil
}

// verifyChecksum compares an "md5:<hex>" registry checksum against the
// computed digest. Entries without an md5 checksum are accepted.
func verifyChecksum(published, computed string) error {
	algo, want, ok := strings.Cut(published, ":")
	if !ok || algo != "md5" {
		return nil
	}
	if !strings.EqualFold(want, computed) {
		return fmt.Errorf("%w: want %s, got %s", ErrChecksumMismatch, want, computed)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
