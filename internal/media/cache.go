// Package media caches generated assets on disk. Generated image and
// video URLs are rewritten to the local /images/ proxy by the relay;
// this cache backs that proxy, downloading missing files from the
// upstream asset host with whichever credential is currently active.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/store"
)

// ErrNoCredential means no active credential was available to
// authenticate an asset download.
var ErrNoCredential = errors.New("media: no active credential for download")

var videoExtensions = []string{".mp4", ".webm", ".mov", ".avi"}

// Downloader fetches one asset from the upstream host.
// *upstream.Session implements it.
type Downloader interface {
	DownloadAsset(ctx context.Context, c *store.Credential, path string) (io.ReadCloser, string, error)
}

// Options tunes the cache.
type Options struct {
	// Dir is the on-disk cache directory.
	Dir string

	// PrefetchConcurrency bounds parallel downloads in Prefetch.
	PrefetchConcurrency int
}

// Cache is a flat directory of downloaded assets keyed by their
// upstream path with slashes folded into dashes. Safe for concurrent
// use; the filesystem is the only shared state.
type Cache struct {
	dir        string
	store      store.CredentialStore
	downloader Downloader
	limit      int
}

// NewCache creates the cache directory if needed.
func NewCache(st store.CredentialStore, dl Downloader, opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("media: cache directory not set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media cache dir: %w", err)
	}
	limit := opts.PrefetchConcurrency
	if limit <= 0 {
		limit = 4
	}
	return &Cache{dir: opts.Dir, store: st, downloader: dl, limit: limit}, nil
}

// IsVideo reports whether the asset path names a video.
func IsVideo(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range videoExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ContentTypeFor returns the media type the proxy serves for the path.
func ContentTypeFor(path string) string {
	if IsVideo(path) {
		return "video/mp4"
	}
	return "image/jpeg"
}

// cacheName flattens an asset path into a single filename. Requests
// using the older dash-separated URL form land on the same name, so
// they hit the cache without any translation.
func cacheName(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "-")
}

// Lookup returns the local file for the asset if it is already cached.
func (c *Cache) Lookup(path string) (string, bool) {
	local := filepath.Join(c.dir, cacheName(path))
	info, err := os.Stat(local)
	if err != nil || info.IsDir() {
		return "", false
	}
	return local, true
}

// Fetch returns the local file for the asset, downloading it first
// when missing.
func (c *Cache) Fetch(ctx context.Context, path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if local, ok := c.Lookup(path); ok {
		logging.MediaDebug("Cache hit for %s", path)
		return local, nil
	}

	cred, err := c.pickCredential(ctx)
	if err != nil {
		return "", err
	}

	logging.Media("Downloading %s with credential %s", path, cred.Display())
	body, _, err := c.downloader.DownloadAsset(ctx, cred, path)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", path, err)
	}
	defer body.Close()

	local, err := c.write(path, body)
	if err != nil {
		return "", err
	}
	return local, nil
}

// write lands the asset under its final name only once the download
// completed, so a partial file is never served.
func (c *Cache) write(path string, body io.Reader) (string, error) {
	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	local := filepath.Join(c.dir, cacheName(path))
	if err := os.Rename(tmp.Name(), local); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store %s: %w", path, err)
	}
	logging.Media("Cached %s (%d bytes)", path, n)
	return local, nil
}

// pickCredential returns any credential able to authenticate a
// download. Standard accounts are tried before premium ones so heavy
// quota is not burned on asset traffic.
func (c *Cache) pickCredential(ctx context.Context) (*store.Credential, error) {
	creds, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	for _, tier := range []store.Tier{store.TierStandard, store.TierPremium} {
		for _, cred := range creds {
			if cred.Tier == tier && cred.Status == store.StatusActive {
				return cred, nil
			}
		}
	}
	return nil, ErrNoCredential
}

// Prefetch warms the cache for the given asset paths. Downloads run
// concurrently up to the configured limit; failures are logged and
// skipped so one broken asset cannot sink the batch.
func (c *Cache) Prefetch(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(c.limit)
	for _, p := range paths {
		path := p
		g.Go(func() error {
			if _, err := c.Fetch(ctx, path); err != nil {
				logging.MediaWarn("Prefetch failed for %s: %v", path, err)
			}
			return nil
		})
	}
	g.Wait()
}
