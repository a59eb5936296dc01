package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lanniny/grok2api/internal/store"
)

type fakeDownloader struct {
	mu       sync.Mutex
	files    map[string]string
	errs     map[string]error
	calls    []string
	tiers    []store.Tier
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		files: make(map[string]string),
		errs:  make(map[string]error),
	}
}

func (f *fakeDownloader) DownloadAsset(_ context.Context, c *store.Credential, path string) (io.ReadCloser, string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.calls = append(f.calls, path)
	f.tiers = append(f.tiers, c.Tier)
	content, ok := f.files[path]
	err := f.errs[path]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", errors.New("asset download status 404 for " + path)
	}
	return io.NopCloser(strings.NewReader(content)), "image/jpeg", nil
}

func (f *fakeDownloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestCache(t *testing.T, dl Downloader, limit int) (*Cache, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "media_test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c, err := NewCache(st, dl, Options{Dir: t.TempDir(), PrefetchConcurrency: limit})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	return c, st
}

func addActive(t *testing.T, st *store.SQLiteStore, token string, tier store.Tier) *store.Credential {
	t.Helper()
	c, err := st.Insert(context.Background(), token, tier)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFetchDownloadsAndCaches(t *testing.T) {
	dl := newFakeDownloader()
	cache, st := newTestCache(t, dl, 2)
	addActive(t, st, "token-media-00001", store.TierStandard)
	dl.files["/users/u1/generated/a.jpg"] = "jpegbytes"

	local, err := cache.Fetch(context.Background(), "/users/u1/generated/a.jpg")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpegbytes" {
		t.Errorf("Cached content mismatch: %q", data)
	}
	if filepath.Base(local) != "users-u1-generated-a.jpg" {
		t.Errorf("Expected flattened cache name, got %s", filepath.Base(local))
	}

	// Second fetch is served from disk.
	if _, err := cache.Fetch(context.Background(), "/users/u1/generated/a.jpg"); err != nil {
		t.Fatalf("Cached fetch failed: %v", err)
	}
	if n := dl.callCount(); n != 1 {
		t.Errorf("Expected one download, got %d", n)
	}
}

func TestFetchServesDashFormFromCache(t *testing.T) {
	dl := newFakeDownloader()
	cache, st := newTestCache(t, dl, 2)
	addActive(t, st, "token-media-00002", store.TierStandard)
	dl.files["/users/u2/generated/b.jpg"] = "data"

	if _, err := cache.Fetch(context.Background(), "/users/u2/generated/b.jpg"); err != nil {
		t.Fatal(err)
	}
	// The older flattened URL form maps onto the same cache file.
	local, err := cache.Fetch(context.Background(), "users-u2-generated-b.jpg")
	if err != nil {
		t.Fatalf("Dash-form fetch failed: %v", err)
	}
	if filepath.Base(local) != "users-u2-generated-b.jpg" {
		t.Errorf("Unexpected cache file %s", local)
	}
	if n := dl.callCount(); n != 1 {
		t.Errorf("Dash form must hit the cache, got %d downloads", n)
	}
}

func TestFetchNoActiveCredential(t *testing.T) {
	dl := newFakeDownloader()
	cache, st := newTestCache(t, dl, 2)
	ctx := context.Background()

	cooling := addActive(t, st, "token-media-00003", store.TierStandard)
	if err := st.SetCooldown(ctx, cooling.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	expired := addActive(t, st, "token-media-00004", store.TierStandard)
	if err := st.SetStatus(ctx, expired.ID, store.StatusExpired); err != nil {
		t.Fatal(err)
	}

	_, err := cache.Fetch(ctx, "/users/u3/generated/c.jpg")
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("Expected ErrNoCredential, got %v", err)
	}
	if n := dl.callCount(); n != 0 {
		t.Errorf("Expected no download attempts, got %d", n)
	}
}

func TestFetchPrefersStandardCredential(t *testing.T) {
	dl := newFakeDownloader()
	cache, st := newTestCache(t, dl, 2)
	addActive(t, st, "token-media-super1", store.TierPremium)
	addActive(t, st, "token-media-plain1", store.TierStandard)
	dl.files["/users/u4/generated/d.jpg"] = "data"

	if _, err := cache.Fetch(context.Background(), "/users/u4/generated/d.jpg"); err != nil {
		t.Fatal(err)
	}

	dl.mu.Lock()
	defer dl.mu.Unlock()
	if len(dl.tiers) != 1 || dl.tiers[0] != store.TierStandard {
		t.Errorf("Expected standard credential used, got %v", dl.tiers)
	}
}

func TestFetchDownloadFailureLeavesNoFile(t *testing.T) {
	dl := newFakeDownloader()
	cache, st := newTestCache(t, dl, 2)
	addActive(t, st, "token-media-00005", store.TierStandard)
	dl.errs["/users/u5/generated/e.jpg"] = errors.New("asset download status 403")

	_, err := cache.Fetch(context.Background(), "/users/u5/generated/e.jpg")
	if err == nil {
		t.Fatal("Expected download failure")
	}

	entries, err := os.ReadDir(cache.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected empty cache dir after failure, found %v", entries)
	}
}

func TestFetchPartialBodyLeavesNoFile(t *testing.T) {
	dl := &brokenBodyDownloader{}
	cache, st := newTestCache(t, dl, 2)
	addActive(t, st, "token-media-00006", store.TierStandard)

	_, err := cache.Fetch(context.Background(), "/users/u6/generated/f.jpg")
	if err == nil {
		t.Fatal("Expected copy failure")
	}

	entries, err := os.ReadDir(cache.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Partial download must not leave files, found %v", entries)
	}
}

// brokenBodyDownloader hands out a body that fails mid-read.
type brokenBodyDownloader struct{}

func (d *brokenBodyDownloader) DownloadAsset(context.Context, *store.Credential, string) (io.ReadCloser, string, error) {
	return io.NopCloser(io.MultiReader(
		strings.NewReader("half of the"),
		&failingReader{},
	)), "image/jpeg", nil
}

type failingReader struct{}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestIsVideo(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/users/u1/generated/clip.mp4", true},
		{"/users/u1/generated/CLIP.MP4", true},
		{"/users/u1/generated/clip.webm", true},
		{"/users/u1/generated/clip.mov", true},
		{"/users/u1/generated/clip.avi", true},
		{"/users/u1/generated/image.jpg", false},
		{"/users/u1/generated/image.png", false},
		{"/users/u1/generated/mp4.jpg", false},
	}
	for _, tc := range cases {
		if got := IsVideo(tc.path); got != tc.want {
			t.Errorf("IsVideo(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}

	if got := ContentTypeFor("/a/clip.mp4"); got != "video/mp4" {
		t.Errorf("Expected video/mp4, got %s", got)
	}
	if got := ContentTypeFor("/a/image.jpg"); got != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %s", got)
	}
}

func TestPrefetchWarmsCacheWithBoundedConcurrency(t *testing.T) {
	dl := newFakeDownloader()
	dl.delay = 5 * time.Millisecond
	cache, st := newTestCache(t, dl, 2)
	addActive(t, st, "token-media-00007", store.TierStandard)

	paths := []string{
		"/users/u7/generated/1.jpg",
		"/users/u7/generated/2.jpg",
		"/users/u7/generated/3.jpg",
		"/users/u7/generated/4.jpg",
		"/users/u7/generated/5.jpg",
	}
	for _, p := range paths[:4] {
		dl.files[p] = "data-" + p
	}
	// The fifth path stays missing so one failure is part of the batch.

	cache.Prefetch(context.Background(), paths)

	for _, p := range paths[:4] {
		if _, ok := cache.Lookup(p); !ok {
			t.Errorf("Expected %s cached after prefetch", p)
		}
	}
	if _, ok := cache.Lookup(paths[4]); ok {
		t.Error("Failed download must not be cached")
	}

	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.maxSeen > 2 {
		t.Errorf("Prefetch exceeded concurrency limit: %d in flight", dl.maxSeen)
	}
	if len(dl.calls) != 5 {
		t.Errorf("Expected all paths attempted, got %d", len(dl.calls))
	}
}

func TestLookupMissing(t *testing.T) {
	dl := newFakeDownloader()
	cache, _ := newTestCache(t, dl, 2)

	if _, ok := cache.Lookup("/users/u8/generated/missing.jpg"); ok {
		t.Error("Expected miss for never-fetched asset")
	}
}
