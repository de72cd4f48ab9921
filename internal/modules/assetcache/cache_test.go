package assetcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestCache(t *testing.T, quotaMB int64) *Cache {
	t.Helper()
	cache, err := New(t.TempDir(), quotaMB, zap.NewNop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func TestPathForDeterministic(t *testing.T) {
	cache := newTestCache(t, 10)
	first := cache.PathFor("https://cdn.example.com/media/a.png")
	second := cache.PathFor("https://cdn.example.com/media/a.png")
	if first != second {
		t.Fatalf("path not stable: %s vs %s", first, second)
	}
	if !strings.HasSuffix(first, ".png") {
		t.Fatalf("extension lost: %s", first)
	}
	other := cache.PathFor("https://cdn.example.com/media/b.png")
	if other == first {
		t.Fatalf("distinct urls collided")
	}
}

func TestPathForStripsQuery(t *testing.T) {
	cache := newTestCache(t, 10)
	withQuery := cache.PathFor("https://cdn.example.com/media/clip.mp4?sig=abc")
	if !strings.HasSuffix(withQuery, ".mp4") {
		t.Fatalf("query leaked into extension: %s", withQuery)
	}
}

func TestGetOrFetchDownloadsAndCaches(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	cache := newTestCache(t, 10)
	url := server.URL + "/a.png"

	path, err := cache.GetOrFetch(context.Background(), url)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cached: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("unexpected contents: %q", data)
	}

	if _, err := cache.GetOrFetch(context.Background(), url); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected one download, got %d", hits)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("tempfile left behind: %s", entry.Name())
		}
	}
}

func TestGetOrFetchFailureLeavesNoPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	cache := newTestCache(t, 10)
	if _, err := cache.GetOrFetch(context.Background(), server.URL+"/a.png"); err == nil {
		t.Fatalf("expected download error")
	}
	entries, _ := os.ReadDir(cache.dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty cache, found %d entries", len(entries))
	}
}

func writeSized(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestEvictOldestFirst(t *testing.T) {
	cache := newTestCache(t, 10)
	base := time.Now().Add(-time.Hour)
	names := []string{"t1.png", "t2.png", "t3.png", "t4.png", "t5.png"}
	for i, name := range names {
		writeSized(t, filepath.Join(cache.dir, name), 3*mib, base.Add(time.Duration(i)*time.Minute))
	}

	cache.Evict()

	if usage := cache.UsageMB(); usage > 10 {
		t.Fatalf("usage %dMB still over quota", usage)
	}
	for _, name := range []string{"t1.png", "t2.png"} {
		if _, err := os.Stat(filepath.Join(cache.dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should be evicted", name)
		}
	}
	for _, name := range []string{"t3.png", "t4.png", "t5.png"} {
		if _, err := os.Stat(filepath.Join(cache.dir, name)); err != nil {
			t.Fatalf("%s should be retained: %v", name, err)
		}
	}
}

func TestEvictSkipsTempfiles(t *testing.T) {
	cache := newTestCache(t, 1)
	old := time.Now().Add(-2 * time.Hour)
	writeSized(t, filepath.Join(cache.dir, "partial.png.tmp"), 3*mib, old)
	writeSized(t, filepath.Join(cache.dir, "whole.png"), 3*mib, old.Add(time.Minute))

	cache.Evict()

	if _, err := os.Stat(filepath.Join(cache.dir, "partial.png.tmp")); err != nil {
		t.Fatalf("tempfile must not be evicted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cache.dir, "whole.png")); !os.IsNotExist(err) {
		t.Fatalf("whole file should be evicted")
	}
}

func TestEvictNoopUnderQuota(t *testing.T) {
	cache := newTestCache(t, 10)
	writeSized(t, filepath.Join(cache.dir, "a.png"), 1*mib, time.Now())
	cache.Evict()
	if _, err := os.Stat(filepath.Join(cache.dir, "a.png")); err != nil {
		t.Fatalf("file should survive: %v", err)
	}
}
