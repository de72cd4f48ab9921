package assetcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	connectTimeout  = 5 * time.Second
	downloadTimeout = 20 * time.Second
	tmpSuffix       = ".tmp"
	mib             = 1024 * 1024
)

// Cache is a URL-addressed, size-capped pool of media files on disk.
// Filenames are the hex SHA-256 of the asset URL plus the URL path's
// extension, so lookups survive restarts without an index.
type Cache struct {
	dir     string
	quotaMB int64
	http    *http.Client
	log     *zap.Logger
}

// New creates the cache directory if needed.
func New(dir string, quotaMB int64, log *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cache dir required")
	}
	if quotaMB <= 0 {
		return nil, errors.New("cache quota must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{
		dir:     dir,
		quotaMB: quotaMB,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
			Timeout: downloadTimeout,
		},
		log: log,
	}, nil
}

// PathFor maps an asset URL to its local path. Deterministic and pure.
func (c *Cache) PathFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+Ext(rawURL))
}

// Ext returns the dotted extension of the URL path, query stripped.
// Empty when the path has none.
func Ext(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return path.Ext(u.Path)
	}
	trimmed := rawURL
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return path.Ext(trimmed)
}

// GetOrFetch returns the local path for url, downloading on miss. The
// download lands in a ".tmp" sibling and is renamed only when complete,
// so a cached file is either absent or whole.
func (c *Cache) GetOrFetch(ctx context.Context, rawURL string) (string, error) {
	target := c.PathFor(rawURL)
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		return target, nil
	}

	tmp := target + tmpSuffix
	if err := c.download(ctx, rawURL, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return target, nil
}

func (c *Cache) download(ctx context.Context, rawURL, tmp string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("download %s: %s", rawURL, resp.Status)
	}

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// UsageMB measures the pool in whole megabytes, rounded up.
func (c *Cache) UsageMB() int64 {
	var total int64
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
	}
	if total == 0 {
		return 0
	}
	return (total + mib - 1) / mib
}

// Evict deletes the oldest files until the pool fits the quota, measuring
// again after every deletion. Tempfiles are never candidates; per-file
// delete failures are logged and skipped.
func (c *Cache) Evict() {
	if c.UsageMB() <= c.quotaMB {
		return
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("cache scan failed", zap.Error(err))
		return
	}
	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:    filepath.Join(c.dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.Before(candidates[j].modTime)
	})

	for _, cand := range candidates {
		if c.UsageMB() <= c.quotaMB {
			return
		}
		if err := os.Remove(cand.path); err != nil {
			c.log.Warn("evict failed", zap.String("path", cand.path), zap.Error(err))
			continue
		}
		c.log.Info("evicted cached asset", zap.String("path", cand.path))
	}
}
