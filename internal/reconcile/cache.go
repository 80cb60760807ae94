package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/evidencelog/evidencelog/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves content from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Blob is a locally cached copy of fetched content.
type Blob struct {
	URL  string
	Path string
	Size int64
}

// BlobCache keeps fetched content in a directory owned by one viewing
// session. Entries are immutable once stored: the first writer for a URL
// wins and concurrent fetches of the same URL share one network call.
type BlobCache struct {
	dir     string
	fetcher Fetcher
	metrics *metrics.Metrics

	entries sync.Map // url -> *Blob
	group   singleflight.Group
}

// NewBlobCache creates a cache in a fresh directory under parent. An empty
// parent uses the system temp directory.
func NewBlobCache(parent string, fetcher Fetcher, m *metrics.Metrics) (*BlobCache, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, "evidencelog-session-*")
	if err != nil {
		return nil, fmt.Errorf("create session cache dir: %w", err)
	}
	return &BlobCache{dir: dir, fetcher: fetcher, metrics: m}, nil
}

// Dir returns the session directory.
func (c *BlobCache) Dir() string {
	return c.dir
}

// Get returns the cached blob for url without fetching.
func (c *BlobCache) Get(url string) (*Blob, bool) {
	v, ok := c.entries.Load(url)
	if !ok {
		return nil, false
	}
	return v.(*Blob), true
}

// GetOrPopulate returns the cached blob for url, fetching it on a miss.
func (c *BlobCache) GetOrPopulate(ctx context.Context, url string) (*Blob, error) {
	if b, ok := c.Get(url); ok {
		c.metrics.RecordCacheHit()
		return b, nil
	}
	c.metrics.RecordCacheMiss()

	v, err, _ := c.group.Do(url, func() (interface{}, error) {
		if b, ok := c.Get(url); ok {
			return b, nil
		}
		b, err := c.fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		actual, loaded := c.entries.LoadOrStore(url, b)
		if loaded {
			_ = os.Remove(b.Path)
		}
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Blob), nil
}

func (c *BlobCache) fetch(ctx context.Context, url string) (*Blob, error) {
	body, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	sum := sha256.Sum256([]byte(url))
	path := filepath.Join(c.dir, hex.EncodeToString(sum[:]))

	tmp, err := os.CreateTemp(c.dir, ".blob-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("rename blob: %w", err)
	}

	log.Debug().Str("url", url).Int64("bytes", n).Msg("cached content")
	return &Blob{URL: url, Path: path, Size: n}, nil
}

// Clear drops every entry and deletes its file.
func (c *BlobCache) Clear() int {
	removed := 0
	c.entries.Range(func(key, value interface{}) bool {
		c.entries.Delete(key)
		_ = os.Remove(value.(*Blob).Path)
		removed++
		return true
	})
	c.metrics.RecordCacheEvictions(removed)
	return removed
}

// Close clears the cache and removes the session directory.
func (c *BlobCache) Close() error {
	c.Clear()
	return os.RemoveAll(c.dir)
}
