package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/dicompath"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/logging"
	"github.com/GoogleCloudPlatform/healthcare-api-dicom-fuse/internal/metrics"
)

const bytesPerMB = 1000 * 1000

// FetchFunc writes the remote bytes of p to w.
type FetchFunc func(ctx context.Context, p dicompath.Path, w io.Writer) error

type downloadEntry struct {
	localPath  string
	size       int64
	weight     int64
	written    time.Time
	lastAccess time.Time
}

// DownloadCache maps instance paths to staged local files. It is bounded by
// total weight in MB and by a time-to-live counted from the download.
// Removing an entry for any reason deletes its file.
type DownloadCache struct {
	dir       string
	maxWeight int64
	ttl       time.Duration
	now       func() time.Time
	fetch     FetchFunc

	mu      sync.Mutex
	entries map[dicompath.Path]*downloadEntry
	weight  int64
	group   singleflight.Group
}

// NewDownloadCache creates a cache that stages files in dir.
func NewDownloadCache(dir string, maxMB int64, ttl time.Duration, fetch FetchFunc) (*DownloadCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &DownloadCache{
		dir:       dir,
		maxWeight: maxMB,
		ttl:       ttl,
		now:       time.Now,
		fetch:     fetch,
		entries:   make(map[dicompath.Path]*downloadEntry),
	}, nil
}

// GetIfPresent returns the staged file of p without fetching.
func (c *DownloadCache) GetIfPresent(p dicompath.Path) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[p]
	if !ok {
		return "", false
	}
	now := c.now()
	if c.expired(entry, now) {
		c.removeLocked(p, entry, "expired")
		return "", false
	}
	entry.lastAccess = now
	return entry.localPath, true
}

// Get returns the staged file of p, downloading it on a miss. Concurrent
// misses for the same path share one download.
func (c *DownloadCache) Get(ctx context.Context, p dicompath.Path) (string, error) {
	if local, ok := c.GetIfPresent(p); ok {
		return local, nil
	}
	v, err, _ := c.group.Do(p.String(), func() (any, error) {
		if local, ok := c.GetIfPresent(p); ok {
			return local, nil
		}
		return c.load(ctx, p)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *DownloadCache) load(ctx context.Context, p dicompath.Path) (string, error) {
	logging.WithContext(ctx).Info("staging instance download", zap.Stringer("instance", p))

	f, err := os.CreateTemp(c.dir, "temp-*.dcm")
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	if err := c.fetch(ctx, p, f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("download %s: %w", p, err)
	}
	info, err := f.Stat()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("finish staged file: %w", err)
	}

	now := c.now()
	entry := &downloadEntry{
		localPath:  f.Name(),
		size:       info.Size(),
		weight:     info.Size() / bytesPerMB,
		written:    now,
		lastAccess: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[p]; ok {
		c.removeLocked(p, old, "replaced")
	}
	c.entries[p] = entry
	c.weight += entry.weight
	metrics.AddStagingBytes(entry.size)
	c.evictLocked(p, now)
	return entry.localPath, nil
}

// Invalidate drops the staged file of p, if any.
func (c *DownloadCache) Invalidate(p dicompath.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[p]; ok {
		c.removeLocked(p, entry, "invalidated")
	}
}

// Purge drops every staged download.
func (c *DownloadCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, entry := range c.entries {
		c.removeLocked(p, entry, "purged")
	}
}

// Stats returns the total weight in MB and the entry count.
func (c *DownloadCache) Stats() (weightMB int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight, len(c.entries)
}

func (c *DownloadCache) expired(entry *downloadEntry, now time.Time) bool {
	return !now.Before(entry.written.Add(c.ttl))
}

// evictLocked removes expired entries, then the least recently used ones
// until the budget holds. keep is never evicted for weight so the caller
// can serve the file it just staged.
func (c *DownloadCache) evictLocked(keep dicompath.Path, now time.Time) {
	for p, entry := range c.entries {
		if p != keep && c.expired(entry, now) {
			c.removeLocked(p, entry, "expired")
		}
	}
	for c.weight > c.maxWeight {
		var (
			oldest  *downloadEntry
			oldestP dicompath.Path
		)
		for p, entry := range c.entries {
			if p == keep {
				continue
			}
			if oldest == nil || entry.lastAccess.Before(oldest.lastAccess) {
				oldest, oldestP = entry, p
			}
		}
		if oldest == nil {
			return
		}
		c.removeLocked(oldestP, oldest, "size")
	}
}

// Must be called with c.mu held.
func (c *DownloadCache) removeLocked(p dicompath.Path, entry *downloadEntry, reason string) {
	delete(c.entries, p)
	c.weight -= entry.weight
	metrics.AddStagingBytes(-entry.size)
	metrics.RecordEviction(reason)
	if err := os.Remove(entry.localPath); err != nil && !os.IsNotExist(err) {
		logging.Error("delete staged download", zap.String("file", entry.localPath), zap.Error(err))
	}
}
