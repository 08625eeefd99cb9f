package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"sepabroker/internal/logging"
)

// RetentionPolicy bounds how many journal segments are retained on disk.
type RetentionPolicy struct {
	MaxSegments int
	MaxAge      time.Duration
}

// StorageStats summarises the disk footprint of retained journal segments.
type StorageStats struct {
	Segments  int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically prunes journal segments according to a retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided journal root directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run executes retention sweeps on the given interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Sweep eagerly so retention applies immediately on startup.
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep; used directly by tests.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the most recently recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type segment struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("journal retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}

	segments := c.collect(entries)
	now := c.now()
	kept := 0
	stats := StorageStats{LastSweep: now}
	for _, seg := range segments {
		if remove, reason := c.shouldRemove(seg, now, kept); remove {
			if err := os.RemoveAll(seg.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				c.log.Warn("journal retention removal failed", logging.Error(err), logging.String("segment", seg.name))
				kept++
				stats.Segments++
				stats.Bytes += seg.size
				continue
			}
			c.log.Info("journal retention removed segment", logging.String("segment", seg.name), logging.String("reason", reason))
			continue
		}
		kept++
		stats.Segments++
		stats.Bytes += seg.size
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) collect(entries []os.DirEntry) []*segment {
	segments := make([]*segment, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("journal retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		size, err := directorySize(path)
		if err != nil {
			c.log.Warn("journal retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		segments = append(segments, &segment{name: entry.Name(), path: path, size: size, modTime: info.ModTime()})
	}
	//1.- Sort newest-first so retention limits favour recent segments.
	sort.Slice(segments, func(i, j int) bool { return segments[i].modTime.After(segments[j].modTime) })
	return segments
}

func (c *Cleaner) shouldRemove(seg *segment, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(seg.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxSegments > 0 && kept >= c.policy.MaxSegments {
		reasons = append(reasons, fmt.Sprintf(">=%d segments", c.policy.MaxSegments))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

func directorySize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
