// Package housekeeper sweeps the storage tree for empty directories left
// behind by object deletions and removes them. Bucket directories at the
// top level are never removed, and directories named .multipart are left
// alone because uploads may still land in them.
package housekeeper

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftstore/driftstore/internal/metrics"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 5 * time.Minute

// Housekeeper periodically removes empty directories under a storage root.
type Housekeeper struct {
	root     string
	interval time.Duration
	log      *slog.Logger

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Housekeeper.
type Option func(*Housekeeper)

// WithLogger sets the logger used by the sweeper.
func WithLogger(log *slog.Logger) Option {
	return func(h *Housekeeper) { h.log = log }
}

// New creates a Housekeeper for the given storage root. It does not start
// sweeping until Start is called.
func New(root string, interval time.Duration, opts ...Option) *Housekeeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	h := &Housekeeper{
		root:     root,
		interval: interval,
		log:      slog.Default(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the sweep loop. The first sweep runs one full interval
// after Start so startup traffic settles first.
func (h *Housekeeper) Start() {
	h.log.Info("starting empty directory sweeper", "interval", h.interval)
	go h.run()
}

// Close stops the sweep loop and waits for it to exit. Safe to call
// multiple times.
func (h *Housekeeper) Close() error {
	h.closeOnce.Do(func() {
		close(h.quit)
	})
	<-h.done
	return nil
}

func (h *Housekeeper) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := h.Sweep()
			if removed > 0 {
				h.log.Info("removed empty directories", "count", removed)
			} else {
				h.log.Debug("sweep found no empty directories")
			}
		case <-h.quit:
			return
		}
	}
}

// Sweep walks every bucket directory and removes empty subdirectories.
// It returns the number of directories removed. The bucket directories
// themselves are never removed.
func (h *Housekeeper) Sweep() int {
	entries, err := os.ReadDir(h.root)
	if err != nil {
		h.log.Warn("reading storage root", "error", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		removed += h.cleanBucket(filepath.Join(h.root, entry.Name()))
	}

	if removed > 0 {
		metrics.HousekeeperRemovedTotal.Add(float64(removed))
	}
	return removed
}

// cleanBucket removes empty subdirectories inside a bucket directory
// without ever touching the bucket directory itself.
func (h *Housekeeper) cleanBucket(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		removed += h.removeEmptyDirs(filepath.Join(dir, entry.Name()))
	}
	return removed
}

// removeEmptyDirs depth-first removes empty directories under dir,
// including dir itself once its children are gone. Directories named
// .multipart are recursed into but never removed.
func (h *Housekeeper) removeEmptyDirs(dir string) int {
	removed := 0

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		removed += h.removeEmptyDirs(filepath.Join(dir, entry.Name()))
	}

	if filepath.Base(dir) == ".multipart" {
		return removed
	}

	entries, err = os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return removed
	}
	if err := os.Remove(dir); err == nil {
		h.log.Debug("removed empty directory", "path", dir)
		removed++
	}
	return removed
}
