// Package quota tracks per-bucket usage ceilings and monthly operation
// counters with a write-behind cache.
//
// Usage lives in <bucket>/.quota and is lazily seeded by a one-time tree
// scan when the file is absent. Counters live in <bucket>/.stats/<yyyy-mm>.json.
// Both are updated in memory on the request path and flushed to disk by a
// timer task; all writes go through temp-file + rename. When the feature
// is disabled every operation is a cheap no-op and checks always allow.
package quota

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultLimitBytes is the per-bucket ceiling applied when no explicit
// limit has been configured: 5 GiB.
const DefaultLimitBytes = 5 * 1024 * 1024 * 1024

const (
	quotaFileName = ".quota"
	statsDirName  = ".stats"
)

// Op names a countable request class.
type Op string

const (
	OpGet       Op = "get"
	OpPut       Op = "put"
	OpDelete    Op = "delete"
	OpList      Op = "list"
	OpHead      Op = "head"
	OpMultipart Op = "multipart"
)

// BucketQuota is the persisted .quota document.
type BucketQuota struct {
	MaxSizeBytes      int64     `json:"max_size_bytes"`
	CurrentUsageBytes int64     `json:"current_usage_bytes"`
	ObjectCount       int64     `json:"object_count"`
	LastUpdated       time.Time `json:"last_updated"`
}

// BucketStats is the persisted monthly counter document.
type BucketStats struct {
	GetCount       int64 `json:"get_count"`
	PutCount       int64 `json:"put_count"`
	DeleteCount    int64 `json:"delete_count"`
	ListCount      int64 `json:"list_count"`
	HeadCount      int64 `json:"head_count"`
	MultipartCount int64 `json:"multipart_count"`
}

type quotaEntry struct {
	quota BucketQuota
	dirty bool
}

// Manager is the process-wide quota and stats accountant. Constructed once
// at startup and passed to the components that need it.
type Manager struct {
	root         string
	enabled      bool
	defaultLimit int64
	log          *slog.Logger

	mu     sync.RWMutex
	quotas map[string]*quotaEntry
	// stats is keyed by "<bucket>:<yyyy-mm>" so a month rollover starts a
	// fresh counter set while the old month still flushes to its own file.
	stats map[string]*BucketStats

	flushEvery time.Duration
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// New builds a Manager rooted at the storage path. When enabled, a
// background task flushes dirty state every flushEvery. Close stops the
// task and performs a final flush.
func New(root string, enabled bool, defaultLimit int64, flushEvery time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimitBytes
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	m := &Manager{
		root:         root,
		enabled:      enabled,
		defaultLimit: defaultLimit,
		log:          logger,
		quotas:       make(map[string]*quotaEntry),
		stats:        make(map[string]*BucketStats),
		flushEvery:   flushEvery,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if enabled {
		go m.flushLoop()
	} else {
		close(m.done)
	}
	return m
}

// Enabled reports whether accounting is active.
func (m *Manager) Enabled() bool { return m.enabled }

// Close stops the flush task and writes out any dirty state.
func (m *Manager) Close() error {
	if !m.enabled {
		return nil
	}
	m.closeOnce.Do(func() {
		close(m.quit)
		<-m.done
	})
	return m.FlushAll()
}

func (m *Manager) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.FlushAll(); err != nil {
				m.log.Error("periodic quota flush", "error", err)
			}
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) quotaPath(bucket string) string {
	return filepath.Join(m.root, bucket, quotaFileName)
}

func (m *Manager) statsPath(bucket, yearMonth string) string {
	return filepath.Join(m.root, bucket, statsDirName, yearMonth+".json")
}

func currentMonth() string {
	return time.Now().UTC().Format("2006-01")
}

// entry returns the cached quota for a bucket, loading .quota or seeding
// it from a tree scan on first access. Callers must hold the write lock.
func (m *Manager) entry(bucket string) (*quotaEntry, error) {
	if e, ok := m.quotas[bucket]; ok {
		return e, nil
	}

	var q BucketQuota
	data, err := os.ReadFile(m.quotaPath(bucket))
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &q); jerr != nil {
			m.log.Warn("unparseable quota file, rescanning", "bucket", bucket, "error", jerr)
			q, err = m.scanBucket(bucket)
			if err != nil {
				return nil, err
			}
		}
	case os.IsNotExist(err):
		q, err = m.scanBucket(bucket)
		if err != nil {
			return nil, err
		}
		// Persist the seeded usage right away so the next startup skips
		// the scan.
		if werr := m.writeQuota(bucket, q); werr != nil {
			m.log.Warn("saving seeded quota", "bucket", bucket, "error", werr)
		}
	default:
		return nil, fmt.Errorf("reading quota file: %w", err)
	}

	e := &quotaEntry{quota: q}
	m.quotas[bucket] = e
	return e, nil
}

// scanBucket walks the bucket once and totals real objects: files that are
// not hidden and not .metadata sidecars.
func (m *Manager) scanBucket(bucket string) (BucketQuota, error) {
	var bytes, count int64
	root := filepath.Join(m.root, bucket)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".metadata") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		bytes += info.Size()
		count++
		return nil
	})
	if err != nil {
		return BucketQuota{}, fmt.Errorf("scanning bucket %q: %w", bucket, err)
	}
	return BucketQuota{
		MaxSizeBytes:      m.defaultLimit,
		CurrentUsageBytes: bytes,
		ObjectCount:       count,
		LastUpdated:       time.Now().UTC(),
	}, nil
}

// Check reports whether adding n bytes to the bucket stays within its
// ceiling. Always true when accounting is disabled.
func (m *Manager) Check(bucket string, n int64) (bool, error) {
	if !m.enabled {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(bucket)
	if err != nil {
		return false, err
	}
	return e.quota.CurrentUsageBytes+n <= e.quota.MaxSizeBytes, nil
}

// Add records a stored object of the given size.
func (m *Manager) Add(bucket string, size int64) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(bucket)
	if err != nil {
		m.log.Warn("quota add skipped", "bucket", bucket, "error", err)
		return
	}
	e.quota.CurrentUsageBytes += size
	e.quota.ObjectCount++
	e.quota.LastUpdated = time.Now().UTC()
	e.dirty = true
}

// Remove records a deleted object of the given size, saturating at zero.
func (m *Manager) Remove(bucket string, size int64) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(bucket)
	if err != nil {
		m.log.Warn("quota remove skipped", "bucket", bucket, "error", err)
		return
	}
	e.quota.CurrentUsageBytes -= size
	if e.quota.CurrentUsageBytes < 0 {
		e.quota.CurrentUsageBytes = 0
	}
	if e.quota.ObjectCount > 0 {
		e.quota.ObjectCount--
	}
	e.quota.LastUpdated = time.Now().UTC()
	e.dirty = true
}

// Forget drops a bucket's cached quota and stats, for use after the bucket
// is deleted.
func (m *Manager) Forget(bucket string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quotas, bucket)
	for key := range m.stats {
		if strings.HasPrefix(key, bucket+":") {
			delete(m.stats, key)
		}
	}
}

// Quota returns the bucket's current accounting. With the feature disabled
// it reports an unlimited ceiling and zero usage.
func (m *Manager) Quota(bucket string) (BucketQuota, error) {
	if !m.enabled {
		return BucketQuota{MaxSizeBytes: math.MaxInt64, LastUpdated: time.Now().UTC()}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(bucket)
	if err != nil {
		return BucketQuota{}, err
	}
	return e.quota, nil
}

// SetLimit changes the bucket's byte ceiling and persists it immediately.
func (m *Manager) SetLimit(bucket string, maxBytes int64) error {
	if !m.enabled {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = m.defaultLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.entry(bucket)
	if err != nil {
		return err
	}
	e.quota.MaxSizeBytes = maxBytes
	e.quota.LastUpdated = time.Now().UTC()
	e.dirty = false
	return m.writeQuota(bucket, e.quota)
}

// Bump increments one monthly operation counter. The month's existing file
// is loaded as the baseline the first time the counter is touched.
func (m *Manager) Bump(bucket string, op Op) {
	if !m.enabled {
		return
	}
	ym := currentMonth()
	key := bucket + ":" + ym

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[key]
	if !ok {
		st = &BucketStats{}
		if data, err := os.ReadFile(m.statsPath(bucket, ym)); err == nil {
			if jerr := json.Unmarshal(data, st); jerr != nil {
				m.log.Warn("unparseable stats file", "bucket", bucket, "month", ym, "error", jerr)
				*st = BucketStats{}
			}
		}
		m.stats[key] = st
	}

	switch op {
	case OpGet:
		st.GetCount++
	case OpPut:
		st.PutCount++
	case OpDelete:
		st.DeleteCount++
	case OpList:
		st.ListCount++
	case OpHead:
		st.HeadCount++
	case OpMultipart:
		st.MultipartCount++
	}
}

// Stats returns a month's counters; yearMonth "" means the current month.
// Cached counters take precedence over the flushed file.
func (m *Manager) Stats(bucket, yearMonth string) (BucketStats, error) {
	if !m.enabled {
		return BucketStats{}, nil
	}
	if yearMonth == "" {
		yearMonth = currentMonth()
	}

	m.mu.RLock()
	if st, ok := m.stats[bucket+":"+yearMonth]; ok {
		out := *st
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	var st BucketStats
	data, err := os.ReadFile(m.statsPath(bucket, yearMonth))
	if err != nil {
		if os.IsNotExist(err) {
			return BucketStats{}, nil
		}
		return BucketStats{}, fmt.Errorf("reading stats file: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return BucketStats{}, fmt.Errorf("parsing stats file: %w", err)
	}
	return st, nil
}

// FlushAll writes every dirty quota and every cached stats document to
// disk. Per-bucket failures are logged and do not stop the sweep.
func (m *Manager) FlushAll() error {
	if !m.enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for bucket, e := range m.quotas {
		if !e.dirty {
			continue
		}
		if err := m.writeQuota(bucket, e.quota); err != nil {
			m.log.Error("flushing quota", "bucket", bucket, "error", err)
			continue
		}
		e.dirty = false
	}

	for key, st := range m.stats {
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			continue
		}
		bucket, ym := key[:idx], key[idx+1:]
		if err := m.writeStats(bucket, ym, *st); err != nil {
			m.log.Error("flushing stats", "bucket", bucket, "month", ym, "error", err)
		}
	}
	return nil
}

func (m *Manager) writeQuota(bucket string, q BucketQuota) error {
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding quota: %w", err)
	}
	return writeFileAtomic(m.quotaPath(bucket), data)
}

func (m *Manager) writeStats(bucket, yearMonth string, st BucketStats) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	return writeFileAtomic(m.statsPath(bucket, yearMonth), data)
}

// writeFileAtomic writes through a sibling temp file and renames into
// place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
