// Package replicator ships write-ahead log records between cluster nodes.
//
// Each node runs one replicator daemon beside its server. The daemon tails
// the node's own wal.log past a checkpointed byte position, buffers the
// records it finds, optimizes each batch (a key both written and deleted
// inside one batch is dropped entirely; otherwise only the last operation
// per key survives), and ships the result to every configured peer by
// copying files straight into the peer's storage tree. When peer WAL
// directories are configured the daemon also tails those logs and applies
// foreign records to the local tree, fetching object bytes from the source
// node over its S3 API.
//
// Replication is last-writer-wins and loop-free: incoming records are
// applied directly to the filesystem, never through the public API and
// never via the local WAL, and per-node (node, sequence) dedup suppresses
// replays. replicator.state checkpoints tail positions and sequence
// high-watermarks after every batch.
package replicator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftstore/driftstore/internal/metrics"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/wal"
)

const (
	// pollInterval paces the tail loop between batch deadlines.
	pollInterval = 100 * time.Millisecond
	// mirrorTimeout bounds one batch worth of mirror updates.
	mirrorTimeout = 30 * time.Second
	// fetchTimeout bounds a single object download from a source node.
	fetchTimeout = 30 * time.Second
)

// Config wires a Replicator. PeerRoots and PeerWALs map peer node IDs to
// directories reachable on a shared volume; either map may be empty when
// the deployment only pushes or only pulls.
type Config struct {
	NodeID      string
	StorageRoot string
	// WALDir holds this node's wal.log.
	WALDir string
	// StateDir holds replicator.state.
	StateDir      string
	BatchInterval time.Duration
	MaxBatchSize  int
	PeerRoots     map[string]string
	PeerWALs      map[string]string
}

// Mirror indexes processed records in an external metadata store. A nil
// Mirror is valid; failures are logged and never block replication.
type Mirror interface {
	RecordPut(ctx context.Context, bucket, key string, size int64, etag string, modified time.Time) error
	RecordDelete(ctx context.Context, bucket, key string) error
	RecordBucket(ctx context.Context, bucket string, created time.Time) error
	DropBucket(ctx context.Context, bucket string) error
}

// eventKey identifies a WAL record for incoming dedup.
type eventKey struct {
	node string
	seq  uint64
}

// Replicator is the replication loop. All fields are owned by the single
// run goroutine after Start.
type Replicator struct {
	cfg    Config
	log    *slog.Logger
	fetch  ObjectFetcher
	mirror Mirror

	state  State
	buffer []wal.Record
	seen   map[eventKey]struct{}

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replicator) { r.log = logger }
}

// WithFetcher sets the object fetcher used to download bytes for incoming
// PUT records. Without one, incoming PUTs are skipped and shared-storage
// deployments rely on the push path for the bytes.
func WithFetcher(f ObjectFetcher) Option {
	return func(r *Replicator) { r.fetch = f }
}

// WithMirror sets the metadata mirror fed with every processed record.
func WithMirror(m Mirror) Option {
	return func(r *Replicator) { r.mirror = m }
}

// New loads the checkpoint and prepares a Replicator. Call Start to begin
// replication.
func New(cfg Config, opts ...Option) (*Replicator, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("replicator: node ID required")
	}
	if cfg.StorageRoot == "" {
		return nil, errors.New("replicator: storage root required")
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}

	r := &Replicator{
		cfg:  cfg,
		seen: make(map[eventKey]struct{}),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("replicator: creating state directory: %w", err)
	}
	r.state = loadState(r.statePath(), r.log)
	return r, nil
}

func (r *Replicator) statePath() string {
	return filepath.Join(r.cfg.StateDir, StateName)
}

// Start launches the replication loop.
func (r *Replicator) Start() {
	go r.run()
	r.log.Info("replicator started",
		"node", r.cfg.NodeID,
		"wal", r.cfg.WALDir,
		"push_peers", len(r.cfg.PeerRoots),
		"pull_peers", len(r.cfg.PeerWALs),
		"batch_interval", r.cfg.BatchInterval,
	)
}

// Close stops the loop, ships whatever is still buffered, and saves the
// checkpoint. Safe to call once.
func (r *Replicator) Close() error {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.done
	return nil
}

func (r *Replicator) run() {
	defer close(r.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastBatch := time.Now()
	for {
		select {
		case <-ticker.C:
		case <-r.quit:
			r.readOwnWAL()
			if len(r.buffer) > 0 {
				r.processBatch()
			} else {
				r.checkpoint()
			}
			r.log.Info("replicator stopped", "node", r.cfg.NodeID)
			return
		}

		r.readOwnWAL()

		if len(r.buffer) > 0 &&
			(time.Since(lastBatch) >= r.cfg.BatchInterval || len(r.buffer) >= r.cfg.MaxBatchSize) {
			r.processBatch()
			lastBatch = time.Now()
		}

		if r.tailPeers() {
			r.checkpoint()
		}
	}
}

// readOwnWAL tails the local wal.log from the checkpointed byte position,
// buffering this node's unprocessed records up to the batch cap. A missing
// log just means nothing has been written yet.
func (r *Replicator) readOwnWAL() {
	path := filepath.Join(r.cfg.WALDir, wal.LogName)
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("opening wal log", "path", path, "error", err)
		}
		return
	}
	defer f.Close()

	consumed, err := tailRecords(f, int64(r.state.LastProcessedPosition), r.log, func(rec wal.Record) bool {
		if len(r.buffer) >= r.cfg.MaxBatchSize {
			return false
		}
		if rec.NodeID != r.cfg.NodeID {
			return true
		}
		if r.state.seqSeen(rec.NodeID, rec.Sequence) {
			return true
		}
		r.buffer = append(r.buffer, rec)
		r.state.markSeq(rec.NodeID, rec.Sequence)
		return true
	})
	if err != nil {
		r.log.Warn("tailing wal log", "path", path, "error", err)
	}
	r.state.LastProcessedPosition += uint64(consumed)
}

// tailRecords reads newline-terminated records starting at pos, invoking
// fn for each parsed record. It returns the bytes consumed as complete,
// accepted lines: a trailing line without a newline is left for the next
// pass (the writer has not finished it), as is the line whose record fn
// declined by returning false.
func tailRecords(f *os.File, pos int64, logger *slog.Logger, fn func(wal.Record) bool) (int64, error) {
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seeking to %d: %w", pos, err)
	}

	reader := bufio.NewReader(f)
	var consumed int64
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return consumed, nil
			}
			return consumed, err
		}

		trimmed := strings.TrimRight(line, "\n")
		if trimmed == "" {
			consumed += int64(len(line))
			continue
		}
		rec, perr := wal.Parse(trimmed)
		if perr != nil {
			logger.Warn("skipping unparseable wal line", "error", perr)
			consumed += int64(len(line))
			continue
		}
		if !fn(rec) {
			return consumed, nil
		}
		consumed += int64(len(line))
	}
}

// processBatch optimizes the buffer, ships it to every peer root, feeds the
// mirror, and checkpoints. Per-peer failures are logged and do not abort
// the batch.
func (r *Replicator) processBatch() {
	batch := r.buffer
	r.buffer = nil

	optimized := optimizeBatch(batch)
	batchID := uuid.NewString()
	r.log.Info("shipping batch",
		"batch", batchID,
		"records", len(batch),
		"optimized", len(optimized),
		"peers", len(r.cfg.PeerRoots),
	)

	for _, peer := range sortedKeys(r.cfg.PeerRoots) {
		if err := r.shipToPeer(peer, r.cfg.PeerRoots[peer], optimized); err != nil {
			metrics.ReplicationErrorsTotal.WithLabelValues(peer).Inc()
			r.log.Warn("shipping to peer failed", "batch", batchID, "peer", peer, "error", err)
		}
	}

	r.feedMirror(optimized)
	r.checkpoint()
}

// optimizeBatch collapses a batch before shipping. Records group by
// (bucket, key); a group holding both a PUT and a DELETE cancels out and is
// dropped entirely, otherwise only the group's last record ships.
// Bucket-level records group on the bare bucket and metadata records on
// (bucket, kind), so only the final configuration state travels.
func optimizeBatch(batch []wal.Record) []wal.Record {
	type group struct {
		order     int
		last      wal.Record
		hasPut    bool
		hasDelete bool
	}

	groups := make(map[[2]string]*group)
	for _, rec := range batch {
		gk := [2]string{rec.Bucket, rec.Key}
		g, ok := groups[gk]
		if !ok {
			g = &group{order: len(groups)}
			groups[gk] = g
		}
		g.last = rec
		switch rec.Op {
		case wal.OpPut:
			g.hasPut = true
		case wal.OpDelete:
			g.hasDelete = true
		}
	}

	kept := make([]*group, 0, len(groups))
	for _, g := range groups {
		if g.hasPut && g.hasDelete {
			// Written and removed inside one batch: nothing to replicate.
			continue
		}
		kept = append(kept, g)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].order < kept[j].order })

	out := make([]wal.Record, 0, len(kept))
	for _, g := range kept {
		out = append(out, g.last)
	}
	return out
}

// shipToPeer replays records into one peer's storage tree. The first
// failure aborts this peer; the caller isolates it from the others.
func (r *Replicator) shipToPeer(peer, root string, recs []wal.Record) error {
	for _, rec := range recs {
		if err := r.shipRecord(root, rec); err != nil {
			return fmt.Errorf("%s %s/%s: %w", rec.Op, rec.Bucket, rec.Key, err)
		}
		metrics.ReplicationShippedTotal.WithLabelValues(peer).Inc()
	}
	return nil
}

// shipRecord materializes one record in the storage tree rooted at root.
// The same transform serves both shipping (root = a peer's tree, bytes
// copied from the local tree) and incoming non-PUT applies (root = the
// local tree).
func (r *Replicator) shipRecord(root string, rec wal.Record) error {
	switch rec.Op {
	case wal.OpPut:
		dst, err := objectFile(root, rec.Bucket, rec.Key)
		if err != nil {
			return err
		}
		if strings.HasSuffix(rec.Key, "/") {
			return os.MkdirAll(dst, 0o755)
		}
		src, err := objectFile(r.cfg.StorageRoot, rec.Bucket, rec.Key)
		if err != nil {
			return err
		}
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				// Gone since the record was written; its DELETE follows.
				return nil
			}
			return err
		}
		if err := copyFile(src, dst); err != nil {
			return err
		}
		if _, err := os.Stat(src + store.SidecarSuffix); err == nil {
			return copyFile(src+store.SidecarSuffix, dst+store.SidecarSuffix)
		}
		return nil

	case wal.OpDelete:
		dst, err := objectFile(root, rec.Bucket, rec.Key)
		if err != nil {
			return err
		}
		if strings.HasSuffix(rec.Key, "/") {
			// Folder marker: only removable while empty on this tree too.
			os.Remove(dst)
			return nil
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.Remove(dst + store.SidecarSuffix); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil

	case wal.OpCreateBucket:
		dir := filepath.Join(root, rec.Bucket)
		if _, err := os.Stat(dir); err == nil {
			return nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		meta := store.BucketMeta{Created: time.UnixMilli(rec.TimestampMS).UTC()}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return writeFileAtomic(filepath.Join(dir, store.BucketMetaName), data)

	case wal.OpDeleteBucket:
		return os.RemoveAll(filepath.Join(root, rec.Bucket))

	case wal.OpUpdateMetadata:
		dir := filepath.Join(root, rec.Bucket)
		if _, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				// Bucket never reached this tree; skip the config too.
				return nil
			}
			return err
		}
		return writeFileAtomic(filepath.Join(dir, kindFile(rec.Key)), []byte(rec.Content))

	case wal.OpDeleteMetadata:
		err := os.Remove(filepath.Join(root, rec.Bucket, kindFile(rec.Key)))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil

	default:
		r.log.Warn("skipping unknown wal op", "op", string(rec.Op), "bucket", rec.Bucket)
		return nil
	}
}

// feedMirror indexes one processed batch in the metadata mirror.
func (r *Replicator) feedMirror(recs []wal.Record) {
	if r.mirror == nil || len(recs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	for _, rec := range recs {
		r.mirrorRecord(ctx, rec)
	}
}

// mirrorRecord indexes a single record. Metadata-kind records carry no
// inventory change and are skipped.
func (r *Replicator) mirrorRecord(ctx context.Context, rec wal.Record) {
	if r.mirror == nil {
		return
	}
	var err error
	switch rec.Op {
	case wal.OpPut:
		err = r.mirror.RecordPut(ctx, rec.Bucket, rec.Key, rec.Size, rec.ETag, time.UnixMilli(rec.TimestampMS).UTC())
	case wal.OpDelete:
		err = r.mirror.RecordDelete(ctx, rec.Bucket, rec.Key)
	case wal.OpCreateBucket:
		err = r.mirror.RecordBucket(ctx, rec.Bucket, time.UnixMilli(rec.TimestampMS).UTC())
	case wal.OpDeleteBucket:
		err = r.mirror.DropBucket(ctx, rec.Bucket)
	default:
		return
	}
	if err != nil {
		r.log.Warn("mirror update failed",
			"op", string(rec.Op), "bucket", rec.Bucket, "key", rec.Key, "error", err)
	}
}

// checkpoint persists replicator.state. Failures are logged; after a crash
// the dedup watermarks absorb any replays.
func (r *Replicator) checkpoint() {
	if err := r.state.save(r.statePath()); err != nil {
		r.log.Error("saving replicator state", "error", err)
	}
}

// objectFile maps a record's bucket and key onto a storage tree, rejecting
// keys that would escape it. Records come from WAL files other processes
// write, so the guard cannot live only in the server.
func objectFile(root, bucket, key string) (string, error) {
	path := filepath.Join(root, bucket, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Join(root, bucket)+string(os.PathSeparator)) {
		return "", fmt.Errorf("key %q escapes bucket", key)
	}
	return path, nil
}

// kindFile maps a metadata kind to its hidden config file name.
func kindFile(kind string) string {
	if strings.HasPrefix(kind, ".") {
		return kind
	}
	return "." + kind
}

// copyFile copies src to dst through a temp file in the destination
// directory, so readers of the target tree never observe partial objects.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".rep-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// writeFileAtomic writes data via temp + rename, creating parents.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".rep-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
