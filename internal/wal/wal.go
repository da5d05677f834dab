// Package wal implements the write-ahead log that feeds cluster
// replication.
//
// Producers enqueue records fire-and-forget; a single background goroutine
// stamps each record with this node's next sequence number and a timestamp,
// batches them, and appends tab-separated lines to wal.log. The log is the
// replication source of truth: the replicator daemon tails it and ships
// records to peers. WAL failures are logged and never surface to clients.
//
// Record grammar, one record per line, fields separated by single tabs:
//
//	<op> <node_id> <sequence> <timestamp_ms> <bucket> [<key> [<size> [<etag>]]]
//
// with PUT carrying key, size, and etag; DELETE carrying key;
// CREATE_BUCKET and DELETE_BUCKET just the bucket; UPDATE_METADATA
// carrying the metadata kind and the escaped content; DELETE_METADATA
// carrying the kind. Newlines and tabs inside content are escaped.
package wal

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/driftstore/driftstore/internal/metrics"
)

// Op identifies a WAL record type.
type Op string

// WAL operations.
const (
	OpPut            Op = "PUT"
	OpDelete         Op = "DELETE"
	OpCreateBucket   Op = "CREATE_BUCKET"
	OpDeleteBucket   Op = "DELETE_BUCKET"
	OpUpdateMetadata Op = "UPDATE_METADATA"
	OpDeleteMetadata Op = "DELETE_METADATA"
)

// File names inside the WAL directory.
const (
	LogName      = "wal.log"
	SequenceName = "wal.sequence"
)

const (
	queueCapacity = 10000
	flushInterval = 5 * time.Second
	flushBatch    = 1000
	syncRecords   = 100
	syncInterval  = 30 * time.Second
	recvTimeout   = 100 * time.Millisecond
	tailScanBytes = 10 * 1024
)

// Record is a single WAL entry.
type Record struct {
	Op          Op
	NodeID      string
	Sequence    uint64
	TimestampMS int64
	Bucket      string
	// Key holds the object key for PUT/DELETE and the metadata kind for
	// UPDATE_METADATA/DELETE_METADATA.
	Key string
	// Size and ETag are set for PUT records.
	Size int64
	ETag string
	// Content is the raw metadata payload for UPDATE_METADATA.
	Content string
}

// Format renders the record as its tab-separated line (without newline).
func (r Record) Format() string {
	base := fmt.Sprintf("%s\t%s\t%d\t%d\t%s", r.Op, r.NodeID, r.Sequence, r.TimestampMS, r.Bucket)
	switch r.Op {
	case OpPut:
		return fmt.Sprintf("%s\t%s\t%d\t%s", base, r.Key, r.Size, r.ETag)
	case OpDelete, OpDeleteMetadata:
		return base + "\t" + r.Key
	case OpUpdateMetadata:
		return base + "\t" + r.Key + "\t" + Escape(r.Content)
	default:
		return base
	}
}

// Parse decodes a single WAL line.
func Parse(line string) (Record, error) {
	parts := strings.Split(line, "\t")
	if len(parts) < 5 {
		return Record{}, fmt.Errorf("wal: short record %q", line)
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("wal: bad sequence in %q: %w", line, err)
	}
	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("wal: bad timestamp in %q: %w", line, err)
	}
	rec := Record{
		Op:          Op(parts[0]),
		NodeID:      parts[1],
		Sequence:    seq,
		TimestampMS: ts,
		Bucket:      parts[4],
	}
	switch rec.Op {
	case OpPut:
		if len(parts) < 8 {
			return Record{}, fmt.Errorf("wal: short PUT record %q", line)
		}
		rec.Key = parts[5]
		rec.Size, err = strconv.ParseInt(parts[6], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("wal: bad size in %q: %w", line, err)
		}
		rec.ETag = parts[7]
	case OpDelete, OpDeleteMetadata:
		if len(parts) < 6 {
			return Record{}, fmt.Errorf("wal: short %s record %q", rec.Op, line)
		}
		rec.Key = parts[5]
	case OpUpdateMetadata:
		if len(parts) < 7 {
			return Record{}, fmt.Errorf("wal: short UPDATE_METADATA record %q", line)
		}
		rec.Key = parts[5]
		rec.Content = Unescape(strings.Join(parts[6:], "\t"))
	case OpCreateBucket, OpDeleteBucket:
	default:
		return Record{}, fmt.Errorf("wal: unknown op %q", parts[0])
	}
	return rec, nil
}

// Escape encodes newlines and tabs so content fits in a single record line.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "\n", `\n`)
	return strings.ReplaceAll(s, "\t", `\t`)
}

// Unescape reverses Escape.
func Unescape(s string) string {
	s = strings.ReplaceAll(s, `\n`, "\n")
	return strings.ReplaceAll(s, `\t`, "\t")
}

// message is a record before the worker stamps sequence and timestamp.
type message struct {
	op      Op
	bucket  string
	key     string
	size    int64
	etag    string
	content string
}

// Writer appends records to the WAL from a single background goroutine.
// A nil *Writer is valid and drops everything, so callers do not need to
// guard every log call on whether the WAL is enabled.
type Writer struct {
	nodeID string
	dir    string
	file   *os.File
	log    *slog.Logger

	ch     chan message
	quit   chan struct{}
	done   chan struct{}
	closed atomic.Bool

	seq atomic.Uint64

	pendingSync int
	lastSync    time.Time
	lastFlush   time.Time
}

// Open prepares the WAL directory, recovers the sequence counter, and
// starts the background writer.
func Open(dir, nodeID string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating directory: %w", err)
	}

	next := recoverSequence(dir, nodeID, logger)

	f, err := os.OpenFile(filepath.Join(dir, LogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: opening log: %w", err)
	}

	w := &Writer{
		nodeID:    nodeID,
		dir:       dir,
		file:      f,
		log:       logger,
		ch:        make(chan message, queueCapacity),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		lastSync:  time.Now(),
		lastFlush: time.Now(),
	}
	w.seq.Store(next)

	go w.run()
	logger.Info("wal writer started", "dir", dir, "node", nodeID, "next_sequence", next)
	return w, nil
}

// recoverSequence determines the next sequence number for this node: the
// wal.sequence checkpoint if present, otherwise a scan of the last 10 KiB
// of wal.log for this node's highest sequence.
func recoverSequence(dir, nodeID string, logger *slog.Logger) uint64 {
	if data, err := os.ReadFile(filepath.Join(dir, SequenceName)); err == nil {
		if n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return n
		}
		logger.Warn("unparseable wal.sequence, falling back to log scan")
	}

	f, err := os.Open(filepath.Join(dir, LogName))
	if err != nil {
		return 0
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0
	}
	var offset int64
	sought := false
	if st.Size() > tailScanBytes {
		offset = st.Size() - tailScanBytes
		sought = true
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var max uint64
	found := false
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			// The first line after seeking into the middle of the
			// file is almost certainly partial.
			if sought {
				continue
			}
		}
		rec, err := Parse(line)
		if err != nil {
			continue
		}
		if rec.NodeID == nodeID && rec.Sequence >= max {
			max = rec.Sequence
			found = true
		}
	}
	if !found {
		return 0
	}
	return max + 1
}

// LogPut records a successful object write.
func (w *Writer) LogPut(bucket, key string, size int64, etag string) {
	w.enqueue(message{op: OpPut, bucket: bucket, key: key, size: size, etag: etag})
}

// LogDelete records an object removal.
func (w *Writer) LogDelete(bucket, key string) {
	w.enqueue(message{op: OpDelete, bucket: bucket, key: key})
}

// LogCreateBucket records a bucket creation.
func (w *Writer) LogCreateBucket(bucket string) {
	w.enqueue(message{op: OpCreateBucket, bucket: bucket})
}

// LogDeleteBucket records a bucket removal.
func (w *Writer) LogDeleteBucket(bucket string) {
	w.enqueue(message{op: OpDeleteBucket, bucket: bucket})
}

// LogUpdateMetadata records a bucket subresource write (policy, cors,
// lifecycle, acl, versioning, encryption, tagging).
func (w *Writer) LogUpdateMetadata(bucket, kind, content string) {
	w.enqueue(message{op: OpUpdateMetadata, bucket: bucket, key: kind, content: content})
}

// LogDeleteMetadata records a bucket subresource removal.
func (w *Writer) LogDeleteMetadata(bucket, kind string) {
	w.enqueue(message{op: OpDeleteMetadata, bucket: bucket, key: kind})
}

// enqueue is fire-and-forget: a full queue drops the record rather than
// blocking the request path.
func (w *Writer) enqueue(m message) {
	if w == nil || w.closed.Load() {
		return
	}
	select {
	case w.ch <- m:
		metrics.WALQueueDepth.Set(float64(len(w.ch)))
	default:
		metrics.WALDroppedTotal.Inc()
		w.log.Warn("wal queue full, dropping record", "op", string(m.op), "bucket", m.bucket, "key", m.key)
	}
}

// Close stops the writer, draining and flushing everything already
// enqueued. It is safe to call once.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closed.Store(true)
	close(w.quit)
	<-w.done
	return w.file.Close()
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(recvTimeout)
	defer ticker.Stop()

	var batch []Record
	for {
		select {
		case m := <-w.ch:
			batch = append(batch, w.stamp(m))
			batch = w.drainInto(batch)
		case <-ticker.C:
		case <-w.quit:
			batch = w.drainInto(batch)
			w.flush(batch)
			w.sync(true)
			return
		}

		if len(batch) > 0 && (len(batch) >= flushBatch || time.Since(w.lastFlush) >= flushInterval) {
			w.flush(batch)
			batch = batch[:0]
		}
	}
}

// drainInto moves whatever is immediately available off the channel.
func (w *Writer) drainInto(batch []Record) []Record {
	for len(batch) < flushBatch {
		select {
		case m := <-w.ch:
			batch = append(batch, w.stamp(m))
		default:
			metrics.WALQueueDepth.Set(float64(len(w.ch)))
			return batch
		}
	}
	return batch
}

func (w *Writer) stamp(m message) Record {
	return Record{
		Op:          m.op,
		NodeID:      w.nodeID,
		Sequence:    w.seq.Add(1) - 1,
		TimestampMS: time.Now().UnixMilli(),
		Bucket:      m.bucket,
		Key:         m.key,
		Size:        m.size,
		ETag:        m.etag,
		Content:     m.content,
	}
}

func (w *Writer) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	var sb strings.Builder
	for _, rec := range batch {
		sb.WriteString(rec.Format())
		sb.WriteByte('\n')
		metrics.WALRecordsTotal.WithLabelValues(string(rec.Op)).Inc()
	}
	if _, err := w.file.WriteString(sb.String()); err != nil {
		w.log.Error("wal write failed", "error", err, "records", len(batch))
		return
	}
	w.lastFlush = time.Now()
	w.pendingSync += len(batch)
	w.sync(false)
	w.writeSequence()
}

// sync fsyncs when enough records accumulated or enough time passed.
func (w *Writer) sync(force bool) {
	if !force && w.pendingSync < syncRecords && time.Since(w.lastSync) < syncInterval {
		return
	}
	if w.pendingSync == 0 && !force {
		return
	}
	if err := w.file.Sync(); err != nil {
		w.log.Warn("wal fsync failed", "error", err)
		return
	}
	w.pendingSync = 0
	w.lastSync = time.Now()
}

// writeSequence checkpoints the next sequence number via temp + rename.
func (w *Writer) writeSequence() {
	path := filepath.Join(w.dir, SequenceName)
	tmp := path + ".tmp"
	data := strconv.FormatUint(w.seq.Load(), 10) + "\n"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		w.log.Warn("wal sequence checkpoint failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		w.log.Warn("wal sequence rename failed", "error", err)
	}
}
