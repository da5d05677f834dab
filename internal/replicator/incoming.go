package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftstore/driftstore/internal/metrics"
	"github.com/driftstore/driftstore/internal/store"
	"github.com/driftstore/driftstore/internal/wal"
)

// tailPeers reads each configured peer WAL from its checkpointed position
// and applies foreign records to the local tree. It reports whether any
// position moved, so the caller knows to checkpoint.
func (r *Replicator) tailPeers() bool {
	moved := false
	for _, peer := range sortedKeys(r.cfg.PeerWALs) {
		if r.tailPeer(peer, r.cfg.PeerWALs[peer]) {
			moved = true
		}
	}
	return moved
}

// tailPeer tails one peer's wal.log. A failed apply stops the tail before
// the failing record, which is retried on the next pass.
func (r *Replicator) tailPeer(peer, dir string) bool {
	path := filepath.Join(dir, wal.LogName)
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("opening peer wal", "peer", peer, "path", path, "error", err)
		}
		return false
	}
	defer f.Close()

	pos := r.state.peerPosition(peer)
	consumed, err := tailRecords(f, pos, r.log, func(rec wal.Record) bool {
		return r.applyIncoming(rec)
	})
	if err != nil {
		r.log.Warn("tailing peer wal", "peer", peer, "error", err)
	}
	if consumed == 0 {
		return false
	}
	r.state.setPeerPosition(peer, pos+consumed)
	return true
}

// applyIncoming applies one foreign record locally. Own records and
// replays are skipped, which breaks replication loops. It reports whether
// the record is settled; false means a transient failure worth retrying.
func (r *Replicator) applyIncoming(rec wal.Record) bool {
	if rec.NodeID == r.cfg.NodeID {
		return true
	}
	key := eventKey{node: rec.NodeID, seq: rec.Sequence}
	if _, dup := r.seen[key]; dup || r.state.seqSeen(rec.NodeID, rec.Sequence) {
		return true
	}

	if err := r.applyRecord(rec); err != nil {
		r.log.Warn("applying replicated record",
			"source", rec.NodeID, "sequence", rec.Sequence,
			"op", string(rec.Op), "bucket", rec.Bucket, "key", rec.Key,
			"error", err)
		return false
	}

	r.seen[key] = struct{}{}
	r.state.markSeq(rec.NodeID, rec.Sequence)
	metrics.ReplicationAppliedTotal.WithLabelValues(rec.NodeID).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	r.mirrorRecord(ctx, rec)
	cancel()
	return true
}

// applyRecord materializes a foreign record in the local tree, bypassing
// the API and the local WAL. Non-PUT records are the same filesystem
// transform as shipping, just aimed at our own root.
func (r *Replicator) applyRecord(rec wal.Record) error {
	if rec.Op == wal.OpPut {
		return r.applyPut(rec)
	}
	return r.shipRecord(r.cfg.StorageRoot, rec)
}

// applyPut downloads the object from its source node and writes it into
// the local tree with a rebuilt sidecar. Without a fetcher the record is
// skipped; shared-storage deployments receive bytes through the push path.
func (r *Replicator) applyPut(rec wal.Record) error {
	dst, err := objectFile(r.cfg.StorageRoot, rec.Bucket, rec.Key)
	if err != nil {
		return err
	}
	if strings.HasSuffix(rec.Key, "/") {
		return os.MkdirAll(dst, 0o755)
	}
	if r.fetch == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	obj, err := r.fetch.Fetch(ctx, rec.NodeID, rec.Bucket, rec.Key)
	if err != nil {
		if errors.Is(err, ErrObjectMissing) {
			// Deleted at the source after the record was written; the
			// DELETE record follows.
			return nil
		}
		return err
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(dst, data); err != nil {
		return err
	}

	meta := store.ObjectMeta{
		Key:          rec.Key,
		Size:         int64(len(data)),
		ETag:         obj.ETag,
		LastModified: obj.LastModified,
		ContentType:  obj.ContentType,
		StorageClass: store.DefaultStorageClass,
		Metadata:     obj.Metadata,
	}
	if meta.ETag == "" {
		meta.ETag = rec.ETag
	}
	if meta.LastModified.IsZero() {
		meta.LastModified = time.UnixMilli(rec.TimestampMS).UTC()
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	if meta.Metadata == nil {
		meta.Metadata = map[string]string{}
	}
	sidecar, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst+store.SidecarSuffix, sidecar)
}
