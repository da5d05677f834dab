package replicator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StateName is the checkpoint file inside the state directory.
const StateName = "replicator.state"

// State is the persisted replication checkpoint. LastProcessedPosition is
// the byte offset reached in the local wal.log; LastProcessedSequence holds
// the highest processed sequence per origin node; PeerPositions holds the
// byte offset reached in each tailed peer wal.log.
type State struct {
	LastProcessedPosition uint64            `json:"last_processed_position"`
	LastProcessedSequence map[string]uint64 `json:"last_processed_sequence"`
	PeerPositions         map[string]uint64 `json:"peer_positions,omitempty"`
	LastFlush             int64             `json:"last_flush"`
}

// loadState reads the checkpoint at path. A missing or unreadable file
// yields a fresh state: replication must start rather than refuse, and the
// worst case is reprocessing records the dedup watermarks absorb.
func loadState(path string, logger *slog.Logger) State {
	fresh := State{
		LastProcessedSequence: make(map[string]uint64),
		PeerPositions:         make(map[string]uint64),
		LastFlush:             time.Now().Unix(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("unreadable replicator state, starting fresh", "path", path, "error", err)
		}
		return fresh
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("unparseable replicator state, starting fresh", "path", path, "error", err)
		return fresh
	}
	if st.LastProcessedSequence == nil {
		st.LastProcessedSequence = make(map[string]uint64)
	}
	if st.PeerPositions == nil {
		st.PeerPositions = make(map[string]uint64)
	}
	logger.Info("loaded replicator state", "path", path, "position", st.LastProcessedPosition)
	return st
}

// save persists the checkpoint via temp + rename.
func (st *State) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	st.LastFlush = time.Now().Unix()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming state into place: %w", err)
	}
	return nil
}

// seqSeen reports whether the sequence from node was already processed.
// Absent nodes have no watermark, so even sequence zero processes once.
func (st *State) seqSeen(node string, seq uint64) bool {
	last, ok := st.LastProcessedSequence[node]
	return ok && seq <= last
}

// markSeq advances the node's sequence high-watermark.
func (st *State) markSeq(node string, seq uint64) {
	if st.LastProcessedSequence == nil {
		st.LastProcessedSequence = make(map[string]uint64)
	}
	if last, ok := st.LastProcessedSequence[node]; !ok || seq > last {
		st.LastProcessedSequence[node] = seq
	}
}

// peerPosition returns the byte offset reached in a peer's wal.log.
func (st *State) peerPosition(peer string) int64 {
	return int64(st.PeerPositions[peer])
}

// setPeerPosition records the byte offset reached in a peer's wal.log.
func (st *State) setPeerPosition(peer string, pos int64) {
	if st.PeerPositions == nil {
		st.PeerPositions = make(map[string]uint64)
	}
	st.PeerPositions[peer] = uint64(pos)
}
