package updatelog

import (
	"fmt"
	"io"
	"slices"
)

// ReplayFunc is called for each update that needs to be replayed
type ReplayFunc func(docID string, update []byte) error

// RecoveryStats summarizes one recovery pass
type RecoveryStats struct {
	TotalEntries      int
	ReplayedUpdates   int
	SkippedUpdates    int
	LastCheckpointLSN uint64
	CheckpointMark    uint64
	CorruptFiles      int

	// ResetDocs lists documents replaced after the checkpoint mark. Their
	// persisted snapshots predate the reset and must not be used.
	ResetDocs []string
}

// Recover replays, in LSN order, every update not covered by the last
// checkpoint or superseded by a later reset of its document
func (l *Log) Recover(replay ReplayFunc) (*RecoveryStats, error) {
	stats := &RecoveryStats{}

	files, err := l.Files()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return stats, nil
	}

	r := NewReader(files)
	defer r.Close()
	var entries []*Entry
	for {
		entry, err := r.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read log entries: %w", err)
		}
		entries = append(entries, entry)
	}
	stats.TotalEntries = len(entries)
	stats.CorruptFiles = r.Skipped

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].OpType == OpCheckpoint {
			stats.LastCheckpointLSN = entries[i].LSN
			stats.CheckpointMark = entries[i].checkpointMark()
			break
		}
	}

	lastReset := make(map[string]uint64)
	for _, entry := range entries {
		if entry.OpType == OpReset && entry.LSN > stats.CheckpointMark {
			lastReset[entry.DocID] = entry.LSN
		}
	}
	for docID := range lastReset {
		stats.ResetDocs = append(stats.ResetDocs, docID)
	}
	slices.Sort(stats.ResetDocs)

	for _, entry := range entries {
		if entry.OpType != OpUpdate {
			continue
		}
		if entry.LSN <= stats.CheckpointMark || entry.LSN < lastReset[entry.DocID] {
			stats.SkippedUpdates++
			continue
		}
		if err := replay(entry.DocID, entry.Payload); err != nil {
			return stats, fmt.Errorf("replay failed at LSN %d: %w", entry.LSN, err)
		}
		stats.ReplayedUpdates++
	}
	return stats, nil
}

// Pending collects, per document, the updates a recovery would replay
func (l *Log) Pending() (map[string][][]byte, *RecoveryStats, error) {
	pending := make(map[string][][]byte)
	stats, err := l.Recover(func(docID string, update []byte) error {
		pending[docID] = append(pending[docID], update)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pending, stats, nil
}
