package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/persistence"
)

// writeSiblingTemp writes data to a new temp file in targetPath's
// directory and fsyncs it, per spec.md §4.7 steps 2-3. It does not
// rename the temp file into place; callers do that after snapshotting.
func writeSiblingTemp(targetPath string, data []byte) (string, error) {
	dir := filepath.Dir(targetPath)
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to create temp file")
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to write temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to fsync temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to close temp file")
	}
	return tmpPath, nil
}

// writeFileAtomic writes data to path via a sibling temp file and
// rename, so a reader never observes a partial write.
func writeFileAtomic(path string, data []byte) error {
	tmpPath, err := writeSiblingTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to rename into place")
	}
	return nil
}

// undoStateFile is the on-disk shape of the per-session undo state file.
type undoStateFile struct {
	Entries []undoEntryJSON `json:"entries"`
}

type undoEntryJSON struct {
	Operations   []repairOperationJSON `json:"operations"`
	Timestamp    time.Time             `json:"timestamp"`
	SnapshotPath string                `json:"snapshotPath"`
}

type repairOperationJSON struct {
	TargetMessageID string   `json:"targetMessageId"`
	Field           string   `json:"field"`
	OldValue        string   `json:"oldValue,omitempty"`
	HasOldValue     bool     `json:"hasOldValue"`
	NewValue        string   `json:"newValue"`
	Reason          string   `json:"reason"`
	Similarity      *float64 `json:"similarity,omitempty"`
}

func readUndoState(path string) ([]persistence.UndoEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to read undo state file")
	}
	if len(data) == 0 {
		return nil, nil
	}

	var state undoStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to parse undo state file")
	}

	out := make([]persistence.UndoEntry, 0, len(state.Entries))
	for _, e := range state.Entries {
		ops := make([]persistence.RepairOperation, 0, len(e.Operations))
		for _, o := range e.Operations {
			ops = append(ops, persistence.RepairOperation{
				TargetMessageID: o.TargetMessageID,
				Field:           persistence.FieldName(o.Field),
				OldValue:        o.OldValue,
				HasOldValue:     o.HasOldValue,
				NewValue:        o.NewValue,
				Reason:          o.Reason,
				Similarity:      o.Similarity,
			})
		}
		out = append(out, persistence.UndoEntry{
			Operations:   ops,
			Timestamp:    e.Timestamp,
			SnapshotPath: e.SnapshotPath,
		})
	}
	return out, nil
}

func marshalUndoState(entries []persistence.UndoEntry) ([]byte, error) {
	state := undoStateFile{Entries: make([]undoEntryJSON, 0, len(entries))}
	for _, e := range entries {
		ops := make([]repairOperationJSON, 0, len(e.Operations))
		for _, o := range e.Operations {
			ops = append(ops, repairOperationJSON{
				TargetMessageID: o.TargetMessageID,
				Field:           string(o.Field),
				OldValue:        o.OldValue,
				HasOldValue:     o.HasOldValue,
				NewValue:        o.NewValue,
				Reason:          o.Reason,
				Similarity:      o.Similarity,
			})
		}
		state.Entries = append(state.Entries, undoEntryJSON{
			Operations:   ops,
			Timestamp:    e.Timestamp,
			SnapshotPath: e.SnapshotPath,
		})
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to marshal undo state")
	}
	return data, nil
}
