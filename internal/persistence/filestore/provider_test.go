package filestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sessionmend/sessionmend/internal/persistence"
)

func writeArchive(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "session.jsonl")
	lines := strings.Join([]string{
		`{"uuid":"m1","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hello"}`,
		`{"uuid":"m2","parentUuid":"ghost","role":"user","timestamp":"2026-01-01T00:00:05Z","content":"orphaned"}`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProvider_ApplyRepair_RewritesArchiveAndRecordsUndo(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeArchive(t, dir)
	backupRoot := filepath.Join(dir, "backups")
	stateRoot := filepath.Join(dir, "state")

	p := New("sess1", archivePath, backupRoot, stateRoot, nil)

	op := persistence.RepairOperation{
		TargetMessageID: "m2",
		Field:           persistence.FieldParentIdentifier,
		NewValue:        "m1",
		Reason:          "manual repair",
	}
	result, err := p.ApplyRepair(op, "operator1", "manual repair")
	if err != nil {
		t.Fatalf("ApplyRepair: %v", err)
	}
	if !result.Applied {
		t.Fatal("expected Applied=true")
	}

	data, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"parentUuid":"m1"`) {
		t.Errorf("archive was not rewritten with the new parent: %s", data)
	}

	entries, err := os.ReadDir(backupRoot + "/sess1")
	if err != nil {
		t.Fatalf("reading backup dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 snapshot file, got %d", len(entries))
	}

	history, err := p.ShowUndoHistory("sess1")
	if err != nil {
		t.Fatalf("ShowUndoHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 undo entry, got %d", len(history))
	}
	if history[0].Operations[0].TargetMessageID != "m2" {
		t.Errorf("unexpected undo entry: %+v", history[0])
	}
}

func TestProvider_ApplyRepair_UnknownTargetFails(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeArchive(t, dir)
	p := New("sess1", archivePath, filepath.Join(dir, "backups"), filepath.Join(dir, "state"), nil)

	_, err := p.ApplyRepair(persistence.RepairOperation{TargetMessageID: "does-not-exist", Field: persistence.FieldParentIdentifier, NewValue: "m1"}, "op", "reason")
	if err == nil {
		t.Fatal("expected an error for an unknown target message")
	}
}

func TestProvider_RollbackToBackup_RestoresArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeArchive(t, dir)
	original, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatal(err)
	}

	p := New("sess1", archivePath, filepath.Join(dir, "backups"), filepath.Join(dir, "state"), nil)

	handle, err := p.CreateBackup("sess1")
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	if _, err := p.ApplyRepair(persistence.RepairOperation{TargetMessageID: "m2", Field: persistence.FieldParentIdentifier, NewValue: "m1"}, "op", "reason"); err != nil {
		t.Fatalf("ApplyRepair: %v", err)
	}

	if err := p.RollbackToBackup(handle); err != nil {
		t.Fatalf("RollbackToBackup: %v", err)
	}

	restored, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != string(original) {
		t.Errorf("archive after rollback = %q, want original %q", restored, original)
	}
}
