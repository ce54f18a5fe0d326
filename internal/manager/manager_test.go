package manager

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sessionmend/sessionmend/internal/coreconfig"
	"github.com/sessionmend/sessionmend/internal/persistence"
	"github.com/sessionmend/sessionmend/internal/persistence/eventstore"
	"github.com/sessionmend/sessionmend/internal/persistence/filestore"
)

func writeTestArchive(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "session.jsonl")
	lines := strings.Join([]string{
		`{"uuid":"m1","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"following up on the bug report now"}`,
		`{"uuid":"m2","parentUuid":"ghost","role":"assistant","timestamp":"2026-01-01T00:00:05Z","content":"following up on the bug report later"}`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestManager_Open_BuildsSessionWithOrphan(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeTestArchive(t, dir)
	provider := filestore.New("sess1", archivePath, filepath.Join(dir, "backups"), filepath.Join(dir, "state"), nil)

	m, err := Open("sess1", archivePath, provider, coreconfig.Default(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	handle := m.Handle()
	if len(handle.Session.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(handle.Session.Messages))
	}
	if !handle.DAG.IsOrphan("m2") {
		t.Fatal("expected m2 to be an orphan")
	}
}

func TestManager_SuggestParents_RanksCandidateAboveFloor(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeTestArchive(t, dir)
	provider := filestore.New("sess1", archivePath, filepath.Join(dir, "backups"), filepath.Join(dir, "state"), nil)

	m, err := Open("sess1", archivePath, provider, coreconfig.Default(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	candidates, err := m.SuggestParents("m2")
	if err != nil {
		t.Fatalf("SuggestParents: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("expected at least one candidate")
	}
	if candidates[0].ParentID != "m1" {
		t.Errorf("expected m1 to be the top candidate, got %s", candidates[0].ParentID)
	}
}

func TestManager_ApplyRepair_RejectsParentNewerThanTarget(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeTestArchive(t, dir)
	provider := filestore.New("sess1", archivePath, filepath.Join(dir, "backups"), filepath.Join(dir, "state"), nil)

	m, err := Open("sess1", archivePath, provider, coreconfig.Default(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err = m.ApplyRepair(persistence.RepairOperation{
		TargetMessageID: "m1",
		Field:           persistence.FieldParentIdentifier,
		NewValue:        "m2",
	}, "operator1", "bad repair")
	if err == nil {
		t.Fatal("expected an error rejecting a parent whose timestamp is after the target's")
	}
}

func TestManager_ApplyRepair_ThenUndoLast_RestoresOrphan(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeTestArchive(t, dir)
	provider := filestore.New("sess1", archivePath, filepath.Join(dir, "backups"), filepath.Join(dir, "state"), nil)

	m, err := Open("sess1", archivePath, provider, coreconfig.Default(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := m.ApplyRepair(persistence.RepairOperation{
		TargetMessageID: "m2",
		Field:           persistence.FieldParentIdentifier,
		NewValue:        "m1",
	}, "operator1", "manual repair"); err != nil {
		t.Fatalf("ApplyRepair: %v", err)
	}
	if m.Handle().DAG.IsOrphan("m2") {
		t.Fatal("expected m2 to no longer be an orphan after the repair")
	}

	if err := m.UndoLast("operator1"); err != nil {
		t.Fatalf("UndoLast: %v", err)
	}
	if !m.Handle().DAG.IsOrphan("m2") {
		t.Fatal("expected m2 to be an orphan again after undo")
	}
}

func TestManager_Refresh_PicksUpExternallyAppendedRecord(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeTestArchive(t, dir)
	provider := filestore.New("sess1", archivePath, filepath.Join(dir, "backups"), filepath.Join(dir, "state"), nil)

	m, err := Open("sess1", archivePath, provider, coreconfig.Default(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(m.Handle().Session.Messages) != 2 {
		t.Fatalf("expected 2 messages before the external append, got %d", len(m.Handle().Session.Messages))
	}

	f, err := os.OpenFile(archivePath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"uuid":"m3","parentUuid":"m2","role":"user","timestamp":"2026-01-01T00:00:10Z","content":"a third message"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := m.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(m.Handle().Session.Messages) != 3 {
		t.Fatalf("expected 3 messages after Refresh, got %d", len(m.Handle().Session.Messages))
	}
}

func TestManager_CurrentState_WithEventStoreProvider(t *testing.T) {
	dir := t.TempDir()
	archivePath := writeTestArchive(t, dir)
	store, err := eventstore.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := coreconfig.Default()
	provider := eventstore.New(store, "sess1", archivePath, &cfg.Corruption, &cfg.Replay)

	m, err := Open("sess1", archivePath, provider, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := m.ApplyRepair(persistence.RepairOperation{
		TargetMessageID: "m2",
		Field:           persistence.FieldParentIdentifier,
		NewValue:        "m1",
	}, "operator1", "manual repair"); err != nil {
		t.Fatalf("ApplyRepair: %v", err)
	}

	state, err := m.CurrentState()
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	found := false
	for _, sm := range state.Messages {
		if sm.ID == "m2" {
			found = true
			if sm.ParentID != "m1" {
				t.Errorf("expected m2's parent to be m1 in materialized state, got %q", sm.ParentID)
			}
		}
	}
	if !found {
		t.Fatal("expected m2 to be present in the materialized state")
	}
}
