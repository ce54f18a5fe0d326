package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessionmend/sessionmend/internal/coreconfig"
)

type fakeSweeper struct {
	calls   int
	cutoffs []time.Time
	err     error
	rows    int64
}

func (f *fakeSweeper) SweepSnapshotCache(olderThan time.Time) (int64, error) {
	f.calls++
	f.cutoffs = append(f.cutoffs, olderThan)
	return f.rows, f.err
}

func TestScheduler_RegisterSnapshotCacheSweep_UsesConfiguredTTL(t *testing.T) {
	cfg := coreconfig.Default()
	cfg.Replay.CacheTTLSeconds = 1

	s := NewScheduler(cfg)
	fake := &fakeSweeper{rows: 3}
	if err := s.RegisterSnapshotCacheSweep(fake); err != nil {
		t.Fatalf("RegisterSnapshotCacheSweep: %v", err)
	}

	s.Start()
	defer s.Stop()

	time.Sleep(1200 * time.Millisecond)

	if fake.calls == 0 {
		t.Fatal("expected the sweep to have run at least once within the TTL window")
	}
}

func TestScheduler_RegisterBackupRetention_PrunesOldestSnapshots(t *testing.T) {
	root := t.TempDir()
	sessionDir := filepath.Join(root, "sess1")
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		t.Fatal(err)
	}

	names := []string{
		"20260101T000000.000000000Z-aaa.snap",
		"20260101T000001.000000000Z-bbb.snap",
		"20260101T000002.000000000Z-ccc.snap",
		"20260101T000003.000000000Z-ddd.snap",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(sessionDir, n), []byte("{}"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := pruneBackupRoot(root, 2)
	if err != nil {
		t.Fatalf("pruneBackupRoot: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 files deleted, got %d", deleted)
	}

	remaining, err := os.ReadDir(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 files remaining, got %d", len(remaining))
	}
	for _, f := range remaining {
		if f.Name() == names[0] || f.Name() == names[1] {
			t.Errorf("expected the two oldest snapshots to be pruned, found %s still present", f.Name())
		}
	}
}

func TestScheduler_RegisterBackupRetention_NoopWhenUnderRetention(t *testing.T) {
	root := t.TempDir()
	sessionDir := filepath.Join(root, "sess1")
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sessionDir, "20260101T000000.000000000Z-aaa.snap"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	deleted, err := pruneBackupRoot(root, 10)
	if err != nil {
		t.Fatalf("pruneBackupRoot: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected no deletions when under the retention count, got %d", deleted)
	}
}

func TestPruneBackupRoot_MissingRootIsNotAnError(t *testing.T) {
	deleted, err := pruneBackupRoot(filepath.Join(t.TempDir(), "does-not-exist"), 5)
	if err != nil {
		t.Fatalf("expected a missing backup root to be a no-op, got %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected 0 deletions, got %d", deleted)
	}
}
