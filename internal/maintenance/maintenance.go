// Package maintenance runs the periodic housekeeping jobs a long-lived
// sessionmend process needs: sweeping the event-store's snapshot cache
// past its TTL and pruning old archive-file backups beyond the
// configured retention count. Grounded on the teacher's internal/cron
// (CronConfig/Service scheduling shape) and internal/config.go's
// rotateBackups/ConfigBackupCount retention pattern, generalized from
// config-file backups to per-session archive snapshot directories.
// Library: github.com/robfig/cron/v3 (teacher's own).
package maintenance

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/sessionmend/sessionmend/internal/coreconfig"
	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/persistence/eventstore"
)

// SnapshotSweeper is the subset of *eventstore.Store maintenance needs,
// so tests can supply a fake without opening a real database.
type SnapshotSweeper interface {
	SweepSnapshotCache(olderThan time.Time) (int64, error)
}

// Scheduler owns a robfig/cron.Cron instance and the jobs registered
// against it. One Scheduler serves an entire sessionmend process, not
// one session, since both jobs operate across every session under a
// shared backup root / event store.
type Scheduler struct {
	cron *cronlib.Cron
	cfg  *coreconfig.CoreConfig
}

// NewScheduler constructs a Scheduler. cfg supplies the cache TTL and
// backup retention count; a nil cfg falls back to coreconfig.Default().
func NewScheduler(cfg *coreconfig.CoreConfig) *Scheduler {
	if cfg == nil {
		cfg = coreconfig.Default()
	}
	return &Scheduler{
		cron: cronlib.New(),
		cfg:  cfg,
	}
}

// RegisterSnapshotCacheSweep schedules a periodic DELETE of cached
// session_snapshot rows older than cfg.Replay.CacheTTLSeconds, at the
// same interval as the TTL itself (a snapshot cannot go stale faster
// than the rate this job checks it). store may be nil in tests that
// only want to exercise scheduling, not execution.
func (s *Scheduler) RegisterSnapshotCacheSweep(store SnapshotSweeper) error {
	ttl := time.Duration(s.cfg.Replay.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	spec := fmt.Sprintf("@every %s", ttl.String())

	_, err := s.cron.AddFunc(spec, func() {
		if store == nil {
			return
		}
		cutoff := time.Now().Add(-ttl)
		n, err := store.SweepSnapshotCache(cutoff)
		if err != nil {
			corelog.L_warn("maintenance: snapshot cache sweep failed", "error", err)
			return
		}
		if n > 0 {
			corelog.L_info("maintenance: snapshot cache swept", "rowsDeleted", n)
		}
	})
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindConfigError, "failed to register snapshot cache sweep")
	}
	return nil
}

// RegisterBackupRetention schedules a periodic prune of each session's
// backup directory under backupRoot, keeping only the most recent
// cfg.Storage.BackupRetentionCount snapshot files per session (mirrors
// the teacher's rotateBackups/ConfigBackupCount pattern, generalized
// from a single rotating file to one directory per session). It runs
// every 10 minutes; backup accumulation is bounded by repair frequency,
// not by clock time, so a fixed interval independent of the cache TTL
// is the idiomatic choice here.
func (s *Scheduler) RegisterBackupRetention(backupRoot string) error {
	retain := s.cfg.Storage.BackupRetentionCount
	if retain <= 0 {
		retain = 10
	}

	_, err := s.cron.AddFunc("@every 10m", func() {
		n, err := pruneBackupRoot(backupRoot, retain)
		if err != nil {
			corelog.L_warn("maintenance: backup retention sweep failed", "error", err)
			return
		}
		if n > 0 {
			corelog.L_info("maintenance: backup retention pruned", "filesDeleted", n)
		}
	})
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindConfigError, "failed to register backup retention sweep")
	}
	return nil
}

// Start begins running registered jobs on their own schedules. It
// returns immediately; jobs execute on background goroutines owned by
// the underlying cron.Cron.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() { s.cron.Stop() }

// pruneBackupRoot walks backupRoot's immediate session subdirectories
// and deletes all but the retain most recent *.snap files in each.
// Snapshot filenames are "<ISO-8601-timestamp>-<uuid>.snap" (filestore's
// own naming, see internal/persistence/filestore/provider.go), so a
// plain lexicographic sort orders them chronologically without parsing.
func pruneBackupRoot(backupRoot string, retain int) (int, error) {
	entries, err := os.ReadDir(backupRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to list backup root")
	}

	deleted := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionDir := filepath.Join(backupRoot, entry.Name())
		n, err := pruneSessionBackups(sessionDir, retain)
		if err != nil {
			corelog.L_warn("maintenance: failed to prune session backups", "dir", sessionDir, "error", err)
			continue
		}
		deleted += n
	}
	return deleted, nil
}

func pruneSessionBackups(sessionDir string, retain int) (int, error) {
	files, err := os.ReadDir(sessionDir)
	if err != nil {
		return 0, err
	}

	var names []string
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".snap" {
			continue
		}
		names = append(names, f.Name())
	}
	if len(names) <= retain {
		return 0, nil
	}

	sort.Strings(names)
	toDelete := names[:len(names)-retain]
	deleted := 0
	for _, name := range toDelete {
		if err := os.Remove(filepath.Join(sessionDir, name)); err != nil && !os.IsNotExist(err) {
			corelog.L_warn("maintenance: failed to remove old backup", "path", name, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// compile-time assertion that *eventstore.Store satisfies SnapshotSweeper.
var _ SnapshotSweeper = (*eventstore.Store)(nil)
