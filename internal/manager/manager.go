// Package manager implements the Repair Manager facade: the single
// entry point external collaborators (a CLI, a TUI, a federation layer)
// use to open a session, request repair suggestions, apply or undo
// repairs, and read the current materialized state. Grounded on the
// teacher's internal/session.Manager (internal/session/manager.go) —
// same "facade owning a Store plus an in-memory view, exposing a narrow
// public surface" shape — redirected from session-inheritance/compaction
// orchestration to DAG+analyzer+repair-engine+persistence-provider
// orchestration.
package manager

import (
	"sync"
	"time"

	"github.com/sessionmend/sessionmend/internal/analyzer"
	"github.com/sessionmend/sessionmend/internal/archive"
	"github.com/sessionmend/sessionmend/internal/coreconfig"
	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/dag"
	"github.com/sessionmend/sessionmend/internal/message"
	"github.com/sessionmend/sessionmend/internal/persistence"
	"github.com/sessionmend/sessionmend/internal/repair"
)

// Handle is the view returned by Open and refreshed after every mutating
// operation: the session's analyzed thread structure alongside the DAG
// it was built from.
type Handle struct {
	SessionID string
	DAG       *dag.DAG
	Session   *analyzer.Session
}

// ItemResult is one entry of an apply_repairs_batch result list.
type ItemResult struct {
	Operation persistence.RepairOperation
	Result    persistence.ApplyResult
	Err       error
}

// Manager is the Repair Manager facade of spec.md §4.9. One instance is
// bound to one session. Every method except History holds an internal
// mutex, so concurrent calls on one Manager run one at a time; History
// delegates straight to the provider.
type Manager struct {
	mu sync.Mutex

	sessionID   string
	archivePath string
	provider    persistence.Provider
	cfg         *coreconfig.CoreConfig
	engine      *repair.Engine
	analyzerImp *analyzer.Analyzer

	handle *Handle
}

// Open loads the baseline archive, builds the initial DAG and analysis,
// and returns a Manager bound to sessionID/archivePath/provider. A
// malformed baseline that cannot be parsed at all (an I/O error, not
// per-line diagnostics, which are tolerated) causes Open to refuse,
// matching spec.md §4.9's failure semantics.
func Open(sessionID, archivePath string, provider persistence.Provider, cfg *coreconfig.CoreConfig, similarity repair.SimilarityFunc) (*Manager, error) {
	if cfg == nil {
		cfg = coreconfig.Default()
	}
	if similarity == nil {
		similarity = repair.DefaultSimilarity
	}

	m := &Manager{
		sessionID:   sessionID,
		archivePath: archivePath,
		provider:    provider,
		cfg:         cfg,
		engine:      repair.New(&cfg.Ranking, similarity),
		analyzerImp: analyzer.New(&cfg.Corruption),
	}

	handle, err := m.buildHandleFromArchive()
	if err != nil {
		return nil, err
	}
	m.handle = handle

	corelog.L_info("manager: session opened", "sessionId", sessionID, "archive", archivePath,
		"messages", len(handle.Session.Messages), "corruptionScore", handle.Session.CorruptionScore)
	return m, nil
}

func (m *Manager) buildHandleFromArchive() (*Handle, error) {
	msgs, diags, err := archive.LoadFile(m.archivePath)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindParseError, "failed to open baseline archive")
	}
	for _, d := range diags {
		corelog.L_warn("manager: skipping malformed archive record", "sessionId", m.sessionID, "diagnostic", d.String())
	}

	d := dag.Build(msgs)
	session := m.analyzerImp.Analyze(d, m.sessionID)
	return &Handle{SessionID: m.sessionID, DAG: d, Session: session}, nil
}

// Handle returns the manager's current view, without refreshing it.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// SuggestParents delegates to the Repair Engine for orphanID, ranking
// candidate parents against the manager's current DAG.
func (m *Manager) SuggestParents(orphanID string) ([]repair.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orphan := m.handle.DAG.Get(orphanID)
	if orphan == nil {
		return nil, coreerrors.Newf(coreerrors.KindValidationFailure, "unknown message %s", orphanID)
	}
	return m.engine.RankCandidates(m.handle.DAG, orphan), nil
}

// ApplyRepair validates op against the manager's current DAG, then
// delegates to the provider on success. On any validation or provider
// failure the manager's view is left unchanged (spec.md §4.9).
func (m *Manager) ApplyRepair(op persistence.RepairOperation, operator, reason string) (persistence.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyRepairLocked(op, operator, reason)
}

func (m *Manager) applyRepairLocked(op persistence.RepairOperation, operator, reason string) (persistence.ApplyResult, error) {
	if op.Field == persistence.FieldParentIdentifier {
		vr := repair.Validate(m.handle.DAG, op.TargetMessageID, op.NewValue)
		if !vr.Passed {
			return persistence.ApplyResult{}, coreerrors.Newf(coreerrors.KindValidationFailure,
				"repair of %s rejected: %v", op.TargetMessageID, vr.Failures).
				WithDetail("failures", vr.Failures).WithDetail("checks", vr.Checks)
		}
	}
	if allowed := m.cfg.Repair.AllowedRoleTransitions; op.Field == persistence.FieldRole && len(allowed) > 0 {
		if target := m.handle.DAG.Get(op.TargetMessageID); target != nil {
			permitted := false
			for _, r := range allowed[string(target.Role)] {
				permitted = permitted || r == op.NewValue
			}
			if !permitted {
				return persistence.ApplyResult{}, coreerrors.Newf(coreerrors.KindValidationFailure,
					"role transition %s -> %s for %s is not permitted", target.Role, op.NewValue, op.TargetMessageID)
			}
		}
	}

	result, err := m.provider.ApplyRepair(op, operator, reason)
	if err != nil {
		return persistence.ApplyResult{}, err
	}

	if err := m.refreshHandleLocked(); err != nil {
		// The repair already committed; surface the refresh failure but
		// keep the provider's result so the caller knows it landed.
		corelog.L_warn("manager: failed to refresh view after apply", "error", err)
		return result, nil
	}

	corelog.L_info("manager: repair applied", "sessionId", m.sessionID, "target", op.TargetMessageID,
		"field", op.Field, "operator", operator)
	return result, nil
}

// ApplyRepairsBatch applies each operation in order. Each item is atomic
// individually; the batch overall is not transactional (spec.md §4.9) —
// a failed item does not undo items already applied, and subsequent
// items still run.
func (m *Manager) ApplyRepairsBatch(ops []persistence.RepairOperation, operator, reason string) []ItemResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]ItemResult, 0, len(ops))
	for _, op := range ops {
		result, err := m.applyRepairLocked(op, operator, reason)
		results = append(results, ItemResult{Operation: op, Result: result, Err: err})
	}
	return results
}

// UndoLast delegates to the provider's own undo-last-event logic, then
// reloads the view (spec.md §4.9).
func (m *Manager) UndoLast(operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.provider.UndoLast(m.sessionID); err != nil {
		return err
	}

	if err := m.refreshHandleLocked(); err != nil {
		return err
	}

	corelog.L_info("manager: last repair undone", "sessionId", m.sessionID, "operator", operator)
	return nil
}

// Refresh rebuilds the manager's in-memory view from the provider's
// canonical current state. Exported for long-running collaborators (a
// live-tail watcher, a daemon's periodic poll) that append records to
// the archive out of band and need the manager to notice without an
// intervening ApplyRepair call.
func (m *Manager) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshHandleLocked()
}

// History returns the applied operations for this session, most recent
// first, delegating to the provider.
func (m *Manager) History(sessionID string) ([]persistence.UndoEntry, error) {
	return m.provider.ShowUndoHistory(sessionID)
}

// CurrentState always reads through the provider's canonical path
// (spec.md §4.9), which may hit the event-store's snapshot cache; the
// archive-file provider's canonical path is simply re-reading its file.
func (m *Manager) CurrentState() (*persistence.SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reader, ok := m.provider.(persistence.StateReader)
	if !ok {
		return m.snapshotFromHandleLocked(), nil
	}
	return reader.CurrentState(m.sessionID)
}

func (m *Manager) snapshotFromHandleLocked() *persistence.SessionSnapshot {
	msgs := make([]persistence.SerializedMessage, 0, len(m.handle.Session.Messages))
	for _, msg := range m.handle.Session.Messages {
		msgs = append(msgs, serializeMessage(msg))
	}
	return &persistence.SessionSnapshot{
		SessionID:       m.sessionID,
		CreatedAt:       time.Now().UTC(),
		Messages:        msgs,
		CorruptionStats: map[string]float64{"session": m.handle.Session.CorruptionScore},
		Degraded:        m.handle.DAG.HasCycles(),
	}
}

func serializeMessage(m *message.Message) persistence.SerializedMessage {
	return persistence.SerializedMessage{
		ID:              m.ID,
		ParentID:        m.ParentID,
		Role:            string(m.Role),
		Content:         m.Content.Text(),
		Timestamp:       m.Timestamp,
		Sidechain:       m.Sidechain,
		CorruptionScore: m.CorruptionScore,
	}
}

// refreshHandleLocked rebuilds the manager's in-memory view from the
// provider's canonical current state when available, falling back to
// re-reading the archive file directly.
func (m *Manager) refreshHandleLocked() error {
	if reader, ok := m.provider.(persistence.StateReader); ok {
		snapshot, err := reader.CurrentState(m.sessionID)
		if err != nil {
			return err
		}
		m.handle = handleFromSnapshot(m.sessionID, snapshot, m.analyzerImp)
		return nil
	}

	handle, err := m.buildHandleFromArchive()
	if err != nil {
		return err
	}
	m.handle = handle
	return nil
}

func handleFromSnapshot(sessionID string, snapshot *persistence.SessionSnapshot, a *analyzer.Analyzer) *Handle {
	msgs := make([]*message.Message, 0, len(snapshot.Messages))
	for _, sm := range snapshot.Messages {
		msgs = append(msgs, &message.Message{
			ID:        sm.ID,
			ParentID:  sm.ParentID,
			Role:      message.Role(sm.Role),
			Content:   message.NewPlainContent(sm.Content),
			Timestamp: sm.Timestamp,
			SessionID: sessionID,
			Sidechain: sm.Sidechain,
		})
	}
	d := dag.Build(msgs)
	session := a.Analyze(d, sessionID)
	return &Handle{SessionID: sessionID, DAG: d, Session: session}
}
