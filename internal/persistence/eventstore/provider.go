// Package eventstore implements the Event-Store Provider: an
// append-only repair_event log plus a cached session_snapshot
// materialized view, backed by SQLite. Grounded on the teacher's
// internal/session/sqlite_store.go (schema_version/migrateVN migration
// convention, WAL-mode pragma setup), generalized from GoClaw's
// messages/compactions/checkpoints tables to spec.md §4.8's two
// collections, with immutability triggers added since the teacher never
// needed that guarantee (it never replays events). Library:
// github.com/mattn/go-sqlite3 (teacher's own), github.com/google/uuid
// for event ids.
package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sessionmend/sessionmend/internal/coreconfig"
	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/persistence"
)

// Store wraps the SQLite connection shared by every session's Provider.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// runs migrations, matching the teacher's NewSQLiteStore.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to create event store directory")
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to open event store")
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		corelog.L_warn("eventstore: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		corelog.L_warn("eventstore: failed to set busy_timeout", "error", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		corelog.L_warn("eventstore: failed to enable foreign keys", "error", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "event store migration failed")
	}

	corelog.L_info("eventstore: opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SweepSnapshotCache deletes cached session_snapshot rows older than
// olderThan, forcing the next CurrentState call for that session to
// replay from the event log. Unlike repair_event, session_snapshot
// carries no immutability trigger: it is a cache, not a ledger, so a
// plain DELETE is the right tool (internal/maintenance schedules this
// against coreconfig.ReplayConfig.CacheTTLSeconds).
func (s *Store) SweepSnapshotCache(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM session_snapshot WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to sweep snapshot cache")
	}
	return res.RowsAffected()
}

// Provider is the Event-Store Provider of spec.md §4.8, scoped to one
// session.
type Provider struct {
	store       *Store
	sessionID   string
	archivePath string
	corruption  *coreconfig.CorruptionConfig
	replay      *coreconfig.ReplayConfig
}

// New constructs a Provider over an already-open Store. archivePath is
// the frozen baseline archive this session's events replay on top of;
// the event-store provider never mutates it.
func New(store *Store, sessionID, archivePath string, corruption *coreconfig.CorruptionConfig, replay *coreconfig.ReplayConfig) *Provider {
	return &Provider{store: store, sessionID: sessionID, archivePath: archivePath, corruption: corruption, replay: replay}
}

// BackendName identifies this provider.
func (p *Provider) BackendName() string { return "event-store" }

// CreateBackup returns the current event watermark (the most recent
// non-reverted event id for the session) as an opaque handle. Unlike
// the archive-file provider, this materializes nothing; rollback
// replays reverts against the watermark instead of restoring bytes.
func (p *Provider) CreateBackup(sessionID string) (persistence.BackupHandle, error) {
	watermark, err := p.latestEventID(p.sessionID)
	if err != nil {
		return persistence.BackupHandle{}, err
	}
	return persistence.BackupHandle{ID: watermark, Kind: "event_watermark"}, nil
}

func (p *Provider) latestEventID(sessionID string) (string, error) {
	var id sql.NullString
	row := p.store.db.QueryRow(
		`SELECT id FROM repair_event WHERE session_id = ? AND reverted = 0 ORDER BY timestamp DESC, id DESC LIMIT 1`,
		sessionID)
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to read event watermark")
	}
	return id.String, nil
}

// eventTypeForField maps a RepairOperation's field to its event type.
func eventTypeForField(field persistence.FieldName) persistence.EventType {
	if field == persistence.FieldRole {
		return persistence.EventRepairRole
	}
	return persistence.EventRepairParent
}

// ApplyRepair builds and inserts a RepairEvent from op (step 1-2 of
// spec.md §4.8's apply algorithm), then invalidates the cached snapshot
// (step 3).
func (p *Provider) ApplyRepair(op persistence.RepairOperation, operator, reason string) (persistence.ApplyResult, error) {
	current, err := p.Replay(p.sessionID, nil)
	if err != nil {
		return persistence.ApplyResult{}, err
	}

	oldState := map[string]any{}
	for _, m := range current.Messages {
		if m.ID != op.TargetMessageID {
			continue
		}
		switch op.Field {
		case persistence.FieldRole:
			oldState["role"] = m.Role
		default:
			oldState["parentId"] = m.ParentID
		}
		break
	}

	event := persistence.RepairEvent{
		ID:              uuid.NewString(),
		SessionID:       p.sessionID,
		TargetMessageID: op.TargetMessageID,
		Type:            eventTypeForField(op.Field),
		Timestamp:       time.Now().UTC(),
		Operator:        operator,
		OldState:        oldState,
		NewState:        map[string]any{string(op.Field): op.NewValue},
		Reason:          reason,
	}

	if err := p.insertEvent(event); err != nil {
		return persistence.ApplyResult{}, err
	}

	if err := p.invalidateSnapshot(); err != nil {
		corelog.L_warn("eventstore: failed to invalidate snapshot after apply", "error", err)
	}

	corelog.L_info("eventstore: repair event recorded", "sessionId", p.sessionID, "eventId", event.ID, "type", event.Type)
	return persistence.ApplyResult{Applied: true, EventID: event.ID}, nil
}

// ApplyDedup records a dedup_tool_result event against targetMessageID:
// new-state carries the tool_result block identifiers to collapse to
// their first occurrence (spec.md §4.8). The transformation itself runs
// at replay time (internal/persistence/eventstore/replay.go).
func (p *Provider) ApplyDedup(targetMessageID string, blockIDs []string, operator, reason string) (persistence.ApplyResult, error) {
	ids := make([]any, len(blockIDs))
	for i, id := range blockIDs {
		ids[i] = id
	}

	event := persistence.RepairEvent{
		ID:              uuid.NewString(),
		SessionID:       p.sessionID,
		TargetMessageID: targetMessageID,
		Type:            persistence.EventDedupToolResult,
		Timestamp:       time.Now().UTC(),
		Operator:        operator,
		NewState:        map[string]any{"blockIds": ids},
		Reason:          reason,
	}

	if err := p.insertEvent(event); err != nil {
		return persistence.ApplyResult{}, err
	}
	if err := p.invalidateSnapshot(); err != nil {
		corelog.L_warn("eventstore: failed to invalidate snapshot after dedup", "error", err)
	}

	corelog.L_info("eventstore: dedup event recorded", "sessionId", p.sessionID, "eventId", event.ID, "target", targetMessageID, "blockIds", blockIDs)
	return persistence.ApplyResult{Applied: true, EventID: event.ID}, nil
}

// ApplyAddMessage records an add_message event inserting msg into the
// session (spec.md §4.8). msg.ID becomes the event's target message id;
// a collision with an existing identifier is caught at replay time.
func (p *Provider) ApplyAddMessage(msg persistence.SerializedMessage, operator, reason string) (persistence.ApplyResult, error) {
	event := persistence.RepairEvent{
		ID:              uuid.NewString(),
		SessionID:       p.sessionID,
		TargetMessageID: msg.ID,
		Type:            persistence.EventAddMessage,
		Timestamp:       time.Now().UTC(),
		Operator:        operator,
		NewState: map[string]any{
			"parentId":  msg.ParentID,
			"role":      msg.Role,
			"content":   msg.Content,
			"timestamp": msg.Timestamp.UTC().Format(time.RFC3339),
			"sidechain": msg.Sidechain,
		},
		Reason: reason,
	}

	if err := p.insertEvent(event); err != nil {
		return persistence.ApplyResult{}, err
	}
	if err := p.invalidateSnapshot(); err != nil {
		corelog.L_warn("eventstore: failed to invalidate snapshot after add_message", "error", err)
	}

	corelog.L_info("eventstore: add_message event recorded", "sessionId", p.sessionID, "eventId", event.ID, "messageId", msg.ID)
	return persistence.ApplyResult{Applied: true, EventID: event.ID}, nil
}

func (p *Provider) insertEvent(e persistence.RepairEvent) error {
	oldJSON, err := json.Marshal(e.OldState)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to marshal old state")
	}
	newJSON, err := json.Marshal(e.NewState)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to marshal new state")
	}
	var validationJSON []byte
	if e.ValidationResult != nil {
		validationJSON, err = json.Marshal(e.ValidationResult)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to marshal validation result")
		}
	}

	_, err = p.store.db.Exec(
		`INSERT INTO repair_event
			(id, session_id, target_message_id, event_type, timestamp, operator, old_state, new_state, reason, validation_result, reverted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		e.ID, e.SessionID, e.TargetMessageID, string(e.Type), e.Timestamp.UnixMilli(), e.Operator, string(oldJSON), string(newJSON), e.Reason, string(validationJSON))
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to insert repair event")
	}
	return nil
}

func (p *Provider) invalidateSnapshot() error {
	_, err := p.store.db.Exec(`DELETE FROM session_snapshot WHERE session_id = ?`, p.sessionID)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to invalidate session snapshot")
	}
	return nil
}

// Revert creates a revert_event targeting eventID, then performs the
// single controlled mutation the immutability trigger allows: flipping
// reverted to true with reverted_by/reverted_at set (spec.md §4.8).
func (p *Provider) Revert(eventID, operator, reason string) error {
	revertEvent := persistence.RepairEvent{
		ID:        uuid.NewString(),
		SessionID: p.sessionID,
		Type:      persistence.EventRevertEvent,
		Timestamp: time.Now().UTC(),
		Operator:  operator,
		Reason:    reason,
		NewState:  map[string]any{"targetEventId": eventID},
	}
	if err := p.insertEvent(revertEvent); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := p.store.db.Exec(
		`UPDATE repair_event SET reverted = 1, reverted_by = ?, reverted_at = ? WHERE id = ? AND session_id = ? AND reverted = 0`,
		revertEvent.ID, now.UnixMilli(), eventID, p.sessionID)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to mark event reverted")
	}
	return p.invalidateSnapshot()
}

// UndoLast reverts the single most recent non-reverted event for
// sessionID (spec.md §4.9's undo_last), leaving every earlier event
// untouched — unlike RollbackToBackup, which reverts everything after a
// watermark.
func (p *Provider) UndoLast(sessionID string) error {
	eventID, err := p.latestEventID(sessionID)
	if err != nil {
		return err
	}
	if eventID == "" {
		return coreerrors.New(coreerrors.KindValidationFailure, "no repair history to undo")
	}
	return p.Revert(eventID, "system:undo_last", "undo_last")
}

// RollbackToBackup reverts every non-reverted event for this session
// that was inserted after handle's watermark, restoring the materialized
// state to what it was at backup time without erasing history (spec.md
// §4.7's "never remove an undo entry, append a reciprocal one" principle
// applied to the event-store's append-only log).
func (p *Provider) RollbackToBackup(handle persistence.BackupHandle) error {
	rows, err := p.store.db.Query(
		`SELECT id, timestamp FROM repair_event WHERE session_id = ? AND reverted = 0 ORDER BY timestamp ASC, id ASC`,
		p.sessionID)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to query events for rollback")
	}
	defer rows.Close()

	var ids []string
	afterWatermark := handle.ID == ""
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to scan event row")
		}
		if afterWatermark {
			ids = append(ids, id)
			continue
		}
		if id == handle.ID {
			afterWatermark = true
		}
	}
	if err := rows.Err(); err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to iterate events for rollback")
	}

	for _, id := range ids {
		if err := p.Revert(id, "system:rollback", fmt.Sprintf("rolled back to watermark %q", handle.ID)); err != nil {
			return err
		}
	}
	return nil
}

// ShowUndoHistory renders the repair_event log for this session as
// UndoEntry values, most-recent-first. SnapshotPath is always empty for
// this backend (there is no byte-level snapshot); callers should branch
// on BackendName if they need the archive-file provider's richer undo
// semantics.
func (p *Provider) ShowUndoHistory(sessionID string) ([]persistence.UndoEntry, error) {
	rows, err := p.store.db.Query(
		`SELECT target_message_id, event_type, timestamp, new_state, reason
		 FROM repair_event WHERE session_id = ? ORDER BY timestamp DESC, id DESC`,
		p.sessionID)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to query undo history")
	}
	defer rows.Close()

	var entries []persistence.UndoEntry
	for rows.Next() {
		var targetID, eventType, newStateJSON, reason string
		var timestampMillis int64
		if err := rows.Scan(&targetID, &eventType, &timestampMillis, &newStateJSON, &reason); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to scan undo history row")
		}

		var newState map[string]any
		json.Unmarshal([]byte(newStateJSON), &newState)

		op := persistence.RepairOperation{TargetMessageID: targetID, Reason: reason}
		switch persistence.EventType(eventType) {
		case persistence.EventRepairRole:
			op.Field = persistence.FieldRole
		default:
			op.Field = persistence.FieldParentIdentifier
		}
		if v, ok := newState[string(op.Field)]; ok {
			if s, ok := v.(string); ok {
				op.NewValue = s
			}
		}

		entries = append(entries, persistence.UndoEntry{
			Operations: []persistence.RepairOperation{op},
			Timestamp:  time.UnixMilli(timestampMillis).UTC(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	return entries, nil
}
