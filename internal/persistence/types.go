// Package persistence defines the abstract Persistence Provider contract
// and the repair event/snapshot/undo types shared by its two
// implementations (internal/persistence/filestore,
// internal/persistence/eventstore). Grounded on the teacher's
// internal/session.Store interface (internal/session/store.go), which
// already splits the same way into a SQLite-backed primary store and a
// JSONL-backed compatibility store.
package persistence

import "time"

// EventType enumerates the kinds of repair event recognized by the
// core, per spec.md §3.
type EventType string

const (
	EventRepairParent    EventType = "repair_parent"
	EventRepairRole      EventType = "repair_role"
	EventAddMessage      EventType = "add_message"
	EventMarkInvalid     EventType = "mark_invalid"
	EventRevertEvent     EventType = "revert_event"
	EventValidateSession EventType = "validate_session"
	EventDedupToolResult EventType = "dedup_tool_result"
)

// FieldName identifies the message field a RepairOperation mutates.
type FieldName string

const (
	FieldParentIdentifier FieldName = "parent_identifier"
	FieldRole             FieldName = "role"
)

// RepairOperation is an immutable value object describing a single
// field-level mutation intent (spec.md §3).
type RepairOperation struct {
	TargetMessageID string
	Field           FieldName
	OldValue        string
	HasOldValue     bool
	NewValue        string
	Reason          string
	Similarity      *float64 // optional ranked similarity in [0,1]
}

// RepairEvent is an immutable record stored in the event log (spec.md
// §3). Once created, it is never mutated except by the single
// controlled "mark reverted" transition described in §4.8.
type RepairEvent struct {
	ID               string
	SessionID        string
	TargetMessageID  string // empty for session-wide events
	Type             EventType
	Timestamp        time.Time
	Operator         string
	OldState         map[string]any
	NewState         map[string]any
	Reason           string
	ValidationResult map[string]any // optional
	Reverted         bool
	RevertedBy       string
	RevertedAt       *time.Time
}

// SessionSnapshot is the materialized view of a session after replaying
// its non-reverted events (spec.md §3).
type SessionSnapshot struct {
	SessionID        string
	Version          int // count of applied non-reverted events at build time
	CreatedAt        time.Time
	Messages         []SerializedMessage
	CorruptionStats  map[string]float64
	LastEventID      string
	Degraded         bool
}

// SerializedMessage is the flattened, storage-agnostic view of a
// message used inside a SessionSnapshot.
type SerializedMessage struct {
	ID              string
	ParentID        string
	Role            string
	Content         string
	Timestamp       time.Time
	Sidechain       bool
	CorruptionScore float64
}

// UndoEntry records one applied batch for the archive-file provider:
// the operations applied, when, and where the pre-change snapshot was
// written (spec.md §3).
type UndoEntry struct {
	Operations   []RepairOperation
	Timestamp    time.Time
	SnapshotPath string
}

// BackupHandle identifies a point-in-time backup a provider can roll
// back to. Archive-file providers use a snapshot file path; event-store
// providers use the last included event id.
type BackupHandle struct {
	ID   string
	Kind string // "snapshot_file" | "event_watermark"
}

// ApplyResult is returned by Provider.ApplyRepair.
type ApplyResult struct {
	Applied bool
	EventID string // set by event-sourced providers; empty for archive-file
}

// Provider is the abstract Persistence Provider contract of spec.md
// §4.6: a capability set {backup, apply, rollback, history, name}. The
// Repair Manager holds a Provider by capability only and never branches
// on backend identity.
type Provider interface {
	CreateBackup(sessionID string) (BackupHandle, error)
	ApplyRepair(op RepairOperation, operator, reason string) (ApplyResult, error)
	RollbackToBackup(handle BackupHandle) error
	ShowUndoHistory(sessionID string) ([]UndoEntry, error)
	// UndoLast reverses the single most recently applied repair for
	// sessionID, per spec.md §4.9's undo_last. Each implementation knows
	// its own notion of "most recent" (the archive-file provider's most
	// recent undo-state entry; the event-store provider's most recent
	// non-reverted event) rather than the Repair Manager computing a
	// generic backup handle on the provider's behalf.
	UndoLast(sessionID string) error
	BackendName() string
}

// StateReader is an optional capability a Provider may implement to
// expose its own canonical materialized-state path (spec.md §4.9's
// current_state contract: "always reads through the provider's
// canonical path, which may hit the snapshot cache"). The archive-file
// provider's canonical path is just re-reading the archive file; the
// event-store provider's is the cache-aware replay. The Repair Manager
// type-asserts for this capability rather than branching on BackendName.
type StateReader interface {
	CurrentState(sessionID string) (*SessionSnapshot, error)
}
