package eventstore

import (
	"database/sql"
	"time"
)

// currentSchemaVersion mirrors the teacher's schema_version/migrateVN
// convention (internal/session/sqlite_store.go). The event-store schema
// is new territory for a single release, so there is only one migration
// so far; the slice-of-migrations shape is kept so a future schema
// change slots in the same way the teacher's migrateV2..V6 did.
const currentSchemaVersion = 1

func migrate(db *sql.DB) error {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		version = 0
	}
	if version >= currentSchemaVersion {
		return nil
	}

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](db); err != nil {
			return err
		}
	}
	return nil
}

// migrateV1 creates the repair_event and session_snapshot tables.
// Immutability of repair_event is enforced at the storage layer with
// triggers: ordinary UPDATEs and all DELETEs are rejected; the single
// permitted mutation is the revert transition (reverted 0->1, with
// reverted_by/reverted_at set and every other column unchanged), guarded
// by the BEFORE UPDATE trigger's WHEN clause.
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS repair_event (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		target_message_id TEXT,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		operator TEXT,
		old_state TEXT,
		new_state TEXT,
		reason TEXT,
		validation_result TEXT,
		reverted INTEGER NOT NULL DEFAULT 0,
		reverted_by TEXT,
		reverted_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_repair_event_session ON repair_event(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_repair_event_target ON repair_event(target_message_id);
	CREATE INDEX IF NOT EXISTS idx_repair_event_timestamp ON repair_event(timestamp);
	CREATE INDEX IF NOT EXISTS idx_repair_event_type ON repair_event(event_type);

	CREATE TRIGGER IF NOT EXISTS trg_repair_event_immutable
	BEFORE UPDATE ON repair_event
	WHEN NOT (
		OLD.reverted = 0 AND NEW.reverted = 1
		AND NEW.id = OLD.id AND NEW.session_id = OLD.session_id
		AND NEW.target_message_id = OLD.target_message_id
		AND NEW.event_type = OLD.event_type AND NEW.timestamp = OLD.timestamp
		AND NEW.operator = OLD.operator AND NEW.old_state = OLD.old_state
		AND NEW.new_state = OLD.new_state AND NEW.reason = OLD.reason
		AND NEW.validation_result IS OLD.validation_result
		AND NEW.reverted_by IS NOT NULL AND NEW.reverted_at IS NOT NULL
	)
	BEGIN
		SELECT RAISE(ABORT, 'repair_event records are immutable except the revert transition');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_repair_event_no_delete
	BEFORE DELETE ON repair_event
	BEGIN
		SELECT RAISE(ABORT, 'repair_event records cannot be deleted');
	END;

	CREATE TABLE IF NOT EXISTS session_snapshot (
		session_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		messages TEXT NOT NULL,
		corruption_stats TEXT,
		last_event_id TEXT,
		degraded INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}
