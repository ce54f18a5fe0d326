package eventstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sessionmend/sessionmend/internal/analyzer"
	"github.com/sessionmend/sessionmend/internal/archive"
	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/dag"
	"github.com/sessionmend/sessionmend/internal/dedup"
	"github.com/sessionmend/sessionmend/internal/message"
	"github.com/sessionmend/sessionmend/internal/persistence"
)

// storedEvent is one row of the repair_event table, decoded for replay.
type storedEvent struct {
	ID              string
	TargetMessageID string
	Type            persistence.EventType
	Timestamp       time.Time
	NewState        map[string]any
}

// Replay reconstructs session state by loading the frozen baseline
// archive and applying every non-reverted event for sessionID in
// timestamp order, up to upperBound if non-nil (spec.md §4.8's
// deterministic replay algorithm). It never mutates the baseline
// archive or the event log.
func (p *Provider) Replay(sessionID string, upperBound *time.Time) (*persistence.SessionSnapshot, error) {
	baseline, _, err := p.loadBaseline()
	if err != nil {
		return nil, err
	}

	events, err := p.loadEvents(sessionID, upperBound)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*message.Message, len(baseline))
	order := make([]string, 0, len(baseline))
	for _, m := range baseline {
		cp := *m
		byID[cp.ID] = &cp
		order = append(order, cp.ID)
	}

	explicitScores := make(map[string]float64)

	var lastEventID string
	for _, ev := range events {
		lastEventID = ev.ID
		switch ev.Type {
		case persistence.EventRepairParent:
			if m, ok := byID[ev.TargetMessageID]; ok {
				if v, ok := ev.NewState["parent_identifier"].(string); ok {
					m.ParentID = v
				}
			}
		case persistence.EventRepairRole:
			if m, ok := byID[ev.TargetMessageID]; ok {
				if v, ok := ev.NewState["role"].(string); ok {
					m.Role = message.Role(v)
				}
			}
		case persistence.EventMarkInvalid:
			if m, ok := byID[ev.TargetMessageID]; ok {
				if v, ok := numberFromState(ev.NewState["score"]); ok {
					score := message.ClampScore(v)
					m.CorruptionScore = score
					explicitScores[m.ID] = score
				}
			}
		case persistence.EventDedupToolResult:
			applyDedupToolResultEvent(byID, ev)
		case persistence.EventAddMessage:
			order = applyAddMessageEvent(byID, order, ev, sessionID)
		case persistence.EventRevertEvent, persistence.EventValidateSession:
			// Metadata-only events: no state transformation.
		}
	}

	msgs := make([]*message.Message, 0, len(order))
	for _, id := range order {
		msgs = append(msgs, byID[id])
	}

	d := dag.Build(msgs)
	result := analyzer.New(p.corruption).Analyze(d, sessionID)

	// The analyzer recomputes every message's corruption score from
	// structural position; an explicit mark_invalid score must survive
	// that recomputation, per spec.md §4.8.
	if len(explicitScores) > 0 {
		for _, m := range result.Messages {
			if score, ok := explicitScores[m.ID]; ok {
				m.CorruptionScore = score
			}
		}
	}

	degraded := d.HasCycles()
	if degraded {
		corelog.L_warn("eventstore: replay produced a cyclic graph, marking snapshot degraded", "sessionId", sessionID)
	}

	return &persistence.SessionSnapshot{
		SessionID:       sessionID,
		Version:         len(events),
		CreatedAt:       time.Now().UTC(),
		Messages:        toSerializedMessages(result.Messages),
		CorruptionStats: map[string]float64{"session": result.CorruptionScore},
		LastEventID:     lastEventID,
		Degraded:        degraded,
	}, nil
}

// applyDedupToolResultEvent removes the duplicate occurrences of the
// event's listed block identifiers from the target message's content,
// preserving the first occurrence of each (spec.md §4.8). It reuses
// internal/dedup.Dedup by treating the single message as a one-element
// batch, since that is exactly the "drop repeats after the first"
// semantics the CLI's dedup command already applies in bulk.
func applyDedupToolResultEvent(byID map[string]*message.Message, ev storedEvent) {
	m, ok := byID[ev.TargetMessageID]
	if !ok {
		return
	}
	ids := stringSliceFromState(ev.NewState["blockIds"])
	if len(ids) == 0 {
		return
	}
	dupes := make(map[string]int, len(ids))
	for _, id := range ids {
		dupes[id] = 2
	}
	byID[ev.TargetMessageID] = dedup.Dedup([]*message.Message{m}, dupes)[0]
}

// applyAddMessageEvent inserts the message an add_message event
// describes into byID/order, emitting a diagnostic and skipping the
// event instead of applying it when the target identifier is empty or
// already taken (spec.md §4.8).
func applyAddMessageEvent(byID map[string]*message.Message, order []string, ev storedEvent, sessionID string) []string {
	if ev.TargetMessageID == "" {
		corelog.L_warn("eventstore: add_message event carries no target identifier, skipping", "sessionId", sessionID, "eventId", ev.ID)
		return order
	}
	if _, collision := byID[ev.TargetMessageID]; collision {
		corelog.L_warn("eventstore: add_message event collided with an existing identifier, skipping", "sessionId", sessionID, "messageId", ev.TargetMessageID)
		return order
	}
	newMsg := messageFromAddState(ev, sessionID)
	byID[newMsg.ID] = newMsg
	return append(order, newMsg.ID)
}

// numberFromState extracts a float64 from a decoded JSON new_state value
// (encoding/json unmarshals JSON numbers into map[string]any as float64).
func numberFromState(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

// stringSliceFromState extracts a []string from a decoded JSON new_state
// value (encoding/json unmarshals a JSON array into map[string]any as
// []any).
func stringSliceFromState(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// messageFromAddState builds the new message an add_message event
// describes. ev.TargetMessageID carries the new message's identifier;
// every other field lives in new_state.
func messageFromAddState(ev storedEvent, sessionID string) *message.Message {
	parentID, _ := ev.NewState["parentId"].(string)
	roleStr, _ := ev.NewState["role"].(string)
	content, _ := ev.NewState["content"].(string)
	sidechain, _ := ev.NewState["sidechain"].(bool)

	ts := ev.Timestamp
	if tsStr, ok := ev.NewState["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, tsStr); err == nil {
			ts = parsed
		}
	}

	return &message.Message{
		ID:        ev.TargetMessageID,
		ParentID:  parentID,
		Role:      message.Role(roleStr),
		Content:   message.NewPlainContent(content),
		Timestamp: ts,
		SessionID: sessionID,
		Sidechain: sidechain,
	}
}

func (p *Provider) loadBaseline() ([]*message.Message, []archive.Diagnostic, error) {
	msgs, diags, err := archive.LoadFile(p.archivePath)
	if err != nil {
		return nil, nil, err
	}
	for _, d := range diags {
		corelog.L_warn("eventstore: skipping malformed baseline record during replay", "diagnostic", d.String())
	}
	return msgs, diags, nil
}

func (p *Provider) loadEvents(sessionID string, upperBound *time.Time) ([]storedEvent, error) {
	query := `SELECT id, target_message_id, event_type, timestamp, new_state
	          FROM repair_event WHERE session_id = ? AND reverted = 0`
	args := []any{sessionID}
	if upperBound != nil {
		query += ` AND timestamp <= ?`
		args = append(args, upperBound.UnixMilli())
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := p.store.db.Query(query, args...)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to query events for replay")
	}
	defer rows.Close()

	var events []storedEvent
	for rows.Next() {
		var id, targetID, eventType, newStateJSON string
		var timestampMillis int64
		var targetIDNullable sql.NullString
		if err := rows.Scan(&id, &targetIDNullable, &eventType, &timestampMillis, &newStateJSON); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to scan event row for replay")
		}
		targetID = targetIDNullable.String

		var newState map[string]any
		if newStateJSON != "" {
			if err := json.Unmarshal([]byte(newStateJSON), &newState); err != nil {
				return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to parse event new_state")
			}
		}

		events = append(events, storedEvent{
			ID:              id,
			TargetMessageID: targetID,
			Type:            persistence.EventType(eventType),
			Timestamp:       time.UnixMilli(timestampMillis).UTC(),
			NewState:        newState,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to iterate events for replay")
	}
	return events, nil
}

// CurrentState returns sessionID's materialized state, reusing the
// cached session_snapshot row when its last_event_id still matches the
// latest non-reverted event (the O(1) path of spec.md §4.8's
// materialization cache), and replaying from scratch otherwise.
func (p *Provider) CurrentState(sessionID string) (*persistence.SessionSnapshot, error) {
	latest, err := p.latestEventID(sessionID)
	if err != nil {
		return nil, err
	}

	cached, err := p.readCachedSnapshot(sessionID)
	if err != nil {
		return nil, err
	}
	if cached != nil && cached.LastEventID == latest {
		corelog.L_debug("eventstore: snapshot cache hit", "sessionId", sessionID)
		return cached, nil
	}

	corelog.L_debug("eventstore: snapshot cache miss, replaying", "sessionId", sessionID)
	snapshot, err := p.Replay(sessionID, nil)
	if err != nil {
		return nil, err
	}
	if err := p.writeCachedSnapshot(snapshot); err != nil {
		corelog.L_warn("eventstore: failed to persist snapshot cache", "error", err)
	}
	return snapshot, nil
}

func (p *Provider) readCachedSnapshot(sessionID string) (*persistence.SessionSnapshot, error) {
	row := p.store.db.QueryRow(
		`SELECT version, created_at, messages, corruption_stats, last_event_id, degraded
		 FROM session_snapshot WHERE session_id = ?`, sessionID)

	var version int
	var createdAtMillis int64
	var messagesJSON string
	var statsJSON sql.NullString
	var lastEventID sql.NullString
	var degraded int
	if err := row.Scan(&version, &createdAtMillis, &messagesJSON, &statsJSON, &lastEventID, &degraded); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to read cached snapshot")
	}

	var msgs []persistence.SerializedMessage
	if err := json.Unmarshal([]byte(messagesJSON), &msgs); err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to parse cached snapshot messages")
	}
	var stats map[string]float64
	if statsJSON.Valid && statsJSON.String != "" {
		json.Unmarshal([]byte(statsJSON.String), &stats)
	}

	return &persistence.SessionSnapshot{
		SessionID:       sessionID,
		Version:         version,
		CreatedAt:       time.UnixMilli(createdAtMillis).UTC(),
		Messages:        msgs,
		CorruptionStats: stats,
		LastEventID:     lastEventID.String,
		Degraded:        degraded != 0,
	}, nil
}

func (p *Provider) writeCachedSnapshot(s *persistence.SessionSnapshot) error {
	messagesJSON, err := json.Marshal(s.Messages)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to marshal snapshot messages")
	}
	statsJSON, err := json.Marshal(s.CorruptionStats)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to marshal snapshot stats")
	}

	degraded := 0
	if s.Degraded {
		degraded = 1
	}

	_, err = p.store.db.Exec(
		`INSERT INTO session_snapshot (session_id, version, created_at, messages, corruption_stats, last_event_id, degraded)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			version = excluded.version,
			created_at = excluded.created_at,
			messages = excluded.messages,
			corruption_stats = excluded.corruption_stats,
			last_event_id = excluded.last_event_id,
			degraded = excluded.degraded`,
		s.SessionID, s.Version, s.CreatedAt.UnixMilli(), string(messagesJSON), string(statsJSON), s.LastEventID, degraded)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to upsert cached snapshot")
	}
	return nil
}

func toSerializedMessages(msgs []*message.Message) []persistence.SerializedMessage {
	out := make([]persistence.SerializedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, persistence.SerializedMessage{
			ID:              m.ID,
			ParentID:        m.ParentID,
			Role:            string(m.Role),
			Content:         m.Content.Text(),
			Timestamp:       m.Timestamp,
			Sidechain:       m.Sidechain,
			CorruptionScore: m.CorruptionScore,
		})
	}
	return out
}
