package archive

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sessionmend/sessionmend/internal/message"
)

// DiagnosticKind classifies a single-line parse failure.
type DiagnosticKind string

const (
	DiagMissingIdentifier DiagnosticKind = "missing_identifier"
	DiagMalformedDateTime DiagnosticKind = "malformed_date_time"
	DiagUnknownRole       DiagnosticKind = "unknown_role"
	DiagInvalidBlocks     DiagnosticKind = "invalid_blocks"
	DiagMalformedJSON     DiagnosticKind = "malformed_json"
)

// Diagnostic describes one malformed record. The loader never aborts on
// these; it collects them and continues, per spec.md §4.1.
type Diagnostic struct {
	Line       int
	ByteOffset int64
	Kind       DiagnosticKind
	Err        error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("line %d (offset %d): %s: %v", d.Line, d.ByteOffset, d.Kind, d.Err)
}

// rawRecord is the generic key-value view of one archive line. It is
// retained alongside the parsed Message so the archive-file provider can
// write unknown fields back out verbatim (spec.md §6).
type rawRecord map[string]json.RawMessage

// blockJSON mirrors one element of a content block list on the wire.
type blockJSON struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ToolUseID  string `json:"id,omitempty"`
	ToolName   string `json:"name,omitempty"`
	ToolResult string `json:"tool_use_id,omitempty"`
	BlockID    string `json:"block_id,omitempty"`
}

func firstString(raw rawRecord, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil && s != "" {
			return s, true
		}
	}
	return "", false
}

func firstBool(raw rawRecord, keys ...string) bool {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			return b
		}
	}
	return false
}

// parseLine decodes one line into a Message plus its raw field map. It
// returns a non-nil Diagnostic (and a nil Message) for any recoverable
// parse failure; the caller decides whether to skip or keep scanning.
func parseLine(line []byte, lineNum int, offset int64) (*message.Message, rawRecord, *Diagnostic) {
	var raw rawRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, nil, &Diagnostic{Line: lineNum, ByteOffset: offset, Kind: DiagMalformedJSON, Err: err}
	}

	id, ok := firstString(raw, "uuid", "id")
	if !ok {
		return nil, raw, &Diagnostic{Line: lineNum, ByteOffset: offset, Kind: DiagMissingIdentifier,
			Err: fmt.Errorf("record has no uuid/id field")}
	}

	parentID, _ := firstString(raw, "parentUuid", "parent_id")

	roleStr, _ := firstString(raw, "role", "type")
	role := message.Role(roleStr)
	if !message.ValidRole(role) {
		return nil, raw, &Diagnostic{Line: lineNum, ByteOffset: offset, Kind: DiagUnknownRole,
			Err: fmt.Errorf("unrecognized role %q", roleStr)}
	}

	var ts time.Time
	if tsRaw, ok := raw["timestamp"]; ok {
		var tsStr string
		if err := json.Unmarshal(tsRaw, &tsStr); err == nil {
			parsed, err := time.Parse(time.RFC3339Nano, tsStr)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, tsStr)
			}
			if err != nil {
				return nil, raw, &Diagnostic{Line: lineNum, ByteOffset: offset, Kind: DiagMalformedDateTime, Err: err}
			}
			ts = parsed
		} else {
			// Some hosts emit unix-millis timestamps as numbers.
			var ms int64
			if err := json.Unmarshal(tsRaw, &ms); err == nil {
				ts = time.UnixMilli(ms)
			} else {
				return nil, raw, &Diagnostic{Line: lineNum, ByteOffset: offset, Kind: DiagMalformedDateTime, Err: err}
			}
		}
	}

	sessionID, _ := firstString(raw, "sessionId", "session_id")
	sidechain := firstBool(raw, "sidechain", "isSidechain")

	content, diag := parseContent(raw["content"], lineNum, offset)
	if diag != nil {
		return nil, raw, diag
	}

	msg := &message.Message{
		ID:        id,
		ParentID:  parentID,
		Role:      role,
		Content:   content,
		Timestamp: ts,
		SessionID: sessionID,
		Sidechain: sidechain,
	}
	return msg, raw, nil
}

func parseContent(raw json.RawMessage, lineNum int, offset int64) (message.Content, *Diagnostic) {
	if len(raw) == 0 {
		return message.NewPlainContent(""), nil
	}

	// Scalar string content.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return message.NewPlainContent(asString), nil
	}

	// Block-list content.
	var asBlocks []blockJSON
	if err := json.Unmarshal(raw, &asBlocks); err != nil {
		return message.Content{}, &Diagnostic{Line: lineNum, ByteOffset: offset, Kind: DiagInvalidBlocks, Err: err}
	}

	blocks := make([]message.Block, 0, len(asBlocks))
	for _, b := range asBlocks {
		kind := message.BlockKind(strings.ToLower(b.Type))
		switch kind {
		case message.BlockText:
			blocks = append(blocks, message.Block{Kind: kind, Text: b.Text})
		case message.BlockToolUse:
			blocks = append(blocks, message.Block{Kind: kind, ToolUseID: b.ToolUseID, ToolName: b.ToolName})
		case message.BlockToolResult:
			id := b.BlockID
			if id == "" {
				id = b.ToolResult
			}
			blocks = append(blocks, message.Block{Kind: kind, ToolResultID: id})
		default:
			return message.Content{}, &Diagnostic{Line: lineNum, ByteOffset: offset, Kind: DiagInvalidBlocks,
				Err: fmt.Errorf("unrecognized block type %q", b.Type)}
		}
	}
	return message.NewBlocksContent(blocks), nil
}
