package archive

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAll_ParsesValidLinesInOrder(t *testing.T) {
	r := strings.NewReader(strings.Join([]string{
		`{"uuid":"m1","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hi"}`,
		`{"uuid":"m2","parentUuid":"m1","role":"assistant","timestamp":"2026-01-01T00:00:01Z","content":"hello back"}`,
	}, "\n"))

	msgs, diags, err := LoadAll(r)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("expected no diagnostics, got %+v", diags)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].ParentID != "m1" {
		t.Errorf("expected m2's parent to be m1, got %q", msgs[1].ParentID)
	}
}

func TestLoadAll_BlankLinesAreSkippedSilently(t *testing.T) {
	r := strings.NewReader(strings.Join([]string{
		`{"uuid":"m1","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hi"}`,
		``,
		``,
		`{"uuid":"m2","role":"user","timestamp":"2026-01-01T00:00:01Z","content":"bye"}`,
	}, "\n"))

	msgs, diags, err := LoadAll(r)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("expected no diagnostics from blank lines, got %+v", diags)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestLoadAll_MalformedJSONProducesDiagnosticAndContinues(t *testing.T) {
	r := strings.NewReader(strings.Join([]string{
		`{"uuid":"m1","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hi"`, // missing closing brace
		`{"uuid":"m2","role":"user","timestamp":"2026-01-01T00:00:01Z","content":"bye"}`,
	}, "\n"))

	msgs, diags, err := LoadAll(r)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(diags) != 1 || diags[0].Kind != DiagMalformedJSON {
		t.Fatalf("expected 1 malformed_json diagnostic, got %+v", diags)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("expected the scan to continue past the bad line and still parse m2, got %+v", msgs)
	}
}

func TestLoadAll_MissingIdentifierProducesDiagnostic(t *testing.T) {
	r := strings.NewReader(`{"role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hi"}`)

	msgs, diags, err := LoadAll(r)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no parsed messages, got %+v", msgs)
	}
	if len(diags) != 1 || diags[0].Kind != DiagMissingIdentifier {
		t.Fatalf("expected 1 missing_identifier diagnostic, got %+v", diags)
	}
}

func TestLoadAll_UnknownRoleProducesDiagnostic(t *testing.T) {
	r := strings.NewReader(`{"uuid":"m1","role":"narrator","timestamp":"2026-01-01T00:00:00Z","content":"hi"}`)

	_, diags, err := LoadAll(r)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(diags) != 1 || diags[0].Kind != DiagUnknownRole {
		t.Fatalf("expected 1 unknown_role diagnostic, got %+v", diags)
	}
}

func TestLoadAll_UnixMillisTimestampIsAccepted(t *testing.T) {
	r := strings.NewReader(`{"uuid":"m1","role":"user","timestamp":1767225600000,"content":"hi"}`)

	msgs, diags, err := LoadAll(r)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("expected no diagnostics for a numeric unix-millis timestamp, got %+v", diags)
	}
	if len(msgs) != 1 || msgs[0].Timestamp.IsZero() {
		t.Fatalf("expected a non-zero parsed timestamp, got %+v", msgs)
	}
}

func TestLoadAllRecords_PreservesUnknownFieldsForRewrite(t *testing.T) {
	r := strings.NewReader(`{"uuid":"m1","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hi","toolHostVersion":"9.9.9"}`)

	recs, diags, err := LoadAllRecords(r)
	if err != nil {
		t.Fatalf("LoadAllRecords: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("expected no diagnostics, got %+v", diags)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	raw := recs[0].Raw()
	if _, ok := raw["toolHostVersion"]; !ok {
		t.Error("expected an unrecognized field to survive into the raw map")
	}
}

func TestParsedRecord_WithField_RewritesOnlyTargetFieldAndReparses(t *testing.T) {
	r := strings.NewReader(`{"uuid":"m1","parentUuid":"old","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hi"}`)

	recs, _, err := LoadAllRecords(r)
	if err != nil {
		t.Fatalf("LoadAllRecords: %v", err)
	}

	updated, err := recs[0].WithField("parentUuid", "new")
	if err != nil {
		t.Fatalf("WithField: %v", err)
	}
	if updated.Message.ParentID != "new" {
		t.Errorf("expected reparsed ParentID 'new', got %q", updated.Message.ParentID)
	}
	if updated.Message.ID != "m1" {
		t.Errorf("expected every other field to survive untouched, got id %q", updated.Message.ID)
	}
}

func TestEncodeLines_RoundTripsThroughLoadAllRecords(t *testing.T) {
	original := strings.Join([]string{
		`{"uuid":"m1","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hi"}`,
		`{"uuid":"m2","parentUuid":"m1","role":"assistant","timestamp":"2026-01-01T00:00:01Z","content":"hello"}`,
	}, "\n") + "\n"

	recs, _, err := LoadAllRecords(strings.NewReader(original))
	if err != nil {
		t.Fatalf("LoadAllRecords: %v", err)
	}

	encoded, err := EncodeLines(recs)
	if err != nil {
		t.Fatalf("EncodeLines: %v", err)
	}

	msgs, diags, err := LoadAll(strings.NewReader(string(encoded)))
	if err != nil {
		t.Fatalf("LoadAll on re-encoded bytes: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("expected re-encoded archive to still parse cleanly, got %+v", diags)
	}
	if len(msgs) != 2 || msgs[1].ParentID != "m1" {
		t.Fatalf("expected round-trip to preserve content, got %+v", msgs)
	}
}

func TestLoadFile_OpensAndParsesFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	content := `{"uuid":"m1","role":"user","timestamp":"2026-01-01T00:00:00Z","content":"hi"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	msgs, diags, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(diags) != 0 || len(msgs) != 1 {
		t.Fatalf("expected 1 message and no diagnostics, got msgs=%+v diags=%+v", msgs, diags)
	}
}

func TestLoadFile_MissingFileReturnsStorageError(t *testing.T) {
	_, _, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.jsonl"))
	if err == nil {
		t.Fatal("expected an error for a nonexistent archive path")
	}
}

