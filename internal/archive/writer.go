package archive

import (
	"bytes"
	"encoding/json"

	"github.com/sessionmend/sessionmend/internal/coreerrors"
)

// Raw returns a shallow copy of the record's raw field map, so callers
// can inspect or mutate fields without touching the Loader's internals.
func (r *ParsedRecord) Raw() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.raw))
	for k, v := range r.raw {
		out[k] = v
	}
	return out
}

// WithField returns a new ParsedRecord with field set to the JSON
// encoding of value, re-parsing the Message so derived fields (Content,
// Role, etc.) stay consistent. Used by the archive-file provider to
// apply a RepairOperation by rewriting only the touched field while
// preserving every other field verbatim, per spec.md §6.
func (r *ParsedRecord) WithField(field string, value any) (*ParsedRecord, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to encode field value")
	}

	newRaw := r.Raw()
	newRaw[field] = encoded

	line, err := marshalRaw(newRaw)
	if err != nil {
		return nil, err
	}

	msg, raw, diag := parseLine(line, r.Line, 0)
	if diag != nil {
		return nil, coreerrors.Wrapf(diag.Err, coreerrors.KindStorageError, "record became unparseable after field update: %s", diag.Kind)
	}
	return &ParsedRecord{Message: msg, raw: raw, Line: r.Line}, nil
}

func marshalRaw(raw rawRecord) ([]byte, error) {
	data, err := json.Marshal(map[string]json.RawMessage(raw))
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to marshal record")
	}
	return data, nil
}

// MarshalLine renders the record's current raw fields as one archive
// line (without a trailing newline).
func (r *ParsedRecord) MarshalLine() ([]byte, error) {
	return marshalRaw(r.raw)
}

// EncodeLines concatenates MarshalLine output for every record,
// newline-terminated, in order. This is the byte image the archive-file
// provider writes to its temp file before the atomic rename.
func EncodeLines(records []*ParsedRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		line, err := r.MarshalLine()
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
