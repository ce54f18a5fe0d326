// Package archive implements the Archive Loader: a streaming,
// line-tolerant parser of the newline-delimited session record format.
// Grounded on the teacher's internal/session/jsonl.go (ParseJSONLFile's
// bufio.Scanner loop with a 10MB line buffer) and types.go's
// discriminated-union-by-field parsing (ParseRecord), generalized from
// GoClaw's fixed record types to the spec's generic message model.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/message"
)

// maxLineSize bounds a single record; tool results can be large, so this
// mirrors the teacher's 10MB scanner buffer.
const maxLineSize = 10 * 1024 * 1024

// ParsedRecord is one successfully parsed line, including its raw field
// map (for unknown-field-preserving writes in internal/persistence/filestore).
type ParsedRecord struct {
	Message *message.Message
	raw     rawRecord
	Line    int
}

// Loader streams an archive one record at a time. Memory use is
// O(single-record); callers needing the whole session call LoadAll,
// which still streams underneath but materializes the result slice
// (index construction is explicitly a separate pass, per spec.md §4.1).
type Loader struct {
	scanner *bufio.Scanner
	line    int
	offset  int64
}

// NewLoader wraps r for streaming record-by-record parsing.
func NewLoader(r io.Reader) *Loader {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)
	return &Loader{scanner: scanner}
}

// Next returns the next record or diagnostic. ok is false once the
// stream is exhausted (io.EOF) or a non-recoverable I/O error occurred,
// retrievable via Err.
func (l *Loader) Next() (rec *ParsedRecord, diag *Diagnostic, ok bool) {
	if !l.scanner.Scan() {
		return nil, nil, false
	}
	l.line++
	line := l.scanner.Bytes()
	startOffset := l.offset
	l.offset += int64(len(line)) + 1 // +1 for the newline consumed by Scan

	if len(line) == 0 {
		return l.Next()
	}

	msg, raw, d := parseLine(line, l.line, startOffset)
	if d != nil {
		return nil, d, true
	}
	return &ParsedRecord{Message: msg, raw: raw, Line: l.line}, nil, true
}

// Err returns any underlying I/O error from the scanner (not set for
// per-line parse diagnostics, which are never fatal).
func (l *Loader) Err() error {
	return l.scanner.Err()
}

// LoadAll reads every record from r, returning the parsed messages
// (skipping lines that produced a diagnostic) alongside the full
// diagnostic list, in line order. It fails only on an I/O error for the
// stream itself.
func LoadAll(r io.Reader) ([]*message.Message, []Diagnostic, error) {
	loader := NewLoader(r)
	var msgs []*message.Message
	var diags []Diagnostic

	for {
		rec, diag, ok := loader.Next()
		if !ok {
			break
		}
		if diag != nil {
			diags = append(diags, *diag)
			continue
		}
		msgs = append(msgs, rec.Message)
	}
	if err := loader.Err(); err != nil {
		return nil, nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "error reading archive stream")
	}
	return msgs, diags, nil
}

// LoadAllRecords is like LoadAll but retains the raw per-line field map
// for each successfully parsed record, so a caller (the archive-file
// provider) can rewrite the file preserving unknown fields verbatim.
func LoadAllRecords(r io.Reader) ([]*ParsedRecord, []Diagnostic, error) {
	loader := NewLoader(r)
	var recs []*ParsedRecord
	var diags []Diagnostic

	for {
		rec, diag, ok := loader.Next()
		if !ok {
			break
		}
		if diag != nil {
			diags = append(diags, *diag)
			continue
		}
		recs = append(recs, rec)
	}
	if err := loader.Err(); err != nil {
		return nil, nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "error reading archive stream")
	}
	return recs, diags, nil
}

// LoadFile opens path and loads the entire archive, per LoadAll.
func LoadFile(path string) ([]*message.Message, []Diagnostic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, coreerrors.Wrap(err, coreerrors.KindStorageError, fmt.Sprintf("failed to open archive %s", path))
	}
	defer f.Close()
	return LoadAll(f)
}
