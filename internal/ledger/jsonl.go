package ledger

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// maxLineSize bounds a single ledger.jsonl line.
const maxLineSize = 16 << 20

// DecodeError reports a ledger.jsonl line that is not a well-formed record.
// It is an I/O-class failure, distinct from a chain verification failure.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ledger.jsonl line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ReadJSONL parses one record per line. Blank lines and surrounding
// whitespace are ignored.
func ReadJSONL(r io.Reader) ([]*Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []*Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return nil, &DecodeError{Line: lineNum, Err: err}
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger.jsonl: %w", err)
	}
	return out, nil
}

// WriteJSONL writes each record as a canonical line terminated by '\n'.
func WriteJSONL(w io.Writer, records []*Record) error {
	for _, r := range records {
		line, err := r.Canonical()
		if err != nil {
			return fmt.Errorf("encode seq %d: %w", r.Seq, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// EncodeJSONL returns the ledger.jsonl bytes of records.
func EncodeJSONL(records []*Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
