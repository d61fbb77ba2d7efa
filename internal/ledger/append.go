package ledger

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/auditledger/internal/canonical"
)

var (
	// ErrInconsistentTip is returned when the last record supplied to Append
	// does not validate on its own.
	ErrInconsistentTip = errors.New("ledger tip is inconsistent")

	// ErrInvalidFields is returned when the application fields of a new
	// record are unusable.
	ErrInvalidFields = errors.New("invalid record fields")

	// ErrSeqConflict is returned by a Store when another writer already
	// claimed the sequence number. The caller must re-read the tip.
	ErrSeqConflict = errors.New("sequence number already taken")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// AppendError reports why a record could not be appended. Err is one of the
// sentinel errors above, a *canonical.Error, or a storage error.
type AppendError struct {
	TenantID string
	Seq      int64 // seq the new record would have had, 0 if unknown
	Err      error
}

func (e *AppendError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("append %s seq %d: %v", e.TenantID, e.Seq, e.Err)
	}
	return fmt.Sprintf("append %s: %v", e.TenantID, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// Fields are the application-supplied values of a new record.
type Fields struct {
	TimestampUTC string
	TenantID     string
	ActorID      string
	ActorRole    string
	EventType    string
	Payload      any
}

// State is what Append needs to know about the ledger being extended. A nil
// Last means the ledger is empty.
type State struct {
	Last *Record
}

// Append computes the record that extends state by f. It is pure: persisting
// the result, and serializing concurrent callers, is the caller's job.
func Append(state State, f Fields) (*Record, error) {
	if err := validateFields(f); err != nil {
		return nil, &AppendError{TenantID: f.TenantID, Err: err}
	}

	seq := int64(1)
	prev := GenesisHash
	if last := state.Last; last != nil {
		if err := checkTip(last, f.TenantID); err != nil {
			return nil, &AppendError{TenantID: f.TenantID, Seq: last.Seq + 1, Err: err}
		}
		seq = last.Seq + 1
		prev = last.RecordHash
	}

	payload, err := normalizePayload(f.Payload)
	if err != nil {
		return nil, &AppendError{TenantID: f.TenantID, Seq: seq, Err: err}
	}

	rec := &Record{
		Seq:          seq,
		TimestampUTC: f.TimestampUTC,
		TenantID:     f.TenantID,
		ActorID:      f.ActorID,
		ActorRole:    f.ActorRole,
		EventType:    f.EventType,
		Payload:      payload,
		PrevHash:     prev,
	}
	rec.RecordHash, err = ComputeHash(rec)
	if err != nil {
		return nil, &AppendError{TenantID: f.TenantID, Seq: seq, Err: err}
	}
	return rec, nil
}

func validateFields(f Fields) error {
	switch {
	case f.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidFields)
	case f.EventType == "":
		return fmt.Errorf("%w: event_type is required", ErrInvalidFields)
	case f.TimestampUTC == "":
		return fmt.Errorf("%w: timestamp_utc is required", ErrInvalidFields)
	}
	if _, err := (&Record{TimestampUTC: f.TimestampUTC}).Timestamp(); err != nil {
		return fmt.Errorf("%w: timestamp_utc %q is not YYYYMMDDTHHMMSSZ", ErrInvalidFields, f.TimestampUTC)
	}
	return nil
}

// checkTip refuses to extend a chain whose last link does not hold locally.
func checkTip(last *Record, tenantID string) error {
	if last.Seq < 1 {
		return fmt.Errorf("%w: seq %d", ErrInconsistentTip, last.Seq)
	}
	if last.TenantID != tenantID {
		return fmt.Errorf("%w: tip belongs to tenant %q", ErrInconsistentTip, last.TenantID)
	}
	if !IsHash(last.PrevHash) || !IsHash(last.RecordHash) {
		return fmt.Errorf("%w: malformed hash at seq %d", ErrInconsistentTip, last.Seq)
	}
	if last.Seq == 1 && last.PrevHash != GenesisHash {
		return fmt.Errorf("%w: seq 1 does not chain from genesis", ErrInconsistentTip)
	}
	h, err := ComputeHash(last)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistentTip, err)
	}
	if h != last.RecordHash {
		return fmt.Errorf("%w: record_hash of seq %d does not recompute", ErrInconsistentTip, last.Seq)
	}
	return nil
}

// normalizePayload converts any JSON-serializable payload into the generic
// tree a parsed record would hold, rejecting values with no canonical form.
func normalizePayload(p any) (any, error) {
	b, err := canonical.Marshal(p)
	if err != nil {
		return nil, err
	}
	return canonical.Normalize(b)
}
