package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmerrifield20/auditledger/internal/canonical"
)

// GenesisHash is the prev_hash of the record with seq 1.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimestampLayout is the fixed YYYYMMDDTHHMMSSZ format of timestamp_utc.
const TimestampLayout = "20060102T150405Z"

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Record is a single audit entry in a tenant's ledger.
//
// Records are immutable once appended. Payload holds the generic JSON tree
// produced by canonical.Normalize so that it re-hashes byte-identically after
// a round trip through storage.
type Record struct {
	Seq          int64  `json:"seq"`
	TimestampUTC string `json:"timestamp_utc"`
	TenantID     string `json:"tenant_id"`
	ActorID      string `json:"actor_id"`
	ActorRole    string `json:"actor_role"`
	EventType    string `json:"event_type"`
	Payload      any    `json:"payload"`
	PrevHash     string `json:"prev_hash"`
	RecordHash   string `json:"record_hash"`

	// Extra holds unknown top-level fields of a parsed record. They are part
	// of the hashed body.
	Extra map[string]any `json:"-"`
}

var knownFields = []string{
	"seq", "timestamp_utc", "tenant_id", "actor_id", "actor_role",
	"event_type", "payload", "prev_hash", "record_hash",
}

// Body returns the record as a generic object without record_hash. This is
// the value whose canonical form is hashed.
func (r *Record) Body() map[string]any {
	body := make(map[string]any, len(knownFields)+len(r.Extra))
	for k, v := range r.Extra {
		body[k] = v
	}
	body["seq"] = r.Seq
	body["timestamp_utc"] = r.TimestampUTC
	body["tenant_id"] = r.TenantID
	body["actor_id"] = r.ActorID
	body["actor_role"] = r.ActorRole
	body["event_type"] = r.EventType
	body["payload"] = r.Payload
	body["prev_hash"] = r.PrevHash
	return body
}

// ComputeHash returns the SHA-256 hex of the canonical body of r.
func ComputeHash(r *Record) (string, error) {
	return canonical.Hash(r.Body())
}

// Canonical returns the canonical JSON form of the full record, record_hash
// included, without a trailing newline.
func (r *Record) Canonical() ([]byte, error) {
	body := r.Body()
	body["record_hash"] = r.RecordHash
	return canonical.Marshal(body)
}

// MarshalJSON emits the canonical form so that every serialized record is a
// valid ledger.jsonl line.
func (r *Record) MarshalJSON() ([]byte, error) {
	return r.Canonical()
}

// UnmarshalJSON parses a record. Every known field is required and must have
// the right JSON type; numbers are kept exact.
func (r *Record) UnmarshalJSON(data []byte) error {
	if !utf8.Valid(data) {
		return fmt.Errorf("decode record: invalid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("decode record: not an object")
	}

	var out Record
	seq, ok := raw["seq"].(json.Number)
	if !ok {
		return fmt.Errorf("decode record: seq missing or not a number")
	}
	n, err := seq.Int64()
	if err != nil || strings.ContainsAny(string(seq), ".eE") {
		return fmt.Errorf("decode record: seq %q is not an integer", seq)
	}
	out.Seq = n

	strs := []struct {
		key string
		dst *string
	}{
		{"timestamp_utc", &out.TimestampUTC},
		{"tenant_id", &out.TenantID},
		{"actor_id", &out.ActorID},
		{"actor_role", &out.ActorRole},
		{"event_type", &out.EventType},
		{"prev_hash", &out.PrevHash},
		{"record_hash", &out.RecordHash},
	}
	for _, s := range strs {
		v, ok := raw[s.key].(string)
		if !ok {
			return fmt.Errorf("decode record: %s missing or not a string", s.key)
		}
		*s.dst = v
	}

	payload, ok := raw["payload"]
	if !ok {
		return fmt.Errorf("decode record: payload missing")
	}
	out.Payload = payload

	for _, k := range knownFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		out.Extra = raw
	}
	*r = out
	return nil
}

// ParseRecord decodes a single canonical JSON line.
func ParseRecord(line []byte) (*Record, error) {
	r := &Record{}
	if err := r.UnmarshalJSON(line); err != nil {
		return nil, err
	}
	return r, nil
}

// Clone returns a shallow copy of r. Payload and Extra are shared and must
// not be mutated.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Timestamp parses TimestampUTC.
func (r *Record) Timestamp() (time.Time, error) {
	return time.Parse(TimestampLayout, r.TimestampUTC)
}

// FormatTimestamp renders t in the ledger's timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// IsHash reports whether s is a 64-character lowercase hex string.
func IsHash(s string) bool {
	return hexHash.MatchString(s)
}
