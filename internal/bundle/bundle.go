// Package bundle builds, serializes and verifies export bundles: point-in-time
// snapshots of one tenant's ledger that can be verified without access to the
// live store.
//
// A bundle is three files:
//
//	ledger.jsonl            one canonical record per line, seq order
//	bundle_metadata.json    one canonical line: schema_version, tenant_id,
//	                        environment, record_count, root_hash, generated_utc
//	bundle_checksum.sha256  "<hex>\n"
//
// The checksum is SHA-256 over the bytes of ledger.jsonl immediately followed
// by the bytes of bundle_metadata.json. Both files are canonical, so the same
// checksum results from a directory, a zip or the JSON transport form.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// SchemaVersion is written to every bundle_metadata.json.
const SchemaVersion = 1

// File names inside a bundle.
const (
	LedgerFile   = "ledger.jsonl"
	MetadataFile = "bundle_metadata.json"
	ChecksumFile = "bundle_checksum.sha256"
)

// Metadata is the content of bundle_metadata.json.
type Metadata struct {
	SchemaVersion int64
	TenantID      string
	Environment   string
	RecordCount   int64
	RootHash      *string // nil for an empty ledger
	GeneratedUTC  string

	// Extra holds unknown fields of a parsed metadata file. They are
	// re-emitted and covered by the checksum.
	Extra map[string]any
}

func (m Metadata) object() map[string]any {
	obj := make(map[string]any, 6+len(m.Extra))
	for k, v := range m.Extra {
		obj[k] = v
	}
	obj["schema_version"] = m.SchemaVersion
	obj["tenant_id"] = m.TenantID
	obj["environment"] = m.Environment
	obj["record_count"] = m.RecordCount
	if m.RootHash != nil {
		obj["root_hash"] = *m.RootHash
	} else {
		obj["root_hash"] = nil
	}
	obj["generated_utc"] = m.GeneratedUTC
	return obj
}

// MarshalJSON emits the canonical metadata object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return canonical.Marshal(m.object())
}

// UnmarshalJSON parses metadata strictly: schema_version and record_count must
// be integers, root_hash a string or null.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	v, err := canonical.Normalize(data)
	if err != nil {
		return err
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("metadata is not an object")
	}
	var out Metadata
	if out.SchemaVersion, err = intField(raw, "schema_version"); err != nil {
		return err
	}
	if out.RecordCount, err = intField(raw, "record_count"); err != nil {
		return err
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"tenant_id", &out.TenantID},
		{"environment", &out.Environment},
		{"generated_utc", &out.GeneratedUTC},
	} {
		s, ok := raw[f.key].(string)
		if !ok {
			return fmt.Errorf("%s missing or not a string", f.key)
		}
		*f.dst = s
	}
	switch root := raw["root_hash"].(type) {
	case nil:
		if _, present := raw["root_hash"]; !present {
			return fmt.Errorf("root_hash missing")
		}
	case string:
		out.RootHash = &root
	default:
		return fmt.Errorf("root_hash is not a string or null")
	}
	for _, k := range []string{"schema_version", "tenant_id", "environment", "record_count", "root_hash", "generated_utc"} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		out.Extra = raw
	}
	*m = out
	return nil
}

func intField(raw map[string]any, key string) (int64, error) {
	n, ok := raw[key].(json.Number)
	if !ok || strings.ContainsAny(string(n), ".eE") {
		return 0, fmt.Errorf("%s missing or not an integer", key)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// Bundle is an export bundle held in memory.
type Bundle struct {
	Metadata Metadata
	Records  []*ledger.Record
	Checksum string

	// Bytes the bundle was read from; nil for bundles built in memory or
	// decoded from the JSON transport form.
	rawLedger   []byte
	rawMetadata []byte
}

// Build assembles a bundle of records. RecordCount, RootHash and
// SchemaVersion are derived from records; meta supplies the rest.
func Build(meta Metadata, records []*ledger.Record) (*Bundle, error) {
	meta.SchemaVersion = SchemaVersion
	meta.RecordCount = int64(len(records))
	meta.RootHash = nil
	if n := len(records); n > 0 {
		root := records[n-1].RecordHash
		meta.RootHash = &root
	}
	b := &Bundle{Metadata: meta, Records: records}
	sum, err := b.ComputeChecksum()
	if err != nil {
		return nil, err
	}
	b.Checksum = sum
	return b, nil
}

// LedgerBytes returns the content of ledger.jsonl.
func (b *Bundle) LedgerBytes() ([]byte, error) {
	if b.rawLedger != nil {
		return b.rawLedger, nil
	}
	return ledger.EncodeJSONL(b.Records)
}

// MetadataBytes returns the content of bundle_metadata.json.
func (b *Bundle) MetadataBytes() ([]byte, error) {
	if b.rawMetadata != nil {
		return b.rawMetadata, nil
	}
	return canonical.Line(b.Metadata.object())
}

// ComputeChecksum hashes the ledger and metadata bytes of b.
func (b *Bundle) ComputeChecksum() (string, error) {
	lb, err := b.LedgerBytes()
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", LedgerFile, err)
	}
	mb, err := b.MetadataBytes()
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", MetadataFile, err)
	}
	return Checksum(lb, mb), nil
}

// Checksum returns the bundle checksum of the given file contents.
func Checksum(ledgerJSONL, metadataJSON []byte) string {
	h := sha256.New()
	h.Write(ledgerJSONL)
	h.Write(metadataJSON)
	return hex.EncodeToString(h.Sum(nil))
}

// ReadError reports a bundle that could not be read or parsed. It is never a
// chain verification result.
type ReadError struct {
	Source string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read bundle %s: %v", e.Source, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func parseFiles(source string, ledgerData, metaData, checksumData []byte) (*Bundle, error) {
	records, err := ledger.ReadJSONL(bytes.NewReader(ledgerData))
	if err != nil {
		return nil, &ReadError{Source: source + "/" + LedgerFile, Err: err}
	}
	var meta Metadata
	if err := meta.UnmarshalJSON(bytes.TrimSpace(metaData)); err != nil {
		return nil, &ReadError{Source: source + "/" + MetadataFile, Err: err}
	}
	sum := strings.TrimSpace(string(checksumData))
	if fields := strings.Fields(sum); len(fields) > 0 {
		sum = fields[0] // tolerate "<hex>  filename" from sha256sum
	}
	if !ledger.IsHash(sum) {
		return nil, &ReadError{Source: source + "/" + ChecksumFile, Err: fmt.Errorf("not a sha256 hex digest")}
	}
	return &Bundle{
		Metadata:    meta,
		Records:     records,
		Checksum:    sum,
		rawLedger:   ledgerData,
		rawMetadata: metaData,
	}, nil
}
