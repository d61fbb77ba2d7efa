package ledger_test

import (
	"reflect"
	"testing"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// Hashes produced by the reference writer for fixtureFields.
const (
	fixtureHash1 = "ba85f6b1b0b0ded025b55cd3256b9105d5e948daaeffa6a3a83164debc9a0bb3"
	fixtureHash2 = "41c58fb7829a933491c8d8276017e6113185ace1e62e02f3adb1994f2f4993cf"
	fixtureHash3 = "b2b79fe581d5398f39019888cce1157a424ec091b4a543ac479e4871daeb7f5b"
)

func fixtureFields() []ledger.Fields {
	return []ledger.Fields{
		{TimestampUTC: "20260101T000000Z", TenantID: "t1", ActorID: "u1", ActorRole: "admin", EventType: "event.a", Payload: map[string]any{"x": 1}},
		{TimestampUTC: "20260101T000001Z", TenantID: "t1", ActorID: "u1", ActorRole: "admin", EventType: "event.b", Payload: map[string]any{"y": 2}},
		{TimestampUTC: "20260101T000002Z", TenantID: "t1", ActorID: "u1", ActorRole: "admin", EventType: "event.c", Payload: map[string]any{"z": 3}},
	}
}

// buildChain appends fields in order with the pure Append.
func buildChain(t testing.TB, fields []ledger.Fields) []*ledger.Record {
	t.Helper()
	var out []*ledger.Record
	var last *ledger.Record
	for _, f := range fields {
		rec, err := ledger.Append(ledger.State{Last: last}, f)
		if err != nil {
			t.Fatalf("Append seq %d: %v", len(out)+1, err)
		}
		out = append(out, rec)
		last = rec
	}
	return out
}

func eventFields(n int) []ledger.Fields {
	out := make([]ledger.Fields, n)
	for i := range out {
		out[i] = ledger.Fields{
			TimestampUTC: "20260101T000000Z",
			TenantID:     "t1",
			ActorID:      "u1",
			ActorRole:    "admin",
			EventType:    "event",
			Payload:      map[string]any{"i": i},
		}
	}
	return out
}

func TestVerify_fixtureChainValid(t *testing.T) {
	records := buildChain(t, fixtureFields())
	res := ledger.Verify(records)
	if !res.Valid() {
		t.Fatalf("expected VALID, got %s", res)
	}
	if res.RecordCount != 3 {
		t.Errorf("record_count = %d, want 3", res.RecordCount)
	}
	if res.RootHash == nil || *res.RootHash != fixtureHash3 {
		t.Errorf("root_hash = %v, want %s", res.RootHash, fixtureHash3)
	}
	if res.Failure != nil || res.UntrustedFrom != 0 {
		t.Errorf("valid result carries failure: %+v", res)
	}
}

func TestVerify_empty(t *testing.T) {
	res := ledger.Verify(nil)
	if !res.Valid() || res.RecordCount != 0 || res.RootHash != nil {
		t.Errorf("empty ledger: got %+v", res)
	}
}

func TestVerify_singleRecordBadPrevHash(t *testing.T) {
	records := buildChain(t, fixtureFields()[:1])
	records[0].PrevHash = fixtureHash2
	assertFailure(t, ledger.Verify(records), ledger.PrevHashMismatch, 1)
}

func TestVerify_tamperModes(t *testing.T) {
	tests := []struct {
		name   string
		tamper func([]*ledger.Record) []*ledger.Record
		kind   ledger.Kind
		pos    int
	}{
		{
			name: "field changed",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				r[2].ActorRole = "viewer"
				return r
			},
			kind: ledger.RecordHashMismatch, pos: 3,
		},
		{
			name: "payload changed",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				r[1].Payload = map[string]any{"y": "2"}
				return r
			},
			kind: ledger.RecordHashMismatch, pos: 2,
		},
		{
			name: "field added",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				r[0].Extra = map[string]any{"note": "x"}
				return r
			},
			kind: ledger.RecordHashMismatch, pos: 1,
		},
		{
			name: "prev_hash altered",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				r[3].PrevHash = ledger.GenesisHash
				return r
			},
			kind: ledger.PrevHashMismatch, pos: 4,
		},
		{
			name: "record deleted from middle",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				return append(r[:2:2], r[3:]...)
			},
			kind: ledger.SeqMismatch, pos: 3,
		},
		{
			name: "adjacent records swapped",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				r[1], r[2] = r[2], r[1]
				return r
			},
			kind: ledger.SeqMismatch, pos: 2,
		},
		{
			name: "record spliced without recomputing tail",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				spliced, err := ledger.Append(ledger.State{Last: r[1]}, ledger.Fields{
					TimestampUTC: "20260101T000009Z", TenantID: "t1", ActorID: "evil",
					ActorRole: "admin", EventType: "forged", Payload: nil,
				})
				if err != nil {
					panic(err)
				}
				out := append([]*ledger.Record{}, r[:2]...)
				out = append(out, spliced)
				return append(out, r[2:]...)
			},
			kind: ledger.SeqMismatch, pos: 4,
		},
		{
			name: "deleted record renumbered",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				out := append(r[:1:1], r[2:]...)
				for i, rec := range out {
					rec.Seq = int64(i + 1)
				}
				return out
			},
			kind: ledger.PrevHashMismatch, pos: 2,
		},
		{
			name: "record_hash replaced",
			tamper: func(r []*ledger.Record) []*ledger.Record {
				r[4].RecordHash = fixtureHash1
				return r
			},
			kind: ledger.RecordHashMismatch, pos: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := tt.tamper(buildChain(t, eventFields(5)))
			res := ledger.Verify(records)
			assertFailure(t, res, tt.kind, tt.pos)
			if res.RecordCount != len(records) {
				t.Errorf("record_count = %d, want %d", res.RecordCount, len(records))
			}
		})
	}
}

func TestVerify_seqCheckedBeforePrevHash(t *testing.T) {
	records := buildChain(t, eventFields(3))
	records[1].Seq = 7
	records[1].PrevHash = ledger.GenesisHash
	assertFailure(t, ledger.Verify(records), ledger.SeqMismatch, 2)
}

func TestVerify_prevHashComparedToStoredValue(t *testing.T) {
	records := buildChain(t, eventFields(3))
	// Record 2 is altered, but record 3 still points at its stored hash, so
	// the first failure is record 2's own hash.
	records[1].EventType = "altered"
	assertFailure(t, ledger.Verify(records), ledger.RecordHashMismatch, 2)

	records = buildChain(t, eventFields(3))
	records[1].RecordHash = fixtureHash1
	assertFailure(t, ledger.Verify(records), ledger.RecordHashMismatch, 2)
}

func TestVerify_deterministicAndReadOnly(t *testing.T) {
	records := buildChain(t, eventFields(4))
	records[2].ActorID = "someone-else"
	snapshot := make([]ledger.Record, len(records))
	for i, r := range records {
		snapshot[i] = *r
	}

	first := ledger.Verify(records)
	second := ledger.Verify(records)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("results differ: %+v vs %+v", first, second)
	}
	for i, r := range records {
		if !reflect.DeepEqual(*r, snapshot[i]) {
			t.Errorf("record %d mutated by Verify", i+1)
		}
	}
}

func TestVerify_nilRecord(t *testing.T) {
	records := buildChain(t, eventFields(2))
	records = append(records, nil)
	assertFailure(t, ledger.Verify(records), ledger.SeqMismatch, 3)
}

func TestResult_String(t *testing.T) {
	records := buildChain(t, eventFields(2))
	records[1].PrevHash = fixtureHash1
	got := ledger.Verify(records).String()
	want := "result=INVALID record_count=2 failure.kind=PREV_HASH_MISMATCH failure.position=2 untrusted_from=2"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func assertFailure(t *testing.T, res ledger.Result, kind ledger.Kind, pos int) {
	t.Helper()
	if res.Valid() {
		t.Fatalf("expected INVALID %s at %d, got VALID", kind, pos)
	}
	if res.Failure == nil {
		t.Fatalf("INVALID result without failure")
	}
	if res.Failure.Kind != kind || res.Failure.Position != pos {
		t.Errorf("failure = %s@%d, want %s@%d", res.Failure.Kind, res.Failure.Position, kind, pos)
	}
	if res.UntrustedFrom != pos {
		t.Errorf("untrusted_from = %d, want %d", res.UntrustedFrom, pos)
	}
	if res.RootHash != nil {
		t.Errorf("root_hash should be null on INVALID, got %s", *res.RootHash)
	}
}
