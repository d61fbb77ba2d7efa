package ledger_test

import (
	"errors"
	"math"
	"testing"

	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

func TestAppend_matchesReferenceHashes(t *testing.T) {
	records := buildChain(t, fixtureFields())
	want := []string{fixtureHash1, fixtureHash2, fixtureHash3}
	for i, rec := range records {
		if rec.Seq != int64(i+1) {
			t.Errorf("record %d: seq = %d", i, rec.Seq)
		}
		if rec.RecordHash != want[i] {
			t.Errorf("record %d: record_hash = %s, want %s", i+1, rec.RecordHash, want[i])
		}
	}
	if records[0].PrevHash != ledger.GenesisHash {
		t.Errorf("first prev_hash = %s, want genesis", records[0].PrevHash)
	}
	if records[1].PrevHash != fixtureHash1 || records[2].PrevHash != fixtureHash2 {
		t.Errorf("chain links wrong: %s, %s", records[1].PrevHash, records[2].PrevHash)
	}
}

func TestAppend_createThenUpdate(t *testing.T) {
	create, err := ledger.Append(ledger.State{}, ledger.Fields{
		TimestampUTC: "20260101T000000Z",
		TenantID:     "t1",
		ActorID:      "u1",
		ActorRole:    "admin",
		EventType:    "CREATE",
		Payload:      map[string]any{"id": 7},
	})
	if err != nil {
		t.Fatal(err)
	}
	update, err := ledger.Append(ledger.State{Last: create}, ledger.Fields{
		TimestampUTC: "20260101T000001Z",
		TenantID:     "t1",
		ActorID:      "u1",
		ActorRole:    "admin",
		EventType:    "UPDATE",
		Payload:      map[string]any{"id": 7, "status": "active"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if create.Seq != 1 || update.Seq != 2 {
		t.Errorf("seq = %d, %d; want 1, 2", create.Seq, update.Seq)
	}
	if update.PrevHash != create.RecordHash {
		t.Errorf("prev_hash = %s, want %s", update.PrevHash, create.RecordHash)
	}
	res := ledger.Verify([]*ledger.Record{create, update})
	if !res.Valid() || res.RecordCount != 2 {
		t.Fatalf("expected VALID with 2 records, got %s", res)
	}
	if res.RootHash == nil || *res.RootHash != update.RecordHash {
		t.Errorf("root_hash = %v, want %s", res.RootHash, update.RecordHash)
	}
}

func TestAppend_payloadShapes(t *testing.T) {
	type detail struct {
		Amount float64 `json:"amount"`
		Note   string  `json:"note"`
	}
	payloads := []any{
		nil,
		"scalar",
		[]any{1, "two", 3.5},
		detail{Amount: 12.5, Note: "ok"},
		map[string]any{"nested": map[string]any{"deep": []any{true, nil}}},
	}
	var last *ledger.Record
	var records []*ledger.Record
	for _, p := range payloads {
		f := fixtureFields()[0]
		f.Payload = p
		rec, err := ledger.Append(ledger.State{Last: last}, f)
		if err != nil {
			t.Fatalf("Append(%v): %v", p, err)
		}
		records = append(records, rec)
		last = rec
	}
	if res := ledger.Verify(records); !res.Valid() {
		t.Errorf("expected VALID, got %s", res)
	}
}

func TestAppend_rejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ledger.Fields)
	}{
		{"missing tenant", func(f *ledger.Fields) { f.TenantID = "" }},
		{"missing event type", func(f *ledger.Fields) { f.EventType = "" }},
		{"missing timestamp", func(f *ledger.Fields) { f.TimestampUTC = "" }},
		{"rfc3339 timestamp", func(f *ledger.Fields) { f.TimestampUTC = "2026-01-01T00:00:00Z" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fixtureFields()[0]
			tt.mutate(&f)
			_, err := ledger.Append(ledger.State{}, f)
			var ae *ledger.AppendError
			if !errors.As(err, &ae) {
				t.Fatalf("expected *AppendError, got %v", err)
			}
			if !errors.Is(err, ledger.ErrInvalidFields) {
				t.Errorf("expected ErrInvalidFields, got %v", err)
			}
		})
	}
}

func TestAppend_rejectsNonCanonicalPayload(t *testing.T) {
	f := fixtureFields()[0]
	f.Payload = map[string]any{"ratio": math.NaN()}
	_, err := ledger.Append(ledger.State{}, f)

	var ae *ledger.AppendError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AppendError, got %v", err)
	}
	var ce *canonical.Error
	if !errors.As(err, &ce) {
		t.Errorf("expected wrapped *canonical.Error, got %v", err)
	}
}

func TestAppend_refusesInconsistentTip(t *testing.T) {
	good := buildChain(t, fixtureFields()[:2])

	tests := []struct {
		name   string
		mutate func(*ledger.Record)
		tenant string
	}{
		{"tampered field", func(r *ledger.Record) { r.ActorID = "mallory" }, "t1"},
		{"malformed record_hash", func(r *ledger.Record) { r.RecordHash = "XYZ" }, "t1"},
		{"uppercase prev_hash", func(r *ledger.Record) { r.PrevHash = "BA85F6B1B0B0DED025B55CD3256B9105D5E948DAAEFFA6A3A83164DEBC9A0BB3" }, "t1"},
		{"zero seq", func(r *ledger.Record) { r.Seq = 0 }, "t1"},
		{"other tenant", func(*ledger.Record) {}, "t2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tip := good[1].Clone()
			tt.mutate(tip)
			f := fixtureFields()[2]
			f.TenantID = tt.tenant
			_, err := ledger.Append(ledger.State{Last: tip}, f)
			if !errors.Is(err, ledger.ErrInconsistentTip) {
				t.Fatalf("expected ErrInconsistentTip, got %v", err)
			}
		})
	}
}

func TestAppend_firstRecordMustChainFromGenesis(t *testing.T) {
	first := buildChain(t, fixtureFields()[:1])[0]
	first.PrevHash = fixtureHash2
	h, err := ledger.ComputeHash(first)
	if err != nil {
		t.Fatal(err)
	}
	first.RecordHash = h

	_, err = ledger.Append(ledger.State{Last: first}, fixtureFields()[1])
	if !errors.Is(err, ledger.ErrInconsistentTip) {
		t.Errorf("expected ErrInconsistentTip, got %v", err)
	}
}

func TestAppend_doesNotMutateState(t *testing.T) {
	tip := buildChain(t, fixtureFields()[:1])[0]
	before := *tip
	if _, err := ledger.Append(ledger.State{Last: tip}, fixtureFields()[1]); err != nil {
		t.Fatal(err)
	}
	if tip.Seq != before.Seq || tip.RecordHash != before.RecordHash || tip.PrevHash != before.PrevHash {
		t.Errorf("tip mutated: %+v", tip)
	}
}
