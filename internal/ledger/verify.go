package ledger

import "fmt"

// Outcome is the overall verdict of a verification run.
type Outcome string

const (
	Valid   Outcome = "VALID"
	Invalid Outcome = "INVALID"
)

// Kind classifies the first point at which a chain diverges.
type Kind string

const (
	SeqMismatch        Kind = "SEQ_MISMATCH"
	PrevHashMismatch   Kind = "PREV_HASH_MISMATCH"
	RecordHashMismatch Kind = "RECORD_HASH_MISMATCH"
)

// Failure locates a tamper signal. Position is 1-based.
type Failure struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// Result is the verification report. A broken chain is a Result, not an
// error.
type Result struct {
	Result      Outcome  `json:"result"`
	RecordCount int      `json:"record_count"`
	RootHash    *string  `json:"root_hash"`
	Failure     *Failure `json:"failure"`
	// UntrustedFrom is the first position whose records can no longer be
	// trusted. Zero when the chain is valid.
	UntrustedFrom int `json:"untrusted_from,omitempty"`
}

// Valid reports whether the chain verified.
func (r Result) Valid() bool { return r.Result == Valid }

func (r Result) String() string {
	if r.Failure == nil {
		root := "null"
		if r.RootHash != nil {
			root = *r.RootHash
		}
		return fmt.Sprintf("result=%s record_count=%d root_hash=%s", r.Result, r.RecordCount, root)
	}
	return fmt.Sprintf("result=%s record_count=%d failure.kind=%s failure.position=%d untrusted_from=%d",
		r.Result, r.RecordCount, r.Failure.Kind, r.Failure.Position, r.UntrustedFrom)
}

// Verify checks records[0..n-1] as positions 1..n and stops at the first
// divergence. At each position the seq is checked first, then prev_hash
// against the stored record_hash of the previous record, then the recomputed
// record_hash. Verify never mutates records.
func Verify(records []*Record) Result {
	n := len(records)
	for i, rec := range records {
		pos := i + 1
		if rec == nil {
			return invalid(n, Failure{Kind: SeqMismatch, Position: pos, Expected: fmt.Sprint(pos), Actual: "missing record"})
		}
		if rec.Seq != int64(pos) {
			return invalid(n, Failure{Kind: SeqMismatch, Position: pos, Expected: fmt.Sprint(pos), Actual: fmt.Sprint(rec.Seq)})
		}

		wantPrev := GenesisHash
		if i > 0 {
			wantPrev = records[i-1].RecordHash
		}
		if rec.PrevHash != wantPrev {
			return invalid(n, Failure{Kind: PrevHashMismatch, Position: pos, Expected: wantPrev, Actual: rec.PrevHash})
		}

		got, err := ComputeHash(rec)
		if err != nil {
			return invalid(n, Failure{Kind: RecordHashMismatch, Position: pos, Expected: rec.RecordHash, Actual: err.Error()})
		}
		if got != rec.RecordHash {
			return invalid(n, Failure{Kind: RecordHashMismatch, Position: pos, Expected: got, Actual: rec.RecordHash})
		}
	}

	res := Result{Result: Valid, RecordCount: n}
	if n > 0 {
		root := records[n-1].RecordHash
		res.RootHash = &root
	}
	return res
}

func invalid(n int, f Failure) Result {
	return Result{
		Result:        Invalid,
		RecordCount:   n,
		Failure:       &f,
		UntrustedFrom: f.Position,
	}
}
