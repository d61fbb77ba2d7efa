package bundle

import (
	"fmt"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// Failure kinds that only exist at bundle level. They are reported after the
// chain itself verified.
const (
	TenantMismatch      ledger.Kind = "TENANT_MISMATCH"
	RecordCountMismatch ledger.Kind = "RECORD_COUNT_MISMATCH"
	RootHashMismatch    ledger.Kind = "ROOT_HASH_MISMATCH"
	ChecksumMismatch    ledger.Kind = "CHECKSUM_MISMATCH"
)

// Report is a chain verification result extended with bundle context.
type Report struct {
	ledger.Result
	TenantID    string `json:"tenant_id"`
	Environment string `json:"environment"`
	ChecksumOK  bool   `json:"checksum_ok"`
}

// Verify checks the chain of b and then, if the chain is valid, that the
// records belong to the metadata's tenant, that record_count and root_hash
// match the lines, and that the checksum matches the file contents.
func Verify(b *Bundle) Report {
	rep := Report{
		Result:      ledger.Verify(b.Records),
		TenantID:    b.Metadata.TenantID,
		Environment: b.Metadata.Environment,
	}
	sum, err := b.ComputeChecksum()
	rep.ChecksumOK = err == nil && sum == b.Checksum

	if !rep.Valid() {
		return rep
	}

	n := len(b.Records)
	for i, r := range b.Records {
		if r.TenantID != b.Metadata.TenantID {
			return rep.fail(ledger.Failure{Kind: TenantMismatch, Position: i + 1, Expected: b.Metadata.TenantID, Actual: r.TenantID})
		}
	}
	if b.Metadata.RecordCount != int64(n) {
		return rep.fail(ledger.Failure{
			Kind: RecordCountMismatch, Position: 0,
			Expected: fmt.Sprint(n), Actual: fmt.Sprint(b.Metadata.RecordCount),
		})
	}
	want := ""
	if rep.RootHash != nil {
		want = *rep.RootHash
	}
	got := ""
	if b.Metadata.RootHash != nil {
		got = *b.Metadata.RootHash
	}
	if want != got || (n == 0) != (b.Metadata.RootHash == nil) {
		return rep.fail(ledger.Failure{Kind: RootHashMismatch, Position: n, Expected: want, Actual: got})
	}
	if !rep.ChecksumOK {
		return rep.fail(ledger.Failure{Kind: ChecksumMismatch, Position: 0, Expected: sum, Actual: b.Checksum})
	}
	return rep
}

// fail turns a valid report into an INVALID one. A failure without a record
// position leaves the whole bundle untrusted.
func (r Report) fail(f ledger.Failure) Report {
	r.Result.Result = ledger.Invalid
	r.RootHash = nil
	r.Failure = &f
	r.UntrustedFrom = f.Position
	if r.UntrustedFrom < 1 {
		r.UntrustedFrom = 1
	}
	return r
}
