package client

import (
	"io"

	"github.com/jmerrifield20/auditledger/internal/bundle"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// Wire types returned by Client. They alias the server's own types so that
// callers outside this module can name them.
type (
	Record       = ledger.Record
	Result       = ledger.Result
	Outcome      = ledger.Outcome
	Failure      = ledger.Failure
	FailureKind  = ledger.Kind
	Bundle       = bundle.Bundle
	BundleReport = bundle.Report
	BundleMeta   = bundle.Metadata
)

// Verification outcomes.
const (
	Valid   = ledger.Valid
	Invalid = ledger.Invalid
)

// Failure kinds. The first three come from chain verification, the rest from
// bundle checks.
const (
	SeqMismatch         = ledger.SeqMismatch
	PrevHashMismatch    = ledger.PrevHashMismatch
	RecordHashMismatch  = ledger.RecordHashMismatch
	TenantMismatch      = bundle.TenantMismatch
	RecordCountMismatch = bundle.RecordCountMismatch
	RootHashMismatch    = bundle.RootHashMismatch
	ChecksumMismatch    = bundle.ChecksumMismatch
)

// VerifyRecords verifies a chain locally.
func VerifyRecords(records []*Record) Result {
	return ledger.Verify(records)
}

// VerifyBundle verifies an exported bundle locally, without trusting the
// server that produced it.
func VerifyBundle(b *Bundle) BundleReport {
	return bundle.Verify(b)
}

// LoadBundle reads a bundle from a directory, a .zip or a .json file.
func LoadBundle(path string) (*Bundle, error) {
	return bundle.Load(path)
}

// ReadZipBundle reads a bundle from a zip archive, as written by ExportZip.
func ReadZipBundle(r io.ReaderAt, size int64) (*Bundle, error) {
	return bundle.ReadZip(r, size, "zip")
}
