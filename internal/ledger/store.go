package ledger

import (
	"context"
	"fmt"
)

// NextFunc builds the record that follows last (nil when the tenant's ledger
// is empty). Stores call it while holding the tenant's write serialization.
type NextFunc func(last *Record) (*Record, error)

// Store is the durable, ordered, per-tenant record sequence.
//
// Implementations serialize Append per tenant and make the record durable
// before returning it. Readers always observe a consistent prefix.
type Store interface {
	// Append reads the tenant's tip, calls next and persists its result.
	// A lost race on the sequence number yields ErrSeqConflict.
	Append(ctx context.Context, tenantID string, next NextFunc) (*Record, error)

	// Last returns the tip, or nil when the ledger is empty.
	Last(ctx context.Context, tenantID string) (*Record, error)

	// Get returns the record with the given seq or ErrNotFound.
	Get(ctx context.Context, tenantID string, seq int64) (*Record, error)

	// List returns records with from <= seq <= to in seq order. A zero bound
	// is open.
	List(ctx context.Context, tenantID string, from, to int64) ([]*Record, error)

	// Len returns the number of records held for the tenant.
	Len(ctx context.Context, tenantID string) (int64, error)

	// Tenants returns every tenant with at least one record, sorted.
	Tenants(ctx context.Context) ([]string, error)

	Close() error
}

func inRange(seq, from, to int64) bool {
	return (from <= 0 || seq >= from) && (to <= 0 || seq <= to)
}

// accept validates the record built by a NextFunc before it is persisted.
func accept(rec *Record, tenantID string, last *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: no record built", ErrInvalidFields)
	}
	if rec.TenantID != tenantID {
		return fmt.Errorf("%w: record for tenant %q appended to %q", ErrInvalidFields, rec.TenantID, tenantID)
	}
	want := int64(1)
	if last != nil {
		want = last.Seq + 1
	}
	if rec.Seq != want {
		return fmt.Errorf("%w: seq %d, want %d", ErrSeqConflict, rec.Seq, want)
	}
	return nil
}
