// Package ledger implements the append-only, hash-chained audit ledger.
//
// Every record carries the record_hash of its predecessor in prev_hash (64
// hex zeros for seq 1) and the SHA-256 of its own canonical body in
// record_hash, so any edit, deletion, reordering or splice is detected by
// Verify at the first position where the chain diverges.
//
// Append and Verify are pure functions over in-memory records. Ledger ties
// Append to a durable Store, which provides per-tenant write serialization.
// Store implementations:
//   - MemoryStore: in-process, for testing and development.
//   - FileStore: one ledger.jsonl per tenant, fsynced per append.
//   - PostgresStore, SQLiteStore, MongoStore: database-backed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AppendHook observes every record after it is durably appended.
type AppendHook func(rec *Record)

// Ledger is the writer and reader facade over a Store.
type Ledger struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
	hooks  []AppendHook
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the source of timestamp_utc for fields that leave it
// empty.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithAppendHook registers a hook called after each successful append.
func WithAppendHook(h AppendHook) Option {
	return func(l *Ledger) { l.hooks = append(l.hooks, h) }
}

// New returns a Ledger writing through store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Append extends the tenant's ledger by one record and returns it once it is
// durable. Every failure is an *AppendError; on ErrSeqConflict the caller
// must re-read the ledger before retrying.
func (l *Ledger) Append(ctx context.Context, f Fields) (*Record, error) {
	if f.TimestampUTC == "" {
		f.TimestampUTC = FormatTimestamp(l.clock())
	}

	rec, err := l.store.Append(ctx, f.TenantID, func(last *Record) (*Record, error) {
		return Append(State{Last: last}, f)
	})
	if err != nil {
		var ae *AppendError
		if errors.As(err, &ae) {
			l.logger.Warn("ledger append rejected",
				zap.String("tenant_id", f.TenantID),
				zap.String("event_type", f.EventType),
				zap.Error(err),
			)
			return nil, err
		}
		l.logger.Error("ledger append failed",
			zap.String("tenant_id", f.TenantID),
			zap.Error(err),
		)
		return nil, &AppendError{TenantID: f.TenantID, Err: err}
	}

	l.logger.Info("ledger record appended",
		zap.String("tenant_id", rec.TenantID),
		zap.Int64("seq", rec.Seq),
		zap.String("event_type", rec.EventType),
		zap.String("record_hash", rec.RecordHash),
	)
	for _, h := range l.hooks {
		h(rec)
	}
	return rec, nil
}

// Records returns the tenant's full ordered record sequence.
func (l *Ledger) Records(ctx context.Context, tenantID string) ([]*Record, error) {
	records, err := l.store.List(ctx, tenantID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", tenantID, err)
	}
	return records, nil
}

// Verify loads the tenant's ledger and verifies it. A storage failure is an
// error; a broken chain is an INVALID Result.
func (l *Ledger) Verify(ctx context.Context, tenantID string) (Result, error) {
	records, err := l.Records(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	res := Verify(records)
	if !res.Valid() {
		l.logger.Warn("ledger verification failed",
			zap.String("tenant_id", tenantID),
			zap.String("kind", string(res.Failure.Kind)),
			zap.Int("position", res.Failure.Position),
		)
	}
	return res, nil
}

// Head returns the number of records and the current root hash (empty when
// the ledger is empty).
func (l *Ledger) Head(ctx context.Context, tenantID string) (int64, string, error) {
	last, err := l.store.Last(ctx, tenantID)
	if err != nil {
		return 0, "", fmt.Errorf("head %s: %w", tenantID, err)
	}
	if last == nil {
		return 0, "", nil
	}
	return last.Seq, last.RecordHash, nil
}

// Tenants returns every tenant holding at least one record.
func (l *Ledger) Tenants(ctx context.Context) ([]string, error) {
	tenants, err := l.store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

// VerifyAll verifies every tenant in the store. It returns on the first
// storage error.
func (l *Ledger) VerifyAll(ctx context.Context) (map[string]Result, error) {
	tenants, err := l.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Result, len(tenants))
	for _, t := range tenants {
		res, err := l.Verify(ctx, t)
		if err != nil {
			return nil, err
		}
		out[t] = res
	}
	return out, nil
}
