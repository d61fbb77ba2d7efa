package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/canonical"
)

// advisoryLockNamespace is the first key of the two-key advisory lock taken
// per tenant; the second key is hashtext(tenant_id). It must be the same on
// every ledgerd instance sharing a database.
const advisoryLockNamespace = int32(1_159_876)

const recordColumns = `seq, timestamp_utc, tenant_id, actor_id, actor_role, event_type, payload, prev_hash, record_hash`

// PostgresStore persists ledgers in the audit_records table created by
// migrations/001_audit_ledger.up.sql.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store.
// It takes a tenant-scoped advisory lock, reads the tail, builds the next
// record and inserts it in one transaction. The primary key on
// (tenant_id, seq) backs up the lock.
func (s *PostgresStore) Append(ctx context.Context, tenantID string, next NextFunc) (*Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Released automatically on commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, hashtext($2))", advisoryLockNamespace, tenantID); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	last, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`,
		tenantID,
	))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	rec, err := next(last)
	if err != nil {
		return nil, err
	}
	if err := accept(rec, tenantID, last); err != nil {
		return nil, err
	}
	payload, err := canonical.Marshal(rec.Payload)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Seq, rec.TimestampUTC, rec.TenantID, rec.ActorID, rec.ActorRole,
		rec.EventType, string(payload), rec.PrevHash, rec.RecordHash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: seq %d", ErrSeqConflict, rec.Seq)
		}
		return nil, fmt.Errorf("insert ledger record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger record appended",
		zap.String("tenant_id", rec.TenantID),
		zap.Int64("seq", rec.Seq),
		zap.String("event_type", rec.EventType),
	)
	return rec, nil
}

// Last implements Store.
func (s *PostgresStore) Last(ctx context.Context, tenantID string) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`,
		tenantID,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger tail: %w", err)
	}
	return rec, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID string, seq int64) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE tenant_id = $1 AND seq = $2`,
		tenantID, seq,
	))
	if err != nil {
		return nil, fmt.Errorf("get ledger record %d: %w", seq, err)
	}
	return rec, nil
}

// List implements Store. The single SELECT runs under one snapshot, so the
// result is a consistent prefix even while appends commit.
func (s *PostgresStore) List(ctx context.Context, tenantID string, from, to int64) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE tenant_id = $1 AND ($2::bigint <= 0 OR seq >= $2) AND ($3::bigint <= 0 OR seq <= $3)
		 ORDER BY seq ASC`,
		tenantID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_records WHERE tenant_id = $1", tenantID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger records: %w", err)
	}
	return n, nil
}

// Tenants implements Store.
func (s *PostgresStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT tenant_id FROM audit_records ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// scanRecord reads one audit_records row. pgx.ErrNoRows becomes ErrNotFound.
func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var payload string
	if err := row.Scan(
		&rec.Seq, &rec.TimestampUTC, &rec.TenantID, &rec.ActorID, &rec.ActorRole,
		&rec.EventType, &payload, &rec.PrevHash, &rec.RecordHash,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v, err := canonical.Normalize([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload of seq %d: %w", rec.Seq, err)
	}
	rec.Payload = v
	return &rec, nil
}
