package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jmerrifield20/auditledger/internal/canonical"
)

// SQLiteFileName is the database file a SQLiteStore keeps in its directory.
const SQLiteFileName = "ledger.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
    tenant_id     TEXT    NOT NULL,
    seq           INTEGER NOT NULL CHECK (seq >= 1),
    timestamp_utc TEXT    NOT NULL,
    actor_id      TEXT    NOT NULL,
    actor_role    TEXT    NOT NULL,
    event_type    TEXT    NOT NULL,
    payload       TEXT    NOT NULL,
    prev_hash     TEXT    NOT NULL,
    record_hash   TEXT    NOT NULL,
    PRIMARY KEY (tenant_id, seq)
);
CREATE TRIGGER IF NOT EXISTS audit_records_no_update BEFORE UPDATE ON audit_records
BEGIN SELECT RAISE(ABORT, 'audit_records is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_records_no_delete BEFORE DELETE ON audit_records
BEGIN SELECT RAISE(ABORT, 'audit_records is append-only'); END;
`

// SQLiteStore persists ledgers in a single SQLite database using the pure-Go
// modernc.org/sqlite driver. Write transactions start with BEGIN IMMEDIATE so
// that a second process appending to the same file waits instead of racing.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSQLiteStore opens (or creates) <dir>/ledger.db and applies the schema.
func NewSQLiteStore(dir string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	dsn := "file:" + filepath.Join(dir, SQLiteFileName) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, tenantID string, next NextFunc) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	last, err := scanSQLRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`,
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

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq, rec.TimestampUTC, rec.TenantID, rec.ActorID, rec.ActorRole,
		rec.EventType, string(payload), rec.PrevHash, rec.RecordHash,
	); err != nil {
		if isSQLiteConflict(err) {
			return nil, fmt.Errorf("%w: seq %d", ErrSeqConflict, rec.Seq)
		}
		return nil, fmt.Errorf("insert ledger record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger record appended",
		zap.String("tenant_id", rec.TenantID),
		zap.Int64("seq", rec.Seq),
	)
	return rec, nil
}

// Last implements Store.
func (s *SQLiteStore) Last(ctx context.Context, tenantID string) (*Record, error) {
	rec, err := scanSQLRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`,
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
func (s *SQLiteStore) Get(ctx context.Context, tenantID string, seq int64) (*Record, error) {
	rec, err := scanSQLRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE tenant_id = ? AND seq = ?`,
		tenantID, seq,
	))
	if err != nil {
		return nil, fmt.Errorf("get ledger record %d: %w", seq, err)
	}
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, tenantID string, from, to int64) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE tenant_id = ? AND (? <= 0 OR seq >= ?) AND (? <= 0 OR seq <= ?)
		 ORDER BY seq ASC`,
		tenantID, from, from, to, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanSQLRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_records WHERE tenant_id = ?", tenantID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger records: %w", err)
	}
	return n, nil
}

// Tenants implements Store.
func (s *SQLiteStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT tenant_id FROM audit_records ORDER BY tenant_id")
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

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLRecord(row sqlScanner) (*Record, error) {
	var rec Record
	var payload string
	if err := row.Scan(
		&rec.Seq, &rec.TimestampUTC, &rec.TenantID, &rec.ActorID, &rec.ActorRole,
		&rec.EventType, &payload, &rec.PrevHash, &rec.RecordHash,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

// isSQLiteConflict reports whether err is a (tenant_id, seq) key violation.
func isSQLiteConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
