package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// FileName is the per-tenant ledger file inside a FileStore directory.
const FileName = "ledger.jsonl"

// FileStore keeps each tenant's ledger as <dir>/<tenant>/ledger.jsonl, one
// canonical record per line. Every append is fsynced before it returns. The
// store assumes it is the only writer of its directory.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu   sync.Mutex
	logs map[string]*fileLog
}

type fileLog struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	size  int64
	count int64
	last  *Record
}

// NewFileStore opens (or creates) a FileStore rooted at dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger, logs: make(map[string]*fileLog)}, nil
}

// Path returns the ledger.jsonl path of a tenant.
func (s *FileStore) Path(tenantID string) (string, error) {
	name, err := tenantDir(tenantID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name, FileName), nil
}

func tenantDir(tenantID string) (string, error) {
	name := url.PathEscape(tenantID)
	if tenantID == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return name, nil
}

// open returns the tenant's log, recovering its tail on first use.
func (s *FileStore) open(tenantID string) (*fileLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[tenantID]; ok {
		return l, nil
	}

	path, err := s.Path(tenantID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create tenant directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	l := &fileLog{path: path, file: file}
	if err := s.recover(l); err != nil {
		file.Close()
		return nil, err
	}
	s.logs[tenantID] = l
	return l, nil
}

// recover finds the chain tail and drops a torn final line left by a crash
// mid-write.
func (s *FileStore) recover(l *fileLog) error {
	data, err := io.ReadAll(l.file)
	if err != nil {
		return fmt.Errorf("read %s: %w", l.path, err)
	}
	size := int64(len(data))
	if size > 0 && data[size-1] != '\n' {
		cut := int64(bytes.LastIndexByte(data, '\n') + 1)
		s.logger.Warn("truncating torn ledger line",
			zap.String("path", l.path),
			zap.Int64("offset", cut),
			zap.Int64("bytes", size-cut),
		)
		if err := l.file.Truncate(cut); err != nil {
			return fmt.Errorf("truncate torn line: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", l.path, err)
		}
		data, size = data[:cut], cut
	}

	var lastLine []byte
	var count int64
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		count++
		lastLine = line
	}
	if lastLine != nil {
		last, err := ParseRecord(lastLine)
		if err != nil {
			return &DecodeError{Line: int(count), Err: err}
		}
		l.last = last
	}
	l.count = count
	l.size = size
	if _, err := l.file.Seek(size, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", l.path, err)
	}
	return nil
}

// Append implements Store.
func (s *FileStore) Append(_ context.Context, tenantID string, next NextFunc) (*Record, error) {
	l, err := s.open(tenantID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := next(l.last.Clone())
	if err != nil {
		return nil, err
	}
	if err := accept(rec, tenantID, l.last); err != nil {
		return nil, err
	}
	line, err := rec.Canonical()
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		l.rollback()
		return nil, fmt.Errorf("write %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		l.rollback()
		return nil, fmt.Errorf("sync %s: %w", l.path, err)
	}
	l.size += int64(len(line))
	l.count++
	l.last = rec.Clone()
	return rec, nil
}

// rollback discards a partially written line.
func (l *fileLog) rollback() {
	_ = l.file.Truncate(l.size)
	_, _ = l.file.Seek(l.size, io.SeekStart)
}

// Last implements Store.
func (s *FileStore) Last(_ context.Context, tenantID string) (*Record, error) {
	l, err := s.open(tenantID)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last.Clone(), nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, tenantID string, seq int64) (*Record, error) {
	records, err := s.List(ctx, tenantID, seq, seq)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("seq %d: %w", seq, ErrNotFound)
	}
	return records[0], nil
}

// List implements Store. Only bytes known to be durable are read, so a
// concurrent append is never observed half-written.
func (s *FileStore) List(_ context.Context, tenantID string, from, to int64) ([]*Record, error) {
	l, err := s.open(tenantID)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	size := l.size
	l.mu.RUnlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	defer f.Close()

	all, err := ReadJSONL(io.LimitReader(f, size))
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, r := range all {
		if inRange(r.Seq, from, to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len implements Store.
func (s *FileStore) Len(_ context.Context, tenantID string) (int64, error) {
	l, err := s.open(tenantID)
	if err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count, nil
}

// Tenants implements Store.
func (s *FileStore) Tenants(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read ledger directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ok, err := hasCompleteLine(filepath.Join(s.dir, e.Name(), FileName))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		tenant, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out, nil
}

// hasCompleteLine reports whether path holds at least one newline-terminated
// line. A file holding only a torn first append has no records.
func hasCompleteLine(path string) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if bytes.IndexByte(buf[:n], '\n') >= 0 {
			return true, nil
		}
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read %s: %w", path, err)
		}
	}
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for tenant, l := range s.logs {
		l.mu.Lock()
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.mu.Unlock()
		delete(s.logs, tenant)
	}
	return errors.Join(errs...)
}
