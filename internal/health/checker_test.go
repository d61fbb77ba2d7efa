package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubVerifier struct {
	mu      sync.Mutex
	results map[string]ledger.Result
	readErr map[string]error
	listErr error
}

func (s *stubVerifier) Tenants(_ context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for t := range s.results {
		out = append(out, t)
	}
	for t := range s.readErr {
		out = append(out, t)
	}
	return out, nil
}

func (s *stubVerifier) Verify(_ context.Context, tenant string) (ledger.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readErr[tenant]; err != nil {
		return ledger.Result{}, err
	}
	return s.results[tenant], nil
}

func (s *stubVerifier) set(tenant string, res ledger.Result) {
	s.mu.Lock()
	s.results[tenant] = res
	s.mu.Unlock()
}

func valid(n int) ledger.Result {
	root := "ab"
	return ledger.Result{Result: ledger.Valid, RecordCount: n, RootHash: &root}
}

func broken(n, pos int) ledger.Result {
	return ledger.Result{
		Result:        ledger.Invalid,
		RecordCount:   n,
		Failure:       &ledger.Failure{Kind: ledger.PrevHashMismatch, Position: pos},
		UntrustedFrom: pos,
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheckAll_degradesOnBrokenChain(t *testing.T) {
	v := &stubVerifier{results: map[string]ledger.Result{"t1": valid(3), "t2": broken(5, 4)}}

	var statuses []bool
	c := New(v, Config{}, zap.NewNop())
	c.SetStatusFunc(func(ok bool) { statuses = append(statuses, ok) })

	if err := c.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Healthy() {
		t.Error("expected unhealthy")
	}
	if got := c.Failed(); len(got) != 1 || got[0] != "t2" {
		t.Errorf("Failed() = %v", got)
	}
	if len(statuses) != 1 || statuses[0] {
		t.Errorf("status transitions = %v, want [false]", statuses)
	}

	// A second failing pass is not a transition.
	c.CheckAll(context.Background())
	if len(statuses) != 1 {
		t.Errorf("status transitions = %v", statuses)
	}
}

func TestCheckAll_recovers(t *testing.T) {
	v := &stubVerifier{results: map[string]ledger.Result{"t1": broken(2, 1)}}

	var statuses []bool
	c := New(v, Config{}, zap.NewNop())
	c.SetStatusFunc(func(ok bool) { statuses = append(statuses, ok) })

	c.CheckAll(context.Background())
	v.set("t1", valid(2))
	c.CheckAll(context.Background())

	if !c.Healthy() || len(c.Failed()) != 0 {
		t.Errorf("expected healthy after recovery, failed=%v", c.Failed())
	}
	if len(statuses) != 2 || statuses[0] || !statuses[1] {
		t.Errorf("status transitions = %v, want [false true]", statuses)
	}
}

func TestCheckAll_readErrorKeepsState(t *testing.T) {
	v := &stubVerifier{
		results: map[string]ledger.Result{"t1": valid(1)},
		readErr: map[string]error{"t9": errors.New("disk gone")},
	}

	var mu sync.Mutex
	seen := map[string]ledger.Result{}
	c := New(v, Config{Concurrency: 1}, zap.NewNop())
	c.SetResultFunc(func(tenant string, res ledger.Result) {
		mu.Lock()
		seen[tenant] = res
		mu.Unlock()
	})

	if err := c.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Healthy() {
		t.Error("a read error must not mark the ledger as tampered")
	}
	if _, ok := seen["t9"]; ok || len(seen) != 1 {
		t.Errorf("results observed for %v", seen)
	}
}

func TestCheckAll_listError(t *testing.T) {
	c := New(&stubVerifier{listErr: errors.New("db down")}, Config{}, zap.NewNop())
	if err := c.CheckAll(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestChecker_withLedger(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	for _, tenant := range []string{"t1", "t2"} {
		if _, err := l.Append(ctx, ledger.Fields{TenantID: tenant, ActorID: "u1", ActorRole: "admin", EventType: "boot"}); err != nil {
			t.Fatal(err)
		}
	}

	c := New(l, Config{}, zap.NewNop())
	if err := c.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.Healthy() {
		t.Errorf("intact ledgers reported unhealthy: %v", c.Failed())
	}
}

func TestCheckAll_emptyChain(t *testing.T) {
	empty := ledger.Result{Result: ledger.Valid}
	v := &stubVerifier{results: map[string]ledger.Result{"t1": empty}}

	c := New(v, Config{}, zap.NewNop())
	if err := c.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Healthy() {
		t.Errorf("empty chain reported unhealthy: %v", c.Failed())
	}
}

func TestCheckAll_tornFirstAppend(t *testing.T) {
	dir := t.TempDir()
	store, err := ledger.NewFileStore(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	path, err := store.Path("t1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"seq":1,"tena`), 0o600); err != nil {
		t.Fatal(err)
	}

	c := New(ledger.New(store), Config{}, zap.NewNop())
	if err := c.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Healthy() {
		t.Errorf("crash-torn ledger reported unhealthy: %v", c.Failed())
	}
}
