// Package health re-verifies every tenant's ledger on a schedule and tracks
// which tenants currently fail verification.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// Config holds integrity check configuration.
type Config struct {
	CheckInterval time.Duration
	// Concurrency bounds how many tenants are verified at once.
	Concurrency int
}

// Verifier lists tenants and verifies one tenant's chain. *ledger.Ledger
// implements it.
type Verifier interface {
	Tenants(ctx context.Context) ([]string, error)
	Verify(ctx context.Context, tenantID string) (ledger.Result, error)
}

// StatusFunc is called whenever overall health changes. It must not call
// back into the Checker.
type StatusFunc func(healthy bool)

// ResultFunc observes every completed verification.
type ResultFunc func(tenantID string, res ledger.Result)

// Checker runs periodic chain verification across all tenants.
type Checker struct {
	verifier Verifier
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	failed   map[string]ledger.Result
	healthy  bool
	onStatus StatusFunc
	onResult ResultFunc
}

// New creates a new Checker. It reports healthy until a check finds a
// broken chain.
func New(v Verifier, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Checker{
		verifier: v,
		cfg:      cfg,
		logger:   logger,
		failed:   make(map[string]ledger.Result),
		healthy:  true,
	}
}

// SetStatusFunc configures the health transition callback.
func (c *Checker) SetStatusFunc(fn StatusFunc) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// SetResultFunc configures the per-verification callback.
func (c *Checker) SetResultFunc(fn ResultFunc) {
	c.mu.Lock()
	c.onResult = fn
	c.mu.Unlock()
}

// Start runs CheckAll every CheckInterval until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.CheckAll(ctx); err != nil {
				c.logger.Error("integrity check: list tenants", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll verifies every tenant with bounded concurrency. Only a failure to
// list tenants is returned; a tenant whose records cannot be read keeps its
// previous state.
func (c *Checker) CheckAll(ctx context.Context) error {
	tenants, err := c.verifier.Tenants(ctx)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, t := range tenants {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := c.verifier.Verify(ctx, tenant)
			if err != nil {
				c.logger.Warn("integrity check: read ledger", zap.String("tenant_id", tenant), zap.Error(err))
				return
			}
			c.record(tenant, res)
		}(t)
	}

	wg.Wait()
	return nil
}

func (c *Checker) record(tenant string, res ledger.Result) {
	c.mu.Lock()
	_, wasFailed := c.failed[tenant]
	if res.Valid() {
		delete(c.failed, tenant)
	} else {
		c.failed[tenant] = res
	}
	healthy := len(c.failed) == 0
	// Status transitions are delivered under the lock so they arrive in order.
	if healthy != c.healthy && c.onStatus != nil {
		c.onStatus(healthy)
	}
	c.healthy = healthy
	onResult := c.onResult
	c.mu.Unlock()

	if onResult != nil {
		onResult(tenant, res)
	}

	switch {
	case !res.Valid() && !wasFailed:
		c.logger.Error("ledger integrity check FAILED",
			zap.String("tenant_id", tenant),
			zap.String("kind", string(res.Failure.Kind)),
			zap.Int("position", res.Failure.Position),
			zap.Int("record_count", res.RecordCount),
		)
	case res.Valid() && wasFailed:
		c.logger.Info("ledger integrity restored",
			zap.String("tenant_id", tenant),
			zap.Int("record_count", res.RecordCount),
		)
	case res.Valid():
		fields := []zap.Field{
			zap.String("tenant_id", tenant),
			zap.Int("record_count", res.RecordCount),
		}
		// An empty chain is VALID with no root hash.
		if res.RootHash != nil {
			fields = append(fields, zap.String("root_hash", *res.RootHash))
		}
		c.logger.Debug("ledger verified", fields...)
	}
}

// Healthy reports whether every tenant passed its most recent verification.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Failed returns the tenants whose last verification was INVALID, sorted.
func (c *Checker) Failed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.failed))
	for t := range c.failed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
