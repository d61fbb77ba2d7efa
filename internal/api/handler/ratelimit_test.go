package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/auditledger/internal/api/handler"
	"github.com/jmerrifield20/auditledger/internal/identity"
)

func TestRateLimiter_perTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 1))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	get := func(tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if tenant != "" {
			req.Header.Set(identity.HeaderTenantID, tenant)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := get(tenantA); code != http.StatusNoContent {
		t.Fatalf("first request: %d", code)
	}
	if code := get(tenantA); code != http.StatusTooManyRequests {
		t.Errorf("second request for same tenant: expected 429, got %d", code)
	}
	if code := get(tenantB); code != http.StatusNoContent {
		t.Errorf("other tenant must have its own bucket, got %d", code)
	}
	if code := get(""); code != http.StatusNoContent {
		t.Errorf("IP bucket must be separate from tenant buckets, got %d", code)
	}
}
