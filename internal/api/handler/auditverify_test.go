package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/api/handler"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

func setupAuditRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler.NewAuditVerifyHandler(zap.NewNop()).Register(r.Group("/api/v1"))
	return r
}

// exportedBundle appends n records through the API and returns the exported
// JSON bundle.
func exportedBundle(t *testing.T, n int) string {
	t.Helper()
	router := setupLedgerRouter(t, ledger.NewMemoryStore())
	appendN(t, router, tenantA, n)
	w := do(t, router, http.MethodGet, "/api/v1/ledger/export", tenantA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: %d %s", w.Code, w.Body.String())
	}
	return w.Body.String()
}

type verifyResponse struct {
	ContractVersion string          `json:"contract_version"`
	OK              bool            `json:"ok"`
	Errors          json.RawMessage `json:"errors"`
	Details         map[string]any  `json:"details"`
}

func postVerify(t *testing.T, router *gin.Engine, body string) (int, verifyResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit/verify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp verifyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, w.Body.String())
	}
	if resp.ContractVersion != handler.ContractVersion {
		t.Errorf("contract_version = %q", resp.ContractVersion)
	}
	return w.Code, resp
}

func TestAuditVerify_valid(t *testing.T) {
	router := setupAuditRouter(t)
	code, resp := postVerify(t, router, `{"bundle":`+exportedBundle(t, 3)+`,"strict_sequence":true}`)
	if code != http.StatusOK || !resp.OK {
		t.Fatalf("expected 200 ok, got %d %+v", code, resp)
	}
	if resp.Details["result"] != "VALID" || resp.Details["record_count"].(float64) != 3 {
		t.Errorf("details = %v", resp.Details)
	}
	if string(resp.Errors) != "[]" {
		t.Errorf("errors = %s, want []", resp.Errors)
	}
}

func TestAuditVerify_tampered(t *testing.T) {
	router := setupAuditRouter(t)
	forged := strings.Replace(exportedBundle(t, 3), `"attempt":1`, `"attempt":7`, 1)

	code, resp := postVerify(t, router, `{"bundle":`+forged+`}`)
	if code != http.StatusOK || resp.OK {
		t.Fatalf("expected 200 not ok, got %d %+v", code, resp)
	}
	var errs []string
	json.Unmarshal(resp.Errors, &errs)
	if len(errs) != 1 || errs[0] != "RECORD_HASH_MISMATCH at position 2" {
		t.Errorf("errors = %v", errs)
	}
	failure, _ := resp.Details["failure"].(map[string]any)
	if failure["kind"] != "RECORD_HASH_MISMATCH" || failure["position"].(float64) != 2 {
		t.Errorf("failure = %v", failure)
	}
	if resp.Details["root_hash"] != nil {
		t.Errorf("root_hash must be null on INVALID, got %v", resp.Details["root_hash"])
	}
}

func TestAuditVerify_contractErrors(t *testing.T) {
	router := setupAuditRouter(t)

	tests := []struct {
		name string
		body string
		code string
		path string
	}{
		{"not an object", `[1,2]`, "invalid_payload", "$"},
		{"missing bundle", `{}`, "missing_field", "$.bundle"},
		{"bundle not object", `{"bundle": "x"}`, "invalid_field", "$.bundle"},
		{"strict_sequence type", `{"bundle": {}, "strict_sequence": "yes"}`, "invalid_field", "$.strict_sequence"},
		{"signature required", `{"bundle": {}, "require_signature": true}`, "unsupported", "$.require_signature"},
		{"unreadable bundle", `{"bundle": {"ledger": [{"seq": 1}]}}`, "invalid_bundle", "$.bundle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := postVerify(t, router, tt.body)
			if code != http.StatusBadRequest || resp.OK {
				t.Fatalf("expected 400 not ok, got %d %+v", code, resp)
			}
			var errs []handler.ContractError
			if err := json.Unmarshal(resp.Errors, &errs); err != nil || len(errs) == 0 {
				t.Fatalf("errors = %s", resp.Errors)
			}
			if errs[0].Code != tt.code || errs[0].Path != tt.path {
				t.Errorf("got %s at %s, want %s at %s", errs[0].Code, errs[0].Path, tt.code, tt.path)
			}
		})
	}
}
