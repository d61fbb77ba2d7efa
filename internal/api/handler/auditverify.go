package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/bundle"
)

// ContractVersion identifies the request and response shape of
// POST /audit/verify.
const ContractVersion = "audit-verify.v1"

// ContractError is one request validation problem. Path is a JSONPath into
// the request body.
type ContractError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// AuditVerifyResponse is the body of every /audit/verify response.
type AuditVerifyResponse struct {
	ContractVersion string `json:"contract_version"`
	OK              bool   `json:"ok"`
	Errors          any    `json:"errors"`
	Details         any    `json:"details"`
}

// AuditVerifyHandler verifies export bundles supplied by auditors. It never
// touches the server's own ledger.
type AuditVerifyHandler struct {
	logger *zap.Logger
}

// NewAuditVerifyHandler creates a new AuditVerifyHandler.
func NewAuditVerifyHandler(logger *zap.Logger) *AuditVerifyHandler {
	return &AuditVerifyHandler{logger: logger}
}

// Register mounts POST /audit/verify on the given router group.
func (h *AuditVerifyHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/audit/verify", h.Verify)
}

// Verify handles POST /audit/verify with a body of the form
// {"bundle": {...}, "strict_sequence": true, "require_signature": false}.
// A malformed request or unreadable bundle is a 400 with contract errors; a
// readable bundle always gets a 200 whose ok field carries the verdict.
func (h *AuditVerifyHandler) Verify(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		contractFailure(c, ContractError{Code: "invalid_payload", Message: "unable to read request body", Path: "$"})
		return
	}

	raw, errs := parseAuditVerifyRequest(data)
	if len(errs) > 0 {
		contractFailure(c, errs...)
		return
	}

	b, err := bundle.DecodeBytes(raw)
	if err != nil {
		msg := err.Error()
		var re *bundle.ReadError
		if errors.As(err, &re) && re.Err != nil {
			msg = re.Err.Error()
		}
		contractFailure(c, ContractError{Code: "invalid_bundle", Message: msg, Path: "$.bundle"})
		return
	}

	rep := bundle.Verify(b)
	RecordVerification(rep.Result)

	verdict := []string{}
	if rep.Failure != nil {
		verdict = append(verdict, fmt.Sprintf("%s at position %d", rep.Failure.Kind, rep.Failure.Position))
	}
	h.logger.Info("bundle verified",
		zap.String("tenant_id", rep.TenantID),
		zap.String("result", string(rep.Result.Result)),
		zap.Int("record_count", rep.RecordCount),
	)
	c.JSON(http.StatusOK, AuditVerifyResponse{
		ContractVersion: ContractVersion,
		OK:              rep.Valid(),
		Errors:          verdict,
		Details:         rep,
	})
}

// parseAuditVerifyRequest returns the raw bundle object or every problem
// found with the request.
func parseAuditVerifyRequest(data []byte) (json.RawMessage, []ContractError) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		return nil, []ContractError{{Code: "invalid_payload", Message: "payload must be a JSON object", Path: "$"}}
	}

	raw, ok := body["bundle"]
	if !ok {
		return nil, []ContractError{{Code: "missing_field", Message: "bundle is required", Path: "$.bundle"}}
	}

	var errs []ContractError
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		errs = append(errs, ContractError{Code: "invalid_field", Message: "bundle must be an object", Path: "$.bundle"})
	}
	if v, ok := body["strict_sequence"]; ok {
		var strict bool
		if err := json.Unmarshal(v, &strict); err != nil {
			errs = append(errs, ContractError{Code: "invalid_field", Message: "strict_sequence must be boolean", Path: "$.strict_sequence"})
		} else if !strict {
			errs = append(errs, ContractError{Code: "unsupported", Message: "verification always stops at the first failure", Path: "$.strict_sequence"})
		}
	}
	if v, ok := body["require_signature"]; ok {
		var sig bool
		if err := json.Unmarshal(v, &sig); err != nil {
			errs = append(errs, ContractError{Code: "invalid_field", Message: "require_signature must be boolean", Path: "$.require_signature"})
		} else if sig {
			errs = append(errs, ContractError{Code: "unsupported", Message: "bundle signatures are not supported", Path: "$.require_signature"})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return raw, nil
}

func contractFailure(c *gin.Context, errs ...ContractError) {
	c.JSON(http.StatusBadRequest, AuditVerifyResponse{
		ContractVersion: ContractVersion,
		OK:              false,
		Errors:          errs,
		Details:         gin.H{},
	})
}
