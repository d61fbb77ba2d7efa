package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/bundle"
	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// LedgerHandler exposes the tenant-scoped record and ledger endpoints. Every
// route expects identity.RequireActor and identity.RequireTenant to have run.
type LedgerHandler struct {
	ledger      *ledger.Ledger
	environment string
	clock       func() time.Time
	logger      *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. environment is written into
// exported bundle metadata.
func NewLedgerHandler(l *ledger.Ledger, environment string, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, environment: environment, clock: time.Now, logger: logger}
}

// Register mounts the record and ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/records")
	{
		r.POST("", h.AppendRecord)
		r.GET("", h.ListRecords)
		r.GET("/:seq", h.GetRecord)
	}
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/export", h.Export)
	}
}

type appendRequest struct {
	EventType    string          `json:"event_type" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	TimestampUTC string          `json:"timestamp_utc"`
}

// AppendRecord handles POST /records. Actor, role and tenant come from the
// authenticated principal, never from the body.
func (h *LedgerHandler) AppendRecord(c *gin.Context) {
	p, _ := identity.PrincipalFromCtx(c)

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var payload any
	if len(bytes.TrimSpace(req.Payload)) > 0 {
		v, err := canonical.Normalize(req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
			return
		}
		payload = v
	}

	rec, err := h.ledger.Append(c.Request.Context(), ledger.Fields{
		TimestampUTC: req.TimestampUTC,
		TenantID:     p.TenantID,
		ActorID:      p.ActorID,
		ActorRole:    p.ActorRole,
		EventType:    req.EventType,
		Payload:      payload,
	})
	if err != nil {
		status, msg := appendErrorStatus(err)
		RecordAppendError(status)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func appendErrorStatus(err error) (int, string) {
	var ce *canonical.Error
	switch {
	case errors.Is(err, ledger.ErrInvalidFields), errors.As(err, &ce):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ledger.ErrSeqConflict):
		return http.StatusConflict, "concurrent append, retry"
	case errors.Is(err, ledger.ErrInconsistentTip):
		return http.StatusConflict, "ledger tip failed local verification"
	default:
		return http.StatusInternalServerError, "failed to append record"
	}
}

// ListRecords handles GET /records?from=&to= with inclusive, optional bounds.
func (h *LedgerHandler) ListRecords(c *gin.Context) {
	p, _ := identity.PrincipalFromCtx(c)

	from, err := seqQuery(c, "from")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := seqQuery(c, "to")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := h.ledger.Store().List(c.Request.Context(), p.TenantID, from, to)
	if err != nil {
		h.logger.Error("ledger List", zap.String("tenant_id", p.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	if records == nil {
		records = []*ledger.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func seqQuery(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// GetRecord handles GET /records/:seq.
func (h *LedgerHandler) GetRecord(c *gin.Context) {
	p, _ := identity.PrincipalFromCtx(c)

	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}

	rec, err := h.ledger.Store().Get(c.Request.Context(), p.TenantID, seq)
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger Get", zap.String("tenant_id", p.TenantID), zap.Int64("seq", seq), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Overview handles GET /ledger: the record count and current root hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	p, _ := identity.PrincipalFromCtx(c)

	count, root, err := h.ledger.Head(c.Request.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("ledger Head", zap.String("tenant_id", p.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	var rootHash *string
	if count > 0 {
		rootHash = &root
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":    p.TenantID,
		"record_count": count,
		"root_hash":    rootHash,
	})
}

// Verify handles GET /ledger/verify. A broken chain is reported with 200;
// only a storage failure is an error.
func (h *LedgerHandler) Verify(c *gin.Context) {
	p, _ := identity.PrincipalFromCtx(c)

	res, err := h.ledger.Verify(c.Request.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("ledger Verify", zap.String("tenant_id", p.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	RecordVerification(res)
	c.JSON(http.StatusOK, res)
}

// Export handles GET /ledger/export?format=json|zip.
func (h *LedgerHandler) Export(c *gin.Context) {
	p, _ := identity.PrincipalFromCtx(c)
	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "zip" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format must be json or zip"})
		return
	}

	records, err := h.ledger.Records(c.Request.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("ledger export", zap.String("tenant_id", p.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	generated := ledger.FormatTimestamp(h.clock())
	b, err := bundle.Build(bundle.Metadata{
		TenantID:     p.TenantID,
		Environment:  h.environment,
		GeneratedUTC: generated,
	}, records)
	if err != nil {
		h.logger.Error("build bundle", zap.String("tenant_id", p.TenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build bundle"})
		return
	}

	h.logger.Info("ledger exported",
		zap.String("tenant_id", p.TenantID),
		zap.Int64("record_count", b.Metadata.RecordCount),
		zap.String("format", format),
	)

	if format == "zip" {
		var buf bytes.Buffer
		if err := b.WriteZip(&buf); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write bundle"})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="ledger-%s-%s.zip"`, p.TenantID, generated))
		c.Data(http.StatusOK, "application/zip", buf.Bytes())
		return
	}

	data, err := b.MarshalJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode bundle"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}
