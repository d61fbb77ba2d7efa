package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/auditledger/internal/bundle"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

var (
	// ErrNotFound is matched by errors for 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrConflict is matched by errors for 409 responses: a concurrent
	// append won the sequence number.
	ErrConflict = errors.New("conflict")
)

// maxResponseBytes bounds every response body; exports are the largest.
const maxResponseBytes = 256 << 20

// APIError is a non-2xx response from ledgerd.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledgerd error %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match ErrNotFound and ErrConflict.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// AppendRequest is the payload for Append. Actor, role and tenant are taken
// from the client's credentials.
type AppendRequest struct {
	EventType    string `json:"event_type"`
	Payload      any    `json:"payload"`
	TimestampUTC string `json:"timestamp_utc,omitempty"`
}

// Head is the ledger summary returned by GET /api/v1/ledger.
type Head struct {
	TenantID    string  `json:"tenant_id"`
	RecordCount int64   `json:"record_count"`
	RootHash    *string `json:"root_hash"`
}

// AuditVerifyResult is the server's verdict on a submitted bundle.
type AuditVerifyResult struct {
	ContractVersion string        `json:"contract_version"`
	OK              bool          `json:"ok"`
	Errors          []string      `json:"errors"`
	Details         BundleReport  `json:"details"`
}

// Client talks to one tenant's ledger on a ledgerd server.
type Client struct {
	base        string
	tenantID    string
	httpClient  *http.Client
	bearerToken string
	actorID     string
	actorRole   string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an actor token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithActorHeaders asserts the actor in X-Actor-ID and X-Actor-Role. Only a
// server running without auth.jwt_secret accepts this.
func WithActorHeaders(actorID, role string) Option {
	return func(c *Client) error {
		c.actorID = actorID
		c.actorRole = role
		return nil
	}
}

// New creates a Client for tenantID on the server at base.
func New(base, tenantID string, opts ...Option) (*Client, error) {
	tenant, err := identity.NormalizeTenantID(tenantID)
	if err != nil {
		return nil, err
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		tenantID:   tenant,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// TenantID returns the normalized tenant the client is bound to.
func (c *Client) TenantID() string { return c.tenantID }

// Append appends one record and returns it as stored.
func (c *Client) Append(ctx context.Context, r AppendRequest) (*Record, error) {
	body, err := c.call(ctx, http.MethodPost, "/api/v1/records", nil, r)
	if err != nil {
		return nil, err
	}
	return ledger.ParseRecord(body)
}

// Record returns the record with the given seq.
func (c *Client) Record(ctx context.Context, seq int64) (*Record, error) {
	body, err := c.call(ctx, http.MethodGet, "/api/v1/records/"+strconv.FormatInt(seq, 10), nil, nil)
	if err != nil {
		return nil, err
	}
	return ledger.ParseRecord(body)
}

// Records returns records with from <= seq <= to. Zero leaves a bound open.
func (c *Client) Records(ctx context.Context, from, to int64) ([]*Record, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	if to > 0 {
		q.Set("to", strconv.FormatInt(to, 10))
	}
	body, err := c.call(ctx, http.MethodGet, "/api/v1/records", q, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	out := make([]*Record, 0, len(resp.Records))
	for i, raw := range resp.Records {
		rec, err := ledger.ParseRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Head returns the record count and current root hash.
func (c *Client) Head(ctx context.Context) (*Head, error) {
	body, err := c.call(ctx, http.MethodGet, "/api/v1/ledger", nil, nil)
	if err != nil {
		return nil, err
	}
	var h Head
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("decode head: %w", err)
	}
	return &h, nil
}

// Verify asks the server to verify the tenant's chain.
func (c *Client) Verify(ctx context.Context) (Result, error) {
	body, err := c.call(ctx, http.MethodGet, "/api/v1/ledger/verify", nil, nil)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return Result{}, fmt.Errorf("decode verification: %w", err)
	}
	return res, nil
}

// Export downloads the tenant's export bundle in JSON transport form.
func (c *Client) Export(ctx context.Context) (*Bundle, error) {
	body, err := c.call(ctx, http.MethodGet, "/api/v1/ledger/export", url.Values{"format": {"json"}}, nil)
	if err != nil {
		return nil, err
	}
	return bundle.DecodeBytes(body)
}

// ExportZip streams the tenant's export bundle as a zip archive into w.
func (c *Client) ExportZip(ctx context.Context, w io.Writer) error {
	body, err := c.call(ctx, http.MethodGet, "/api/v1/ledger/export", url.Values{"format": {"zip"}}, nil)
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// AuditVerify submits b to the server's bundle verifier. A bundle the server
// cannot read is an *APIError with status 400.
func (c *Client) AuditVerify(ctx context.Context, b *Bundle) (*AuditVerifyResult, error) {
	raw, err := b.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	body, err := c.call(ctx, http.MethodPost, "/api/v1/audit/verify", nil, map[string]any{
		"bundle": json.RawMessage(raw),
	})
	if err != nil {
		return nil, err
	}
	var res AuditVerifyResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode audit verification: %w", err)
	}
	return &res, nil
}

// call executes one API request and returns the body of a 2xx response.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, reqBody any) ([]byte, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(identity.HeaderTenantID, c.tenantID)
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.actorID != "" {
		req.Header.Set(identity.HeaderActorID, c.actorID)
		req.Header.Set(identity.HeaderActorRole, c.actorRole)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage extracts {"error": "..."} or the first contract error from a
// failure body, falling back to the raw text.
func errorMessage(body []byte) string {
	var e struct {
		Error  string `json:"error"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if len(e.Errors) > 0 {
			return e.Errors[0].Code + ": " + e.Errors[0].Message
		}
	}
	return strings.TrimSpace(string(body))
}
