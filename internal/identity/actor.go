package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrMissingTenant = errors.New("tenant id is required")
	ErrInvalidTenant = errors.New("tenant id must be a UUID")
	ErrMissingActor  = errors.New("actor id is required")
	ErrInvalidActor  = errors.New("actor id must be a UUID")
	ErrMissingRole   = errors.New("actor role is required")
)

// Principal is the authenticated party of a request.
type Principal struct {
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
}

// Validate normalizes p in place: tenant and actor ids become lowercase
// canonical UUIDs.
func (p *Principal) Validate() error {
	tenant, err := NormalizeTenantID(p.TenantID)
	if err != nil {
		return err
	}
	actor, err := NormalizeActorID(p.ActorID)
	if err != nil {
		return err
	}
	role := strings.TrimSpace(p.ActorRole)
	if role == "" {
		return ErrMissingRole
	}
	p.TenantID, p.ActorID, p.ActorRole = tenant, actor, role
	return nil
}

// NormalizeTenantID trims and validates a tenant UUID and returns it in
// lowercase hyphenated form.
func NormalizeTenantID(raw string) (string, error) {
	return normalizeUUID(raw, ErrMissingTenant, ErrInvalidTenant)
}

// NormalizeActorID trims and validates an actor UUID.
func NormalizeActorID(raw string) (string, error) {
	return normalizeUUID(raw, ErrMissingActor, ErrInvalidActor)
}

func normalizeUUID(raw string, missing, invalid error) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", missing
	}
	// uuid.Parse also accepts urn and braced forms; only the plain 36-char
	// form is a valid id here.
	if len(s) != 36 {
		return "", fmt.Errorf("%w: %q", invalid, s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", invalid, s)
	}
	return id.String(), nil
}
