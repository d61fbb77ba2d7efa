package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ActorTokenClaims are the JWT claims of an actor token. The subject is the
// actor id.
type ActorTokenClaims struct {
	jwt.RegisteredClaims
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
}

// Principal returns the validated principal carried by the claims.
func (c *ActorTokenClaims) Principal() (Principal, error) {
	p := Principal{TenantID: c.TenantID, ActorID: c.ActorID, ActorRole: c.ActorRole}
	if err := p.Validate(); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// ActorTokenIssuer issues and verifies actor tokens signed with HS256.
type ActorTokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewActorTokenIssuer creates an ActorTokenIssuer.
//
//	secret  HMAC key shared by every ledgerd instance; must not be empty.
//	issuer  The "iss" claim value.
//	ttl     Token lifetime (default: 1 hour).
func NewActorTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*ActorTokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("actor token secret is empty")
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &ActorTokenIssuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue creates a signed actor token for p.
func (t *ActorTokenIssuer) Issue(p Principal) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	now := t.now().UTC()
	claims := ActorTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   p.ActorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		TenantID:  p.TenantID,
		ActorID:   p.ActorID,
		ActorRole: p.ActorRole,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign actor token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an actor token, returning its claims on success.
func (t *ActorTokenIssuer) Verify(tokenStr string) (*ActorTokenClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ActorTokenClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify actor token: %w", err)
	}
	claims, ok := token.Claims.(*ActorTokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid actor token claims")
	}
	if claims.Subject != claims.ActorID {
		return nil, fmt.Errorf("actor token subject does not match actor_id")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *ActorTokenIssuer) TTL() time.Duration { return t.ttl }
