package identity_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/auditledger/internal/identity"
)

const (
	testTenant = "3f2c7a52-8d5e-4b7e-9a31-6c0f1d2e4b59"
	testActor  = "9b1e4c1a-2f3d-4e5f-8a9b-0c1d2e3f4a5b"
)

func newTestIssuer(t *testing.T, ttl time.Duration) *identity.ActorTokenIssuer {
	t.Helper()
	ti, err := identity.NewActorTokenIssuer([]byte("test-secret"), "auditledger-test", ttl)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func testPrincipal() identity.Principal {
	return identity.Principal{TenantID: testTenant, ActorID: testActor, ActorRole: "auditor"}
}

func TestActorTokenIssuer_roundTrip(t *testing.T) {
	ti := newTestIssuer(t, time.Hour)
	token, err := ti.Issue(testPrincipal())
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	p, err := claims.Principal()
	if err != nil {
		t.Fatal(err)
	}
	if p != testPrincipal() {
		t.Errorf("principal = %+v", p)
	}
	if claims.Subject != testActor || claims.ID == "" {
		t.Errorf("registered claims = %+v", claims.RegisteredClaims)
	}
}

func TestActorTokenIssuer_normalizesIDs(t *testing.T) {
	ti := newTestIssuer(t, time.Hour)
	p := testPrincipal()
	p.TenantID = "  " + strings.ToUpper(testTenant) + " "
	token, err := ti.Issue(p)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.TenantID != testTenant {
		t.Errorf("tenant_id = %q, want lowercase %q", claims.TenantID, testTenant)
	}
}

func TestActorTokenIssuer_rejects(t *testing.T) {
	ti := newTestIssuer(t, time.Hour)
	token, _ := ti.Issue(testPrincipal())

	other, _ := identity.NewActorTokenIssuer([]byte("other-secret"), "auditledger-test", time.Hour)
	otherToken, _ := other.Issue(testPrincipal())

	wrongIss, _ := identity.NewActorTokenIssuer([]byte("test-secret"), "someone-else", time.Hour)
	wrongIssToken, _ := wrongIss.Issue(testPrincipal())

	expired := newTestIssuer(t, time.Nanosecond)
	expiredToken, _ := expired.Issue(testPrincipal())
	time.Sleep(2 * time.Millisecond)

	tests := map[string]string{
		"garbage":       "not-a-token",
		"wrong secret":  otherToken,
		"wrong issuer":  wrongIssToken,
		"expired":       expiredToken,
		"tampered body": flipChar(token, len(token)/2),
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ti.Verify(tok); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewActorTokenIssuer_emptySecret(t *testing.T) {
	if _, err := identity.NewActorTokenIssuer(nil, "x", 0); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestPrincipal_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    identity.Principal
		want error
	}{
		{"missing tenant", identity.Principal{ActorID: testActor, ActorRole: "r"}, identity.ErrMissingTenant},
		{"bad tenant", identity.Principal{TenantID: "acme", ActorID: testActor, ActorRole: "r"}, identity.ErrInvalidTenant},
		{"braced tenant", identity.Principal{TenantID: "{" + testTenant + "}", ActorID: testActor, ActorRole: "r"}, identity.ErrInvalidTenant},
		{"missing actor", identity.Principal{TenantID: testTenant, ActorRole: "r"}, identity.ErrMissingActor},
		{"bad actor", identity.Principal{TenantID: testTenant, ActorID: "bob", ActorRole: "r"}, identity.ErrInvalidActor},
		{"missing role", identity.Principal{TenantID: testTenant, ActorID: testActor, ActorRole: " "}, identity.ErrMissingRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

// flipChar replaces the byte at i with a different base64url character.
func flipChar(s string, i int) string {
	c := byte('A')
	if s[i] == 'A' {
		c = 'B'
	}
	return s[:i] + string(c) + s[i+1:]
}
