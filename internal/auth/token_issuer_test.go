package auth

import (
	"strings"
	"testing"
	"time"
)

var testEpoch = time.Unix(1700000000, 0).UTC()

func newTestIssuer(clockNow *time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "pushit-auth",
		Audience:      "pushit-api",
		Clock:         func() time.Time { return *clockNow },
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := testEpoch
	issuer := newTestIssuer(&now)

	token, expiresIn, err := issuer.IssueToken(Identity{Subject: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((12 * time.Hour).Seconds()) {
		t.Fatalf("unexpected expiry seconds: %d", expiresIn)
	}

	identity, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if identity.Subject != "user-1" || identity.Guest {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestGuestTokenCarriesGuestIdentity(t *testing.T) {
	now := testEpoch
	issuer := newTestIssuer(&now)

	issued, token, _, err := issuer.IssueGuestToken()
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if !strings.HasPrefix(issued.Subject, "guest:") {
		t.Fatalf("expected guest subject prefix, got %q", issued.Subject)
	}
	if !issued.Guest {
		t.Fatalf("expected guest flag on issued identity")
	}

	identity, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if identity != issued {
		t.Fatalf("expected validated identity %+v, got %+v", issued, identity)
	}

	other, _, _, err := issuer.IssueGuestToken()
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if other.Subject == issued.Subject {
		t.Fatalf("expected each guest grant to mint a fresh subject")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	now := testEpoch
	issuer := newTestIssuer(&now)

	token, _, err := issuer.IssueToken(Identity{Subject: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = testEpoch.Add(13 * time.Hour)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	now := testEpoch
	issuer := newTestIssuer(&now)
	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("a-different-secret"),
		Issuer:        "pushit-auth",
		Audience:      "pushit-api",
		Clock:         func() time.Time { return now },
	})

	token, _, err := foreign.IssueToken(Identity{Subject: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected foreign signature to be rejected")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	now := testEpoch
	issuer := newTestIssuer(&now)
	otherAudience := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "pushit-auth",
		Audience:      "another-service",
		Clock:         func() time.Time { return now },
	})

	token, _, err := otherAudience.IssueToken(Identity{Subject: "user-1"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected audience mismatch to be rejected")
	}
}

func TestIssueRequiresSubjectAndSecret(t *testing.T) {
	now := testEpoch
	issuer := newTestIssuer(&now)
	if _, _, err := issuer.IssueToken(Identity{}); err == nil {
		t.Fatalf("expected missing subject to be rejected")
	}

	unsigned := NewTokenIssuer(TokenIssuerConfig{Issuer: "pushit-auth", Audience: "pushit-api"})
	if _, _, err := unsigned.IssueToken(Identity{Subject: "user-1"}); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
}
