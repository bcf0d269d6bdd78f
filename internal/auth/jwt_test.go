package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueValidateRoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	pair, err := m.Issue(OperatorClaims{Subject: "operator", Role: "admin"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.TokenType != "Bearer" {
		t.Errorf("token type = %q", pair.TokenType)
	}
	if pair.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", pair.ExpiresIn)
	}

	claims, err := m.Validate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "operator" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateDefaultTTL(t *testing.T) {
	m := NewJWTManager("test-secret", 0)
	pair, err := m.Issue(OperatorClaims{Subject: "operator"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := int64((12 * time.Hour).Seconds()); pair.ExpiresIn != want {
		t.Errorf("expires_in = %d, want default %d", pair.ExpiresIn, want)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	issuer := NewJWTManager("secret-a", time.Hour)
	verifier := NewJWTManager("secret-b", time.Hour)

	pair, err := issuer.Issue(OperatorClaims{Subject: "operator"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.Validate(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateExpired(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute)
	// A negative ttl falls back to the default, so sign one manually short.
	short := &JWTManager{secret: []byte("test-secret"), ttl: -time.Minute}
	pair, err := short.Issue(OperatorClaims{Subject: "operator"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Validate(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateGarbage(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	for _, tok := range []string{"", "not-a-token", "aa.bb.cc"} {
		if _, err := m.Validate(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Validate(%q) err = %v, want ErrInvalidToken", tok, err)
		}
	}
}
