package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyAcceptsCorrectToken(t *testing.T) {
	g, err := NewGuard("s3cr3t", "jwt-signing-key")
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if err := g.Verify("s3cr3t"); err != nil {
		t.Fatalf("Verify: expected success, got %v", err)
	}
}

func TestVerifyRejectsWrongOrEmptyToken(t *testing.T) {
	g, err := NewGuard("s3cr3t", "jwt-signing-key")
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	if err := g.Verify("wrong"); err != ErrInvalidToken {
		t.Fatalf("Verify(wrong): expected ErrInvalidToken, got %v", err)
	}
	if err := g.Verify(""); err != ErrInvalidToken {
		t.Fatalf("Verify(empty): expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRequestReadsHeader(t *testing.T) {
	g, _ := NewGuard("s3cr3t", "jwt-signing-key")
	req := httptest.NewRequest(http.MethodGet, "/worker", nil)
	req.Header.Set(TokenHeader, "s3cr3t")
	if err := g.VerifyRequest(req); err != nil {
		t.Fatalf("VerifyRequest: expected success, got %v", err)
	}
}

func TestIssueAndVerifyJWTRoundTrips(t *testing.T) {
	g, _ := NewGuard("s3cr3t", "jwt-signing-key")
	token, err := g.IssueJWT("worker-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	subject, err := g.VerifyJWT(token)
	if err != nil {
		t.Fatalf("VerifyJWT: %v", err)
	}
	if subject != "worker-1" {
		t.Fatalf("subject = %q, want worker-1", subject)
	}
}

func TestVerifyJWTRejectsExpiredToken(t *testing.T) {
	g, _ := NewGuard("s3cr3t", "jwt-signing-key")
	token, err := g.IssueJWT("worker-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if _, err := g.VerifyJWT(token); err != ErrInvalidToken {
		t.Fatalf("VerifyJWT(expired): expected ErrInvalidToken, got %v", err)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("abc", "abc") {
		t.Fatal("expected equal strings to match")
	}
	if ConstantTimeEqual("abc", "abd") {
		t.Fatal("expected differing strings not to match")
	}
}
