// Package security guards the worker channel: a shared-secret token every
// control connection must present, plus an optional JWT handshake for
// deployments where the worker runs out of process from the orchestrator.
package security

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned by Verify and VerifyJWT for any token that
// fails verification. It carries no detail: a rejected connection learns
// nothing about why.
var ErrInvalidToken = errors.New("security: invalid worker token")

// TokenHeader is the HTTP header a worker-channel connection must carry.
const TokenHeader = "X-Worker-Token"

// Guard verifies worker-channel connections against a shared secret, and
// can optionally mint/verify short-lived JWTs for deployments that front a
// remote worker rather than trusting a static token on every call.
type Guard struct {
	tokenHash []byte
	jwtSecret []byte
}

// NewGuard hashes rawToken with bcrypt so the secret is never held in
// memory in plaintext for the Guard's lifetime.
func NewGuard(rawToken, jwtSecret string) (*Guard, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &Guard{tokenHash: hash, jwtSecret: []byte(jwtSecret)}, nil
}

// Verify checks candidate against the configured worker token.
func (g *Guard) Verify(candidate string) error {
	if candidate == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(g.tokenHash, []byte(candidate)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// VerifyRequest extracts TokenHeader from r and verifies it, closing over
// Verify so HTTP and WebSocket upgrade handlers share one check.
func (g *Guard) VerifyRequest(r *http.Request) error {
	return g.Verify(r.Header.Get(TokenHeader))
}

// workerClaims is the JWT payload minted for an authenticated worker
// session, scoping the token to a short lifetime rather than reusing the
// static shared secret on every request.
type workerClaims struct {
	jwt.RegisteredClaims
}

// IssueJWT mints a short-lived token for a worker that has already
// presented a valid shared-secret token once, so subsequent calls need not
// transmit the long-lived secret again.
func (g *Guard) IssueJWT(workerID string, ttl time.Duration) (string, error) {
	claims := workerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.jwtSecret)
}

// VerifyJWT validates a token minted by IssueJWT and returns its subject
// (worker ID).
func (g *Guard) VerifyJWT(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &workerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return g.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*workerClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ConstantTimeEqual compares two strings in constant time, for a caller
// that already holds a plaintext secret and for which bcrypt's salted
// hashing would be the wrong tool.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
