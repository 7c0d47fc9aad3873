package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"time"
)

type (
	// TokenStatus is the lifecycle state of a resume token
	TokenStatus string

	// ResumeToken is an opaque one-shot authorization bound to an
	// execution and step. The token string is crypto-random and compared
	// in constant time; revocation is server-side
	ResumeToken struct {
		ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
		UsedAt      *time.Time  `json:"used_at,omitempty"`
		Metadata    Metadata    `json:"metadata,omitempty"`
		Token       string      `json:"token"`
		ExecutionID ExecutionID `json:"execution_id"`
		StepID      StepID      `json:"step_id"`
		Status      TokenStatus `json:"status"`
		CreatedAt   time.Time   `json:"created_at"`
	}
)

const (
	TokenActive  TokenStatus = "active"
	TokenUsed    TokenStatus = "used"
	TokenExpired TokenStatus = "expired"
	TokenRevoked TokenStatus = "revoked"
)

// tokenBytes yields 256 bits of entropy per token
const tokenBytes = 32

// NewTokenString generates a URL-safe token value from a cryptographically
// secure source
func NewTokenString() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// TokensEqual compares two token strings in constant time
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsExpired reports whether the token's expiry has elapsed as of now
func (t *ResumeToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}
