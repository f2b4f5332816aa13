package access

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcuslabs/arcusgw/internal/types"
)

// Pairing request lifecycle. Requests only move forward; a resolved
// request never returns to pending.
const (
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusDenied     = "denied"
	StatusExpired    = "expired"
	StatusSuperseded = "superseded"
)

// codeAlphabet omits characters that read ambiguously when a code is
// relayed over voice or handwriting (0/O, 1/I/L)
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// PairingRequest tracks one sender's attempt to gain access
type PairingRequest struct {
	ID        string
	Alias     types.Alias
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Status    string
	Approver  string
}

// Expired reports whether the request's TTL has lapsed at t
func (r *PairingRequest) Expired(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// generateCode returns a random code from the unambiguous alphabet
func generateCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}

// newRequest issues a fresh pending request for alias.
// Caller holds the controller lock and guarantees code uniqueness.
func newRequest(alias types.Alias, code string, now time.Time, ttl time.Duration) *PairingRequest {
	return &PairingRequest{
		ID:        uuid.NewString(),
		Alias:     alias,
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Status:    StatusPending,
	}
}
