// Package identity defines the caller-identity contract consumed by the
// admission path.
//
// DESIGN: The pipeline never sees raw secrets. The presented bearer value is
// reduced to a one-way SHA-256 fingerprint at the edge; lookups, caching and
// logging all use the fingerprint. Records are immutable cached copies owned
// by the external directory service.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by a Directory when no credential matches the
// fingerprint.
var ErrNotFound = errors.New("credential not found")

// CredentialRecord is the cached view of one caller credential.
type CredentialRecord struct {
	// Fingerprint is the one-way hash of the presented secret.
	Fingerprint  string    `json:"fingerprint"`
	CredentialID string    `json:"credential_id"`
	OrgID        string    `json:"org_id"`
	UserID       string    `json:"user_id"`
	Revoked      bool      `json:"revoked"`
	LastSeen     time.Time `json:"last_seen"`
}

// Directory is the identity service consumed by the gateway.
type Directory interface {
	// Validate resolves a credential fingerprint to its record.
	// Returns ErrNotFound when the fingerprint is unknown.
	Validate(ctx context.Context, fingerprint string) (*CredentialRecord, error)

	// TouchLastUsed updates the record's last-used marker. Called
	// fire-and-forget off the request path; failures are logged, not
	// surfaced.
	TouchLastUsed(ctx context.Context, credentialID string) error
}

// Fingerprint derives the lookup key from a presented secret.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
