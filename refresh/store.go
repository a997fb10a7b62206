// Package refresh manages opaque rotating refresh tokens.
//
// A raw token is 48 random bytes (a 16-byte token id followed by a 32-byte
// secret) encoded base64url. The store never persists the raw token; it keys
// records by the SHA-256 of the full raw string, so a dump of the backend
// yields nothing redeemable.
//
// Redemption is at-most-once. Redeem atomically revokes the presented token
// and issues its successor; the revoked record is retained until its original
// expiry so that a second presentation is recognized as reuse. Reuse is the
// theft signal: the caller is expected to revoke every outstanding token for
// the account.
package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrTokenInvalid covers every unredeemable presentation: unknown, expired,
// or structurally malformed tokens. Callers get no detail about which.
var ErrTokenInvalid = errors.New("refresh: invalid or expired token")

// ErrReuseDetected is returned when a token that was already rotated or
// revoked is presented again.
var ErrReuseDetected = errors.New("refresh: token reuse detected")

// ErrBackendUnavailable wraps backend transport failures.
var ErrBackendUnavailable = errors.New("refresh: backend unavailable")

// ReuseError carries the account whose token was replayed so the caller can
// revoke the rest of the lineage. It matches ErrReuseDetected under errors.Is.
type ReuseError struct {
	AccountID string
}

func (e *ReuseError) Error() string {
	return ErrReuseDetected.Error()
}

func (e *ReuseError) Is(target error) bool {
	return target == ErrReuseDetected
}

const (
	tokenIDBytes     = 16
	tokenSecretBytes = 32
	rawTokenBytes    = tokenIDBytes + tokenSecretBytes
)

// Record is the stored state of a single refresh token.
type Record struct {
	ID         string
	AccountID  string
	TenantID   string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  time.Time // zero while the token is redeemable
	ReplacedBy string    // id of the successor token, set on rotation
}

// Revoked reports whether the record has been rotated or explicitly revoked.
func (r Record) Revoked() bool {
	return !r.RevokedAt.IsZero()
}

// Rotation is the result of a successful Redeem: the identity bound to the
// redeemed token plus its freshly issued successor.
type Rotation struct {
	AccountID string
	TenantID  string
	Token     string // raw successor token, shown to the caller once
	ExpiresAt time.Time
}

// Store issues, redeems, and revokes refresh tokens for one backend.
type Store interface {
	// Issue mints a raw token for the account and persists its record with
	// the given lifetime. The raw token is returned exactly once.
	Issue(ctx context.Context, tenantID, accountID string, ttl time.Duration) (string, error)

	// Redeem validates the raw token and, in the same atomic step, revokes
	// it and issues a successor with the given lifetime. A replayed token
	// yields a *ReuseError; anything else unredeemable yields
	// ErrTokenInvalid.
	Redeem(ctx context.Context, tenantID, raw string, ttl time.Duration) (*Rotation, error)

	// Revoke marks a single token unusable. Revoking an unknown or expired
	// token returns ErrTokenInvalid; revoking twice is not an error.
	Revoke(ctx context.Context, tenantID, raw string) error

	// RevokeAll revokes every outstanding token for an account and returns
	// how many were revoked.
	RevokeAll(ctx context.Context, tenantID, accountID string) (int, error)

	// Active returns the number of currently redeemable tokens for an
	// account.
	Active(ctx context.Context, tenantID, accountID string) (int, error)
}

// newRawToken draws a fresh raw token and returns it with its token id.
func newRawToken() (raw, id string, err error) {
	buf := make([]byte, rawTokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), hex.EncodeToString(buf[:tokenIDBytes]), nil
}

// hashToken maps a raw token to its storage key digest.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// checkRawToken rejects tokens that cannot possibly exist in the store
// before any backend round trip.
func checkRawToken(raw string) error {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(decoded) != rawTokenBytes {
		return ErrTokenInvalid
	}
	return nil
}

const recordSchemaVersion = "1"

const (
	statusValid   = "V"
	statusRevoked = "R"
)

// encodeRecord renders a record as the pipe-delimited text form the Lua
// scripts parse in place. Field order is fixed; empty ReplacedBy is "-".
func encodeRecord(r Record) string {
	status := statusValid
	revokedAt := "0"
	if r.Revoked() {
		status = statusRevoked
		revokedAt = strconv.FormatInt(r.RevokedAt.Unix(), 10)
	}
	replacedBy := r.ReplacedBy
	if replacedBy == "" {
		replacedBy = "-"
	}
	return strings.Join([]string{
		recordSchemaVersion,
		status,
		r.ID,
		r.AccountID,
		r.TenantID,
		strconv.FormatInt(r.CreatedAt.Unix(), 10),
		strconv.FormatInt(r.ExpiresAt.Unix(), 10),
		revokedAt,
		replacedBy,
	}, "|")
}

func parseRecord(encoded string) (Record, error) {
	fields := strings.Split(encoded, "|")
	if len(fields) != 9 || fields[0] != recordSchemaVersion {
		return Record{}, errors.New("refresh: corrupt record")
	}
	if fields[1] != statusValid && fields[1] != statusRevoked {
		return Record{}, errors.New("refresh: corrupt record status")
	}

	createdAt, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("refresh: corrupt created timestamp: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("refresh: corrupt expiry timestamp: %w", err)
	}
	revokedAt, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("refresh: corrupt revocation timestamp: %w", err)
	}

	out := Record{
		ID:        fields[2],
		AccountID: fields[3],
		TenantID:  fields[4],
		CreatedAt: time.Unix(createdAt, 0).UTC(),
		ExpiresAt: time.Unix(expiresAt, 0).UTC(),
	}
	if fields[1] == statusRevoked {
		out.RevokedAt = time.Unix(revokedAt, 0).UTC()
	}
	if fields[8] != "-" {
		out.ReplacedBy = fields[8]
	}
	return out, nil
}
