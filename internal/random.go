// Package internal holds small helpers shared across authkit packages.
package internal

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// ChallengeRef is the opaque identifier handed to callers mid-login while
// an MFA challenge is pending.
type ChallengeRef [16]byte

// NewChallengeRef draws a random reference.
func NewChallengeRef() (ChallengeRef, error) {
	var ref ChallengeRef
	_, err := rand.Read(ref[:])
	return ref, err
}

func (r ChallengeRef) String() string {
	return base64.RawURLEncoding.EncodeToString(r[:])
}

// ParseChallengeRef validates the textual form before any store lookup.
func ParseChallengeRef(ref string) (ChallengeRef, error) {
	var out ChallengeRef

	raw, err := base64.RawURLEncoding.DecodeString(ref)
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, errors.New("invalid challenge ref size")
	}

	copy(out[:], raw)
	return out, nil
}
