package token

import (
	"errors"
	"sync"
	"time"
)

// ErrUnknownKey is returned when a token names a key id the provider no
// longer serves.
var ErrUnknownKey = errors.New("token: unknown key id")

// KeyProvider supplies signing key material. The default implementations are
// symmetric; callers integrating an external KMS implement this interface
// and hand it to the builder without touching the signer.
type KeyProvider interface {
	// SigningKey returns the key used for new tokens.
	SigningKey() (kid string, key []byte, err error)
	// VerifyingKey resolves the key for a token's kid header. Rotating
	// providers keep serving prior keys for a grace window so tokens
	// issued just before a rotation still validate.
	VerifyingKey(kid string) ([]byte, error)
}

// StaticKeyProvider serves a single symmetric secret under a fixed key id.
type StaticKeyProvider struct {
	kid string
	key []byte
}

// NewStaticKeyProvider wraps a symmetric secret. The secret must be at
// least 32 bytes.
func NewStaticKeyProvider(kid string, secret []byte) (*StaticKeyProvider, error) {
	if kid == "" {
		return nil, errors.New("token: key id required")
	}
	if len(secret) < 32 {
		return nil, errors.New("token: signing secret must be >= 32 bytes")
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	return &StaticKeyProvider{kid: kid, key: out}, nil
}

func (p *StaticKeyProvider) SigningKey() (string, []byte, error) {
	return p.kid, p.key, nil
}

func (p *StaticKeyProvider) VerifyingKey(kid string) ([]byte, error) {
	if kid != p.kid {
		return nil, ErrUnknownKey
	}
	return p.key, nil
}

type retiredKey struct {
	key     []byte
	expires time.Time
}

// RotatingKeyProvider serves a current symmetric key and keeps retired keys
// verifiable for a grace window after rotation. Safe for concurrent use.
type RotatingKeyProvider struct {
	mu      sync.RWMutex
	kid     string
	key     []byte
	retired map[string]retiredKey
	grace   time.Duration
	now     func() time.Time
}

// NewRotatingKeyProvider starts with the given key. grace bounds how long a
// retired key keeps validating after Rotate.
func NewRotatingKeyProvider(kid string, secret []byte, grace time.Duration) (*RotatingKeyProvider, error) {
	if kid == "" {
		return nil, errors.New("token: key id required")
	}
	if len(secret) < 32 {
		return nil, errors.New("token: signing secret must be >= 32 bytes")
	}
	if grace < 0 {
		return nil, errors.New("token: negative rotation grace")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &RotatingKeyProvider{
		kid:     kid,
		key:     key,
		retired: map[string]retiredKey{},
		grace:   grace,
		now:     time.Now,
	}, nil
}

// Rotate installs a new current key and retires the previous one.
func (p *RotatingKeyProvider) Rotate(kid string, secret []byte) error {
	if kid == "" {
		return errors.New("token: key id required")
	}
	if len(secret) < 32 {
		return errors.New("token: signing secret must be >= 32 bytes")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if kid == p.kid {
		return errors.New("token: rotated key id must differ from current")
	}
	if p.grace > 0 {
		p.retired[p.kid] = retiredKey{key: p.key, expires: p.now().Add(p.grace)}
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	p.kid = kid
	p.key = key
	return nil
}

func (p *RotatingKeyProvider) SigningKey() (string, []byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.kid, p.key, nil
}

func (p *RotatingKeyProvider) VerifyingKey(kid string) ([]byte, error) {
	p.mu.RLock()
	if kid == p.kid {
		key := p.key
		p.mu.RUnlock()
		return key, nil
	}
	entry, ok := p.retired[kid]
	p.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownKey
	}
	if p.now().After(entry.expires) {
		p.mu.Lock()
		delete(p.retired, kid)
		p.mu.Unlock()
		return nil, ErrUnknownKey
	}
	return entry.key, nil
}
