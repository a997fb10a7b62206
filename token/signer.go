// Package token issues and validates the signed, short-lived access tokens
// that carry a customer's identity between requests.
//
// Tokens are HS256 JWTs. The signing secret comes from a pluggable
// [KeyProvider]; the kid header selects the verification key so providers
// can rotate keys without invalidating in-flight tokens. Validation checks
// signature, issuer, audience, and expiry (with bounded leeway) before a
// single claim is surfaced to the caller.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned by Validate for every rejection: bad
// signature, wrong issuer or audience, expiry, malformed input. Callers get
// no detail about which check failed.
var ErrInvalidToken = errors.New("token: invalid or expired")

const maxLeeway = 2 * time.Minute

// Claims is the validated claim set of an access token. TenantID and Roles
// ride alongside the registered claims; Subject is the account id.
type Claims struct {
	TenantID string   `json:"tid"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Config controls issuance and validation.
type Config struct {
	Issuer    string
	Audience  string
	AccessTTL time.Duration // default lifetime for issued tokens
	Leeway    time.Duration // clock-skew tolerance, capped at 2 minutes
}

// Signer issues and validates access tokens. Immutable after construction
// and safe for concurrent use.
type Signer struct {
	config Config
	keys   KeyProvider
}

// NewSigner validates the configuration and binds the key provider.
func NewSigner(cfg Config, keys KeyProvider) (*Signer, error) {
	if keys == nil {
		return nil, errors.New("token: key provider required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token: issuer and audience required")
	}
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("token: access TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, errors.New("token: leeway must be within [0, 2m]")
	}
	return &Signer{config: cfg, keys: keys}, nil
}

// Issue signs a token for the given account. ttl <= 0 uses the configured
// default. Every issuance gets a unique jti.
func (s *Signer) Issue(tenantID, accountID string, roles []string, ttl time.Duration) (string, time.Time, error) {
	if accountID == "" {
		return "", time.Time{}, errors.New("token: account id required")
	}
	if ttl <= 0 {
		ttl = s.config.AccessTTL
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		TenantID: tenantID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	kid, key, err := s.keys.SigningKey()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: signing key: %w", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks signature, issuer, audience, and expiry. On any failure it
// returns ErrInvalidToken and no claims.
func (s *Signer) Validate(signed string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience),
		jwt.WithExpirationRequired(),
	}
	if s.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(s.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(signed, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return s.keys.VerifyingKey(kid)
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
