package authkit

import (
	"errors"
	"strings"
	"time"

	"github.com/cwhitfield/authkit/password"
)

// Config holds every tunable of the engine. Start from [DefaultConfig]
// and override what you need; Build rejects anything [Config.Validate]
// does.
type Config struct {
	Token    TokenConfig
	Refresh  RefreshConfig
	Password PasswordConfig
	TOTP     TOTPConfig
	Lockout  LockoutConfig
	Account  AccountConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

// TokenConfig controls access-token issuance.
type TokenConfig struct {
	Issuer    string
	Audience  string
	AccessTTL time.Duration
	Leeway    time.Duration // clock-skew tolerance during validation
}

// RefreshConfig controls refresh-token lifetime and storage layout.
type RefreshConfig struct {
	TTL         time.Duration
	RedisPrefix string
}

// PasswordConfig carries the argon2id cost parameters. Memory is in KiB.
// UpgradeOnLogin rehashes stored digests derived with weaker parameters on
// the next successful login.
type PasswordConfig struct {
	Memory         uint32
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

// TOTPConfig controls the second factor. Skew is the number of time steps
// accepted on each side of the current one.
type TOTPConfig struct {
	Issuer       string
	Digits       int
	Period       int // seconds per time step
	Skew         int
	Algorithm    string // SHA1 (default), SHA256, SHA512
	ChallengeTTL time.Duration
	MaxAttempts  int
}

// LockoutConfig controls the failed-login lockout policy.
type LockoutConfig struct {
	Threshold int           // consecutive failures before a lockout
	Duration  time.Duration // how long a lockout holds
}

// AccountConfig controls registration.
type AccountConfig struct {
	DefaultRoles      []string
	MinPasswordLength int
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// BlockWhenFull makes Emit wait for queue space instead of shedding
	// events. Leave it off on interactive login paths.
	BlockWhenFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig is the production baseline.
func DefaultConfig() Config {
	params := password.DefaultParams()
	return Config{
		Token: TokenConfig{
			Issuer:    "authkit",
			Audience:  "authkit-clients",
			AccessTTL: 15 * time.Minute,
		},
		Refresh: RefreshConfig{
			TTL:         7 * 24 * time.Hour,
			RedisPrefix: "rt",
		},
		Password: PasswordConfig{
			Memory:         params.Memory,
			Time:           params.Time,
			Parallelism:    params.Parallelism,
			SaltLength:     params.SaltLength,
			KeyLength:      params.KeyLength,
			UpgradeOnLogin: true,
		},
		TOTP: TOTPConfig{
			Issuer:       "authkit",
			Digits:       6,
			Period:       30,
			Skew:         1,
			Algorithm:    "SHA1",
			ChallengeTTL: 5 * time.Minute,
			MaxAttempts:  5,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  15 * time.Minute,
		},
		Account: AccountConfig{
			DefaultRoles:      []string{"customer"},
			MinPasswordLength: 8,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate rejects configurations the engine cannot run safely with.
func (c Config) Validate() error {
	if c.Token.Issuer == "" || c.Token.Audience == "" {
		return errors.New("token issuer and audience required")
	}
	if c.Token.AccessTTL <= 0 {
		return errors.New("access TTL must be positive")
	}
	if c.Refresh.TTL <= c.Token.AccessTTL {
		return errors.New("refresh TTL must exceed access TTL")
	}
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 8 {
		return errors.New("totp digits must be 6-8")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("totp period must be positive")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("totp skew must be 0-2")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("unsupported totp algorithm")
	}
	if c.TOTP.ChallengeTTL <= 0 {
		return errors.New("totp challenge TTL must be positive")
	}
	if c.TOTP.MaxAttempts <= 0 {
		return errors.New("totp max attempts must be positive")
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("lockout threshold must be positive")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("lockout duration must be positive")
	}
	if len(c.Account.DefaultRoles) == 0 {
		return errors.New("at least one default role required")
	}
	if c.Account.MinPasswordLength < 8 {
		return errors.New("minimum password length must be >= 8")
	}
	return nil
}

func cloneConfig(c Config) Config {
	out := c
	out.Account.DefaultRoles = append([]string(nil), c.Account.DefaultRoles...)
	return out
}
