package authkit

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cwhitfield/authkit/password"
	"github.com/cwhitfield/authkit/refresh"
	"github.com/cwhitfield/authkit/token"
)

// Builder assembles an [Engine]. Configure it fluently, then call Build
// once; a builder cannot be reused.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	accounts     AccountRepository
	keys         token.KeyProvider
	signingKid   string
	signingKey   []byte
	refreshStore refresh.Store
	auditSink    AuditSink
	logger       zerolog.Logger
	loggerSet    bool

	built bool
}

// New starts a builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis backs refresh tokens and MFA challenges with Redis. Without
// it, Build falls back to process-local stores suitable only for
// single-node deployments and tests.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAccounts sets the account repository. Required.
func (b *Builder) WithAccounts(repo AccountRepository) *Builder {
	b.accounts = repo
	return b
}

// WithSigningSecret configures a static HS256 signing key under the given
// key id. Mutually exclusive with WithKeyProvider.
func (b *Builder) WithSigningSecret(kid string, secret []byte) *Builder {
	b.signingKid = kid
	b.signingKey = append([]byte(nil), secret...)
	return b
}

// WithKeyProvider supplies signing key material, enabling key rotation or
// external key management.
func (b *Builder) WithKeyProvider(keys token.KeyProvider) *Builder {
	b.keys = keys
	return b
}

// WithRefreshStore overrides the refresh-token store chosen by Build.
func (b *Builder) WithRefreshStore(store refresh.Store) *Builder {
	b.refreshStore = store
	return b
}

// WithAuditSink routes audit events to the given sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the engine logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	b.loggerSet = true
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the validate-latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, wires every component, and returns a
// ready engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.accounts == nil {
		return nil, errors.New("account repository required")
	}

	keys := b.keys
	if keys == nil {
		if len(b.signingKey) == 0 {
			return nil, errors.New("signing key required: use WithSigningSecret or WithKeyProvider")
		}
		provider, err := token.NewStaticKeyProvider(b.signingKid, b.signingKey)
		if err != nil {
			return nil, err
		}
		keys = provider
	} else if len(b.signingKey) != 0 {
		return nil, errors.New("WithSigningSecret and WithKeyProvider are mutually exclusive")
	}

	signer, err := token.NewSigner(token.Config{
		Issuer:    cfg.Token.Issuer,
		Audience:  cfg.Token.Audience,
		AccessTTL: cfg.Token.AccessTTL,
		Leeway:    cfg.Token.Leeway,
	}, keys)
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Params{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	totp, err := newTOTPManager(cfg.TOTP)
	if err != nil {
		return nil, err
	}

	refreshStore := b.refreshStore
	var challenges challengeStore
	switch {
	case b.redis != nil:
		if refreshStore == nil {
			refreshStore = refresh.NewRedisStore(b.redis, cfg.Refresh.RedisPrefix)
		}
		challenges = newRedisChallengeStore(b.redis)
	default:
		if refreshStore == nil {
			refreshStore = refresh.NewMemoryStore()
		}
		challenges = newMemoryChallengeStore()
	}

	logger := b.logger
	if !b.loggerSet {
		logger = zerolog.Nop()
	}

	engine := &Engine{
		config:     cfg,
		accounts:   b.accounts,
		hasher:     hasher,
		signer:     signer,
		refresh:    refreshStore,
		challenges: challenges,
		totp:       totp,
		audit:      newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:    NewMetrics(cfg.Metrics),
		logger:     logger,
	}

	b.built = true

	return engine, nil
}
