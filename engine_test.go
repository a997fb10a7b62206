package authkit

import (
	"context"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memAccounts is an AccountRepository over maps with the same optimistic
// concurrency contract a SQL implementation would have. failReads injects
// transient backend failures for the retry paths.
type memAccounts struct {
	mu        sync.Mutex
	byID      map[string]*Account
	byEmail   map[string]string
	failReads int
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		byID:    map[string]*Account{},
		byEmail: map[string]string{},
	}
}

func accountKey(tenantID, id string) string {
	return tenantID + "/" + id
}

func (m *memAccounts) failNextReads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = n
}

func (m *memAccounts) readFailure() error {
	if m.failReads > 0 {
		m.failReads--
		return fmt.Errorf("%w: injected", ErrStoreUnavailable)
	}
	return nil
}

func (m *memAccounts) GetByEmail(_ context.Context, tenantID, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.readFailure(); err != nil {
		return nil, err
	}
	id, ok := m.byEmail[accountKey(tenantID, strings.ToLower(email))]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *m.byID[accountKey(tenantID, id)]
	return &copied, nil
}

func (m *memAccounts) GetByID(_ context.Context, tenantID, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.readFailure(); err != nil {
		return nil, err
	}
	account, ok := m.byID[accountKey(tenantID, id)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (m *memAccounts) Create(_ context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	emailKey := accountKey(account.TenantID, strings.ToLower(account.Email))
	if _, ok := m.byEmail[emailKey]; ok {
		return ErrAccountExists
	}
	copied := *account
	m.byID[accountKey(account.TenantID, account.ID)] = &copied
	m.byEmail[emailKey] = account.ID
	return nil
}

func (m *memAccounts) Update(_ context.Context, account *Account, expectedVersion uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := accountKey(account.TenantID, account.ID)
	stored, ok := m.byID[key]
	if !ok {
		return ErrAccountNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	copied := *account
	copied.Version = expectedVersion + 1
	m.byID[key] = &copied
	return nil
}

func (m *memAccounts) get(t *testing.T, tenantID, id string) *Account {
	t.Helper()
	account, err := m.GetByID(context.Background(), tenantID, id)
	require.NoError(t, err)
	return account
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Lockout.Threshold = 3
	cfg.Lockout.Duration = 50 * time.Millisecond
	cfg.TOTP.MaxAttempts = 3
	cfg.Audit.Enabled = false
	return cfg
}

type engineFixture struct {
	engine   *Engine
	accounts *memAccounts
	redis    *miniredis.Miniredis
}

func newTestEngine(t *testing.T, cfg Config) *engineFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	accounts := newMemAccounts()
	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithAccounts(accounts).
		WithSigningSecret("k1", []byte("0123456789abcdef0123456789abcdef")).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &engineFixture{engine: engine, accounts: accounts, redis: mr}
}

func (f *engineFixture) register(t *testing.T, email, secret string) *AccountInfo {
	t.Helper()
	info, err := f.engine.Register(context.Background(), RegisterInput{
		Email:       email,
		Password:    secret,
		DisplayName: "Test User",
	})
	require.NoError(t, err)
	return info
}

func TestRegisterAndLogin(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "Alice@Example.com", "correct horse battery")
	assert.Equal(t, "alice@example.com", info.Email)
	assert.Equal(t, []string{"customer"}, info.Roles)
	assert.True(t, info.Active)
	assert.Equal(t, DefaultTenantID, info.TenantID)

	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.False(t, result.MFARequired)

	claims, err := f.engine.Validate(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, info.ID, claims.Subject)
	assert.Equal(t, DefaultTenantID, claims.TenantID)
	assert.Equal(t, []string{"customer"}, claims.Roles)

	stored := f.accounts.get(t, DefaultTenantID, info.ID)
	assert.False(t, stored.LastLoginAt.IsZero())
	assert.NotEqual(t, "correct horse battery", stored.PasswordHash)
}

func TestRegisterValidation(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	cases := []RegisterInput{
		{Email: "", Password: "long enough pass"},
		{Email: "not-an-email", Password: "long enough pass"},
		{Email: "a@b", Password: "long enough pass"},
		{Email: "alice@example.com", Password: "short"},
	}
	for i, input := range cases {
		_, err := f.engine.Register(ctx, input)
		assert.ErrorIs(t, err, ErrInvalidPayload, "case %d", i)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	f.register(t, "alice@example.com", "correct horse battery")
	_, err := f.engine.Register(ctx, RegisterInput{
		Email:    "ALICE@example.com",
		Password: "another password!",
	})
	assert.ErrorIs(t, err, ErrAccountExists)

	// Same email in a different tenant is a different account.
	_, err = f.engine.Register(WithTenantID(ctx, "t2"), RegisterInput{
		Email:    "alice@example.com",
		Password: "another password!",
	})
	assert.NoError(t, err)
}

func TestLoginMergesFailureCauses(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")

	_, err := f.engine.Login(ctx, "nobody@example.com", "whatever secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.engine.Login(ctx, "alice@example.com", "wrong password!!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.engine.DeactivateAccount(ctx, info.ID))
	_, err = f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginLockout(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	f.register(t, "alice@example.com", "correct horse battery")

	for i := 0; i < 3; i++ {
		_, err := f.engine.Login(ctx, "alice@example.com", "wrong password!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Threshold reached: even the right password is refused while the
	// lockout holds.
	_, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	assert.ErrorIs(t, err, ErrAccountLocked)

	time.Sleep(60 * time.Millisecond)

	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
}

func TestLoginSuccessResetsFailureCounter(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")

	for i := 0; i < 2; i++ {
		_, err := f.engine.Login(ctx, "alice@example.com", "wrong password!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
	assert.Zero(t, f.accounts.get(t, DefaultTenantID, info.ID).FailedLogins)

	// The counter starts over: two more failures stay short of the
	// threshold.
	for i := 0; i < 2; i++ {
		_, err := f.engine.Login(ctx, "alice@example.com", "wrong password!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	assert.NoError(t, err)
}

func TestLoginRetriesTransientReadFailures(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	f.register(t, "alice@example.com", "correct horse battery")
	f.accounts.failNextReads(2)

	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
}

func TestRefreshRotationAndReuseDetection(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	login, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)

	first, err := f.engine.Refresh(ctx, login.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, first.AccessToken)
	assert.NotEqual(t, login.RefreshToken, first.RefreshToken)

	// Replaying the consumed token is the theft signal: the whole
	// lineage is revoked.
	_, err = f.engine.Refresh(ctx, login.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	_, err = f.engine.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	active, err := f.engine.ActiveSessions(ctx, info.ID)
	require.NoError(t, err)
	assert.Zero(t, active)

	snapshot := f.engine.MetricsSnapshot()
	assert.NotZero(t, snapshot.Counters[MetricRefreshReuseDetected])
}

func TestRefreshRejectsGarbageTokens(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	for _, raw := range []string{"garbage", "AAAA", strings.Repeat("A", 64)} {
		_, err := f.engine.Refresh(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken, "raw %q", raw)
	}
	_, err := f.engine.Refresh(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRefreshExpiredToken(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	f.register(t, "alice@example.com", "correct horse battery")
	login, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)

	f.redis.FastForward(8 * 24 * time.Hour)

	_, err = f.engine.Refresh(ctx, login.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestLogout(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	f.register(t, "alice@example.com", "correct horse battery")
	login, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)

	require.NoError(t, f.engine.Logout(ctx, login.RefreshToken))

	// The revoked token can no longer be redeemed.
	_, err = f.engine.Refresh(ctx, login.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	// The access token rides out its own lifetime.
	_, err = f.engine.Validate(login.AccessToken)
	assert.NoError(t, err)

	assert.ErrorIs(t, f.engine.Logout(ctx, "unknown-token"), ErrInvalidOrExpiredToken)
}

func TestRevokeAllSessions(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")

	tokens := make([]string, 3)
	for i := range tokens {
		login, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
		require.NoError(t, err)
		tokens[i] = login.RefreshToken
	}

	revoked, err := f.engine.RevokeAllSessions(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, revoked)

	for _, raw := range tokens {
		_, err := f.engine.Refresh(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	}
}

func TestValidateRejectsForgedToken(t *testing.T) {
	f := newTestEngine(t, testConfig())

	_, err := f.engine.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	snapshot := f.engine.MetricsSnapshot()
	assert.NotZero(t, snapshot.Counters[MetricTokenRejected])
}

func TestAccountFromToken(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	login, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)

	got, err := f.engine.AccountFromToken(ctx, login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.False(t, got.LastLoginAt.IsZero())
}

func TestDeactivateAccountEndsSessions(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	login, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)

	require.NoError(t, f.engine.DeactivateAccount(ctx, info.ID))

	_, err = f.engine.Refresh(ctx, login.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	_, err = f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	f := newTestEngine(t, testConfig())
	f.engine.Close()

	_, err := f.engine.Login(context.Background(), "a@b.co", "some password!")
	assert.ErrorIs(t, err, ErrEngineNotReady)
}

// mfaCode derives a valid code one time step ahead of now, which the skew
// window accepts and which is always past the counter stored at confirm
// time.
func mfaCode(t *testing.T, e *Engine, secretBase32 string, offset int64) string {
	t.Helper()
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	require.NoError(t, err)
	counter := time.Now().Unix()/int64(e.config.TOTP.Period) + offset
	return e.totp.hotpCode(secret, counter)
}

func enrollMFA(t *testing.T, f *engineFixture, accountID string) string {
	t.Helper()
	ctx := context.Background()

	enrollment, err := f.engine.EnrollTOTP(ctx, accountID)
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Contains(t, enrollment.URI, "otpauth://totp/")

	require.NoError(t, f.engine.ConfirmTOTP(ctx, accountID, mfaCode(t, f.engine, enrollment.Secret, 0)))
	return enrollment.Secret
}

func TestMFALoginFlow(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	secret := enrollMFA(t, f, info.ID)

	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrMFARequired)
	require.NotNil(t, result)
	require.True(t, result.MFARequired)
	require.NotEmpty(t, result.ChallengeRef)
	assert.Empty(t, result.AccessToken)

	finished, err := f.engine.VerifyMFA(ctx, result.ChallengeRef, mfaCode(t, f.engine, secret, 1))
	require.NoError(t, err)
	assert.NotEmpty(t, finished.AccessToken)
	assert.NotEmpty(t, finished.RefreshToken)

	// The challenge is single use.
	_, err = f.engine.VerifyMFA(ctx, result.ChallengeRef, mfaCode(t, f.engine, secret, 1))
	assert.ErrorIs(t, err, ErrInvalidMFACode)
}

func TestMFACodeReplayRejected(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	secret := enrollMFA(t, f, info.ID)

	first, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrMFARequired)
	code := mfaCode(t, f.engine, secret, 1)
	_, err = f.engine.VerifyMFA(ctx, first.ChallengeRef, code)
	require.NoError(t, err)

	// A second login may not reuse the code accepted above: its time
	// step is now spent.
	second, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrMFARequired)
	_, err = f.engine.VerifyMFA(ctx, second.ChallengeRef, code)
	assert.ErrorIs(t, err, ErrInvalidMFACode)
}

func TestMFAStaleCodeRejected(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	secret := enrollMFA(t, f, info.ID)

	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrMFARequired)

	// Three steps in the future is outside the one-step skew window.
	_, err = f.engine.VerifyMFA(ctx, result.ChallengeRef, mfaCode(t, f.engine, secret, 3))
	assert.ErrorIs(t, err, ErrInvalidMFACode)
}

func TestMFAChallengeAttemptsExhausted(t *testing.T) {
	cfg := testConfig()
	// Keep the account lockout out of the way so challenge destruction is
	// what gets exercised.
	cfg.Lockout.Threshold = 10
	f := newTestEngine(t, cfg)
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	secret := enrollMFA(t, f, info.ID)

	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrMFARequired)

	for i := 0; i < 3; i++ {
		_, err = f.engine.VerifyMFA(ctx, result.ChallengeRef, "000000")
		assert.ErrorIs(t, err, ErrInvalidMFACode)
	}

	// The challenge was destroyed; even the right code fails now.
	_, err = f.engine.VerifyMFA(ctx, result.ChallengeRef, mfaCode(t, f.engine, secret, 1))
	assert.ErrorIs(t, err, ErrInvalidMFACode)
}

func TestMFAWrongCodesLockAccount(t *testing.T) {
	cfg := testConfig()
	// Generous per-challenge budget so the account lockout is what trips.
	cfg.TOTP.MaxAttempts = 10
	f := newTestEngine(t, cfg)
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	secret := enrollMFA(t, f, info.ID)

	// Wrong codes across fresh password logins feed the same failure
	// counter as wrong passwords.
	for i := 0; i < 2; i++ {
		result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
		require.ErrorIs(t, err, ErrMFARequired)
		_, err = f.engine.VerifyMFA(ctx, result.ChallengeRef, "000000")
		assert.ErrorIs(t, err, ErrInvalidMFACode)
	}

	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrMFARequired)
	_, err = f.engine.VerifyMFA(ctx, result.ChallengeRef, "000000")
	assert.ErrorIs(t, err, ErrInvalidMFACode)

	assert.False(t, f.accounts.get(t, DefaultTenantID, info.ID).LockoutUntil.IsZero())

	// While the lockout holds, even the right code is refused and new
	// password logins are too.
	_, err = f.engine.VerifyMFA(ctx, result.ChallengeRef, mfaCode(t, f.engine, secret, 1))
	assert.ErrorIs(t, err, ErrAccountLocked)
	_, err = f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	assert.ErrorIs(t, err, ErrAccountLocked)

	time.Sleep(60 * time.Millisecond)

	result, err = f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrMFARequired)
	finished, err := f.engine.VerifyMFA(ctx, result.ChallengeRef, mfaCode(t, f.engine, secret, 1))
	require.NoError(t, err)
	assert.NotEmpty(t, finished.AccessToken)
}

func TestMFAPendingLoginKeepsFailureState(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	secret := enrollMFA(t, f, info.ID)

	for i := 0; i < 2; i++ {
		_, err := f.engine.Login(ctx, "alice@example.com", "wrong password!!")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// A correct password alone is only half a login: the failure counter
	// and last-login stamp must survive until the second factor clears.
	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.ErrorIs(t, err, ErrMFARequired)

	pending := f.accounts.get(t, DefaultTenantID, info.ID)
	assert.Equal(t, 2, pending.FailedLogins)
	assert.True(t, pending.LastLoginAt.IsZero())

	_, err = f.engine.VerifyMFA(ctx, result.ChallengeRef, mfaCode(t, f.engine, secret, 1))
	require.NoError(t, err)

	finished := f.accounts.get(t, DefaultTenantID, info.ID)
	assert.Zero(t, finished.FailedLogins)
	assert.False(t, finished.LastLoginAt.IsZero())
}

func TestDisableTOTP(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	secret := enrollMFA(t, f, info.ID)

	assert.ErrorIs(t, f.engine.DisableTOTP(ctx, info.ID, "000000"), ErrInvalidMFACode)
	require.NoError(t, f.engine.DisableTOTP(ctx, info.ID, mfaCode(t, f.engine, secret, 1)))

	// Subsequent logins are single factor again.
	result, err := f.engine.Login(ctx, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
	assert.False(t, result.MFARequired)
	assert.NotEmpty(t, result.AccessToken)

	assert.ErrorIs(t, f.engine.DisableTOTP(ctx, info.ID, "123456"), ErrMFANotEnrolled)
}

func TestConfirmTOTPRequiresEnrollment(t *testing.T) {
	f := newTestEngine(t, testConfig())
	ctx := context.Background()

	info := f.register(t, "alice@example.com", "correct horse battery")
	assert.ErrorIs(t, f.engine.ConfirmTOTP(ctx, info.ID, "123456"), ErrMFANotEnrolled)
}

func TestAuditEventsEmitted(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.BufferSize = 16

	sink := NewChannelSink(16)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	engine, err := New().
		WithConfig(cfg).
		WithRedis(client).
		WithAccounts(newMemAccounts()).
		WithSigningSecret("k1", []byte("0123456789abcdef0123456789abcdef")).
		WithAuditSink(sink).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	ctx := WithClientIP(context.Background(), "203.0.113.9")
	info, err := engine.Register(ctx, RegisterInput{Email: "alice@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	select {
	case event := <-sink.Events():
		assert.Equal(t, "register", event.EventType)
		assert.Equal(t, info.ID, event.AccountID)
		assert.Equal(t, "203.0.113.9", event.IP)
		assert.True(t, event.Success)
	case <-time.After(time.Second):
		t.Fatal("no audit event received")
	}
}
