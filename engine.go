package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwhitfield/authkit/internal"
	"github.com/cwhitfield/authkit/password"
	"github.com/cwhitfield/authkit/refresh"
	"github.com/cwhitfield/authkit/token"
)

// Engine orchestrates registration, login, MFA, token issuance, refresh
// rotation, and revocation. Construct one through [New]; it is safe for
// concurrent use and immutable after Build.
type Engine struct {
	config     Config
	accounts   AccountRepository
	hasher     *password.Hasher
	signer     *token.Signer
	refresh    refresh.Store
	challenges challengeStore
	totp       *totpManager
	audit      *auditDispatcher
	metrics    *Metrics
	logger     zerolog.Logger
	closed     atomic.Bool
}

// Login verifies the password for the email within the context's tenant.
//
// When the account has a confirmed second factor, Login returns
// [ErrMFARequired] together with a non-nil result whose ChallengeRef must
// be passed to [Engine.VerifyMFA] to finish the login. The failure
// counters and last-login timestamp are only touched once the whole
// login completes, second factor included. Unknown email, wrong password,
// and inactive accounts all surface as [ErrInvalidCredentials].
func (e *Engine) Login(ctx context.Context, email, secret string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if email == "" || secret == "" {
		return nil, ErrInvalidPayload
	}

	tenantID := tenantIDFromContext(ctx)
	now := time.Now()

	account, err := e.accountByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			e.metrics.Inc(MetricLoginFailure)
			e.emitAudit(ctx, "login", "", tenantID, false, ErrInvalidCredentials)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	// The lockout check comes before password verification so a locked
	// account cannot be probed.
	if account.Locked(now) {
		e.metrics.Inc(MetricAccountLocked)
		e.emitAudit(ctx, "login", account.ID, tenantID, false, ErrAccountLocked)
		return nil, ErrAccountLocked
	}

	if !e.hasher.Verify(secret, account.PasswordHash) {
		e.recordLoginFailure(ctx, account, now)
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, "login", account.ID, tenantID, false, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if !account.Active {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, "login", account.ID, tenantID, false, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if account.MFAEnabled {
		e.upgradePasswordDigest(ctx, account, secret)
		ref, err := e.openChallenge(ctx, account, now)
		if err != nil {
			return nil, err
		}
		e.metrics.Inc(MetricMFARequired)
		e.emitAudit(ctx, "login.mfa_challenge", account.ID, tenantID, true, nil)
		return &LoginResult{MFARequired: true, ChallengeRef: ref}, ErrMFARequired
	}

	e.recordLoginSuccess(ctx, account, secret, now)

	result, err := e.issueTokens(ctx, account)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, "login", account.ID, tenantID, true, nil)
	return result, nil
}

// VerifyMFA finishes a login started by [Engine.Login]. Each challenge is
// single use: it is consumed on success and destroyed after the configured
// number of failed attempts. Wrong codes count against the same lockout
// policy as wrong passwords, and a locked account is refused outright.
// Codes at or below the last accepted time-step counter are rejected as
// replays.
func (e *Engine) VerifyMFA(ctx context.Context, challengeRef, code string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if challengeRef == "" || code == "" {
		return nil, ErrInvalidPayload
	}
	if _, err := internal.ParseChallengeRef(challengeRef); err != nil {
		return nil, ErrInvalidMFACode
	}

	challenge, err := e.challenges.Get(ctx, challengeRef)
	if err != nil {
		if errors.Is(err, errChallengeBackend) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, ErrInvalidMFACode
	}

	account, err := e.accountByID(ctx, challenge.TenantID, challenge.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			_, _ = e.challenges.Delete(ctx, challengeRef)
			return nil, ErrInvalidMFACode
		}
		return nil, err
	}
	if !account.Active || !account.MFAEnabled || len(account.MFASecret) == 0 {
		_, _ = e.challenges.Delete(ctx, challengeRef)
		return nil, ErrInvalidMFACode
	}

	now := time.Now()
	if account.Locked(now) {
		e.metrics.Inc(MetricAccountLocked)
		e.emitAudit(ctx, "mfa.verify", account.ID, account.TenantID, false, ErrAccountLocked)
		return nil, ErrAccountLocked
	}

	ok, counter := e.totp.VerifyCode(account.MFASecret, code, now)
	if ok && counter <= account.MFALastCounter {
		// Correct code, already spent time step.
		ok = false
	}
	if !ok {
		e.recordLoginFailure(ctx, account, now)
		exceeded, recordErr := e.challenges.RecordFailure(ctx, challengeRef, e.config.TOTP.MaxAttempts)
		if recordErr != nil && errors.Is(recordErr, errChallengeBackend) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, recordErr)
		}
		if exceeded {
			e.emitAudit(ctx, "mfa.attempts_exceeded", account.ID, account.TenantID, false, ErrInvalidMFACode)
		}
		e.metrics.Inc(MetricMFAFailure)
		return nil, ErrInvalidMFACode
	}

	deleted, err := e.challenges.Delete(ctx, challengeRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !deleted {
		// A concurrent submission already consumed the challenge.
		return nil, ErrInvalidMFACode
	}

	e.completeMFALogin(ctx, account, counter, now)

	result, err := e.issueTokens(ctx, account)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricMFASuccess)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, "mfa.verify", account.ID, account.TenantID, true, nil)
	return result, nil
}

// Refresh redeems a refresh token for a new access token and a rotated
// refresh token. A replayed token revokes every outstanding token for the
// account before the error is returned.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, ErrInvalidPayload
	}

	tenantID := tenantIDFromContext(ctx)

	rotation, err := e.refresh.Redeem(ctx, tenantID, refreshToken, e.config.Refresh.TTL)
	if err != nil {
		var reuse *refresh.ReuseError
		switch {
		case errors.As(err, &reuse):
			revoked, revokeErr := e.refresh.RevokeAll(ctx, tenantID, reuse.AccountID)
			if revokeErr != nil {
				e.logger.Error().Err(revokeErr).Str("account_id", reuse.AccountID).
					Msg("revoke-all after refresh reuse failed")
			}
			e.metrics.Inc(MetricRefreshReuseDetected)
			e.emitAuditMeta(ctx, "refresh.reuse_detected", reuse.AccountID, tenantID, false,
				ErrInvalidOrExpiredToken, map[string]string{"revoked": fmt.Sprint(revoked)})
			return nil, ErrInvalidOrExpiredToken
		case errors.Is(err, refresh.ErrTokenInvalid):
			e.metrics.Inc(MetricRefreshFailure)
			return nil, ErrInvalidOrExpiredToken
		case errors.Is(err, refresh.ErrBackendUnavailable):
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		default:
			return nil, err
		}
	}

	account, err := e.accountByID(ctx, tenantID, rotation.AccountID)
	if err != nil || !account.Active {
		// The rotation already happened; do not leave a live successor
		// behind for an account that can no longer log in.
		_ = e.refresh.Revoke(ctx, tenantID, rotation.Token)
		e.metrics.Inc(MetricRefreshFailure)
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, ErrInvalidOrExpiredToken
	}

	accessToken, expiresAt, err := e.signer.Issue(tenantID, account.ID, account.Roles, 0)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, "refresh", account.ID, tenantID, true, nil)
	return &LoginResult{
		AccessToken:     accessToken,
		AccessExpiresAt: expiresAt,
		RefreshToken:    rotation.Token,
	}, nil
}

// Logout revokes a single refresh token. The paired access token stays
// valid until it expires on its own.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if refreshToken == "" {
		return ErrInvalidPayload
	}

	tenantID := tenantIDFromContext(ctx)
	if err := e.refresh.Revoke(ctx, tenantID, refreshToken); err != nil {
		if errors.Is(err, refresh.ErrTokenInvalid) {
			return ErrInvalidOrExpiredToken
		}
		if errors.Is(err, refresh.ErrBackendUnavailable) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return err
	}

	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, "logout", "", tenantID, true, nil)
	return nil
}

// RevokeAllSessions revokes every outstanding refresh token for the
// account and returns how many were revoked.
func (e *Engine) RevokeAllSessions(ctx context.Context, accountID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	if accountID == "" {
		return 0, ErrInvalidPayload
	}

	tenantID := tenantIDFromContext(ctx)
	revoked, err := e.refresh.RevokeAll(ctx, tenantID, accountID)
	if err != nil {
		if errors.Is(err, refresh.ErrBackendUnavailable) {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return 0, err
	}

	e.metrics.Inc(MetricLogoutAll)
	e.emitAuditMeta(ctx, "logout.all", accountID, tenantID, true, nil,
		map[string]string{"revoked": fmt.Sprint(revoked)})
	return revoked, nil
}

// Validate checks an access token and returns its claims. Every rejection
// surfaces as [ErrInvalidOrExpiredToken].
func (e *Engine) Validate(accessToken string) (*token.Claims, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	start := time.Now()
	claims, err := e.signer.Validate(accessToken)
	e.metrics.Observe(time.Since(start))

	if err != nil {
		e.metrics.Inc(MetricTokenRejected)
		return nil, ErrInvalidOrExpiredToken
	}
	e.metrics.Inc(MetricTokenValidated)
	return claims, nil
}

// AccountFromToken validates an access token and loads the account it was
// issued to.
func (e *Engine) AccountFromToken(ctx context.Context, accessToken string) (*AccountInfo, error) {
	claims, err := e.Validate(accessToken)
	if err != nil {
		return nil, err
	}

	account, err := e.accountByID(ctx, claims.TenantID, claims.Subject)
	if err != nil {
		return nil, err
	}
	return accountInfo(account), nil
}

// ActiveSessions returns the number of currently redeemable refresh tokens
// for the account.
func (e *Engine) ActiveSessions(ctx context.Context, accountID string) (int, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}

	tenantID := tenantIDFromContext(ctx)
	active, err := e.refresh.Active(ctx, tenantID, accountID)
	if err != nil {
		if errors.Is(err, refresh.ErrBackendUnavailable) {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return 0, err
	}
	return active, nil
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// Close flushes the audit dispatcher. The engine rejects calls afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closed.Store(true)
	e.audit.Close()
}

func (e *Engine) ready() error {
	if e == nil || e.closed.Load() {
		return ErrEngineNotReady
	}
	return nil
}

func (e *Engine) issueTokens(ctx context.Context, account *Account) (*LoginResult, error) {
	accessToken, expiresAt, err := e.signer.Issue(account.TenantID, account.ID, account.Roles, 0)
	if err != nil {
		return nil, err
	}

	refreshToken, err := e.refresh.Issue(ctx, account.TenantID, account.ID, e.config.Refresh.TTL)
	if err != nil {
		if errors.Is(err, refresh.ErrBackendUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, err
	}

	return &LoginResult{
		AccessToken:     accessToken,
		AccessExpiresAt: expiresAt,
		RefreshToken:    refreshToken,
	}, nil
}

func (e *Engine) openChallenge(ctx context.Context, account *Account, now time.Time) (string, error) {
	ref, err := internal.NewChallengeRef()
	if err != nil {
		return "", err
	}

	challenge := &mfaChallenge{
		AccountID: account.ID,
		TenantID:  account.TenantID,
		ExpiresAt: now.Add(e.config.TOTP.ChallengeTTL).Unix(),
	}
	if err := e.challenges.Save(ctx, ref.String(), challenge, e.config.TOTP.ChallengeTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ref.String(), nil
}

// recordLoginFailure bumps the failure counter and arms the lockout when
// the threshold is reached. Runs a short optimistic-retry loop; losing the
// race means a concurrent attempt already advanced the counter, so giving
// up after a few rounds is safe.
func (e *Engine) recordLoginFailure(ctx context.Context, account *Account, now time.Time) {
	const maxAttempts = 3

	current := account
	for i := 0; i < maxAttempts; i++ {
		updated := *current
		updated.FailedLogins++
		if updated.FailedLogins >= e.config.Lockout.Threshold {
			updated.LockoutUntil = now.Add(e.config.Lockout.Duration)
			updated.FailedLogins = 0
		}
		updated.UpdatedAt = now

		err := e.accounts.Update(ctx, &updated, current.Version)
		if err == nil {
			if !updated.LockoutUntil.IsZero() && updated.LockoutUntil.After(now) {
				e.emitAudit(ctx, "login.lockout", account.ID, account.TenantID, false, ErrAccountLocked)
			}
			return
		}
		if !errors.Is(err, ErrVersionConflict) {
			e.logger.Warn().Err(err).Str("account_id", account.ID).
				Msg("failed to persist login failure")
			return
		}

		reloaded, loadErr := e.accountByID(ctx, account.TenantID, account.ID)
		if loadErr != nil {
			return
		}
		current = reloaded
	}
}

// recordLoginSuccess clears the failure counter, stamps the login time,
// and upgrades a stale password digest when configured to. Best effort:
// the login proceeds even if the write loses every retry.
func (e *Engine) recordLoginSuccess(ctx context.Context, account *Account, secret string, now time.Time) {
	const maxAttempts = 3

	rehash := ""
	if e.config.Password.UpgradeOnLogin && e.hasher.NeedsRehash(account.PasswordHash) {
		if upgraded, err := e.hasher.Hash(secret); err == nil {
			rehash = upgraded
		}
	}

	current := account
	for i := 0; i < maxAttempts; i++ {
		updated := *current
		updated.FailedLogins = 0
		updated.LockoutUntil = time.Time{}
		updated.LastLoginAt = now
		updated.UpdatedAt = now
		if rehash != "" {
			updated.PasswordHash = rehash
		}

		err := e.accounts.Update(ctx, &updated, current.Version)
		if err == nil {
			*account = updated
			account.Version = current.Version + 1
			return
		}
		if !errors.Is(err, ErrVersionConflict) {
			e.logger.Warn().Err(err).Str("account_id", account.ID).
				Msg("failed to persist login success")
			return
		}

		reloaded, loadErr := e.accountByID(ctx, account.TenantID, account.ID)
		if loadErr != nil {
			return
		}
		current = reloaded
	}
}

// completeMFALogin persists the accepted time-step counter, clears the
// failure counters, and stamps the login time in one optimistic update.
// The counter guard means the same code cannot be replayed inside the skew
// window; the rest is best effort and the login proceeds even if the write
// loses every retry.
func (e *Engine) completeMFALogin(ctx context.Context, account *Account, counter int64, now time.Time) {
	const maxAttempts = 3

	current := account
	for i := 0; i < maxAttempts; i++ {
		updated := *current
		if counter > updated.MFALastCounter {
			updated.MFALastCounter = counter
		}
		updated.FailedLogins = 0
		updated.LockoutUntil = time.Time{}
		updated.LastLoginAt = now
		updated.UpdatedAt = now

		err := e.accounts.Update(ctx, &updated, current.Version)
		if err == nil {
			*account = updated
			account.Version = current.Version + 1
			return
		}
		if !errors.Is(err, ErrVersionConflict) {
			e.logger.Warn().Err(err).Str("account_id", account.ID).
				Msg("failed to persist mfa login")
			return
		}

		reloaded, loadErr := e.accountByID(ctx, account.TenantID, account.ID)
		if loadErr != nil {
			return
		}
		current = reloaded
	}
}

// upgradePasswordDigest rehashes a stale digest once the password itself
// has been verified. Used on the MFA branch of Login, where the success
// bookkeeping is deferred until the second factor clears. Best effort.
func (e *Engine) upgradePasswordDigest(ctx context.Context, account *Account, secret string) {
	if !e.config.Password.UpgradeOnLogin || !e.hasher.NeedsRehash(account.PasswordHash) {
		return
	}
	upgraded, err := e.hasher.Hash(secret)
	if err != nil {
		return
	}
	if err := e.updateAccount(ctx, account.TenantID, account.ID, func(a *Account) error {
		a.PasswordHash = upgraded
		return nil
	}); err != nil {
		e.logger.Warn().Err(err).Str("account_id", account.ID).
			Msg("failed to upgrade password digest")
	}
}

func (e *Engine) accountByEmail(ctx context.Context, tenantID, email string) (*Account, error) {
	return retryRead(ctx, func() (*Account, error) {
		return e.accounts.GetByEmail(ctx, tenantID, email)
	})
}

func (e *Engine) accountByID(ctx context.Context, tenantID, id string) (*Account, error) {
	return retryRead(ctx, func() (*Account, error) {
		return e.accounts.GetByID(ctx, tenantID, id)
	})
}

// retryRead retries idempotent reads on transient backend failures with a
// short doubling backoff. Sentinel results return immediately.
func retryRead[T any](ctx context.Context, read func() (T, error)) (T, error) {
	const maxAttempts = 3

	var (
		out     T
		err     error
		backoff = 50 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		out, err = read()
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return out, err
		}
		if i == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return out, err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return out, err
}

func (e *Engine) emitAudit(ctx context.Context, eventType, accountID, tenantID string, success bool, failure error) {
	e.emitAuditMeta(ctx, eventType, accountID, tenantID, success, failure, nil)
}

func (e *Engine) emitAuditMeta(
	ctx context.Context,
	eventType, accountID, tenantID string,
	success bool,
	failure error,
	metadata map[string]string,
) {
	if e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: time.Now(),
		EventType: eventType,
		AccountID: accountID,
		TenantID:  tenantID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if failure != nil {
		event.Error = failure.Error()
	}
	e.audit.Emit(ctx, event)
}
