package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Register creates a customer account. The email is unique per tenant;
// a duplicate returns [ErrAccountExists]. The password is checked against
// the configured minimum length and stored only as an argon2id digest.
func (e *Engine) Register(ctx context.Context, input RegisterInput) (*AccountInfo, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if !validEmail(email) {
		return nil, ErrInvalidPayload
	}
	if len(input.Password) < e.config.Account.MinPasswordLength {
		return nil, ErrInvalidPayload
	}

	digest, err := e.hasher.Hash(input.Password)
	if err != nil {
		return nil, err
	}

	tenantID := tenantIDFromContext(ctx)
	now := time.Now()
	account := &Account{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Email:       email,
		DisplayName: strings.TrimSpace(input.DisplayName),
		Roles:       append([]string(nil), e.config.Account.DefaultRoles...),
		Active:      true,

		PasswordHash: digest,

		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	if err := e.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrAccountExists) {
			e.metrics.Inc(MetricRegisterDuplicate)
			e.emitAudit(ctx, "register", "", tenantID, false, ErrAccountExists)
			return nil, ErrAccountExists
		}
		if errors.Is(err, ErrStoreUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricRegisterSuccess)
	e.emitAudit(ctx, "register", account.ID, tenantID, true, nil)
	return accountInfo(account), nil
}

// DeactivateAccount marks the account inactive and revokes every
// outstanding refresh token, ending all of its sessions.
func (e *Engine) DeactivateAccount(ctx context.Context, accountID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if accountID == "" {
		return ErrInvalidPayload
	}

	tenantID := tenantIDFromContext(ctx)

	if err := e.updateAccount(ctx, tenantID, accountID, func(account *Account) error {
		account.Active = false
		return nil
	}); err != nil {
		return err
	}

	if _, err := e.refresh.RevokeAll(ctx, tenantID, accountID); err != nil {
		e.logger.Error().Err(err).Str("account_id", accountID).
			Msg("revoke-all on deactivation failed")
	}

	e.emitAudit(ctx, "account.deactivate", accountID, tenantID, true, nil)
	return nil
}

// updateAccount applies mutate under optimistic concurrency, reloading and
// retrying a bounded number of times on version conflicts.
func (e *Engine) updateAccount(ctx context.Context, tenantID, accountID string, mutate func(*Account) error) error {
	const maxAttempts = 3

	for i := 0; i < maxAttempts; i++ {
		account, err := e.accountByID(ctx, tenantID, accountID)
		if err != nil {
			return err
		}

		updated := *account
		if err := mutate(&updated); err != nil {
			return err
		}
		updated.UpdatedAt = time.Now()

		err = e.accounts.Update(ctx, &updated, account.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return ErrVersionConflict
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.ContainsAny(email, " \t|") {
		return false
	}
	return strings.IndexByte(email[at+1:], '.') > 0
}
