package authkit

import (
	"context"
	"time"
)

// EnrollTOTP starts two-phase authenticator enrollment. The generated
// secret is held as pending and does not affect login until
// [Engine.ConfirmTOTP] proves the authenticator produces valid codes.
// Calling EnrollTOTP again replaces any earlier pending secret.
func (e *Engine) EnrollTOTP(ctx context.Context, accountID string) (*TOTPEnrollment, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, ErrInvalidPayload
	}

	tenantID := tenantIDFromContext(ctx)
	account, err := e.accountByID(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, ErrInvalidCredentials
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	if err := e.updateAccount(ctx, tenantID, accountID, func(a *Account) error {
		a.MFAPendingSecret = secret
		return nil
	}); err != nil {
		return nil, err
	}

	e.emitAudit(ctx, "mfa.enroll", accountID, tenantID, true, nil)
	return &TOTPEnrollment{
		Secret: secretBase32,
		URI:    e.totp.ProvisionURI(secretBase32, account.Email),
	}, nil
}

// ConfirmTOTP activates a pending enrollment. The submitted code must be
// valid for the pending secret; on success the secret becomes the
// account's second factor and is required on every subsequent login.
func (e *Engine) ConfirmTOTP(ctx context.Context, accountID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if accountID == "" || code == "" {
		return ErrInvalidPayload
	}

	tenantID := tenantIDFromContext(ctx)
	account, err := e.accountByID(ctx, tenantID, accountID)
	if err != nil {
		return err
	}
	if len(account.MFAPendingSecret) == 0 {
		return ErrMFANotEnrolled
	}

	ok, counter := e.totp.VerifyCode(account.MFAPendingSecret, code, time.Now())
	if !ok {
		e.metrics.Inc(MetricMFAFailure)
		e.emitAudit(ctx, "mfa.confirm", accountID, tenantID, false, ErrInvalidMFACode)
		return ErrInvalidMFACode
	}

	if err := e.updateAccount(ctx, tenantID, accountID, func(a *Account) error {
		if len(a.MFAPendingSecret) == 0 {
			return ErrMFANotEnrolled
		}
		a.MFASecret = a.MFAPendingSecret
		a.MFAPendingSecret = nil
		a.MFAEnabled = true
		a.MFALastCounter = counter
		return nil
	}); err != nil {
		return err
	}

	e.emitAudit(ctx, "mfa.confirm", accountID, tenantID, true, nil)
	return nil
}

// DisableTOTP removes the second factor. A currently valid code is
// required so a stolen session alone cannot weaken the account.
func (e *Engine) DisableTOTP(ctx context.Context, accountID, code string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if accountID == "" || code == "" {
		return ErrInvalidPayload
	}

	tenantID := tenantIDFromContext(ctx)
	account, err := e.accountByID(ctx, tenantID, accountID)
	if err != nil {
		return err
	}
	if !account.MFAEnabled || len(account.MFASecret) == 0 {
		return ErrMFANotEnrolled
	}

	ok, counter := e.totp.VerifyCode(account.MFASecret, code, time.Now())
	if ok && counter <= account.MFALastCounter {
		ok = false
	}
	if !ok {
		e.metrics.Inc(MetricMFAFailure)
		e.emitAudit(ctx, "mfa.disable", accountID, tenantID, false, ErrInvalidMFACode)
		return ErrInvalidMFACode
	}

	if err := e.updateAccount(ctx, tenantID, accountID, func(a *Account) error {
		a.MFAEnabled = false
		a.MFASecret = nil
		a.MFAPendingSecret = nil
		a.MFALastCounter = 0
		return nil
	}); err != nil {
		return err
	}

	e.emitAudit(ctx, "mfa.disable", accountID, tenantID, true, nil)
	return nil
}
