package authkit

import (
	"context"
	"time"
)

// Account is the full customer record held by an [AccountRepository]. It
// carries the credential digest, MFA state, and the failed-login counters
// the lockout policy runs on. Version guards optimistic updates: every
// successful Update must advance it by one.
type Account struct {
	ID          string
	TenantID    string
	Email       string
	DisplayName string
	Roles       []string
	Active      bool

	PasswordHash string

	MFAEnabled       bool
	MFASecret        []byte
	MFAPendingSecret []byte
	MFALastCounter   int64

	FailedLogins int
	LockoutUntil time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt time.Time

	Version uint64
}

// Locked reports whether a failed-login lockout is active at the given time.
func (a *Account) Locked(now time.Time) bool {
	return a != nil && a.LockoutUntil.After(now)
}

// AccountRepository is the interface callers implement to back the engine
// with their account database. Lookups return [ErrAccountNotFound] on a
// miss; Create returns [ErrAccountExists] on a duplicate email within the
// tenant; Update returns [ErrVersionConflict] when the stored version does
// not match expectedVersion. Backend transport failures wrap
// [ErrStoreUnavailable].
type AccountRepository interface {
	GetByEmail(ctx context.Context, tenantID, email string) (*Account, error)
	GetByID(ctx context.Context, tenantID, id string) (*Account, error)
	Create(ctx context.Context, account *Account) error
	Update(ctx context.Context, account *Account, expectedVersion uint64) error
}

// AccountInfo is the sanitized account view returned to callers. It never
// carries credential or MFA material.
type AccountInfo struct {
	ID          string
	TenantID    string
	Email       string
	DisplayName string
	Roles       []string
	Active      bool
	MFAEnabled  bool
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// RegisterInput is the input for [Engine.Register].
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// LoginResult is returned by [Engine.Login], [Engine.VerifyMFA], and
// [Engine.Refresh]. When MFARequired is set, no tokens are present and the
// caller must finish the login via [Engine.VerifyMFA] with ChallengeRef.
type LoginResult struct {
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string

	MFARequired  bool
	ChallengeRef string
}

// TOTPEnrollment holds the provisioning material returned by
// [Engine.EnrollTOTP]. The secret is shown once; it does not take effect
// until [Engine.ConfirmTOTP] proves the authenticator was set up.
type TOTPEnrollment struct {
	Secret string // base32, no padding
	URI    string // otpauth:// provisioning URI
}

func accountInfo(a *Account) *AccountInfo {
	roles := make([]string, len(a.Roles))
	copy(roles, a.Roles)
	return &AccountInfo{
		ID:          a.ID,
		TenantID:    a.TenantID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Roles:       roles,
		Active:      a.Active,
		MFAEnabled:  a.MFAEnabled,
		CreatedAt:   a.CreatedAt,
		LastLoginAt: a.LastLoginAt,
	}
}
