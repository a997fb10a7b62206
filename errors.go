package authkit

import "errors"

var (
	// ErrInvalidPayload is returned when a request fails structural
	// validation before any backend is touched.
	ErrInvalidPayload = errors.New("invalid request payload")
	// ErrAccountExists is returned by Register for a duplicate email.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned when an account lookup by id misses.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidCredentials covers unknown email, wrong password, and
	// inactive accounts alike so the login path does not leak which.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a failed-login lockout is active.
	ErrAccountLocked = errors.New("account locked")
	// ErrMFARequired signals that password verification succeeded and a
	// second factor must be presented to finish the login.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFANotEnrolled is returned by MFA operations on an account
	// without a confirmed authenticator.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")
	// ErrInvalidMFACode covers wrong, replayed, and expired codes as well
	// as unknown or exhausted challenges.
	ErrInvalidMFACode = errors.New("invalid mfa code")
	// ErrInvalidOrExpiredToken covers every token rejection: bad
	// signature, expiry, revocation, and reuse.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrVersionConflict is returned when an optimistic account update
	// loses to a concurrent writer.
	ErrVersionConflict = errors.New("account version conflict")
	// ErrStoreUnavailable wraps backend transport failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrEngineNotReady is returned when an Engine method is called on a
	// nil or closed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
