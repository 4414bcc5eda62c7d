package campusauth

import "errors"

// Configuration errors.
var (
	ErrInvalidSecretLength = errors.New("campusauth: secrets must be exactly 32 bytes")
	ErrSameTokenSecrets    = errors.New("campusauth: access and refresh token secrets must differ")
)

// Authentication errors - safe to show to callers. The invalid-credentials
// message is deliberately identical for a missing user, a wrong password and
// a wrong second factor.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountBlocked     = errors.New("account is blocked due to too many failed attempts")
	ErrTwoFactorRequired  = errors.New("two-factor code required")
	ErrNotApproved        = errors.New("account is awaiting approval")
	ErrTenantSuspended    = errors.New("school subscription is not active")
	ErrTenantNotFound     = errors.New("school code not recognized")
	ErrEmailExists        = errors.New("email already registered")
	ErrSchoolCodeExists   = errors.New("school code already in use")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidRole        = errors.New("invalid role")
	ErrWeakPassword       = errors.New("password does not meet security requirements")
	ErrDeviceMismatch     = errors.New("refresh token was issued to a different device")
	ErrSessionNotFound    = errors.New("session not found")
	Err2FAAlreadyEnabled  = errors.New("two-factor authentication is already enabled")
	Err2FANotEnabled      = errors.New("two-factor authentication is not enabled")
	Err2FANotPending      = errors.New("two-factor enrollment has not been started")
	ErrInvalid2FACode     = errors.New("invalid verification code")
	ErrRateLimited        = errors.New("rate limit exceeded, please try again later")
)

// Error codes for API responses.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountBlocked     = "ACCOUNT_BLOCKED"
	CodeTwoFactorRequired  = "TWO_FACTOR_REQUIRED"
	CodeNotApproved        = "NOT_APPROVED"
	CodeTenantSuspended    = "TENANT_SUSPENDED"
	CodeTenantNotFound     = "TENANT_NOT_FOUND"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeSchoolCodeExists   = "SCHOOL_CODE_EXISTS"
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeInvalidRole        = "INVALID_ROLE"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeDeviceMismatch     = "DEVICE_MISMATCH"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalid2FACode     = "INVALID_2FA_CODE"
	Code2FAAlreadyEnabled  = "2FA_ALREADY_ENABLED"
	Code2FANotEnabled      = "2FA_NOT_ENABLED"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInternalError      = "INTERNAL_ERROR"
)
