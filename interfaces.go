package campusauth

import (
	"context"
	"time"
)

// ==================== CORE INTERFACES ====================

// Store is the main storage interface.
type Store interface {
	Users() UserStore
	Tenants() TenantStore
	Sessions() SessionStore
	Tokens() TokenStore
	Audit() AuditStore
}

// UserStore handles principal (user) records. It is the only owner of the
// credential material; all mutation goes through the AuthService.
type UserStore interface {
	EmailExists(ctx context.Context, emailHash []byte) (bool, error)
	CreateUser(ctx context.Context, user User) (string, error)
	GetUserByEmailHash(ctx context.Context, emailHash []byte) (*User, error)
	GetUserByID(ctx context.Context, userID string) (*User, error)
	// DeleteUser removes the user and everything hanging off it; used to
	// unwind a registration whose school could not be created.
	DeleteUser(ctx context.Context, userID string) error

	// IncrementLoginFailures atomically bumps the failed-attempt counter and
	// returns the new value, so the caller can detect the blocking threshold
	// inside the same request.
	IncrementLoginFailures(ctx context.Context, userID string) (int, error)
	ResetLoginFailures(ctx context.Context, userID string) error
	BlockUser(ctx context.Context, userID string) error
	UnblockUser(ctx context.Context, userID string) error

	UpdateLastLogin(ctx context.Context, userID string, ipEnc, ipNonce []byte) error
	SetUserVerified(ctx context.Context, userID string) error
	SetApproved(ctx context.Context, userID string, approved bool) error
	UpdatePassword(ctx context.Context, userID string, hash, salt []byte) error

	UpdateTOTPSecret(ctx context.Context, userID string, secretEnc, secretNonce []byte) error
	EnableTOTP(ctx context.Context, userID string) error
	DisableTOTP(ctx context.Context, userID string) error
}

// TenantStore handles school (tenant) records.
type TenantStore interface {
	CodeExists(ctx context.Context, code string) (bool, error)
	CreateTenant(ctx context.Context, tenant Tenant) (string, error)
	GetTenantByCode(ctx context.Context, code string) (*Tenant, error)
	SetTenantActive(ctx context.Context, code string, active bool) error
}

// SessionStore tracks per-principal session and device lists.
type SessionStore interface {
	// AppendSession appends a session and trims the principal's session list
	// to maxSessions, evicting the oldest by insertion order. Implementations
	// must perform the append-and-trim atomically so concurrent logins cannot
	// grow the list past the cap.
	AppendSession(ctx context.Context, session Session, maxSessions int) error
	GetSession(ctx context.Context, userID, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	// DeleteSession removes one session; it reports whether a session was
	// found so the caller can pick the HTTP status.
	DeleteSession(ctx context.Context, userID, sessionID string) (bool, error)
	DeleteAllSessions(ctx context.Context, userID string) error

	UpsertDevice(ctx context.Context, device Device) error
	ListDevices(ctx context.Context, userID string) ([]Device, error)
}

// TokenStore handles email-verification and password-reset tokens.
type TokenStore interface {
	CreateVerificationToken(ctx context.Context, token VerificationToken) (string, error)
	GetVerificationTokenByHash(ctx context.Context, tokenHash []byte) (*VerificationToken, error)
	MarkVerificationTokenUsed(ctx context.Context, tokenID string) error

	CreatePasswordResetToken(ctx context.Context, token PasswordResetToken) (string, error)
	GetPasswordResetTokenByHash(ctx context.Context, tokenHash []byte) (*PasswordResetToken, error)
	MarkPasswordResetUsed(ctx context.Context, tokenID string) error
	// DeletePasswordResetTokens invalidates outstanding reset tokens, called
	// on every password change.
	DeletePasswordResetTokens(ctx context.Context, userID string) error
}

// AuditStore handles the append-only security event log.
type AuditStore interface {
	InsertAuditLog(ctx context.Context, log AuditLog) error
	GetUserAuditLogs(ctx context.Context, userID string, limit int) ([]AuditLog, error)
}

// Mailer sends outbound mail. Sends are fire-and-forget from the handlers'
// point of view; a failed send never fails the primary operation.
type Mailer interface {
	SendVerification(ctx context.Context, to, link string) error
	SendPasswordReset(ctx context.Context, to, link string) error
	SendAccountBlocked(ctx context.Context, to string) error
}

// RateLimiter provides fixed-window rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, err error)
}

// ==================== MODELS ====================

// User is the principal record: one row per authenticated actor.
type User struct {
	ID             string
	EmailHash      []byte
	EmailEncrypted []byte
	EmailNonce     []byte
	Name           string
	Role           Role
	SchoolCode     string

	PasswordHash []byte
	PasswordSalt []byte

	TOTPSecretEncrypted []byte
	TOTPNonce           []byte
	TOTPEnabled         bool

	EmailVerified bool
	// Approved gates teacher accounts; set false at registration and flipped
	// by a principal. Other roles are approved immediately.
	Approved bool

	// Blocked is terminal: it is only cleared by an explicit administrative
	// unblock, never by a cooldown.
	Blocked             bool
	BlockedAt           *time.Time
	FailedLoginAttempts int

	LastLoginAt          *time.Time
	LastLoginIPEncrypted []byte
	LastLoginIPNonce     []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tenant is a school, identified by its short code.
type Tenant struct {
	ID        string
	Code      string
	Name      string
	Active    bool
	CreatedBy string
	CreatedAt time.Time
}

// Session is one (refresh token, device) tuple. ID is the refresh token's
// JTI; the raw token is never stored.
type Session struct {
	ID          string
	UserID      string
	DeviceID    string
	DeviceLabel string
	IPEncrypted []byte
	IPNonce     []byte
	LastActive  time.Time
	CreatedAt   time.Time
}

// Device is a known client device. A device can outlive its sessions.
type Device struct {
	ID         string
	UserID     string
	Label      string
	LastActive time.Time
	CreatedAt  time.Time
}

// VerificationToken for email verification. Hashed at rest, single use.
type VerificationToken struct {
	ID        string
	UserID    string
	TokenHash []byte
	ExpiresAt time.Time
	Used      bool
}

// PasswordResetToken for password resets. Hashed at rest, single use.
type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash []byte
	ExpiresAt time.Time
	Used      bool
}

// AuditLog records one security event. Immutable once written; references
// the principal by ID only.
type AuditLog struct {
	ID            string
	UserID        string
	SchoolCode    string
	EventType     string
	DeviceID      string
	IPEncrypted   []byte
	IPNonce       []byte
	UserAgentHash []byte
	Metadata      map[string]any
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Audit event types.
const (
	EventRegister             = "register"
	EventLoginSuccess         = "login_success"
	EventLoginFailed          = "login_failed"
	EventLogout               = "logout"
	EventLogoutAll            = "logout_all"
	EventTokenRefreshed       = "token_refreshed"
	EventDeviceMismatch       = "device_mismatch"
	EventSessionRevoked       = "session_revoked"
	EventAccountBlocked       = "account_blocked"
	EventAccountUnblocked     = "account_unblocked"
	EventPasswordChanged      = "password_changed"
	EventPasswordResetRequest = "password_reset_request"
	EventPasswordResetDone    = "password_reset_complete"
	EventEmailVerified        = "email_verified"
	Event2FAEnabled           = "2fa_enabled"
	Event2FADisabled          = "2fa_disabled"
	Event2FAFailed            = "2fa_failed"
	EventTeacherApproved      = "teacher_approved"
)
