// Package campusauth is the authentication and session core for a
// multi-tenant school-management platform.
//
// It covers:
//   - Email/password authentication with Argon2id hashing
//   - Role-aware registration (principal, teacher, student, parent,
//     accountant, platform super admin) with per-school tenant binding
//   - Access/refresh token pairs signed with separate secrets
//   - Per-device sessions with a bounded, FIFO-evicted session list
//   - Account lockout after repeated password failures
//   - Two-factor authentication (TOTP)
//   - An append-only security audit log
//
// Quick Start:
//
//	auth, _ := campusauth.New(
//	    campusauth.WithStore(store),
//	    campusauth.WithSecrets(secrets),
//	)
//	r.Mount("/auth", auth.Handler())
package campusauth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/campuskit/campusauth/crypto"
	memorylimiter "github.com/campuskit/campusauth/ratelimit/memory"
)

// AuthService is the main entry point for the auth core.
type AuthService struct {
	// Core dependencies
	store   Store
	mailer  Mailer
	limiter RateLimiter
	logger  *zap.Logger

	// Cryptographic material
	keys          *crypto.DerivedKeys
	accessSecret  []byte
	refreshSecret []byte
	pepper        []byte

	// Configuration
	config Config

	// Optional features
	tokenBlacklist TokenBlacklist
	metrics        *metrics

	trustedProxyNets []*net.IPNet
}

// Config holds the auth core configuration. It is constructed once at
// startup and never mutated afterwards; handlers read no ambient state.
type Config struct {
	// ==================== APP INFO ====================
	AppName    string
	AppBaseURL string

	// ==================== TOKEN SETTINGS ====================
	// AccessTokenTTL is deliberately short; the refresh token is the
	// long-lived credential.
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	VerificationTokenTTL time.Duration
	PasswordResetTTL     time.Duration

	// TokenDelivery selects bearer-JSON or HTTP-only cookies at startup.
	TokenDelivery TokenDelivery
	CookieDomain  string
	CookieSecure  bool

	// ==================== SECURITY ====================
	// MaxLoginAttempts failed password checks block the account. Blocking is
	// terminal until an administrative unblock.
	MaxLoginAttempts int
	// MaxSessions caps the per-principal session list; the oldest session by
	// insertion order is evicted when the cap is exceeded.
	MaxSessions int

	MinPasswordLength         int
	RequirePasswordComplexity bool
	// MinPasswordScore is the minimum zxcvbn strength score (0-4).
	MinPasswordScore int

	// EmailVerificationRequired gates login on a verified email address.
	EmailVerificationRequired bool

	// ==================== 2FA/TOTP ====================
	TOTPDigits int

	TrustProxyHeaders bool
	TrustedProxies    []string

	RateLimits RateLimitConfig

	// ==================== PRIVACY ====================
	StoreClientIP      bool
	StoreUserAgentHash bool
	AuditLogRetention  time.Duration
}

// RateLimitConfig sets fixed-window limits for the public endpoints.
type RateLimitConfig struct {
	LoginLimit          int
	LoginWindow         time.Duration
	RegisterLimit       int
	RegisterWindow      time.Duration
	PasswordResetLimit  int
	PasswordResetWindow time.Duration
}

// Secrets holds the cryptographic secrets. Access and refresh tokens are
// signed with different secrets; reusing one secret for both is rejected.
type Secrets struct {
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	EncryptionKey      []byte
	Pepper             []byte
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AppName: "CampusAuth",

		AccessTokenTTL:       15 * time.Minute,
		RefreshTokenTTL:      7 * 24 * time.Hour,
		VerificationTokenTTL: 24 * time.Hour,
		PasswordResetTTL:     1 * time.Hour,

		TokenDelivery: DeliveryBearer,
		CookieSecure:  true,

		MaxLoginAttempts: 5,
		MaxSessions:      5,

		MinPasswordLength:         8,
		RequirePasswordComplexity: true,
		MinPasswordScore:          2,

		EmailVerificationRequired: false,

		TOTPDigits: 6,

		RateLimits: RateLimitConfig{
			LoginLimit:          10,
			LoginWindow:         time.Minute,
			RegisterLimit:       5,
			RegisterWindow:      time.Hour,
			PasswordResetLimit:  3,
			PasswordResetWindow: time.Hour,
		},

		StoreClientIP:      true,
		StoreUserAgentHash: true,
		AuditLogRetention:  365 * 24 * time.Hour,
	}
}

// New creates a new AuthService.
func New(opts ...Option) (*AuthService, error) {
	svc := &AuthService{
		config: DefaultConfig(),
	}

	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}

	// Validate
	if svc.store == nil {
		return nil, errors.New("campusauth: store is required (use WithStore)")
	}
	if svc.keys == nil || len(svc.accessSecret) == 0 || len(svc.refreshSecret) == 0 {
		return nil, errors.New("campusauth: secrets are required (use WithSecrets)")
	}

	// Defaults
	if svc.limiter == nil {
		svc.limiter = memorylimiter.New()
	}
	if svc.logger == nil {
		svc.logger, _ = zap.NewProduction()
	}
	if svc.mailer == nil {
		svc.mailer = &noopMailer{logger: svc.logger}
	}
	if svc.metrics == nil {
		svc.metrics = newMetrics()
	}

	if svc.config.TrustProxyHeaders && len(svc.config.TrustedProxies) > 0 {
		nets, err := parseTrustedProxies(svc.config.TrustedProxies)
		if err != nil {
			return nil, err
		}
		svc.trustedProxyNets = nets
	}

	return svc, nil
}

func parseTrustedProxies(values []string) ([]*net.IPNet, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var nets []*net.IPNet
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(v); err == nil {
			nets = append(nets, cidr)
			continue
		}
		ip := net.ParseIP(v)
		if ip == nil {
			return nil, errors.New("campusauth: invalid trusted proxy: " + v)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		mask := net.CIDRMask(bits, bits)
		nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
	}
	return nets, nil
}

// Handler returns the HTTP handler with all routes.
func (s *AuthService) Handler() http.Handler {
	r := chi.NewRouter()

	// Health & metrics
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	// Public
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Post("/refresh", s.handleRefresh)
	r.Post("/forgot-password", s.handleForgotPassword)
	r.Put("/reset-password/{token}", s.handleResetPassword)
	r.Get("/verify-email", s.handleVerifyEmail)

	// Authenticated
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/me", s.handleMe)
		r.Post("/logout", s.handleLogout)
		r.Post("/logout-all", s.handleLogoutAll)
		r.Put("/change-password", s.handleChangePassword)

		r.Post("/setup-2fa", s.handleTwoFASetup)
		r.Post("/verify-2fa", s.handleTwoFAVerify)
		r.Post("/disable-2fa", s.handleTwoFADisable)

		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{sessionID}", s.handleRevokeSession)
		r.Get("/devices", s.handleListDevices)
		r.Get("/security-events", s.handleSecurityEvents)

		r.With(s.RequireRole(RolePrincipal)).
			Post("/approve/{userID}", s.handleApproveTeacher)
		r.With(s.RequireRole(RoleSuperAdmin, RolePrincipal)).
			Post("/unblock/{userID}", s.handleUnblock)
	})

	return r
}

// RequireAuth returns the authentication middleware for protecting routes
// outside this handler.
func (s *AuthService) RequireAuth() func(http.Handler) http.Handler {
	return s.requireAuth
}

// Store returns the underlying store.
func (s *AuthService) Store() Store {
	return s.store
}

// Config returns the configuration.
func (s *AuthService) Config() Config {
	return s.config
}

// Logger returns the logger.
func (s *AuthService) Logger() *zap.Logger {
	return s.logger
}

var startTime = time.Now()

func (s *AuthService) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "ok", map[string]any{
		"status": "ok",
		"uptime": time.Since(startTime).Round(time.Second).String(),
	})
}

// ==================== INTERNAL HELPERS ====================

func (s *AuthService) decryptEmail(user *User) (string, error) {
	email, err := crypto.Decrypt(user.EmailEncrypted, user.EmailNonce, s.keys.EmailKey)
	if err != nil {
		return "", err
	}
	return string(email), nil
}

func maskEmailString(email string) string {
	return crypto.MaskEmail(email)
}

// mailContext returns a detached context for fire-and-forget mail sends, so
// outbound mail is not cancelled when the originating request finishes.
func (s *AuthService) mailContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

type noopMailer struct {
	logger *zap.Logger
}

func (m *noopMailer) SendVerification(ctx context.Context, to, link string) error {
	m.logger.Warn("email not configured", zap.String("type", "verification"), zap.String("to", crypto.MaskEmail(to)))
	return nil
}

func (m *noopMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	m.logger.Warn("email not configured", zap.String("type", "password_reset"), zap.String("to", crypto.MaskEmail(to)))
	return nil
}

func (m *noopMailer) SendAccountBlocked(ctx context.Context, to string) error {
	m.logger.Warn("email not configured", zap.String("type", "account_blocked"), zap.String("to", crypto.MaskEmail(to)))
	return nil
}
