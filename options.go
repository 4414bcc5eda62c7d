package campusauth

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/campuskit/campusauth/crypto"
	smtpmailer "github.com/campuskit/campusauth/mailers/smtp"
	redislimiter "github.com/campuskit/campusauth/ratelimit/redis"
)

// Option configures the AuthService.
type Option func(*AuthService) error

// ==================== REQUIRED ====================

// WithStore sets the store implementation.
func WithStore(store Store) Option {
	return func(s *AuthService) error {
		s.store = store
		return nil
	}
}

// WithSecrets sets the cryptographic secrets. All four must be exactly
// 32 bytes, and the two token secrets must differ.
func WithSecrets(secrets Secrets) Option {
	return func(s *AuthService) error {
		if len(secrets.AccessTokenSecret) != 32 ||
			len(secrets.RefreshTokenSecret) != 32 ||
			len(secrets.EncryptionKey) != 32 ||
			len(secrets.Pepper) != 32 {
			return ErrInvalidSecretLength
		}
		if crypto.ConstantTimeEquals(secrets.AccessTokenSecret, secrets.RefreshTokenSecret) {
			return ErrSameTokenSecrets
		}

		s.accessSecret = secrets.AccessTokenSecret
		s.refreshSecret = secrets.RefreshTokenSecret
		s.pepper = secrets.Pepper

		keys, err := crypto.DeriveKeys(secrets.EncryptionKey)
		if err != nil {
			return err
		}
		s.keys = &keys
		return nil
	}
}

// ==================== OPTIONAL PROVIDERS ====================

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *AuthService) error {
		s.logger = logger
		return nil
	}
}

// WithMailer sets a custom mailer.
func WithMailer(mailer Mailer) Option {
	return func(s *AuthService) error {
		s.mailer = mailer
		return nil
	}
}

// WithSMTP sets up the SMTP mail provider.
func WithSMTP(cfg smtpmailer.Config) Option {
	return func(s *AuthService) error {
		s.mailer = smtpmailer.New(cfg)
		return nil
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(s *AuthService) error {
		s.limiter = limiter
		return nil
	}
}

// WithRedis sets up Redis for rate limiting and the token blacklist.
func WithRedis(client *redis.Client) Option {
	return func(s *AuthService) error {
		s.limiter = redislimiter.New(client)
		s.tokenBlacklist = NewRedisBlacklist(client)
		return nil
	}
}

// ==================== CONFIGURATION ====================

// WithConfig sets a complete configuration.
func WithConfig(cfg Config) Option {
	return func(s *AuthService) error {
		s.config = cfg
		return nil
	}
}

// WithAppName sets the application name (used as the TOTP issuer).
func WithAppName(name string) Option {
	return func(s *AuthService) error {
		s.config.AppName = name
		return nil
	}
}

// WithAppURL sets the application base URL used in mailed links.
func WithAppURL(url string) Option {
	return func(s *AuthService) error {
		s.config.AppBaseURL = url
		return nil
	}
}

// WithTokenDelivery selects bearer-JSON or cookie token delivery.
func WithTokenDelivery(delivery TokenDelivery) Option {
	return func(s *AuthService) error {
		s.config.TokenDelivery = delivery
		return nil
	}
}

// WithCookieSettings configures cookie scope for cookie delivery.
func WithCookieSettings(domain string, secure bool) Option {
	return func(s *AuthService) error {
		s.config.CookieDomain = domain
		s.config.CookieSecure = secure
		return nil
	}
}

// WithTokenTTLs sets the access and refresh token lifetimes.
func WithTokenTTLs(access, refresh time.Duration) Option {
	return func(s *AuthService) error {
		s.config.AccessTokenTTL = access
		s.config.RefreshTokenTTL = refresh
		return nil
	}
}

// WithLockout sets the failed-attempt threshold. Blocking stays terminal;
// there is no cooldown to configure.
func WithLockout(maxAttempts int) Option {
	return func(s *AuthService) error {
		s.config.MaxLoginAttempts = maxAttempts
		return nil
	}
}

// WithMaxSessions caps the per-principal session list.
func WithMaxSessions(max int) Option {
	return func(s *AuthService) error {
		s.config.MaxSessions = max
		return nil
	}
}

// WithPasswordPolicy configures password requirements.
func WithPasswordPolicy(minLength int, requireComplexity bool, minScore int) Option {
	return func(s *AuthService) error {
		s.config.MinPasswordLength = minLength
		s.config.RequirePasswordComplexity = requireComplexity
		s.config.MinPasswordScore = minScore
		return nil
	}
}

// WithEmailVerification gates login on a verified email address.
func WithEmailVerification(required bool) Option {
	return func(s *AuthService) error {
		s.config.EmailVerificationRequired = required
		return nil
	}
}

// WithRateLimits sets rate limits for the public endpoints.
func WithRateLimits(cfg RateLimitConfig) Option {
	return func(s *AuthService) error {
		s.config.RateLimits = cfg
		return nil
	}
}

// WithTrustedProxies enables proxy header trust for client IP extraction.
func WithTrustedProxies(proxies []string) Option {
	return func(s *AuthService) error {
		s.config.TrustProxyHeaders = true
		s.config.TrustedProxies = proxies
		return nil
	}
}
