package campusauth

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SecretsFromEnv loads the four secrets from the environment. Each value is
// hex-encoded, 64 characters decoding to 32 bytes:
//
//	CAMPUSAUTH_ACCESS_TOKEN_SECRET
//	CAMPUSAUTH_REFRESH_TOKEN_SECRET
//	CAMPUSAUTH_ENCRYPTION_KEY
//	CAMPUSAUTH_PEPPER
func SecretsFromEnv() (Secrets, error) {
	var s Secrets
	var err error
	if s.AccessTokenSecret, err = secretFromEnv("CAMPUSAUTH_ACCESS_TOKEN_SECRET"); err != nil {
		return Secrets{}, err
	}
	if s.RefreshTokenSecret, err = secretFromEnv("CAMPUSAUTH_REFRESH_TOKEN_SECRET"); err != nil {
		return Secrets{}, err
	}
	if s.EncryptionKey, err = secretFromEnv("CAMPUSAUTH_ENCRYPTION_KEY"); err != nil {
		return Secrets{}, err
	}
	if s.Pepper, err = secretFromEnv("CAMPUSAUTH_PEPPER"); err != nil {
		return Secrets{}, err
	}
	return s, nil
}

func secretFromEnv(name string) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("campusauth: %s is not set", name)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("campusauth: %s is not valid hex: %w", name, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("campusauth: %s must decode to 32 bytes, got %d", name, len(b))
	}
	return b, nil
}

// LoadConfigFromEnv overlays environment settings on DefaultConfig. Unset
// variables keep their defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("CAMPUSAUTH_APP_NAME"); v != "" {
		cfg.AppName = v
	}
	if v := os.Getenv("CAMPUSAUTH_APP_BASE_URL"); v != "" {
		cfg.AppBaseURL = strings.TrimRight(v, "/")
	}

	var err error
	if cfg.AccessTokenTTL, err = envDuration("CAMPUSAUTH_ACCESS_TOKEN_TTL", cfg.AccessTokenTTL); err != nil {
		return cfg, err
	}
	if cfg.RefreshTokenTTL, err = envDuration("CAMPUSAUTH_REFRESH_TOKEN_TTL", cfg.RefreshTokenTTL); err != nil {
		return cfg, err
	}
	if cfg.PasswordResetTTL, err = envDuration("CAMPUSAUTH_PASSWORD_RESET_TTL", cfg.PasswordResetTTL); err != nil {
		return cfg, err
	}

	if v := os.Getenv("CAMPUSAUTH_TOKEN_DELIVERY"); v != "" {
		delivery := TokenDelivery(strings.ToLower(v))
		if delivery != DeliveryBearer && delivery != DeliveryCookie {
			return cfg, fmt.Errorf("campusauth: invalid CAMPUSAUTH_TOKEN_DELIVERY %q", v)
		}
		cfg.TokenDelivery = delivery
	}
	if v := os.Getenv("CAMPUSAUTH_COOKIE_DOMAIN"); v != "" {
		cfg.CookieDomain = v
	}

	if cfg.MaxLoginAttempts, err = envInt("CAMPUSAUTH_MAX_LOGIN_ATTEMPTS", cfg.MaxLoginAttempts); err != nil {
		return cfg, err
	}
	if cfg.MaxSessions, err = envInt("CAMPUSAUTH_MAX_SESSIONS", cfg.MaxSessions); err != nil {
		return cfg, err
	}
	if cfg.MinPasswordLength, err = envInt("CAMPUSAUTH_MIN_PASSWORD_LENGTH", cfg.MinPasswordLength); err != nil {
		return cfg, err
	}

	if cfg.EmailVerificationRequired, err = envBool("CAMPUSAUTH_EMAIL_VERIFICATION", cfg.EmailVerificationRequired); err != nil {
		return cfg, err
	}
	if cfg.TrustProxyHeaders, err = envBool("CAMPUSAUTH_TRUST_PROXY_HEADERS", cfg.TrustProxyHeaders); err != nil {
		return cfg, err
	}
	if v := os.Getenv("CAMPUSAUTH_TRUSTED_PROXIES"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.TrustedProxies = append(cfg.TrustedProxies, p)
			}
		}
	}

	return cfg, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("campusauth: invalid %s: %w", name, err)
	}
	return d, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("campusauth: invalid %s: %w", name, err)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("campusauth: invalid %s: %w", name, err)
	}
	return b, nil
}
