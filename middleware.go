package campusauth

import (
	"context"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/campuskit/campusauth/crypto"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// userContextKey is the context key for the authenticated user.
	userContextKey contextKey = "campusauth_user"
	// claimsContextKey is the context key for JWT claims.
	claimsContextKey contextKey = "campusauth_claims"
)

// UserFromContext retrieves the authenticated user from the request context.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userContextKey).(*User)
	return user, ok
}

// ClaimsFromContext retrieves the JWT claims from the request context.
func ClaimsFromContext(ctx context.Context) (*crypto.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*crypto.Claims)
	return claims, ok
}

// requireAuth is middleware that requires a valid access token.
func (s *AuthService) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := s.accessTokenFromRequest(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "missing or invalid authorization")
			return
		}

		claims, err := crypto.ParseAccessToken(s.accessSecret, tokenStr)
		if err != nil {
			code := CodeTokenInvalid
			if err == crypto.ErrTokenExpired {
				code = CodeTokenExpired
			}
			writeError(w, http.StatusUnauthorized, code, "invalid or expired token")
			return
		}

		if s.tokenBlacklist != nil {
			if claims.ID == "" {
				writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "invalid token")
				return
			}
			blacklisted, err := s.tokenBlacklist.IsBlacklisted(r.Context(), claims.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
				return
			}
			if blacklisted {
				writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "token revoked")
				return
			}
		}

		user, err := s.store.Users().GetUserByID(r.Context(), claims.Subject)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "user not found")
			return
		}

		if user.Blocked {
			writeError(w, http.StatusForbidden, CodeAccountBlocked, ErrAccountBlocked.Error())
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		ctx = context.WithValue(ctx, claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerTokenFromHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// deviceIDHeader carries the caller's device identifier. It binds refresh
// tokens to a device.
const deviceIDHeader = "X-Device-ID"

// deviceID returns the caller-supplied device ID, or generates one on first
// contact. The caller is expected to echo it on subsequent requests.
func deviceID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(deviceIDHeader)); id != "" {
		return id
	}
	return uuid.New().String()
}

// deviceLabel derives a human-readable label from the User-Agent.
func deviceLabel(r *http.Request) string {
	ua := strings.TrimSpace(r.Header.Get("User-Agent"))
	if ua == "" {
		return "unknown device"
	}
	if len(ua) > 120 {
		ua = ua[:120]
	}
	return ua
}

// reqMeta captures the request facts handlers repeatedly need.
type reqMeta struct {
	deviceID    string
	deviceLabel string
	ip          string
	userAgent   string
}

func (s *AuthService) requestMeta(r *http.Request) reqMeta {
	return reqMeta{
		deviceID:    deviceID(r),
		deviceLabel: deviceLabel(r),
		ip:          s.clientIP(r),
		userAgent:   r.Header.Get("User-Agent"),
	}
}

// ==================== CLIENT IP ====================

func (s *AuthService) clientIP(r *http.Request) string {
	remoteIP := parseIPFromAddr(r.RemoteAddr)
	if !s.config.TrustProxyHeaders || remoteIP == "" {
		return remoteIP
	}
	if !s.isTrustedProxy(remoteIP) {
		return remoteIP
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		for i := len(parts) - 1; i >= 0; i-- {
			ip := strings.TrimSpace(parts[i])
			if ip == "" {
				continue
			}
			parsed := net.ParseIP(ip)
			if parsed == nil {
				continue
			}
			if !s.isTrustedProxy(parsed.String()) {
				return parsed.String()
			}
		}
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	xri := strings.TrimSpace(r.Header.Get("X-Real-IP"))
	if xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	return remoteIP
}

func (s *AuthService) isTrustedProxy(ip string) bool {
	if len(s.trustedProxyNets) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range s.trustedProxyNets {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

func parseIPFromAddr(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return host
	}
	if strings.HasPrefix(addr, "[") && strings.Contains(addr, "]") {
		return strings.TrimPrefix(strings.SplitN(addr, "]", 2)[0], "[")
	}
	return addr
}

// hashIP hashes an IP address for privacy-preserving rate-limit keys.
func (s *AuthService) hashIP(ip string) string {
	sum := crypto.HashWithPepper(ip, s.keys.MetaKey)
	return hex.EncodeToString(sum)
}

// encryptIP encrypts an IP address for storage.
func (s *AuthService) encryptIP(ip string) ([]byte, []byte, error) {
	if ip == "" || !s.config.StoreClientIP {
		return nil, nil, nil
	}
	return crypto.Encrypt([]byte(ip), s.keys.IPKey)
}
