package campusauth

import (
	"net/http"
	"time"
)

// TokenDelivery selects how token pairs reach the client. The strategy is
// chosen once at startup; handlers never branch on a per-request flag.
type TokenDelivery string

const (
	// DeliveryBearer returns both tokens in the JSON response body.
	DeliveryBearer TokenDelivery = "bearer"
	// DeliveryCookie sets HTTP-only cookies; the refresh cookie is scoped to
	// the refresh path so it is never sent with ordinary API calls.
	DeliveryCookie TokenDelivery = "cookie"
)

const (
	accessCookieName  = "campusauth_access"
	refreshCookieName = "campusauth_refresh"
	refreshCookiePath = "/refresh"
)

// tokenPair carries a freshly minted access/refresh pair plus the device it
// was issued to.
type tokenPair struct {
	AccessToken  string
	RefreshToken string
	DeviceID     string
	SessionID    string
}

// deliverTokens writes the pair according to the configured strategy and
// returns the JSON fields the response body should carry.
func (s *AuthService) deliverTokens(w http.ResponseWriter, pair tokenPair) map[string]any {
	if s.config.TokenDelivery == DeliveryCookie {
		http.SetCookie(w, &http.Cookie{
			Name:     accessCookieName,
			Value:    pair.AccessToken,
			Path:     "/",
			Domain:   s.config.CookieDomain,
			MaxAge:   int(s.config.AccessTokenTTL / time.Second),
			HttpOnly: true,
			Secure:   s.config.CookieSecure,
			SameSite: http.SameSiteStrictMode,
		})
		http.SetCookie(w, &http.Cookie{
			Name:     refreshCookieName,
			Value:    pair.RefreshToken,
			Path:     refreshCookiePath,
			Domain:   s.config.CookieDomain,
			MaxAge:   int(s.config.RefreshTokenTTL / time.Second),
			HttpOnly: true,
			Secure:   s.config.CookieSecure,
			SameSite: http.SameSiteStrictMode,
		})
		return map[string]any{
			"device_id":  pair.DeviceID,
			"session_id": pair.SessionID,
		}
	}

	return map[string]any{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"device_id":     pair.DeviceID,
		"session_id":    pair.SessionID,
	}
}

// clearTokenCookies expires both cookies on logout. A no-op for bearer
// delivery.
func (s *AuthService) clearTokenCookies(w http.ResponseWriter) {
	if s.config.TokenDelivery != DeliveryCookie {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name: accessCookieName, Value: "", Path: "/",
		Domain: s.config.CookieDomain, MaxAge: -1,
		HttpOnly: true, Secure: s.config.CookieSecure, SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name: refreshCookieName, Value: "", Path: refreshCookiePath,
		Domain: s.config.CookieDomain, MaxAge: -1,
		HttpOnly: true, Secure: s.config.CookieSecure, SameSite: http.SameSiteStrictMode,
	})
}

// refreshTokenFromRequest pulls the refresh token from the JSON body or,
// under cookie delivery, from the refresh cookie.
func (s *AuthService) refreshTokenFromRequest(r *http.Request, bodyToken string) string {
	if bodyToken != "" {
		return bodyToken
	}
	if s.config.TokenDelivery == DeliveryCookie {
		if c, err := r.Cookie(refreshCookieName); err == nil {
			return c.Value
		}
	}
	return ""
}

// accessTokenFromRequest pulls the access token from the Authorization
// header or, under cookie delivery, from the access cookie.
func (s *AuthService) accessTokenFromRequest(r *http.Request) string {
	if token := bearerTokenFromHeader(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if s.config.TokenDelivery == DeliveryCookie {
		if c, err := r.Cookie(accessCookieName); err == nil {
			return c.Value
		}
	}
	return ""
}
