package crypto

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token parse failures are split so callers can tell a stale token (prompt a
// silent refresh or re-login) from a forged or malformed one.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// TokenKind discriminates access from refresh tokens. Each kind is signed
// with its own secret; a refresh token presented where an access token is
// expected fails signature verification outright.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Claims is the JWT claim set for both token kinds. Access tokens carry the
// full identity (role, tenant, permissions); refresh tokens carry only the
// subject and the device binding.
type Claims struct {
	jwt.RegisteredClaims
	Role        string    `json:"role,omitempty"`
	SchoolCode  string    `json:"school_code,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	TokenKind   TokenKind `json:"kind,omitempty"`
}

// AccessTokenInput bundles the claims minted into an access token.
type AccessTokenInput struct {
	UserID      string
	Role        string
	SchoolCode  string
	Permissions []string
	DeviceID    string
	JTI         string
}

// NewAccessToken mints a signed access token.
func NewAccessToken(secret []byte, in AccessTokenInput, ttl time.Duration) (string, error) {
	now := time.Now()
	jti := in.JTI
	if jti == "" {
		var err error
		jti, err = RandomToken(16)
		if err != nil {
			return "", err
		}
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   in.UserID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:        in.Role,
		SchoolCode:  in.SchoolCode,
		Permissions: in.Permissions,
		DeviceID:    in.DeviceID,
		TokenKind:   TokenKindAccess,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// NewRefreshToken mints a signed refresh token bound to a device. The JTI
// doubles as the session identifier.
func NewRefreshToken(secret []byte, userID, deviceID, jti string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		DeviceID:  deviceID,
		TokenKind: TokenKindRefresh,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseAccessToken parses and validates an access token.
func ParseAccessToken(secret []byte, tokenStr string) (*Claims, error) {
	return parseToken(secret, tokenStr, TokenKindAccess)
}

// ParseRefreshToken parses and validates a refresh token.
func ParseRefreshToken(secret []byte, tokenStr string) (*Claims, error) {
	return parseToken(secret, tokenStr, TokenKindRefresh)
}

func parseToken(secret []byte, tokenStr string, kind TokenKind) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenKind != kind {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
