package crypto

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

var (
	accessSecret  = bytes.Repeat([]byte{0x11}, 32)
	refreshSecret = bytes.Repeat([]byte{0x22}, 32)
)

func TestAccessTokenRoundTrip(t *testing.T) {
	in := AccessTokenInput{
		UserID:      "user-1",
		Role:        "teacher",
		SchoolCode:  "GHS",
		Permissions: []string{"teach", "view_own"},
		DeviceID:    "device-1",
		JTI:         "jti-1",
	}
	tokenStr, err := NewAccessToken(accessSecret, in, time.Minute)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}

	claims, err := ParseAccessToken(accessSecret, tokenStr)
	if err != nil {
		t.Fatalf("ParseAccessToken: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Subject = %q, want user-1", claims.Subject)
	}
	if claims.Role != "teacher" || claims.SchoolCode != "GHS" {
		t.Errorf("Role/SchoolCode = %q/%q", claims.Role, claims.SchoolCode)
	}
	if claims.DeviceID != "device-1" || claims.ID != "jti-1" {
		t.Errorf("DeviceID/JTI = %q/%q", claims.DeviceID, claims.ID)
	}
	if len(claims.Permissions) != 2 {
		t.Errorf("Permissions = %v", claims.Permissions)
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	tokenStr, err := NewRefreshToken(refreshSecret, "user-1", "device-1", "session-1", time.Hour)
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}

	claims, err := ParseRefreshToken(refreshSecret, tokenStr)
	if err != nil {
		t.Fatalf("ParseRefreshToken: %v", err)
	}
	if claims.Subject != "user-1" || claims.DeviceID != "device-1" || claims.ID != "session-1" {
		t.Errorf("claims = %+v", claims)
	}
	// Refresh tokens carry no identity claims.
	if claims.Role != "" || claims.SchoolCode != "" || len(claims.Permissions) != 0 {
		t.Errorf("refresh token carries identity claims: %+v", claims)
	}
}

func TestExpiredToken(t *testing.T) {
	tokenStr, err := NewAccessToken(accessSecret, AccessTokenInput{UserID: "user-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}

	_, err = ParseAccessToken(accessSecret, tokenStr)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestWrongSecret(t *testing.T) {
	tokenStr, err := NewAccessToken(accessSecret, AccessTokenInput{UserID: "user-1"}, time.Minute)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}

	_, err = ParseAccessToken(refreshSecret, tokenStr)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

// A refresh token must never be accepted where an access token is expected,
// even when signed with the right secret for that slot.
func TestKindConfusion(t *testing.T) {
	refresh, err := NewRefreshToken(accessSecret, "user-1", "device-1", "session-1", time.Hour)
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	if _, err := ParseAccessToken(accessSecret, refresh); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("refresh-as-access err = %v, want ErrTokenInvalid", err)
	}

	access, err := NewAccessToken(accessSecret, AccessTokenInput{UserID: "user-1"}, time.Minute)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	if _, err := ParseRefreshToken(accessSecret, access); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("access-as-refresh err = %v, want ErrTokenInvalid", err)
	}
}

func TestGarbageToken(t *testing.T) {
	if _, err := ParseAccessToken(accessSecret, "not.a.jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}
