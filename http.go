package campusauth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxBodySize is the maximum request body size (1MB).
const maxBodySize = 1 << 20

// envelope is the uniform response shape for every endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// writeJSON writes a success envelope.
func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	writeRaw(w, status, envelope{Success: true, Message: message, Data: data})
}

// writeError writes a failure envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeRaw(w, status, envelope{Success: false, Code: code, Message: message})
}

func writeRaw(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// readJSON reads and unmarshals a JSON request body.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

// Request types for the auth endpoints.

type registerRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	SchoolCode string `json:"school_code,omitempty"`
	SchoolName string `json:"school_name,omitempty"`
}

type loginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	TwoFactorCode string `json:"two_factor_code,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

type twoFAVerifyRequest struct {
	Code string `json:"code"`
}

type twoFADisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

// userSummary is the principal view returned to callers. Credential material
// never appears here.
type userSummary struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	EmailMasked      string `json:"email_masked"`
	Role             Role   `json:"role"`
	SchoolCode       string `json:"school_code,omitempty"`
	EmailVerified    bool   `json:"email_verified"`
	Approved         bool   `json:"approved"`
	TwoFactorEnabled bool   `json:"two_factor_enabled"`
}

func (s *AuthService) summarize(user *User) userSummary {
	masked := "***"
	if email, err := s.decryptEmail(user); err == nil {
		masked = maskEmailString(email)
	}
	return userSummary{
		ID:               user.ID,
		Name:             user.Name,
		EmailMasked:      masked,
		Role:             user.Role,
		SchoolCode:       user.SchoolCode,
		EmailVerified:    user.EmailVerified,
		Approved:         user.Approved,
		TwoFactorEnabled: user.TOTPEnabled,
	}
}
