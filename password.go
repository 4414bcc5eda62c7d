package campusauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nbutton23/zxcvbn-go"
	"go.uber.org/zap"

	"github.com/campuskit/campusauth/crypto"
)

// validatePassword enforces the password policy. The caller's email and name
// feed the strength estimator so "jane.doe2024" style passwords score low.
func (s *AuthService) validatePassword(password, email, name string) error {
	if len(password) < s.config.MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", s.config.MinPasswordLength)
	}
	if len(password) > 128 {
		return errors.New("password must be at most 128 characters")
	}

	if s.config.RequirePasswordComplexity {
		var hasUpper, hasLower, hasDigit bool
		for _, c := range password {
			switch {
			case unicode.IsUpper(c):
				hasUpper = true
			case unicode.IsLower(c):
				hasLower = true
			case unicode.IsDigit(c):
				hasDigit = true
			}
		}
		if !hasUpper || !hasLower || !hasDigit {
			return errors.New("password must contain an uppercase letter, a lowercase letter and a digit")
		}
	}

	if s.config.MinPasswordScore > 0 {
		strength := zxcvbn.PasswordStrength(password, []string{email, name, s.config.AppName})
		if strength.Score < s.config.MinPasswordScore {
			return ErrWeakPassword
		}
	}
	return nil
}

// setPassword stores a new credential and invalidates everything that could
// carry the old one: outstanding reset tokens and every session.
func (s *AuthService) setPassword(ctx context.Context, userID, password string) error {
	salt, err := crypto.GenerateSalt(16)
	if err != nil {
		return err
	}
	if err := s.store.Users().UpdatePassword(ctx, userID, crypto.HashPassword(password, salt), salt); err != nil {
		return err
	}
	if err := s.store.Tokens().DeletePasswordResetTokens(ctx, userID); err != nil {
		s.logger.Warn("failed to clear reset tokens", zap.Error(err))
	}
	if err := s.store.Sessions().DeleteAllSessions(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke sessions on password change", zap.Error(err))
	}
	return nil
}

// ==================== CHANGE PASSWORD ====================

func (s *AuthService) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req changePasswordRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	if !crypto.VerifyPassword(req.CurrentPassword, user.PasswordHash, user.PasswordSalt) {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "current password is incorrect")
		return
	}

	email, _ := s.decryptEmail(user)
	if err := s.validatePassword(req.NewPassword, email, user.Name); err != nil {
		writeError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.setPassword(ctx, user.ID, req.NewPassword); err != nil {
		s.logger.Error("password change failed",
			zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "password change failed")
		return
	}
	s.clearTokenCookies(w)

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventPasswordChanged)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "password changed, please sign in again", nil)
}

// ==================== FORGOT / RESET PASSWORD ====================

func (s *AuthService) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimit(w, r, "reset", s.config.RateLimits.PasswordResetLimit, s.config.RateLimits.PasswordResetWindow) {
		return
	}

	var req forgotPasswordRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	meta := s.requestMeta(r)
	email := normalizeEmail(req.Email)

	// Always the same answer, whether or not the address exists.
	const response = "if that email is registered, a reset link has been sent"

	if !validEmail(email) {
		writeJSON(w, http.StatusOK, response, nil)
		return
	}

	user, err := s.store.Users().GetUserByEmailHash(ctx, crypto.HashWithPepper(email, s.pepper))
	if err != nil {
		writeJSON(w, http.StatusOK, response, nil)
		return
	}

	raw, err := crypto.RandomToken(32)
	if err != nil {
		s.logger.Error("failed to generate reset token", zap.Error(err))
		writeJSON(w, http.StatusOK, response, nil)
		return
	}
	_, err = s.store.Tokens().CreatePasswordResetToken(ctx, PasswordResetToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(raw),
		ExpiresAt: time.Now().UTC().Add(s.config.PasswordResetTTL),
	})
	if err != nil {
		s.logger.Error("failed to store reset token", zap.Error(err))
		writeJSON(w, http.StatusOK, response, nil)
		return
	}

	link := s.config.AppBaseURL + "/reset-password/" + url.PathEscape(raw)
	go func() {
		mailCtx, cancel := s.mailContext()
		defer cancel()
		if err := s.mailer.SendPasswordReset(mailCtx, email, link); err != nil {
			s.logger.Error("failed to send reset mail",
				zap.String("email", crypto.MaskEmail(email)), zap.Error(err))
		}
	}()

	entry := s.auditFromRequest(meta, EventPasswordResetRequest)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, response, nil)
}

func (s *AuthService) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "token")
	if raw == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "token is required")
		return
	}

	var req resetPasswordRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	token, err := s.store.Tokens().GetPasswordResetTokenByHash(ctx, crypto.HashToken(raw))
	if err != nil || token == nil || token.Used || time.Now().After(token.ExpiresAt) {
		writeError(w, http.StatusBadRequest, CodeTokenInvalid, "invalid or expired reset link")
		return
	}

	user, err := s.store.Users().GetUserByID(ctx, token.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeTokenInvalid, "invalid or expired reset link")
		return
	}

	email, _ := s.decryptEmail(user)
	if err := s.validatePassword(req.Password, email, user.Name); err != nil {
		writeError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
		return
	}

	if err := s.store.Tokens().MarkPasswordResetUsed(ctx, token.ID); err != nil {
		s.logger.Error("failed to mark reset token used", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "password reset failed")
		return
	}
	if err := s.setPassword(ctx, user.ID, req.Password); err != nil {
		s.logger.Error("password reset failed",
			zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "password reset failed")
		return
	}

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventPasswordResetDone)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "password reset, please sign in", nil)
}
