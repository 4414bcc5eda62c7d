package campusauth

import (
	"context"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuskit/campusauth/crypto"
)

// rateLimit applies a fixed-window limit and answers 429 itself when the
// caller is over it. A limiter error fails open: auth availability beats
// strictness here.
func (s *AuthService) rateLimit(w http.ResponseWriter, r *http.Request, scope string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	key := scope + ":" + s.hashIP(s.clientIP(r))
	allowed, _, err := s.limiter.Allow(r.Context(), key, limit, window)
	if err != nil {
		s.logger.Warn("rate limiter error", zap.String("scope", scope), zap.Error(err))
		return true
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, CodeRateLimited, ErrRateLimited.Error())
		return false
	}
	return true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// ==================== REGISTER ====================

func (s *AuthService) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimit(w, r, "register", s.config.RateLimits.RegisterLimit, s.config.RateLimits.RegisterWindow) {
		return
	}

	var req registerRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	email := normalizeEmail(req.Email)
	if !validEmail(email) {
		writeError(w, http.StatusBadRequest, CodeInvalidEmail, ErrInvalidEmail.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "name is required")
		return
	}

	role, ok := ParseRole(req.Role)
	if !ok || role == RoleSuperAdmin {
		// Platform admins are provisioned out of band, never self-registered.
		writeError(w, http.StatusBadRequest, CodeInvalidRole, ErrInvalidRole.Error())
		return
	}

	if err := s.validatePassword(req.Password, email, req.Name); err != nil {
		writeError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
		return
	}

	schoolCode := strings.ToUpper(strings.TrimSpace(req.SchoolCode))
	if schoolCode == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "school code is required")
		return
	}

	ctx := r.Context()

	// Principals found a school: their code must be unused. Everyone else
	// joins an existing, active school.
	var tenant *Tenant
	if role == RolePrincipal {
		if strings.TrimSpace(req.SchoolName) == "" {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "school name is required")
			return
		}
		exists, err := s.store.Tenants().CodeExists(ctx, schoolCode)
		if err != nil {
			s.logger.Error("school code lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, CodeInternalError, "registration failed")
			return
		}
		if exists {
			writeError(w, http.StatusConflict, CodeSchoolCodeExists, ErrSchoolCodeExists.Error())
			return
		}
	} else {
		var err error
		tenant, err = s.store.Tenants().GetTenantByCode(ctx, schoolCode)
		if err != nil {
			writeError(w, http.StatusNotFound, CodeTenantNotFound, ErrTenantNotFound.Error())
			return
		}
		if !tenant.Active {
			writeError(w, http.StatusForbidden, CodeTenantSuspended, ErrTenantSuspended.Error())
			return
		}
	}

	emailHash := crypto.HashWithPepper(email, s.pepper)
	exists, err := s.store.Users().EmailExists(ctx, emailHash)
	if err != nil {
		s.logger.Error("email lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "registration failed")
		return
	}
	if exists {
		writeError(w, http.StatusConflict, CodeEmailExists, ErrEmailExists.Error())
		return
	}

	salt, err := crypto.GenerateSalt(16)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "registration failed")
		return
	}
	emailEnc, emailNonce, err := crypto.Encrypt([]byte(email), s.keys.EmailKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "registration failed")
		return
	}

	now := time.Now().UTC()
	user := User{
		ID:             uuid.New().String(),
		EmailHash:      emailHash,
		EmailEncrypted: emailEnc,
		EmailNonce:     emailNonce,
		Name:           strings.TrimSpace(req.Name),
		Role:           role,
		SchoolCode:     schoolCode,
		PasswordHash:   crypto.HashPassword(req.Password, salt),
		PasswordSalt:   salt,
		EmailVerified:  !s.config.EmailVerificationRequired,
		// Teachers wait for their principal's approval.
		Approved:  role != RoleTeacher,
		CreatedAt: now,
		UpdatedAt: now,
	}

	userID, err := s.store.Users().CreateUser(ctx, user)
	if err != nil {
		s.logger.Error("user creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "registration failed")
		return
	}
	user.ID = userID

	if role == RolePrincipal {
		_, err := s.store.Tenants().CreateTenant(ctx, Tenant{
			ID:        uuid.New().String(),
			Code:      schoolCode,
			Name:      strings.TrimSpace(req.SchoolName),
			Active:    true,
			CreatedBy: userID,
			CreatedAt: now,
		})
		if err != nil {
			s.logger.Error("tenant creation failed",
				zap.String("school_code", schoolCode), zap.Error(err))
			// Remove the user row so the registration can be retried with the
			// same email instead of dying on EMAIL_EXISTS.
			if delErr := s.store.Users().DeleteUser(ctx, userID); delErr != nil {
				s.logger.Error("orphaned user cleanup failed",
					zap.String("user_id", userID), zap.Error(delErr))
			}
			writeError(w, http.StatusInternalServerError, CodeInternalError, "registration failed")
			return
		}
	}

	if s.config.EmailVerificationRequired {
		s.sendVerificationMail(ctx, &user, email)
	}

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventRegister)
	entry.UserID = userID
	entry.SchoolCode = schoolCode
	entry.Metadata = map[string]any{"role": string(role)}
	s.logAudit(ctx, entry)
	s.metrics.registrations.WithLabelValues(string(role)).Inc()

	message := "registration successful"
	if s.config.EmailVerificationRequired {
		message = "registration successful, please verify your email"
	}

	// A registrant who could sign in right now gets their first token pair
	// with the 201. Teachers awaiting approval and unverified accounts go
	// through /login once they are cleared.
	data := map[string]any{"user": s.summarize(&user)}
	if user.EmailVerified && user.Approved {
		pair, err := s.establishSession(r, &user, meta)
		if err != nil {
			s.logger.Error("initial session establishment failed",
				zap.String("user_id", userID), zap.Error(err))
		} else {
			data = s.deliverTokens(w, pair)
			data["user"] = s.summarize(&user)
		}
	}
	writeJSON(w, http.StatusCreated, message, data)
}

// ==================== LOGIN ====================

func (s *AuthService) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimit(w, r, "login", s.config.RateLimits.LoginLimit, s.config.RateLimits.LoginWindow) {
		return
	}

	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	meta := s.requestMeta(r)
	email := normalizeEmail(req.Email)

	user, err := s.store.Users().GetUserByEmailHash(ctx, crypto.HashWithPepper(email, s.pepper))
	if err != nil {
		// Unknown email gets the same answer as a wrong password.
		s.metrics.loginAttempts.WithLabelValues(outcomeFailure).Inc()
		entry := s.auditFromRequest(meta, EventLoginFailed)
		entry.Metadata = map[string]any{"reason": "unknown_email"}
		s.logAudit(ctx, entry)
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, ErrInvalidCredentials.Error())
		return
	}

	// A blocked account stays blocked no matter what the caller sends.
	if user.Blocked {
		s.metrics.loginAttempts.WithLabelValues(outcomeBlocked).Inc()
		writeError(w, http.StatusForbidden, CodeAccountBlocked, ErrAccountBlocked.Error())
		return
	}

	if !crypto.VerifyPassword(req.Password, user.PasswordHash, user.PasswordSalt) {
		s.metrics.loginAttempts.WithLabelValues(outcomeFailure).Inc()
		if s.recordLoginFailure(ctx, user, meta, "wrong_password") {
			writeError(w, http.StatusForbidden, CodeAccountBlocked, ErrAccountBlocked.Error())
			return
		}
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, ErrInvalidCredentials.Error())
		return
	}

	if s.config.EmailVerificationRequired && !user.EmailVerified {
		writeError(w, http.StatusForbidden, CodeForbidden, "email address is not verified")
		return
	}

	if !user.Approved {
		writeError(w, http.StatusForbidden, CodeNotApproved, ErrNotApproved.Error())
		return
	}

	if user.Role.RequiresTenant() {
		tenant, err := s.store.Tenants().GetTenantByCode(ctx, user.SchoolCode)
		if err != nil {
			writeError(w, http.StatusForbidden, CodeTenantNotFound, ErrTenantNotFound.Error())
			return
		}
		if !tenant.Active {
			writeError(w, http.StatusForbidden, CodeTenantSuspended, ErrTenantSuspended.Error())
			return
		}
	}

	if user.TOTPEnabled {
		// Asking for the second factor is not a failed attempt; the password
		// was right.
		if req.TwoFactorCode == "" {
			writeError(w, http.StatusForbidden, CodeTwoFactorRequired, ErrTwoFactorRequired.Error())
			return
		}
		ok, err := s.verifyTOTP(user, req.TwoFactorCode)
		if err != nil {
			s.logger.Error("totp verification failed",
				zap.String("user_id", user.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, CodeInternalError, "login failed")
			return
		}
		if !ok {
			s.metrics.loginAttempts.WithLabelValues(outcomeFailure).Inc()
			s.metrics.twoFAChecks.WithLabelValues(outcomeFailure).Inc()
			twoFAEntry := s.auditFromRequest(meta, Event2FAFailed)
			twoFAEntry.UserID = user.ID
			twoFAEntry.SchoolCode = user.SchoolCode
			s.logAudit(ctx, twoFAEntry)
			if s.recordLoginFailure(ctx, user, meta, "wrong_2fa_code") {
				writeError(w, http.StatusForbidden, CodeAccountBlocked, ErrAccountBlocked.Error())
				return
			}
			writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, ErrInvalidCredentials.Error())
			return
		}
		s.metrics.twoFAChecks.WithLabelValues(outcomeSuccess).Inc()
	}

	s.recordLoginSuccess(ctx, user, meta)

	pair, err := s.establishSession(r, user, meta)
	if err != nil {
		s.logger.Error("session establishment failed",
			zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "login failed")
		return
	}

	entry := s.auditFromRequest(meta, EventLoginSuccess)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)
	s.metrics.loginAttempts.WithLabelValues(outcomeSuccess).Inc()

	data := s.deliverTokens(w, pair)
	data["user"] = s.summarize(user)
	writeJSON(w, http.StatusOK, "login successful", data)
}

// ==================== REFRESH ====================

func (s *AuthService) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	// Body is optional in cookie mode.
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
			return
		}
	}

	tokenStr := s.refreshTokenFromRequest(r, req.RefreshToken)
	if tokenStr == "" {
		writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "refresh token is required")
		return
	}

	claims, err := crypto.ParseRefreshToken(s.refreshSecret, tokenStr)
	if err != nil {
		s.metrics.tokenRefreshes.WithLabelValues(outcomeFailure).Inc()
		code := CodeTokenInvalid
		if err == crypto.ErrTokenExpired {
			code = CodeTokenExpired
		}
		writeError(w, http.StatusUnauthorized, code, "invalid or expired refresh token")
		return
	}

	ctx := r.Context()
	meta := s.requestMeta(r)

	// The refresh token is bound to the device it was issued to. A token
	// replayed from another device is rejected and never rotated.
	presented := strings.TrimSpace(r.Header.Get(deviceIDHeader))
	if presented == "" || presented != claims.DeviceID {
		s.metrics.tokenRefreshes.WithLabelValues(outcomeMismatch).Inc()
		entry := s.auditFromRequest(meta, EventDeviceMismatch)
		entry.UserID = claims.Subject
		entry.Metadata = map[string]any{
			"token_device": claims.DeviceID,
			"seen_device":  presented,
		}
		s.logAudit(ctx, entry)
		writeError(w, http.StatusUnauthorized, CodeDeviceMismatch, ErrDeviceMismatch.Error())
		return
	}

	// The session list is authoritative: a token whose session was evicted
	// or revoked is dead even before its expiry.
	session, err := s.store.Sessions().GetSession(ctx, claims.Subject, claims.ID)
	if err != nil || session == nil {
		s.metrics.tokenRefreshes.WithLabelValues(outcomeFailure).Inc()
		writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "session no longer valid")
		return
	}

	user, err := s.store.Users().GetUserByID(ctx, claims.Subject)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeTokenInvalid, "user not found")
		return
	}
	if user.Blocked {
		writeError(w, http.StatusForbidden, CodeAccountBlocked, ErrAccountBlocked.Error())
		return
	}

	// Rotate: the old session dies with the old token, the replacement pair
	// gets a fresh session slot.
	if _, err := s.store.Sessions().DeleteSession(ctx, user.ID, session.ID); err != nil {
		s.logger.Error("failed to delete rotated session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "refresh failed")
		return
	}
	s.metrics.activeSessions.Dec()

	meta.deviceID = claims.DeviceID
	pair, err := s.establishSession(r, user, meta)
	if err != nil {
		s.logger.Error("session rotation failed",
			zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "refresh failed")
		return
	}

	entry := s.auditFromRequest(meta, EventTokenRefreshed)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)
	s.metrics.tokenRefreshes.WithLabelValues(outcomeSuccess).Inc()

	data := s.deliverTokens(w, pair)
	writeJSON(w, http.StatusOK, "token refreshed", data)
}

// ==================== LOGOUT ====================

func (s *AuthService) handleLogout(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	claims, _ := ClaimsFromContext(r.Context())

	var req logoutRequest
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
			return
		}
	}

	ctx := r.Context()

	// Revoke the session behind the presented refresh token, if any.
	if tokenStr := s.refreshTokenFromRequest(r, req.RefreshToken); tokenStr != "" {
		if refreshClaims, err := crypto.ParseRefreshToken(s.refreshSecret, tokenStr); err == nil && refreshClaims.Subject == user.ID {
			if found, err := s.store.Sessions().DeleteSession(ctx, user.ID, refreshClaims.ID); err != nil {
				s.logger.Warn("failed to delete session on logout", zap.Error(err))
			} else if found {
				s.metrics.activeSessions.Dec()
			}
		}
	}

	s.blacklistAccessToken(ctx, claims)
	s.clearTokenCookies(w)

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventLogout)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "logged out", nil)
}

func (s *AuthService) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	claims, _ := ClaimsFromContext(r.Context())
	ctx := r.Context()

	if err := s.store.Sessions().DeleteAllSessions(ctx, user.ID); err != nil {
		s.logger.Error("failed to delete all sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "logout failed")
		return
	}

	s.blacklistAccessToken(ctx, claims)
	s.clearTokenCookies(w)

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventLogoutAll)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "logged out everywhere", nil)
}

// blacklistAccessToken revokes the current access token for its remaining
// lifetime so logout takes effect before the token expires.
func (s *AuthService) blacklistAccessToken(ctx context.Context, claims *crypto.Claims) {
	if s.tokenBlacklist == nil || claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if err := s.tokenBlacklist.Blacklist(ctx, claims.ID, ttl); err != nil {
		s.logger.Warn("failed to blacklist access token", zap.Error(err))
	}
}

// ==================== ME ====================

func (s *AuthService) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, "", map[string]any{"user": s.summarize(user)})
}

// ==================== EMAIL VERIFICATION ====================

func (s *AuthService) sendVerificationMail(ctx context.Context, user *User, email string) {
	raw, err := crypto.RandomToken(32)
	if err != nil {
		s.logger.Error("failed to generate verification token", zap.Error(err))
		return
	}
	_, err = s.store.Tokens().CreateVerificationToken(ctx, VerificationToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(raw),
		ExpiresAt: time.Now().UTC().Add(s.config.VerificationTokenTTL),
	})
	if err != nil {
		s.logger.Error("failed to store verification token", zap.Error(err))
		return
	}

	link := s.config.AppBaseURL + "/verify-email?token=" + url.QueryEscape(raw)
	go func() {
		mailCtx, cancel := s.mailContext()
		defer cancel()
		if err := s.mailer.SendVerification(mailCtx, email, link); err != nil {
			s.logger.Error("failed to send verification mail",
				zap.String("email", crypto.MaskEmail(email)), zap.Error(err))
		}
	}()
}

func (s *AuthService) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "token is required")
		return
	}

	ctx := r.Context()
	token, err := s.store.Tokens().GetVerificationTokenByHash(ctx, crypto.HashToken(raw))
	if err != nil || token == nil || token.Used || time.Now().After(token.ExpiresAt) {
		writeError(w, http.StatusBadRequest, CodeTokenInvalid, "invalid or expired verification link")
		return
	}

	if err := s.store.Users().SetUserVerified(ctx, token.UserID); err != nil {
		s.logger.Error("failed to mark user verified", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "verification failed")
		return
	}
	if err := s.store.Tokens().MarkVerificationTokenUsed(ctx, token.ID); err != nil {
		s.logger.Warn("failed to mark verification token used", zap.Error(err))
	}

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventEmailVerified)
	entry.UserID = token.UserID
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "email verified", nil)
}

// ==================== ADMIN: APPROVE / UNBLOCK ====================

func (s *AuthService) handleApproveTeacher(w http.ResponseWriter, r *http.Request) {
	actor, _ := UserFromContext(r.Context())
	targetID := chi.URLParam(r, "userID")
	ctx := r.Context()

	target, err := s.store.Users().GetUserByID(ctx, targetID)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "user not found")
		return
	}
	// Principals only manage their own school.
	if target.SchoolCode != actor.SchoolCode {
		writeError(w, http.StatusForbidden, CodeForbidden, "user belongs to another school")
		return
	}
	if target.Role != RoleTeacher {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "only teacher accounts require approval")
		return
	}
	if target.Approved {
		writeJSON(w, http.StatusOK, "account already approved", nil)
		return
	}

	if err := s.store.Users().SetApproved(ctx, targetID, true); err != nil {
		s.logger.Error("failed to approve account", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "approval failed")
		return
	}

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventTeacherApproved)
	entry.UserID = targetID
	entry.SchoolCode = target.SchoolCode
	entry.Metadata = map[string]any{"approved_by": actor.ID}
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "account approved", nil)
}

func (s *AuthService) handleUnblock(w http.ResponseWriter, r *http.Request) {
	actor, _ := UserFromContext(r.Context())
	targetID := chi.URLParam(r, "userID")
	ctx := r.Context()

	target, err := s.store.Users().GetUserByID(ctx, targetID)
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "user not found")
		return
	}
	if actor.Role != RoleSuperAdmin && target.SchoolCode != actor.SchoolCode {
		writeError(w, http.StatusForbidden, CodeForbidden, "user belongs to another school")
		return
	}
	if !target.Blocked {
		writeJSON(w, http.StatusOK, "account is not blocked", nil)
		return
	}

	if err := s.store.Users().UnblockUser(ctx, targetID); err != nil {
		s.logger.Error("failed to unblock account", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "unblock failed")
		return
	}
	if err := s.store.Users().ResetLoginFailures(ctx, targetID); err != nil {
		s.logger.Warn("failed to reset login failures on unblock", zap.Error(err))
	}

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventAccountUnblocked)
	entry.UserID = targetID
	entry.SchoolCode = target.SchoolCode
	entry.Metadata = map[string]any{"unblocked_by": actor.ID}
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "account unblocked", nil)
}
