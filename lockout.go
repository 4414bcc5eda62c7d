package campusauth

import (
	"context"

	"go.uber.org/zap"

	"github.com/campuskit/campusauth/crypto"
)

// recordLoginFailure bumps the failed-attempt counter and blocks the account
// when the counter reaches the configured threshold. It returns true when
// this failure crossed the threshold, so the caller can answer with the
// blocked error instead of the generic credentials error.
func (s *AuthService) recordLoginFailure(ctx context.Context, user *User, meta reqMeta, reason string) (blocked bool) {
	count, err := s.store.Users().IncrementLoginFailures(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to increment login failures",
			zap.String("user_id", user.ID), zap.Error(err))
		return false
	}

	entry := s.auditFromRequest(meta, EventLoginFailed)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	entry.Metadata = map[string]any{"reason": reason, "attempt": count}
	s.logAudit(ctx, entry)

	if count < s.config.MaxLoginAttempts {
		return false
	}

	if err := s.store.Users().BlockUser(ctx, user.ID); err != nil {
		s.logger.Error("failed to block account",
			zap.String("user_id", user.ID), zap.Error(err))
		return false
	}
	s.metrics.accountLockouts.Inc()

	blockEntry := s.auditFromRequest(meta, EventAccountBlocked)
	blockEntry.UserID = user.ID
	blockEntry.SchoolCode = user.SchoolCode
	blockEntry.Metadata = map[string]any{"failed_attempts": count}
	s.logAudit(ctx, blockEntry)

	// Revoke every session so existing refresh tokens die with the account.
	if err := s.store.Sessions().DeleteAllSessions(ctx, user.ID); err != nil {
		s.logger.Error("failed to revoke sessions on lockout",
			zap.String("user_id", user.ID), zap.Error(err))
	}

	s.notifyAccountBlocked(user)
	return true
}

// recordLoginSuccess clears the failure counter and stamps the last login.
func (s *AuthService) recordLoginSuccess(ctx context.Context, user *User, meta reqMeta) {
	if user.FailedLoginAttempts > 0 {
		if err := s.store.Users().ResetLoginFailures(ctx, user.ID); err != nil {
			s.logger.Error("failed to reset login failures",
				zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	ipEnc, ipNonce, err := s.encryptIP(meta.ip)
	if err != nil {
		s.logger.Warn("last-login ip encryption failed", zap.Error(err))
	}
	if err := s.store.Users().UpdateLastLogin(ctx, user.ID, ipEnc, ipNonce); err != nil {
		s.logger.Error("failed to update last login",
			zap.String("user_id", user.ID), zap.Error(err))
	}
}

// notifyAccountBlocked mails the account owner about the lockout. Fire and
// forget: mail problems never surface to the request.
func (s *AuthService) notifyAccountBlocked(user *User) {
	email, err := s.decryptEmail(user)
	if err != nil {
		s.logger.Error("failed to decrypt email for lockout notice",
			zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := s.mailContext()
		defer cancel()
		if err := s.mailer.SendAccountBlocked(ctx, email); err != nil {
			s.logger.Error("failed to send lockout notice",
				zap.String("email", crypto.MaskEmail(email)), zap.Error(err))
		}
	}()
}
