package campusauth

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"net/http"
	"time"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/campuskit/campusauth/crypto"
)

// totpPeriod and totpSkew follow RFC 6238: 30 second steps, one step of
// clock drift tolerated in either direction.
const (
	totpPeriod = 30
	totpSkew   = 1
)

// verifyTOTP checks a code against the principal's stored secret.
func (s *AuthService) verifyTOTP(user *User, code string) (bool, error) {
	secret, err := crypto.Decrypt(user.TOTPSecretEncrypted, user.TOTPNonce, s.keys.TOTPKey)
	if err != nil {
		return false, err
	}
	return totp.ValidateCustom(code, string(secret), time.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.Digits(s.config.TOTPDigits),
		Algorithm: otp.AlgorithmSHA1,
	})
}

// handleTwoFASetup starts TOTP enrollment. The secret is stored encrypted
// but 2FA stays off until the caller proves possession via /verify-2fa.
func (s *AuthService) handleTwoFASetup(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	if user.TOTPEnabled {
		writeError(w, http.StatusConflict, Code2FAAlreadyEnabled, Err2FAAlreadyEnabled.Error())
		return
	}

	email, err := s.decryptEmail(user)
	if err != nil {
		s.logger.Error("failed to decrypt email for 2fa setup",
			zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "2fa setup failed")
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.AppName,
		AccountName: email,
		Digits:      otp.Digits(s.config.TOTPDigits),
		Period:      totpPeriod,
	})
	if err != nil {
		s.logger.Error("totp key generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "2fa setup failed")
		return
	}

	secretEnc, secretNonce, err := crypto.Encrypt([]byte(key.Secret()), s.keys.TOTPKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "2fa setup failed")
		return
	}

	// Re-running setup replaces any earlier unverified secret.
	if err := s.store.Users().UpdateTOTPSecret(r.Context(), user.ID, secretEnc, secretNonce); err != nil {
		s.logger.Error("failed to store totp secret", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "2fa setup failed")
		return
	}

	data := map[string]any{
		"secret":      key.Secret(),
		"otpauth_url": key.URL(),
	}
	if qrPNG, err := qrCodePNG(key.URL()); err == nil {
		data["qr_code"] = "data:image/png;base64," + qrPNG
	} else {
		s.logger.Warn("qr code generation failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, "scan the QR code and confirm with a code", data)
}

func qrCodePNG(otpauthURL string) (string, error) {
	code, err := qr.Encode(otpauthURL, qr.M, qr.Auto)
	if err != nil {
		return "", err
	}
	code, err = barcode.Scale(code, 256, 256)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// handleTwoFAVerify completes enrollment: a valid code flips 2FA on.
func (s *AuthService) handleTwoFAVerify(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	if user.TOTPEnabled {
		writeError(w, http.StatusConflict, Code2FAAlreadyEnabled, Err2FAAlreadyEnabled.Error())
		return
	}
	if len(user.TOTPSecretEncrypted) == 0 {
		writeError(w, http.StatusBadRequest, CodeBadRequest, Err2FANotPending.Error())
		return
	}

	var req twoFAVerifyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	ok, err := s.verifyTOTP(user, req.Code)
	if err != nil {
		s.logger.Error("totp verification failed",
			zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "2fa verification failed")
		return
	}
	if !ok {
		s.metrics.twoFAChecks.WithLabelValues(outcomeFailure).Inc()
		writeError(w, http.StatusBadRequest, CodeInvalid2FACode, ErrInvalid2FACode.Error())
		return
	}
	s.metrics.twoFAChecks.WithLabelValues(outcomeSuccess).Inc()

	ctx := r.Context()
	if err := s.store.Users().EnableTOTP(ctx, user.ID); err != nil {
		s.logger.Error("failed to enable 2fa", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "2fa verification failed")
		return
	}

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, Event2FAEnabled)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "two-factor authentication enabled", nil)
}

// handleTwoFADisable turns 2FA off. It demands the password and a current
// code together, so neither a stolen session nor a stolen phone is enough.
func (s *AuthService) handleTwoFADisable(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	if !user.TOTPEnabled {
		writeError(w, http.StatusBadRequest, Code2FANotEnabled, Err2FANotEnabled.Error())
		return
	}

	var req twoFADisableRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	if !crypto.VerifyPassword(req.Password, user.PasswordHash, user.PasswordSalt) {
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "password is incorrect")
		return
	}

	ok, err := s.verifyTOTP(user, req.Code)
	if err != nil {
		s.logger.Error("totp verification failed",
			zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "2fa disable failed")
		return
	}
	if !ok {
		s.metrics.twoFAChecks.WithLabelValues(outcomeFailure).Inc()
		writeError(w, http.StatusBadRequest, CodeInvalid2FACode, ErrInvalid2FACode.Error())
		return
	}

	ctx := r.Context()
	if err := s.store.Users().DisableTOTP(ctx, user.ID); err != nil {
		s.logger.Error("failed to disable 2fa", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "2fa disable failed")
		return
	}

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, Event2FADisabled)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	s.logAudit(ctx, entry)

	writeJSON(w, http.StatusOK, "two-factor authentication disabled", nil)
}
