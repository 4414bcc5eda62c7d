package campusauth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuskit/campusauth/crypto"
)

// establishSession mints an access/refresh token pair and records the
// session. The refresh token's JTI doubles as the session ID; appending the
// session trims the principal's list to the configured cap, evicting the
// oldest session first.
func (s *AuthService) establishSession(r *http.Request, user *User, meta reqMeta) (tokenPair, error) {
	sessionID := uuid.New().String()

	accessToken, err := crypto.NewAccessToken(s.accessSecret, crypto.AccessTokenInput{
		UserID:      user.ID,
		Role:        string(user.Role),
		SchoolCode:  user.SchoolCode,
		Permissions: user.Role.Permissions(),
		DeviceID:    meta.deviceID,
		JTI:         uuid.New().String(),
	}, s.config.AccessTokenTTL)
	if err != nil {
		return tokenPair{}, err
	}

	refreshToken, err := crypto.NewRefreshToken(s.refreshSecret, user.ID, meta.deviceID, sessionID, s.config.RefreshTokenTTL)
	if err != nil {
		return tokenPair{}, err
	}

	now := time.Now().UTC()
	ipEnc, ipNonce, err := s.encryptIP(meta.ip)
	if err != nil {
		s.logger.Warn("session ip encryption failed", zap.Error(err))
	}

	session := Session{
		ID:          sessionID,
		UserID:      user.ID,
		DeviceID:    meta.deviceID,
		DeviceLabel: meta.deviceLabel,
		IPEncrypted: ipEnc,
		IPNonce:     ipNonce,
		LastActive:  now,
		CreatedAt:   now,
	}
	// Count before the append so the eviction metric and the gauge stay
	// honest when the trim drops the oldest session.
	evicted := 0
	if existing, err := s.store.Sessions().ListSessions(r.Context(), user.ID); err == nil {
		if over := len(existing) + 1 - s.config.MaxSessions; over > 0 {
			evicted = over
		}
	}

	if err := s.store.Sessions().AppendSession(r.Context(), session, s.config.MaxSessions); err != nil {
		return tokenPair{}, err
	}
	s.metrics.activeSessions.Inc()
	if evicted > 0 {
		s.metrics.sessionsEvicted.Add(float64(evicted))
		s.metrics.activeSessions.Sub(float64(evicted))
	}

	device := Device{
		ID:         meta.deviceID,
		UserID:     user.ID,
		Label:      meta.deviceLabel,
		LastActive: now,
		CreatedAt:  now,
	}
	if err := s.store.Sessions().UpsertDevice(r.Context(), device); err != nil {
		s.logger.Warn("device upsert failed",
			zap.String("user_id", user.ID), zap.Error(err))
	}

	return tokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		DeviceID:     meta.deviceID,
		SessionID:    sessionID,
	}, nil
}

// sessionView is what callers see of their sessions. IPs stay encrypted at
// rest and are not echoed back.
type sessionView struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	DeviceLabel string    `json:"device_label"`
	Current     bool      `json:"current"`
	LastActive  time.Time `json:"last_active"`
	CreatedAt   time.Time `json:"created_at"`
}

type deviceView struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *AuthService) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	currentDevice := r.Header.Get(deviceIDHeader)

	sessions, err := s.store.Sessions().ListSessions(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed to list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{
			ID:          sess.ID,
			DeviceID:    sess.DeviceID,
			DeviceLabel: sess.DeviceLabel,
			Current:     currentDevice != "" && sess.DeviceID == currentDevice,
			LastActive:  sess.LastActive,
			CreatedAt:   sess.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, "", map[string]any{"sessions": views})
}

func (s *AuthService) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "session ID is required")
		return
	}

	found, err := s.store.Sessions().DeleteSession(r.Context(), user.ID, sessionID)
	if err != nil {
		s.logger.Error("failed to revoke session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to revoke session")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, CodeNotFound, ErrSessionNotFound.Error())
		return
	}
	s.metrics.activeSessions.Dec()

	meta := s.requestMeta(r)
	entry := s.auditFromRequest(meta, EventSessionRevoked)
	entry.UserID = user.ID
	entry.SchoolCode = user.SchoolCode
	entry.Metadata = map[string]any{"session_id": sessionID}
	s.logAudit(r.Context(), entry)

	writeJSON(w, http.StatusOK, "session revoked", nil)
}

func (s *AuthService) handleListDevices(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	devices, err := s.store.Sessions().ListDevices(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("failed to list devices", zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to list devices")
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			ID:         d.ID,
			Label:      d.Label,
			LastActive: d.LastActive,
			CreatedAt:  d.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, "", map[string]any{"devices": views})
}
