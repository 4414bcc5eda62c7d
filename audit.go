package campusauth

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/campuskit/campusauth/crypto"
)

// auditEntry carries the variable parts of an audit record. User and tenant
// identifiers are optional because some events (failed login for an unknown
// email) have no resolved user.
type auditEntry struct {
	Event      string
	UserID     string
	SchoolCode string
	DeviceID   string
	IP         string
	UserAgent  string
	Metadata   map[string]any
}

// logAudit writes an audit record. Audit persistence is best effort: a
// failing audit store must never fail the operation it describes, so errors
// are logged and swallowed.
func (s *AuthService) logAudit(ctx context.Context, e auditEntry) {
	now := time.Now().UTC()
	log := AuditLog{
		EventType:  e.Event,
		UserID:     e.UserID,
		SchoolCode: e.SchoolCode,
		DeviceID:   e.DeviceID,
		Metadata:   e.Metadata,
		CreatedAt:  now,
	}
	if s.config.AuditLogRetention > 0 {
		log.ExpiresAt = now.Add(s.config.AuditLogRetention)
	}

	if e.IP != "" && s.config.StoreClientIP {
		ciphertext, nonce, err := crypto.Encrypt([]byte(e.IP), s.keys.IPKey)
		if err != nil {
			s.logger.Warn("audit ip encryption failed", zap.Error(err))
		} else {
			log.IPEncrypted = ciphertext
			log.IPNonce = nonce
		}
	}

	if e.UserAgent != "" && s.config.StoreUserAgentHash {
		log.UserAgentHash = crypto.HashWithPepper(e.UserAgent, s.keys.MetaKey)
	}

	if err := s.store.Audit().InsertAuditLog(ctx, log); err != nil {
		s.logger.Warn("audit write failed",
			zap.String("event", e.Event),
			zap.Error(err))
	}
}

// auditFromRequest builds an auditEntry pre-filled with request context.
func (s *AuthService) auditFromRequest(r reqMeta, event string) auditEntry {
	return auditEntry{
		Event:     event,
		DeviceID:  r.deviceID,
		IP:        r.ip,
		UserAgent: r.userAgent,
	}
}

// auditEventView is the caller-facing shape of an audit record. Encrypted
// IPs and hashed user agents stay out of responses.
type auditEventView struct {
	EventType string         `json:"event_type"`
	DeviceID  string         `json:"device_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

const auditPageSize = 50

// handleSecurityEvents lets a signed-in principal review the recent audit
// trail of their own account.
func (s *AuthService) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	logs, err := s.store.Audit().GetUserAuditLogs(r.Context(), user.ID, auditPageSize)
	if err != nil {
		s.logger.Error("failed to read audit logs",
			zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, CodeInternalError, "failed to read security events")
		return
	}

	views := make([]auditEventView, 0, len(logs))
	for _, l := range logs {
		views = append(views, auditEventView{
			EventType: l.EventType,
			DeviceID:  l.DeviceID,
			Metadata:  l.Metadata,
			CreatedAt: l.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, "", map[string]any{"events": views})
}
