// Package memory provides an in-memory implementation of the
// campusauth.Store interface for tests and single-process setups.
package memory

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuskit/campusauth"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("memory: not found")

// Store implements campusauth.Store in memory. All methods are safe for
// concurrent use.
type Store struct {
	mu sync.Mutex

	users    map[string]*campusauth.User
	tenants  map[string]*campusauth.Tenant
	sessions map[string][]*campusauth.Session
	devices  map[string]map[string]*campusauth.Device

	verificationTokens map[string]*campusauth.VerificationToken
	resetTokens        map[string]*campusauth.PasswordResetToken

	auditLogs []campusauth.AuditLog
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:              make(map[string]*campusauth.User),
		tenants:            make(map[string]*campusauth.Tenant),
		sessions:           make(map[string][]*campusauth.Session),
		devices:            make(map[string]map[string]*campusauth.Device),
		verificationTokens: make(map[string]*campusauth.VerificationToken),
		resetTokens:        make(map[string]*campusauth.PasswordResetToken),
	}
}

func (s *Store) Users() campusauth.UserStore { return (*userStore)(s) }

func (s *Store) Tenants() campusauth.TenantStore { return (*tenantStore)(s) }

func (s *Store) Sessions() campusauth.SessionStore { return (*sessionStore)(s) }

func (s *Store) Tokens() campusauth.TokenStore { return (*tokenStore)(s) }

func (s *Store) Audit() campusauth.AuditStore { return (*auditStore)(s) }

// ==================== USERS ====================

type userStore Store

func (s *userStore) findByEmailHash(emailHash []byte) *campusauth.User {
	for _, u := range s.users {
		if bytes.Equal(u.EmailHash, emailHash) {
			return u
		}
	}
	return nil
}

func (s *userStore) EmailExists(_ context.Context, emailHash []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByEmailHash(emailHash) != nil, nil
}

func (s *userStore) CreateUser(_ context.Context, user campusauth.User) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findByEmailHash(user.EmailHash) != nil {
		return "", errors.New("memory: email already exists")
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	u := user
	s.users[u.ID] = &u
	return u.ID, nil
}

func (s *userStore) GetUserByEmailHash(_ context.Context, emailHash []byte) (*campusauth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.findByEmailHash(emailHash)
	if u == nil {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *userStore) GetUserByID(_ context.Context, userID string) (*campusauth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *userStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return ErrNotFound
	}
	delete(s.users, userID)
	delete(s.sessions, userID)
	delete(s.devices, userID)
	for id, t := range s.verificationTokens {
		if t.UserID == userID {
			delete(s.verificationTokens, id)
		}
	}
	for id, t := range s.resetTokens {
		if t.UserID == userID {
			delete(s.resetTokens, id)
		}
	}
	return nil
}

func (s *userStore) mutate(userID string, fn func(*campusauth.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) IncrementLoginFailures(_ context.Context, userID string) (int, error) {
	var count int
	err := s.mutate(userID, func(u *campusauth.User) {
		u.FailedLoginAttempts++
		count = u.FailedLoginAttempts
	})
	return count, err
}

func (s *userStore) ResetLoginFailures(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *campusauth.User) {
		u.FailedLoginAttempts = 0
	})
}

func (s *userStore) BlockUser(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *campusauth.User) {
		now := time.Now().UTC()
		u.Blocked = true
		u.BlockedAt = &now
	})
}

func (s *userStore) UnblockUser(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *campusauth.User) {
		u.Blocked = false
		u.BlockedAt = nil
		u.FailedLoginAttempts = 0
	})
}

func (s *userStore) UpdateLastLogin(_ context.Context, userID string, ipEnc, ipNonce []byte) error {
	return s.mutate(userID, func(u *campusauth.User) {
		now := time.Now().UTC()
		u.LastLoginAt = &now
		u.LastLoginIPEncrypted = ipEnc
		u.LastLoginIPNonce = ipNonce
	})
}

func (s *userStore) SetUserVerified(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *campusauth.User) {
		u.EmailVerified = true
	})
}

func (s *userStore) SetApproved(_ context.Context, userID string, approved bool) error {
	return s.mutate(userID, func(u *campusauth.User) {
		u.Approved = approved
	})
}

func (s *userStore) UpdatePassword(_ context.Context, userID string, hash, salt []byte) error {
	return s.mutate(userID, func(u *campusauth.User) {
		u.PasswordHash = hash
		u.PasswordSalt = salt
	})
}

func (s *userStore) UpdateTOTPSecret(_ context.Context, userID string, secretEnc, secretNonce []byte) error {
	return s.mutate(userID, func(u *campusauth.User) {
		u.TOTPSecretEncrypted = secretEnc
		u.TOTPNonce = secretNonce
		u.TOTPEnabled = false
	})
}

func (s *userStore) EnableTOTP(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *campusauth.User) {
		u.TOTPEnabled = true
	})
}

func (s *userStore) DisableTOTP(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *campusauth.User) {
		u.TOTPEnabled = false
		u.TOTPSecretEncrypted = nil
		u.TOTPNonce = nil
	})
}

// ==================== TENANTS ====================

type tenantStore Store

func (s *tenantStore) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tenants[code]
	return ok, nil
}

func (s *tenantStore) CreateTenant(_ context.Context, tenant campusauth.Tenant) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenant.Code]; ok {
		return "", errors.New("memory: school code already exists")
	}
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	t := tenant
	s.tenants[t.Code] = &t
	return t.ID, nil
}

func (s *tenantStore) GetTenantByCode(_ context.Context, code string) (*campusauth.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[code]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *tenantStore) SetTenantActive(_ context.Context, code string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[code]
	if !ok {
		return ErrNotFound
	}
	t.Active = active
	return nil
}

// ==================== SESSIONS ====================

type sessionStore Store

func (s *sessionStore) AppendSession(_ context.Context, session campusauth.Session, maxSessions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := session
	list := append(s.sessions[session.UserID], &sess)
	// Oldest first; trim from the front when over the cap.
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	if maxSessions > 0 && len(list) > maxSessions {
		list = list[len(list)-maxSessions:]
	}
	s.sessions[session.UserID] = list
	return nil
}

func (s *sessionStore) GetSession(_ context.Context, userID, sessionID string) (*campusauth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions[userID] {
		if sess.ID == sessionID {
			copied := *sess
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *sessionStore) ListSessions(_ context.Context, userID string) ([]campusauth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sessions[userID]
	out := make([]campusauth.Session, 0, len(list))
	for _, sess := range list {
		out = append(out, *sess)
	}
	return out, nil
}

func (s *sessionStore) DeleteSession(_ context.Context, userID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.sessions[userID]
	for i, sess := range list {
		if sess.ID == sessionID {
			s.sessions[userID] = append(list[:i], list[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *sessionStore) DeleteAllSessions(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

func (s *sessionStore) UpsertDevice(_ context.Context, device campusauth.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.devices[device.UserID]
	if byID == nil {
		byID = make(map[string]*campusauth.Device)
		s.devices[device.UserID] = byID
	}
	if existing, ok := byID[device.ID]; ok {
		existing.Label = device.Label
		existing.LastActive = device.LastActive
		return nil
	}
	d := device
	byID[d.ID] = &d
	return nil
}

func (s *sessionStore) ListDevices(_ context.Context, userID string) ([]campusauth.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.devices[userID]
	out := make([]campusauth.Device, 0, len(byID))
	for _, d := range byID {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out, nil
}

// ==================== TOKENS ====================

type tokenStore Store

func (s *tokenStore) CreateVerificationToken(_ context.Context, token campusauth.VerificationToken) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	t := token
	s.verificationTokens[t.ID] = &t
	return t.ID, nil
}

func (s *tokenStore) GetVerificationTokenByHash(_ context.Context, tokenHash []byte) (*campusauth.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.verificationTokens {
		if bytes.Equal(t.TokenHash, tokenHash) {
			copied := *t
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *tokenStore) MarkVerificationTokenUsed(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.verificationTokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	t.Used = true
	return nil
}

func (s *tokenStore) CreatePasswordResetToken(_ context.Context, token campusauth.PasswordResetToken) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	t := token
	s.resetTokens[t.ID] = &t
	return t.ID, nil
}

func (s *tokenStore) GetPasswordResetTokenByHash(_ context.Context, tokenHash []byte) (*campusauth.PasswordResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.resetTokens {
		if bytes.Equal(t.TokenHash, tokenHash) {
			copied := *t
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *tokenStore) MarkPasswordResetUsed(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resetTokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	t.Used = true
	return nil
}

func (s *tokenStore) DeletePasswordResetTokens(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.resetTokens {
		if t.UserID == userID {
			delete(s.resetTokens, id)
		}
	}
	return nil
}

// ==================== AUDIT ====================

type auditStore Store

func (s *auditStore) InsertAuditLog(_ context.Context, log campusauth.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	s.auditLogs = append(s.auditLogs, log)
	return nil
}

func (s *auditStore) GetUserAuditLogs(_ context.Context, userID string, limit int) ([]campusauth.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []campusauth.AuditLog
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		if s.auditLogs[i].UserID == userID {
			out = append(out, s.auditLogs[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
