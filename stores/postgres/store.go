// Package postgres provides a PostgreSQL implementation of the
// campusauth.Store interface.
package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuskit/campusauth"
)

// Store implements campusauth.Store for PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	userStore    *UserStore
	tenantStore  *TenantStore
	sessionStore *SessionStore
	tokenStore   *TokenStore
	auditStore   *AuditStore
}

// New creates a new PostgreSQL store on the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:         pool,
		userStore:    &UserStore{pool: pool},
		tenantStore:  &TenantStore{pool: pool},
		sessionStore: &SessionStore{pool: pool},
		tokenStore:   &TokenStore{pool: pool},
		auditStore:   &AuditStore{pool: pool},
	}
}

func (s *Store) Users() campusauth.UserStore { return s.userStore }

func (s *Store) Tenants() campusauth.TenantStore { return s.tenantStore }

func (s *Store) Sessions() campusauth.SessionStore { return s.sessionStore }

func (s *Store) Tokens() campusauth.TokenStore { return s.tokenStore }

func (s *Store) Audit() campusauth.AuditStore { return s.auditStore }

// ==================== USERS ====================

// UserStore handles principal records.
type UserStore struct {
	pool *pgxpool.Pool
}

func (s *UserStore) EmailExists(ctx context.Context, emailHash []byte) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE email_hash=$1)", emailHash).Scan(&exists)
	return exists, err
}

func (s *UserStore) CreateUser(ctx context.Context, user campusauth.User) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email_hash, email_encrypted, email_nonce, name, role, school_code,
			password_hash, password_salt, email_verified, approved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		user.ID, user.EmailHash, user.EmailEncrypted, user.EmailNonce,
		user.Name, string(user.Role), user.SchoolCode,
		user.PasswordHash, user.PasswordSalt,
		user.EmailVerified, user.Approved,
	).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

const userColumns = `id, email_hash, email_encrypted, email_nonce, name, role, school_code,
	password_hash, password_salt,
	totp_secret_encrypted, totp_nonce, totp_enabled,
	email_verified, approved,
	blocked, blocked_at, failed_login_attempts,
	last_login_at, last_login_ip_encrypted, last_login_ip_nonce,
	created_at, updated_at`

func scanUser(row pgx.Row) (*campusauth.User, error) {
	var u campusauth.User
	var role string
	err := row.Scan(
		&u.ID, &u.EmailHash, &u.EmailEncrypted, &u.EmailNonce, &u.Name, &role, &u.SchoolCode,
		&u.PasswordHash, &u.PasswordSalt,
		&u.TOTPSecretEncrypted, &u.TOTPNonce, &u.TOTPEnabled,
		&u.EmailVerified, &u.Approved,
		&u.Blocked, &u.BlockedAt, &u.FailedLoginAttempts,
		&u.LastLoginAt, &u.LastLoginIPEncrypted, &u.LastLoginIPNonce,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role = campusauth.Role(role)
	return &u, nil
}

func (s *UserStore) GetUserByEmailHash(ctx context.Context, emailHash []byte) (*campusauth.User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email_hash=$1", emailHash)
	return scanUser(row)
}

func (s *UserStore) GetUserByID(ctx context.Context, userID string) (*campusauth.User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id=$1", userID)
	return scanUser(row)
}

// DeleteUser removes the user row; sessions, devices and tokens cascade.
func (s *UserStore) DeleteUser(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *UserStore) IncrementLoginFailures(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE users SET failed_login_attempts = failed_login_attempts + 1, updated_at = NOW()
		WHERE id=$1
		RETURNING failed_login_attempts`, userID).Scan(&count)
	return count, err
}

func (s *UserStore) ResetLoginFailures(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET failed_login_attempts = 0, updated_at = NOW() WHERE id=$1`, userID)
	return err
}

func (s *UserStore) BlockUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET blocked = TRUE, blocked_at = NOW(), updated_at = NOW() WHERE id=$1`, userID)
	return err
}

func (s *UserStore) UnblockUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET blocked = FALSE, blocked_at = NULL, failed_login_attempts = 0, updated_at = NOW()
		WHERE id=$1`, userID)
	return err
}

func (s *UserStore) UpdateLastLogin(ctx context.Context, userID string, ipEnc, ipNonce []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET last_login_at = NOW(), last_login_ip_encrypted = $1, last_login_ip_nonce = $2,
			updated_at = NOW()
		WHERE id=$3`, ipEnc, ipNonce, userID)
	return err
}

func (s *UserStore) SetUserVerified(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id=$1`, userID)
	return err
}

func (s *UserStore) SetApproved(ctx context.Context, userID string, approved bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET approved = $1, updated_at = NOW() WHERE id=$2`, approved, userID)
	return err
}

func (s *UserStore) UpdatePassword(ctx context.Context, userID string, hash, salt []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $1, password_salt = $2, updated_at = NOW() WHERE id=$3`,
		hash, salt, userID)
	return err
}

func (s *UserStore) UpdateTOTPSecret(ctx context.Context, userID string, secretEnc, secretNonce []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET totp_secret_encrypted = $1, totp_nonce = $2, totp_enabled = FALSE, updated_at = NOW()
		WHERE id=$3`, secretEnc, secretNonce, userID)
	return err
}

func (s *UserStore) EnableTOTP(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET totp_enabled = TRUE, updated_at = NOW() WHERE id=$1`, userID)
	return err
}

func (s *UserStore) DisableTOTP(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET totp_enabled = FALSE, totp_secret_encrypted = NULL, totp_nonce = NULL,
			updated_at = NOW()
		WHERE id=$1`, userID)
	return err
}

// ==================== TENANTS ====================

// TenantStore handles school records.
type TenantStore struct {
	pool *pgxpool.Pool
}

func (s *TenantStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM tenants WHERE code=$1)", code).Scan(&exists)
	return exists, err
}

func (s *TenantStore) CreateTenant(ctx context.Context, tenant campusauth.Tenant) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, code, name, active, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		tenant.ID, tenant.Code, tenant.Name, tenant.Active, tenant.CreatedBy,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *TenantStore) GetTenantByCode(ctx context.Context, code string) (*campusauth.Tenant, error) {
	var t campusauth.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, name, active, created_by, created_at FROM tenants WHERE code=$1`, code,
	).Scan(&t.ID, &t.Code, &t.Name, &t.Active, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TenantStore) SetTenantActive(ctx context.Context, code string, active bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE tenants SET active = $1 WHERE code=$2`, active, code)
	return err
}

// ==================== SESSIONS ====================

// SessionStore handles per-principal session and device lists.
type SessionStore struct {
	pool *pgxpool.Pool
}

// AppendSession inserts the session and trims the principal's list to
// maxSessions in one transaction. The trim keeps the newest rows by
// insertion order, so the oldest session drops out first.
func (s *SessionStore) AppendSession(ctx context.Context, session campusauth.Session, maxSessions int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, user_id, device_id, device_label, ip_encrypted, ip_nonce, last_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.UserID, session.DeviceID, session.DeviceLabel,
		session.IPEncrypted, session.IPNonce, session.LastActive, session.CreatedAt,
	)
	if err != nil {
		return err
	}

	if maxSessions > 0 {
		_, err = tx.Exec(ctx, `
			DELETE FROM sessions
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM sessions
				WHERE user_id = $1
				ORDER BY created_at DESC, id DESC
				LIMIT $2
			)`, session.UserID, maxSessions)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *SessionStore) GetSession(ctx context.Context, userID, sessionID string) (*campusauth.Session, error) {
	var sess campusauth.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, device_id, device_label, ip_encrypted, ip_nonce, last_active, created_at
		FROM sessions WHERE user_id=$1 AND id=$2`, userID, sessionID,
	).Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.DeviceLabel,
		&sess.IPEncrypted, &sess.IPNonce, &sess.LastActive, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SessionStore) ListSessions(ctx context.Context, userID string) ([]campusauth.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, device_id, device_label, ip_encrypted, ip_nonce, last_active, created_at
		FROM sessions WHERE user_id=$1
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campusauth.Session
	for rows.Next() {
		var sess campusauth.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.DeviceLabel,
			&sess.IPEncrypted, &sess.IPNonce, &sess.LastActive, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) DeleteSession(ctx context.Context, userID, sessionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sessions WHERE user_id=$1 AND id=$2`, userID, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *SessionStore) DeleteAllSessions(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE user_id=$1`, userID)
	return err
}

func (s *SessionStore) UpsertDevice(ctx context.Context, device campusauth.Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, user_id, label, last_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id, user_id) DO UPDATE SET label = EXCLUDED.label, last_active = EXCLUDED.last_active`,
		device.ID, device.UserID, device.Label, device.LastActive, device.CreatedAt)
	return err
}

func (s *SessionStore) ListDevices(ctx context.Context, userID string) ([]campusauth.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, label, last_active, created_at
		FROM devices WHERE user_id=$1
		ORDER BY last_active DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campusauth.Device
	for rows.Next() {
		var d campusauth.Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Label, &d.LastActive, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ==================== TOKENS ====================

// TokenStore handles email-verification and password-reset tokens.
type TokenStore struct {
	pool *pgxpool.Pool
}

func (s *TokenStore) CreateVerificationToken(ctx context.Context, token campusauth.VerificationToken) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_verification_tokens (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *TokenStore) GetVerificationTokenByHash(ctx context.Context, tokenHash []byte) (*campusauth.VerificationToken, error) {
	var t campusauth.VerificationToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, used
		FROM email_verification_tokens WHERE token_hash=$1`, tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Used)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TokenStore) MarkVerificationTokenUsed(ctx context.Context, tokenID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_verification_tokens SET used = TRUE WHERE id=$1`, tokenID)
	return err
}

func (s *TokenStore) CreatePasswordResetToken(ctx context.Context, token campusauth.PasswordResetToken) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *TokenStore) GetPasswordResetTokenByHash(ctx context.Context, tokenHash []byte) (*campusauth.PasswordResetToken, error) {
	var t campusauth.PasswordResetToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, expires_at, used
		FROM password_reset_tokens WHERE token_hash=$1`, tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Used)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TokenStore) MarkPasswordResetUsed(ctx context.Context, tokenID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE password_reset_tokens SET used = TRUE WHERE id=$1`, tokenID)
	return err
}

func (s *TokenStore) DeletePasswordResetTokens(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM password_reset_tokens WHERE user_id=$1`, userID)
	return err
}

// ==================== AUDIT ====================

// AuditStore handles the append-only security event log.
type AuditStore struct {
	pool *pgxpool.Pool
}

func (s *AuditStore) InsertAuditLog(ctx context.Context, log campusauth.AuditLog) error {
	var metadata []byte
	if log.Metadata != nil {
		b, err := json.Marshal(log.Metadata)
		if err != nil {
			return err
		}
		metadata = b
	}
	var expiresAt any
	if !log.ExpiresAt.IsZero() {
		expiresAt = log.ExpiresAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (user_id, school_code, event_type, device_id,
			ip_encrypted, ip_nonce, user_agent_hash, metadata, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		nullString(log.UserID), nullString(log.SchoolCode), log.EventType, nullString(log.DeviceID),
		log.IPEncrypted, log.IPNonce, log.UserAgentHash, metadata, expiresAt, log.CreatedAt)
	return err
}

func (s *AuditStore) GetUserAuditLogs(ctx context.Context, userID string, limit int) ([]campusauth.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, school_code, event_type, device_id,
			ip_encrypted, ip_nonce, user_agent_hash, metadata, created_at
		FROM audit_logs WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campusauth.AuditLog
	for rows.Next() {
		var l campusauth.AuditLog
		var userID, schoolCode, deviceID *string
		var metadata []byte
		if err := rows.Scan(&l.ID, &userID, &schoolCode, &l.EventType, &deviceID,
			&l.IPEncrypted, &l.IPNonce, &l.UserAgentHash, &metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		if userID != nil {
			l.UserID = *userID
		}
		if schoolCode != nil {
			l.SchoolCode = *schoolCode
		}
		if deviceID != nil {
			l.DeviceID = *deviceID
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &l.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// IsNotFound reports whether err is the driver's no-rows error.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
