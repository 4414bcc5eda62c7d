package postgres

import "context"

// Migrate creates the tables the store needs. Statements are idempotent so
// it is safe to run at every startup.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email_hash BYTEA NOT NULL UNIQUE,
			email_encrypted BYTEA NOT NULL,
			email_nonce BYTEA NOT NULL,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			school_code TEXT NOT NULL DEFAULT '',
			password_hash BYTEA NOT NULL,
			password_salt BYTEA NOT NULL,
			totp_secret_encrypted BYTEA,
			totp_nonce BYTEA,
			totp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			email_verified BOOLEAN NOT NULL DEFAULT FALSE,
			approved BOOLEAN NOT NULL DEFAULT TRUE,
			blocked BOOLEAN NOT NULL DEFAULT FALSE,
			blocked_at TIMESTAMPTZ,
			failed_login_attempts INT NOT NULL DEFAULT 0,
			last_login_at TIMESTAMPTZ,
			last_login_ip_encrypted BYTEA,
			last_login_ip_nonce BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_school_code ON users (school_code)`,

		`CREATE TABLE IF NOT EXISTS tenants (
			id UUID PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_by UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			device_id TEXT NOT NULL,
			device_label TEXT NOT NULL DEFAULT '',
			ip_encrypted BYTEA,
			ip_nonce BYTEA,
			last_active TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT NOT NULL,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			label TEXT NOT NULL DEFAULT '',
			last_active TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS email_verification_tokens (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash BYTEA NOT NULL UNIQUE,
			expires_at TIMESTAMPTZ NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS password_reset_tokens (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash BYTEA NOT NULL UNIQUE,
			expires_at TIMESTAMPTZ NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID,
			school_code TEXT,
			event_type TEXT NOT NULL,
			device_id TEXT,
			ip_encrypted BYTEA,
			ip_nonce BYTEA,
			user_agent_hash BYTEA,
			metadata JSONB,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_logs (user_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
