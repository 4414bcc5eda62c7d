package postgres

import "context"

// CleanupExpiredTokens removes expired verification and reset tokens.
func (s *Store) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	var total int64

	tag, err := s.pool.Exec(ctx, `DELETE FROM email_verification_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return total, err
	}
	total += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM password_reset_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return total, err
	}
	total += tag.RowsAffected()

	return total, nil
}

// CleanupExpiredAuditLogs removes audit records past their retention date.
func (s *Store) CleanupExpiredAuditLogs(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_logs WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CleanupStaleDevices removes devices not seen for the given interval,
// expressed like '90 days'.
func (s *Store) CleanupStaleDevices(ctx context.Context, interval string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM devices WHERE last_active < NOW() - $1::interval`, interval)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
