package sessionstore

import (
	"fmt"
	"time"
)

// CSRFToken is an externally-issued token row; the core only evicts expired
// ones (C7).
type CSRFToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// InsertCSRFToken writes a token row (used by tests and by the surrounding
// auth middleware, which is otherwise out of scope for this module).
func (s *Store) InsertCSRFToken(t *CSRFToken) error {
	_, err := s.db.Exec("INSERT INTO csrf_tokens (token, user_id, expires_at) VALUES (?,?,?)",
		t.Token, t.UserID, t.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert csrf token: %w", err)
	}
	return nil
}

// DeleteExpiredCSRFTokens deletes tokens with expiresAt < now.
func (s *Store) DeleteExpiredCSRFTokens(now time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM csrf_tokens WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired csrf tokens: %w", err)
	}
	return res.RowsAffected()
}

// RateLimitRecord is an externally-issued rate-limit row; the core only
// evicts expired ones (C7).
type RateLimitRecord struct {
	ClientIP    string
	KeyPrefix   string
	RequestTime time.Time
	ExpiresAt   time.Time
}

// InsertRateLimitRecord writes a rate-limit row.
func (s *Store) InsertRateLimitRecord(r *RateLimitRecord) error {
	_, err := s.db.Exec("INSERT INTO rate_limits (client_ip, key_prefix, request_time, expires_at) VALUES (?,?,?,?)",
		r.ClientIP, r.KeyPrefix, r.RequestTime.UTC(), r.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert rate limit record: %w", err)
	}
	return nil
}

// DeleteExpiredRateLimits deletes rate-limit rows with expiresAt < now.
func (s *Store) DeleteExpiredRateLimits(now time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM rate_limits WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired rate limits: %w", err)
	}
	return res.RowsAffected()
}
