package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCache returns the cached value for key, or ok=false when the key is
// absent or expired. Expired rows are left for CleanExpiredCache.
func (s *Store) GetCache(ctx context.Context, key string) (value string, ok bool, err error) {
	var expiresAt int64
	row := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache WHERE key = ?`, key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read cache key %q: %w", key, err)
	}
	if s.clock.Now().UnixMilli() >= expiresAt {
		return "", false, nil
	}
	return value, true, nil
}

// SetCache upserts a cache entry that expires ttl from now.
func (s *Store) SetCache(ctx context.Context, key, value string, ttl time.Duration) error {
	expiresAt := s.clock.Now().Add(ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to write cache key %q: %w", key, err)
	}
	return nil
}

// DeleteCache removes one cache entry.
func (s *Store) DeleteCache(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache key %q: %w", key, err)
	}
	return nil
}

// CleanExpiredCache deletes every expired cache row.
func (s *Store) CleanExpiredCache(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache WHERE expires_at <= ?`, s.clock.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to clean expired cache: %w", err)
	}
	return nil
}
