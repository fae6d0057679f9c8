package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"catiecli-go/internal/models"
)

// GetUserByAPIKey resolves an active API key to its owning active user.
func (s *Store) GetUserByAPIKey(ctx context.Context, key string) (*models.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.hashed_password, u.is_admin, u.is_active,
			u.daily_quota, u.bonus_quota, u.quota_flash, u.quota_25pro, u.quota_30pro, u.created_at
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.key = $1 AND k.is_active = TRUE`, key)
	return scanUser(row)
}

// TouchAPIKey records last use; fire-and-forget semantics at call sites.
func (s *Store) TouchAPIKey(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (user_id, key, name, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		k.UserID, k.Key, k.Name, k.IsActive,
	).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKey fetches a key row by its secret.
func (s *Store) GetAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var k models.APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, key, name, is_active, last_used_at, created_at
		FROM api_keys WHERE key = $1`, key,
	).Scan(&k.ID, &k.UserID, &k.Key, &k.Name, &k.IsActive, &k.LastUsedAt, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}
