package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "catiecli-go/internal/errors"
)

// GetSystemConfig returns the value for key, or "" when unset.
func (s *Store) GetSystemConfig(ctx context.Context, key string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_configs WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get system config: %w", err)
	}
	return value, nil
}

func (s *Store) SetSystemConfig(ctx context.Context, key, value string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_configs (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("set system config: %w", err)
	}
	return nil
}

// ListErrorMessageRules returns the active custom message rules. Priority
// ordering happens at match time.
func (s *Store) ListErrorMessageRules(ctx context.Context) ([]apperrors.MessageRule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, keyword, error_type, custom_message, priority, is_active
		FROM error_message_rules WHERE is_active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("list error rules: %w", err)
	}
	defer rows.Close()

	var out []apperrors.MessageRule
	for rows.Next() {
		var r apperrors.MessageRule
		if err := rows.Scan(&r.ID, &r.Keyword, &r.ErrorType, &r.Message, &r.Priority, &r.IsActive); err != nil {
			return nil, fmt.Errorf("scan error rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
