package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"catiecli-go/internal/models"
)

const userColumns = `id, username, hashed_password, is_admin, is_active,
	daily_quota, bonus_quota, quota_flash, quota_25pro, quota_30pro, created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.HashedPassword, &u.IsAdmin, &u.IsActive,
		&u.DailyQuota, &u.BonusQuota, &u.QuotaFlash, &u.Quota25Pro, &u.Quota30Pro, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, hashed_password, is_admin, is_active, daily_quota)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		u.Username, u.HashedPassword, u.IsAdmin, u.IsActive, u.DailyQuota,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpsertAdmin creates or refreshes the configured admin account. The password
// hash is always rewritten so environment changes take effect on restart.
func (s *Store) UpsertAdmin(ctx context.Context, username, hashedPassword string, dailyQuota int) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, hashed_password, is_admin, is_active, daily_quota)
		VALUES ($1, $2, TRUE, TRUE, $3)
		ON CONFLICT (username) DO UPDATE
		SET hashed_password = EXCLUDED.hashed_password, is_admin = TRUE`,
		username, hashedPassword, dailyQuota)
	if err != nil {
		return fmt.Errorf("upsert admin: %w", err)
	}
	return nil
}

// DemoteOtherAdmins strips the admin flag from every account except the
// configured one, so stale admins do not survive a rename.
func (s *Store) DemoteOtherAdmins(ctx context.Context, keepUsername string) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_admin = FALSE WHERE is_admin = TRUE AND username <> $1`,
		keepUsername)
	if err != nil {
		return 0, fmt.Errorf("demote admins: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeductBonusQuota reduces the owner's reward quota, clamped at zero.
func (s *Store) DeductBonusQuota(ctx context.Context, userID int64, amount int) error {
	if amount <= 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET bonus_quota = GREATEST(bonus_quota - $1, 0) WHERE id = $2`,
		amount, userID)
	if err != nil {
		return fmt.Errorf("deduct bonus quota: %w", err)
	}
	return nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
