package storage

import (
	"context"
	"fmt"
	"time"

	"catiecli-go/internal/models"
)

// InsertPlaceholder writes the in-flight row (status 0) before any upstream
// work so RPM counting sees the request immediately.
func (s *Store) InsertPlaceholder(ctx context.Context, l *models.UsageLog) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_logs (user_id, model, endpoint, status_code, client_ip, user_agent)
		VALUES ($1, $2, $3, 0, $4, $5)
		RETURNING id, created_at`,
		l.UserID, l.Model, l.Endpoint, l.ClientIP, l.UserAgent,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert placeholder: %w", err)
	}
	return l.ID, nil
}

// FinalizeLog transitions a placeholder row to its terminal state. The row is
// append-only otherwise; this is the single permitted update.
func (s *Store) FinalizeLog(ctx context.Context, l *models.UsageLog) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_logs
		SET status_code = $1, latency_ms = $2, cd_seconds = $3,
			error_message = $4, error_type = $5, error_code = $6,
			request_body = $7, retry_count = $8,
			credential_id = $9, credential_email = $10
		WHERE id = $11`,
		l.StatusCode, l.LatencyMS, l.CDSeconds,
		l.ErrorMessage, l.ErrorType, l.ErrorCode,
		l.RequestBody, l.RetryCount,
		l.CredentialID, l.CredentialEmail, l.ID)
	if err != nil {
		return fmt.Errorf("finalize log: %w", err)
	}
	return nil
}

// CountUserLogsSince counts all of a user's rows (placeholders included) with
// created_at at or after since. This is the RPM source of truth.
func (s *Store) CountUserLogsSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_logs
		WHERE user_id = $1 AND created_at >= $2`, userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count logs since: %w", err)
	}
	return n, nil
}

// Model class filters used for daily quota buckets. The stored model string
// keeps its variant prefix so the patterns match the user-visible name.
const (
	ClassFlash = "flash"
	// ClassPro covers 2.5-pro traffic alone; ClassProShared is the shared
	// 2.5-pro plus tier-3 bucket used once a user has tier-3 access.
	ClassPro       = "pro"
	ClassProShared = "pro_shared"
)

func classCondition(class string) string {
	switch class {
	case ClassProShared:
		return "(model LIKE '%pro%' OR model LIKE '%3%')"
	case ClassPro:
		return "model LIKE '%pro%'"
	default:
		return "(model NOT LIKE '%pro%' AND model NOT LIKE '%3%')"
	}
}

// CountUserClassSince counts a user's requests in one model class since the
// day boundary.
func (s *Store) CountUserClassSince(ctx context.Context, userID int64, class string, since time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	query := `SELECT COUNT(*) FROM usage_logs
		WHERE user_id = $1 AND created_at >= $2 AND ` + classCondition(class)
	var n int
	if err := s.db.QueryRowContext(ctx, query, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count class since: %w", err)
	}
	return n, nil
}

// PublicStats is the anonymous dashboard snapshot.
type PublicStats struct {
	UserCount         int64 `json:"user_count"`
	ActiveCredentials int64 `json:"active_credentials"`
	TodayRequests     int64 `json:"today_requests"`
	TodaySuccess      int64 `json:"today_success"`
	TodayFailed       int64 `json:"today_failed"`
}

func (s *Store) GetPublicStats(ctx context.Context) (*PublicStats, error) {
	stats := &PublicStats{}
	var err error
	if stats.UserCount, err = s.CountUsers(ctx); err != nil {
		return nil, err
	}
	if stats.ActiveCredentials, err = s.CountActiveCredentials(ctx); err != nil {
		return nil, err
	}

	// "today" shares the 07:00 UTC boundary with the quota buckets, and
	// in-flight placeholder rows count as requests but not as failures
	dayStart := models.QuotaDayStart(s.now())
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status_code = 200),
		       COUNT(*) FILTER (WHERE status_code NOT IN (0, 200))
		FROM usage_logs WHERE created_at >= $1`, dayStart,
	).Scan(&stats.TodayRequests, &stats.TodaySuccess, &stats.TodayFailed)
	if err != nil {
		return nil, fmt.Errorf("public stats: %w", err)
	}
	return stats, nil
}

// DeleteLogsBefore prunes old usage logs; run periodically by the retention
// loop.
func (s *Store) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
