package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"catiecli-go/internal/models"
)

const credentialColumns = `id, user_id, api_type, credential_type, model_tier, account_type,
	refresh_token, access_token, client_id, client_secret, token_expiry,
	project_id, email, is_public, is_active,
	last_used_at, last_used_flash, last_used_pro, last_used_30,
	total_requests, failed_requests, last_error, created_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(&c.ID, &c.UserID, &c.APIType, &c.CredentialType, &c.ModelTier, &c.AccountType,
		&c.RefreshToken, &c.AccessToken, &c.ClientID, &c.ClientSecret, &c.TokenExpiry,
		&c.ProjectID, &c.Email, &c.IsPublic, &c.IsActive,
		&c.LastUsedAt, &c.LastUsedFlash, &c.LastUsedPro, &c.LastUsed30,
		&c.TotalRequests, &c.FailedRequests, &c.LastError, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	return &c, nil
}

// CandidateQuery narrows the selection set for CredentialPool.
type CandidateQuery struct {
	Variant      string
	RequireTier3 bool
	ExcludeIDs   []int64
	// OwnerID limits to the requesting user's own credentials.
	OwnerID int64
	// IncludePublic widens the scope to other users' public credentials.
	IncludePublic bool
	// PublicTier3Only restricts the public part of the scope to tier-3 rows
	// (tier3_shared mode).
	PublicTier3Only bool
}

// ListCandidates returns active credentials matching the query ordered by
// last_used_at ascending with nulls first, so never-used credentials are
// tried before recently used ones.
func (s *Store) ListCandidates(ctx context.Context, q CandidateQuery) ([]*models.Credential, error) {
	conds := []string{
		"is_active = TRUE",
		"api_type = $1",
		"project_id <> ''",
	}
	args := []interface{}{q.Variant}

	if len(q.ExcludeIDs) > 0 {
		args = append(args, pq.Array(q.ExcludeIDs))
		conds = append(conds, fmt.Sprintf("NOT (id = ANY($%d))", len(args)))
	}
	if q.RequireTier3 {
		conds = append(conds, "model_tier = '3'")
	}

	args = append(args, q.OwnerID)
	ownerCond := fmt.Sprintf("user_id = $%d", len(args))
	if q.IncludePublic {
		publicCond := "is_public = TRUE"
		if q.PublicTier3Only {
			publicCond += " AND model_tier = '3'"
		}
		conds = append(conds, fmt.Sprintf("(%s OR (%s))", ownerCond, publicCond))
	} else {
		conds = append(conds, ownerCond)
	}

	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE ` +
		strings.Join(conds, " AND ") +
		` ORDER BY last_used_at ASC NULLS FIRST`

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCredential(ctx context.Context, id int64) (*models.Credential, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return scanCredential(s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
}

func (s *Store) CreateCredential(ctx context.Context, c *models.Credential) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO credentials (user_id, api_type, credential_type, model_tier, account_type,
			refresh_token, access_token, client_id, client_secret, token_expiry,
			project_id, email, is_public, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id, created_at`,
		c.UserID, c.APIType, c.CredentialType, c.ModelTier, c.AccountType,
		c.RefreshToken, c.AccessToken, c.ClientID, c.ClientSecret, c.TokenExpiry,
		c.ProjectID, c.Email, c.IsPublic, c.IsActive,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func groupColumn(group string) string {
	switch group {
	case models.GroupPro:
		return "last_used_pro"
	case models.GroupTier3:
		return "last_used_30"
	default:
		return "last_used_flash"
	}
}

// StampSelection records a pick: overall and per-group last-used stamps plus
// the request counter, all in one statement.
func (s *Store) StampSelection(ctx context.Context, id int64, group string, now time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE credentials
		SET last_used_at = $1, %s = $1, total_requests = total_requests + 1
		WHERE id = $2`, groupColumn(group))
	if _, err := s.db.ExecContext(ctx, query, now, id); err != nil {
		return fmt.Errorf("stamp selection: %w", err)
	}
	return nil
}

// StampCooldown sets the group stamp directly. Used by the 429 path where the
// stamp is back-dated so the normal cooldown check expires at now+retryDelay.
func (s *Store) StampCooldown(ctx context.Context, id int64, group string, stamp time.Time, lastError string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	query := fmt.Sprintf(`UPDATE credentials
		SET %s = $1, failed_requests = failed_requests + 1, last_error = $2
		WHERE id = $3`, groupColumn(group))
	if _, err := s.db.ExecContext(ctx, query, stamp, lastError, id); err != nil {
		return fmt.Errorf("stamp cooldown: %w", err)
	}
	return nil
}

// MarkFailure bumps the failure counter and optionally disables the credential.
func (s *Store) MarkFailure(ctx context.Context, id int64, lastError string, disable bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	query := `UPDATE credentials
		SET failed_requests = failed_requests + 1, last_error = $1`
	if disable {
		query += `, is_active = FALSE`
	}
	query += ` WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, lastError, id); err != nil {
		return fmt.Errorf("mark failure: %w", err)
	}
	return nil
}

// UpdateTokens stores a freshly refreshed (encrypted) access token.
func (s *Store) UpdateTokens(ctx context.Context, id int64, encAccessToken string, expiry time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET access_token = $1, token_expiry = $2 WHERE id = $3`,
		encAccessToken, expiry, id)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}

// UpdateProjectID persists a resolved project id; reused forever after.
func (s *Store) UpdateProjectID(ctx context.Context, id int64, projectID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET project_id = $1 WHERE id = $2`, projectID, id)
	if err != nil {
		return fmt.Errorf("update project id: %w", err)
	}
	return nil
}

// CountUserCredentials returns (active, active tier-3) counts for quota math.
func (s *Store) CountUserCredentials(ctx context.Context, userID int64) (active int, tier3 int, err error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE model_tier = '3')
		FROM credentials WHERE user_id = $1 AND is_active = TRUE`, userID,
	).Scan(&active, &tier3)
	if err != nil {
		return 0, 0, fmt.Errorf("count user credentials: %w", err)
	}
	return active, tier3, nil
}

// UserHasPublicCredential reports the donor condition for one variant.
func (s *Store) UserHasPublicCredential(ctx context.Context, userID int64, variant string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credentials
			WHERE user_id = $1 AND api_type = $2 AND is_public = TRUE AND is_active = TRUE
		)`, userID, variant).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("donor check: %w", err)
	}
	return exists, nil
}

// UserHasActiveTier3Credential reports tier-3 pool eligibility for one variant.
func (s *Store) UserHasActiveTier3Credential(ctx context.Context, userID int64, variant string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credentials
			WHERE user_id = $1 AND api_type = $2 AND model_tier = '3' AND is_active = TRUE
		)`, userID, variant).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("tier3 check: %w", err)
	}
	return exists, nil
}

// CountActiveCredentials is used by the public stats endpoint.
func (s *Store) CountActiveCredentials(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE is_active = TRUE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active credentials: %w", err)
	}
	return n, nil
}
