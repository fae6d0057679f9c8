// Package pool hands out upstream credentials. Selection honors the sharing
// policy, per-group cooldowns and least-recently-used ordering; failure
// handling feeds back into credential state and owner bonus quota.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/config"
	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/models"
	"catiecli-go/internal/storage"
)

// ErrNoCredential means the scoped pool had nothing usable for the request.
var ErrNoCredential = errors.New("no credential available")

// poolModeKey is the runtime override for the configured sharing mode.
const poolModeKey = "credential_pool_mode"

// Store is the persistence surface the pool needs.
type Store interface {
	ListCandidates(ctx context.Context, q storage.CandidateQuery) ([]*models.Credential, error)
	StampSelection(ctx context.Context, id int64, group string, now time.Time) error
	StampCooldown(ctx context.Context, id int64, group string, stamp time.Time, lastError string) error
	MarkFailure(ctx context.Context, id int64, lastError string, disable bool) error
	DeductBonusQuota(ctx context.Context, userID int64, amount int) error
	UserHasPublicCredential(ctx context.Context, userID int64, variant string) (bool, error)
	UserHasActiveTier3Credential(ctx context.Context, userID int64, variant string) (bool, error)
	GetSystemConfig(ctx context.Context, key string) (string, error)
}

// Pool selects and scores credentials.
type Pool struct {
	store Store
	clock Clock
	mode  string
	quota config.QuotaConfig
	now   func() time.Time
}

// Option customizes Pool creation.
type Option func(*Pool)

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func New(store Store, cfg *config.Config, opts ...Option) *Pool {
	p := &Pool{
		store: store,
		clock: NewClock(cfg.Cooldown),
		mode:  cfg.Dispatch.PoolMode,
		quota: cfg.Quota,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Mode returns the effective sharing mode. A valid runtime override in
// system config wins over the configured default.
func (p *Pool) Mode(ctx context.Context) string {
	v, err := p.store.GetSystemConfig(ctx, poolModeKey)
	if err != nil {
		log.WithError(err).Warn("Reading pool mode override failed")
		return p.mode
	}
	switch v {
	case models.PoolModePrivate, models.PoolModeTier3Shared, models.PoolModeFullShared:
		return v
	}
	return p.mode
}

// Acquire picks the least-recently-used credential outside its group
// cooldown, scoped by the sharing mode. When every candidate is cooling the
// coldest one is returned anyway so the request still gets attempted. The
// selection stamp and total_requests bump happen before returning.
func (p *Pool) Acquire(ctx context.Context, userID int64, variant, model string, exclude []int64) (*models.Credential, error) {
	group := ModelGroup(model)
	q := storage.CandidateQuery{
		Variant:      variant,
		RequireTier3: IsTier3Model(model),
		ExcludeIDs:   exclude,
		OwnerID:      userID,
	}

	switch p.Mode(ctx) {
	case models.PoolModeFullShared:
		donor, err := p.store.UserHasPublicCredential(ctx, userID, variant)
		if err != nil {
			return nil, err
		}
		q.IncludePublic = donor
	case models.PoolModeTier3Shared:
		if q.RequireTier3 {
			hasTier3, err := p.store.UserHasActiveTier3Credential(ctx, userID, variant)
			if err != nil {
				return nil, err
			}
			q.IncludePublic = hasTier3
			q.PublicTier3Only = true
		} else {
			q.IncludePublic = true
		}
	}

	candidates, err := p.store.ListCandidates(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoCredential
	}

	now := p.now().UTC()
	var picked *models.Credential
	for _, c := range candidates {
		if !p.clock.Cooling(c, group, now) {
			picked = c
			break
		}
	}
	if picked == nil {
		// Fail open: everything is cooling, attempt the coldest anyway.
		picked = candidates[0]
		log.WithFields(log.Fields{
			"group":      group,
			"candidates": len(candidates),
		}).Debug("All credentials cooling, selecting least recently used")
	}

	if err := p.store.StampSelection(ctx, picked.ID, group, now); err != nil {
		return nil, err
	}
	stamp := sql.NullTime{Time: now, Valid: true}
	picked.LastUsedAt = stamp
	switch group {
	case models.GroupTier3:
		picked.LastUsed30 = stamp
	case models.GroupPro:
		picked.LastUsedPro = stamp
	default:
		picked.LastUsedFlash = stamp
	}
	picked.TotalRequests++
	return picked, nil
}

// HandleRateLimit backdates the group stamp so the normal cooldown check
// expires exactly at now plus the upstream-provided delay. Returns the delay
// for logging.
func (p *Pool) HandleRateLimit(ctx context.Context, cred *models.Credential, model, errText string, header http.Header) (time.Duration, error) {
	delay := time.Duration(apperrors.ParseRetryDelay(header.Get("Retry-After"), errText)) * time.Second
	group := ModelGroup(model)

	now := p.now().UTC()
	stamp := now
	if period := p.clock.Period(group); period > 0 {
		stamp = now.Add(delay).Add(-period)
	}

	lastError := fmt.Sprintf("429 rate-limited CD %ds (%s) - %s",
		int(delay.Seconds()), group, truncate(errText, 300))
	if err := p.store.StampCooldown(ctx, cred.ID, group, stamp, lastError); err != nil {
		return delay, err
	}
	log.WithFields(log.Fields{
		"credential_id": cred.ID,
		"group":         group,
		"delay_s":       int(delay.Seconds()),
	}).Info("Credential rate limited")
	return delay, nil
}

// HandleFailure records the error on the credential. Auth failures disable it
// and claw back the donation bonus from the owner of a public credential.
func (p *Pool) HandleFailure(ctx context.Context, cred *models.Credential, errText string) error {
	disable := isAuthFailure(errText)
	if err := p.store.MarkFailure(ctx, cred.ID, truncate(errText, 1000), disable); err != nil {
		return err
	}
	if !disable || !cred.IsActive {
		return nil
	}
	cred.IsActive = false
	log.WithField("credential_id", cred.ID).Warn("Credential disabled after auth failure")

	if cred.IsPublic && cred.UserID != 0 {
		deduct := p.quota.FlashReward + p.quota.ProReward
		if cred.ModelTier == "3" {
			deduct += p.quota.Tier3Reward
		}
		if err := p.store.DeductBonusQuota(ctx, cred.UserID, deduct); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"user_id": cred.UserID,
			"amount":  deduct,
		}).Info("Owner bonus quota deducted for failed public credential")
	}
	return nil
}

func isAuthFailure(errText string) bool {
	return strings.Contains(errText, "401") ||
		strings.Contains(errText, "403") ||
		strings.Contains(errText, "PERMISSION_DENIED")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
