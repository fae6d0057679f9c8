// Package quota enforces per-user request budgets: a sliding one-minute rate
// limit and daily per-class buckets that reset at 07:00 UTC.
package quota

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/config"
	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/models"
	"catiecli-go/internal/pool"
	"catiecli-go/internal/storage"
)

// Store is the persistence surface the guard reads.
type Store interface {
	CountUserLogsSince(ctx context.Context, userID int64, since time.Time) (int, error)
	CountUserClassSince(ctx context.Context, userID int64, class string, since time.Time) (int, error)
	CountUserCredentials(ctx context.Context, userID int64) (active int, tier3 int, err error)
	UserHasPublicCredential(ctx context.Context, userID int64, variant string) (bool, error)
}

// RPMCounter is the optional fast path for the sliding-window count. The
// usage_logs table stays authoritative when no counter is wired.
type RPMCounter interface {
	CountLastMinute(ctx context.Context, userID int64, now time.Time) (int, error)
}

// Guard evaluates the request budgets. It runs after the usage-log
// placeholder insert, so every count below includes the current request.
type Guard struct {
	store Store
	cache RPMCounter
	cfg   config.QuotaConfig
	now   func() time.Time
}

// Option customizes Guard creation.
type Option func(*Guard)

// WithRPMCounter wires the Redis fast path.
func WithRPMCounter(c RPMCounter) Option {
	return func(g *Guard) { g.cache = c }
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func New(store Store, cfg config.QuotaConfig, opts ...Option) *Guard {
	g := &Guard{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// DayStart returns the start of the quota day containing now. Days roll over
// at 07:00 UTC.
func DayStart(now time.Time) time.Time {
	return models.QuotaDayStart(now)
}

// Check enforces RPM, the per-class daily bucket and tier-3 eligibility for
// one request. Counts include the already-inserted placeholder row, so a user
// at their limit fails on limit+1, not on the limit itself.
func (g *Guard) Check(ctx context.Context, user *models.User, variant, model string) error {
	now := g.now().UTC()

	if !user.IsAdmin {
		if err := g.checkRPM(ctx, user, variant, now); err != nil {
			return err
		}
	}

	active, tier3, err := g.store.CountUserCredentials(ctx, user.ID)
	if err != nil {
		return err
	}
	hasTier3Access := tier3 > 0 || user.Quota30Pro > 0

	if pool.IsTier3Model(model) && !hasTier3Access {
		return apperrors.New(http.StatusForbidden, string(apperrors.KindAuthError),
			string(apperrors.KindAuthError), "no tier-3 quota")
	}

	class, limit := g.classLimit(user, model, active, tier3, hasTier3Access)
	dayStart := DayStart(now)

	if limit > 0 {
		used, err := g.store.CountUserClassSince(ctx, user.ID, class, dayStart)
		if err != nil {
			return err
		}
		if used > limit {
			return apperrors.New(http.StatusTooManyRequests, string(apperrors.KindQuotaExhausted),
				string(apperrors.KindQuotaExhausted),
				fmt.Sprintf("daily quota reached for %s models (%d/%d)", class, used-1, limit))
		}
	}

	if active > 0 && user.DailyQuota > 0 {
		total, err := g.store.CountUserLogsSince(ctx, user.ID, dayStart)
		if err != nil {
			return err
		}
		if total > user.DailyQuota {
			return apperrors.New(http.StatusTooManyRequests, string(apperrors.KindQuotaExhausted),
				string(apperrors.KindQuotaExhausted), "daily total quota reached")
		}
	}
	return nil
}

func (g *Guard) checkRPM(ctx context.Context, user *models.User, variant string, now time.Time) error {
	donor, err := g.store.UserHasPublicCredential(ctx, user.ID, variant)
	if err != nil {
		return err
	}
	limit := g.cfg.BaseRPM
	if donor {
		limit = g.cfg.ContributorRPM
	}
	if limit <= 0 {
		return nil
	}

	count, err := g.countLastMinute(ctx, user.ID, now)
	if err != nil {
		return err
	}
	if count > limit {
		msg := fmt.Sprintf("rate limit: %d requests per minute", limit)
		if !donor {
			msg += fmt.Sprintf(", contribute a credential to raise it to %d", g.cfg.ContributorRPM)
		}
		return apperrors.New(http.StatusTooManyRequests, string(apperrors.KindRateLimit),
			string(apperrors.KindRateLimit), msg)
	}
	return nil
}

func (g *Guard) countLastMinute(ctx context.Context, userID int64, now time.Time) (int, error) {
	if g.cache != nil {
		count, err := g.cache.CountLastMinute(ctx, userID, now)
		if err == nil {
			return count, nil
		}
		log.WithError(err).Warn("RPM cache unavailable, falling back to SQL")
	}
	return g.store.CountUserLogsSince(ctx, userID, now.Add(-time.Minute))
}

// classLimit resolves the daily bucket and its effective limit for the
// requested model. Per-user overrides win; otherwise the limit scales with
// the user's active credentials.
func (g *Guard) classLimit(user *models.User, model string, active, tier3 int, hasTier3Access bool) (string, int) {
	proLimit := g.cfg.NoCredPro
	switch {
	case user.Quota25Pro > 0:
		proLimit = user.Quota25Pro
	case tier3 > 0:
		proLimit = tier3 * g.cfg.Tier3PerCred
	case active > 0:
		proLimit = active * g.cfg.ProPerCred
	}

	switch {
	case pool.IsTier3Model(model):
		return storage.ClassProShared, proLimit
	case pool.ModelGroup(model) == models.GroupPro:
		if hasTier3Access {
			return storage.ClassProShared, proLimit
		}
		return storage.ClassPro, proLimit
	default:
		flashLimit := g.cfg.NoCredFlash
		if user.QuotaFlash > 0 {
			flashLimit = user.QuotaFlash
		} else if active > 0 {
			flashLimit = active * g.cfg.FlashPerCred
		}
		return storage.ClassFlash, flashLimit
	}
}
