// Package stats serves the anonymous public dashboard numbers and prunes
// usage logs past the retention window.
package stats

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/config"
	"catiecli-go/internal/storage"
)

// snapshotTTL bounds how stale the public numbers may get; the endpoint is
// unauthenticated so every hit must not become a database scan.
const snapshotTTL = 30 * time.Second

const retentionInterval = 24 * time.Hour

// Store is the persistence surface the reporter needs.
type Store interface {
	GetPublicStats(ctx context.Context) (*storage.PublicStats, error)
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reporter caches public stats and runs the retention loop.
type Reporter struct {
	store Store
	cfg   config.RetentionConfig
	now   func() time.Time

	mu        sync.Mutex
	cached    *storage.PublicStats
	fetchedAt time.Time
}

// Option customizes Reporter creation.
type Option func(*Reporter)

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

func New(store Store, cfg config.RetentionConfig, opts ...Option) *Reporter {
	r := &Reporter{store: store, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns the public stats, at most snapshotTTL old.
func (r *Reporter) Snapshot(ctx context.Context) (*storage.PublicStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && r.now().Sub(r.fetchedAt) < snapshotTTL {
		return r.cached, nil
	}
	stats, err := r.store.GetPublicStats(ctx)
	if err != nil {
		if r.cached != nil {
			log.WithError(err).Warn("public stats refresh failed, serving cached snapshot")
			return r.cached, nil
		}
		return nil, err
	}
	r.cached = stats
	r.fetchedAt = r.now()
	return stats, nil
}

// PruneOnce deletes usage logs older than the retention window and returns
// how many rows went away.
func (r *Reporter) PruneOnce(ctx context.Context) (int64, error) {
	days := r.cfg.LogRetentionDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := r.now().UTC().AddDate(0, 0, -days)
	return r.store.DeleteLogsBefore(ctx, cutoff)
}

// RunRetention prunes immediately and then every 24 hours until the context
// ends.
func (r *Reporter) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		if n, err := r.PruneOnce(ctx); err != nil {
			log.WithError(err).Warn("usage log retention pass failed")
		} else if n > 0 {
			log.WithField("deleted", n).Info("pruned expired usage logs")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
