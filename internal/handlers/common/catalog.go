// Package common holds pieces shared by the OpenAI and Gemini handler
// surfaces: the model catalog and SSE response plumbing.
package common

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/models"
	"catiecli-go/internal/storage"
	"catiecli-go/internal/upstream"
)

// agyCatalogTTL bounds how often the live Antigravity catalog is refetched.
const agyCatalogTTL = 10 * time.Minute

// CatalogStore is the persistence surface the catalog needs.
type CatalogStore interface {
	UserHasActiveTier3Credential(ctx context.Context, userID int64, variant string) (bool, error)
	ListCandidates(ctx context.Context, q storage.CandidateQuery) ([]*models.Credential, error)
}

// TokenSource yields an access token for a credential.
type TokenSource interface {
	AccessToken(ctx context.Context, cred *models.Credential) (string, error)
}

// Catalog lists the client-facing model ids across both upstream namespaces.
// The Antigravity half is fetched live through any available credential and
// cached; the static fallback list covers the rest.
type Catalog struct {
	store  CatalogStore
	tokens TokenSource
	agy    *upstream.Client
	now    func() time.Time

	mu        sync.Mutex
	agyCached []string
	fetchedAt time.Time
}

func NewCatalog(store CatalogStore, tokens TokenSource, agy *upstream.Client) *Catalog {
	return &Catalog{store: store, tokens: tokens, agy: agy, now: time.Now}
}

// List enumerates every model id visible to the user. Tier-3 GeminiCLI bases
// appear only for admins and users with an active tier-3 credential in reach.
func (cat *Catalog) List(ctx context.Context, user *models.User) []string {
	tier3 := user.IsAdmin
	if !tier3 {
		ok, err := cat.store.UserHasActiveTier3Credential(ctx, user.ID, models.VariantGeminiCLI)
		if err != nil {
			log.WithError(err).Warn("tier-3 visibility check failed")
		}
		tier3 = ok || user.Quota30Pro > 0
	}

	ids := upstream.GeminiCLICatalog(tier3)
	return append(ids, cat.antigravityModels(ctx, user)...)
}

func (cat *Catalog) antigravityModels(ctx context.Context, user *models.User) []string {
	cat.mu.Lock()
	if cat.agyCached != nil && cat.now().Sub(cat.fetchedAt) < agyCatalogTTL {
		cached := cat.agyCached
		cat.mu.Unlock()
		return cached
	}
	cat.mu.Unlock()

	ids := upstream.AntigravityCatalog(ctx, cat.agy, cat.leaseToken(ctx, user))

	cat.mu.Lock()
	cat.agyCached = ids
	cat.fetchedAt = cat.now()
	cat.mu.Unlock()
	return ids
}

// leaseToken borrows an access token from any Antigravity credential the
// user could dispatch over, without stamping pool usage. An empty token makes
// the live fetch fail over to the static catalog.
func (cat *Catalog) leaseToken(ctx context.Context, user *models.User) string {
	creds, err := cat.store.ListCandidates(ctx, storage.CandidateQuery{
		Variant:       models.VariantAntigravity,
		OwnerID:       user.ID,
		IncludePublic: true,
	})
	if err != nil || len(creds) == 0 {
		return ""
	}
	token, err := cat.tokens.AccessToken(ctx, creds[0])
	if err != nil {
		log.WithError(err).Debug("catalog token lease failed")
		return ""
	}
	return token
}
