// Package models holds the persisted entities shared across storage, pool,
// quota and handler layers.
package models

import (
	"database/sql"
	"time"
)

// Upstream variant markers stored on credentials and used for routing.
const (
	VariantGeminiCLI   = "geminicli"
	VariantAntigravity = "antigravity"
)

// Credential kinds.
const (
	CredentialKindOAuth  = "oauth"
	CredentialKindAPIKey = "api_key"
)

// Pool sharing modes.
const (
	PoolModePrivate     = "private"
	PoolModeTier3Shared = "tier3_shared"
	PoolModeFullShared  = "full_shared"
)

// QuotaDayStart returns the start of the quota day containing now. Days roll
// over at 07:00 UTC; daily quota buckets and the public "today" counters both
// use this boundary.
func QuotaDayStart(now time.Time) time.Time {
	now = now.UTC()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), 7, 0, 0, 0, time.UTC)
	if now.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// User is a proxy tenant.
type User struct {
	ID             int64
	Username       string
	HashedPassword string
	IsAdmin        bool
	IsActive       bool
	DailyQuota     int
	BonusQuota     int
	QuotaFlash     int
	Quota25Pro     int
	Quota30Pro     int
	CreatedAt      time.Time
}

// APIKey authenticates requests on behalf of a user.
type APIKey struct {
	ID         int64
	UserID     int64
	Key        string
	Name       string
	IsActive   bool
	LastUsedAt sql.NullTime
	CreatedAt  time.Time
}

// Credential is a pooled upstream OAuth identity. Secret columns hold
// vault-encrypted text; decryption happens only at the OAuth/upstream
// boundary.
type Credential struct {
	ID             int64
	UserID         int64
	APIType        string // VariantGeminiCLI | VariantAntigravity
	CredentialType string // CredentialKindOAuth | CredentialKindAPIKey
	ModelTier      string // "" | "2.5" | "3"
	AccountType    string // free | pro

	RefreshToken string // encrypted
	AccessToken  string // encrypted
	ClientID     string // encrypted, optional per-credential override
	ClientSecret string // encrypted, optional per-credential override
	TokenExpiry  sql.NullTime

	ProjectID string
	Email     string

	IsPublic bool
	IsActive bool

	LastUsedAt    sql.NullTime
	LastUsedFlash sql.NullTime
	LastUsedPro   sql.NullTime
	LastUsed30    sql.NullTime

	TotalRequests  int64
	FailedRequests int64
	LastError      string

	CreatedAt time.Time
}

// GroupStamp returns the cooldown stamp for a model group.
func (c *Credential) GroupStamp(group string) sql.NullTime {
	switch group {
	case GroupPro:
		return c.LastUsedPro
	case GroupTier3:
		return c.LastUsed30
	default:
		return c.LastUsedFlash
	}
}

// Model groups used for cooldown partitioning.
const (
	GroupFlash = "flash"
	GroupPro   = "pro"
	GroupTier3 = "30"
)

// UsageLog is one request record. StatusCode 0 marks the in-flight
// placeholder inserted before any upstream work.
type UsageLog struct {
	ID              int64
	UserID          int64
	CredentialID    sql.NullInt64
	CredentialEmail string
	Model           string
	Endpoint        string
	StatusCode      int
	LatencyMS       int64
	CDSeconds       int
	ErrorMessage    string
	ErrorType       string
	ErrorCode       string
	RequestBody     string
	ClientIP        string
	UserAgent       string
	RetryCount      int
	CreatedAt       time.Time
}

// SystemConfig is a key/value runtime toggle.
type SystemConfig struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
