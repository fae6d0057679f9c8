package pool

import (
	"time"

	"catiecli-go/internal/config"
	"catiecli-go/internal/models"
)

// Clock evaluates per-group cooldowns purely from stored timestamps. No
// timers run anywhere; a credential leaves cooldown when the arithmetic says
// so.
type Clock struct {
	flash time.Duration
	pro   time.Duration
	tier3 time.Duration
}

func NewClock(cfg config.CooldownConfig) Clock {
	return Clock{
		flash: time.Duration(cfg.FlashSeconds) * time.Second,
		pro:   time.Duration(cfg.ProSeconds) * time.Second,
		tier3: time.Duration(cfg.Tier3Seconds) * time.Second,
	}
}

// Period returns the configured cooldown for a model group.
func (c Clock) Period(group string) time.Duration {
	switch group {
	case models.GroupTier3:
		return c.tier3
	case models.GroupPro:
		return c.pro
	default:
		return c.flash
	}
}

// Cooling reports whether the credential sits inside the group cooldown at
// now. A zero period or an unset stamp never cools.
func (c Clock) Cooling(cred *models.Credential, group string, now time.Time) bool {
	period := c.Period(group)
	if period <= 0 {
		return false
	}
	stamp := cred.GroupStamp(group)
	if !stamp.Valid {
		return false
	}
	return now.Sub(stamp.Time) < period
}
