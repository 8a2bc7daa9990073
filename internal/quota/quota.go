// Package quota enforces the daily per-user request limit.
package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cfxhq/router/internal/store"
	"github.com/cfxhq/router/internal/telemetry"
)

// Plan-derived daily limits. A user's own DailyLimit override, when set,
// takes precedence over these.
const (
	planStarter = "starter"
	planPro     = "pro"
	planAgency  = "agency"

	limitStarter = 1000
	limitPro     = 4000
	limitAgency  = 15000
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetEpoch int64
}

// Checker enforces the daily request quota via the store's atomic counter.
type Checker struct {
	store        store.Store
	defaultLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// NewChecker builds a Checker. defaultLimit is used when a user has no plan
// and no override.
func NewChecker(st store.Store, defaultLimit int, logger *slog.Logger) *Checker {
	return &Checker{store: st, defaultLimit: defaultLimit, logger: logger, now: time.Now}
}

// resolveLimit applies the override-then-plan-then-default precedence.
func (c *Checker) resolveLimit(limits store.UserLimits) int {
	if limits.DailyLimit != nil {
		return *limits.DailyLimit
	}
	switch limits.Plan {
	case planStarter:
		return limitStarter
	case planPro:
		return limitPro
	case planAgency:
		return limitAgency
	default:
		return c.defaultLimit
	}
}

// Check resolves userID's limit and atomically increments its usage counter
// for the current UTC day. On a store outage it fails open: the request is
// allowed and remaining is reported conservatively as limit-1.
func (c *Checker) Check(ctx context.Context, userID uuid.UUID, limits store.UserLimits) Decision {
	now := c.now().UTC()
	dayUTC := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	resetEpoch := dayUTC.AddDate(0, 0, 1).Unix()
	limit := c.resolveLimit(limits)

	result, err := c.store.CounterIncrement(ctx, userID, dayUTC)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			c.logger.Error("quota: store unavailable, failing open", "user_id", userID, "limit", limit)
			telemetry.QuotaFailOpenTotal.Inc()
			return Decision{Allowed: true, Remaining: limit - 1, Limit: limit, ResetEpoch: resetEpoch}
		}
		c.logger.Error("quota: unexpected store error, failing open", "user_id", userID, "error", err)
		telemetry.QuotaFailOpenTotal.Inc()
		return Decision{Allowed: true, Remaining: limit - 1, Limit: limit, ResetEpoch: resetEpoch}
	}

	allowed := result.RequestCount <= limit
	remaining := limit - result.RequestCount
	if remaining < 0 {
		remaining = 0
	}
	if !allowed {
		telemetry.QuotaExceededTotal.Inc()
	}

	return Decision{Allowed: allowed, Remaining: remaining, Limit: limit, ResetEpoch: resetEpoch}
}
