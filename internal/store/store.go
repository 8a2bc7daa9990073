// Package store defines the persistence boundary for API keys, user
// limits, usage counters, and request logs, and provides a Postgres-backed
// implementation plus an optional Redis read-through cache.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStoreUnavailable is returned by any Store method when the backing
// store cannot be reached. Callers decide fail-open vs fail-closed per
// their own policy; this package never hides the distinction.
var ErrStoreUnavailable = errors.New("store: backend unavailable")

// ErrNotFound is returned when a lookup finds no matching row. It is a
// normal outcome, not a backend failure, and is distinct from
// ErrStoreUnavailable.
var ErrNotFound = errors.New("store: not found")

// APIKey is the persisted shape of an api_keys row.
type APIKey struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	KeyHash string
	Status  string // "active" or "revoked"
}

// Active reports whether the key is usable.
func (k APIKey) Active() bool {
	return k.Status == "active"
}

// UserLimits is the persisted shape of a users row, as seen by Quota and
// Concurrency.
type UserLimits struct {
	ID                      uuid.UUID
	Plan                    string
	DailyLimit              *int
	StreamingConcurrencyCap *int
}

// CounterResult is the outcome of an atomic counter increment.
type CounterResult struct {
	RequestCount int
}

// RequestLog is one row of the request_logs table.
type RequestLog struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	APIKeyID     *uuid.UUID
	RequestID    string
	SessionID    *string
	Stage        string
	Model        string
	InputTokens  *int
	OutputTokens *int
	TotalTokens  *int
	CostUSD      *float64
	LatencyMS    int64
	Status       string
	ErrorMessage *string
	CreatedAt    time.Time
}

// Store is the persistence boundary used by Auth, Quota, and the
// background log queue. Every method returns ErrStoreUnavailable on a
// backend failure so callers can apply their own fail-open/fail-closed
// policy.
type Store interface {
	// FindActiveKey looks up an API key by its HMAC digest. Returns
	// ErrNotFound if no key has that digest, regardless of status; callers
	// distinguish "not found" from "found but revoked" via the returned
	// APIKey.Status.
	FindActiveKey(ctx context.Context, digest string) (APIKey, error)

	// GetUserLimits returns the plan and any per-user overrides for userID.
	GetUserLimits(ctx context.Context, userID uuid.UUID) (UserLimits, error)

	// CounterIncrement atomically increments the request counter for
	// (userID, dayUTC) and returns the post-increment count.
	CounterIncrement(ctx context.Context, userID uuid.UUID, dayUTC time.Time) (CounterResult, error)

	// InsertLog persists a request log record. Best-effort from the
	// caller's perspective; InsertLog itself still reports failure so the
	// background queue can log the lost record.
	InsertLog(ctx context.Context, record RequestLog) error
}
