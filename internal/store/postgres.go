package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Store implementation, issuing plain
// parameterized SQL against the global connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) FindActiveKey(ctx context.Context, digest string) (APIKey, error) {
	const query = `SELECT id, user_id, key_hash, status FROM api_keys WHERE key_hash = $1`

	var k APIKey
	err := s.pool.QueryRow(ctx, query, digest).Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("%w: finding api key: %v", ErrStoreUnavailable, err)
	}
	return k, nil
}

func (s *PostgresStore) GetUserLimits(ctx context.Context, userID uuid.UUID) (UserLimits, error) {
	const query = `SELECT id, plan, daily_limit, streaming_concurrency_cap FROM users WHERE id = $1`

	var u UserLimits
	err := s.pool.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Plan, &u.DailyLimit, &u.StreamingConcurrencyCap)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserLimits{}, ErrNotFound
	}
	if err != nil {
		return UserLimits{}, fmt.Errorf("%w: getting user limits: %v", ErrStoreUnavailable, err)
	}
	return u, nil
}

func (s *PostgresStore) CounterIncrement(ctx context.Context, userID uuid.UUID, dayUTC time.Time) (CounterResult, error) {
	const query = `
		INSERT INTO usage_counters (user_id, day_utc, request_count, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (user_id, day_utc)
		DO UPDATE SET request_count = usage_counters.request_count + 1, updated_at = now()
		RETURNING request_count`

	var count int
	err := s.pool.QueryRow(ctx, query, userID, dayUTC).Scan(&count)
	if err != nil {
		return CounterResult{}, fmt.Errorf("%w: incrementing usage counter: %v", ErrStoreUnavailable, err)
	}
	return CounterResult{RequestCount: count}, nil
}

func (s *PostgresStore) InsertLog(ctx context.Context, r RequestLog) error {
	const query = `
		INSERT INTO request_logs (
			id, user_id, api_key_id, request_id, session_id, stage, model,
			input_tokens, output_tokens, total_tokens, cost_usd, latency_ms,
			status, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.UserID, r.APIKeyID, r.RequestID, r.SessionID, r.Stage, r.Model,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.CostUSD, r.LatencyMS,
		r.Status, r.ErrorMessage, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: inserting request log: %v", ErrStoreUnavailable, err)
	}
	return nil
}
