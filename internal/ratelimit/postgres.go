package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore persists bucket state in the rate_limit_buckets table.
// Atomicity per identifier comes from a row lock held for the duration of
// the refill-compare-deduct sequence, so evaluations of the same bucket from
// any process serialize on the database.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Take refills the bucket by elapsed time, compares against the burst
// ceiling and deducts cost when sufficient tokens are available.
func (s *PostgresStore) Take(ctx context.Context, key string, cost, burstLimit, refillPerWindow int, window time.Duration) (bool, int, time.Time, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to begin bucket transaction: %w", err)
	}
	defer tx.Rollback()

	// Ensure the row exists before locking it. A full bucket at the burst
	// ceiling is the initial state.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets (bucket_key, tokens, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (bucket_key) DO NOTHING
	`, key, float64(burstLimit))
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to initialize bucket: %w", err)
	}

	var row struct {
		Tokens    float64   `db:"tokens"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err = tx.GetContext(ctx, &row, `
		SELECT tokens, updated_at FROM rate_limit_buckets
		WHERE bucket_key = $1
		FOR UPDATE
	`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, 0, time.Time{}, fmt.Errorf("bucket %q vanished during evaluation", key)
		}
		return false, 0, time.Time{}, fmt.Errorf("failed to lock bucket: %w", err)
	}

	now := time.Now().UTC()
	refillPerSecond := float64(refillPerWindow) / window.Seconds()
	elapsed := now.Sub(row.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	tokens := math.Min(float64(burstLimit), row.Tokens+elapsed*refillPerSecond)
	allowed := tokens >= float64(cost)
	if allowed {
		tokens -= float64(cost)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE rate_limit_buckets
		SET tokens = $1, updated_at = $2
		WHERE bucket_key = $3
	`, tokens, now, key)
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to update bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to commit bucket update: %w", err)
	}

	return allowed, int(math.Floor(tokens)), resetTime(now, tokens, float64(burstLimit), refillPerSecond), nil
}

// resetTime is the instant the bucket is full again at the current refill
// rate.
func resetTime(now time.Time, tokens, burstLimit, refillPerSecond float64) time.Time {
	if refillPerSecond <= 0 || tokens >= burstLimit {
		return now
	}
	deficit := burstLimit - tokens
	return now.Add(time.Duration(deficit / refillPerSecond * float64(time.Second)))
}
