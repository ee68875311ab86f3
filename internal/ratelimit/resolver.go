package ratelimit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PostgresResolver reads per-environment overrides and organization service
// tiers from the control-plane tables.
type PostgresResolver struct {
	db *sqlx.DB
}

// NewPostgresResolver creates a new PostgresResolver.
func NewPostgresResolver(db *sqlx.DB) *PostgresResolver {
	return &PostgresResolver{db: db}
}

func (r *PostgresResolver) EnvironmentMaxPerSecond(ctx context.Context, environmentID string, category Category) (int, bool, error) {
	var max int
	err := r.db.GetContext(ctx, &max, `
		SELECT max_per_second FROM environment_rate_limits
		WHERE environment_id = $1 AND category = $2
	`, environmentID, string(category))
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read environment rate limit: %w", err)
	}
	return max, true, nil
}

func (r *PostgresResolver) ServiceTier(ctx context.Context, organizationID string) (string, error) {
	var tier string
	err := r.db.GetContext(ctx, &tier, `
		SELECT service_tier FROM organizations WHERE organization_id = $1
	`, organizationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("organization %q has no service tier", organizationID)
		}
		return "", fmt.Errorf("failed to read service tier: %w", err)
	}
	return tier, nil
}

// StaticResolver serves fixed overrides and tiers. Used in tests and
// single-tenant deployments without control-plane tables.
type StaticResolver struct {
	Overrides map[string]int    // environmentID:category -> max per second
	Tiers     map[string]string // organizationID -> tier label
}

func (r *StaticResolver) EnvironmentMaxPerSecond(ctx context.Context, environmentID string, category Category) (int, bool, error) {
	max, ok := r.Overrides[environmentID+":"+string(category)]
	return max, ok, nil
}

func (r *StaticResolver) ServiceTier(ctx context.Context, organizationID string) (string, error) {
	tier, ok := r.Tiers[organizationID]
	if !ok {
		return "", fmt.Errorf("organization %q has no service tier", organizationID)
	}
	return tier, nil
}
