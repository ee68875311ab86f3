package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Category partitions bucket state by what kind of call is being admitted.
type Category string

const (
	CategoryTrigger Category = "trigger"
	CategoryBulk    Category = "bulk"
	CategoryGlobal  Category = "global"
)

// Service tier labels, cheapest to highest.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierBusiness   = "business"
	TierEnterprise = "enterprise"
)

// KeylessIdentifier is the bucket owner for callers without an organization
// or environment. Such callers share one strict ceiling and are additionally
// limited per source IP.
const KeylessIdentifier = "keyless"

// KeylessMaxPerSecond is the fixed ceiling for keyless callers.
const KeylessMaxPerSecond = 3000

// Request carries everything needed to admit or deny one intake call.
type Request struct {
	Category       Category
	Cost           int
	EnvironmentID  string
	OrganizationID string
	IP             string
}

// Result is the structured outcome of an evaluation. A denial is a Result
// with Success=false, not an error; callers use Remaining/Reset to apply
// backpressure.
type Result struct {
	Success        bool
	Remaining      int
	Limit          int
	Reset          time.Time
	BurstLimit     int
	RefillRate     int
	WindowDuration time.Duration
}

// Config holds the token-bucket shape and the per-tier defaults. The tier
// table is assembled once at startup; RATE_LIMIT_<TIER> environment
// variables override the configured defaults.
type Config struct {
	WindowSeconds  int            `yaml:"window_seconds"`
	BurstAllowance float64        `yaml:"burst_allowance"`
	Tiers          map[string]int `yaml:"tiers"`
}

// EnvironmentResolver looks up per-environment overrides and the owning
// organization's service tier. Lookup failures are fatal for the evaluation;
// there is no silent fallback limit.
type EnvironmentResolver interface {
	EnvironmentMaxPerSecond(ctx context.Context, environmentID string, category Category) (int, bool, error)
	ServiceTier(ctx context.Context, organizationID string) (string, error)
}

// Store holds bucket state and performs the atomic take: refill by elapsed
// time, compare against the burst ceiling, deduct cost. No two concurrent
// takes may observe and mutate the same bucket non-atomically.
type Store interface {
	Take(ctx context.Context, key string, cost, burstLimit, refillPerWindow int, window time.Duration) (allowed bool, remaining int, resetAt time.Time, err error)
}

// Limiter is the token-bucket admission control guarding trigger intake.
type Limiter struct {
	config   Config
	tiers    map[string]int
	resolver EnvironmentResolver
	store    Store
	logger   *slog.Logger
}

// NewLimiter assembles the tier table (env-var overrides over configured
// defaults) and returns a ready limiter.
func NewLimiter(cfg Config, resolver EnvironmentResolver, store Store, logger *slog.Logger) *Limiter {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 1
	}

	tiers := map[string]int{
		TierFree:       60,
		TierPro:        240,
		TierBusiness:   600,
		TierEnterprise: 6000,
	}
	for tier, max := range cfg.Tiers {
		tiers[tier] = max
	}
	for tier := range tiers {
		envKey := "RATE_LIMIT_" + strings.ToUpper(tier)
		if raw, ok := os.LookupEnv(envKey); ok {
			if override, err := strconv.Atoi(raw); err == nil && override > 0 {
				tiers[tier] = override
			} else {
				logger.Warn("Ignoring malformed rate limit override",
					slog.String("env", envKey),
					slog.String("value", raw),
				)
			}
		}
	}

	return &Limiter{
		config:   cfg,
		tiers:    tiers,
		resolver: resolver,
		store:    store,
		logger:   logger,
	}
}

// Evaluate admits or denies one intake call of the given cost.
func (l *Limiter) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if req.Cost <= 0 {
		req.Cost = 1
	}

	maxPerSecond, err := l.resolveMaxPerSecond(ctx, req)
	if err != nil {
		return nil, err
	}

	window := time.Duration(l.config.WindowSeconds) * time.Second
	maxTokensPerWindow := maxPerSecond * l.config.WindowSeconds
	refillRate := maxTokensPerWindow
	burstLimit := int(math.Floor(float64(maxTokensPerWindow) * (1 + l.config.BurstAllowance)))

	allowed, remaining, resetAt, err := l.store.Take(ctx, l.bucketKey(req), req.Cost, burstLimit, refillRate, window)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	if !allowed {
		l.logger.Debug("Rate limit exceeded",
			slog.String("environment_id", req.EnvironmentID),
			slog.String("category", string(req.Category)),
			slog.Int("cost", req.Cost),
			slog.Int("remaining", remaining),
		)
	}

	return &Result{
		Success:        allowed,
		Remaining:      remaining,
		Limit:          maxTokensPerWindow,
		Reset:          resetAt,
		BurstLimit:     burstLimit,
		RefillRate:     refillRate,
		WindowDuration: window,
	}, nil
}

// resolveMaxPerSecond picks the per-second ceiling: keyless callers get a
// fixed strict ceiling at the highest tier; otherwise the per-environment
// override wins over the organization's tier default.
func (l *Limiter) resolveMaxPerSecond(ctx context.Context, req Request) (int, error) {
	if req.EnvironmentID == "" && req.OrganizationID == "" {
		return KeylessMaxPerSecond, nil
	}

	override, ok, err := l.resolver.EnvironmentMaxPerSecond(ctx, req.EnvironmentID, req.Category)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve environment rate limit: %w", err)
	}
	if ok {
		return override, nil
	}

	tier, err := l.resolver.ServiceTier(ctx, req.OrganizationID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve service tier: %w", err)
	}

	max, ok := l.tiers[tier]
	if !ok {
		return 0, fmt.Errorf("no rate limit configured for tier %q", tier)
	}

	return max, nil
}

// bucketKey combines the environment id and category; keyless callers with a
// known source IP get the category namespaced by IP so they are limited
// per-source as well as globally.
func (l *Limiter) bucketKey(req Request) string {
	identifier := req.EnvironmentID
	category := string(req.Category)
	if identifier == "" {
		identifier = KeylessIdentifier
		if req.IP != "" {
			category = category + ":" + req.IP
		}
	}
	return identifier + ":" + category
}
