package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/rewardsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyIngestProvider = "rewardsync:ingest:provider:%s"

// IngestLimiter throttles reward event ingestion per provider.
type IngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// NewIngestLimiter returns nil when limiting is disabled or Redis is unavailable.
func NewIngestLimiter(p Params) *IngestLimiter {
	cfg := p.Config.Ingest
	if !cfg.RateLimitEnabled || p.Redis == nil || cfg.Rate <= 0 || cfg.Burst <= 0 {
		return nil
	}
	return &IngestLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   cfg.Rate,
		burst:  cfg.Burst,
		log:    p.Log.Named("ratelimit.ingest"),
	}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowProvider fails open when Redis errors so a cache outage never drops entitlement events.
func (l *IngestLimiter) AllowProvider(ctx context.Context, providerID string) Result {
	if !l.Enabled() {
		return Result{Allowed: true}
	}
	key := fmt.Sprintf(keyIngestProvider, strings.ToLower(strings.TrimSpace(providerID)))
	res, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("ingest rate limit check failed", zap.String("provider_id", providerID), zap.Error(err))
		return Result{Allowed: true, Limit: l.burst}
	}
	return res
}
