package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/partnergate/internal/config"
	"go.uber.org/zap"
)

const keyGatewayApp = "partnergate:ratelimit:app:%s"

// GatewayLimiter throttles partner calls per integration app. A nil limiter
// allows everything.
type GatewayLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewGatewayLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *GatewayLimiter {
	if !cfg.RateLimit.Enabled || client == nil {
		return nil
	}
	if cfg.RateLimit.Rate <= 0 || cfg.RateLimit.Burst <= 0 {
		log.Warn("gateway rate limit disabled, rate and burst must be positive",
			zap.Float64("rate", cfg.RateLimit.Rate),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		return nil
	}
	return &GatewayLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.RateLimit.Rate,
		burst:  cfg.RateLimit.Burst,
	}
}

func (l *GatewayLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *GatewayLimiter) AllowApp(ctx context.Context, appID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyGatewayApp, strings.TrimSpace(appID)), l.rate, l.burst)
}
