// Package alerting raises operational alerts to operators. Alerts sharing a
// key are delivered once per dedupe window.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/partnergate/internal/cache"
	"github.com/smallbiznis/partnergate/internal/config"
	"github.com/smallbiznis/partnergate/internal/observability/metrics"
	"github.com/smallbiznis/partnergate/internal/providers/slack"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	KindDeliveryFailed    = "webhook_delivery_failed"
	KindDeliveryExhausted = "webhook_delivery_exhausted"
	KindConfiguration     = "integration_configuration"
)

const redisKeyPrefix = "partnergate:alert:"

type Alert struct {
	// Key identifies the condition. Empty keys are never deduplicated.
	Key      string
	Kind     string
	Severity Severity
	AppID    string
	Message  string
}

// Raiser is what domain services depend on.
type Raiser interface {
	Raise(ctx context.Context, alert Alert) bool
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Cfg     config.Config
	Gateway *config.GatewayConfigHolder
	Slack   slack.Provider
	Redis   *redis.Client    `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

type Alerter struct {
	log     *zap.Logger
	gateway *config.GatewayConfigHolder
	slack   slack.Provider
	channel string
	redis   *redis.Client
	metrics *metrics.Metrics
	seen    cache.Cache[string, struct{}]
}

func New(p Params) *Alerter {
	cfg := p.Gateway.Get()
	return &Alerter{
		log:     p.Log.Named("alerting"),
		gateway: p.Gateway,
		slack:   p.Slack,
		channel: p.Cfg.Slack.Channel,
		redis:   p.Redis,
		metrics: p.Metrics,
		seen:    cache.NewTTLCache[string, struct{}](cache.WithMaxEntries(cfg.Alerts.MaxEntries)),
	}
}

// Raise reports whether the alert was emitted. A duplicate within the
// dedupe window returns false.
func (a *Alerter) Raise(ctx context.Context, alert Alert) bool {
	if a == nil {
		return false
	}
	if !a.claim(ctx, alert.Key) {
		return false
	}

	a.metrics.RecordAlert(ctx, alert.Kind, string(alert.Severity))

	fields := []zap.Field{
		zap.String("alert_key", alert.Key),
		zap.String("alert_kind", alert.Kind),
		zap.String("severity", string(alert.Severity)),
		zap.String("integration_app_id", alert.AppID),
	}
	switch alert.Severity {
	case SeverityCritical:
		a.log.Error(alert.Message, fields...)
	case SeverityWarning:
		a.log.Warn(alert.Message, fields...)
	default:
		a.log.Info(alert.Message, fields...)
	}

	if a.slack != nil {
		if err := a.slack.PostMessage(ctx, a.channel, formatMessage(alert)); err != nil {
			a.log.Warn("failed to post alert to slack", append(fields, zap.Error(err))...)
		}
	}
	return true
}

func (a *Alerter) claim(ctx context.Context, key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}
	ttl := a.gateway.Get().Alerts.DedupeTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	if !a.seen.Add(key, struct{}{}, ttl) {
		return false
	}
	if a.redis == nil {
		return true
	}

	ok, err := a.redis.SetNX(ctx, redisKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		// Local dedupe already holds; prefer a possible duplicate over silence.
		a.log.Warn("alert dedupe via redis failed", zap.String("alert_key", key), zap.Error(err))
		return true
	}
	return ok
}

func formatMessage(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Message)
	if alert.AppID != "" {
		fmt.Fprintf(&b, " (app %s)", alert.AppID)
	}
	if alert.Kind != "" {
		fmt.Fprintf(&b, " kind=%s", alert.Kind)
	}
	return b.String()
}
