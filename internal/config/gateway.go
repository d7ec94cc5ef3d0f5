package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// GatewayConfig carries the runtime tunables of the delivery pipeline.
type GatewayConfig struct {
	Webhook WebhookTunables `mapstructure:"webhook"`
	Sweep   SweepTunables   `mapstructure:"sweep"`
	Alerts  AlertTunables   `mapstructure:"alerts"`
}

type WebhookTunables struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BackoffBase time.Duration `mapstructure:"backoffBase"`
	BackoffCap  time.Duration `mapstructure:"backoffCap"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type SweepTunables struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batchSize"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type AlertTunables struct {
	DedupeTTL  time.Duration `mapstructure:"dedupeTTL"`
	MaxEntries int           `mapstructure:"maxEntries"`
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Webhook: WebhookTunables{
			MaxAttempts: 5,
			BackoffBase: time.Minute,
			BackoffCap:  30 * time.Minute,
			Timeout:     10 * time.Second,
		},
		Sweep: SweepTunables{
			Interval:  60 * time.Second,
			BatchSize: 50,
			Timeout:   45 * time.Second,
		},
		Alerts: AlertTunables{
			DedupeTTL:  6 * time.Hour,
			MaxEntries: 10_000,
		},
	}
}

type GatewayConfigHolder struct {
	current atomic.Value // holds GatewayConfig
}

// NewStaticGatewayConfig wraps a fixed configuration, used by tests and tools.
func NewStaticGatewayConfig(cfg GatewayConfig) *GatewayConfigHolder {
	holder := &GatewayConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewGatewayConfigHolder(log *zap.Logger) (*GatewayConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("gateway.config")

	v := viper.New()

	v.SetConfigName("gateway")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/partnergate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PARTNERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultGatewayConfig()
	v.SetDefault("gateway.webhook.maxAttempts", defaults.Webhook.MaxAttempts)
	v.SetDefault("gateway.webhook.backoffBase", defaults.Webhook.BackoffBase)
	v.SetDefault("gateway.webhook.backoffCap", defaults.Webhook.BackoffCap)
	v.SetDefault("gateway.webhook.timeout", defaults.Webhook.Timeout)
	v.SetDefault("gateway.sweep.interval", defaults.Sweep.Interval)
	v.SetDefault("gateway.sweep.batchSize", defaults.Sweep.BatchSize)
	v.SetDefault("gateway.sweep.timeout", defaults.Sweep.Timeout)
	v.SetDefault("gateway.alerts.dedupeTTL", defaults.Alerts.DedupeTTL)
	v.SetDefault("gateway.alerts.maxEntries", defaults.Alerts.MaxEntries)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("gateway.yml not found, using defaults")
	}

	cfg, err := decodeGatewayConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticGatewayConfig(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeGatewayConfig(v)
		if err != nil {
			log.Warn("gateway config reload ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("gateway config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *GatewayConfigHolder) Get() GatewayConfig {
	return h.current.Load().(GatewayConfig)
}

// decodeGatewayConfig layers the file over the defaults. UnmarshalKey on a
// nested key does not fill in SetDefault values for keys the file omits.
func decodeGatewayConfig(v *viper.Viper) (GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if err := v.UnmarshalKey("gateway", &cfg); err != nil {
		return GatewayConfig{}, err
	}
	if err := validateGatewayConfig(cfg); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

func validateGatewayConfig(cfg GatewayConfig) error {
	if cfg.Webhook.MaxAttempts < 1 {
		return errors.New("gateway.webhook.maxAttempts must be at least 1")
	}
	if cfg.Webhook.BackoffBase <= 0 || cfg.Webhook.BackoffCap < cfg.Webhook.BackoffBase {
		return errors.New("gateway.webhook backoff must satisfy 0 < backoffBase <= backoffCap")
	}
	if cfg.Webhook.Timeout <= 0 {
		return errors.New("gateway.webhook.timeout must be positive")
	}
	if cfg.Sweep.Interval <= 0 || cfg.Sweep.BatchSize <= 0 {
		return errors.New("gateway.sweep interval and batchSize must be positive")
	}
	if cfg.Sweep.Timeout > 0 && cfg.Sweep.Timeout < cfg.Webhook.Timeout {
		return errors.New("gateway.sweep.timeout must not be shorter than gateway.webhook.timeout")
	}
	if cfg.Alerts.DedupeTTL <= 0 {
		return errors.New("gateway.alerts.dedupeTTL must be positive")
	}
	return nil
}
