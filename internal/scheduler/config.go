package scheduler

import (
	"time"

	"github.com/smallbiznis/partnergate/internal/config"
)

const (
	JobWebhookRetrySweep = "webhook_retry_sweep"

	sweepLockKey = "partnergate:lock:" + JobWebhookRetrySweep
)

// Config controls the sweep cadence and batch size. It is read from the
// gateway tunables on every tick, so edits to gateway.yml apply without a
// restart.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		Timeout:     45 * time.Second,
	}
}

func configFrom(tunables config.SweepTunables) Config {
	return Config{
		RunInterval: tunables.Interval,
		BatchSize:   tunables.BatchSize,
		Timeout:     tunables.Timeout,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	return c
}

// lockTTL outlives one run so a crashed holder releases the sweep by expiry.
func (c Config) lockTTL() time.Duration {
	return c.Timeout + 15*time.Second
}
