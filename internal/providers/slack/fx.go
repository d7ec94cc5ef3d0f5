package slack

import (
	"github.com/smallbiznis/partnergate/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.Slack.WebhookURL == "" {
		return &NoOpProvider{}
	}
	return NewWebhookProvider(cfg.Slack.WebhookURL, cfg.Slack.Timeout)
}
