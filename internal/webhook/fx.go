package webhook

import (
	"github.com/smallbiznis/partnergate/internal/webhook/repository"
	"github.com/smallbiznis/partnergate/internal/webhook/sender"
	"github.com/smallbiznis/partnergate/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(sender.NewHTTPSender),
	fx.Provide(service.New),
)
