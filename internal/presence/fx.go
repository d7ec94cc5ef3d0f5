package presence

import (
	"github.com/smallbiznis/partnergate/internal/presence/hub"
	"github.com/smallbiznis/partnergate/internal/presence/repository"
	"github.com/smallbiznis/partnergate/internal/presence/service"
	"go.uber.org/fx"
)

var Module = fx.Module("presence.service",
	fx.Provide(hub.New),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
