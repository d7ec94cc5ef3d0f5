package identitylink

import (
	"github.com/smallbiznis/partnergate/internal/identitylink/repository"
	"github.com/smallbiznis/partnergate/internal/identitylink/service"
	"go.uber.org/fx"
)

var Module = fx.Module("identitylink.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
