package accesscode

import (
	"github.com/smallbiznis/partnergate/internal/accesscode/repository"
	"github.com/smallbiznis/partnergate/internal/accesscode/service"
	"go.uber.org/fx"
)

var Module = fx.Module("accesscode.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
