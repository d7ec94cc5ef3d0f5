package membership

import (
	"github.com/smallbiznis/partnergate/internal/membership/service"
	"go.uber.org/fx"
)

var Module = fx.Module("membership.directory",
	fx.Provide(service.New),
)
