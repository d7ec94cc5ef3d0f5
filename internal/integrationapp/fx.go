package integrationapp

import (
	"github.com/smallbiznis/partnergate/internal/integrationapp/repository"
	"github.com/smallbiznis/partnergate/internal/integrationapp/service"
	"github.com/smallbiznis/partnergate/internal/secretbox"
	"go.uber.org/fx"
)

var Module = fx.Module("integrationapp.service",
	fx.Provide(secretbox.New),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
