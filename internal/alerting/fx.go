package alerting

import "go.uber.org/fx"

var Module = fx.Module("alerting",
	fx.Provide(New),
	fx.Provide(func(a *Alerter) Raiser { return a }),
)
