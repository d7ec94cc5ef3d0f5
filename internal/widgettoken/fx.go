package widgettoken

import "go.uber.org/fx"

var Module = fx.Module("widgettoken",
	fx.Provide(New),
)
