package dispatcher

import (
	"context"

	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("dispatcher",
	fx.Provide(New),
	fx.Provide(func(d *Dispatcher) eventdomain.Processor { return d }),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() { _ = d.Run(ctx) }()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
