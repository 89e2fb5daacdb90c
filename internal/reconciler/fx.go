package reconciler

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("reconciler",
	fx.Provide(New),
	fx.Invoke(Start),
)

func Start(lc fx.Lifecycle, r *Reconciler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go r.RunForever(ctx)

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
