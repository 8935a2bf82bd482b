package payout

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("payout.broadcaster",
	fx.Provide(NewBroadcaster),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, b *Broadcaster) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go b.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
