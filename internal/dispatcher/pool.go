package dispatcher

import (
	"context"

	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// enqueue hands the envelope to a worker without blocking the caller. A
// false return means the queue is full; the persisted record stays pending
// for the sweeper.
func (d *Dispatcher) enqueue(env *eventdomain.Envelope) bool {
	select {
	case d.queue <- env:
		if d.metrics != nil {
			d.metrics.AddQueueDepth(context.Background(), 1)
		}
		return true
	default:
		return false
	}
}

// Run drives the worker pool until the context is canceled. In-flight
// applies run to completion; cancellation is only observed between events.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			log := d.log.With(zap.Int("worker", worker))
			for {
				select {
				case <-ctx.Done():
					return nil
				case env := <-d.queue:
					if d.metrics != nil {
						d.metrics.AddQueueDepth(context.Background(), -1)
					}
					if err := d.Process(context.WithoutCancel(ctx), env); err != nil {
						log.Error("event processing failed",
							zap.String("provider_event_id", env.ProviderEventID),
							zap.Error(err),
						)
					}
				}
			}
		})
	}
	return g.Wait()
}
