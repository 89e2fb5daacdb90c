package retry

import (
	"context"
	"time"

	"github.com/smallbiznis/grantway/internal/clock"
	"github.com/smallbiznis/grantway/internal/config"
	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSweepInterval = 15 * time.Second
	defaultSweepBatch    = 100
)

type SweeperParams struct {
	fx.In

	Config    config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Events    eventdomain.Repository
	Processor eventdomain.Processor
}

// Sweeper re-submits failed events whose backoff elapsed, and pending
// events stranded by a full queue or a crash between ingress and apply.
type Sweeper struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	events    eventdomain.Repository
	processor eventdomain.Processor
}

func NewSweeper(p SweeperParams) *Sweeper {
	interval := p.Config.RetrySweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		db:        p.DB,
		log:       p.Log.Named("retry.sweeper"),
		clock:     p.Clock,
		interval:  interval,
		batchSize: defaultSweepBatch,
		events:    p.Events,
		processor: p.Processor,
	}
}

// SweepOnce claims one batch of due records and replays them through the
// processor. The claim transaction commits before any replay starts so the
// row locks never overlap the apply transactions.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	var records []eventdomain.EventRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		records, err = s.events.FindDue(ctx, tx, s.clock.Now().UTC(), s.batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	replayed := 0
	for i := range records {
		record := &records[i]
		env := &eventdomain.Envelope{
			Provider:          record.Provider,
			ProviderEventID:   record.ProviderEventID,
			EventType:         record.EventType,
			SubscriptionRef:   record.SubscriptionRef,
			AccountID:         record.AccountID,
			ProviderTimestamp: record.ProviderTimestamp,
			Payload:           record.Payload,
		}
		if err := s.processor.Process(ctx, env); err != nil {
			s.log.Warn("replay failed",
				zap.String("provider_event_id", record.ProviderEventID),
				zap.Error(err),
			)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// RunForever sweeps on the configured interval until the context ends.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Error("sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("replayed due events", zap.Int("count", n))
			}
		}
	}
}

func StartSweeper(lc fx.Lifecycle, s *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go s.RunForever(ctx)

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
