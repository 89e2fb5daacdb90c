// Package reconciler periodically compares local aggregates against the
// provider's authoritative state and corrects drift through the same
// atomic apply path as live events.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	alertdomain "github.com/smallbiznis/grantway/internal/alert/domain"
	auditdomain "github.com/smallbiznis/grantway/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/grantway/internal/catalog/domain"
	"github.com/smallbiznis/grantway/internal/clock"
	"github.com/smallbiznis/grantway/internal/config"
	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	obsmetrics "github.com/smallbiznis/grantway/internal/observability/metrics"
	providerdomain "github.com/smallbiznis/grantway/internal/provider/domain"
	"github.com/smallbiznis/grantway/internal/retry"
	subscriptiondomain "github.com/smallbiznis/grantway/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCadence       = 6 * time.Hour
	defaultRunInterval   = time.Minute
	defaultBatchSize     = 50
	defaultSkewTolerance = 5 * time.Minute

	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

var ErrInvalidConfig = errors.New("invalid_reconciler_config")

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Policy retry.Policy

	Subscriptions subscriptiondomain.Repository
	CatalogSvc    catalogdomain.Service
	Processor     eventdomain.Processor
	Client        providerdomain.Client
	AlertSvc      alertdomain.Service
	AuditSvc      auditdomain.Service

	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Reconciler struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	policy retry.Policy

	cadence       time.Duration
	runInterval   time.Duration
	batchSize     int
	skewTolerance time.Duration
	afterFailures int

	subscriptions subscriptiondomain.Repository
	catalogSvc    catalogdomain.Service
	processor     eventdomain.Processor
	client        providerdomain.Client
	alertSvc      alertdomain.Service
	auditSvc      auditdomain.Service

	metrics *obsmetrics.Metrics
}

func New(p Params) (*Reconciler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil ||
		p.Subscriptions == nil || p.CatalogSvc == nil ||
		p.Processor == nil || p.Client == nil || p.AlertSvc == nil ||
		p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}

	cadence := p.Config.ReconcileInterval
	if cadence <= 0 {
		cadence = defaultCadence
	}
	runInterval := p.Config.ReconcileRunInterval
	if runInterval <= 0 {
		runInterval = defaultRunInterval
	}
	batchSize := p.Config.ReconcileBatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	skew := p.Config.ReconcileSkewTolerance
	if skew <= 0 {
		skew = defaultSkewTolerance
	}

	return &Reconciler{
		db:            p.DB,
		log:           p.Log.Named("reconciler"),
		clock:         p.Clock,
		policy:        p.Policy,
		cadence:       cadence,
		runInterval:   runInterval,
		batchSize:     batchSize,
		skewTolerance: skew,
		afterFailures: p.Config.ReconcileAfterFailures,
		subscriptions: p.Subscriptions,
		catalogSvc:    p.CatalogSvc,
		processor:     p.Processor,
		client:        p.Client,
		alertSvc:      p.AlertSvc,
		auditSvc:      p.AuditSvc,
		metrics:       p.Metrics,
	}, nil
}

// RunOnce claims one batch of due subscriptions and reconciles each. The
// claim transaction commits before any provider call so row locks never
// span network I/O.
func (r *Reconciler) RunOnce(ctx context.Context, trigger string) (int, error) {
	runID := ulid.Make().String()
	now := r.clock.Now().UTC()

	if r.metrics != nil {
		r.metrics.RecordReconcileRun(ctx, trigger)
	}

	var due []subscriptiondomain.Subscription
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		due, err = r.subscriptions.FindDueForReconcile(ctx, tx, now.Add(-r.cadence), r.afterFailures, r.batchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		if err := r.reconcileOne(ctx, runID, &due[i]); err != nil {
			r.log.Warn("reconcile attempt failed",
				zap.String("run_id", runID),
				zap.String("subscription_id", due[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		reconciled++
	}
	return reconciled, nil
}

// ReconcileByID reconciles one subscription on demand.
func (r *Reconciler) ReconcileByID(ctx context.Context, id snowflake.ID) error {
	sub, err := r.subscriptions.FindByID(ctx, r.db, id)
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	if r.metrics != nil {
		r.metrics.RecordReconcileRun(ctx, TriggerManual)
	}
	return r.reconcileOne(ctx, ulid.Make().String(), sub)
}

func (r *Reconciler) reconcileOne(ctx context.Context, runID string, sub *subscriptiondomain.Subscription) error {
	if sub.ProviderSubscriptionID == nil || *sub.ProviderSubscriptionID == "" {
		return nil
	}
	ref := *sub.ProviderSubscriptionID
	log := r.log.With(
		zap.String("run_id", runID),
		zap.String("subscription_id", sub.ID.String()),
	)

	state, err := r.client.FetchSubscription(ctx, ref)
	if err != nil {
		return r.fetchFailed(ctx, sub, err)
	}

	if r.matches(sub, state) {
		if err := r.subscriptions.MarkReconciled(ctx, r.db, sub.ID, r.clock.Now().UTC()); err != nil {
			return err
		}
		if r.metrics != nil {
			r.metrics.RecordReconcileOutcome(ctx, "match")
		}
		return nil
	}

	// The provider's view wins. The correction rides through the same
	// atomic path as live events, with an idempotency id derived from the
	// run so a crashed run never double-applies.
	env, err := r.correctionEnvelope(ctx, runID, sub, state)
	if err != nil {
		return err
	}
	if err := r.processor.Process(ctx, env); err != nil {
		return err
	}
	if err := r.subscriptions.MarkReconciled(ctx, r.db, sub.ID, r.clock.Now().UTC()); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordReconcileOutcome(ctx, "corrected")
	}
	log.Info("divergence corrected",
		zap.String("local_status", string(sub.Status)),
		zap.String("provider_status", state.Status),
	)

	accountID := sub.AccountID
	subID := sub.ID
	_ = r.alertSvc.Raise(ctx, alertdomain.KindReconcileDivergence, &accountID, &subID,
		"local subscription state diverged from provider",
		map[string]any{
			"run_id":           runID,
			"subscription_ref": ref,
			"local_status":     string(sub.Status),
			"provider_status":  state.Status,
		},
	)
	r.auditReconcile(ctx, sub, "subscription.reconcile.corrected", map[string]any{
		"run_id":          runID,
		"local_status":    string(sub.Status),
		"provider_status": state.Status,
	})
	return nil
}

// fetchFailed handles provider errors. Transient unavailability is retried
// on the next run; past the retry budget, or when the provider no longer
// knows the subscription, the divergence is surfaced to an operator and
// entitlements stay at last-known-good.
func (r *Reconciler) fetchFailed(ctx context.Context, sub *subscriptiondomain.Subscription, cause error) error {
	accountID := sub.AccountID
	subID := sub.ID

	if errors.Is(cause, providerdomain.ErrSubscriptionNotFound) {
		if sub.Status.Terminal() {
			// Both sides consider it gone.
			return r.subscriptions.MarkReconciled(ctx, r.db, sub.ID, r.clock.Now().UTC())
		}
		_ = r.alertSvc.Raise(ctx, alertdomain.KindIrreconcilableDivergence, &accountID, &subID,
			"provider no longer knows an active subscription",
			map[string]any{"subscription_ref": derefString(sub.ProviderSubscriptionID)},
		)
		r.auditReconcile(ctx, sub, "subscription.reconcile.irreconcilable", map[string]any{
			"cause": cause.Error(),
		})
		if r.metrics != nil {
			r.metrics.RecordReconcileOutcome(ctx, "irreconcilable")
		}
		return cause
	}

	if err := r.subscriptions.IncrementFailedApplies(ctx, r.db, sub.ID, r.clock.Now().UTC()); err != nil {
		return err
	}
	if r.policy.Exhausted(sub.FailedApplies + 1) {
		_ = r.alertSvc.Raise(ctx, alertdomain.KindIrreconcilableDivergence, &accountID, &subID,
			"provider unreachable past the retry budget",
			map[string]any{
				"subscription_ref": derefString(sub.ProviderSubscriptionID),
				"attempts":         sub.FailedApplies + 1,
				"last_error":       cause.Error(),
			},
		)
		if r.metrics != nil {
			r.metrics.RecordReconcileOutcome(ctx, "irreconcilable")
		}
	}
	return cause
}

// auditReconcile writes one system-actor audit entry for a reconciliation
// verdict. Advisory only; a write failure never fails the run.
func (r *Reconciler) auditReconcile(ctx context.Context, sub *subscriptiondomain.Subscription, action string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["subscription_ref"] = derefString(sub.ProviderSubscriptionID)
	accountID := sub.AccountID
	targetID := sub.ID.String()
	if err := r.auditSvc.AuditLog(ctx, &accountID, "", nil, action, "subscription", &targetID, meta); err != nil {
		r.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// matches compares local state against the provider's within the skew
// tolerance. Small timestamp drift is expected between the two systems and
// must not count as divergence.
func (r *Reconciler) matches(sub *subscriptiondomain.Subscription, state *providerdomain.AuthoritativeState) bool {
	if sub.Status != mapProviderStatus(state.Status) {
		return false
	}
	if !withinSkew(sub.CurrentPeriodStart, state.CurrentPeriodStart, r.skewTolerance) {
		return false
	}
	if !withinSkew(sub.CurrentPeriodEnd, state.CurrentPeriodEnd, r.skewTolerance) {
		return false
	}
	if !withinSkew(sub.TrialEnd, state.TrialEnd, r.skewTolerance) {
		return false
	}
	if sub.CancelAtPeriodEnd != state.CancelAtPeriodEnd {
		return false
	}
	return true
}

func (r *Reconciler) correctionEnvelope(ctx context.Context, runID string, sub *subscriptiondomain.Subscription, state *providerdomain.AuthoritativeState) (*eventdomain.Envelope, error) {
	payload := map[string]any{
		"status":               string(mapProviderStatus(state.Status)),
		"cancel_at_period_end": state.CancelAtPeriodEnd,
	}
	if state.CurrentPeriodStart != nil {
		payload["current_period_start"] = state.CurrentPeriodStart.Unix()
	}
	if state.CurrentPeriodEnd != nil {
		payload["current_period_end"] = state.CurrentPeriodEnd.Unix()
	}
	if state.TrialEnd != nil {
		payload["trial_end"] = state.TrialEnd.Unix()
	}
	if state.CanceledAt != nil {
		payload["canceled_at"] = state.CanceledAt.Unix()
	}
	if state.PlanCode != "" {
		plan, err := r.catalogSvc.PlanByCode(ctx, state.PlanCode)
		if err == nil && plan.ID != sub.PlanID {
			payload["plan_id"] = plan.ID.String()
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &eventdomain.Envelope{
		Provider:          "stripe",
		ProviderEventID:   fmt.Sprintf("recon:%s:%s", runID, sub.ID),
		EventType:         eventdomain.EventTypeSync,
		SubscriptionRef:   derefString(sub.ProviderSubscriptionID),
		AccountID:         sub.AccountID,
		ProviderTimestamp: state.FetchedAt,
		Payload:           raw,
	}, nil
}

// RunForever reconciles on the configured interval until the context ends.
func (r *Reconciler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.runInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.RunOnce(ctx, TriggerScheduled)
			if err != nil {
				r.log.Error("reconcile run failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.log.Info("reconciled subscriptions", zap.Int("count", n))
			}
		}
	}
}

func mapProviderStatus(status string) subscriptiondomain.Status {
	switch status {
	case "trialing":
		return subscriptiondomain.StatusTrialing
	case "active":
		return subscriptiondomain.StatusActive
	case "past_due", "unpaid":
		return subscriptiondomain.StatusPastDue
	case "canceled":
		return subscriptiondomain.StatusCanceled
	case "incomplete":
		return subscriptiondomain.StatusIncomplete
	case "incomplete_expired":
		return subscriptiondomain.StatusExpired
	default:
		return subscriptiondomain.Status(status)
	}
}

func withinSkew(a, b *time.Time, tolerance time.Duration) bool {
	if a == nil || b == nil {
		return (a == nil) == (b == nil)
	}
	diff := a.Sub(*b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
