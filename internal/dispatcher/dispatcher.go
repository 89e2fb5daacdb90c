// Package dispatcher consumes verified lifecycle events and applies them
// to subscription aggregates. The apply is atomic: aggregate update,
// entitlement recomputation, and the event record's outcome commit
// together or not at all.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/grantway/internal/alert/domain"
	auditdomain "github.com/smallbiznis/grantway/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/grantway/internal/catalog/domain"
	"github.com/smallbiznis/grantway/internal/clock"
	"github.com/smallbiznis/grantway/internal/config"
	entitlementdomain "github.com/smallbiznis/grantway/internal/entitlement/domain"
	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	obsmetrics "github.com/smallbiznis/grantway/internal/observability/metrics"
	"github.com/smallbiznis/grantway/internal/retry"
	subscriptiondomain "github.com/smallbiznis/grantway/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024

	// Tolerated invalid transitions on one subscription inside the window
	// before an operator alert fires.
	invalidAlertThreshold = 3
	invalidAlertWindow    = time.Hour
)

var ErrInvalidConfig = errors.New("invalid_dispatcher_config")

// errEventFinished signals that a concurrent pass already committed a
// terminal outcome for the record; the current pass stops without writes.
var errEventFinished = errors.New("event_already_finished")

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy retry.Policy

	Events        eventdomain.Repository
	Subscriptions subscriptiondomain.Repository
	Entitlements  entitlementdomain.Repository

	EntitlementSvc entitlementdomain.Service
	CatalogSvc     catalogdomain.Service
	AlertSvc       alertdomain.Service
	AuditSvc       auditdomain.Service

	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	policy  retry.Policy
	workers int
	queue   chan *eventdomain.Envelope

	events        eventdomain.Repository
	subscriptions subscriptiondomain.Repository
	entitlements  entitlementdomain.Repository

	entitlementSvc entitlementdomain.Service
	catalogSvc     catalogdomain.Service
	alertSvc       alertdomain.Service
	auditSvc       auditdomain.Service

	metrics *obsmetrics.Metrics
}

func New(p Params) (*Dispatcher, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil ||
		p.Events == nil || p.Subscriptions == nil || p.Entitlements == nil ||
		p.EntitlementSvc == nil || p.CatalogSvc == nil || p.AlertSvc == nil ||
		p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}

	workers := p.Config.DispatcherWorkers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := p.Config.DispatcherQueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Dispatcher{
		db:             p.DB,
		log:            p.Log.Named("dispatcher"),
		genID:          p.GenID,
		clock:          p.Clock,
		policy:         p.Policy,
		workers:        workers,
		queue:          make(chan *eventdomain.Envelope, queueSize),
		events:         p.Events,
		subscriptions:  p.Subscriptions,
		entitlements:   p.Entitlements,
		entitlementSvc: p.EntitlementSvc,
		catalogSvc:     p.CatalogSvc,
		alertSvc:       p.AlertSvc,
		auditSvc:       p.AuditSvc,
		metrics:        p.Metrics,
	}, nil
}

// Ingest durably records the event before acknowledging it, then hands it
// to the worker pool. A full queue is not an error: the record stays
// pending and the retry sweeper picks it up.
func (d *Dispatcher) Ingest(ctx context.Context, env *eventdomain.Envelope) error {
	record, fresh, err := d.insertOrLoad(ctx, env)
	if err != nil {
		return err
	}
	if record == nil {
		// Redelivery of a finished event.
		return nil
	}
	if !fresh && (record.Outcome.Terminal() || record.DeadLettered) {
		return nil
	}

	if d.metrics != nil {
		d.metrics.RecordWebhookEvent(ctx, env.Provider, env.EventType)
	}

	if !d.enqueue(env) {
		d.log.Warn("dispatch queue full, leaving event pending",
			zap.String("provider_event_id", env.ProviderEventID),
		)
	}
	return nil
}

// Process applies one event synchronously. Safe to call for events never
// seen before (reconciler corrections) and for redeliveries alike.
func (d *Dispatcher) Process(ctx context.Context, env *eventdomain.Envelope) error {
	record, _, err := d.insertOrLoad(ctx, env)
	if err != nil {
		return err
	}
	if record == nil || record.Outcome.Terminal() || record.DeadLettered {
		return nil
	}
	return d.apply(ctx, record, env)
}

func (d *Dispatcher) insertOrLoad(ctx context.Context, env *eventdomain.Envelope) (*eventdomain.EventRecord, bool, error) {
	if env == nil || env.ProviderEventID == "" {
		return nil, false, eventdomain.ErrInvalidEvent
	}

	record := &eventdomain.EventRecord{
		ID:                d.genID.Generate(),
		Provider:          env.Provider,
		ProviderEventID:   env.ProviderEventID,
		EventType:         env.EventType,
		SubscriptionRef:   env.SubscriptionRef,
		AccountID:         env.AccountID,
		ProviderTimestamp: env.ProviderTimestamp.UTC(),
		Payload:           env.Payload,
		Outcome:           eventdomain.OutcomePending,
		ReceivedAt:        d.clock.Now().UTC(),
	}

	inserted, err := d.events.Insert(ctx, d.db, record)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return record, true, nil
	}

	existing, err := d.events.FindByProviderID(ctx, d.db, env.ProviderEventID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// apply runs the transition inside one transaction. Either the aggregate
// update, the entitlement replacement, and the outcome all persist, or the
// whole attempt rolls back and looks untouched to the next retry.
func (d *Dispatcher) apply(ctx context.Context, record *eventdomain.EventRecord, env *eventdomain.Envelope) error {
	change, err := eventdomain.Translate(env)
	if err != nil {
		return d.fail(ctx, record, err)
	}

	var (
		outcome eventdomain.Outcome
		sub     *subscriptiondomain.Subscription
	)
	txErr := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, sub, err = d.applyTx(ctx, tx, record, env, change)
		return err
	})
	if errors.Is(txErr, errEventFinished) {
		return nil
	}
	if txErr != nil {
		return d.fail(ctx, record, txErr)
	}

	d.afterApply(ctx, record, env, change, outcome, sub)
	return nil
}

func (d *Dispatcher) applyTx(ctx context.Context, tx *gorm.DB, record *eventdomain.EventRecord, env *eventdomain.Envelope, change subscriptiondomain.Change) (eventdomain.Outcome, *subscriptiondomain.Subscription, error) {
	now := d.clock.Now().UTC()
	eventTime := env.ProviderTimestamp.UTC()

	// Re-check the record under its row lock. A worker and the sweeper can
	// both pass the unlocked pre-check; whoever commits second must not
	// overwrite a terminal outcome.
	current, err := d.events.FindByProviderIDForUpdate(ctx, tx, record.ProviderEventID)
	if err != nil {
		return "", nil, err
	}
	if current == nil || current.Outcome.Terminal() || current.DeadLettered {
		return "", nil, errEventFinished
	}
	record.Attempts = current.Attempts

	sub, err := d.subscriptions.FindByProviderIDForUpdate(ctx, tx, env.SubscriptionRef)
	if err != nil {
		return "", nil, err
	}

	if change.Kind == subscriptiondomain.KindCreated {
		if sub != nil {
			// The aggregate already exists, the creation was delivered twice
			// under different event ids.
			return d.finish(ctx, tx, record, eventdomain.OutcomeSkippedNoop, now, sub)
		}
		created, err := d.createAggregate(ctx, tx, env, change, eventTime, now)
		if err != nil {
			return "", nil, err
		}
		return d.finish(ctx, tx, record, eventdomain.OutcomeApplied, now, created)
	}

	if sub == nil {
		// Out-of-order delivery ahead of the creating event. Retryable.
		return "", nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	// Provider timestamps are the ordering authority. Corrections carry the
	// reconciler's authoritative snapshot and bypass the check.
	if change.Kind != subscriptiondomain.KindSync &&
		sub.LastEventAt != nil && eventTime.Before(*sub.LastEventAt) {
		return d.finish(ctx, tx, record, eventdomain.OutcomeSkippedStale, now, sub)
	}

	if change.Kind == subscriptiondomain.KindSync &&
		sub.Status.Terminal() && !change.Status.Terminal() {
		// The provider resurrected a subscription we closed. Locally that is
		// a new aggregate; the old one keeps its history.
		if err := d.subscriptions.ReleaseProviderID(ctx, tx, sub.ID, now); err != nil {
			return "", nil, err
		}
		replacement, err := d.createReplacement(ctx, tx, sub, env, change, eventTime, now)
		if err != nil {
			return "", nil, err
		}
		return d.finish(ctx, tx, record, eventdomain.OutcomeApplied, now, replacement)
	}

	applied, err := subscriptiondomain.Apply(sub, change, eventTime)
	if err != nil {
		return "", nil, err
	}
	if !applied {
		return d.finish(ctx, tx, record, eventdomain.OutcomeSkippedNoop, now, sub)
	}

	if change.PlanID != 0 && change.PlanID != sub.PlanID {
		sub.PlanID = change.PlanID
		if change.PlanVersion > 0 {
			sub.PlanVersion = change.PlanVersion
		}
	}

	sub.UpdatedAt = now
	if err := d.subscriptions.UpdateAggregate(ctx, tx, sub); err != nil {
		return "", nil, err
	}
	if err := d.replaceEntitlements(ctx, tx, sub, now); err != nil {
		return "", nil, err
	}
	if err := d.subscriptions.ResetFailedApplies(ctx, tx, sub.ID, now); err != nil {
		return "", nil, err
	}
	return d.finish(ctx, tx, record, eventdomain.OutcomeApplied, now, sub)
}

func (d *Dispatcher) finish(ctx context.Context, tx *gorm.DB, record *eventdomain.EventRecord, outcome eventdomain.Outcome, now time.Time, sub *subscriptiondomain.Subscription) (eventdomain.Outcome, *subscriptiondomain.Subscription, error) {
	if err := d.events.MarkOutcome(ctx, tx, record.ID, outcome, now); err != nil {
		return "", nil, err
	}
	return outcome, sub, nil
}

func (d *Dispatcher) createAggregate(ctx context.Context, tx *gorm.DB, env *eventdomain.Envelope, change subscriptiondomain.Change, eventTime, now time.Time) (*subscriptiondomain.Subscription, error) {
	if env.AccountID == 0 {
		return nil, eventdomain.ErrMissingAccountRef
	}

	planID := change.PlanID
	planVersion := change.PlanVersion
	if planID == 0 {
		code := eventdomain.PlanCode(env)
		if code == "" {
			return nil, eventdomain.ErrInvalidPayload
		}
		plan, err := d.catalogSvc.PlanByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		planID = plan.ID
	}
	if planVersion <= 0 {
		version, _, err := d.catalogSvc.LookupCurrent(ctx, planID)
		if err != nil {
			return nil, err
		}
		planVersion = version
	}

	ref := env.SubscriptionRef
	sub := &subscriptiondomain.Subscription{
		ID:                     d.genID.Generate(),
		AccountID:              env.AccountID,
		ProviderSubscriptionID: &ref,
		PlanID:                 planID,
		PlanVersion:            planVersion,
		Status:                 change.InitialStatus(),
		CurrentPeriodStart:     change.PeriodStart,
		CurrentPeriodEnd:       change.PeriodEnd,
		TrialEnd:               change.TrialEnd,
		LastEventAt:            &eventTime,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := d.subscriptions.Insert(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := d.replaceEntitlements(ctx, tx, sub, now); err != nil {
		return nil, err
	}
	return sub, nil
}

// createReplacement starts a fresh aggregate for a provider-side
// reactivation. Plan identity carries over from the closed aggregate
// unless the correction names another plan.
func (d *Dispatcher) createReplacement(ctx context.Context, tx *gorm.DB, old *subscriptiondomain.Subscription, env *eventdomain.Envelope, change subscriptiondomain.Change, eventTime, now time.Time) (*subscriptiondomain.Subscription, error) {
	planID := old.PlanID
	planVersion := old.PlanVersion
	if change.PlanID != 0 {
		planID = change.PlanID
		if change.PlanVersion > 0 {
			planVersion = change.PlanVersion
		}
	}

	ref := env.SubscriptionRef
	sub := &subscriptiondomain.Subscription{
		ID:                     d.genID.Generate(),
		AccountID:              old.AccountID,
		ProviderSubscriptionID: &ref,
		PlanID:                 planID,
		PlanVersion:            planVersion,
		Status:                 change.Status,
		CurrentPeriodStart:     change.PeriodStart,
		CurrentPeriodEnd:       change.PeriodEnd,
		TrialEnd:               change.TrialEnd,
		LastEventAt:            &eventTime,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := d.subscriptions.Insert(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := d.replaceEntitlements(ctx, tx, sub, now); err != nil {
		return nil, err
	}
	return sub, nil
}

// replaceEntitlements recomputes the account's derived grants from the
// aggregate inside the apply transaction. Manual overrides are untouched.
func (d *Dispatcher) replaceEntitlements(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, now time.Time) error {
	var features []string
	if sub.Status.GrantsEntitlements() {
		var err error
		features, err = d.catalogSvc.Lookup(ctx, sub.PlanID, sub.PlanVersion)
		if err != nil {
			return err
		}
	}

	grants := entitlementdomain.Resolve(sub, features, now)
	for i := range grants {
		grants[i].ID = d.genID.Generate()
	}
	return d.entitlements.ReplaceDerived(ctx, tx, sub.AccountID, grants)
}

// fail records a failed attempt, schedules the next one per the backoff
// policy, and dead-letters past the budget. Runs outside the apply
// transaction so the failure mark survives the rollback.
func (d *Dispatcher) fail(ctx context.Context, record *eventdomain.EventRecord, cause error) error {
	attempts := record.Attempts + 1
	now := d.clock.Now().UTC()

	// Every failed apply counts toward the on-demand reconcile threshold,
	// not just the dead-letter at the end of the budget. A successful apply
	// resets the counter.
	d.flagForReconcile(ctx, record, now)

	if d.policy.Exhausted(attempts) {
		if err := d.events.MarkFailed(ctx, d.db, record.ID, attempts, nil, cause.Error()); err != nil {
			return err
		}
		if err := d.events.MarkDeadLettered(ctx, d.db, record.ID); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.RecordDeadLetter(ctx, record.EventType)
		}

		subID := record.SubscriptionRef
		accountID := record.AccountID
		_ = d.alertSvc.Raise(ctx, alertdomain.KindEventDeadLettered, nilIfZero(&accountID), nil,
			"event exhausted its retry budget",
			map[string]any{
				"provider_event_id": record.ProviderEventID,
				"event_type":        record.EventType,
				"subscription_ref":  subID,
				"attempts":          attempts,
				"last_error":        cause.Error(),
			},
		)
		d.log.Error("event dead-lettered",
			zap.String("provider_event_id", record.ProviderEventID),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		d.auditEvent(ctx, record, "subscription.event.dead_lettered", map[string]any{
			"attempts":   attempts,
			"last_error": cause.Error(),
		})
		return nil
	}

	nextAt := now.Add(d.policy.NextDelay(attempts))
	if err := d.events.MarkFailed(ctx, d.db, record.ID, attempts, &nextAt, cause.Error()); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.RecordRetryScheduled(ctx, record.EventType)
	}
	d.log.Warn("event apply failed, retry scheduled",
		zap.String("provider_event_id", record.ProviderEventID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", nextAt),
		zap.Error(cause),
	)
	d.auditEvent(ctx, record, "subscription.event.failed", map[string]any{
		"attempts":   attempts,
		"last_error": cause.Error(),
	})
	return nil
}

// flagForReconcile bumps the failed-apply counter so the reconciler pulls
// this subscription ahead of its regular cadence.
func (d *Dispatcher) flagForReconcile(ctx context.Context, record *eventdomain.EventRecord, now time.Time) {
	if record.SubscriptionRef == "" {
		return
	}
	sub, err := d.subscriptions.FindByProviderID(ctx, d.db, record.SubscriptionRef)
	if err != nil || sub == nil {
		return
	}
	if err := d.subscriptions.IncrementFailedApplies(ctx, d.db, sub.ID, now); err != nil {
		d.log.Warn("failed to flag subscription for reconcile", zap.Error(err))
	}
}

func (d *Dispatcher) afterApply(ctx context.Context, record *eventdomain.EventRecord, env *eventdomain.Envelope, change subscriptiondomain.Change, outcome eventdomain.Outcome, sub *subscriptiondomain.Subscription) {
	if d.metrics != nil {
		d.metrics.RecordEventProcessed(ctx, string(change.Kind), string(outcome))
	}

	meta := map[string]any{"kind": string(change.Kind)}
	if sub != nil {
		meta["subscription_id"] = sub.ID.String()
		meta["status"] = string(sub.Status)
	}
	d.auditEvent(ctx, record, "subscription.event."+string(outcome), meta)

	switch outcome {
	case eventdomain.OutcomeApplied:
		if sub != nil {
			d.entitlementSvc.InvalidateCache(ctx, sub.AccountID)
		}
	case eventdomain.OutcomeSkippedNoop:
		d.noteInvalidTransition(ctx, record, change, sub)
	}
}

// auditEvent writes one system-actor audit entry per processed event. The
// trail is advisory: a write failure never fails the apply.
func (d *Dispatcher) auditEvent(ctx context.Context, record *eventdomain.EventRecord, action string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["event_type"] = record.EventType
	if record.SubscriptionRef != "" {
		meta["subscription_ref"] = record.SubscriptionRef
	}
	accountID := record.AccountID
	targetID := record.ProviderEventID
	if err := d.auditSvc.AuditLog(ctx, nilIfZero(&accountID), "", nil, action, "lifecycle_event", &targetID, meta); err != nil {
		d.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// noteInvalidTransition counts tolerated skips per subscription and raises
// an operator alert when they recur inside the window.
func (d *Dispatcher) noteInvalidTransition(ctx context.Context, record *eventdomain.EventRecord, change subscriptiondomain.Change, sub *subscriptiondomain.Subscription) {
	from := ""
	if sub != nil {
		from = string(sub.Status)
	}
	if d.metrics != nil {
		d.metrics.RecordInvalidTransition(ctx, from, string(change.Kind))
	}
	d.log.Info("transition skipped as no-op",
		zap.String("provider_event_id", record.ProviderEventID),
		zap.String("kind", string(change.Kind)),
		zap.String("status", from),
	)

	if record.SubscriptionRef == "" {
		return
	}
	since := d.clock.Now().Add(-invalidAlertWindow)
	count, err := d.events.CountRecentInvalid(ctx, d.db, record.SubscriptionRef, since)
	if err != nil {
		return
	}
	// The current event's outcome is already committed, so count includes it.
	if count < invalidAlertThreshold {
		return
	}

	var accountID, subID *snowflake.ID
	if sub != nil {
		accountID = nilIfZero(&sub.AccountID)
		id := sub.ID
		subID = &id
	}
	_ = d.alertSvc.Raise(ctx, alertdomain.KindRecurringInvalidTransition, accountID, subID,
		"recurring invalid transitions on one subscription",
		map[string]any{
			"subscription_ref": record.SubscriptionRef,
			"window":           invalidAlertWindow.String(),
			"count":            count,
		},
	)
}

func nilIfZero(id *snowflake.ID) *snowflake.ID {
	if id == nil || *id == 0 {
		return nil
	}
	return id
}
