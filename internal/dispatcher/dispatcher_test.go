package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	alertdomain "github.com/smallbiznis/grantway/internal/alert/domain"
	auditdomain "github.com/smallbiznis/grantway/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/grantway/internal/catalog/domain"
	"github.com/smallbiznis/grantway/internal/clock"
	"github.com/smallbiznis/grantway/internal/config"
	entitlementdomain "github.com/smallbiznis/grantway/internal/entitlement/domain"
	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	"github.com/smallbiznis/grantway/internal/retry"
	subscriptiondomain "github.com/smallbiznis/grantway/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// In-memory repositories. The production SQL needs row locks sqlite does
// not speak, so the fakes model the same contracts while a real sqlite
// handle drives the transaction plumbing.

type fakeEventRepo struct {
	byProviderID map[string]*eventdomain.EventRecord
	byID         map[snowflake.ID]*eventdomain.EventRecord
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{
		byProviderID: map[string]*eventdomain.EventRecord{},
		byID:         map[snowflake.ID]*eventdomain.EventRecord{},
	}
}

func (r *fakeEventRepo) Insert(ctx context.Context, db *gorm.DB, record *eventdomain.EventRecord) (bool, error) {
	if _, exists := r.byProviderID[record.ProviderEventID]; exists {
		return false, nil
	}
	stored := *record
	r.byProviderID[record.ProviderEventID] = &stored
	r.byID[record.ID] = &stored
	return true, nil
}

func (r *fakeEventRepo) FindByProviderID(ctx context.Context, db *gorm.DB, providerEventID string) (*eventdomain.EventRecord, error) {
	record, ok := r.byProviderID[providerEventID]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (r *fakeEventRepo) FindByProviderIDForUpdate(ctx context.Context, tx *gorm.DB, providerEventID string) (*eventdomain.EventRecord, error) {
	return r.FindByProviderID(ctx, tx, providerEventID)
}

func (r *fakeEventRepo) MarkOutcome(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome eventdomain.Outcome, processedAt time.Time) error {
	record := r.byID[id]
	record.Outcome = outcome
	record.ProcessedAt = &processedAt
	record.NextAttemptAt = nil
	record.LastError = ""
	return nil
}

func (r *fakeEventRepo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, attempts int, nextAttemptAt *time.Time, lastError string) error {
	record := r.byID[id]
	record.Outcome = eventdomain.OutcomeFailed
	record.Attempts = attempts
	record.NextAttemptAt = nextAttemptAt
	record.LastError = lastError
	return nil
}

func (r *fakeEventRepo) MarkDeadLettered(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	record := r.byID[id]
	record.DeadLettered = true
	record.NextAttemptAt = nil
	return nil
}

func (r *fakeEventRepo) FindDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]eventdomain.EventRecord, error) {
	var due []eventdomain.EventRecord
	for _, record := range r.byID {
		if record.DeadLettered {
			continue
		}
		if record.Outcome == eventdomain.OutcomeFailed && record.NextAttemptAt != nil && !record.NextAttemptAt.After(now) {
			due = append(due, *record)
		}
	}
	return due, nil
}

func (r *fakeEventRepo) FindDeadLettered(ctx context.Context, db *gorm.DB, subscriptionRef string) ([]eventdomain.EventRecord, error) {
	var out []eventdomain.EventRecord
	for _, record := range r.byID {
		if record.DeadLettered && record.SubscriptionRef == subscriptionRef {
			out = append(out, *record)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) CountRecentInvalid(ctx context.Context, db *gorm.DB, subscriptionRef string, since time.Time) (int64, error) {
	var count int64
	for _, record := range r.byID {
		if record.SubscriptionRef != subscriptionRef || record.Outcome != eventdomain.OutcomeSkippedNoop {
			continue
		}
		if record.ProcessedAt != nil && !record.ProcessedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

type fakeSubRepo struct {
	byID map[snowflake.ID]*subscriptiondomain.Subscription
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{byID: map[snowflake.ID]*subscriptiondomain.Subscription{}}
}

func cloneSub(s *subscriptiondomain.Subscription) *subscriptiondomain.Subscription {
	copied := *s
	return &copied
}

func (r *fakeSubRepo) Insert(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	r.byID[sub.ID] = cloneSub(sub)
	return nil
}

func (r *fakeSubRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	return cloneSub(sub), nil
}

func (r *fakeSubRepo) findByRef(providerSubscriptionID string) *subscriptiondomain.Subscription {
	for _, sub := range r.byID {
		if sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == providerSubscriptionID {
			return sub
		}
	}
	return nil
}

func (r *fakeSubRepo) FindByProviderID(ctx context.Context, db *gorm.DB, ref string) (*subscriptiondomain.Subscription, error) {
	if sub := r.findByRef(ref); sub != nil {
		return cloneSub(sub), nil
	}
	return nil, nil
}

func (r *fakeSubRepo) FindByProviderIDForUpdate(ctx context.Context, tx *gorm.DB, ref string) (*subscriptiondomain.Subscription, error) {
	return r.FindByProviderID(ctx, tx, ref)
}

func (r *fakeSubRepo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.FindByID(ctx, tx, id)
}

func (r *fakeSubRepo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var out []subscriptiondomain.Subscription
	for _, sub := range r.byID {
		if sub.AccountID == accountID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r *fakeSubRepo) UpdateAggregate(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	r.byID[sub.ID] = cloneSub(sub)
	return nil
}

func (r *fakeSubRepo) ReleaseProviderID(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	if sub, ok := r.byID[id]; ok {
		sub.ProviderSubscriptionID = nil
		sub.UpdatedAt = at
	}
	return nil
}

func (r *fakeSubRepo) FindDueForReconcile(ctx context.Context, tx *gorm.DB, olderThan time.Time, failedThreshold int, limit int) ([]subscriptiondomain.Subscription, error) {
	return nil, nil
}

func (r *fakeSubRepo) MarkReconciled(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	if sub, ok := r.byID[id]; ok {
		sub.LastReconciledAt = &at
		sub.FailedApplies = 0
	}
	return nil
}

func (r *fakeSubRepo) IncrementFailedApplies(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	if sub, ok := r.byID[id]; ok {
		sub.FailedApplies++
		sub.UpdatedAt = at
	}
	return nil
}

func (r *fakeSubRepo) ResetFailedApplies(ctx context.Context, tx *gorm.DB, id snowflake.ID, at time.Time) error {
	if sub, ok := r.byID[id]; ok {
		sub.FailedApplies = 0
		sub.UpdatedAt = at
	}
	return nil
}

type fakeEntitlementRepo struct {
	derived map[snowflake.ID][]entitlementdomain.Grant
}

func newFakeEntitlementRepo() *fakeEntitlementRepo {
	return &fakeEntitlementRepo{derived: map[snowflake.ID][]entitlementdomain.Grant{}}
}

func (r *fakeEntitlementRepo) ReplaceDerived(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, grants []entitlementdomain.Grant) error {
	r.derived[accountID] = append([]entitlementdomain.Grant(nil), grants...)
	return nil
}

func (r *fakeEntitlementRepo) FindByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]entitlementdomain.Grant, error) {
	return r.derived[accountID], nil
}

func (r *fakeEntitlementRepo) FindOverrides(ctx context.Context, db *gorm.DB, accountID snowflake.ID) ([]entitlementdomain.Grant, error) {
	return nil, nil
}

func (r *fakeEntitlementRepo) UpsertOverride(ctx context.Context, db *gorm.DB, grant *entitlementdomain.Grant) error {
	return nil
}

func (r *fakeEntitlementRepo) DeleteOverride(ctx context.Context, db *gorm.DB, accountID snowflake.ID, featureKey string) (bool, error) {
	return false, nil
}

type mockCatalogSvc struct {
	plan     catalogdomain.Plan
	features []string
}

func (m *mockCatalogSvc) Lookup(ctx context.Context, planID snowflake.ID, version int) ([]string, error) {
	if planID != m.plan.ID {
		return nil, catalogdomain.ErrPlanNotFound
	}
	return m.features, nil
}

func (m *mockCatalogSvc) LookupCurrent(ctx context.Context, planID snowflake.ID) (int, []string, error) {
	if planID != m.plan.ID {
		return 0, nil, catalogdomain.ErrPlanNotFound
	}
	return 1, m.features, nil
}

func (m *mockCatalogSvc) PlanByCode(ctx context.Context, code string) (*catalogdomain.Plan, error) {
	if code != m.plan.Code {
		return nil, catalogdomain.ErrPlanNotFound
	}
	plan := m.plan
	return &plan, nil
}

func (m *mockCatalogSvc) PlanByID(ctx context.Context, id snowflake.ID) (*catalogdomain.Plan, error) {
	if id != m.plan.ID {
		return nil, catalogdomain.ErrPlanNotFound
	}
	plan := m.plan
	return &plan, nil
}

type mockAlertSvc struct {
	raised []alertdomain.Kind
}

func (m *mockAlertSvc) Raise(ctx context.Context, kind alertdomain.Kind, accountID, subscriptionID *snowflake.ID, message string, details map[string]any) error {
	m.raised = append(m.raised, kind)
	return nil
}

func (m *mockAlertSvc) List(ctx context.Context, filter alertdomain.ListFilter) ([]alertdomain.Alert, error) {
	return nil, nil
}

func (m *mockAlertSvc) Acknowledge(ctx context.Context, id snowflake.ID, by string) error {
	return nil
}

type mockAuditSvc struct {
	actions []string
}

func (m *mockAuditSvc) AuditLog(ctx context.Context, accountID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	m.actions = append(m.actions, action)
	return nil
}

func (m *mockAuditSvc) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type mockEntitlementSvc struct {
	invalidated []snowflake.ID
}

func (m *mockEntitlementSvc) GetActiveEntitlements(ctx context.Context, accountID snowflake.ID) ([]entitlementdomain.Grant, error) {
	return nil, nil
}

func (m *mockEntitlementSvc) SetOverride(ctx context.Context, accountID snowflake.ID, featureKey string, active bool, expiresAt *time.Time, reason string) (*entitlementdomain.Grant, error) {
	return nil, nil
}

func (m *mockEntitlementSvc) ClearOverride(ctx context.Context, accountID snowflake.ID, featureKey string) error {
	return nil
}

func (m *mockEntitlementSvc) InvalidateCache(ctx context.Context, accountID snowflake.ID) {
	m.invalidated = append(m.invalidated, accountID)
}

type fixture struct {
	dispatcher *Dispatcher
	clk        *clock.FakeClock
	events     *fakeEventRepo
	subs       *fakeSubRepo
	grants     *fakeEntitlementRepo
	alerts     *mockAlertSvc
	audits     *mockAuditSvc
	entSvc     *mockEntitlementSvc
	accountID  snowflake.ID
	planID     snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	events := newFakeEventRepo()
	subs := newFakeSubRepo()
	grants := newFakeEntitlementRepo()
	alerts := &mockAlertSvc{}
	audits := &mockAuditSvc{}
	entSvc := &mockEntitlementSvc{}

	planID := node.Generate()
	catalog := &mockCatalogSvc{
		plan:     catalogdomain.Plan{ID: planID, Code: "pro", Name: "Pro", Active: true},
		features: []string{"core", "api_access"},
	}

	d, err := New(Params{
		Config:         config.Config{},
		DB:             db,
		Log:            zap.NewNop(),
		GenID:          node,
		Clock:          clk,
		Policy:         retry.Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute},
		Events:         events,
		Subscriptions:  subs,
		Entitlements:   grants,
		EntitlementSvc: entSvc,
		CatalogSvc:     catalog,
		AlertSvc:       alerts,
		AuditSvc:       audits,
	})
	require.NoError(t, err)

	return &fixture{
		dispatcher: d,
		clk:        clk,
		events:     events,
		subs:       subs,
		grants:     grants,
		alerts:     alerts,
		audits:     audits,
		entSvc:     entSvc,
		accountID:  node.Generate(),
		planID:     planID,
	}
}

func (f *fixture) envelope(eventID, eventType string, at time.Time, payload map[string]any) *eventdomain.Envelope {
	body, _ := json.Marshal(payload)
	return &eventdomain.Envelope{
		Provider:          "stripe",
		ProviderEventID:   eventID,
		EventType:         eventType,
		SubscriptionRef:   "sub_100",
		AccountID:         f.accountID,
		ProviderTimestamp: at,
		Payload:           body,
	}
}

func (f *fixture) createSubscription(t *testing.T, at time.Time, payload map[string]any) *subscriptiondomain.Subscription {
	t.Helper()
	if payload == nil {
		payload = map[string]any{"plan_code": "pro"}
	}
	env := f.envelope("evt_create_"+fmt.Sprint(at.Unix()), "customer.subscription.created", at, payload)
	require.NoError(t, f.dispatcher.Process(context.Background(), env))

	sub := f.subs.findByRef("sub_100")
	require.NotNil(t, sub)
	return sub
}

func TestProcessCreatesAggregate(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	trialEnd := at.Add(14 * 24 * time.Hour)

	env := f.envelope("evt_1", "customer.subscription.created", at, map[string]any{
		"plan_code": "pro",
		"trial_end": trialEnd.Unix(),
	})
	require.NoError(t, f.dispatcher.Process(context.Background(), env))

	sub := f.subs.findByRef("sub_100")
	require.NotNil(t, sub)
	assert.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)
	assert.Equal(t, f.planID, sub.PlanID)
	assert.Equal(t, 1, sub.PlanVersion)
	assert.Equal(t, f.accountID, sub.AccountID)

	record, err := f.events.FindByProviderID(context.Background(), nil, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, eventdomain.OutcomeApplied, record.Outcome)

	grants := f.grants.derived[f.accountID]
	require.Len(t, grants, 2)
	for _, g := range grants {
		assert.Equal(t, entitlementdomain.SourceTrial, g.Source)
		require.NotNil(t, g.ExpiresAt)
	}
	assert.Equal(t, []snowflake.ID{f.accountID}, f.entSvc.invalidated)
}

func TestProcessRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()

	env := f.envelope("evt_1", "customer.subscription.created", at, map[string]any{"plan_code": "pro"})
	require.NoError(t, f.dispatcher.Process(context.Background(), env))
	require.NoError(t, f.dispatcher.Process(context.Background(), env))

	assert.Len(t, f.subs.byID, 1)
	assert.Len(t, f.entSvc.invalidated, 1)
}

func TestProcessCreatedTwiceUnderDifferentEventIDs(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)

	dup := f.envelope("evt_dup", "customer.subscription.created", at.Add(time.Second), map[string]any{"plan_code": "pro"})
	require.NoError(t, f.dispatcher.Process(context.Background(), dup))

	assert.Len(t, f.subs.byID, 1)
	record, _ := f.events.FindByProviderID(context.Background(), nil, "evt_dup")
	assert.Equal(t, eventdomain.OutcomeSkippedNoop, record.Outcome)
}

func TestProcessStaleEventIsSkipped(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)

	// A delivery whose provider timestamp predates the aggregate's watermark.
	late := f.envelope("evt_old", "customer.subscription.deleted", at.Add(-time.Hour), nil)
	require.NoError(t, f.dispatcher.Process(context.Background(), late))

	sub := f.subs.findByRef("sub_100")
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	record, _ := f.events.FindByProviderID(context.Background(), nil, "evt_old")
	assert.Equal(t, eventdomain.OutcomeSkippedStale, record.Outcome)
}

func TestProcessLifecycleRevokesEntitlementsOnExpiry(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)
	require.Len(t, f.grants.derived[f.accountID], 2)

	failed := f.envelope("evt_2", "invoice.payment_failed", at.Add(time.Minute), map[string]any{})
	require.NoError(t, f.dispatcher.Process(context.Background(), failed))
	sub := f.subs.findByRef("sub_100")
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)
	// Grace period keeps access.
	assert.Len(t, f.grants.derived[f.accountID], 2)

	recovered := f.envelope("evt_3", "invoice.payment_succeeded", at.Add(2*time.Minute), map[string]any{})
	require.NoError(t, f.dispatcher.Process(context.Background(), recovered))
	sub = f.subs.findByRef("sub_100")
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	ended := f.envelope("evt_4", "customer.subscription.period_ended", at.Add(3*time.Minute), nil)
	require.NoError(t, f.dispatcher.Process(context.Background(), ended))
	sub = f.subs.findByRef("sub_100")
	assert.Equal(t, subscriptiondomain.StatusExpired, sub.Status)
	assert.Empty(t, f.grants.derived[f.accountID])
}

func TestProcessRecurringInvalidTransitionsRaiseAlert(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)

	// trial_will_end is a no-op outside trialing. Three inside the window
	// cross the alert threshold.
	for i := 1; i <= 3; i++ {
		env := f.envelope(fmt.Sprintf("evt_noop_%d", i), "customer.subscription.trial_will_end", at.Add(time.Duration(i)*time.Minute), nil)
		require.NoError(t, f.dispatcher.Process(context.Background(), env))
	}

	require.Len(t, f.alerts.raised, 1)
	assert.Equal(t, alertdomain.KindRecurringInvalidTransition, f.alerts.raised[0])
}

func TestProcessUnknownTypeRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)

	env := f.envelope("evt_bad", "charge.mystery", at.Add(time.Minute), nil)

	require.NoError(t, f.dispatcher.Process(context.Background(), env))
	record, _ := f.events.FindByProviderID(context.Background(), nil, "evt_bad")
	assert.Equal(t, eventdomain.OutcomeFailed, record.Outcome)
	assert.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.NextAttemptAt)
	assert.False(t, record.DeadLettered)

	// Each failed attempt flags the subscription for out-of-cadence
	// reconciliation.
	sub := f.subs.findByRef("sub_100")
	assert.Equal(t, 1, sub.FailedApplies)

	// Second attempt exhausts the budget of 2.
	require.NoError(t, f.dispatcher.Process(context.Background(), env))
	record, _ = f.events.FindByProviderID(context.Background(), nil, "evt_bad")
	assert.Equal(t, 2, record.Attempts)
	assert.True(t, record.DeadLettered)
	assert.Nil(t, record.NextAttemptAt)

	require.Len(t, f.alerts.raised, 1)
	assert.Equal(t, alertdomain.KindEventDeadLettered, f.alerts.raised[0])

	sub = f.subs.findByRef("sub_100")
	assert.Equal(t, 2, sub.FailedApplies)

	// A dead-lettered event is never re-applied and never counted again.
	require.NoError(t, f.dispatcher.Process(context.Background(), env))
	record, _ = f.events.FindByProviderID(context.Background(), nil, "evt_bad")
	assert.Equal(t, 2, record.Attempts)
	sub = f.subs.findByRef("sub_100")
	assert.Equal(t, 2, sub.FailedApplies)
}

func TestProcessFailedApplyFlagsForReconcile(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)

	env := f.envelope("evt_odd", "charge.mystery", at.Add(time.Minute), nil)
	require.NoError(t, f.dispatcher.Process(context.Background(), env))

	record, _ := f.events.FindByProviderID(context.Background(), nil, "evt_odd")
	assert.Equal(t, eventdomain.OutcomeFailed, record.Outcome)
	assert.False(t, record.DeadLettered)

	// The very first failure already counts toward the reconcile
	// threshold; the counter does not wait for dead-lettering.
	sub := f.subs.findByRef("sub_100")
	assert.Equal(t, 1, sub.FailedApplies)
}

func TestProcessAheadOfCreationIsRetryable(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()

	env := f.envelope("evt_early", "invoice.payment_succeeded", at, map[string]any{})
	require.NoError(t, f.dispatcher.Process(context.Background(), env))

	record, _ := f.events.FindByProviderID(context.Background(), nil, "evt_early")
	assert.Equal(t, eventdomain.OutcomeFailed, record.Outcome)
	assert.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.NextAttemptAt)

	// Once the creating event lands, the retry applies cleanly.
	f.createSubscription(t, at.Add(-time.Second), map[string]any{"plan_code": "pro", "trial": true})
	require.NoError(t, f.dispatcher.Process(context.Background(), env))
	record, _ = f.events.FindByProviderID(context.Background(), nil, "evt_early")
	assert.Equal(t, eventdomain.OutcomeApplied, record.Outcome)
}

func TestProcessSyncReactivationStartsNewAggregate(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	old := f.createSubscription(t, at, nil)
	oldID := old.ID

	deleted := f.envelope("evt_del", "customer.subscription.deleted", at.Add(time.Minute), nil)
	require.NoError(t, f.dispatcher.Process(context.Background(), deleted))
	require.Equal(t, subscriptiondomain.StatusCanceled, f.subs.byID[oldID].Status)

	correction := f.envelope("evt_sync", eventdomain.EventTypeSync, at.Add(2*time.Minute), map[string]any{
		"status": "active",
	})
	require.NoError(t, f.dispatcher.Process(context.Background(), correction))

	// The closed aggregate keeps its history but loses the provider ref.
	assert.Nil(t, f.subs.byID[oldID].ProviderSubscriptionID)
	assert.Equal(t, subscriptiondomain.StatusCanceled, f.subs.byID[oldID].Status)

	replacement := f.subs.findByRef("sub_100")
	require.NotNil(t, replacement)
	assert.NotEqual(t, oldID, replacement.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, replacement.Status)
	assert.Equal(t, f.planID, replacement.PlanID)
	assert.Len(t, f.grants.derived[f.accountID], 2)
}

func TestIngestRecordsBeforeEnqueue(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()

	env := f.envelope("evt_1", "customer.subscription.created", at, map[string]any{"plan_code": "pro"})
	require.NoError(t, f.dispatcher.Ingest(context.Background(), env))

	record, _ := f.events.FindByProviderID(context.Background(), nil, "evt_1")
	require.NotNil(t, record)
	assert.Equal(t, eventdomain.OutcomePending, record.Outcome)
	assert.Nil(t, f.subs.findByRef("sub_100"))

	// The same envelope through the synchronous path finishes the work.
	require.NoError(t, f.dispatcher.Process(context.Background(), env))
	record, _ = f.events.FindByProviderID(context.Background(), nil, "evt_1")
	assert.Equal(t, eventdomain.OutcomeApplied, record.Outcome)
	assert.NotNil(t, f.subs.findByRef("sub_100"))
}

func TestApplyStopsWhenOutcomeAlreadyCommitted(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)

	env := f.envelope("evt_del", "customer.subscription.deleted", at.Add(time.Minute), nil)

	// Two passes load the record before either commits: the snapshot held
	// by the slower pass still reads pending.
	record, fresh, err := f.dispatcher.insertOrLoad(context.Background(), env)
	require.NoError(t, err)
	require.True(t, fresh)
	stale := *record

	require.NoError(t, f.dispatcher.apply(context.Background(), record, env))
	committed, _ := f.events.FindByProviderID(context.Background(), nil, "evt_del")
	require.Equal(t, eventdomain.OutcomeApplied, committed.Outcome)

	// The slower pass re-checks under the row lock and commits nothing:
	// the applied outcome survives and no failure is recorded.
	require.NoError(t, f.dispatcher.apply(context.Background(), &stale, env))
	committed, _ = f.events.FindByProviderID(context.Background(), nil, "evt_del")
	assert.Equal(t, eventdomain.OutcomeApplied, committed.Outcome)

	sub := f.subs.findByRef("sub_100")
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	assert.Equal(t, 0, sub.FailedApplies)
}

func TestProcessWritesAuditTrail(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)

	stale := f.envelope("evt_stale", "customer.subscription.deleted", at.Add(-time.Hour), nil)
	require.NoError(t, f.dispatcher.Process(context.Background(), stale))

	dup := f.envelope("evt_dup", "customer.subscription.created", at.Add(time.Second), map[string]any{"plan_code": "pro"})
	require.NoError(t, f.dispatcher.Process(context.Background(), dup))

	bad := f.envelope("evt_bad", "charge.mystery", at.Add(time.Minute), nil)
	require.NoError(t, f.dispatcher.Process(context.Background(), bad))
	require.NoError(t, f.dispatcher.Process(context.Background(), bad))

	assert.Contains(t, f.audits.actions, "subscription.event.applied")
	assert.Contains(t, f.audits.actions, "subscription.event.skipped_stale")
	assert.Contains(t, f.audits.actions, "subscription.event.skipped_noop")
	assert.Contains(t, f.audits.actions, "subscription.event.failed")
	assert.Contains(t, f.audits.actions, "subscription.event.dead_lettered")
}

func TestApplyStampsUpdatedAtFromClock(t *testing.T) {
	f := newFixture(t)
	at := f.clk.Now()
	f.createSubscription(t, at, nil)

	f.clk.Advance(time.Hour)
	env := f.envelope("evt_cancel", "customer.subscription.deleted", at.Add(time.Minute), nil)
	require.NoError(t, f.dispatcher.Process(context.Background(), env))

	sub := f.subs.findByRef("sub_100")
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	assert.True(t, sub.UpdatedAt.Equal(f.clk.Now()))
}

func TestProcessRejectsInvalidEnvelope(t *testing.T) {
	f := newFixture(t)

	err := f.dispatcher.Process(context.Background(), nil)
	assert.ErrorIs(t, err, eventdomain.ErrInvalidEvent)

	err = f.dispatcher.Process(context.Background(), &eventdomain.Envelope{})
	assert.ErrorIs(t, err, eventdomain.ErrInvalidEvent)
}
