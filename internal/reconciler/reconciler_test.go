package reconciler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	alertdomain "github.com/smallbiznis/grantway/internal/alert/domain"
	auditdomain "github.com/smallbiznis/grantway/internal/audit/domain"
	catalogdomain "github.com/smallbiznis/grantway/internal/catalog/domain"
	"github.com/smallbiznis/grantway/internal/clock"
	"github.com/smallbiznis/grantway/internal/config"
	eventdomain "github.com/smallbiznis/grantway/internal/event/domain"
	providerdomain "github.com/smallbiznis/grantway/internal/provider/domain"
	"github.com/smallbiznis/grantway/internal/retry"
	subscriptiondomain "github.com/smallbiznis/grantway/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeSubRepo struct {
	byID map[snowflake.ID]*subscriptiondomain.Subscription
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{byID: map[snowflake.ID]*subscriptiondomain.Subscription{}}
}

func (r *fakeSubRepo) put(sub *subscriptiondomain.Subscription) {
	copied := *sub
	r.byID[sub.ID] = &copied
}

func (r *fakeSubRepo) Insert(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.Subscription) error {
	r.put(sub)
	return nil
}

func (r *fakeSubRepo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	copied := *sub
	return &copied, nil
}

func (r *fakeSubRepo) FindByProviderID(ctx context.Context, db *gorm.DB, ref string) (*subscriptiondomain.Subscription, error) {
	for _, sub := range r.byID {
		if sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == ref {
			copied := *sub
			return &copied, nil
		}
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
	return nil, nil
}

func (r *fakeSubRepo) UpdateAggregate(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	r.put(sub)
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
	var due []subscriptiondomain.Subscription
	for _, sub := range r.byID {
		if sub.ProviderSubscriptionID == nil {
			continue
		}
		stale := sub.LastReconciledAt == nil || !sub.LastReconciledAt.After(olderThan)
		flagged := failedThreshold > 0 && sub.FailedApplies >= failedThreshold
		if stale || flagged {
			due = append(due, *sub)
		}
		if len(due) >= limit {
			break
		}
	}
	return due, nil
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

type mockClient struct {
	states map[string]*providerdomain.AuthoritativeState
	errs   map[string]error
}

func (m *mockClient) FetchSubscription(ctx context.Context, ref string) (*providerdomain.AuthoritativeState, error) {
	if err, ok := m.errs[ref]; ok {
		return nil, err
	}
	if state, ok := m.states[ref]; ok {
		return state, nil
	}
	return nil, providerdomain.ErrSubscriptionNotFound
}

type mockProcessor struct {
	envelopes []*eventdomain.Envelope
	err       error
}

func (m *mockProcessor) Ingest(ctx context.Context, env *eventdomain.Envelope) error {
	return m.Process(ctx, env)
}

func (m *mockProcessor) Process(ctx context.Context, env *eventdomain.Envelope) error {
	if m.err != nil {
		return m.err
	}
	m.envelopes = append(m.envelopes, env)
	return nil
}

type mockCatalogSvc struct {
	plan catalogdomain.Plan
}

func (m *mockCatalogSvc) Lookup(ctx context.Context, planID snowflake.ID, version int) ([]string, error) {
	return nil, nil
}

func (m *mockCatalogSvc) LookupCurrent(ctx context.Context, planID snowflake.ID) (int, []string, error) {
	return 1, nil, nil
}

func (m *mockCatalogSvc) PlanByCode(ctx context.Context, code string) (*catalogdomain.Plan, error) {
	if code != m.plan.Code {
		return nil, catalogdomain.ErrPlanNotFound
	}
	plan := m.plan
	return &plan, nil
}

func (m *mockCatalogSvc) PlanByID(ctx context.Context, id snowflake.ID) (*catalogdomain.Plan, error) {
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

type fixture struct {
	reconciler *Reconciler
	clk        *clock.FakeClock
	subs       *fakeSubRepo
	client     *mockClient
	processor  *mockProcessor
	alerts     *mockAlertSvc
	audits     *mockAuditSvc
	node       *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	subs := newFakeSubRepo()
	client := &mockClient{
		states: map[string]*providerdomain.AuthoritativeState{},
		errs:   map[string]error{},
	}
	processor := &mockProcessor{}
	alerts := &mockAlertSvc{}
	audits := &mockAuditSvc{}

	r, err := New(Params{
		Config: config.Config{
			ReconcileSkewTolerance: 5 * time.Minute,
			ReconcileAfterFailures: 3,
		},
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         clk,
		Policy:        retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
		Subscriptions: subs,
		CatalogSvc:    &mockCatalogSvc{plan: catalogdomain.Plan{ID: node.Generate(), Code: "pro"}},
		Processor:     processor,
		Client:        client,
		AlertSvc:      alerts,
		AuditSvc:      audits,
	})
	require.NoError(t, err)

	return &fixture{
		reconciler: r,
		clk:        clk,
		subs:       subs,
		client:     client,
		processor:  processor,
		alerts:     alerts,
		audits:     audits,
		node:       node,
	}
}

func (f *fixture) addSubscription(status subscriptiondomain.Status) *subscriptiondomain.Subscription {
	ref := "sub_100"
	now := f.clk.Now()
	end := now.Add(30 * 24 * time.Hour)
	sub := &subscriptiondomain.Subscription{
		ID:                     f.node.Generate(),
		AccountID:              f.node.Generate(),
		ProviderSubscriptionID: &ref,
		PlanID:                 f.node.Generate(),
		PlanVersion:            1,
		Status:                 status,
		CurrentPeriodStart:     &now,
		CurrentPeriodEnd:       &end,
	}
	f.subs.put(sub)
	return sub
}

func (f *fixture) stateMatching(sub *subscriptiondomain.Subscription) *providerdomain.AuthoritativeState {
	return &providerdomain.AuthoritativeState{
		ProviderSubscriptionID: *sub.ProviderSubscriptionID,
		Status:                 string(sub.Status),
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		FetchedAt:              f.clk.Now(),
	}
}

func TestReconcileMatchMarksWithoutCorrection(t *testing.T) {
	f := newFixture(t)
	sub := f.addSubscription(subscriptiondomain.StatusActive)
	f.client.states["sub_100"] = f.stateMatching(sub)

	require.NoError(t, f.reconciler.ReconcileByID(context.Background(), sub.ID))

	assert.Empty(t, f.processor.envelopes)
	assert.Empty(t, f.alerts.raised)
	assert.NotNil(t, f.subs.byID[sub.ID].LastReconciledAt)
}

func TestReconcileClockSkewIsNotDivergence(t *testing.T) {
	f := newFixture(t)
	sub := f.addSubscription(subscriptiondomain.StatusActive)

	state := f.stateMatching(sub)
	shifted := sub.CurrentPeriodEnd.Add(2 * time.Minute)
	state.CurrentPeriodEnd = &shifted
	f.client.states["sub_100"] = state

	require.NoError(t, f.reconciler.ReconcileByID(context.Background(), sub.ID))
	assert.Empty(t, f.processor.envelopes)
}

func TestReconcileDivergenceEmitsCorrection(t *testing.T) {
	f := newFixture(t)
	sub := f.addSubscription(subscriptiondomain.StatusActive)

	state := f.stateMatching(sub)
	state.Status = "past_due"
	f.client.states["sub_100"] = state

	require.NoError(t, f.reconciler.ReconcileByID(context.Background(), sub.ID))

	require.Len(t, f.processor.envelopes, 1)
	env := f.processor.envelopes[0]
	assert.Equal(t, eventdomain.EventTypeSync, env.EventType)
	assert.Equal(t, "sub_100", env.SubscriptionRef)
	assert.Equal(t, sub.AccountID, env.AccountID)
	assert.True(t, strings.HasPrefix(env.ProviderEventID, "recon:"))
	assert.True(t, strings.HasSuffix(env.ProviderEventID, sub.ID.String()))
	assert.True(t, env.ProviderTimestamp.Equal(state.FetchedAt))

	change, err := eventdomain.Translate(env)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.KindSync, change.Kind)
	assert.Equal(t, subscriptiondomain.StatusPastDue, change.Status)

	require.Len(t, f.alerts.raised, 1)
	assert.Equal(t, alertdomain.KindReconcileDivergence, f.alerts.raised[0])
	assert.NotNil(t, f.subs.byID[sub.ID].LastReconciledAt)
	assert.Contains(t, f.audits.actions, "subscription.reconcile.corrected")
}

func TestReconcileMapsProviderStatuses(t *testing.T) {
	f := newFixture(t)
	sub := f.addSubscription(subscriptiondomain.StatusPastDue)

	// Stripe "unpaid" is the same dunning state locally.
	state := f.stateMatching(sub)
	state.Status = "unpaid"
	f.client.states["sub_100"] = state

	require.NoError(t, f.reconciler.ReconcileByID(context.Background(), sub.ID))
	assert.Empty(t, f.processor.envelopes)
}

func TestReconcileProviderMissingTerminalAgrees(t *testing.T) {
	f := newFixture(t)
	sub := f.addSubscription(subscriptiondomain.StatusCanceled)

	require.NoError(t, f.reconciler.ReconcileByID(context.Background(), sub.ID))

	assert.Empty(t, f.alerts.raised)
	assert.NotNil(t, f.subs.byID[sub.ID].LastReconciledAt)
}

func TestReconcileProviderMissingActiveIsIrreconcilable(t *testing.T) {
	f := newFixture(t)
	sub := f.addSubscription(subscriptiondomain.StatusActive)

	err := f.reconciler.ReconcileByID(context.Background(), sub.ID)
	assert.ErrorIs(t, err, providerdomain.ErrSubscriptionNotFound)

	require.Len(t, f.alerts.raised, 1)
	assert.Equal(t, alertdomain.KindIrreconcilableDivergence, f.alerts.raised[0])
	assert.Nil(t, f.subs.byID[sub.ID].LastReconciledAt)
	assert.Contains(t, f.audits.actions, "subscription.reconcile.irreconcilable")
}

func TestReconcileTransientFailureRetriesQuietly(t *testing.T) {
	f := newFixture(t)
	sub := f.addSubscription(subscriptiondomain.StatusActive)
	f.client.errs["sub_100"] = providerdomain.ErrProviderUnavailable

	err := f.reconciler.ReconcileByID(context.Background(), sub.ID)
	assert.ErrorIs(t, err, providerdomain.ErrProviderUnavailable)

	// Below the budget there is no operator noise, just the failure counter.
	assert.Empty(t, f.alerts.raised)
	assert.Equal(t, 1, f.subs.byID[sub.ID].FailedApplies)
}

func TestReconcileUnreachablePastBudgetAlerts(t *testing.T) {
	f := newFixture(t)
	sub := f.addSubscription(subscriptiondomain.StatusActive)
	f.subs.byID[sub.ID].FailedApplies = 2
	f.client.errs["sub_100"] = providerdomain.ErrProviderUnavailable

	err := f.reconciler.ReconcileByID(context.Background(), sub.ID)
	assert.Error(t, err)

	require.Len(t, f.alerts.raised, 1)
	assert.Equal(t, alertdomain.KindIrreconcilableDivergence, f.alerts.raised[0])
}

func TestReconcileByIDUnknownSubscription(t *testing.T) {
	f := newFixture(t)
	err := f.reconciler.ReconcileByID(context.Background(), f.node.Generate())
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestRunOnceClaimsDueBatch(t *testing.T) {
	f := newFixture(t)

	sub := f.addSubscription(subscriptiondomain.StatusActive)
	f.client.states["sub_100"] = f.stateMatching(sub)

	// Recently reconciled rows are not due.
	fresh := f.clk.Now()
	other := "sub_200"
	f.subs.put(&subscriptiondomain.Subscription{
		ID:                     f.node.Generate(),
		AccountID:              f.node.Generate(),
		ProviderSubscriptionID: &other,
		Status:                 subscriptiondomain.StatusActive,
		LastReconciledAt:       &fresh,
	})

	n, err := f.reconciler.RunOnce(context.Background(), TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMapProviderStatus(t *testing.T) {
	assert.Equal(t, subscriptiondomain.StatusPastDue, mapProviderStatus("unpaid"))
	assert.Equal(t, subscriptiondomain.StatusExpired, mapProviderStatus("incomplete_expired"))
	assert.Equal(t, subscriptiondomain.StatusActive, mapProviderStatus("active"))
	assert.False(t, mapProviderStatus("limbo").Valid())
}

func TestWithinSkew(t *testing.T) {
	now := time.Now()
	near := now.Add(time.Minute)
	far := now.Add(time.Hour)

	assert.True(t, withinSkew(nil, nil, time.Minute))
	assert.False(t, withinSkew(&now, nil, time.Minute))
	assert.True(t, withinSkew(&now, &near, 5*time.Minute))
	assert.False(t, withinSkew(&now, &far, 5*time.Minute))
}
