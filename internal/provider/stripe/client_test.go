package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/grantway/internal/clock"
	providerdomain "github.com/smallbiznis/grantway/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client, err := NewClient("sk_test", server.URL, 5*time.Second, clk, nil)
	require.NoError(t, err)
	return client, server
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(" ", "", 0, clock.NewFakeClock(time.Now()), nil)
	assert.ErrorIs(t, err, providerdomain.ErrInvalidConfig)
}

func TestFetchSubscription(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/subscriptions/sub_100", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "sub_100",
			"status": "active",
			"current_period_start": 1767225600,
			"current_period_end": 1769904000,
			"cancel_at_period_end": true,
			"metadata": {"plan_code": "pro"}
		}`))
	})

	state, err := client.FetchSubscription(context.Background(), "sub_100")
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, "sub_100", state.ProviderSubscriptionID)
	assert.Equal(t, "active", state.Status)
	assert.Equal(t, "pro", state.PlanCode)
	assert.True(t, state.CancelAtPeriodEnd)
	require.NotNil(t, state.CurrentPeriodEnd)
	assert.Equal(t, int64(1769904000), state.CurrentPeriodEnd.Unix())
	assert.False(t, state.FetchedAt.IsZero())
}

func TestFetchSubscriptionNotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.FetchSubscription(context.Background(), "sub_gone")
	assert.ErrorIs(t, err, providerdomain.ErrSubscriptionNotFound)
}

func TestFetchSubscriptionRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id": "sub_100", "status": "active"}`))
	})

	state, err := client.FetchSubscription(context.Background(), "sub_100")
	require.NoError(t, err)
	assert.Equal(t, "active", state.Status)
	assert.Equal(t, 3, attempts)
}

func TestFetchSubscriptionUnavailable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.FetchSubscription(context.Background(), "sub_100")
	assert.ErrorIs(t, err, providerdomain.ErrProviderUnavailable)
}

func TestFetchSubscriptionEmptyRef(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.FetchSubscription(context.Background(), "  ")
	assert.ErrorIs(t, err, providerdomain.ErrSubscriptionNotFound)
}
