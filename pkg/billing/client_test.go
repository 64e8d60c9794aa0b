package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hanzoai/gateway/pkg/config"
	"github.com/hanzoai/gateway/pkg/secretresolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	resolver := secretresolver.NewWithClient(nil)
	c, err := NewClient(context.Background(), config.BillingConfig{
		CommerceAPIURL:     srv.URL,
		CommerceServiceTok: "svc-token",
	}, resolver)
	require.NoError(t, err)
	return c, srv
}

func TestFetchSubscriptionStatusDecodesBody(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions/org-1", r.URL.Path)
		w.Write([]byte(`{"active": true}`))
	})
	defer srv.Close()

	sub, err := c.FetchSubscriptionStatus(context.Background(), "org-1", "")
	require.NoError(t, err)
	assert.True(t, sub.Active)
}

func TestFetchPlanNotFoundReturnsNilNil(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	plan, err := c.FetchPlan(context.Background(), "missing-plan", "")
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestFetchBalanceDecodesBody(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balance_cents": 1050}`))
	})
	defer srv.Close()

	balance, err := c.FetchBalance(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1050), balance.Cents)
}

func TestFetchNonSuccessStatusRaises(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	_, err := c.FetchBalance(context.Background(), "user-1", "")
	require.Error(t, err)
}

func TestAuthPrecedenceCallerBearerWins(t *testing.T) {
	var gotAuth string
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"balance_cents": 0}`))
	})
	defer srv.Close()

	_, err := c.FetchBalance(context.Background(), "user-1", "caller-token")
	require.NoError(t, err)
	assert.Equal(t, "Bearer caller-token", gotAuth)
}

func TestAuthPrecedenceFallsBackToServiceToken(t *testing.T) {
	var gotAuth string
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"balance_cents": 0}`))
	})
	defer srv.Close()

	_, err := c.FetchBalance(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer svc-token", gotAuth)
}

func TestAuthPrecedenceFallsBackToBasicCreds(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"balance_cents": 0}`))
	}))
	defer srv.Close()

	resolver := secretresolver.NewWithClient(nil)
	c, err := NewClient(context.Background(), config.BillingConfig{
		CommerceAPIURL:    srv.URL,
		BasicAuthUsername: "svc-user",
		BasicAuthPassword: "svc-pass",
	}, resolver)
	require.NoError(t, err)

	_, err = c.FetchBalance(context.Background(), "user-1", "")
	require.NoError(t, err)
	assert.True(t, len(gotAuth) > len("Basic "))
	assert.Equal(t, "Basic ", gotAuth[:6])
}
