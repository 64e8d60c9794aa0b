package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hanzoai/gateway/pkg/config"
	"github.com/hanzoai/gateway/pkg/secretresolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCacheWithHandler(t *testing.T, handler http.HandlerFunc) (*Cache, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	resolver := secretresolver.NewWithClient(nil)
	c, err := NewClient(context.Background(), config.BillingConfig{CommerceAPIURL: srv.URL}, resolver)
	require.NoError(t, err)
	return NewCache(c), srv
}

func TestCacheServesFreshValueOnMiss(t *testing.T) {
	var calls int32
	cache, srv := newCacheWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"balance_cents": 500}`))
	})
	defer srv.Close()

	b, err := cache.GetBalance(context.Background(), "user-1", "tok-A")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Cents)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheHitAvoidsSecondFetch(t *testing.T) {
	var calls int32
	cache, srv := newCacheWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"balance_cents": 500}`))
	})
	defer srv.Close()

	_, err := cache.GetBalance(context.Background(), "user-1", "tok-A")
	require.NoError(t, err)
	_, err = cache.GetBalance(context.Background(), "user-1", "tok-A")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheKeyIncludesTokenSoCallersDoNotShareEntries(t *testing.T) {
	var calls int32
	cache, srv := newCacheWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"balance_cents": 500}`))
	})
	defer srv.Close()

	_, err := cache.GetBalance(context.Background(), "user-1", "tok-A")
	require.NoError(t, err)
	_, err = cache.GetBalance(context.Background(), "user-1", "tok-B")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCacheSingleFlightDedupesConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	cache, srv := newCacheWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"balance_cents": 500}`))
	})
	defer srv.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.GetBalance(context.Background(), "user-1", "tok-A")
		}()
	}
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheCachesPlanNotFoundAsNil(t *testing.T) {
	var calls int32
	cache, srv := newCacheWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	plan, err := cache.GetPlan(context.Background(), "missing", "tok-A")
	require.NoError(t, err)
	assert.Nil(t, plan)

	plan2, err := cache.GetPlan(context.Background(), "missing", "tok-A")
	require.NoError(t, err)
	assert.Nil(t, plan2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
