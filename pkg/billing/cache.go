package billing

import (
	"context"
	"sync"
	"time"

	"github.com/hanzoai/gateway/pkg/gwmetrics"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the §4.6 cache lifetime for subscription, plan, and
// balance lookups.
const DefaultTTL = 60 * time.Second

type cacheEntry struct {
	value   any
	expires time.Time
}

// Cache TTL-caches the three commerce lookups keyed by an identifier and
// the caller's token, so per-viewer permissions never leak across
// callers, and de-duplicates concurrent misses for the same key via
// single-flight — generalized from the teacher's cost tracker's
// last-update staleness check into an explicit per-key TTL.
type Cache struct {
	client *Client
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache wraps client with a Cache using the default TTL.
func NewCache(client *Client) *Cache {
	return &Cache{client: client, ttl: DefaultTTL, entries: make(map[string]cacheEntry)}
}

// GetSubscriptionStatus returns the cached or freshly-fetched subscription
// status for orgID under token.
func (c *Cache) GetSubscriptionStatus(ctx context.Context, orgID, token string) (*SubscriptionStatus, error) {
	v, err := c.lookup(ctx, "subscription", cacheKey("sub", orgID, token), func(ctx context.Context) (any, error) {
		return c.client.FetchSubscriptionStatus(ctx, orgID, token)
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*SubscriptionStatus), nil
}

// GetPlan returns the cached or freshly-fetched plan for planID under
// token, or nil if the commerce back end has no such plan (404).
func (c *Cache) GetPlan(ctx context.Context, planID, token string) (*Plan, error) {
	v, err := c.lookup(ctx, "plan", cacheKey("plan", planID, token), func(ctx context.Context) (any, error) {
		return c.client.FetchPlan(ctx, planID, token)
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*Plan), nil
}

// GetBalance returns the cached or freshly-fetched balance for userID
// under token.
func (c *Cache) GetBalance(ctx context.Context, userID, token string) (*Balance, error) {
	v, err := c.lookup(ctx, "balance", cacheKey("balance", userID, token), func(ctx context.Context) (any, error) {
		return c.client.FetchBalance(ctx, userID, token)
	})
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*Balance), nil
}

// lookup serves key from cache when fresh, otherwise issues exactly one
// fetch per key across concurrent callers and caches the result
// (including a nil value, e.g. a plan 404) for ttl.
func (c *Cache) lookup(ctx context.Context, name, key string, fetch func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		gwmetrics.CacheLookups.WithLabelValues(name, "hit").Inc()
		return e.value, nil
	}
	c.mu.Unlock()
	gwmetrics.CacheLookups.WithLabelValues(name, "miss").Inc()

	v, err, _ := c.group.Do(key, func() (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: v, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

func cacheKey(kind, id, token string) string {
	return kind + "|" + id + "|" + token
}
