package billing

import (
	"context"
	"fmt"
	"net/http"

	gwerrors "github.com/hanzoai/gateway/pkg/errors"
	"github.com/hanzoai/gateway/pkg/gwmetrics"
	"github.com/hanzoai/gateway/pkg/tenant"
)

// Gate is the §4.7 per-request admission decision, combining balance and
// subscription signals from the cache.
type Gate struct {
	cache   *Cache
	enabled bool
}

// NewGate constructs a Gate. enabled mirrors config.BillingConfig.Enabled:
// when false, Check always allows (the gate is not wired to a commerce
// back end).
func NewGate(cache *Cache, enabled bool) *Gate {
	return &Gate{cache: cache, enabled: enabled}
}

// Check implements check(iamConfig?, tenant?, token?) → allowed |
// denied(reason, status). tenantCtx being nil, or the gate being
// disabled, means personal mode: always allow. Otherwise balance is
// checked first, then subscription; any commerce-call failure fails
// closed.
func (g *Gate) Check(ctx context.Context, tenantCtx *tenant.Context, token string) *gwerrors.Error {
	if !g.enabled || tenantCtx == nil || tenantCtx.OrgID == "" {
		gwmetrics.BillingDecisions.WithLabelValues("allowed_personal").Inc()
		return nil
	}

	balance, err := g.cache.GetBalance(ctx, tenantCtx.UserID, token)
	if err != nil {
		gwmetrics.BillingDecisions.WithLabelValues("unavailable").Inc()
		return billingUnavailable()
	}
	if balance != nil && balance.Cents > 0 {
		gwmetrics.BillingDecisions.WithLabelValues("allowed_balance").Inc()
		return nil
	}

	sub, err := g.cache.GetSubscriptionStatus(ctx, tenantCtx.OrgID, token)
	if err != nil {
		gwmetrics.BillingDecisions.WithLabelValues("unavailable").Inc()
		return billingUnavailable()
	}
	if sub != nil && sub.Active {
		gwmetrics.BillingDecisions.WithLabelValues("allowed_subscription").Inc()
		return nil
	}

	gwmetrics.BillingDecisions.WithLabelValues("denied").Inc()
	cents := int64(0)
	if balance != nil {
		cents = balance.Cents
	}
	reason := fmt.Sprintf("Insufficient funds — add credits to continue. Balance: $%.2f", float64(cents)/100)
	return gwerrors.BillingDenied(reason).WithRemediation(
		"Add credits or upgrade your plan in the billing portal",
		"Retry once your balance or subscription is active",
	)
}

func billingUnavailable() *gwerrors.Error {
	return gwerrors.New(gwerrors.ErrCodeBillingUnavailable, http.StatusServiceUnavailable, "Billing service unavailable — please try again").
		WithUserMessage("Billing service unavailable — please try again").
		WithRemediation("Retry shortly; if the problem persists, contact support")
}
