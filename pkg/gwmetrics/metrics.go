// Package gwmetrics exposes Prometheus metrics for the gateway, mirroring
// the teacher's promauto-based instrumentation.
package gwmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks live WebSocket connections by role (node|operator).
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Active WebSocket connections by role.",
	}, []string{"role"})

	// AuthDecisions counts connection-authorizer outcomes by method and reason.
	AuthDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_decisions_total",
		Help: "Connection authorizer decisions by method and outcome.",
	}, []string{"method", "outcome"})

	// BillingDecisions counts billing-gate outcomes.
	BillingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_billing_decisions_total",
		Help: "Billing gate decisions by outcome.",
	}, []string{"outcome"})

	// CacheLookups counts billing cache hit/miss by cache name.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_lookups_total",
		Help: "Billing cache lookups by cache name and result.",
	}, []string{"cache", "result"})

	// UsageQueueDepth reports the current usage reporter queue length.
	UsageQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_usage_queue_depth",
		Help: "Number of usage records currently queued.",
	})

	// TunnelUp is 1 when a tunnel is active, 0 otherwise.
	TunnelUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_tunnel_up",
		Help: "Whether an egress tunnel is currently active.",
	})

	// ChatCompletions counts C12 requests by streaming mode and status.
	ChatCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_chat_completions_total",
		Help: "OpenAI-compatible chat completion requests by mode and status.",
	}, []string{"mode", "status"})
)

// Handler returns the HTTP handler serving metrics in the Prometheus
// exposition format. The router serves it only when metrics are
// configured public; otherwise /metrics answers 403.
func Handler() http.Handler {
	return promhttp.Handler()
}
