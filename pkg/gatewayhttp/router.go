// Package gatewayhttp implements the HTTP/WS router (C11): a chi mux
// dispatching by (method, pathname), a fixed middleware chain enforcing
// method/size/bearer/authorization, the OAuth-proxy endpoints, CORS
// preflight, and the WebSocket upgrade for node/operator connections.
// Grounded on the teacher's pkg/ipc/server.go router assembly (chi
// sub-routers mounted under a shared middleware stack) and its WebSocket
// upgrade idiom in pkg/ipc/pty.go and pkg/ipc/ws_ping.go.
package gatewayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hanzoai/gateway/pkg/authresolver"
	"github.com/hanzoai/gateway/pkg/billing"
	"github.com/hanzoai/gateway/pkg/connauth"
	"github.com/hanzoai/gateway/pkg/eventbus"
	"github.com/hanzoai/gateway/pkg/gwlog"
	"github.com/hanzoai/gateway/pkg/gwmetrics"
	"github.com/hanzoai/gateway/pkg/identity"
	"github.com/hanzoai/gateway/pkg/identityclient"
	"github.com/hanzoai/gateway/pkg/originpolicy"
)

// Deps wires the router to the components it dispatches into.
type Deps struct {
	OriginPolicy   *originpolicy.Policy
	ResolvedAuth   *authresolver.ResolvedAuth
	IdentityValid  *identity.Validator
	Limiter        *connauth.Limiter
	DefaultEnv     string
	MaxBodyBytes   int64
	WSPath         string
	ChatCompletion http.Handler
	IdentityClient identityclient.Client
	MetricsPublic  bool
	Logger         *gwlog.Logger
	Sessions       *Registry
	Bus            *eventbus.Bus
	BillingClient  *billing.Client
}

// New builds the gateway's top-level http.Handler.
func New(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = gwlog.Nop()
	}
	if deps.WSPath == "" {
		deps.WSPath = "/"
	}
	if deps.Sessions == nil {
		deps.Sessions = NewRegistry()
	}

	r := chi.NewRouter()
	r.Use(corsMiddleware(deps.OriginPolicy))
	r.Use(securityHeadersMiddleware)

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(deps))
	if deps.MetricsPublic {
		r.Handle("/metrics", gwmetrics.Handler())
	} else {
		r.Get("/metrics", handleMetricsForbidden)
	}

	oauth := &oauthProxy{client: deps.IdentityClient, logger: deps.Logger}
	r.Route("/auth", func(sub chi.Router) {
		sub.Get("/login", oauth.login)
		sub.Get("/callback", oauth.callback)
		sub.Post("/refresh", oauth.refresh)
		sub.Post("/logout", oauth.logout)
		sub.Get("/userinfo", oauth.userinfo)
	})

	r.With(bodyLimitMiddleware(deps.MaxBodyBytes), bearerAuthMiddleware(deps)).
		Post("/v1/chat/completions", deps.ChatCompletion.ServeHTTP)

	r.Get(deps.WSPath, handleUpgrade(deps))

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func handleMetricsForbidden(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "metrics endpoint is not public", http.StatusForbidden)
}

// handleReadyz reports readiness by checking the reachability of the
// gateway's external dependencies: the event bus (and whatever it mirrors
// to) and the commerce API behind the billing client. A missing
// dependency (nil Bus or BillingClient, e.g. in tests) is treated as
// trivially healthy rather than failing readiness for a component that
// was never wired up.
func handleReadyz(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := true

		if deps.Bus != nil {
			if err := deps.Bus.Healthy(); err != nil {
				ready = false
				checks["bus"] = err.Error()
			} else {
				checks["bus"] = "ok"
			}
		}
		if deps.BillingClient != nil {
			if err := deps.BillingClient.Ping(r.Context()); err != nil {
				ready = false
				checks["billing"] = err.Error()
			} else {
				checks["billing"] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": ready, "checks": checks})
	}
}
