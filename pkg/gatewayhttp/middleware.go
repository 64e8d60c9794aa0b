package gatewayhttp

import (
	"net"
	"net/http"
	"strings"

	"github.com/hanzoai/gateway/pkg/connauth"
	"github.com/hanzoai/gateway/pkg/gwmetrics"
	"github.com/hanzoai/gateway/pkg/openaiapi"
	"github.com/hanzoai/gateway/pkg/originpolicy"
)

// corsMiddleware answers OPTIONS preflight per §4.1/§4.11 and, for actual
// requests bearing an allowed Origin, sets the response's CORS headers.
func corsMiddleware(policy *originpolicy.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && policy != nil {
				if allowed, _ := policy.Allow(r.Host, origin); allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMiddleware adds standard security headers to every
// response, grounded on the teacher's securityHeadersMiddleware
// (pkg/ipc/middleware.go).
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware caps the request body at maxBytes, matching §4.11's
// "JSON body read with byte cap (reject oversized bodies with 413)" step.
// http.MaxBytesReader defers the 413 to the first read past the limit,
// which the JSON decoder in the wrapped handler triggers naturally.
func bodyLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerAuthMiddleware runs the §4.9 connection authorizer over an HTTP
// request (bearer extraction, then authorization) ahead of the handler,
// and injects the resolved tenant/caller identity for the OpenAI adapter.
func bearerAuthMiddleware(deps Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			result := connauth.Authorize(r.Context(), deps.ResolvedAuth, deps.IdentityValid, connauth.Request{
				SourceIP:        remoteIP(r),
				Token:           token,
				Host:            r.Host,
				MeshLoginHeader: r.Header.Get(meshLoginHeaderName(deps)),
				ForwardedHost:   r.Header.Get("X-Forwarded-Host"),
			}, deps.Limiter, deps.DefaultEnv)

			if !result.OK {
				gwmetrics.AuthDecisions.WithLabelValues("unknown", result.Reason).Inc()
				writeAuthError(w, result.Reason)
				return
			}
			gwmetrics.AuthDecisions.WithLabelValues(result.Method, "ok").Inc()

			r = openaiapi.WithTenant(r, result.Tenant)
			caller := result.UserID
			if caller == "" {
				caller = token
			}
			r = openaiapi.WithCallerID(r, caller)
			next.ServeHTTP(w, r)
		})
	}
}

func meshLoginHeaderName(deps Deps) string {
	if deps.ResolvedAuth != nil && deps.ResolvedAuth.MeshLoginHeader != "" {
		return deps.ResolvedAuth.MeshLoginHeader
	}
	return "X-Mesh-Login"
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	}
	if v := r.URL.Query().Get("access_token"); v != "" {
		return v
	}
	return ""
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeAuthError(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"reason":"` + reason + `"}}`))
}

func writeOriginError(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":{"reason":"` + reason + `"}}`))
}
