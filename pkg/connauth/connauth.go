// Package connauth implements the §4.9 connection authorizer: a
// decision tree over the configured auth mode, with a mesh-identity
// fallback and an optional per-source-ip rate limiter, adapted from the
// teacher's context-principal-then-bearer-then-builtin-token authorize
// chain.
package connauth

import (
	"context"
	"crypto/subtle"
	"net"
	"strings"

	"github.com/hanzoai/gateway/pkg/authresolver"
	"github.com/hanzoai/gateway/pkg/identity"
	"github.com/hanzoai/gateway/pkg/tenant"
)

// Request carries everything the authorizer needs from the inbound
// connection attempt: the credentials offered, the connect-time tenant
// hint, and enough network/header context to recognize a mesh peer.
type Request struct {
	SourceIP        string
	Token           string // bearer token or shared-secret, if supplied
	Password        string // basic-auth password, if supplied
	Host            string // request Host header
	MeshLoginHeader string // value of the configured mesh login header
	ForwardedHost   string // X-Forwarded-Host, for mesh chain recognition
	ConnectOrgID    string // connect-time org hint, consumed by C5
}

// Result is the §4.9 decision: either ok{method, user?, tenant?} or
// fail{reason}.
type Result struct {
	OK     bool
	Method string // token | password | identity | tailscale
	UserID string
	Tenant *tenant.Context
	Reason string
}

// Authorize evaluates req against resolved's configured mode, falling
// back to mesh-identity recognition when the primary mode fails and
// mesh identity is allowed. limiter may be nil.
func Authorize(ctx context.Context, resolved *authresolver.ResolvedAuth, idValidator *identity.Validator, req Request, limiter *Limiter, defaultEnv string) Result {
	if limiter != nil && !limiter.Allow(req.SourceIP) {
		return Result{Reason: "rate_limited"}
	}

	result := authorizePrimary(ctx, resolved, idValidator, req, defaultEnv)
	if !result.OK && resolved.AllowMeshIdentity && isMeshResident(resolved, req) {
		result = authorizeMesh(req, defaultEnv)
	}
	if result.OK {
		limiter.Reset(req.SourceIP)
	}
	return result
}

func authorizePrimary(ctx context.Context, resolved *authresolver.ResolvedAuth, idValidator *identity.Validator, req Request, defaultEnv string) Result {
	switch resolved.Mode {
	case authresolver.ModeToken:
		return authorizeToken(resolved, req)
	case authresolver.ModePassword:
		return authorizePassword(resolved, req)
	case authresolver.ModeIdentity:
		return authorizeIdentity(ctx, idValidator, req, defaultEnv)
	default:
		return Result{Reason: "token_missing_config"}
	}
}

func authorizeToken(resolved *authresolver.ResolvedAuth, req Request) Result {
	if resolved.Token == "" {
		return Result{Reason: "token_missing_config"}
	}
	if req.Token == "" {
		return Result{Reason: "token_missing"}
	}
	if !secureEqual(req.Token, resolved.Token) {
		return Result{Reason: "token_mismatch"}
	}
	return Result{OK: true, Method: "token"}
}

func authorizePassword(resolved *authresolver.ResolvedAuth, req Request) Result {
	if resolved.Password == "" {
		return Result{Reason: "password_missing_config"}
	}
	if req.Password == "" {
		return Result{Reason: "password_missing"}
	}
	if !secureEqual(req.Password, resolved.Password) {
		return Result{Reason: "password_mismatch"}
	}
	return Result{OK: true, Method: "password"}
}

func authorizeIdentity(ctx context.Context, idValidator *identity.Validator, req Request, defaultEnv string) Result {
	if req.Token == "" {
		return Result{Reason: "token_missing"}
	}
	validation := idValidator.Validate(ctx, req.Token)
	if !validation.OK {
		return Result{Reason: string(validation.Reason)}
	}

	tenantCtx, err := tenant.Resolve(validation.Identity, req.ConnectOrgID, defaultEnv)
	if err != nil {
		return Result{Reason: "tenant_org_not_member"}
	}
	return Result{OK: true, Method: "identity", UserID: validation.Identity.UserID, Tenant: tenantCtx}
}

// authorizeMesh grants access on the strength of the mesh-supplied login
// header alone. "tailscale" is the externally-exposed method name,
// retained for backward compatibility with older clients.
func authorizeMesh(req Request, defaultEnv string) Result {
	login := strings.TrimSpace(req.MeshLoginHeader)
	if login == "" {
		return Result{Reason: "token_missing"}
	}
	return Result{
		OK:     true,
		Method: "tailscale",
		UserID: login,
		Tenant: &tenant.Context{UserID: login, Env: defaultEnv},
	}
}

// isMeshResident recognizes a mesh peer: a loopback source address
// paired with a mesh-suffixed Host header, or a forwarded-host chain
// bearing the configured mesh suffix.
func isMeshResident(resolved *authresolver.ResolvedAuth, req Request) bool {
	suffix := resolved.MeshHostSuffix
	if suffix == "" {
		return false
	}
	if isLoopback(req.SourceIP) && strings.HasSuffix(req.Host, suffix) {
		return true
	}
	return strings.HasSuffix(req.ForwardedHost, suffix)
}

func isLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// secureEqual compares a and b in constant time.
func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
