// Package identity validates identity-provider JWTs against discovered
// JWKS and projects their claims into resolved identity claims (C4),
// adapted from the JWKS-fetch-and-cache pattern the reference corpus
// uses for its own bearer-JWT middleware.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Reason enumerates the §4.4 validation failure reasons.
type Reason string

const (
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonExpired          Reason = "expired"
	ReasonIssuerMismatch   Reason = "issuer_mismatch"
	ReasonAudienceMismatch Reason = "audience_mismatch"
	ReasonJWKSUnavailable  Reason = "jwks_unavailable"
	ReasonMalformed        Reason = "malformed"
)

// Result is the validator's decision: either a resolved Identity, or a
// failure reason.
type Result struct {
	OK       bool
	Reason   Reason
	Identity *Identity
}

// Identity is the immutable resolved identity of §3: user identifier,
// optional email/display name, owner, organization set, role set, and
// the raw claim map for policy code.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
	Owner       string
	OrgIDs      []string
	Roles       []string
	Claims      map[string]any
}

// Config configures a Validator.
type Config struct {
	Issuer         string
	JWKSURL        string
	Audiences      []string
	OrgClaim       string // defaults to "org_ids"
	RolesClaim     string // defaults to "roles"
	AcceptableSkew time.Duration
	JWKSTTL        time.Duration // defaults to 10 minutes
}

// Validator validates bearer JWTs against the configured issuer's JWKS,
// caching the key set and refreshing it once on a kid miss (§4.4, §9).
type Validator struct {
	cfg Config

	mu      sync.RWMutex
	cached  jwk.Set
	expires time.Time

	fetch func(ctx context.Context, url string) (jwk.Set, error)
}

// New constructs a Validator for cfg.
func New(cfg Config) *Validator {
	if cfg.OrgClaim == "" {
		cfg.OrgClaim = "org_ids"
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	if cfg.AcceptableSkew == 0 {
		cfg.AcceptableSkew = 60 * time.Second
	}
	if cfg.JWKSTTL == 0 {
		cfg.JWKSTTL = 10 * time.Minute
	}
	return &Validator{cfg: cfg, fetch: func(ctx context.Context, url string) (jwk.Set, error) {
		return jwk.Fetch(ctx, url)
	}}
}

// Validate checks signature, issuer, audience, and expiry, then projects
// claims into an Identity. When parsing against the cached key set fails
// for any reason (including a `kid` not present in it), it refreshes the
// JWKS once and retries.
func (v *Validator) Validate(ctx context.Context, rawToken string) Result {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Result{Reason: ReasonMalformed}
	}

	set, err := v.keySet(ctx, false)
	if err != nil {
		return Result{Reason: ReasonJWKSUnavailable}
	}

	token, err := v.parse(rawToken, set)
	if err != nil {
		// Any parse failure (a kid miss among them): refresh once and retry, per §9.
		if set2, refreshErr := v.keySet(ctx, true); refreshErr == nil {
			if token2, err2 := v.parse(rawToken, set2); err2 == nil {
				token = token2
				err = nil
			}
		}
		if err != nil {
			return classifyParseError(err)
		}
	}

	return Result{OK: true, Identity: projectIdentity(token, v.cfg)}
}

func (v *Validator) parse(rawToken string, set jwk.Set) (jwt.Token, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.cfg.AcceptableSkew),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	for _, aud := range v.cfg.Audiences {
		opts = append(opts, jwt.WithAudience(aud))
	}
	return jwt.Parse([]byte(rawToken), opts...)
}

func classifyParseError(err error) Result {
	msg := err.Error()
	switch {
	case strings.Contains(msg, `"exp" not satisfied`) || strings.Contains(msg, "token is expired"):
		return Result{Reason: ReasonExpired}
	case strings.Contains(msg, `"iss" not satisfied`):
		return Result{Reason: ReasonIssuerMismatch}
	case strings.Contains(msg, `"aud" not satisfied`):
		return Result{Reason: ReasonAudienceMismatch}
	case strings.Contains(msg, "failed to parse") || strings.Contains(msg, "invalid character") || strings.Contains(msg, "invalid JWT"):
		return Result{Reason: ReasonMalformed}
	default:
		return Result{Reason: ReasonInvalidToken}
	}
}

// keySet returns the cached JWKS, fetching (or forcing a refresh) as needed.
func (v *Validator) keySet(ctx context.Context, force bool) (jwk.Set, error) {
	v.mu.RLock()
	if !force && v.cached != nil && time.Now().Before(v.expires) {
		set := v.cached
		v.mu.RUnlock()
		return set, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if !force && v.cached != nil && time.Now().Before(v.expires) {
		return v.cached, nil
	}

	set, err := v.fetch(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch jwks: %w", err)
	}
	v.cached = set
	v.expires = time.Now().Add(v.cfg.JWKSTTL)
	return set, nil
}

func projectIdentity(token jwt.Token, cfg Config) *Identity {
	claims := token.PrivateClaims()
	id := &Identity{
		UserID: token.Subject(),
		Claims: claims,
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		id.DisplayName = name
	}
	if owner, ok := claims["owner"].(string); ok {
		id.Owner = owner
	} else {
		id.Owner = id.UserID
	}

	orgIDs := stringSliceClaim(claims, cfg.OrgClaim)
	if id.Owner != "" {
		orgIDs = appendUnique(orgIDs, id.Owner)
	}
	id.OrgIDs = orgIDs
	id.Roles = stringSliceClaim(claims, cfg.RolesClaim)
	return id
}

func stringSliceClaim(claims map[string]any, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

func appendUnique(s []string, v string) []string {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}
