package gatewayhttp

import (
	"encoding/json"
	"net/http"

	"github.com/hanzoai/gateway/pkg/gwlog"
	"github.com/hanzoai/gateway/pkg/identityclient"
)

// oauthProxy implements the §4.11/§6 /auth/* endpoints: thin proxies over
// the configured identity client so that client secrets never leave the
// server.
type oauthProxy struct {
	client identityclient.Client
	logger *gwlog.Logger
}

func (p *oauthProxy) login(w http.ResponseWriter, r *http.Request) {
	if p.client == nil {
		writeOAuthUnavailable(w)
		return
	}
	q := r.URL.Query()
	url := p.client.AuthorizeURL(identityclient.AuthorizeParams{
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
	http.Redirect(w, r, url, http.StatusFound)
}

func (p *oauthProxy) callback(w http.ResponseWriter, r *http.Request) {
	if p.client == nil {
		writeOAuthUnavailable(w)
		return
	}
	q := r.URL.Query()
	bundle, err := p.client.ExchangeCode(r.Context(), q.Get("code"), q.Get("redirect_uri"), q.Get("code_verifier"))
	if err != nil {
		p.logger.Warn(gwlog.CategoryAuth, "oauth_exchange_failed", err.Error(), nil)
		writeOAuthError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (p *oauthProxy) refresh(w http.ResponseWriter, r *http.Request) {
	if p.client == nil {
		writeOAuthUnavailable(w)
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}
	bundle, err := p.client.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		p.logger.Warn(gwlog.CategoryAuth, "oauth_refresh_failed", err.Error(), nil)
		writeOAuthError(w, http.StatusBadGateway, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (p *oauthProxy) logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (p *oauthProxy) userinfo(w http.ResponseWriter, r *http.Request) {
	if p.client == nil {
		writeOAuthUnavailable(w)
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeOAuthError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	info, err := p.client.UserInfo(r.Context(), token)
	if err != nil {
		p.logger.Warn(gwlog.CategoryAuth, "oauth_userinfo_failed", err.Error(), nil)
		writeOAuthError(w, http.StatusBadGateway, "userinfo lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeOAuthUnavailable(w http.ResponseWriter) {
	writeOAuthError(w, http.StatusServiceUnavailable, "identity provider not configured")
}

func writeOAuthError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
