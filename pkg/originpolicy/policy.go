// Package originpolicy decides whether a browser request's Origin header
// is permitted, adapted from the teacher's isOriginAllowed middleware
// closure into a standalone, runtime-mutable component (C1).
package originpolicy

import (
	"net"
	"net/url"
	"strings"
	"sync"
)

// Policy decides origin admission against a static allow-list plus a
// runtime-mutable allow-set (populated by the tunnel supervisor, C13).
type Policy struct {
	allowedOrigins []string

	mu      sync.RWMutex
	runtime map[string]struct{}
}

// New creates a Policy seeded with the configured allow-list.
func New(allowedOrigins []string) *Policy {
	p := &Policy{
		allowedOrigins: append([]string{}, allowedOrigins...),
		runtime:        make(map[string]struct{}),
	}
	return p
}

// Add inserts an origin (scheme://host[:port]) into the runtime allow-set.
func (p *Policy) Add(origin string) {
	origin = normalizeOrigin(origin)
	if origin == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtime[origin] = struct{}{}
}

// Remove deletes an origin from the runtime allow-set.
func (p *Policy) Remove(origin string) {
	origin = normalizeOrigin(origin)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runtime, origin)
}

// Clear empties the runtime allow-set (called on tunnel stop).
func (p *Policy) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runtime = make(map[string]struct{})
}

// Allow decides admission for origin against requestHost, applying the
// six rules of §4.1 in order. It returns the allow bit and, on denial,
// the exact reason string from the spec.
func (p *Policy) Allow(requestHost, origin string) (bool, string) {
	origin = strings.TrimSpace(origin)
	if origin == "" || strings.EqualFold(origin, "null") {
		return false, "origin missing or invalid"
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false, "origin missing or invalid"
	}
	scheme := strings.ToLower(parsed.Scheme)
	host := parsed.Host
	normalized := scheme + "://" + host

	// Rule 2: configured allow-list.
	for _, allowed := range p.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, normalized) {
			return true, ""
		}
		if originHostsMatch(allowed, host, scheme) {
			return true, ""
		}
	}

	// Rule 3: runtime allow-set.
	p.mu.RLock()
	_, inRuntime := p.runtime[normalized]
	p.mu.RUnlock()
	if inRuntime {
		return true, ""
	}

	// Rule 4: origin authority equals the normalized request host.
	if requestAuthorityMatches(host, requestHost) {
		return true, ""
	}

	// Rule 5: both sides loopback.
	if isLoopbackHost(host) && isLoopbackHost(requestHost) {
		return true, ""
	}

	return false, "origin not allowed"
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return strings.ToLower(parsed.Scheme) + "://" + parsed.Host
}

// originHostsMatch compares an allow-list entry (which may be a bare
// scheme://host[:port] or a host:port fragment) against an origin's host,
// the way the teacher's originHostsMatch compares CORS allow-entries.
func originHostsMatch(allowedOrigin, originHost, scheme string) bool {
	allowedURL, err := url.Parse(allowedOrigin)
	var allowedHost string
	if err == nil && allowedURL.Scheme != "" && allowedURL.Host != "" {
		if !strings.EqualFold(allowedURL.Scheme, scheme) {
			return false
		}
		allowedHost = allowedURL.Host
	} else {
		allowedHost = allowedOrigin
	}

	allowedName, allowedPort, allowedHasPort := splitHostPortLoose(allowedHost)
	originName, originPort, originHasPort := splitHostPortLoose(originHost)
	if allowedName == "" || originName == "" {
		return false
	}
	if !strings.EqualFold(allowedName, originName) {
		return false
	}

	originEffectivePort := originPort
	if !originHasPort {
		originEffectivePort = defaultPortForScheme(scheme)
	}

	if allowedHasPort {
		allowedEffectivePort := allowedPort
		if allowedEffectivePort == "" {
			allowedEffectivePort = defaultPortForScheme(scheme)
		}
		return allowedEffectivePort == originEffectivePort
	}

	if strings.EqualFold(allowedName, "localhost") {
		return true
	}
	if ip := net.ParseIP(allowedName); ip != nil && ip.IsLoopback() {
		return true
	}
	return originEffectivePort == defaultPortForScheme(scheme)
}

// requestAuthorityMatches implements rule 4: the origin's authority
// (host[:port]) equals the request's normalized Host header.
func requestAuthorityMatches(originHost, requestHost string) bool {
	originName, originPort, _ := splitHostPortLoose(originHost)
	reqName, reqPort, _ := splitHostPortLoose(requestHost)
	if originName == "" || reqName == "" {
		return false
	}
	return strings.EqualFold(originName, reqName) && originPort == reqPort
}

func splitHostPortLoose(hostport string) (host, port string, hasPort bool) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", "", false
	}
	host, port, err := net.SplitHostPort(hostport)
	if err == nil {
		return host, port, true
	}
	if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
		return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]"), "", false
	}
	return hostport, "", false
}

func defaultPortForScheme(scheme string) string {
	if strings.EqualFold(scheme, "https") || strings.EqualFold(scheme, "wss") {
		return "443"
	}
	return "80"
}

// isLoopbackHost reports whether host (possibly host:port) names a
// loopback address: IPv4 127/8, IPv6 ::1, or "localhost" (rule 5).
func isLoopbackHost(host string) bool {
	name, _, _ := splitHostPortLoose(host)
	if name == "" {
		return false
	}
	if strings.EqualFold(name, "localhost") {
		return true
	}
	if ip := net.ParseIP(name); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
