package gatewayhttp

import (
	"sync"

	"github.com/hanzoai/gateway/pkg/tenant"
)

// Role distinguishes the two populations of §1 that connect over
// WebSocket: capability-exposing devices and control surfaces.
type Role string

const (
	RoleNode     Role = "node"
	RoleOperator Role = "operator"
)

// ConnectFrame is the post-upgrade declaration a client sends before the
// gateway admits the connection (§6).
type ConnectFrame struct {
	Role      Role           `json:"role"`
	Scopes    []string       `json:"scopes"`
	Caps      []string       `json:"caps"`
	Commands  []string       `json:"commands"`
	Client    map[string]any `json:"client"`
	UserAgent string         `json:"userAgent"`
}

// Session is the §3 `{socket, connectParams, connectionId, presenceKey?,
// clientIp?, tenant?, identityResult?}` record, owned by the router until
// the socket closes or an idle timeout fires.
type Session struct {
	ConnectionID string
	ClientIP     string
	UserID       string
	Tenant       *tenant.Context
	Connect      ConnectFrame
}

// Registry tracks live sessions, keyed by connection id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ConnectionID] = s
}

// Remove deregisters a session by id.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, connectionID)
}

// Get returns the session for connectionID, if any.
func (r *Registry) Get(connectionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connectionID]
	return s, ok
}

// Count returns the number of currently registered sessions, optionally
// filtered by role (pass "" for all roles).
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if role == "" {
		return len(r.sessions)
	}
	n := 0
	for _, s := range r.sessions {
		if s.Connect.Role == role {
			n++
		}
	}
	return n
}
