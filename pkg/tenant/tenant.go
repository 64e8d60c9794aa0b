// Package tenant resolves a validated identity plus optional connect
// parameters into an (org, project, user) context and enforces
// membership (C5), adapted from the provider-interface shape of the
// reference corpus's host-keyed tenant resolver.
package tenant

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hanzoai/gateway/pkg/identity"
)

// Context is the §3 tenant context: (orgId, projectId?, userId, userName?, env?).
type Context struct {
	OrgID     string
	ProjectID string
	UserID    string
	UserName  string
	Env       string
}

// ErrNotMember is returned by ValidateAccess when orgId is not in the
// identity's org set.
type ErrNotMember struct {
	OrgID string
}

func (e ErrNotMember) Error() string {
	return fmt.Sprintf("tenant_org_not_member: %s", e.OrgID)
}

// Resolve implements §4.5's priority chain for orgId: explicit
// connect-parameter, then identity.currentOrgId (identity.Owner, if it
// names an org the caller belongs to), then the first entry of
// identity.OrgIDs. Returns a personal-mode context (OrgID == "") when
// none is available.
func Resolve(id *identity.Identity, connectOrgID, defaultEnv string) (*Context, error) {
	if id == nil {
		return nil, fmt.Errorf("tenant: identity is required")
	}

	orgID := strings.TrimSpace(connectOrgID)
	if orgID == "" {
		if owner := strings.TrimSpace(id.Owner); owner != "" && ValidateAccess(id, owner) == nil {
			orgID = owner
		}
	}
	if orgID == "" && len(id.OrgIDs) > 0 {
		orgID = id.OrgIDs[0]
	}

	ctx := &Context{
		OrgID:    orgID,
		UserID:   id.UserID,
		UserName: id.DisplayName,
		Env:      defaultEnv,
	}
	if orgID == "" {
		return ctx, nil // personal mode
	}
	if err := ValidateAccess(id, orgID); err != nil {
		return nil, err
	}
	return ctx, nil
}

// ValidateAccess rejects when orgId is not a member of identity.OrgIDs.
func ValidateAccess(id *identity.Identity, orgID string) error {
	for _, candidate := range id.OrgIDs {
		if candidate == orgID {
			return nil
		}
	}
	return ErrNotMember{OrgID: orgID}
}

// slugPattern is the §3 on-disk slug validation pattern.
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Slugify sanitizes s for use as a path component under the tenant state
// tree: values already matching slugPattern pass through unchanged;
// everything else is percent-escaped with "%" mapped to "_" so the
// result is itself a valid slug. Slugify is idempotent.
func Slugify(s string) string {
	if slugPattern.MatchString(s) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			sb.WriteByte(c)
		default:
			sb.WriteString(fmt.Sprintf("_%02x", c))
		}
	}
	out := sb.String()
	if out == "" {
		return "x"
	}
	if !(out[0] >= 'A' && out[0] <= 'Z' || out[0] >= 'a' && out[0] <= 'z' || out[0] >= '0' && out[0] <= '9') {
		out = "x" + out
	}
	if len(out) > 128 {
		out = out[:128]
	}
	return out
}
