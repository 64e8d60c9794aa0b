package tenant

import (
	"testing"

	"github.com/hanzoai/gateway/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConnectParamWinsOverIdentity(t *testing.T) {
	id := &identity.Identity{
		UserID: "user-1",
		Owner:  "acme",
		OrgIDs: []string{"acme", "beta"},
	}
	ctx, err := Resolve(id, "beta", "prod")
	require.NoError(t, err)
	assert.Equal(t, "beta", ctx.OrgID)
	assert.Equal(t, "prod", ctx.Env)
}

func TestResolveFallsBackToIdentityOwner(t *testing.T) {
	id := &identity.Identity{
		UserID: "user-1",
		Owner:  "acme",
		OrgIDs: []string{"acme", "beta"},
	}
	ctx, err := Resolve(id, "", "prod")
	require.NoError(t, err)
	assert.Equal(t, "acme", ctx.OrgID)
}

func TestResolveFallsBackToFirstOrgID(t *testing.T) {
	id := &identity.Identity{
		UserID: "user-1",
		OrgIDs: []string{"gamma", "delta"},
	}
	ctx, err := Resolve(id, "", "prod")
	require.NoError(t, err)
	assert.Equal(t, "gamma", ctx.OrgID)
}

func TestResolvePersonalModeWhenNoOrgAvailable(t *testing.T) {
	id := &identity.Identity{UserID: "user-1"}
	ctx, err := Resolve(id, "", "prod")
	require.NoError(t, err)
	assert.Equal(t, "", ctx.OrgID)
	assert.Equal(t, "user-1", ctx.UserID)
}

func TestResolveRejectsConnectParamNotMember(t *testing.T) {
	id := &identity.Identity{
		UserID: "user-1",
		OrgIDs: []string{"acme"},
	}
	_, err := Resolve(id, "not-a-member-org", "prod")
	require.Error(t, err)
	var notMember ErrNotMember
	require.ErrorAs(t, err, &notMember)
	assert.Equal(t, "not-a-member-org", notMember.OrgID)
}

func TestResolveRequiresIdentity(t *testing.T) {
	_, err := Resolve(nil, "acme", "prod")
	require.Error(t, err)
}

func TestValidateAccessAllowsMember(t *testing.T) {
	id := &identity.Identity{OrgIDs: []string{"acme", "beta"}}
	assert.NoError(t, ValidateAccess(id, "beta"))
}

func TestValidateAccessRejectsNonMember(t *testing.T) {
	id := &identity.Identity{OrgIDs: []string{"acme"}}
	err := ValidateAccess(id, "beta")
	require.Error(t, err)
	var notMember ErrNotMember
	require.ErrorAs(t, err, &notMember)
	assert.Equal(t, "beta", notMember.OrgID)
}

func TestSlugifyPassesThroughValidSlugs(t *testing.T) {
	for _, s := range []string{"acme", "acme-prod", "acme.prod_1", "A1"} {
		assert.Equal(t, s, Slugify(s))
	}
}

func TestSlugifyEscapesDisallowedCharacters(t *testing.T) {
	got := Slugify("acme/prod")
	assert.Regexp(t, `^[A-Za-z0-9][A-Za-z0-9._-]*$`, got)
	assert.Contains(t, got, "_2f")
}

func TestSlugifyEnsuresLeadingAlnum(t *testing.T) {
	got := Slugify("/etc/passwd")
	assert.Regexp(t, `^[A-Za-z0-9]`, got)
}

func TestSlugifyTruncatesTo128(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "a"
	}
	got := Slugify(long)
	assert.LessOrEqual(t, len(got), 128)
}

func TestSlugifyIsIdempotent(t *testing.T) {
	inputs := []string{
		"acme", "acme/prod", "/etc/passwd", "org with spaces", "日本語",
		"a", "", "...", "-leading-dash",
	}
	for _, in := range inputs {
		once := Slugify(in)
		twice := Slugify(once)
		assert.Equal(t, once, twice, "Slugify not idempotent for %q", in)
	}
}

func TestSlugifyEmptyStringProducesValidSlug(t *testing.T) {
	got := Slugify("")
	assert.Regexp(t, `^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`, got)
}
