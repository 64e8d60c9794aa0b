package identity

import (
	"context"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key-1"

func newTestKeySet(t *testing.T) (jwk.Set, jwk.Key) {
	t.Helper()
	raw := []byte("super-secret-signing-key-for-tests-only")
	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.HS256))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	return set, key
}

func signToken(t *testing.T, key jwk.Key, mutate func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()
	builder := jwt.NewBuilder().
		Issuer("https://idp.example").
		Audience([]string{"gateway"}).
		Subject("user-123").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Claim("email", "user@example.com").
		Claim("owner", "acme").
		Claim("org_ids", []string{"acme", "beta"}).
		Claim("roles", []string{"member"})
	if mutate != nil {
		builder = mutate(builder)
	}
	tok, err := builder.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, key))
	require.NoError(t, err)
	return string(signed)
}

func newValidatorWithSet(set jwk.Set) *Validator {
	v := New(Config{
		Issuer:    "https://idp.example",
		Audiences: []string{"gateway"},
	})
	v.fetch = func(ctx context.Context, url string) (jwk.Set, error) {
		return set, nil
	}
	return v
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	set, key := newTestKeySet(t)
	raw := signToken(t, key, nil)

	v := newValidatorWithSet(set)
	result := v.Validate(context.Background(), raw)

	require.True(t, result.OK)
	require.Equal(t, "user-123", result.Identity.UserID)
	require.Equal(t, "user@example.com", result.Identity.Email)
	require.Equal(t, "acme", result.Identity.Owner)
	require.ElementsMatch(t, []string{"acme", "beta"}, result.Identity.OrgIDs)
	require.Equal(t, []string{"member"}, result.Identity.Roles)
}

func TestValidateExpiredToken(t *testing.T) {
	set, key := newTestKeySet(t)
	raw := signToken(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Expiration(time.Now().Add(-time.Hour))
	})

	v := newValidatorWithSet(set)
	result := v.Validate(context.Background(), raw)

	require.False(t, result.OK)
	require.Equal(t, ReasonExpired, result.Reason)
}

func TestValidateIssuerMismatch(t *testing.T) {
	set, key := newTestKeySet(t)
	raw := signToken(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("https://evil.example")
	})

	v := newValidatorWithSet(set)
	result := v.Validate(context.Background(), raw)

	require.False(t, result.OK)
	require.Equal(t, ReasonIssuerMismatch, result.Reason)
}

func TestValidateAudienceMismatch(t *testing.T) {
	set, key := newTestKeySet(t)
	raw := signToken(t, key, func(b *jwt.Builder) *jwt.Builder {
		return b.Audience([]string{"some-other-service"})
	})

	v := newValidatorWithSet(set)
	result := v.Validate(context.Background(), raw)

	require.False(t, result.OK)
	require.Equal(t, ReasonAudienceMismatch, result.Reason)
}

func TestValidateMalformedToken(t *testing.T) {
	set, _ := newTestKeySet(t)
	v := newValidatorWithSet(set)

	result := v.Validate(context.Background(), "not-a-jwt-at-all")
	require.False(t, result.OK)
	require.Equal(t, ReasonMalformed, result.Reason)
}

func TestValidateEmptyTokenIsMalformed(t *testing.T) {
	set, _ := newTestKeySet(t)
	v := newValidatorWithSet(set)

	result := v.Validate(context.Background(), "")
	require.False(t, result.OK)
	require.Equal(t, ReasonMalformed, result.Reason)
}

func TestValidateJWKSUnavailable(t *testing.T) {
	v := New(Config{Issuer: "https://idp.example", Audiences: []string{"gateway"}})
	v.fetch = func(ctx context.Context, url string) (jwk.Set, error) {
		return nil, assertError{}
	}
	result := v.Validate(context.Background(), "anything")
	require.False(t, result.OK)
	require.Equal(t, ReasonJWKSUnavailable, result.Reason)
}

type assertError struct{}

func (assertError) Error() string { return "jwks endpoint unreachable" }
