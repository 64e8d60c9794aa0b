package authresolver

import (
	"context"
	"testing"

	"github.com/hanzoai/gateway/pkg/config"
	"github.com/hanzoai/gateway/pkg/secretresolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePassesThroughLiteralSecrets(t *testing.T) {
	r := secretresolver.NewWithClient(nil)
	resolved, err := Resolve(context.Background(), config.AuthConfig{
		Mode:  "token",
		Token: "secret-A",
	}, r)
	require.NoError(t, err)
	assert.Equal(t, ModeToken, resolved.Mode)
	assert.Equal(t, "secret-A", resolved.Token)
}

func TestResolveRejectsUnknownMode(t *testing.T) {
	r := secretresolver.NewWithClient(nil)
	_, err := Resolve(context.Background(), config.AuthConfig{Mode: "bogus"}, r)
	require.Error(t, err)
}

func TestResolveCarriesMeshFallbackFields(t *testing.T) {
	r := secretresolver.NewWithClient(nil)
	resolved, err := Resolve(context.Background(), config.AuthConfig{
		Mode:              "identity",
		AllowMeshIdentity: true,
		MeshLoginHeader:   "X-Mesh-Login",
		MeshHostSuffix:    ".mesh.internal",
	}, r)
	require.NoError(t, err)
	assert.True(t, resolved.AllowMeshIdentity)
	assert.Equal(t, "X-Mesh-Login", resolved.MeshLoginHeader)
	assert.Equal(t, ".mesh.internal", resolved.MeshHostSuffix)
}
