// Package authresolver binds a configured auth mode to a concrete,
// fully-resolved secret set at startup (C3).
package authresolver

import (
	"context"
	"fmt"

	"github.com/hanzoai/gateway/pkg/config"
	"github.com/hanzoai/gateway/pkg/secretresolver"
)

// Mode is the tagged-variant auth mode.
type Mode string

const (
	ModeToken    Mode = "token"
	ModePassword Mode = "password"
	ModeIdentity Mode = "identity"
	ModeMesh     Mode = "mesh"
)

// ResolvedAuth is the sole record consulted by the connection authorizer
// (C9) at request time — the original kms:// reference strings never
// reach it.
type ResolvedAuth struct {
	Mode              Mode
	Token             string
	Password          string
	AllowMeshIdentity bool
	MeshLoginHeader   string
	MeshHostSuffix    string
}

// Resolve dereferences cfg's token/password exactly once via resolver and
// returns the immutable ResolvedAuth.
func Resolve(ctx context.Context, cfg config.AuthConfig, resolver *secretresolver.Resolver) (*ResolvedAuth, error) {
	mode := Mode(cfg.Mode)
	switch mode {
	case ModeToken, ModePassword, ModeIdentity, ModeMesh:
	default:
		return nil, fmt.Errorf("authresolver: unknown auth mode %q", cfg.Mode)
	}

	token, err := resolver.Resolve(ctx, cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("authresolver: resolve token: %w", err)
	}
	password, err := resolver.Resolve(ctx, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("authresolver: resolve password: %w", err)
	}

	return &ResolvedAuth{
		Mode:              mode,
		Token:             token,
		Password:          password,
		AllowMeshIdentity: cfg.AllowMeshIdentity,
		MeshLoginHeader:   cfg.MeshLoginHeader,
		MeshHostSuffix:    cfg.MeshHostSuffix,
	}, nil
}
