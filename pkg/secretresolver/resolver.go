// Package secretresolver dereferences `kms://NAME` references into
// cleartext values via AWS Secrets Manager, caching the service login
// until shortly before it expires (C2).
package secretresolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const kmsPrefix = "kms://"

// SecretsClient is the subset of the Secrets Manager client the resolver
// needs; satisfied by *secretsmanager.Client and by test doubles.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver turns literal or kms:// strings into cleartext.
type Resolver struct {
	client SecretsClient
}

// New builds a Resolver backed by the AWS SDK's default credential chain.
// The "login against the configured machine identity, cache until expiry
// minus a safety margin" behavior of §4.2 is provided by the SDK's own
// aws.CredentialsCache (5-minute default expiry window), not hand-rolled.
func New(ctx context.Context, region string) (*Resolver, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Resolver{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// NewWithClient builds a Resolver around an explicit client, for tests
// and for callers wiring a non-default credential chain.
func NewWithClient(client SecretsClient) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns value unchanged unless it is a kms://NAME reference, in
// which case it fetches and returns the named secret's cleartext.
// Network errors bubble up verbatim, causing gateway startup to fail, per
// §4.2's explicit "network errors bubble up" requirement.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, kmsPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, kmsPrefix)
	if name == "" {
		return "", fmt.Errorf("secretresolver: empty kms reference")
	}
	if r.client == nil {
		return "", fmt.Errorf("secretresolver: no secrets client configured")
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("secretresolver: fetch %q: %w", name, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	return string(out.SecretBinary), nil
}

// ResolveAll resolves every value in order, short-circuiting on the first
// error — matching C3's "dereferencing each configured secret exactly
// once at startup" requirement.
func (r *Resolver) ResolveAll(ctx context.Context, values ...string) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		resolved, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}
