// Package config loads and merges the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values, exported for documentation and validation.
const (
	DefaultBindAddress   = "127.0.0.1:8787"
	DefaultCacheTTL      = 60 * time.Second
	DefaultCommerceDead  = 10 * time.Second
	DefaultUsageBatch    = 50
	DefaultUsageInterval = 5 * time.Second
	DefaultMaxBodyBytes  = 1 << 20 // 1 MiB
	DefaultTunnelTimeout = 30 * time.Second
)

// Config is the complete gateway configuration.
type Config struct {
	Bind     BindConfig     `yaml:"bind"`
	Origin   OriginConfig   `yaml:"origin"`
	Auth     AuthConfig     `yaml:"auth"`
	Identity IdentityConfig `yaml:"identity"`
	Tenant   TenantConfig   `yaml:"tenant"`
	Billing  BillingConfig  `yaml:"billing"`
	Usage    UsageConfig    `yaml:"usage"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Eventbus EventbusConfig `yaml:"eventbus"`
	LogDir   string         `yaml:"log_dir"`
}

// BindConfig controls the HTTP/WS listen address.
type BindConfig struct {
	Address     string `yaml:"address"`
	WSPath      string `yaml:"ws_path"`
	MaxBodyByte int64  `yaml:"max_body_bytes"`
}

// OriginConfig seeds the origin/host policy (C1).
type OriginConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig is the tagged-variant auth configuration consumed by C3.
// Token and Password may be literal values or `kms://NAME` references.
type AuthConfig struct {
	Mode              string `yaml:"mode"` // token | password | identity | mesh
	Token             string `yaml:"token"`
	Password          string `yaml:"password"`
	BasicAuthUsername string `yaml:"basic_auth_username"`
	AllowMeshIdentity bool   `yaml:"allow_mesh_identity"`
	MeshLoginHeader   string `yaml:"mesh_login_header"`
	MeshHostSuffix    string `yaml:"mesh_host_suffix"`
	RateLimitPerSec   int    `yaml:"rate_limit_per_sec"`
}

// IdentityConfig configures the identity-token validator (C4) and the
// OAuth-proxy endpoints the router exposes for it.
type IdentityConfig struct {
	Issuer              string   `yaml:"issuer"`
	JWKSURL             string   `yaml:"jwks_url"`
	Audiences           []string `yaml:"audiences"`
	ClientID            string   `yaml:"client_id"`
	ClientSecret        string   `yaml:"client_secret"` // may be kms://
	AcceptableSkew      string   `yaml:"acceptable_skew"`
	OrgClaim            string   `yaml:"org_claim"`
	RolesClaim          string   `yaml:"roles_claim"`
}

// TenantConfig configures the tenant resolver (C5).
type TenantConfig struct {
	DefaultEnv string `yaml:"default_env"`
}

// BillingConfig configures the billing cache/client/gate (C6, C7).
type BillingConfig struct {
	CommerceAPIURL     string `yaml:"commerce_api_url"`     // COMMERCE_API_URL
	CommerceServiceTok string `yaml:"commerce_service_token"` // COMMERCE_SERVICE_TOKEN, may be kms://
	BasicAuthUsername  string `yaml:"basic_auth_username"`
	BasicAuthPassword  string `yaml:"basic_auth_password"`
	Enabled            bool   `yaml:"enabled"`
}

// UsageConfig configures the usage reporter (C8).
type UsageConfig struct {
	BatchSize    int    `yaml:"batch_size"`
	FlushSeconds int    `yaml:"flush_seconds"`
	ReportURL    string `yaml:"report_url"`
}

// TunnelConfig configures the tunnel supervisor (C13).
type TunnelConfig struct {
	Provider  string `yaml:"provider"` // cloudflared | ngrok | loclx | zrok | none | "" (autodetect)
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"` // may be kms://
	Domain    string `yaml:"domain"`
}

// MetricsConfig gates the /metrics endpoint.
type MetricsConfig struct {
	Public bool `yaml:"public"`
}

// EventbusConfig optionally mirrors the in-process agent-event bus (C10)
// onto NATS for cross-process fan-out. NATSURL is empty by default, which
// keeps the bus purely in-process.
type EventbusConfig struct {
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// Default returns a Config with the spec's documented defaults.
func Default() *Config {
	return &Config{
		Bind: BindConfig{
			Address:     DefaultBindAddress,
			WSPath:      "/",
			MaxBodyByte: DefaultMaxBodyBytes,
		},
		Auth: AuthConfig{
			Mode:            "token",
			RateLimitPerSec: 5,
			MeshLoginHeader: "X-Mesh-Login",
		},
		Usage: UsageConfig{
			BatchSize:    DefaultUsageBatch,
			FlushSeconds: 5,
		},
		Tunnel: TunnelConfig{
			Port: 8787,
		},
		Eventbus: EventbusConfig{
			NATSSubject: "gateway.run-events",
		},
		LogDir: "./gateway-logs",
	}
}

// Load reads a YAML file over the defaults, then applies environment
// variable overrides (the commerce URL/token and IAM client id/secret
// documented in spec.md §6, plus the bind address and state directory).
// A sibling ".env" is loaded first if present, matching
// the teacher's local-dev convention of environment overlays that never
// override a value already present in the process environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence is not an error

	cfg := Default()
	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadAndMerge parses path and merges non-zero fields over cfg, following
// the teacher's "YAML + raw map for explicit-bool detection" merge idiom.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs overlays non-empty override fields onto base. Explicit
// bool fields are only honored when present in the raw document, since
// the zero value false is indistinguishable from "not set" otherwise.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override.Bind.Address != "" {
		base.Bind.Address = override.Bind.Address
	}
	if override.Bind.WSPath != "" {
		base.Bind.WSPath = override.Bind.WSPath
	}
	if override.Bind.MaxBodyByte != 0 {
		base.Bind.MaxBodyByte = override.Bind.MaxBodyByte
	}
	if len(override.Origin.AllowedOrigins) > 0 {
		base.Origin.AllowedOrigins = override.Origin.AllowedOrigins
	}
	if override.Auth.Mode != "" {
		base.Auth.Mode = override.Auth.Mode
	}
	if override.Auth.Token != "" {
		base.Auth.Token = override.Auth.Token
	}
	if override.Auth.Password != "" {
		base.Auth.Password = override.Auth.Password
	}
	if boolFieldSet(raw, "auth", "allow_mesh_identity") {
		base.Auth.AllowMeshIdentity = override.Auth.AllowMeshIdentity
	}
	if override.Auth.MeshLoginHeader != "" {
		base.Auth.MeshLoginHeader = override.Auth.MeshLoginHeader
	}
	if override.Auth.MeshHostSuffix != "" {
		base.Auth.MeshHostSuffix = override.Auth.MeshHostSuffix
	}
	if override.Auth.RateLimitPerSec != 0 {
		base.Auth.RateLimitPerSec = override.Auth.RateLimitPerSec
	}
	if override.Identity.Issuer != "" {
		base.Identity.Issuer = override.Identity.Issuer
	}
	if override.Identity.JWKSURL != "" {
		base.Identity.JWKSURL = override.Identity.JWKSURL
	}
	if len(override.Identity.Audiences) > 0 {
		base.Identity.Audiences = override.Identity.Audiences
	}
	if override.Identity.ClientID != "" {
		base.Identity.ClientID = override.Identity.ClientID
	}
	if override.Identity.ClientSecret != "" {
		base.Identity.ClientSecret = override.Identity.ClientSecret
	}
	if override.Identity.AcceptableSkew != "" {
		base.Identity.AcceptableSkew = override.Identity.AcceptableSkew
	}
	if override.Identity.OrgClaim != "" {
		base.Identity.OrgClaim = override.Identity.OrgClaim
	}
	if override.Identity.RolesClaim != "" {
		base.Identity.RolesClaim = override.Identity.RolesClaim
	}
	if override.Tenant.DefaultEnv != "" {
		base.Tenant.DefaultEnv = override.Tenant.DefaultEnv
	}
	if override.Billing.CommerceAPIURL != "" {
		base.Billing.CommerceAPIURL = override.Billing.CommerceAPIURL
	}
	if override.Billing.CommerceServiceTok != "" {
		base.Billing.CommerceServiceTok = override.Billing.CommerceServiceTok
	}
	if override.Billing.BasicAuthUsername != "" {
		base.Billing.BasicAuthUsername = override.Billing.BasicAuthUsername
	}
	if override.Billing.BasicAuthPassword != "" {
		base.Billing.BasicAuthPassword = override.Billing.BasicAuthPassword
	}
	if boolFieldSet(raw, "billing", "enabled") {
		base.Billing.Enabled = override.Billing.Enabled
	}
	if override.Usage.BatchSize != 0 {
		base.Usage.BatchSize = override.Usage.BatchSize
	}
	if override.Usage.FlushSeconds != 0 {
		base.Usage.FlushSeconds = override.Usage.FlushSeconds
	}
	if override.Usage.ReportURL != "" {
		base.Usage.ReportURL = override.Usage.ReportURL
	}
	if override.Tunnel.Provider != "" {
		base.Tunnel.Provider = override.Tunnel.Provider
	}
	if override.Tunnel.Port != 0 {
		base.Tunnel.Port = override.Tunnel.Port
	}
	if override.Tunnel.AuthToken != "" {
		base.Tunnel.AuthToken = override.Tunnel.AuthToken
	}
	if override.Tunnel.Domain != "" {
		base.Tunnel.Domain = override.Tunnel.Domain
	}
	if boolFieldSet(raw, "metrics", "public") {
		base.Metrics.Public = override.Metrics.Public
	}
	if override.Eventbus.NATSURL != "" {
		base.Eventbus.NATSURL = override.Eventbus.NATSURL
	}
	if override.Eventbus.NATSSubject != "" {
		base.Eventbus.NATSSubject = override.Eventbus.NATSSubject
	}
	if override.LogDir != "" {
		base.LogDir = override.LogDir
	}
}

// boolFieldSet reports whether a nested bool field is present in the raw
// YAML document, so mergeConfigs can distinguish "set to false" from
// "absent" for zero-value bool fields.
func boolFieldSet(raw map[string]any, path ...string) bool {
	cur := any(raw)
	for i, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		v, ok := m[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			_, isBool := v.(bool)
			return isBool
		}
		cur = v
	}
	return false
}

// applyEnvOverrides layers the spec.md §6 environment variables over the
// merged config, matching the teacher's flag > env > file > default
// precedence (env here stands in for the absent CLI-flag layer, applied
// last before defaults).
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("COMMERCE_API_URL")); v != "" {
		cfg.Billing.CommerceAPIURL = v
	}
	if v := strings.TrimSpace(os.Getenv("COMMERCE_SERVICE_TOKEN")); v != "" {
		cfg.Billing.CommerceServiceTok = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_IAM_CLIENT_ID")); v != "" {
		cfg.Identity.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_IAM_CLIENT_SECRET")); v != "" {
		cfg.Identity.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_BIND_ADDRESS")); v != "" {
		cfg.Bind.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("GATEWAY_STATE_DIR")); v != "" {
		cfg.LogDir = v
	}
}

// AcceptableSkewDuration parses Identity.AcceptableSkew, defaulting to 60s.
func (c *Config) AcceptableSkewDuration() time.Duration {
	if c.Identity.AcceptableSkew == "" {
		return 60 * time.Second
	}
	if d, err := time.ParseDuration(c.Identity.AcceptableSkew); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(c.Identity.AcceptableSkew); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 60 * time.Second
}
