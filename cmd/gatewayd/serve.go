package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanzoai/gateway/pkg/authresolver"
	"github.com/hanzoai/gateway/pkg/billing"
	"github.com/hanzoai/gateway/pkg/config"
	"github.com/hanzoai/gateway/pkg/connauth"
	"github.com/hanzoai/gateway/pkg/eventbus"
	"github.com/hanzoai/gateway/pkg/gatewayhttp"
	"github.com/hanzoai/gateway/pkg/gwlog"
	"github.com/hanzoai/gateway/pkg/identity"
	"github.com/hanzoai/gateway/pkg/openaiapi"
	"github.com/hanzoai/gateway/pkg/originpolicy"
	"github.com/hanzoai/gateway/pkg/secretresolver"
	"github.com/hanzoai/gateway/pkg/tunnel"
	"github.com/hanzoai/gateway/pkg/usagereport"
)

// Exit codes per §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitSecretFailure = 2
	exitBindFailure   = 3
)

func serveCmd() *cobra.Command {
	var configPath string
	var region string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(run(configPath, region))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to gateway YAML config")
	cmd.Flags().StringVar(&region, "aws-region", "", "AWS region for the secrets resolver")
	return cmd
}

func run(configPath, region string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigError
	}

	logger, err := gwlog.New(cfg.LogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log setup error:", err)
		return exitConfigError
	}
	defer logger.Close()

	secrets, err := secretresolver.New(ctx, region)
	if err != nil {
		logger.Error(gwlog.CategoryHTTP, "secret_resolver_init_failed", err.Error(), nil)
		return exitSecretFailure
	}

	resolvedAuth, err := authresolver.Resolve(ctx, cfg.Auth, secrets)
	if err != nil {
		logger.Error(gwlog.CategoryAuth, "auth_resolve_failed", err.Error(), nil)
		return exitSecretFailure
	}

	var identityValidator *identity.Validator
	if cfg.Identity.JWKSURL != "" {
		identityValidator = identity.New(identity.Config{
			Issuer:         cfg.Identity.Issuer,
			JWKSURL:        cfg.Identity.JWKSURL,
			Audiences:      cfg.Identity.Audiences,
			OrgClaim:       cfg.Identity.OrgClaim,
			RolesClaim:     cfg.Identity.RolesClaim,
			AcceptableSkew: cfg.AcceptableSkewDuration(),
		})
	}

	billingClient, err := billing.NewClient(ctx, cfg.Billing, secrets)
	if err != nil {
		logger.Error(gwlog.CategoryBilling, "billing_client_init_failed", err.Error(), nil)
		return exitSecretFailure
	}
	billingCache := billing.NewCache(billingClient)
	billingGate := billing.NewGate(billingCache, cfg.Billing.Enabled)

	usageReporter := usagereport.New(cfg.Usage, logger)
	defer usageReporter.Shutdown(context.Background())

	bus := eventbus.New()
	if cfg.Eventbus.NATSURL != "" {
		natsBridge, err := eventbus.NewNATSBridge(bus, cfg.Eventbus.NATSURL, cfg.Eventbus.NATSSubject)
		if err != nil {
			logger.Error(gwlog.CategoryBus, "eventbus_nats_connect_failed", err.Error(), map[string]any{"url": cfg.Eventbus.NATSURL})
			return exitSecretFailure
		}
		defer natsBridge.Close()
	}

	limiter := connauth.NewLimiter(cfg.Auth.RateLimitPerSec)

	originPolicy := originpolicy.New(cfg.Origin.AllowedOrigins)

	tunnelHandle, err := tunnel.Start(ctx, tunnel.Config{
		Provider:  tunnel.Provider(cfg.Tunnel.Provider),
		Port:      cfg.Tunnel.Port,
		AuthToken: cfg.Tunnel.AuthToken,
		Domain:    cfg.Tunnel.Domain,
	}, logger, originPolicy.Add)
	if err != nil {
		logger.Warn(gwlog.CategoryTunnel, "tunnel_start_failed", err.Error(), nil)
	}
	if tunnelHandle != nil {
		defer func() {
			originPolicy.Remove(tunnelHandle.PublicOrigin)
			tunnelHandle.Stop()
		}()
	}

	// The agent execution engine is an external collaborator (§1); until
	// one is wired in, the adapter is constructed with a nil engine and
	// every run attempt fails fast rather than silently no-opping.
	adapter := openaiapi.New(nil, bus, billingGate, usageReporter, logger)

	// The OAuth identity provider is likewise an external collaborator;
	// with no identityclient.Client wired in, /auth/* answers 503 rather
	// than pretending to proxy a provider that isn't there.
	handler := gatewayhttp.New(gatewayhttp.Deps{
		OriginPolicy:   originPolicy,
		ResolvedAuth:   resolvedAuth,
		IdentityValid:  identityValidator,
		Limiter:        limiter,
		DefaultEnv:     cfg.Tenant.DefaultEnv,
		MaxBodyBytes:   cfg.Bind.MaxBodyByte,
		WSPath:         cfg.Bind.WSPath,
		ChatCompletion: adapter,
		MetricsPublic:  cfg.Metrics.Public,
		Logger:         logger,
		Sessions:       gatewayhttp.NewRegistry(),
		Bus:            bus,
		BillingClient:  billingClient,
	})

	server := &http.Server{
		Addr:              cfg.Bind.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error(gwlog.CategoryHTTP, "bind_failed", err.Error(), map[string]any{"address": cfg.Bind.Address})
			return exitBindFailure
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}

	return exitOK
}
