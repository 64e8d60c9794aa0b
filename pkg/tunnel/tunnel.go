// Package tunnel implements the egress-tunnel supervisor (C13): it probes
// for an available tunnel binary, spawns it, parses its stdout/stderr for
// a public URL, and manages its lifecycle — adapted from the teacher's
// child-process lifecycle idiom in pkg/ipc/pty.go (exec.CommandContext,
// pipe scanning, signal-based shutdown with a bounded wait).
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanzoai/gateway/pkg/gwlog"
	"github.com/hanzoai/gateway/pkg/gwmetrics"
)

// Provider identifies a supported tunnel back end.
type Provider string

const (
	ProviderCloudflared Provider = "cloudflared"
	ProviderNgrok       Provider = "ngrok"
	ProviderLocalXpose  Provider = "localxpose"
	ProviderZrok        Provider = "zrok"
	ProviderNone        Provider = "none"
)

// autodetectOrder is the §4.13 provider preference order.
var autodetectOrder = []Provider{ProviderCloudflared, ProviderNgrok, ProviderLocalXpose, ProviderZrok}

// binaryFor maps a provider to its executable name.
var binaryFor = map[Provider]string{
	ProviderCloudflared: "cloudflared",
	ProviderNgrok:       "ngrok",
	ProviderLocalXpose:  "loclx",
	ProviderZrok:        "zrok",
}

// urlPatterns holds each provider's URL-recognition regex, kept in one
// well-named place per §9's warning that regex-on-stdout parsing is
// fragile to provider upgrades.
var urlPatterns = map[Provider]*regexp.Regexp{
	ProviderCloudflared: regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`),
	ProviderLocalXpose:  regexp.MustCompile(`https?://[^\s]+\.loclx\.io`),
	ProviderZrok:        regexp.MustCompile(`https?://[^\s]+\.zrok\.[^\s]+`),
}

// StartupTimeout is the §4.13 tunnel startup deadline.
const StartupTimeout = 30 * time.Second

// StopGrace is how long Stop waits for the child to exit after SIGTERM
// before abandoning it.
const StopGrace = 3 * time.Second

// Config configures a tunnel start attempt.
type Config struct {
	Provider  Provider // empty selects autodetect
	Port      int
	AuthToken string
	Domain    string
}

// Handle is a running tunnel: its resolved URLs and a way to stop it.
type Handle struct {
	PublicURL    string // wss://... or ws://..., for the gateway's own clients
	PublicOrigin string // https://... or http://..., added to the origin allow-set
	Provider     Provider

	cmd      *exec.Cmd
	stopOnce sync.Once
}

// OnPublicOrigin is invoked with the tunnel's HTTP(S) origin once
// discovered, so the caller can add it to the origin policy's runtime
// allow-set (C1) and clear it again on Stop.
type OnPublicOrigin func(origin string)

// Start probes for provider's binary (or autodetects, in order, when
// cfg.Provider is empty), spawns it, and blocks until a public URL is
// parsed from its output or StartupTimeout elapses. A provider that is
// unavailable, or an explicit "none", results in (nil, nil) — no tunnel,
// not an error (§4.13, §7: "child-tunnel failures log and return null").
func Start(ctx context.Context, cfg Config, logger *gwlog.Logger, onOrigin OnPublicOrigin) (*Handle, error) {
	if logger == nil {
		logger = gwlog.Nop()
	}
	if cfg.Provider == ProviderNone {
		return nil, nil
	}

	provider := cfg.Provider
	if provider == "" {
		provider = autodetect()
		if provider == "" {
			logger.Warn(gwlog.CategoryTunnel, "no_provider_available", "no tunnel binary found", nil)
			return nil, nil
		}
	} else if !available(provider) {
		logger.Warn(gwlog.CategoryTunnel, "provider_unavailable", string(provider)+" binary not found", nil)
		return nil, nil
	}

	handle, err := spawn(ctx, provider, cfg, logger, onOrigin)
	if err != nil {
		logger.Warn(gwlog.CategoryTunnel, "start_failed", err.Error(), map[string]any{"provider": string(provider)})
		return nil, nil
	}
	gwmetrics.TunnelUp.Set(1)
	return handle, nil
}

func autodetect() Provider {
	for _, p := range autodetectOrder {
		if available(p) {
			return p
		}
	}
	return ""
}

func available(p Provider) bool {
	bin, ok := binaryFor[p]
	if !ok {
		return false
	}
	if _, err := exec.LookPath(bin); err != nil {
		return false
	}
	cmd := exec.Command(bin, "--version")
	return cmd.Run() == nil
}

// spawn launches provider's child process with its argv (§6) and races
// output parsing against StartupTimeout.
func spawn(ctx context.Context, provider Provider, cfg Config, logger *gwlog.Logger, onOrigin OnPublicOrigin) (*Handle, error) {
	if err := runSetupCommands(ctx, provider, cfg); err != nil {
		return nil, fmt.Errorf("tunnel: setup for %s: %w", provider, err)
	}

	cmd := buildCommand(ctx, provider, cfg)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tunnel: start %s: %w", provider, err)
	}

	urlCh := make(chan string, 1)
	go scanForURL(provider, stdout, urlCh)
	go scanForURL(provider, stderr, urlCh)

	timeoutCtx, cancel := context.WithTimeout(ctx, StartupTimeout)
	defer cancel()

	select {
	case publicURL := <-urlCh:
		wsURL, httpOrigin := convertURL(publicURL)
		if onOrigin != nil {
			onOrigin(httpOrigin)
		}
		logger.Info(gwlog.CategoryTunnel, "started", "tunnel established", map[string]any{
			"provider": string(provider), "public_url": wsURL,
		})
		return &Handle{PublicURL: wsURL, PublicOrigin: httpOrigin, Provider: provider, cmd: cmd}, nil
	case <-timeoutCtx.Done():
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, fmt.Errorf("%s startup timed out (30s)", provider)
	}
}

// runSetupCommands runs the one-time provider setup steps that must
// precede the long-running tunnel process (ngrok/loclx auth-token
// registration), per §6.
func runSetupCommands(ctx context.Context, provider Provider, cfg Config) error {
	if cfg.AuthToken == "" {
		return nil
	}
	switch provider {
	case ProviderNgrok:
		return exec.CommandContext(ctx, "ngrok", "config", "add-authtoken", cfg.AuthToken).Run()
	case ProviderLocalXpose:
		return exec.CommandContext(ctx, "loclx", "account", "login", "--token", cfg.AuthToken).Run()
	default:
		return nil
	}
}

// buildCommand constructs the long-running tunnel invocation's argv, per §6.
func buildCommand(ctx context.Context, provider Provider, cfg Config) *exec.Cmd {
	target := fmt.Sprintf("http://localhost:%d", cfg.Port)
	switch provider {
	case ProviderCloudflared:
		args := []string{"tunnel", "--url", target}
		if cfg.Domain != "" {
			args = append(args, "--hostname", cfg.Domain)
		}
		return exec.CommandContext(ctx, "cloudflared", args...)
	case ProviderNgrok:
		args := []string{"http", fmt.Sprintf("%d", cfg.Port), "--log", "stdout", "--log-format", "json"}
		if cfg.Domain != "" {
			args = append(args, "--domain", cfg.Domain)
		}
		return exec.CommandContext(ctx, "ngrok", args...)
	case ProviderLocalXpose:
		args := []string{"tunnel", "http", "--to", fmt.Sprintf("localhost:%d", cfg.Port)}
		if cfg.Domain != "" {
			args = append(args, "--subdomain", cfg.Domain)
		}
		return exec.CommandContext(ctx, "loclx", args...)
	case ProviderZrok:
		return exec.CommandContext(ctx, "zrok", "share", "public", target)
	default:
		return exec.CommandContext(ctx, string(provider))
	}
}

// scanForURL reads r line by line, publishing the first match of
// provider's URL pattern onto found. ngrok's pattern is special: it reads
// the "url" field of a line-delimited JSON log record rather than a bare
// regex over the line.
func scanForURL(provider Provider, r io.Reader, found chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		var url string
		if provider == ProviderNgrok {
			url = extractNgrokURL(line)
		} else if pattern, ok := urlPatterns[provider]; ok {
			url = pattern.FindString(line)
		}
		if url != "" {
			select {
			case found <- url:
			default:
			}
			return
		}
	}
}

var ngrokURLPattern = regexp.MustCompile(`"url":"(https?://[^"]+)"`)

func extractNgrokURL(line string) string {
	matches := ngrokURLPattern.FindStringSubmatch(line)
	if len(matches) == 2 {
		return matches[1]
	}
	return ""
}

// convertURL converts a discovered HTTP(S) URL to WSS/WS for the gateway,
// stripping any trailing slash, and returns both forms (§4.13).
func convertURL(publicURL string) (wsURL, httpOrigin string) {
	httpOrigin = strings.TrimSuffix(publicURL, "/")
	switch {
	case strings.HasPrefix(httpOrigin, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(httpOrigin, "https://")
	case strings.HasPrefix(httpOrigin, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(httpOrigin, "http://")
	default:
		wsURL = httpOrigin
	}
	return wsURL, httpOrigin
}

// Stop sends SIGTERM to the child and waits up to StopGrace before
// abandoning it. Idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		if h.cmd == nil || h.cmd.Process == nil {
			return
		}
		_ = h.cmd.Process.Signal(syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			_, _ = h.cmd.Process.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(StopGrace):
			_ = h.cmd.Process.Kill()
		}
		gwmetrics.TunnelUp.Set(0)
	})
}
