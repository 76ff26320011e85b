package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pkggate/pkggate/internal/config"
	"github.com/pkggate/pkggate/internal/logging"
	"github.com/pkggate/pkggate/internal/metrics"
	"github.com/pkggate/pkggate/internal/policy"
	"github.com/pkggate/pkggate/internal/policy/facts"
	"github.com/pkggate/pkggate/internal/proxy"
	"github.com/pkggate/pkggate/internal/proxy/cache"
	"github.com/pkggate/pkggate/internal/proxy/upstream"
	"github.com/pkggate/pkggate/internal/registry"
	"github.com/pkggate/pkggate/internal/server"
)

// setFlags collects repeatable -set key=value overrides.
type setFlags map[string]string

func (s setFlags) String() string { return fmt.Sprintf("%v", map[string]string(s)) }

func (s setFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	s[strings.TrimSpace(key)] = val
	return nil
}

func main() {
	overrides := setFlags{}
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "PKGGATE", "environment variable prefix")
	)
	flag.Var(overrides, "set", "configuration override as key=value (repeatable)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	loader.SetOverrides(overrides)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	runtime, err := buildRuntime(cfg, logger)
	if err != nil {
		logger.Error("unable to construct proxy pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	defer runtime.close(logger)

	srv, err := server.New(cfg, logger, runtime.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// proxyRuntime bundles the wired pipeline so tests can build the same stack
// in-process that main serves over a listener.
type proxyRuntime struct {
	handler http.Handler
	cache   *cache.DecisionCache
}

func (r *proxyRuntime) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.cache.Close(ctx); err != nil {
		logger.Error("cache shutdown failed", slog.Any("error", err))
	}
}

// buildRuntime wires every component from configuration: parser, policy
// engine, decision cache, upstream client, and the HTTP routing facade.
func buildRuntime(cfg config.Config, logger *slog.Logger) (*proxyRuntime, error) {
	pinned, err := registry.ParseEcosystem(cfg.Proxy.Ecosystem)
	if err != nil {
		return nil, err
	}

	mode, err := proxy.ParseDecisionMode(cfg.Proxy.DecisionMode)
	if err != nil {
		return nil, err
	}

	exprEnv, err := policy.NewExprEnvironment()
	if err != nil {
		return nil, fmt.Errorf("expression environment: %w", err)
	}
	compiled, err := policy.Compile(cfg.Policy.Rules, exprEnv)
	if err != nil {
		return nil, fmt.Errorf("policy rules: %w", err)
	}

	var heuristics facts.HeuristicsSource
	var license facts.LicenseSource
	factsClient := &http.Client{Timeout: 10 * time.Second}
	if url := strings.TrimSpace(cfg.Proxy.Facts.HeuristicsURL); url != "" {
		heuristics = facts.NewHTTPHeuristics(url, factsClient)
	}
	if url := strings.TrimSpace(cfg.Proxy.Facts.LicenseURL); url != "" {
		license = facts.NewHTTPLicense(url, factsClient)
	}
	resolver := facts.NewResolver(heuristics, license, nil, logger)

	engine := policy.NewEngine(compiled, resolver, logger)

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	store := cache.NewMemory(cfg.Proxy.Cache.TTL(), cfg.Proxy.Cache.SweepInterval())
	decisionCache := cache.New(store, cfg.Proxy.Cache.TTL(), logger, recorder)

	policyTable, err := cfg.RateLimit.PolicyTable()
	if err != nil {
		return nil, err
	}
	upstreamClient := upstream.New(upstream.Options{
		Upstreams: cfg.Proxy.Upstreams.Map(),
		Policies:  policyTable,
		UserAgent: cfg.Proxy.UserAgent,
		Logger:    logger,
	})

	audit := proxy.NewAuditLog(cfg.Proxy.AuditLogSize, logger)

	handler := proxy.NewHandler(proxy.Options{
		Parser:    registry.NewParser(pinned),
		Cache:     decisionCache,
		Engine:    engine,
		Upstream:  upstreamClient,
		Mode:      mode,
		Audit:     audit,
		Metrics:   recorder,
		Logger:    logger,
		Ecosystem: pinned,
	})

	return &proxyRuntime{
		handler: server.NewProxyHandler(handler, recorder.Handler()),
		cache:   decisionCache,
	}, nil
}
