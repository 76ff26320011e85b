package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/pkggate/pkggate/internal/config"
	"github.com/pkggate/pkggate/internal/policy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startStack wires the full pipeline from configuration and serves it over a
// local listener, with a fake npm registry standing in for the upstream.
func startStack(t *testing.T, mutate func(cfg *config.Config)) (*httpexpect.Expect, *httptest.Server) {
	t.Helper()

	fakeRegistry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Fake-Registry", "npm")
		_, _ = w.Write([]byte(`{"ok":true,"path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(fakeRegistry.Close)

	cfg := config.DefaultConfig()
	cfg.Proxy.Ecosystem = "npm"
	cfg.Proxy.Upstreams.NPM = fakeRegistry.URL
	cfg.Policy.Rules = policy.RuleSet{
		Enabled: true,
		Regex:   policy.RegexRules{Exclude: []string{"^test-"}},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	runtime, err := buildRuntime(cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { runtime.close(discardLogger()) })

	srv := httptest.NewServer(runtime.handler)
	t.Cleanup(srv.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
	return expect, fakeRegistry
}

func TestEndToEndHealth(t *testing.T) {
	expect, _ := startStack(t, nil)

	expect.GET("/_health").Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
}

func TestEndToEndPassthroughForwarded(t *testing.T) {
	expect, _ := startStack(t, nil)

	expect.GET("/-/ping").Expect().
		Status(http.StatusOK).
		Header("X-Fake-Registry").IsEqual("npm")
}

func TestEndToEndAllowedVersionForwarded(t *testing.T) {
	expect, _ := startStack(t, nil)

	result := expect.GET("/lodash/4.17.21").Expect().
		Status(http.StatusOK)
	result.Header("X-Fake-Registry").IsEqual("npm")
	result.JSON().Object().HasValue("path", "/lodash/4.17.21")
}

func TestEndToEndBlockedVersionDenied(t *testing.T) {
	expect, _ := startStack(t, nil)

	body := expect.GET("/test-package/1.0.0").Expect().
		Status(http.StatusForbidden).
		JSON().Object()

	body.HasValue("error", "Package blocked by policy")
	body.HasValue("package", "test-package")
	body.HasValue("version", "1.0.0")
	body.HasValue("registry", "npm")
	body.Value("violated_rules").Array().ConsistsOf("excluded by pattern: ^test-")
	body.Value("message").String().Contains("test-package@1.0.0 is blocked by pkggate policy")
}

func TestEndToEndWarnModeForwardsDeniedPackage(t *testing.T) {
	expect, _ := startStack(t, func(cfg *config.Config) {
		cfg.Proxy.DecisionMode = "warn"
	})

	expect.GET("/test-package/1.0.0").Expect().
		Status(http.StatusOK).
		Header("X-Fake-Registry").IsEqual("npm")
}

func TestEndToEndUpstreamOutageReturns502(t *testing.T) {
	outage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(outage.Close)

	retries := 2
	expect, _ := startStack(t, func(cfg *config.Config) {
		cfg.Proxy.Upstreams.NPM = outage.URL
		cfg.RateLimit.Default = config.RetryPolicyConfig{
			MaxRetries:        &retries,
			InitialBackoff:    "1ms",
			MaxBackoff:        "5ms",
			TotalRetryTimeCap: "1s",
		}
	})

	body := expect.GET("/lodash/4.17.21").Expect().
		Status(http.StatusBadGateway).
		JSON().Object()
	body.HasValue("error", "upstream registry unavailable")
	body.HasValue("registry", "npm")
}

func TestEndToEndMetricsExposed(t *testing.T) {
	expect, _ := startStack(t, nil)

	expect.GET("/lodash/4.17.21").Expect().Status(http.StatusOK)

	expect.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains("pkggate_proxy_requests_total")
}

func TestSetFlagsParsing(t *testing.T) {
	flags := setFlags{}
	require.NoError(t, flags.Set("server.listen.port=9090"))
	require.NoError(t, flags.Set("proxy.decisionMode=warn"))
	require.Error(t, flags.Set("no-equals-sign"))
	require.Error(t, flags.Set("=value"))

	require.Equal(t, "9090", flags["server.listen.port"])
	require.Equal(t, "warn", flags["proxy.decisionMode"])
}
