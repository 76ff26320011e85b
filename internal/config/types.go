package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkggate/pkggate/internal/policy"
	"github.com/pkggate/pkggate/internal/proxy/upstream"
	"github.com/pkggate/pkggate/internal/registry"
)

// Config holds every server-level option plus the policy document once loaded.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Proxy     ProxyConfig     `koanf:"proxy"`
	Policy    PolicyConfig    `koanf:"policy"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`

	// PolicySource records which file contributed the active rule set once the
	// loader resolves the configured sources. It is excluded from koanf so the
	// value only reflects runtime discovery rather than static input documents.
	PolicySource string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the HTTP listener.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ProxyConfig covers request classification, caching, and upstream selection.
type ProxyConfig struct {
	// Ecosystem pins the proxy to one registry. Empty enables hint detection.
	Ecosystem    string              `koanf:"ecosystem"`
	DecisionMode string              `koanf:"decisionMode"`
	UserAgent    string              `koanf:"userAgent"`
	AuditLogSize int                 `koanf:"auditLogSize"`
	Cache        CacheConfig         `koanf:"cache"`
	Upstreams    UpstreamsConfig     `koanf:"upstreams"`
	Facts        CollaboratorsConfig `koanf:"facts"`
}

// CacheConfig tunes the decision cache.
type CacheConfig struct {
	TTLSeconds   int `koanf:"ttlSeconds"`
	SweepSeconds int `koanf:"sweepSeconds"`
}

// TTL returns the decision lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the background expiry sweep cadence. Zero disables
// the sweep and leaves expiry lazy.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// UpstreamsConfig overrides the base URL per registry. Empty fields keep the
// public defaults.
type UpstreamsConfig struct {
	NPM   string `koanf:"npm"`
	PyPI  string `koanf:"pypi"`
	Maven string `koanf:"maven"`
	NuGet string `koanf:"nuget"`
}

// Map converts the overrides into the upstream client's ecosystem map.
func (u UpstreamsConfig) Map() map[registry.Ecosystem]string {
	return map[registry.Ecosystem]string{
		registry.EcosystemNPM:   u.NPM,
		registry.EcosystemPyPI:  u.PyPI,
		registry.EcosystemMaven: u.Maven,
		registry.EcosystemNuGet: u.NuGet,
	}
}

// CollaboratorsConfig points at the services that supply package facts. Empty
// URLs leave the corresponding facts unresolved.
type CollaboratorsConfig struct {
	HeuristicsURL string `koanf:"heuristicsUrl"`
	LicenseURL    string `koanf:"licenseUrl"`
}

// PolicyConfig selects the rule document. A file takes precedence over the
// inline rules block.
type PolicyConfig struct {
	File  string         `koanf:"file"`
	Rules policy.RuleSet `koanf:"rules"`
}

// RateLimitConfig carries the default retry policy plus per-host overrides.
type RateLimitConfig struct {
	Default RetryPolicyConfig            `koanf:"default"`
	Hosts   map[string]RetryPolicyConfig `koanf:"hosts"`
}

// RetryPolicyConfig mirrors upstream.RetryPolicy with durations as strings so
// operators write "300ms" and "60s" instead of nanosecond counts. Pointer
// fields distinguish "unset, inherit the default" from explicit zero values.
type RetryPolicyConfig struct {
	MaxRetries              *int     `koanf:"maxRetries"`
	InitialBackoff          string   `koanf:"initialBackoff"`
	Multiplier              *float64 `koanf:"multiplier"`
	JitterPct               *float64 `koanf:"jitterPct"`
	MaxBackoff              string   `koanf:"maxBackoff"`
	TotalRetryTimeCap       string   `koanf:"totalRetryTimeCap"`
	RespectRetryAfter       *bool    `koanf:"respectRetryAfter"`
	RespectResetHeaders     *bool    `koanf:"respectResetHeaders"`
	AllowNonIdempotentRetry bool     `koanf:"allowNonIdempotentRetry"`
}

// Policy resolves the config against a base policy, overriding only the
// fields the operator set.
func (c RetryPolicyConfig) Policy(base upstream.RetryPolicy) (upstream.RetryPolicy, error) {
	out := base
	if c.MaxRetries != nil {
		out.MaxRetries = *c.MaxRetries
	}
	if c.Multiplier != nil {
		out.Multiplier = *c.Multiplier
	}
	if c.JitterPct != nil {
		out.JitterPct = *c.JitterPct
	}
	if c.RespectRetryAfter != nil {
		out.RespectRetryAfter = *c.RespectRetryAfter
	}
	if c.RespectResetHeaders != nil {
		out.RespectResetHeaders = *c.RespectResetHeaders
	}
	if c.AllowNonIdempotentRetry {
		out.AllowNonIdempotentRetry = true
	}
	var err error
	if out.InitialBackoff, err = overrideDuration(c.InitialBackoff, out.InitialBackoff); err != nil {
		return out, fmt.Errorf("config: initialBackoff: %w", err)
	}
	if out.MaxBackoff, err = overrideDuration(c.MaxBackoff, out.MaxBackoff); err != nil {
		return out, fmt.Errorf("config: maxBackoff: %w", err)
	}
	if out.TotalRetryTimeCap, err = overrideDuration(c.TotalRetryTimeCap, out.TotalRetryTimeCap); err != nil {
		return out, fmt.Errorf("config: totalRetryTimeCap: %w", err)
	}
	return out, nil
}

func overrideDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, err
	}
	if d < 0 {
		return fallback, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// PolicyTable builds the per-host retry policy table from configuration.
func (c RateLimitConfig) PolicyTable() (upstream.PolicyTable, error) {
	def, err := c.Default.Policy(upstream.DefaultRetryPolicy())
	if err != nil {
		return upstream.PolicyTable{}, fmt.Errorf("config: rateLimit.default: %w", err)
	}
	hosts := make(map[string]upstream.RetryPolicy, len(c.Hosts))
	for host, hostCfg := range c.Hosts {
		resolved, err := hostCfg.Policy(def)
		if err != nil {
			return upstream.PolicyTable{}, fmt.Errorf("config: rateLimit.hosts[%s]: %w", host, err)
		}
		hosts[host] = resolved
	}
	return upstream.NewPolicyTable(def, hosts), nil
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if _, err := registry.ParseEcosystem(c.Proxy.Ecosystem); err != nil {
		return fmt.Errorf("config: proxy.ecosystem: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Proxy.DecisionMode)) {
	case "", "block", "warn", "audit":
	default:
		return fmt.Errorf("config: proxy.decisionMode unsupported: %s", c.Proxy.DecisionMode)
	}
	if c.Proxy.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: proxy.cache.ttlSeconds invalid: %d", c.Proxy.Cache.TTLSeconds)
	}
	if c.Proxy.Cache.SweepSeconds < 0 {
		return fmt.Errorf("config: proxy.cache.sweepSeconds invalid: %d", c.Proxy.Cache.SweepSeconds)
	}
	if c.Proxy.AuditLogSize < 0 {
		return fmt.Errorf("config: proxy.auditLogSize invalid: %d", c.Proxy.AuditLogSize)
	}
	if c.Policy.File != "" {
		switch strings.ToLower(filepath.Ext(c.Policy.File)) {
		case ".yaml", ".yml", ".json", ".toml":
		default:
			return fmt.Errorf("config: policy.file has unsupported extension: %s", c.Policy.File)
		}
	}
	if _, err := c.RateLimit.PolicyTable(); err != nil {
		return err
	}
	for _, hostCfg := range appendedPolicies(c.RateLimit) {
		if hostCfg.JitterPct != nil && (*hostCfg.JitterPct < 0 || *hostCfg.JitterPct > 1) {
			return fmt.Errorf("config: rateLimit jitterPct out of range: %v", *hostCfg.JitterPct)
		}
		if hostCfg.Multiplier != nil && *hostCfg.Multiplier < 1 {
			return fmt.Errorf("config: rateLimit multiplier must be >= 1: %v", *hostCfg.Multiplier)
		}
		if hostCfg.MaxRetries != nil && *hostCfg.MaxRetries < 0 {
			return fmt.Errorf("config: rateLimit maxRetries invalid: %d", *hostCfg.MaxRetries)
		}
	}
	return nil
}

func appendedPolicies(rl RateLimitConfig) []RetryPolicyConfig {
	out := make([]RetryPolicyConfig, 0, len(rl.Hosts)+1)
	out = append(out, rl.Default)
	for _, hostCfg := range rl.Hosts {
		out = append(out, hostCfg)
	}
	return out
}

// DefaultConfig returns the baseline values used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Proxy: ProxyConfig{
			DecisionMode: "block",
			UserAgent:    "pkggate/1.0",
			AuditLogSize: 1024,
			Cache: CacheConfig{
				TTLSeconds:   3600,
				SweepSeconds: 60,
			},
		},
	}
}
