package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting
// override > env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
	overrides map[string]string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// SetOverrides installs key=value pairs (dotted paths) that win over every
// other source. Used by the CLI's repeatable -set flag.
func (l *Loader) SetOverrides(overrides map[string]string) {
	l.overrides = overrides
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader": "server.logging.correlationHeader",
			"proxy.decisionmode":               "proxy.decisionMode",
			"proxy.useragent":                  "proxy.userAgent",
			"proxy.auditlogsize":               "proxy.auditLogSize",
			"proxy.cache.ttlseconds":           "proxy.cache.ttlSeconds",
			"proxy.cache.sweepseconds":         "proxy.cache.sweepSeconds",
			"proxy.facts.heuristicsurl":        "proxy.facts.heuristicsUrl",
			"proxy.facts.licenseurl":           "proxy.facts.licenseUrl",
			"ratelimit":                        "rateLimit",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (PROXY__CACHE__TTLSECONDS
			// -> proxy.cache.ttlSeconds).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			if rest, ok := strings.CutPrefix(lower, "ratelimit."); ok {
				return "rateLimit." + canonicalRateLimitKey(rest)
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers choose not to use double underscores for
			// object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	if len(l.overrides) > 0 {
		if err := k.Load(confmap.Provider(overrideMap(l.overrides), "."), nil); err != nil {
			return Config{}, fmt.Errorf("config: load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.Policy.File != "" {
		rules, err := LoadRuleSet(cfg.Policy.File)
		if err != nil {
			return Config{}, err
		}
		cfg.Policy.Rules = rules
		cfg.PolicySource = cfg.Policy.File
	}
	return cfg, nil
}

// canonicalRateLimitKey restores the camelCase leaf names under rateLimit
// that env flattening lowercased.
func canonicalRateLimitKey(key string) string {
	leaves := map[string]string{
		"maxretries":              "maxRetries",
		"initialbackoff":          "initialBackoff",
		"multiplier":              "multiplier",
		"jitterpct":               "jitterPct",
		"maxbackoff":              "maxBackoff",
		"totalretrytimecap":       "totalRetryTimeCap",
		"respectretryafter":       "respectRetryAfter",
		"respectresetheaders":     "respectResetHeaders",
		"allownonidempotentretry": "allowNonIdempotentRetry",
	}
	parts := strings.Split(key, ".")
	if mapped, ok := leaves[parts[len(parts)-1]]; ok {
		parts[len(parts)-1] = mapped
	}
	return strings.Join(parts, ".")
}

// overrideMap expands dotted key=value pairs into the nested map shape the
// confmap provider expects.
func overrideMap(overrides map[string]string) map[string]any {
	root := make(map[string]any)
	for key, value := range overrides {
		parts := strings.Split(key, ".")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return root
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"proxy": map[string]any{
			"ecosystem":    cfg.Proxy.Ecosystem,
			"decisionMode": cfg.Proxy.DecisionMode,
			"userAgent":    cfg.Proxy.UserAgent,
			"auditLogSize": cfg.Proxy.AuditLogSize,
			"cache": map[string]any{
				"ttlSeconds":   cfg.Proxy.Cache.TTLSeconds,
				"sweepSeconds": cfg.Proxy.Cache.SweepSeconds,
			},
			"upstreams": map[string]any{
				"npm":   cfg.Proxy.Upstreams.NPM,
				"pypi":  cfg.Proxy.Upstreams.PyPI,
				"maven": cfg.Proxy.Upstreams.Maven,
				"nuget": cfg.Proxy.Upstreams.NuGet,
			},
			"facts": map[string]any{
				"heuristicsUrl": cfg.Proxy.Facts.HeuristicsURL,
				"licenseUrl":    cfg.Proxy.Facts.LicenseURL,
			},
		},
	}
}
