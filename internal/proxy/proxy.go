// Package proxy orchestrates the interception pipeline: classify the incoming
// registry request, evaluate policy for package-specific requests, and either
// relay the upstream response or serve a structured deny.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkggate/pkggate/internal/metrics"
	"github.com/pkggate/pkggate/internal/policy"
	"github.com/pkggate/pkggate/internal/proxy/cache"
	"github.com/pkggate/pkggate/internal/proxy/upstream"
	"github.com/pkggate/pkggate/internal/registry"
)

// DecisionMode controls how a deny decision is applied to traffic.
type DecisionMode string

const (
	// ModeBlock enforces deny decisions with a 403 response.
	ModeBlock DecisionMode = "block"
	// ModeWarn forwards denied requests but records the violation.
	ModeWarn DecisionMode = "warn"
	// ModeAudit records decisions without affecting traffic.
	ModeAudit DecisionMode = "audit"
)

// ParseDecisionMode validates a decision mode string. Empty defaults to block.
func ParseDecisionMode(s string) (DecisionMode, error) {
	switch DecisionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ModeBlock, nil
	case ModeBlock:
		return ModeBlock, nil
	case ModeWarn:
		return ModeWarn, nil
	case ModeAudit:
		return ModeAudit, nil
	default:
		return "", fmt.Errorf("proxy: unknown decision mode %q", s)
	}
}

// Evaluator produces a policy decision for one package coordinate.
type Evaluator interface {
	Evaluate(ctx context.Context, coord registry.Coordinate) (policy.Decision, error)
}

// DecisionCache coalesces and caches policy evaluations.
type DecisionCache interface {
	GetOrEvaluate(ctx context.Context, coord registry.Coordinate, evaluate cache.Evaluator) (policy.Decision, bool, error)
}

// Forwarder sends a request to the real registry.
type Forwarder interface {
	Forward(ctx context.Context, req upstream.Request) (*http.Response, error)
}

// Options wires a Handler together.
type Options struct {
	Parser   *registry.Parser
	Cache    DecisionCache
	Engine   Evaluator
	Upstream Forwarder
	Mode     DecisionMode
	Audit    *AuditLog
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	// Ecosystem pins all traffic to one registry, disabling hint detection.
	Ecosystem registry.Ecosystem

	// MaxBodyBytes bounds how much of a client request body is buffered for
	// forwarding. Zero means the default of 16 MiB.
	MaxBodyBytes int64
}

// Handler implements the proxy's HTTP surface.
type Handler struct {
	parser   *registry.Parser
	cache    DecisionCache
	engine   Evaluator
	upstream Forwarder
	mode     DecisionMode
	audit    *AuditLog
	metrics  *metrics.Recorder
	logger   *slog.Logger
	pinned   registry.Ecosystem
	maxBody  int64
}

// NewHandler builds the orchestrator.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeBlock
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 16 << 20
	}
	return &Handler{
		parser:   opts.Parser,
		cache:    opts.Cache,
		engine:   opts.Engine,
		upstream: opts.Upstream,
		mode:     mode,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		logger:   logger.With(slog.String("agent", "proxy")),
		pinned:   opts.Ecosystem,
		maxBody:  maxBody,
	}
}

// Mode reports the configured decision mode.
func (h *Handler) Mode() DecisionMode { return h.mode }

// ServeHTTP classifies the request and runs the interception pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	hint := h.pinned
	if hint == "" {
		hint = detectHint(r)
	}
	parsed := h.parser.Parse(r.URL.Path, hint)

	if !parsed.Kind.Evaluated() {
		h.logger.Debug("forwarding without evaluation",
			slog.String("path", r.URL.Path),
			slog.String("kind", string(parsed.Kind)))
		status := h.forward(w, r, parsed)
		h.observe(parsed, "forwarded", status, false, started)
		return
	}

	coord := parsed.Coordinate
	h.logger.Info("evaluating package request",
		slog.String("ecosystem", string(coord.Ecosystem)),
		slog.String("package", coord.Name),
		slog.String("version", coord.Version),
		slog.String("kind", string(parsed.Kind)))

	decision, fromCache, err := h.cache.GetOrEvaluate(r.Context(), coord, h.engine.Evaluate)
	if err != nil {
		h.logger.Error("policy evaluation failed",
			slog.String("package", coord.Name),
			slog.Any("error", err))
		h.writeUpstreamError(w, parsed, err)
		h.observe(parsed, "error", http.StatusBadGateway, false, started)
		return
	}

	enforced := decision.Deny() && h.mode == ModeBlock
	if h.audit != nil {
		h.audit.Record(parsed, decision, h.mode, enforced, fromCache)
	}

	if enforced {
		h.writeDeny(w, parsed, decision)
		h.observe(parsed, "blocked", http.StatusForbidden, fromCache, started)
		return
	}
	if decision.Deny() {
		h.logger.Warn("deny decision not enforced",
			slog.String("mode", string(h.mode)),
			slog.String("package", coord.Name),
			slog.Any("violated_rules", decision.ViolatedRules))
	}

	status := h.forward(w, r, parsed)
	outcome := "allowed"
	if decision.Deny() {
		outcome = "allowed_with_violations"
	}
	h.observe(parsed, outcome, status, fromCache, started)
}

// ServeHealth answers liveness probes.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// forward relays the request upstream and streams the response back. It
// returns the status code written to the client.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, parsed registry.ParsedRequest) int {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		// Read one byte past the limit so oversized bodies are rejected
		// instead of forwarded truncated.
		body, err = io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
		if err != nil {
			h.logger.Warn("failed to read request body", slog.Any("error", err))
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": "failed to read request body",
			})
			return http.StatusBadRequest
		}
		if int64(len(body)) > h.maxBody {
			h.logger.Warn("request body exceeds limit",
				slog.String("path", parsed.RawPath),
				slog.Int64("limit_bytes", h.maxBody))
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
				"error": "request body too large",
			})
			return http.StatusRequestEntityTooLarge
		}
	}

	resp, err := h.upstream.Forward(r.Context(), upstream.Request{
		Ecosystem: parsed.Coordinate.Ecosystem,
		Method:    r.Method,
		Path:      parsed.RawPath,
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header,
		Body:      body,
	})
	if err != nil {
		result := metrics.UpstreamError
		if errors.Is(err, upstream.ErrRetriesExhausted) {
			result = metrics.UpstreamExhausted
		}
		h.metrics.ObserveUpstream(string(parsed.Coordinate.Ecosystem), result)
		h.logger.Error("upstream request failed",
			slog.String("path", parsed.RawPath),
			slog.Any("error", err))
		h.writeUpstreamError(w, parsed, err)
		return http.StatusBadGateway
	}
	defer func() { _ = resp.Body.Close() }()
	h.metrics.ObserveUpstream(string(parsed.Coordinate.Ecosystem), metrics.UpstreamSuccess)

	upstream.RelayHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("response relay interrupted", slog.Any("error", err))
	}
	return resp.StatusCode
}

// writeDeny serves the structured 403 body for an enforced deny decision.
func (h *Handler) writeDeny(w http.ResponseWriter, parsed registry.ParsedRequest, decision policy.Decision) {
	coord := parsed.Coordinate
	subject := coord.Name
	if coord.Version != "" {
		subject += "@" + coord.Version
	}
	writeJSON(w, http.StatusForbidden, map[string]any{
		"error":          "Package blocked by policy",
		"package":        coord.Name,
		"version":        coord.Version,
		"registry":       string(coord.Ecosystem),
		"violated_rules": decision.ViolatedRules,
		"message": fmt.Sprintf("Package %s is blocked by pkggate policy. Violations: %s",
			subject, strings.Join(decision.ViolatedRules, ", ")),
	})
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, parsed registry.ParsedRequest, err error) {
	writeJSON(w, http.StatusBadGateway, map[string]any{
		"error":    "upstream registry unavailable",
		"registry": string(parsed.Coordinate.Ecosystem),
		"message":  err.Error(),
	})
}

func (h *Handler) observe(parsed registry.ParsedRequest, outcome string, status int, fromCache bool, started time.Time) {
	h.metrics.ObserveRequest(
		string(parsed.Coordinate.Ecosystem),
		string(parsed.Kind),
		outcome,
		status,
		fromCache,
		time.Since(started),
	)
}

// detectHint guesses the ecosystem from client headers and path shape when no
// ecosystem is pinned. Package manager user agents are checked first.
func detectHint(r *http.Request) registry.Ecosystem {
	userAgent := strings.ToLower(r.Header.Get("User-Agent"))
	switch {
	case strings.Contains(userAgent, "npm"), strings.Contains(userAgent, "node"):
		return registry.EcosystemNPM
	case strings.Contains(userAgent, "pip"), strings.Contains(userAgent, "python"):
		return registry.EcosystemPyPI
	case strings.Contains(userAgent, "maven"), strings.Contains(userAgent, "gradle"):
		return registry.EcosystemMaven
	case strings.Contains(userAgent, "nuget"), strings.Contains(userAgent, "dotnet"):
		return registry.EcosystemNuGet
	}

	if strings.Contains(r.Header.Get("Accept"), "application/vnd.npm") {
		return registry.EcosystemNPM
	}

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/simple/"), strings.HasPrefix(path, "/pypi/"):
		return registry.EcosystemPyPI
	case strings.HasPrefix(path, "/v3/") && strings.Contains(strings.ToLower(path), "nuget"):
		return registry.EcosystemNuGet
	case strings.Contains(path, "/maven2/"), strings.HasSuffix(path, ".pom"), strings.HasSuffix(path, ".jar"):
		return registry.EcosystemMaven
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}
