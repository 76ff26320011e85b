// Package upstream forwards requests to the real package registries with
// per-host retry, backoff, and rate-limit discipline. Exhausted retries
// surface as transport errors; the client never synthesizes a success.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkggate/pkggate/internal/registry"
)

// ErrRetriesExhausted marks a request that ran out of retry budget, either by
// attempt count or by the policy's total retry time cap.
var ErrRetriesExhausted = errors.New("upstream: retries exhausted")

// ErrNoUpstream marks an ecosystem with no configured upstream base URL.
var ErrNoUpstream = errors.New("upstream: no upstream configured")

// DefaultUpstreams are the public registries used when configuration does not
// override them.
var DefaultUpstreams = map[registry.Ecosystem]string{
	registry.EcosystemNPM:   "https://registry.npmjs.org",
	registry.EcosystemPyPI:  "https://pypi.org",
	registry.EcosystemMaven: "https://repo1.maven.org/maven2",
	registry.EcosystemNuGet: "https://api.nuget.org",
}

// Request is one forwarded registry request.
type Request struct {
	Ecosystem registry.Ecosystem
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
}

// httpDoer abstracts *http.Client for tests.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues requests to upstream registries.
type Client struct {
	http      httpDoer
	upstreams map[registry.Ecosystem]string
	policies  PolicyTable
	limiters  *hostLimiters
	userAgent string
	logger    *slog.Logger
	now       func() time.Time
}

// Options configures a Client.
type Options struct {
	HTTP      httpDoer
	Upstreams map[registry.Ecosystem]string
	Policies  PolicyTable
	UserAgent string
	Logger    *slog.Logger
}

// New builds a Client, filling unset upstreams from the public defaults.
func New(opts Options) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	upstreams := make(map[registry.Ecosystem]string, len(DefaultUpstreams))
	for eco, base := range DefaultUpstreams {
		upstreams[eco] = base
	}
	for eco, base := range opts.Upstreams {
		if strings.TrimSpace(base) != "" {
			upstreams[eco] = strings.TrimRight(base, "/")
		}
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "pkggate/1.0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:      httpClient,
		upstreams: upstreams,
		policies:  opts.Policies,
		limiters:  newHostLimiters(),
		userAgent: userAgent,
		logger:    logger.With(slog.String("agent", "upstream")),
		now:       time.Now,
	}
}

// requestState tracks one forwarded request across its retry attempts.
type requestState struct {
	attempt int
	started time.Time
}

// Forward sends the request to the ecosystem's upstream and returns the
// response, retrying transport failures and rate-limit statuses under the
// host's retry policy. Any response outside the retryable statuses is
// returned as-is, whatever its code: relaying upstream errors verbatim is the
// orchestrator's job, not the client's.
func (c *Client) Forward(ctx context.Context, req Request) (*http.Response, error) {
	base, ok := c.upstreams[req.Ecosystem]
	if !ok || base == "" {
		return nil, fmt.Errorf("%w for ecosystem %q", ErrNoUpstream, req.Ecosystem)
	}
	target, err := c.buildURL(req.Ecosystem, base, req.Path, req.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("upstream: build url: %w", err)
	}
	host := target.Hostname()
	policy := c.policies.ForHost(host)
	headers := prepareRequestHeaders(req.Header, c.userAgent)
	retryable := isIdempotent(req.Method) || policy.AllowNonIdempotentRetry

	state := requestState{started: c.now()}
	bo := policy.newBackoff()
	var lastErr error

	for {
		if policy.RespectResetHeaders {
			if err := c.limiters.waitTurn(ctx, host, c.now()); err != nil {
				return nil, fmt.Errorf("upstream: wait for rate limit: %w", err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bodyReader(req.Body))
		if err != nil {
			return nil, fmt.Errorf("upstream: build request: %w", err)
		}
		httpReq.Header = headers.Clone()

		resp, err := c.http.Do(httpReq)
		state.attempt++

		if err == nil {
			if policy.RespectResetHeaders {
				c.limiters.observe(host, resp.Header, c.now())
			}
			if !isRateLimited(resp.StatusCode) {
				return resp, nil
			}
			lastErr = fmt.Errorf("upstream: %s returned status %d", host, resp.StatusCode)
			delay, budgetLeft := c.nextDelay(policy, bo, resp.Header, state)
			drain(resp)
			if !retryable || !budgetLeft {
				return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, state.attempt, lastErr)
			}
			c.logger.Debug("retrying rate-limited upstream",
				slog.String("host", host),
				slog.Int("attempt", state.attempt),
				slog.Duration("delay", delay))
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, fmt.Errorf("upstream: backoff interrupted: %w", err)
			}
			continue
		}

		lastErr = err
		delay, budgetLeft := c.nextDelay(policy, bo, nil, state)
		if !retryable || !budgetLeft {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, state.attempt, lastErr)
		}
		c.logger.Debug("retrying failed upstream request",
			slog.String("host", host),
			slog.Int("attempt", state.attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, fmt.Errorf("upstream: backoff interrupted: %w", err)
		}
	}
}

// nextDelay computes the wait before the next attempt and whether any retry
// budget remains. A Retry-After header on a rate-limited response overrides
// the computed backoff when the policy says to honor it.
func (c *Client) nextDelay(policy RetryPolicy, bo interface{ NextBackOff() time.Duration }, respHeader http.Header, state requestState) (time.Duration, bool) {
	if state.attempt > policy.MaxRetries {
		return 0, false
	}
	delay := bo.NextBackOff()
	if delay < 0 {
		// The backoff generator enforces the total retry time cap.
		return 0, false
	}
	if policy.RespectRetryAfter && respHeader != nil {
		if after, ok := retryAfter(respHeader, c.now()); ok {
			delay = after
		}
	}
	if total := policy.TotalRetryTimeCap; total > 0 {
		elapsed := c.now().Sub(state.started)
		if elapsed >= total {
			return 0, false
		}
		// A delay overshooting the cap is clamped to the residual budget
		// so the request gives up only once the cap has actually elapsed.
		if remaining := total - elapsed; delay > remaining {
			delay = remaining
		}
	}
	return delay, true
}

// buildURL joins the upstream base with the request path, collapsing the
// /maven2 prefix when both the base and the client path carry it.
func (c *Client) buildURL(eco registry.Ecosystem, base, path, rawQuery string) (*url.URL, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if eco == registry.EcosystemMaven {
		const mavenPrefix = "/maven2"
		if strings.HasSuffix(base, mavenPrefix) && strings.HasPrefix(path, mavenPrefix) {
			path = strings.TrimPrefix(path, mavenPrefix)
			if path == "" {
				path = "/"
			}
		}
	}
	target, err := url.Parse(base + path)
	if err != nil {
		return nil, err
	}
	target.RawQuery = rawQuery
	return target, nil
}

func isIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// isRateLimited reports the statuses that trigger a retry instead of being
// relayed: explicit throttling and transient unavailability.
func isRateLimited(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}
