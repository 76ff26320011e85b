package upstream

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy governs retry and backoff behavior against one upstream host.
// Policies are loaded at startup and immutable afterwards.
type RetryPolicy struct {
	MaxRetries              int
	InitialBackoff          time.Duration
	Multiplier              float64
	JitterPct               float64
	MaxBackoff              time.Duration
	TotalRetryTimeCap       time.Duration
	RespectRetryAfter       bool
	RespectResetHeaders     bool
	AllowNonIdempotentRetry bool
}

// DefaultRetryPolicy matches the shipped configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		InitialBackoff:      300 * time.Millisecond,
		Multiplier:          2,
		JitterPct:           0.2,
		MaxBackoff:          30 * time.Second,
		TotalRetryTimeCap:   60 * time.Second,
		RespectRetryAfter:   true,
		RespectResetHeaders: true,
	}
}

// newBackoff translates the policy into an exponential backoff generator.
// The generator owns per-request state, so one is built per forwarded request.
func (p RetryPolicy) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.JitterPct
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = p.TotalRetryTimeCap
	b.Reset()
	return b
}

// PolicyTable resolves the retry policy for an upstream host, falling back to
// the default when no per-host override exists.
type PolicyTable struct {
	def   RetryPolicy
	hosts map[string]RetryPolicy
}

// NewPolicyTable builds a table from the default policy and per-host
// overrides keyed by hostname.
func NewPolicyTable(def RetryPolicy, hosts map[string]RetryPolicy) PolicyTable {
	copied := make(map[string]RetryPolicy, len(hosts))
	for host, policy := range hosts {
		copied[strings.ToLower(host)] = policy
	}
	return PolicyTable{def: def, hosts: copied}
}

// ForHost returns the policy for the host, or the default.
func (t PolicyTable) ForHost(host string) RetryPolicy {
	if policy, ok := t.hosts[strings.ToLower(host)]; ok {
		return policy
	}
	return t.def
}

// hostLimiters tracks per-host rate-limit state learned from response
// headers. Each host has its own lock so unrelated hosts never serialize.
type hostLimiters struct {
	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	mu      sync.Mutex
	retryAt time.Time
}

func newHostLimiters() *hostLimiters {
	return &hostLimiters{hosts: make(map[string]*hostState)}
}

func (l *hostLimiters) state(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.hosts[host]
	if !ok {
		state = &hostState{}
		l.hosts[host] = state
	}
	return state
}

// observe records rate-limit reset signaling from a response. When the
// remaining budget is exhausted the reset time becomes a floor for the next
// request to the host.
func (l *hostLimiters) observe(host string, header http.Header, now time.Time) {
	remaining, ok := rateLimitRemaining(header)
	if !ok || remaining > 0 {
		return
	}
	resetAt, ok := rateLimitReset(header, now)
	if !ok {
		return
	}
	state := l.state(host)
	state.mu.Lock()
	if resetAt.After(state.retryAt) {
		state.retryAt = resetAt
	}
	state.mu.Unlock()
}

// waitTurn blocks until the host's rate-limit window has reset, or the
// context ends. Hosts with no recorded limit return immediately.
func (l *hostLimiters) waitTurn(ctx context.Context, host string, now time.Time) error {
	state := l.state(host)
	state.mu.Lock()
	retryAt := state.retryAt
	state.mu.Unlock()
	if !retryAt.After(now) {
		return nil
	}
	return sleepCtx(ctx, retryAt.Sub(now))
}

func rateLimitRemaining(header http.Header) (int, bool) {
	for _, name := range []string{"X-RateLimit-Remaining", "RateLimit-Remaining"} {
		if v := header.Get(name); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// rateLimitReset reads a reset header as either epoch seconds or a delta in
// seconds; vendors disagree on which they send.
func rateLimitReset(header http.Header, now time.Time) (time.Time, bool) {
	for _, name := range []string{"X-RateLimit-Reset", "RateLimit-Reset"} {
		v := strings.TrimSpace(header.Get(name))
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if n > 1e9 {
			return time.Unix(n, 0), true
		}
		return now.Add(time.Duration(n) * time.Second), true
	}
	return time.Time{}, false
}

// retryAfter parses a Retry-After header as delay seconds or an HTTP date.
func retryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if delay := at.Sub(now); delay > 0 {
			return delay, true
		}
		return 0, true
	}
	return 0, false
}

// sleepCtx delays without blocking the scheduler, honoring cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
