package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pkggate/pkggate/internal/metrics"
	"github.com/pkggate/pkggate/internal/policy"
	"github.com/pkggate/pkggate/internal/registry"
)

// Evaluator computes a fresh decision for a coordinate on cache miss.
type Evaluator func(ctx context.Context, coord registry.Coordinate) (policy.Decision, error)

// DecisionCache front-ends a Store with single-flight coalescing: at most one
// evaluation per key is in flight, and every concurrent caller for that key
// receives its result. Evaluator failures are propagated to all waiters and
// never stored, so the next request retries.
type DecisionCache struct {
	store   Store
	ttl     time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New wires a DecisionCache over the given store. The recorder may be nil.
func New(store Store, ttl time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *DecisionCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionCache{
		store:   store,
		ttl:     ttl,
		logger:  logger.With(slog.String("agent", "decision_cache")),
		metrics: recorder,
	}
}

// GetOrEvaluate returns the live cached decision for the coordinate, or runs
// the evaluator exactly once across all concurrent callers and caches the
// result. The bool reports whether the decision came from cache.
//
// The evaluation itself runs on a context detached from the caller's: a
// client that disconnects mid-evaluation must not cancel a computation other
// waiters will still consume.
func (c *DecisionCache) GetOrEvaluate(ctx context.Context, coord registry.Coordinate, evaluate Evaluator) (policy.Decision, bool, error) {
	key := coord.Key()
	eco := string(coord.Ecosystem)

	lookupStart := time.Now()
	entry, ok, err := c.store.Lookup(ctx, key)
	switch {
	case err != nil:
		c.metrics.ObserveCacheLookup(eco, metrics.CacheLookupError, time.Since(lookupStart))
		c.logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
	case ok:
		c.metrics.ObserveCacheLookup(eco, metrics.CacheLookupHit, time.Since(lookupStart))
		return entry.Decision, true, nil
	default:
		c.metrics.ObserveCacheLookup(eco, metrics.CacheLookupMiss, time.Since(lookupStart))
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent flight may have stored a decision between our
		// lookup and joining the group.
		if entry, ok, err := c.store.Lookup(ctx, key); err == nil && ok {
			return entry.Decision, nil
		}

		evalCtx := context.WithoutCancel(ctx)
		decision, err := evaluate(evalCtx, coord)
		if err != nil {
			return policy.Decision{}, err
		}
		stored := Entry{
			Decision:  decision,
			StoredAt:  time.Now().UTC(),
			ExpiresAt: time.Now().UTC().Add(c.ttl),
		}
		storeStart := time.Now()
		if err := c.store.Store(evalCtx, key, stored); err != nil {
			c.metrics.ObserveCacheStore(eco, metrics.CacheStoreError, time.Since(storeStart))
			c.logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
		} else {
			c.metrics.ObserveCacheStore(eco, metrics.CacheStoreStored, time.Since(storeStart))
		}
		return decision, nil
	})
	if err != nil {
		return policy.Decision{}, false, err
	}
	return result.(policy.Decision), false, nil
}

// Size reports the number of live-or-expired entries in the backing store.
func (c *DecisionCache) Size(ctx context.Context) (int64, error) {
	return c.store.Size(ctx)
}

// Close releases the backing store.
func (c *DecisionCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}
