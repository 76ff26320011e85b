// Package cache holds policy decisions keyed by package coordinate. Entries
// expire by TTL; concurrent evaluations for the same coordinate are coalesced
// so a burst of parallel installs triggers a single evaluation.
package cache

import (
	"context"
	"time"

	"github.com/pkggate/pkggate/internal/policy"
)

// Entry pairs a decision with its expiry.
type Entry struct {
	Decision  policy.Decision `json:"decision"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Store is the backing map for decision entries. Implementations must be
// safe for concurrent use and expire entries lazily on Lookup.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
