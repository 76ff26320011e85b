// Package facts resolves the metric values the policy engine evaluates. The
// collaborators that compute heuristic scores, discover licenses, or match
// repository versions live outside this process; the resolver talks to them
// through narrow interfaces and only when a rule actually references one of
// their metrics.
package facts

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkggate/pkggate/internal/registry"
)

// Metric names resolvable without any collaborator: they derive directly from
// the request coordinate.
const (
	MetricPackageName     = "package_name"
	MetricResolvedVersion = "resolved_version"
	MetricEcosystem       = "ecosystem"
)

// Metric names served by the heuristics engine.
const (
	MetricHeuristicScore        = "heuristic_score"
	MetricStarsCount            = "stars_count"
	MetricVersionCount          = "version_count"
	MetricContributorsCount     = "contributors_count"
	MetricReleaseAgeDays        = "release_age_days"
	MetricSupplyChainTrustScore = "supply_chain_trust_score"
)

// Metric names served by license discovery and repository matching.
const (
	MetricLicenseID        = "license.id"
	MetricLicenseAvailable = "license.available"
	MetricRepoVersionMatch = "repo_version_match"
)

// License is the license-discovery collaborator's answer for one coordinate.
type License struct {
	ID        string
	Available bool
}

// HeuristicsSource scores a package coordinate. The returned map carries
// heuristic metrics keyed by metric name; a failed lookup leaves every
// heuristic metric unresolved.
type HeuristicsSource interface {
	Score(ctx context.Context, coord registry.Coordinate) (map[string]any, error)
}

// LicenseSource discovers the license of a package coordinate.
type LicenseSource interface {
	LicenseOf(ctx context.Context, coord registry.Coordinate) (License, error)
}

// RepoSource reports whether the requested version exists in the package's
// linked source repository.
type RepoSource interface {
	VersionMatch(ctx context.Context, coord registry.Coordinate) (bool, error)
}

var heuristicMetrics = map[string]struct{}{
	MetricHeuristicScore:        {},
	MetricStarsCount:            {},
	MetricVersionCount:          {},
	MetricContributorsCount:     {},
	MetricReleaseAgeDays:        {},
	MetricSupplyChainTrustScore: {},
}

// Resolver pulls metric values on demand, invoking each collaborator at most
// once per Resolve call. Nil sources simply leave their metrics unresolved.
type Resolver struct {
	heuristics HeuristicsSource
	license    LicenseSource
	repo       RepoSource
	logger     *slog.Logger

	mu           sync.Mutex
	licenseCache map[string]License
}

// NewResolver assembles a resolver over the configured collaborators. Any of
// them may be nil when the deployment has no such service.
func NewResolver(heuristics HeuristicsSource, license LicenseSource, repo RepoSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		heuristics:   heuristics,
		license:      license,
		repo:         repo,
		logger:       logger.With(slog.String("agent", "facts")),
		licenseCache: make(map[string]License),
	}
}

// Resolve returns the values for the requested metric names. Metrics a
// collaborator could not produce are absent from the result; the caller
// decides whether an unresolved metric is a violation. Collaborator errors
// are local to their metrics and never fail the whole resolution.
func (r *Resolver) Resolve(ctx context.Context, coord registry.Coordinate, names []string) map[string]any {
	resolved := make(map[string]any, len(names))
	needHeuristics := false
	needLicense := false
	needRepo := false

	for _, name := range names {
		switch name {
		case MetricPackageName:
			resolved[name] = coord.Name
		case MetricResolvedVersion:
			if coord.Version != "" {
				resolved[name] = coord.Version
			}
		case MetricEcosystem:
			resolved[name] = string(coord.Ecosystem)
		case MetricLicenseID, MetricLicenseAvailable:
			needLicense = true
		case MetricRepoVersionMatch:
			needRepo = true
		default:
			if _, ok := heuristicMetrics[name]; ok {
				needHeuristics = true
			}
		}
	}

	if needHeuristics {
		r.resolveHeuristics(ctx, coord, names, resolved)
	}
	if needLicense {
		r.resolveLicense(ctx, coord, resolved)
	}
	if needRepo {
		r.resolveRepo(ctx, coord, resolved)
	}
	return resolved
}

// ResolveAll resolves every metric the resolver knows about. Expression rules
// have no declared metric dependencies, so they evaluate against the full
// fact set.
func (r *Resolver) ResolveAll(ctx context.Context, coord registry.Coordinate) map[string]any {
	names := []string{
		MetricPackageName, MetricResolvedVersion, MetricEcosystem,
		MetricLicenseID, MetricLicenseAvailable, MetricRepoVersionMatch,
	}
	for name := range heuristicMetrics {
		names = append(names, name)
	}
	return r.Resolve(ctx, coord, names)
}

func (r *Resolver) resolveHeuristics(ctx context.Context, coord registry.Coordinate, names []string, out map[string]any) {
	if r.heuristics == nil {
		return
	}
	scores, err := r.heuristics.Score(ctx, coord)
	if err != nil {
		r.logger.Debug("heuristics unavailable",
			slog.String("package", coord.String()), slog.Any("error", err))
		return
	}
	for _, name := range names {
		if _, ok := heuristicMetrics[name]; !ok {
			continue
		}
		if value, ok := scores[name]; ok && value != nil {
			out[name] = value
		}
	}
}

func (r *Resolver) resolveLicense(ctx context.Context, coord registry.Coordinate, out map[string]any) {
	if r.license == nil {
		return
	}
	key := coord.Key()
	r.mu.Lock()
	lic, cached := r.licenseCache[key]
	r.mu.Unlock()
	if !cached {
		var err error
		lic, err = r.license.LicenseOf(ctx, coord)
		if err != nil {
			r.logger.Debug("license discovery unavailable",
				slog.String("package", coord.String()), slog.Any("error", err))
			return
		}
		r.mu.Lock()
		r.licenseCache[key] = lic
		r.mu.Unlock()
	}
	out[MetricLicenseAvailable] = lic.Available
	if lic.Available && lic.ID != "" {
		out[MetricLicenseID] = lic.ID
	}
}

func (r *Resolver) resolveRepo(ctx context.Context, coord registry.Coordinate, out map[string]any) {
	if r.repo == nil {
		return
	}
	match, err := r.repo.VersionMatch(ctx, coord)
	if err != nil {
		r.logger.Debug("repository matching unavailable",
			slog.String("package", coord.String()), slog.Any("error", err))
		return
	}
	out[MetricRepoVersionMatch] = match
}
