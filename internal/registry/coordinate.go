// Package registry classifies inbound registry-protocol requests and extracts
// the package coordinate they address. Each supported ecosystem (npm, PyPI,
// Maven, NuGet) has its own URL scheme; the parser maps a request path onto a
// coordinate plus a request kind that tells the proxy whether a concrete
// artifact is being resolved.
package registry

import (
	"fmt"
	"strings"
)

// Ecosystem identifies a package registry protocol family.
type Ecosystem string

const (
	EcosystemNPM   Ecosystem = "npm"
	EcosystemPyPI  Ecosystem = "pypi"
	EcosystemMaven Ecosystem = "maven"
	EcosystemNuGet Ecosystem = "nuget"
)

// Ecosystems lists every supported ecosystem in auto-detection order. npm is
// last because its URL scheme is the most generic and would shadow the others.
var Ecosystems = []Ecosystem{EcosystemPyPI, EcosystemMaven, EcosystemNuGet, EcosystemNPM}

// ParseEcosystem maps a configuration string onto an Ecosystem. The empty
// string is valid and means "no pin, auto-detect".
func ParseEcosystem(s string) (Ecosystem, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "npm":
		return EcosystemNPM, nil
	case "pypi":
		return EcosystemPyPI, nil
	case "maven":
		return EcosystemMaven, nil
	case "nuget":
		return EcosystemNuGet, nil
	default:
		return "", fmt.Errorf("registry: unsupported ecosystem %q", s)
	}
}

// RequestKind describes what a registry request is asking for.
type RequestKind string

const (
	// KindMetadata is a package-level metadata request with no concrete
	// version, forwarded without policy evaluation.
	KindMetadata RequestKind = "metadata"
	// KindVersionMetadata is metadata for one concrete version.
	KindVersionMetadata RequestKind = "version_metadata"
	// KindArtifact is a download of a concrete artifact (tarball, wheel,
	// jar, nupkg).
	KindArtifact RequestKind = "artifact"
	// KindPassthrough marks a path the parser did not recognize. Blocking
	// unknown traffic would break unrelated registry operations (search,
	// auth, ping), so these are forwarded untouched.
	KindPassthrough RequestKind = "passthrough"
)

// Evaluated reports whether requests of this kind are subject to policy
// evaluation. Only requests naming a concrete version are evaluated.
func (k RequestKind) Evaluated() bool {
	return k == KindVersionMetadata || k == KindArtifact
}

// Coordinate identifies a package artifact within one ecosystem. It is
// immutable once constructed; Version may be empty for metadata requests.
type Coordinate struct {
	Ecosystem Ecosystem
	Name      string
	Version   string
	// GroupID carries the Maven group when the ecosystem is maven; for
	// maven coordinates Name holds "group:artifact".
	GroupID string
}

// Key returns the cache identity for the coordinate. The name is already
// normalized by the parser, so the key is stable across spelling variants.
func (c Coordinate) Key() string {
	return string(c.Ecosystem) + ":" + c.Name + ":" + c.Version
}

// String renders the coordinate for logs.
func (c Coordinate) String() string {
	if c.Version == "" {
		return string(c.Ecosystem) + ":" + c.Name
	}
	return string(c.Ecosystem) + ":" + c.Name + "@" + c.Version
}

// ParsedRequest is the dispatcher's result for one inbound request path.
type ParsedRequest struct {
	Coordinate Coordinate
	Kind       RequestKind
	RawPath    string
}
