package registry

import (
	"net/url"
	"regexp"
	"strings"
)

// Parser extracts package coordinates from registry request paths. It is
// stateless after construction and safe for concurrent use.
type Parser struct {
	defaultEcosystem Ecosystem
}

// NewParser builds a parser that falls back to the given ecosystem when
// auto-detection fails. With no default, unattributed passthrough traffic
// falls back to npm so it always has an upstream to forward to.
func NewParser(defaultEcosystem Ecosystem) *Parser {
	if defaultEcosystem == "" {
		defaultEcosystem = EcosystemNPM
	}
	return &Parser{defaultEcosystem: defaultEcosystem}
}

var (
	// npm: /{name} or /@scope/{name}, with an optional trailing
	// /-/{name}-{version}.tgz tarball segment or /{version}.
	npmScopedPattern   = regexp.MustCompile(`^/@([^/]+)/([^/]+)(?:/(.*))?$`)
	npmUnscopedPattern = regexp.MustCompile(`^/([^/@][^/]*)(?:/(.*))?$`)
	npmTarballPattern  = regexp.MustCompile(`^-/(.+)-(\d+\.\d+\.\d+(?:-[a-zA-Z0-9.-]+)?(?:\+[a-zA-Z0-9.-]+)?)\.tgz$`)

	// PyPI: PEP 503 simple index, the JSON API, and package downloads.
	pypiSimplePattern = regexp.MustCompile(`^/simple/([^/]+)/?$`)
	pypiJSONPattern   = regexp.MustCompile(`^/pypi/([^/]+)(?:/([^/]+))?/json$`)
	// sdist/zip: greedy name, version starts with a digit and contains no
	// hyphens (PEP 440 normalized versions never do).
	pypiSdistPattern = regexp.MustCompile(`^/packages/[^/]+/[^/]+/[^/]+/(.*)-(\d[^-]*)\.(?:tar\.gz|zip)$`)
	// wheel (PEP 427): {name}-{version}(-{build})?-{python}-{abi}-{platform}.whl
	pypiWheelPattern = regexp.MustCompile(`^/packages/[^/]+/[^/]+/[^/]+/([^-]+)-([^-]+)(?:-[^-]+){3,4}\.whl$`)

	pypiNormalizePattern = regexp.MustCompile(`[-_.]+`)

	// NuGet: v3 registration and flat-container layouts.
	nugetRegistrationPattern  = regexp.MustCompile(`^/v3/registration\d*(?:-[^/]+)?/([^/]+)(?:/index\.json|/(\d+\.\d+\.\d+[a-zA-Z0-9.-]*)\.json)?$`)
	nugetFlatContainerPattern = regexp.MustCompile(`^/v3-flatcontainer/([^/]+)(?:/index\.json|/(\d+\.\d+\.\d+[a-zA-Z0-9.-]*)(?:/(.*))?)?$`)

	mavenArtifactExtensions = map[string]struct{}{
		"jar": {}, "pom": {}, "war": {}, "aar": {},
	}
)

// Parse classifies a request path. When hint is non-empty only that
// ecosystem's patterns are tried; otherwise auto-detection walks the
// ecosystems in specificity order. A path no pattern recognizes resolves to
// KindPassthrough, never an error: the proxy forwards what it cannot
// attribute.
func (p *Parser) Parse(path string, hint Ecosystem) ParsedRequest {
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if hint != "" {
		if parsed, ok := p.parseFor(path, hint); ok {
			return parsed
		}
		return passthrough(path, hint)
	}

	for _, eco := range Ecosystems {
		if parsed, ok := p.parseFor(path, eco); ok && parsed.Coordinate.Name != "" {
			return parsed
		}
	}
	return passthrough(path, p.defaultEcosystem)
}

func passthrough(path string, eco Ecosystem) ParsedRequest {
	return ParsedRequest{
		Coordinate: Coordinate{Ecosystem: eco},
		Kind:       KindPassthrough,
		RawPath:    path,
	}
}

func (p *Parser) parseFor(path string, eco Ecosystem) (ParsedRequest, bool) {
	switch eco {
	case EcosystemNPM:
		return parseNPM(path)
	case EcosystemPyPI:
		return parsePyPI(path)
	case EcosystemMaven:
		return parseMaven(path)
	case EcosystemNuGet:
		return parseNuGet(path)
	default:
		return ParsedRequest{}, false
	}
}

func parseNPM(path string) (ParsedRequest, bool) {
	if m := npmScopedPattern.FindStringSubmatch(path); m != nil {
		name := "@" + m[1] + "/" + m[2]
		return npmRequest(path, name, m[3])
	}
	if m := npmUnscopedPattern.FindStringSubmatch(path); m != nil {
		name := m[1]
		// Registry service paths, not packages.
		if name == "-" || name == "_" || name == "favicon.ico" {
			return ParsedRequest{}, false
		}
		return npmRequest(path, name, m[2])
	}
	return ParsedRequest{}, false
}

func npmRequest(path, name, rest string) (ParsedRequest, bool) {
	coord := Coordinate{Ecosystem: EcosystemNPM, Name: name}
	if rest == "" {
		return ParsedRequest{Coordinate: coord, Kind: KindMetadata, RawPath: path}, true
	}
	if m := npmTarballPattern.FindStringSubmatch(rest); m != nil {
		coord.Version = m[2]
		return ParsedRequest{Coordinate: coord, Kind: KindArtifact, RawPath: path}, true
	}
	if strings.HasPrefix(rest, "-/") && strings.HasSuffix(rest, ".tgz") {
		// Tarball filename with a version the strict pattern did not
		// recognize; split on the final hyphen as a best effort.
		filename := strings.TrimSuffix(strings.TrimPrefix(rest, "-/"), ".tgz")
		if idx := strings.LastIndex(filename, "-"); idx > 0 && idx < len(filename)-1 {
			coord.Version = filename[idx+1:]
			return ParsedRequest{Coordinate: coord, Kind: KindArtifact, RawPath: path}, true
		}
	}
	if strings.HasPrefix(rest, "-") {
		// "/-/..." service routes under a package prefix.
		return ParsedRequest{Coordinate: coord, Kind: KindMetadata, RawPath: path}, true
	}
	coord.Version = rest
	return ParsedRequest{Coordinate: coord, Kind: KindVersionMetadata, RawPath: path}, true
}

// normalizePyPIName applies PEP 503 normalization.
func normalizePyPIName(name string) string {
	return pypiNormalizePattern.ReplaceAllString(strings.ToLower(name), "-")
}

func parsePyPI(path string) (ParsedRequest, bool) {
	if m := pypiSimplePattern.FindStringSubmatch(path); m != nil {
		coord := Coordinate{Ecosystem: EcosystemPyPI, Name: normalizePyPIName(m[1])}
		return ParsedRequest{Coordinate: coord, Kind: KindMetadata, RawPath: path}, true
	}
	if m := pypiJSONPattern.FindStringSubmatch(path); m != nil {
		coord := Coordinate{Ecosystem: EcosystemPyPI, Name: normalizePyPIName(m[1]), Version: m[2]}
		kind := KindMetadata
		if coord.Version != "" {
			kind = KindVersionMetadata
		}
		return ParsedRequest{Coordinate: coord, Kind: kind, RawPath: path}, true
	}
	if m := pypiSdistPattern.FindStringSubmatch(path); m != nil {
		coord := Coordinate{Ecosystem: EcosystemPyPI, Name: normalizePyPIName(m[1]), Version: m[2]}
		return ParsedRequest{Coordinate: coord, Kind: KindArtifact, RawPath: path}, true
	}
	if m := pypiWheelPattern.FindStringSubmatch(path); m != nil {
		coord := Coordinate{Ecosystem: EcosystemPyPI, Name: normalizePyPIName(m[1]), Version: m[2]}
		return ParsedRequest{Coordinate: coord, Kind: KindArtifact, RawPath: path}, true
	}
	return ParsedRequest{}, false
}

// parseMaven walks path segments instead of matching one regular expression:
// the group id spans a variable number of directories and the version must be
// read from the artifact filename, not just its directory.
func parseMaven(path string) (ParsedRequest, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ParsedRequest{}, false
	}
	segments := strings.Split(trimmed, "/")
	if segments[0] == "maven2" {
		segments = segments[1:]
	}
	if len(segments) < 3 {
		return ParsedRequest{}, false
	}
	last := segments[len(segments)-1]

	if last == "maven-metadata.xml" {
		dirs := segments[:len(segments)-1]
		if len(dirs) >= 3 && looksLikeMavenVersion(dirs[len(dirs)-1]) {
			// .../{group}/{artifact}/{version}/maven-metadata.xml
			version := dirs[len(dirs)-1]
			artifact := dirs[len(dirs)-2]
			group := strings.Join(dirs[:len(dirs)-2], ".")
			coord := Coordinate{
				Ecosystem: EcosystemMaven,
				Name:      group + ":" + artifact,
				Version:   version,
				GroupID:   group,
			}
			return ParsedRequest{Coordinate: coord, Kind: KindVersionMetadata, RawPath: path}, true
		}
		if len(dirs) < 2 {
			return ParsedRequest{}, false
		}
		artifact := dirs[len(dirs)-1]
		group := strings.Join(dirs[:len(dirs)-1], ".")
		coord := Coordinate{
			Ecosystem: EcosystemMaven,
			Name:      group + ":" + artifact,
			GroupID:   group,
		}
		return ParsedRequest{Coordinate: coord, Kind: KindMetadata, RawPath: path}, true
	}

	ext := strings.TrimPrefix(strings.ToLower(lastDotSuffix(last)), ".")
	if _, ok := mavenArtifactExtensions[ext]; !ok {
		return ParsedRequest{}, false
	}
	if len(segments) < 4 {
		return ParsedRequest{}, false
	}
	dirVersion := segments[len(segments)-2]
	artifact := segments[len(segments)-3]
	group := strings.Join(segments[:len(segments)-3], ".")

	// The filename must be {artifact}-{version}[-classifier].{ext} with the
	// version matching the directory, so the version is read from the file
	// itself rather than trusted from the path.
	base := strings.TrimSuffix(last, "."+ext)
	if !strings.HasPrefix(base, artifact+"-") {
		return ParsedRequest{}, false
	}
	fileVersion := strings.TrimPrefix(base, artifact+"-")
	if fileVersion != dirVersion && !strings.HasPrefix(fileVersion, dirVersion+"-") {
		return ParsedRequest{}, false
	}
	coord := Coordinate{
		Ecosystem: EcosystemMaven,
		Name:      group + ":" + artifact,
		Version:   dirVersion,
		GroupID:   group,
	}
	return ParsedRequest{Coordinate: coord, Kind: KindArtifact, RawPath: path}, true
}

func looksLikeMavenVersion(segment string) bool {
	if segment == "" {
		return false
	}
	if segment[0] >= '0' && segment[0] <= '9' {
		return true
	}
	if strings.HasPrefix(segment, "v") {
		return true
	}
	return strings.Contains(segment, "-SNAPSHOT")
}

func lastDotSuffix(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx:]
}

func parseNuGet(path string) (ParsedRequest, bool) {
	if m := nugetRegistrationPattern.FindStringSubmatch(path); m != nil {
		coord := Coordinate{Ecosystem: EcosystemNuGet, Name: strings.ToLower(m[1]), Version: m[2]}
		kind := KindMetadata
		if coord.Version != "" {
			kind = KindVersionMetadata
		}
		return ParsedRequest{Coordinate: coord, Kind: kind, RawPath: path}, true
	}
	if m := nugetFlatContainerPattern.FindStringSubmatch(path); m != nil {
		coord := Coordinate{Ecosystem: EcosystemNuGet, Name: strings.ToLower(m[1]), Version: m[2]}
		kind := KindMetadata
		switch {
		case coord.Version != "" && strings.HasSuffix(path, ".nupkg"):
			kind = KindArtifact
		case coord.Version != "":
			kind = KindVersionMetadata
		}
		return ParsedRequest{Coordinate: coord, Kind: kind, RawPath: path}, true
	}
	return ParsedRequest{}, false
}
