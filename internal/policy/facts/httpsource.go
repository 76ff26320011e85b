package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkggate/pkggate/internal/registry"
)

// httpDoer is the minimal HTTP client surface the sources need.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxCollaboratorBody = 1 << 20

// HTTPHeuristics queries a heuristics scoring service over HTTP. The service
// answers GET {base}/score?ecosystem=&name=&version= with a flat JSON object
// of metric values.
type HTTPHeuristics struct {
	baseURL string
	client  httpDoer
}

// NewHTTPHeuristics builds a heuristics source against the given base URL.
func NewHTTPHeuristics(baseURL string, client httpDoer) *HTTPHeuristics {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHeuristics{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Score implements HeuristicsSource.
func (h *HTTPHeuristics) Score(ctx context.Context, coord registry.Coordinate) (map[string]any, error) {
	payload, err := fetchJSON(ctx, h.client, h.baseURL+"/score", coord)
	if err != nil {
		return nil, fmt.Errorf("heuristics: %w", err)
	}
	return payload, nil
}

// HTTPLicense queries a license-discovery service over HTTP. The service
// answers GET {base}/license?ecosystem=&name=&version= with
// {"id": "...", "available": bool}.
type HTTPLicense struct {
	baseURL string
	client  httpDoer
}

// NewHTTPLicense builds a license source against the given base URL.
func NewHTTPLicense(baseURL string, client httpDoer) *HTTPLicense {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLicense{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// LicenseOf implements LicenseSource.
func (l *HTTPLicense) LicenseOf(ctx context.Context, coord registry.Coordinate) (License, error) {
	payload, err := fetchJSON(ctx, l.client, l.baseURL+"/license", coord)
	if err != nil {
		return License{}, fmt.Errorf("license: %w", err)
	}
	lic := License{}
	if id, ok := payload["id"].(string); ok {
		lic.ID = id
	}
	if available, ok := payload["available"].(bool); ok {
		lic.Available = available
	}
	return lic, nil
}

func fetchJSON(ctx context.Context, client httpDoer, endpoint string, coord registry.Coordinate) (map[string]any, error) {
	query := url.Values{}
	query.Set("ecosystem", string(coord.Ecosystem))
	query.Set("name", coord.Name)
	if coord.Version != "" {
		query.Set("version", coord.Version)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCollaboratorBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload, nil
}
