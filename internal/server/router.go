package server

import (
	"net/http"
	"strings"
)

// ProxyHTTP defines the minimal surface the lifecycle router needs from the
// interception pipeline to serve HTTP requests.
type ProxyHTTP interface {
	ServeHTTP(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
}

// NewProxyHandler wires the HTTP routing facade to the interception pipeline.
// Health and metrics endpoints are served locally; everything else is registry
// traffic and goes through the proxy.
func NewProxyHandler(p ProxyHTTP, metricsHandler http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "proxy unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimSuffix(r.URL.Path, "/") {
		case "/_health", "/healthz":
			p.ServeHealth(w, r)
		case "/metrics":
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		default:
			p.ServeHTTP(w, r)
		}
	})
}
