package upstream

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are connection-scoped and must not cross the proxy in
// either direction (RFC 9110 §7.6.1). Host is rewritten by the transport.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"host":                {},
}

// prepareRequestHeaders copies client headers minus hop-by-hop ones (plus any
// headers the Connection header nominates) and fills in defaults the package
// manager may have omitted.
func prepareRequestHeaders(in http.Header, userAgent string) http.Header {
	connectionScoped := map[string]struct{}{}
	for _, v := range in.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = strings.ToLower(strings.TrimSpace(token))
			if token != "" {
				connectionScoped[token] = struct{}{}
			}
		}
	}

	out := make(http.Header, len(in))
	for name, values := range in {
		lower := strings.ToLower(name)
		if _, hop := hopByHopHeaders[lower]; hop {
			continue
		}
		if _, scoped := connectionScoped[lower]; scoped {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", userAgent)
	}
	if out.Get("Accept") == "" {
		out.Set("Accept", "*/*")
	}
	return out
}

// RelayHeaders copies upstream response headers onto the client response,
// dropping only hop-by-hop headers; everything else is relayed verbatim.
func RelayHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
