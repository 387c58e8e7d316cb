package middleware

import (
	"net"
	"net/http"
	"strings"
)

// Extractor derives the fingerprint a rule partitions its state by. An
// empty return value means the rule does not apply to this request. The
// extractor must not read the request body.
type Extractor func(r *http.Request) string

// HeaderExtractor joins the values of the given headers into a
// fingerprint. If any header is missing the extractor yields "" and the
// rule skips the request.
func HeaderExtractor(headers ...string) Extractor {
	return func(r *http.Request) string {
		values := make([]string, 0, len(headers))
		for _, key := range headers {
			value := strings.TrimSpace(r.Header.Get(key))
			if value == "" {
				return ""
			}
			values = append(values, value)
		}
		return strings.Join(values, "-")
	}
}

// IPExtractor fingerprints requests by client IP: the first entry of
// X-Forwarded-For when trustForwarded is set, otherwise the RemoteAddr
// host.
func IPExtractor(trustForwarded bool) Extractor {
	return func(r *http.Request) string {
		return ClientIP(r, trustForwarded)
	}
}

// PathExtractor scopes another extractor by request path, so the same
// client gets an independent budget per endpoint.
func PathExtractor(inner Extractor) Extractor {
	return func(r *http.Request) string {
		fp := inner(r)
		if fp == "" {
			return ""
		}
		return r.URL.Path + ":" + fp
	}
}

// ClientIP resolves the client address of a request. With trustForwarded
// it prefers the first X-Forwarded-For entry; it always falls back to the
// RemoteAddr host.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
