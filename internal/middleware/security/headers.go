package security

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HeadersConfig describes the response headers added to every ledger
// response. Empty strings disable a header.
type HeadersConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	OpenerPolicy          string
	ResourcePolicy        string

	// HSTS is sent only on HTTPS requests; zero disables it.
	HSTS                  time.Duration
	HSTSIncludeSubdomains bool

	// TrustForwardedProto treats X-Forwarded-Proto: https as HTTPS.
	TrustForwardedProto bool

	// NoStore marks responses uncacheable; ledger, rate and report
	// bodies change on every write.
	NoStore bool
}

// DefaultHeadersConfig locks the JSON API down: nothing is framed,
// embedded, cached or sniffed.
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'",
		FrameOptions:          "DENY",
		ReferrerPolicy:        "no-referrer",
		PermissionsPolicy:     "geolocation=(), microphone=(), camera=(), payment=()",
		OpenerPolicy:          "same-origin",
		ResourcePolicy:        "same-origin",
		HSTS:                  365 * 24 * time.Hour,
		HSTSIncludeSubdomains: true,
		TrustForwardedProto:   true,
		NoStore:               true,
	}
}

type header struct{ key, value string }

// HeadersMiddleware writes a header set computed once from HeadersConfig.
type HeadersMiddleware struct {
	static     []header
	hsts       string
	trustProto bool
}

func NewHeadersMiddleware(cfg HeadersConfig) *HeadersMiddleware {
	h := &HeadersMiddleware{trustProto: cfg.TrustForwardedProto}

	add := func(key, value string) {
		if value != "" {
			h.static = append(h.static, header{key, value})
		}
	}
	add("X-Content-Type-Options", "nosniff")
	add("X-Frame-Options", cfg.FrameOptions)
	add("Content-Security-Policy", cfg.ContentSecurityPolicy)
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Permissions-Policy", cfg.PermissionsPolicy)
	add("Cross-Origin-Opener-Policy", cfg.OpenerPolicy)
	add("Cross-Origin-Resource-Policy", cfg.ResourcePolicy)
	if cfg.NoStore {
		add("Cache-Control", "no-store")
	}

	if secs := int64(cfg.HSTS / time.Second); secs > 0 {
		h.hsts = fmt.Sprintf("max-age=%d", secs)
		if cfg.HSTSIncludeSubdomains {
			h.hsts += "; includeSubDomains"
		}
	}
	return h
}

func (h *HeadersMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dst := w.Header()
		for _, kv := range h.static {
			dst.Set(kv.key, kv.value)
		}
		if h.hsts != "" && h.isHTTPS(r) {
			dst.Set("Strict-Transport-Security", h.hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HeadersMiddleware) isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return h.trustProto && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
