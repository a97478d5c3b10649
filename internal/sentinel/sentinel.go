// Package sentinel applies the fixed security-header catalogue and
// rate-limit telemetry headers to every outbound response.
//
// The header set is deterministic: values are static constants, never
// derived from the request. The only side effect is the per-request
// audit log line.
package sentinel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nvll/nvll-web/internal/log"
)

// DefaultAllowOrigin is the fixed cross-origin allow-list served on
// every response.
const DefaultAllowOrigin = "https://nvll.me, https://www.nvll.me, https://nvll.deno.dev"

var permissionsPolicy = strings.Join([]string{
	"accelerometer=()",
	"autoplay=()",
	"camera=()",
	"cross-origin-isolated=()",
	"display-capture=()",
	"encrypted-media=()",
	"fullscreen=()",
	"geolocation=()",
	"gyroscope=()",
	"keyboard-map=()",
	"magnetometer=()",
	"microphone=()",
	"midi=()",
	"payment=()",
	"picture-in-picture=()",
	"publickey-credentials-get=()",
	"screen-wake-lock=()",
	"sync-xhr=()",
	"usb=()",
	"web-share=()",
	"xr-spatial-tracking=()",
}, ", ")

var contentSecurityPolicy = strings.Join([]string{
	"default-src 'self'",
	"script-src 'self' 'unsafe-inline' 'unsafe-eval' https:",
	"script-src-attr 'none'",
	"upgrade-insecure-requests",
	"base-uri 'self'",
	"form-action 'self'",
	"connect-src 'self' https:",
	"img-src 'self' https: data:",
	"style-src 'self' 'unsafe-inline' https:",
	"font-src 'self' https: data:",
	"frame-ancestors 'self'",
	"object-src 'none'",
}, "; ") + ";"

// fingerprint headers removed from every response to avoid leaking
// server/framework identity
var strippedHeaders = []string{
	"Server",
	"X-Powered-By",
	"X-AspNet-Version",
	"X-AspNetMvc-Version",
}

// Policy produces the hardening header set. It holds no per-request
// state; Apply is idempotent for identical rate-limit inputs.
type Policy struct {
	allowOrigin string
	quota       int
	logger      log.Logger
}

type Option func(*Policy)

// WithAllowOrigin overrides the Access-Control-Allow-Origin allow-list.
func WithAllowOrigin(origins string) Option {
	return func(p *Policy) { p.allowOrigin = origins }
}

// WithQuota sets the quota denominator used in the X-Rate-Limit headers.
func WithQuota(quota int) Option {
	return func(p *Policy) { p.quota = quota }
}

// WithLogger sets the logger used for audit lines. Defaults to a nop.
func WithLogger(l log.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

func New(opts ...Option) *Policy {
	p := &Policy{
		allowOrigin: DefaultAllowOrigin,
		quota:       1000,
		logger:      log.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply sets the full hardening catalogue plus the two rate-limit
// telemetry headers, and strips fingerprint headers. count is the
// client's current request count within the rate window.
func (p *Policy) Apply(h http.Header, count int) {
	h.Set("Access-Control-Allow-Origin", p.allowOrigin)
	// Prevent caching of sensitive information.
	h.Set("Cache-Control", "no-store, max-age=0")
	h.Set("Content-Security-Policy", contentSecurityPolicy)
	h.Set("Cross-Origin-Embedder-Policy", "require-corp")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	h.Set("Expect-CT", "max-age=86400, enforce")
	h.Set("Expires", "0")
	h.Set("Origin-Agent-Cluster", "?1")
	h.Set("Permissions-Policy", permissionsPolicy)
	h.Set("Pragma", "no-cache")
	h.Set("Referrer-Policy", "no-referrer")
	// Require HTTPS for two years, including subdomains, and allow preload
	h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains; preload")
	h.Set("Timing-Allow-Origin", "same-origin")
	// Disable MIME type sniffing
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-DNS-Prefetch-Control", "off")
	h.Set("X-Download-Options", "noopen")
	// Clickjacking protection
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("X-Permitted-Cross-Domain-Policies", "none")
	h.Set("X-Rate-Limit", fmt.Sprintf("%d/%d", count, p.quota))
	h.Set("X-Rate-Limit-Remaining", strconv.Itoa(max(0, p.quota-count)))
	h.Set("X-XSS-Protection", "1; mode=block")

	for _, name := range strippedHeaders {
		h.Del(name)
	}
}

// Audit emits the per-request log line. Offline analysis only, never
// control flow.
func (p *Policy) Audit(ctx context.Context, remoteIP, method string, status int, elapsed time.Duration, path string) {
	p.logger.Info(ctx, "request protected",
		"client.address", remoteIP,
		"http.request.method", method,
		"http.response.status_code", status,
		"http.server.request.duration", elapsed.Seconds(),
		"url.path", path,
	)
}
