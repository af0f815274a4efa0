// Package proxy forwards uncached requests to the upstream frontend,
// rewriting cookies and redirects so the browser keeps talking to us.
package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// hopByHopHeaders never cross a proxy boundary.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is a reverse proxy to the upstream frontend.
type Proxy struct {
	upstream *url.URL
	inner    *httputil.ReverseProxy
	logger   *slog.Logger
}

// New creates a Proxy for the given upstream base URL.
func New(upstreamURL string, timeout time.Duration, log *slog.Logger) (*Proxy, error) {
	if log == nil {
		log = slog.Default()
	}
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", upstreamURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	p := &Proxy{
		upstream: target,
		logger:   log.With("component", "proxy"),
	}
	p.inner = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			stripHopByHop(pr.Out.Header)
		},
		ModifyResponse: p.rewriteResponse,
		ErrorHandler:   p.badGateway,
		Transport: &http.Transport{
			ResponseHeaderTimeout: timeout,
		},
	}
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.inner.ServeHTTP(w, r)
}

// rewriteResponse adjusts cookies and redirects so the client session stays
// bound to this host instead of the upstream one.
func (p *Proxy) rewriteResponse(resp *http.Response) error {
	stripHopByHop(resp.Header)

	if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
		resp.Header.Del("Set-Cookie")
		for _, c := range cookies {
			resp.Header.Add("Set-Cookie", rewriteSetCookie(c))
		}
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		if rewritten, ok := rewriteLocation(loc, p.upstream); ok {
			resp.Header.Set("Location", rewritten)
		}
	}
	return nil
}

func (p *Proxy) badGateway(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Warn("upstream request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": "upstream unavailable",
	})
}

func stripHopByHop(h http.Header) {
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// rewriteSetCookie drops the Domain and Secure attributes so the cookie
// binds to whatever host the client reached us on, and forces SameSite=Lax
// so top-level navigations keep the session.
func rewriteSetCookie(raw string) string {
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts)+1)
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "domain="):
			continue
		case lower == "secure":
			continue
		case strings.HasPrefix(lower, "samesite="):
			continue
		}
		out = append(out, trimmed)
	}
	out = append(out, "SameSite=Lax")
	return strings.Join(out, "; ")
}

// rewriteLocation converts absolute redirects pointing at the upstream host
// into path-relative ones. Redirects to other hosts pass through untouched.
func rewriteLocation(loc string, upstream *url.URL) (string, bool) {
	u, err := url.Parse(loc)
	if err != nil || u.Host == "" {
		return "", false
	}
	if !strings.EqualFold(u.Host, upstream.Host) {
		return "", false
	}
	u.Scheme = ""
	u.Host = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), true
}
