package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProxy(t *testing.T, upstream string) *Proxy {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := New(upstream, 5*time.Second, log)
	require.NoError(t, err)
	return p
}

func TestProxyForwardsRequest(t *testing.T) {
	var gotPath, gotHost string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHost = r.Host
		w.Header().Set("X-Upstream", "yes")
		w.Write([]byte("hello"))
	}))
	defer up.Close()

	p := newProxy(t, up.URL)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed/subscriptions?page=2", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "/feed/subscriptions", gotPath)

	u, _ := url.Parse(up.URL)
	assert.Equal(t, u.Host, gotHost)
}

func TestProxyRewritesSetCookie(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "SID=abc123; Domain=upstream.example; Path=/; Secure; HttpOnly; SameSite=None")
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	p := newProxy(t, up.URL)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	cookie := rec.Header().Get("Set-Cookie")
	assert.Contains(t, cookie, "SID=abc123")
	assert.Contains(t, cookie, "HttpOnly")
	assert.Contains(t, cookie, "SameSite=Lax")
	assert.NotContains(t, cookie, "Domain=")
	assert.NotContains(t, cookie, "Secure")
}

func TestProxyRewritesAbsoluteLocation(t *testing.T) {
	var upstreamHost string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+upstreamHost+"/feed/popular?x=1")
		w.WriteHeader(http.StatusFound)
	}))
	defer up.Close()
	u, _ := url.Parse(up.URL)
	upstreamHost = u.Host

	p := newProxy(t, up.URL)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed/trending", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/feed/popular?x=1", rec.Header().Get("Location"))
}

func TestProxyKeepsForeignRedirects(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://elsewhere.example/page")
		w.WriteHeader(http.StatusFound)
	}))
	defer up.Close()

	p := newProxy(t, up.URL)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "https://elsewhere.example/page", rec.Header().Get("Location"))
}

func TestProxyUpstreamDown(t *testing.T) {
	// Point at a closed port.
	p := newProxy(t, "http://127.0.0.1:1")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "upstream unavailable")
}

func TestNewRejectsRelativeURL(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New("not-a-url", time.Second, log)
	require.Error(t, err)
}

func TestRewriteSetCookieBare(t *testing.T) {
	assert.Equal(t, "k=v; SameSite=Lax", rewriteSetCookie("k=v"))
}
