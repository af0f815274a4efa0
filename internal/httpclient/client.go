// Package httpclient provides the outbound HTTP client used for companion
// and thumbnail requests: retries with exponential backoff, a circuit
// breaker per client, transparent decompression, and URL redaction in logs.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/vidarr/vidarr/internal/version"
)

// Errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

const (
	defaultTimeout       = 30 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second
	acceptEncodings      = "gzip, deflate, br"
)

// Config holds client tunables. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// BreakerThreshold is consecutive failures before the circuit opens;
	// BreakerCooldown is how long it stays open.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	UserAgent string
	Logger    *slog.Logger

	// Decompress enables transparent response decompression. Stream
	// downloads disable it: raw bytes must land on disk untouched.
	Decompress bool

	// Base is the underlying http.Client; nil gets a default.
	Base *http.Client
}

// DefaultConfig returns the tunables used by the companion client.
func DefaultConfig() Config {
	return Config{
		Timeout:          defaultTimeout,
		RetryAttempts:    defaultRetryAttempts,
		RetryDelay:       defaultRetryDelay,
		RetryMaxDelay:    defaultRetryMaxDelay,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		UserAgent:        version.UserAgent(),
		Logger:           slog.Default(),
		Decompress:       true,
	}
}

// Client is the retrying, breaker-guarded HTTP client.
type Client struct {
	cfg     Config
	base    *http.Client
	breaker *Breaker
	logger  *slog.Logger
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cfg.Base
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  cfg.Logger,
	}
}

// Do executes the request with retries and breaker gating. The response body
// is transparently decompressed when Decompress is set.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get("User-Agent") == "" && c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Decompress && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncodings)
	}

	var lastErr error
	delay := c.cfg.RetryDelay

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.cfg.RetryMaxDelay {
				delay = c.cfg.RetryMaxDelay
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("request skipped, circuit open",
				slog.String("url", redactURL(req.URL)))
			continue
		}

		start := time.Now()
		resp, err := c.base.Do(req.WithContext(ctx))
		elapsed := time.Since(start)

		if err != nil {
			c.breaker.RecordFailure()
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			c.logger.Warn("request failed",
				slog.String("url", redactURL(req.URL)),
				slog.Duration("elapsed", elapsed),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		if retryableStatus(resp.StatusCode) {
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			resp.Body.Close()
			c.logger.Warn("retryable status",
				slog.String("url", redactURL(req.URL)),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			continue
		}

		c.breaker.RecordSuccess()
		c.logger.Debug("request completed",
			slog.String("url", redactURL(req.URL)),
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", elapsed),
		)
		if c.cfg.Decompress {
			resp.Body = decompressBody(resp, c.logger)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// Get performs a GET against rawURL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// GetJSON performs a GET and decodes the 200 response body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// BreakerState exposes the breaker state for the status endpoint.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// decompressBody wraps the body with the decoder named by Content-Encoding.
func decompressBody(resp *http.Response, log *slog.Logger) io.ReadCloser {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "":
		return resp.Body
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			log.Warn("bad gzip stream, passing raw body", slog.String("error", err.Error()))
			return resp.Body
		}
		return &decodedBody{r: zr, underlying: resp.Body}
	case "deflate":
		return &decodedBody{r: flate.NewReader(resp.Body), underlying: resp.Body}
	case "br":
		return &decodedBody{r: brotli.NewReader(resp.Body), underlying: resp.Body}
	default:
		return resp.Body
	}
}

type decodedBody struct {
	r          io.Reader
	underlying io.Closer
}

func (d *decodedBody) Read(p []byte) (int, error) { return d.r.Read(p) }

func (d *decodedBody) Close() error {
	if c, ok := d.r.(io.Closer); ok {
		c.Close()
	}
	return d.underlying.Close()
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// redactedParams are query parameters that never appear in logs. Companion
// URLs carry the signing token in the query string.
var redactedParams = []string{"token", "secret", "key", "api_key", "auth", "signature", "sig"}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	q := clean.Query()
	for _, p := range redactedParams {
		if q.Has(p) {
			q.Set(p, "***")
		}
	}
	clean.RawQuery = q.Encode()
	return clean.String()
}
