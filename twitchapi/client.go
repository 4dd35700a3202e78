// Package twitchapi contains the outbound side of the Twitch integration: a
// rate-limited HTTP client with typed errors, the app access token session,
// Helix lookups and the WebSub hub calls used to manage stream webhooks.
package twitchapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tesence/discord-bot/telemetry"
)

const maxResponseBytes = 4 << 20

// ClientOptions configures NewClient. Zero values fall back to the defaults
// Twitch documents for webhook and Helix traffic.
type ClientOptions struct {
	// Capacity is the bucket size, Per the time needed to refill it entirely.
	Capacity int
	Per      time.Duration
	// Timeout bounds every call at the transport level.
	Timeout time.Duration
	// Transport overrides http.DefaultTransport (tests rewrite hosts with it).
	Transport http.RoundTripper
}

// Client issues HTTP calls to Twitch after taking a token from a shared bucket.
// All failures are surfaced as *ClientError, *ServerError or *TransportError.
type Client struct {
	limiter *rate.Limiter
	httpc   *http.Client
}

// NewClient builds a rate-limited client.
func NewClient(opts ClientOptions) *Client {
	if opts.Capacity <= 0 {
		opts.Capacity = 800
	}
	if opts.Per <= 0 {
		opts.Per = 60 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	limiter := rate.NewLimiter(rate.Limit(float64(opts.Capacity)/opts.Per.Seconds()), opts.Capacity)
	return &Client{
		limiter: limiter,
		httpc: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &limitedTransport{base: base, limiter: limiter},
		},
	}
}

// HTTP exposes the underlying rate-limited *http.Client, e.g. for the oauth2
// token exchange which brings its own request handling.
func (c *Client) HTTP() *http.Client { return c.httpc }

// limitedTransport blocks each round trip until the bucket yields a token.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	telemetry.ObserveOutboundCall()
	return t.base.RoundTrip(req)
}

// Do performs a request and returns the response body for 2xx answers.
func (c *Client) Do(ctx context.Context, method, rawURL string, body io.Reader, header http.Header) ([]byte, error) {
	endpoint := stripQuery(rawURL)
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, endpoint, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		slog.Warn("twitch api transport error", slog.String("method", method), slog.String("url", endpoint), slog.Any("err", err), slog.String("component", "twitchapi"))
		telemetry.ObserveOutboundError("transport")
		return nil, &TransportError{Method: method, URL: endpoint, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		telemetry.ObserveOutboundError("transport")
		return nil, &TransportError{Method: method, URL: endpoint, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	snippet := strings.TrimSpace(string(data))
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	if resp.StatusCode >= 500 {
		slog.Warn("twitch api server error", slog.String("method", method), slog.String("url", endpoint), slog.Int("status", resp.StatusCode), slog.String("component", "twitchapi"))
		telemetry.ObserveOutboundError("server")
	} else {
		slog.Error("twitch api client error", slog.String("method", method), slog.String("url", endpoint), slog.Int("status", resp.StatusCode), slog.String("component", "twitchapi"))
		telemetry.ObserveOutboundError("client")
	}
	return nil, statusError(method, endpoint, resp.StatusCode, snippet)
}

// Get is a convenience wrapper around Do.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	return c.Do(ctx, http.MethodGet, rawURL, nil, header)
}

// PostForm sends form as application/x-www-form-urlencoded.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values, header http.Header) ([]byte, error) {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Do(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()), h)
}

// stripQuery keeps secrets passed as query parameters out of logs.
func stripQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
