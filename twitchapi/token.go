package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenURL is Twitch's OAuth token endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// refresh a little before Twitch would reject the token
const expirySkew = 60 * time.Second

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// Concurrent callers that find the token expired share a single exchange.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL defaults to DefaultTokenURL.
	TokenURL string
	// Client carries the exchange through the shared rate bucket. When nil a
	// default rate-limited client is used.
	Client *Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
	clientMu  sync.Mutex
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}
	// The exchange must not die with whichever caller happened to start it.
	v, err, shared := ts.group.Do("token", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return ts.refresh(rctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("twitch app token refresh coalesced", slog.String("component", "twitch_token"))
	}
	return v.(string), nil
}

// AuthHeader returns the headers Helix expects on every call.
func (ts *TokenSource) AuthHeader(ctx context.Context) (http.Header, error) {
	tok, err := ts.Get(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	h.Set("Client-Id", ts.ClientID)
	return h, nil
}

// Invalidate drops the cached token so the next Get performs an exchange.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

func (ts *TokenSource) cached() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.token != "" && time.Until(ts.expiresAt) > expirySkew {
		return ts.token, true
	}
	return "", false
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	tokenURL := ts.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	octx := context.WithValue(ctx, oauth2.HTTPClient, ts.client().HTTP())
	tok, err := cfg.Token(octx)
	if err != nil {
		return "", classifyTokenError(tokenURL, err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = ComputeExpiry(0)
	}

	ts.mu.Lock()
	ts.token = tok.AccessToken
	ts.expiresAt = expiresAt
	ts.mu.Unlock()
	slog.Debug("twitch app token issued", slog.Time("expires_at", expiresAt), slog.String("component", "twitch_token"))
	return tok.AccessToken, nil
}

func (ts *TokenSource) client() *Client {
	ts.clientMu.Lock()
	defer ts.clientMu.Unlock()
	if ts.Client == nil {
		ts.Client = NewClient(ClientOptions{})
	}
	return ts.Client
}

// classifyTokenError maps oauth2 failures onto the package error taxonomy.
func classifyTokenError(tokenURL string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return fmt.Errorf("twitch token request failed: %w", statusError(http.MethodPost, tokenURL, re.Response.StatusCode, string(re.Body)))
	}
	return fmt.Errorf("twitch token request failed: %w", &TransportError{Method: http.MethodPost, URL: tokenURL, Err: err})
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
