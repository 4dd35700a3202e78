package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DefaultHelixURL is the Helix API root.
const DefaultHelixURL = "https://api.twitch.tv/helix"

// HelixClient provides the Helix lookups the relay needs: user resolution,
// game names and live stream status, plus the WebSub hub calls in hub.go.
type HelixClient struct {
	BaseURL string
	Tokens  *TokenSource
	Client  *Client
}

// User is the subset of a Helix user the relay cares about.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Game is a Helix game (category).
type Game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Stream is a live Helix stream.
type Stream struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
	GameID    string `json:"game_id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	StartedAt string `json:"started_at"`
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixURL
}

// get performs an authenticated GET and decodes the JSON answer into out. A 401
// invalidates the cached app token and the call is retried once.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	rawURL := hc.baseURL() + path
	if len(q) > 0 {
		rawURL += "?" + q.Encode()
	}
	for attempt := 0; ; attempt++ {
		header, err := hc.Tokens.AuthHeader(ctx)
		if err != nil {
			return err
		}
		body, err := hc.Client.Get(ctx, rawURL, header)
		if err != nil {
			if attempt == 0 && IsUnauthorized(err) {
				hc.Tokens.Invalidate()
				continue
			}
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
}

// GetUsersByLogin resolves login names to users. Unknown logins are absent from
// the result.
func (hc *HelixClient) GetUsersByLogin(ctx context.Context, logins ...string) ([]User, error) {
	return hc.getUsers(ctx, "login", logins)
}

// GetUsersByID resolves user ids to users.
func (hc *HelixClient) GetUsersByID(ctx context.Context, ids ...string) ([]User, error) {
	return hc.getUsers(ctx, "id", ids)
}

func (hc *HelixClient) getUsers(ctx context.Context, key string, values []string) ([]User, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("no user %s given", key)
	}
	q := url.Values{}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			q.Add(key, strings.ToLower(v))
		}
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.get(ctx, "/users", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetGames resolves game ids to games.
func (hc *HelixClient) GetGames(ctx context.Context, ids ...string) ([]Game, error) {
	q := url.Values{}
	for _, id := range ids {
		if id != "" {
			q.Add("id", id)
		}
	}
	if len(q) == 0 {
		return nil, nil
	}
	var body struct {
		Data []Game `json:"data"`
	}
	if err := hc.get(ctx, "/games", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetStreams returns the live streams among userIDs.
func (hc *HelixClient) GetStreams(ctx context.Context, userIDs ...string) ([]Stream, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, id := range userIDs {
		q.Add("user_id", id)
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
