package twitchapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Hub modes sent in hub.mode and echoed back by the handshake.
const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModeDenied      = "denied"
)

// Subscription is a webhook lease as reported by Twitch.
type Subscription struct {
	Topic     string
	Callback  string
	ExpiresAt time.Time
}

// HubRequest is a subscribe or unsubscribe call on the WebSub hub.
type HubRequest struct {
	Mode         string
	Topic        string
	Callback     string
	Secret       string
	LeaseSeconds int
}

// ListSubscriptions pages through every lease registered for the app.
func (hc *HelixClient) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var out []Subscription
	after := ""
	for page := 0; page < 100; page++ {
		q := url.Values{}
		q.Set("first", "100")
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data []struct {
				Topic     string `json:"topic"`
				Callback  string `json:"callback"`
				ExpiresAt string `json:"expires_at"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.get(ctx, "/webhooks/subscriptions", q, &body); err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			exp, err := time.Parse(time.RFC3339, d.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("parse expires_at %q for topic %s: %w", d.ExpiresAt, d.Topic, err)
			}
			out = append(out, Subscription{Topic: d.Topic, Callback: d.Callback, ExpiresAt: exp.UTC()})
		}
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			return out, nil
		}
		after = body.Pagination.Cursor
	}
	return out, nil
}

// PostHub sends a subscribe/unsubscribe request. Twitch answers 202 and then
// confirms asynchronously through the callback handshake.
func (hc *HelixClient) PostHub(ctx context.Context, req HubRequest) error {
	form := url.Values{}
	form.Set("hub.mode", req.Mode)
	form.Set("hub.topic", req.Topic)
	form.Set("hub.callback", req.Callback)
	if req.Secret != "" {
		form.Set("hub.secret", req.Secret)
	}
	if req.Mode == ModeSubscribe && req.LeaseSeconds > 0 {
		form.Set("hub.lease_seconds", strconv.Itoa(req.LeaseSeconds))
	}
	for attempt := 0; ; attempt++ {
		header, err := hc.Tokens.AuthHeader(ctx)
		if err != nil {
			return err
		}
		_, err = hc.Client.PostForm(ctx, hc.baseURL()+"/webhooks/hub", form, header)
		if err != nil && attempt == 0 && IsUnauthorized(err) {
			hc.Tokens.Invalidate()
			continue
		}
		return err
	}
}
