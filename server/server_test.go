package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tesence/discord-bot/bindings"
	"github.com/tesence/discord-bot/presence"
	"github.com/tesence/discord-bot/subscription"
	"github.com/tesence/discord-bot/tracking"
)

type fakeTracker struct {
	tracked   []string
	channel   bindings.Channel
	tags      *string
	untracked []string
	features  map[string]bool
	listErr   error
	trackErr  error
	report    subscription.Report
}

func (f *fakeTracker) Track(_ context.Context, channel bindings.Channel, logins []string, tags *string) (tracking.Result, error) {
	if f.trackErr != nil {
		return tracking.Result{}, f.trackErr
	}
	f.channel, f.tags = channel, tags
	f.tracked = append(f.tracked, logins...)
	return tracking.Result{
		Identities: []bindings.Identity{{ID: "1", Login: "alice"}},
		Changed:    []bindings.Identity{{ID: "1", Login: "alice"}},
		LeaseErr:   errors.New("hub down"),
	}, nil
}

func (f *fakeTracker) Untrack(_ context.Context, channelID string, logins []string) (tracking.Result, error) {
	if len(logins) == 0 {
		return tracking.Result{}, tracking.ErrNoLogins
	}
	f.untracked = append(f.untracked, channelID)
	return tracking.Result{}, nil
}

func (f *fakeTracker) List(_ context.Context, guildID string) ([]bindings.Listing, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if guildID == "empty" {
		return nil, nil
	}
	return []bindings.Listing{{ChannelID: "A", ChannelName: "alerts", GuildID: "g1", IdentityID: "1", Login: "alice"}}, nil
}

func (f *fakeTracker) SetFeature(_ context.Context, guildID, feature string, enabled bool) error {
	if f.features == nil {
		f.features = map[string]bool{}
	}
	f.features[guildID+"/"+feature] = enabled
	return nil
}

func (f *fakeTracker) Reconcile(context.Context) (subscription.Report, error) {
	return f.report, nil
}

type fakePresence struct{}

func (fakePresence) Notifications() []presence.NotificationView {
	return []presence.NotificationView{
		{IdentityID: "1", Login: "alice", NotificationRef: presence.NotificationRef{ChannelID: "A", MessageID: "m1", Online: true}, State: "online"},
		{IdentityID: "2", Login: "bob", NotificationRef: presence.NotificationRef{ChannelID: "A", MessageID: "m2"}, State: "offline"},
	}
}

func (fakePresence) Snapshots() []presence.SnapshotView {
	return []presence.SnapshotView{{IdentityID: "1", Login: "alice", Online: true}, {IdentityID: "2", Login: "bob"}}
}

func newTestMux(t *testing.T, tracker *fakeTracker) http.Handler {
	t.Helper()
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, Deps{Tracker: tracker, Presence: fakePresence{}, Pending: subscription.NewPending(), Version: "test"})
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	rr := do(newTestMux(t, &fakeTracker{}), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id")
	}
}

func TestReadyz(t *testing.T) {
	rr := do(newTestMux(t, &fakeTracker{}), http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("ready: status = %d", rr.Code)
	}

	rr = do(newTestMux(t, &fakeTracker{listErr: errors.New("db down")}), http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready: status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["failed_check"] != "bindings" {
		t.Errorf("failed_check = %q", body["failed_check"])
	}
}

func TestStatus(t *testing.T) {
	rr := do(newTestMux(t, &fakeTracker{}), http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Version       string `json:"version"`
		Live          int    `json:"live"`
		Notifications int    `json:"notifications"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Version != "test" || body.Live != 1 || body.Notifications != 2 {
		t.Errorf("status body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := do(newTestMux(t, &fakeTracker{}), http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAdminStreamsTrack(t *testing.T) {
	tracker := &fakeTracker{}
	h := newTestMux(t, tracker)

	rr := do(h, http.MethodPost, "/admin/streams", `{"channel_id":"A","channel_name":"alerts","guild_id":"g1","logins":["alice"],"tags":"@everyone"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if tracker.channel.ID != "A" || tracker.channel.GuildID != "g1" {
		t.Errorf("channel = %+v", tracker.channel)
	}
	if tracker.tags == nil || *tracker.tags != "@everyone" {
		t.Errorf("tags = %v", tracker.tags)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["lease_error"] != "hub down" {
		t.Errorf("lease_error = %v", body["lease_error"])
	}
}

func TestAdminStreamsValidation(t *testing.T) {
	h := newTestMux(t, &fakeTracker{})
	tests := []struct {
		name   string
		method string
		body   string
	}{
		{"missing channel", http.MethodPost, `{"guild_id":"g1","logins":["a"]}`},
		{"unknown field", http.MethodPost, `{"channel_id":"A","guild_id":"g1","bogus":1}`},
		{"bad json", http.MethodPost, `{`},
		{"untrack without logins", http.MethodDelete, `{"channel_id":"A"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := do(h, tt.method, "/admin/streams", tt.body); rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestAdminStreamsTrackUpstreamFailure(t *testing.T) {
	h := newTestMux(t, &fakeTracker{trackErr: errors.New("helix down")})
	rr := do(h, http.MethodPost, "/admin/streams", `{"channel_id":"A","guild_id":"g1","logins":["alice"]}`)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
}

func TestAdminStreamsListAndUntrack(t *testing.T) {
	tracker := &fakeTracker{}
	h := newTestMux(t, tracker)

	rr := do(h, http.MethodGet, "/admin/streams?guild_id=empty", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty list: %d %q", rr.Code, rr.Body.String())
	}
	rr = do(h, http.MethodGet, "/admin/streams?guild_id=g1", "")
	var listing []bindings.Listing
	if err := json.Unmarshal(rr.Body.Bytes(), &listing); err != nil || len(listing) != 1 {
		t.Fatalf("listing = %v, %v", listing, err)
	}

	rr = do(h, http.MethodDelete, "/admin/streams", `{"channel_id":"A","logins":["alice"]}`)
	if rr.Code != http.StatusOK || len(tracker.untracked) != 1 {
		t.Errorf("untrack: status = %d untracked = %v", rr.Code, tracker.untracked)
	}
}

func TestAdminNotificationsFilter(t *testing.T) {
	rr := do(newTestMux(t, &fakeTracker{}), http.MethodGet, "/admin/notifications?login=Bob", "")
	var body struct {
		Count         int                         `json:"count"`
		Notifications []presence.NotificationView `json:"notifications"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Notifications[0].MessageID != "m2" {
		t.Errorf("body = %+v", body)
	}
}

func TestAdminReconcileAndFeatures(t *testing.T) {
	tracker := &fakeTracker{report: subscription.Report{
		Subscribed: []string{"1"},
		Failed:     map[string]error{"2": errors.New("handshake timeout")},
	}}
	h := newTestMux(t, tracker)

	rr := do(h, http.MethodPost, "/admin/reconcile", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d", rr.Code)
	}
	var body struct {
		Report subscription.Report `json:"report"`
		Failed map[string]string   `json:"failed"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Report.Subscribed) != 1 || body.Failed["2"] != "handshake timeout" {
		t.Errorf("body = %+v", body)
	}

	rr = do(h, http.MethodPost, "/admin/features", `{"guild_id":"g1","enabled":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("features status = %d", rr.Code)
	}
	if !tracker.features["g1/"+bindings.FeatureStream] {
		t.Errorf("features = %v", tracker.features)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "tok")
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	h := NewMux(context.Background(), Deps{Tracker: &fakeTracker{}, Presence: fakePresence{}})

	if rr := do(h, http.MethodGet, "/admin/streams", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/streams", nil)
	req.Header.Set("X-Admin-Token", "tok")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("with token: status = %d", rr.Code)
	}
	// Health endpoints stay open.
	if rr := do(h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Errorf("healthz behind auth: %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, Deps{Tracker: &fakeTracker{}}, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}
