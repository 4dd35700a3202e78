package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/tesence/discord-bot/twitchapi"
)

// MockTwitchServer creates a test server that mocks the Twitch token endpoint, Helix and the
// webhooks hub. Hub POSTs are recorded and handed to OnHub, which tests use to play the
// handshake against their callback.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu            sync.Mutex
	hubRequests   []url.Values
	subscriptions []map[string]string
	// OnHub runs in its own goroutine after the hub answered 202.
	OnHub func(form url.Values)
}

// NewMockTwitchServer creates a new mock Twitch API server with token and hub handlers installed.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.MockOAuthTokenResponse("test-app-token", 3600)
	m.Handlers["/helix/webhooks/hub"] = m.serveHub
	m.Handlers["/helix/webhooks/subscriptions"] = m.serveSubscriptions
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixClient returns a client wired to the mock with a generous rate bucket.
func (m *MockTwitchServer) HelixClient() *twitchapi.HelixClient {
	client := twitchapi.NewClient(twitchapi.ClientOptions{Timeout: 5 * time.Second})
	return &twitchapi.HelixClient{
		BaseURL: m.URL + "/helix",
		Client:  client,
		Tokens: &twitchapi.TokenSource{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			TokenURL:     m.URL + "/oauth2/token",
			Client:       client,
		},
	}
}

func (m *MockTwitchServer) serveHub(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	form := r.PostForm
	m.mu.Lock()
	m.hubRequests = append(m.hubRequests, form)
	onHub := m.OnHub
	m.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
	if onHub != nil {
		go onHub(form)
	}
}

func (m *MockTwitchServer) serveSubscriptions(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	data := append([]map[string]string(nil), m.subscriptions...)
	m.mu.Unlock()
	writeJSON(w, map[string]interface{}{"data": data, "pagination": map[string]string{}})
}

// SetOnHub installs the hub callback.
func (m *MockTwitchServer) SetOnHub(fn func(form url.Values)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OnHub = fn
}

// HubRequests returns a copy of every hub form received so far.
func (m *MockTwitchServer) HubRequests() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.hubRequests...)
}

// AddSubscription registers a lease returned by the subscriptions listing.
func (m *MockTwitchServer) AddSubscription(topic, callback string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, map[string]string{
		"topic":      topic,
		"callback":   callback,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// MockUserResponse adds a handler for /helix/users answering with the given users
// (each entry holds id, login, display_name).
func (m *MockTwitchServer) MockUserResponse(users ...map[string]string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"data": users})
	}
}

// MockGamesResponse adds a handler for /helix/games
func (m *MockTwitchServer) MockGamesResponse(games map[string]string) {
	m.Handlers["/helix/games"] = func(w http.ResponseWriter, r *http.Request) {
		var data []map[string]string
		for _, id := range r.URL.Query()["id"] {
			if name, ok := games[id]; ok {
				data = append(data, map[string]string{"id": id, "name": name})
			}
		}
		writeJSON(w, map[string]interface{}{"data": data})
	}
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"data": streams})
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
