package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAdminAuth(t *testing.T) {
	basic := &authConfig{adminUsername: "ops", adminPassword: "hunter2", enabled: true}
	token := &authConfig{adminToken: "relay-admin", enabled: true}
	both := &authConfig{adminUsername: "ops", adminPassword: "hunter2", adminToken: "relay-admin", enabled: true}

	tests := []struct {
		name  string
		cfg   *authConfig
		setup func(r *http.Request)
		want  int
	}{
		{name: "open when unconfigured", cfg: &authConfig{}, want: http.StatusOK},
		{name: "basic accepted", cfg: basic, setup: func(r *http.Request) { r.SetBasicAuth("ops", "hunter2") }, want: http.StatusOK},
		{name: "basic wrong user", cfg: basic, setup: func(r *http.Request) { r.SetBasicAuth("root", "hunter2") }, want: http.StatusUnauthorized},
		{name: "basic wrong password", cfg: basic, setup: func(r *http.Request) { r.SetBasicAuth("ops", "nope") }, want: http.StatusUnauthorized},
		{name: "basic missing", cfg: basic, want: http.StatusUnauthorized},
		{name: "token accepted", cfg: token, setup: func(r *http.Request) { r.Header.Set("X-Admin-Token", "relay-admin") }, want: http.StatusOK},
		{name: "token rejected", cfg: token, setup: func(r *http.Request) { r.Header.Set("X-Admin-Token", "guess") }, want: http.StatusUnauthorized},
		{
			name: "valid token wins over bad basic",
			cfg:  both,
			setup: func(r *http.Request) {
				r.Header.Set("X-Admin-Token", "relay-admin")
				r.SetBasicAuth("root", "nope")
			},
			want: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), tt.cfg)
			req := httptest.NewRequest(http.MethodDelete, "/admin/streams", nil)
			if tt.setup != nil {
				tt.setup(req)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate")
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 3, window: time.Minute}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("request 4 should be denied (rate limit exceeded)")
	}
	if !limiter.allow("192.168.1.2") {
		t.Error("a different IP has its own bucket")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: 100 * time.Millisecond}
	limiter := newIPRateLimiter(context.Background(), cfg)
	limiter.allow("ip")
	limiter.allow("ip")
	if limiter.allow("ip") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(120 * time.Millisecond)
	if !limiter.allow("ip") {
		t.Error("bucket should refill after the window")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute})
	for i := 0; i < 10; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Fatalf("request %d denied with limiting disabled", i+1)
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Second})
	limiter.allow("old")
	limiter.cleanup(time.Now().Add(3 * time.Second))
	limiter.mu.Lock()
	n := len(limiter.visitors)
	limiter.mu.Unlock()
	if n != 0 {
		t.Errorf("visitors = %d, want 0 after cleanup", n)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"ipv4 with port", "10.0.0.1:1234", "", "10.0.0.1"},
		{"ipv6 with port", "[2001:db8::1]:443", "", "2001:db8::1"},
		{"ipv4 without port", "10.0.0.1", "", "10.0.0.1"},
		{"forwarded list", "10.0.0.1:1", "203.0.113.5, 10.0.0.2", "203.0.113.5"},
		{"forwarded single", "10.0.0.1:1", " 203.0.113.9 ", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute})
	handler := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), limiter)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/admin/reconcile", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if rr.Code != want {
			t.Errorf("request %d: status %d, want %d", i+1, rr.Code, want)
		}
		if want == http.StatusTooManyRequests && rr.Header().Get("Retry-After") != "60" {
			t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
		}
	}
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *corsConfig
		origin     string
		wantOrigin string
		wantCreds  bool
	}{
		{"permissive allows all", &corsConfig{permissive: true}, "https://any.example", "*", false},
		{"restricted allows listed", &corsConfig{allowedOrigins: []string{"https://ops.example.com"}}, "https://ops.example.com", "https://ops.example.com", true},
		{"restricted blocks others", &corsConfig{allowedOrigins: []string{"https://ops.example.com"}}, "https://evil.example", "", false},
		{"wildcard subdomain", &corsConfig{allowedOrigins: []string{"*.example.com"}}, "https://admin.example.com", "https://admin.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), tt.cfg)
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %v, want %v", got, tt.wantCreds)
			}
		})
	}
}

func TestCORSPreflightRequest(t *testing.T) {
	called := false
	handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), &corsConfig{permissive: true})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/admin/streams", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rr.Code)
	}
	if called {
		t.Error("preflight reached the wrapped handler")
	}
}

func TestLoadAuthConfig(t *testing.T) {
	tests := []struct {
		name               string
		username, password string
		token              string
		wantEnabled        bool
	}{
		{"nothing configured", "", "", "", false},
		{"basic auth", "admin", "pw", "", true},
		{"username only", "admin", "", "", false},
		{"token only", "", "", "tok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ADMIN_USERNAME", tt.username)
			t.Setenv("ADMIN_PASSWORD", tt.password)
			t.Setenv("ADMIN_TOKEN", tt.token)
			if got := loadAuthConfig().enabled; got != tt.wantEnabled {
				t.Errorf("enabled = %v, want %v", got, tt.wantEnabled)
			}
		})
	}
}

func TestLoadRateLimiterConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "5")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "bogus")
	cfg := loadRateLimiterConfig()
	if !cfg.enabled || cfg.requestsPerIP != 5 || cfg.window != time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadCORSConfig(t *testing.T) {
	tests := []struct {
		name           string
		env, override  string
		origins        string
		wantPermissive bool
		wantOrigins    int
	}{
		{"default dev", "", "", "", true, 0},
		{"production", "production", "", "https://a.example, https://b.example", false, 2},
		{"production forced permissive", "production", "true", "", true, 0},
		{"dev forced restricted", "dev", "0", "https://a.example", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			t.Setenv("CORS_PERMISSIVE", tt.override)
			t.Setenv("CORS_ALLOWED_ORIGINS", tt.origins)
			cfg := loadCORSConfig()
			if cfg.permissive != tt.wantPermissive || len(cfg.allowedOrigins) != tt.wantOrigins {
				t.Errorf("cfg = %+v", cfg)
			}
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"https://ops.example.com", "*.relay.dev"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://ops.example.com", true},
		{"https://other.example.com", false},
		{"https://a.relay.dev", true},
		{"https://relay.dev", true},
		{"https://relay.dev.evil.com", false},
	}
	for _, tt := range tests {
		if got := isOriginAllowed(tt.origin, allowed); got != tt.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
