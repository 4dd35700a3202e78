package server

import (
	"errors"
	"net/http"
	"time"
)

// HandleHealthz reports liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks the database and the binding store.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"bindings", func() error {
			if h.deps.Tracker == nil {
				return errors.New("tracker not configured")
			}
			_, err := h.deps.Tracker.List(r.Context(), "")
			return err
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus summarizes presence state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"version":        h.deps.Version,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	}
	if h.deps.Presence != nil {
		snaps := h.deps.Presence.Snapshots()
		live := 0
		for _, s := range snaps {
			if s.Online {
				live++
			}
		}
		out["identities"] = snaps
		out["live"] = live
		out["notifications"] = len(h.deps.Presence.Notifications())
	}
	if h.deps.Pending != nil {
		out["pending_handshakes"] = h.deps.Pending.Len()
	}
	writeJSON(w, http.StatusOK, out)
}
