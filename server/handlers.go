package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tesence/discord-bot/bindings"
	"github.com/tesence/discord-bot/presence"
	"github.com/tesence/discord-bot/subscription"
	"github.com/tesence/discord-bot/tracking"
)

// Tracker manages bindings and leases. *tracking.Service satisfies it.
type Tracker interface {
	Track(ctx context.Context, channel bindings.Channel, logins []string, tags *string) (tracking.Result, error)
	Untrack(ctx context.Context, channelID string, logins []string) (tracking.Result, error)
	List(ctx context.Context, guildID string) ([]bindings.Listing, error)
	SetFeature(ctx context.Context, guildID, feature string, enabled bool) error
	Reconcile(ctx context.Context) (subscription.Report, error)
}

// PresenceView exposes engine state. *presence.Engine satisfies it.
type PresenceView interface {
	Notifications() []presence.NotificationView
	Snapshots() []presence.SnapshotView
}

// Deps are the collaborators of the ops API. DB is nil with the memory
// binding backend.
type Deps struct {
	DB       *sql.DB
	Tracker  Tracker
	Presence PresenceView
	Pending  *subscription.Pending
	Version  string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps    Deps
	started time.Time
}

// NewHandlers creates a Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, started: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}
