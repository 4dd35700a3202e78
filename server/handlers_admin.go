package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tesence/discord-bot/bindings"
	"github.com/tesence/discord-bot/tracking"
)

type trackRequest struct {
	ChannelID   string   `json:"channel_id"`
	ChannelName string   `json:"channel_name"`
	GuildID     string   `json:"guild_id"`
	GuildName   string   `json:"guild_name"`
	Logins      []string `json:"logins"`
	Tags        *string  `json:"tags"`
}

type untrackRequest struct {
	ChannelID string   `json:"channel_id"`
	Logins    []string `json:"logins"`
}

type featureRequest struct {
	GuildID string `json:"guild_id"`
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
}

type trackResponse struct {
	tracking.Result
	LeaseError string `json:"lease_error,omitempty"`
}

func newTrackResponse(res tracking.Result) trackResponse {
	out := trackResponse{Result: res}
	if res.LeaseErr != nil {
		out.LeaseError = res.LeaseErr.Error()
	}
	return out
}

// HandleStreamsList lists bindings, optionally for one guild.
func (h *Handlers) HandleStreamsList(w http.ResponseWriter, r *http.Request) {
	listing, err := h.deps.Tracker.List(r.Context(), r.URL.Query().Get("guild_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if listing == nil {
		listing = []bindings.Listing{}
	}
	writeJSON(w, http.StatusOK, listing)
}

// HandleStreamsTrack binds logins to a channel.
func (h *Handlers) HandleStreamsTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ChannelID == "" || req.GuildID == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel_id and guild_id are required"))
		return
	}
	channel := bindings.Channel{ID: req.ChannelID, Name: req.ChannelName, GuildID: req.GuildID, GuildName: req.GuildName}
	res, err := h.deps.Tracker.Track(r.Context(), channel, req.Logins, req.Tags)
	switch {
	case errors.Is(err, tracking.ErrNoLogins):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, newTrackResponse(res))
}

// HandleStreamsUntrack removes bindings.
func (h *Handlers) HandleStreamsUntrack(w http.ResponseWriter, r *http.Request) {
	var req untrackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel_id is required"))
		return
	}
	res, err := h.deps.Tracker.Untrack(r.Context(), req.ChannelID, req.Logins)
	switch {
	case errors.Is(err, tracking.ErrNoLogins):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newTrackResponse(res))
}

// HandleNotifications lists notification references held in memory.
func (h *Handlers) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	views := h.deps.Presence.Notifications()
	if login := strings.ToLower(r.URL.Query().Get("login")); login != "" {
		filtered := views[:0]
		for _, v := range views {
			if strings.ToLower(v.Login) == login {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": views, "count": len(views)})
}

// HandleReconcile runs one lease reconciliation pass.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := h.deps.Tracker.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	failed := map[string]string{}
	for id, ferr := range rep.Failed {
		failed[id] = ferr.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep, "failed": failed})
}

// HandleFeatures toggles a guild feature.
func (h *Handlers) HandleFeatures(w http.ResponseWriter, r *http.Request) {
	var req featureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.GuildID == "" {
		writeError(w, http.StatusBadRequest, errors.New("guild_id is required"))
		return
	}
	if req.Feature == "" {
		req.Feature = bindings.FeatureStream
	}
	if err := h.deps.Tracker.SetFeature(r.Context(), req.GuildID, req.Feature, req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
