package subscription

import (
	"net/url"
	"strings"
)

// Topic describes a family of hub topics keyed by one identity parameter.
type Topic struct {
	// Name is the callback path segment, e.g. /streams/{id}.
	Name string
	// Path is the Helix resource the hub watches.
	Path string
	// Param carries the identity id in the topic query.
	Param string
}

// StreamChanged fires when a user goes live, changes title or game, or goes offline.
var StreamChanged = Topic{Name: "streams", Path: "/streams", Param: "user_id"}

// Topics lists every topic the relay subscribes to, keyed by Name.
var Topics = map[string]Topic{StreamChanged.Name: StreamChanged}

// URI returns the hub.topic value for identityID under the Helix root base.
func (t Topic) URI(base, identityID string) string {
	q := url.Values{}
	q.Set(t.Param, identityID)
	return strings.TrimRight(base, "/") + t.Path + "?" + q.Encode()
}

// Callback returns the hub.callback value for identityID.
func (t Topic) Callback(externalBase, identityID string) string {
	return strings.TrimRight(externalBase, "/") + "/" + t.Name + "/" + url.PathEscape(identityID)
}

// ParseURI extracts the identity id from a topic URI of this family.
func (t Topic) ParseURI(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || !strings.HasSuffix(u.Path, t.Path) {
		return "", false
	}
	id := u.Query().Get(t.Param)
	return id, id != ""
}
