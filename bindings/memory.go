package bindings

import (
	"context"
	"sort"
	"sync"
)

type bindingKey struct{ channelID, identityID string }

// MemoryStore is an in-process Store, used by tests and single-node setups
// that do not need bindings to survive restarts.
type MemoryStore struct {
	mu         sync.RWMutex
	channels   map[string]Channel
	identities map[string]Identity
	bindings   map[bindingKey]*string
	features   map[[2]string]bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:   map[string]Channel{},
		identities: map[string]Identity{},
		bindings:   map[bindingKey]*string{},
		features:   map[[2]string]bool{},
	}
}

func (s *MemoryStore) ListBindings(_ context.Context, identityID string) ([]Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Binding
	for k, tags := range s.bindings {
		if k.identityID != identityID {
			continue
		}
		out = append(out, Binding{
			ChannelID:  k.channelID,
			GuildID:    s.channels[k.channelID].GuildID,
			IdentityID: k.identityID,
			Tags:       copyTags(tags),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (s *MemoryStore) ListIdentities(_ context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, id string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return ident, nil
}

func (s *MemoryStore) CreateBindings(_ context.Context, channel Channel, identities []Identity, tags *string) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel.ID] = channel
	var created []Identity
	for _, ident := range identities {
		if _, ok := s.identities[ident.ID]; !ok {
			created = append(created, ident)
		}
		s.identities[ident.ID] = ident
		s.bindings[bindingKey{channel.ID, ident.ID}] = copyTags(tags)
	}
	return created, nil
}

func (s *MemoryStore) DeleteBindings(_ context.Context, channelID string, identityIDs []string) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range identityIDs {
		delete(s.bindings, bindingKey{channelID, id})
	}
	return s.purgeLocked(), nil
}

func (s *MemoryStore) DeleteChannel(_ context.Context, channelID string) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.bindings {
		if k.channelID == channelID {
			delete(s.bindings, k)
		}
	}
	delete(s.channels, channelID)
	return s.purgeLocked(), nil
}

// purgeLocked drops channels and identities without bindings.
func (s *MemoryStore) purgeLocked() []Identity {
	usedChannels := map[string]bool{}
	usedIdentities := map[string]bool{}
	for k := range s.bindings {
		usedChannels[k.channelID] = true
		usedIdentities[k.identityID] = true
	}
	for id := range s.channels {
		if !usedChannels[id] {
			delete(s.channels, id)
		}
	}
	var removed []Identity
	for id, ident := range s.identities {
		if !usedIdentities[id] {
			removed = append(removed, ident)
			delete(s.identities, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

func (s *MemoryStore) RenameIdentity(_ context.Context, id, login, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.Login = login
	ident.DisplayName = displayName
	s.identities[id] = ident
	return nil
}

func (s *MemoryStore) ListChannelBindings(_ context.Context, guildID string) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Listing
	for k, tags := range s.bindings {
		ch := s.channels[k.channelID]
		if guildID != "" && ch.GuildID != guildID {
			continue
		}
		out = append(out, Listing{
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			GuildID:     ch.GuildID,
			IdentityID:  k.identityID,
			Login:       s.identities[k.identityID].Login,
			Tags:        copyTags(tags),
		})
	}
	sortListings(out)
	return out, nil
}

func (s *MemoryStore) SetFeature(_ context.Context, guildID, feature string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[[2]string{guildID, feature}] = enabled
	return nil
}

func (s *MemoryStore) FeatureEnabled(_ context.Context, guildID, feature string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.features[[2]string{guildID, feature}], nil
}

func copyTags(tags *string) *string {
	if tags == nil {
		return nil
	}
	t := *tags
	return &t
}

func sortListings(ls []Listing) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].ChannelName != ls[j].ChannelName {
			return ls[i].ChannelName < ls[j].ChannelName
		}
		if ls[i].ChannelID != ls[j].ChannelID {
			return ls[i].ChannelID < ls[j].ChannelID
		}
		return ls[i].Login < ls[j].Login
	})
}
