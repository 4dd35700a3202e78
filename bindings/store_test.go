package bindings

import (
	"context"
	"errors"
	"testing"
)

func strptr(s string) *string { return &s }

// runStoreSuite checks the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	chanA := Channel{ID: "100", Name: "alerts", GuildID: "g1", GuildName: "Guild"}
	chanB := Channel{ID: "200", Name: "streams", GuildID: "g1", GuildName: "Guild"}
	alice := Identity{ID: "1", Login: "alice", DisplayName: "Alice"}
	bob := Identity{ID: "2", Login: "bob", DisplayName: "Bob"}

	t.Run("create reports new identities only", func(t *testing.T) {
		s := newStore(t)
		created, err := s.CreateBindings(ctx, chanA, []Identity{alice, bob}, nil)
		if err != nil {
			t.Fatalf("CreateBindings: %v", err)
		}
		if len(created) != 2 {
			t.Fatalf("created = %v, want both identities", created)
		}
		created, err = s.CreateBindings(ctx, chanB, []Identity{alice}, strptr("@everyone"))
		if err != nil {
			t.Fatalf("CreateBindings: %v", err)
		}
		if len(created) != 0 {
			t.Errorf("created = %v, alice was already tracked", created)
		}

		bs, err := s.ListBindings(ctx, "1")
		if err != nil {
			t.Fatalf("ListBindings: %v", err)
		}
		if len(bs) != 2 {
			t.Fatalf("bindings = %+v, want 2", bs)
		}
		if bs[0].ChannelID != "100" || bs[0].Tags != nil {
			t.Errorf("binding A = %+v, want untagged", bs[0])
		}
		if bs[1].ChannelID != "200" || bs[1].Tags == nil || *bs[1].Tags != "@everyone" {
			t.Errorf("binding B = %+v, want @everyone", bs[1])
		}
		if bs[1].GuildID != "g1" {
			t.Errorf("GuildID = %q", bs[1].GuildID)
		}
	})

	t.Run("rebinding replaces tags", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.CreateBindings(ctx, chanA, []Identity{alice}, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CreateBindings(ctx, chanA, []Identity{alice}, strptr("@here")); err != nil {
			t.Fatal(err)
		}
		bs, _ := s.ListBindings(ctx, "1")
		if len(bs) != 1 || bs[0].Tags == nil || *bs[0].Tags != "@here" {
			t.Errorf("bindings = %+v, want single @here binding", bs)
		}
	})

	t.Run("delete purges orphans", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.CreateBindings(ctx, chanA, []Identity{alice, bob}, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CreateBindings(ctx, chanB, []Identity{alice}, nil); err != nil {
			t.Fatal(err)
		}

		removed, err := s.DeleteBindings(ctx, "100", []string{"1", "2"})
		if err != nil {
			t.Fatalf("DeleteBindings: %v", err)
		}
		if len(removed) != 1 || removed[0].ID != "2" {
			t.Errorf("removed = %+v, want only bob", removed)
		}
		if _, err := s.GetIdentity(ctx, "2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetIdentity(bob) err = %v, want ErrNotFound", err)
		}
		if _, err := s.GetIdentity(ctx, "1"); err != nil {
			t.Errorf("alice still bound to channel B: %v", err)
		}
		ls, _ := s.ListChannelBindings(ctx, "g1")
		if len(ls) != 1 || ls[0].ChannelID != "200" {
			t.Errorf("listings = %+v, channel A should be gone", ls)
		}
	})

	t.Run("delete channel", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.CreateBindings(ctx, chanA, []Identity{alice}, nil); err != nil {
			t.Fatal(err)
		}
		removed, err := s.DeleteChannel(ctx, "100")
		if err != nil {
			t.Fatalf("DeleteChannel: %v", err)
		}
		if len(removed) != 1 || removed[0].ID != "1" {
			t.Errorf("removed = %+v", removed)
		}
		ids, _ := s.ListIdentities(ctx)
		if len(ids) != 0 {
			t.Errorf("identities = %+v, want none", ids)
		}
	})

	t.Run("rename", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.CreateBindings(ctx, chanA, []Identity{alice}, nil); err != nil {
			t.Fatal(err)
		}
		if err := s.RenameIdentity(ctx, "1", "alice2", "Alice2"); err != nil {
			t.Fatalf("RenameIdentity: %v", err)
		}
		got, _ := s.GetIdentity(ctx, "1")
		if got.Login != "alice2" || got.DisplayName != "Alice2" {
			t.Errorf("identity = %+v", got)
		}
		if err := s.RenameIdentity(ctx, "404", "x", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("rename unknown err = %v, want ErrNotFound", err)
		}
	})

	t.Run("list channel bindings by guild", func(t *testing.T) {
		s := newStore(t)
		other := Channel{ID: "300", Name: "elsewhere", GuildID: "g2", GuildName: "Other"}
		if _, err := s.CreateBindings(ctx, chanB, []Identity{bob, alice}, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CreateBindings(ctx, other, []Identity{alice}, nil); err != nil {
			t.Fatal(err)
		}
		ls, err := s.ListChannelBindings(ctx, "g1")
		if err != nil {
			t.Fatalf("ListChannelBindings: %v", err)
		}
		if len(ls) != 2 || ls[0].Login != "alice" || ls[1].Login != "bob" {
			t.Errorf("listings = %+v, want alice then bob", ls)
		}
		all, _ := s.ListChannelBindings(ctx, "")
		if len(all) != 3 {
			t.Errorf("all listings = %d, want 3", len(all))
		}
	})

	t.Run("features default off", func(t *testing.T) {
		s := newStore(t)
		on, err := s.FeatureEnabled(ctx, "g1", FeatureStream)
		if err != nil || on {
			t.Fatalf("FeatureEnabled = %v, %v; want false", on, err)
		}
		if err := s.SetFeature(ctx, "g1", FeatureStream, true); err != nil {
			t.Fatal(err)
		}
		if on, _ := s.FeatureEnabled(ctx, "g1", FeatureStream); !on {
			t.Error("feature should be enabled")
		}
		if err := s.SetFeature(ctx, "g1", FeatureStream, false); err != nil {
			t.Fatal(err)
		}
		if on, _ := s.FeatureEnabled(ctx, "g1", FeatureStream); on {
			t.Error("feature should be disabled again")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreCopiesTags(t *testing.T) {
	s := NewMemoryStore()
	tags := "@here"
	if _, err := s.CreateBindings(context.Background(), Channel{ID: "1"}, []Identity{{ID: "9"}}, &tags); err != nil {
		t.Fatal(err)
	}
	tags = "mutated"
	bs, _ := s.ListBindings(context.Background(), "9")
	if *bs[0].Tags != "@here" {
		t.Errorf("stored tags aliased caller memory: %q", *bs[0].Tags)
	}
}
