package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/geo"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertUser(ctx, "u-1", "alice"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := store.UpsertUser(ctx, "u-2", "alice"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected duplicate username error, got %v", err)
	}
	if err := store.UpsertUser(ctx, "u-1", "alice2"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	user, err := store.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user == nil || user.Username != "alice2" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.Location != nil || user.Online {
		t.Fatalf("new user should have no location and be offline: %+v", user)
	}

	missing, err := store.GetUser(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("expected nil user, got %+v err=%v", missing, err)
	}
}

func TestUpdateLocation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertUser(ctx, "u-1", "alice"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	if err := store.UpdateLocation(ctx, "u-1", geo.Location{Latitude: 91, Longitude: 0}); !errors.Is(err, chaterr.ErrInvalidCoordinate) {
		t.Fatalf("expected invalid coordinate, got %v", err)
	}
	want := geo.Location{Latitude: 37.7749, Longitude: -122.4194}
	if err := store.UpdateLocation(ctx, "u-1", want); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	user, err := store.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.Location == nil || *user.Location != want {
		t.Fatalf("unexpected location: %+v", user.Location)
	}
	if user.LastSeen.IsZero() {
		t.Fatalf("expected last seen to be stamped")
	}

	if err := store.UpdateLocation(ctx, "ghost", want); !errors.Is(err, chaterr.ErrAuthenticationFailed) {
		t.Fatalf("expected unknown user error, got %v", err)
	}
}

func TestSetOnline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertUser(ctx, "u-1", "alice"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := store.SetOnline(ctx, "u-1", true); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	user, _ := store.GetUser(ctx, "u-1")
	if !user.Online {
		t.Fatalf("expected online")
	}
	if err := store.SetOnline(ctx, "u-1", false); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	user, _ = store.GetUser(ctx, "u-1")
	if user.Online {
		t.Fatalf("expected offline")
	}
}

func TestListNearby(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	center := geo.Location{Latitude: 10.05, Longitude: -4.95}
	places := map[string]geo.Location{
		"me":    center,
		"close": {Latitude: 10.06, Longitude: -4.95},  // ~1.1 km
		"edge":  {Latitude: 10.09, Longitude: -4.95},  // ~4.4 km
		"far":   {Latitude: 10.2, Longitude: -4.95},   // ~16 km
		"other": {Latitude: -33.86, Longitude: 151.2}, // Sydney
	}
	for id, loc := range places {
		if err := store.UpsertUser(ctx, id, "name-"+id); err != nil {
			t.Fatalf("UpsertUser %s: %v", id, err)
		}
		if err := store.UpdateLocation(ctx, id, loc); err != nil {
			t.Fatalf("UpdateLocation %s: %v", id, err)
		}
	}
	if err := store.UpsertUser(ctx, "nowhere", "name-nowhere"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	found, err := store.ListNearby(ctx, center, geo.NearbyRadiusMeters, "me")
	if err != nil {
		t.Fatalf("ListNearby: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 nearby users, got %+v", found)
	}
	if found[0].ID != "close" || found[1].ID != "edge" {
		t.Fatalf("expected closest first, got %s, %s", found[0].ID, found[1].ID)
	}
	if found[0].DistanceMeters > found[1].DistanceMeters {
		t.Fatalf("distances out of order")
	}
}

func TestListNearbyCapsResults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	center := geo.Location{Latitude: 48.85, Longitude: 2.35}
	for i := 0; i < NearbyLimit+5; i++ {
		id := fmt.Sprintf("u-%d", i)
		if err := store.UpsertUser(ctx, id, id); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
		loc := geo.Location{Latitude: center.Latitude + float64(i)*0.0001, Longitude: center.Longitude}
		if err := store.UpdateLocation(ctx, id, loc); err != nil {
			t.Fatalf("UpdateLocation: %v", err)
		}
	}
	found, err := store.ListNearby(ctx, center, geo.NearbyRadiusMeters, "")
	if err != nil {
		t.Fatalf("ListNearby: %v", err)
	}
	if len(found) != NearbyLimit {
		t.Fatalf("expected %d users, got %d", NearbyLimit, len(found))
	}
}

func TestPrincipal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertUser(ctx, "u-1", "alice"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	identity, err := store.Principal(ctx, "u-1")
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if identity.UserID != "u-1" || identity.Username != "alice" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if _, err := store.Principal(ctx, "ghost"); !errors.Is(err, chaterr.ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
