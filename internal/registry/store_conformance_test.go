package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runStoreConformance exercises the ConnectionStore contract shared by
// every backend.
func runStoreConformance(t *testing.T, store ConnectionStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	horizon := now.Add(-5 * time.Minute)

	if err := store.UpsertUser(ctx, "user_1", now); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := store.UpsertUser(ctx, "user_1", now.Add(time.Second)); err != nil {
		t.Fatalf("re-upsert user: %v", err)
	}

	user, err := store.GetUser(ctx, "user_1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.UserID != "user_1" || user.LastConnectAt == nil {
		t.Fatalf("unexpected user record: %+v", user)
	}

	if _, err := store.GetUser(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}

	conns := []Connection{
		{ConnectionID: "conn_1", UserID: "user_1", UserAgent: "agent-a", Active: true, OpenedAt: now},
		{ConnectionID: "conn_2", UserID: "user_1", UserAgent: "agent-b", Active: true, OpenedAt: now.Add(time.Second)},
		{ConnectionID: "conn_stale", UserID: "user_1", Active: true, OpenedAt: now.Add(-10 * time.Minute)},
		{ConnectionID: "conn_dead", UserID: "user_1", Active: false, OpenedAt: now},
	}
	for _, conn := range conns {
		if err := store.InsertConnection(ctx, conn); err != nil {
			t.Fatalf("insert %s: %v", conn.ConnectionID, err)
		}
	}

	live, err := store.ConnectionsOf(ctx, "user_1", horizon)
	if err != nil {
		t.Fatalf("connections of: %v", err)
	}
	if len(live) != 2 || live[0].ConnectionID != "conn_1" || live[1].ConnectionID != "conn_2" {
		t.Fatalf("unexpected live set: %+v", live)
	}

	count, err := store.CountConnections(ctx, horizon)
	if err != nil {
		t.Fatalf("count connections: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 live connections, got %d", count)
	}
	users, err := store.CountUsers(ctx, horizon)
	if err != nil {
		t.Fatalf("count users: %v", err)
	}
	if users != 1 {
		t.Fatalf("expected 1 live user, got %d", users)
	}

	removed, err := store.SweepUser(ctx, "user_1", horizon)
	if err != nil {
		t.Fatalf("sweep user: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected sweep to remove stale+inactive rows, removed %d", removed)
	}
	if _, err := store.GetConnection(ctx, "conn_stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale row gone, got %v", err)
	}
	if _, err := store.GetConnection(ctx, "conn_dead"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected inactive row gone, got %v", err)
	}

	deleted, err := store.DeleteConnection(ctx, "conn_1")
	if err != nil {
		t.Fatalf("delete connection: %v", err)
	}
	if !deleted {
		t.Fatalf("expected delete to report true")
	}
	deleted, err = store.DeleteConnection(ctx, "conn_1")
	if err != nil {
		t.Fatalf("redundant delete: %v", err)
	}
	if deleted {
		t.Fatalf("expected redundant delete to report false")
	}

	if err := store.TouchDisconnect(ctx, "user_1", now.Add(2*time.Second)); err != nil {
		t.Fatalf("touch disconnect: %v", err)
	}
	user, err = store.GetUser(ctx, "user_1")
	if err != nil {
		t.Fatalf("get user after disconnect: %v", err)
	}
	if user.LastDisconnectAt == nil {
		t.Fatalf("expected disconnect stamp, got %+v", user)
	}
	// Touching a missing user is not an error.
	if err := store.TouchDisconnect(ctx, "ghost", now); err != nil {
		t.Fatalf("touch missing user: %v", err)
	}

	snapshot, err := store.Snapshot(ctx, horizon)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].User.UserID != "user_1" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if len(snapshot[0].Connections) != 1 || snapshot[0].Connections[0].ConnectionID != "conn_2" {
		t.Fatalf("unexpected snapshot connections: %+v", snapshot[0].Connections)
	}

	// Global sweeps.
	if err := store.InsertConnection(ctx, Connection{ConnectionID: "conn_old", UserID: "user_1", Active: true, OpenedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := store.InsertConnection(ctx, Connection{ConnectionID: "conn_off", UserID: "user_1", Active: false, OpenedAt: now}); err != nil {
		t.Fatalf("insert inactive: %v", err)
	}
	removed, err = store.SweepInactive(ctx)
	if err != nil {
		t.Fatalf("sweep inactive: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 inactive row removed, got %d", removed)
	}
	removed, err = store.SweepStale(ctx, horizon)
	if err != nil {
		t.Fatalf("sweep stale: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 stale row removed, got %d", removed)
	}

	live, err = store.ConnectionsOfUsers(ctx, []string{"user_1", "ghost"}, horizon)
	if err != nil {
		t.Fatalf("connections of users: %v", err)
	}
	if len(live) != 1 || live[0].ConnectionID != "conn_2" {
		t.Fatalf("unexpected multi-user set: %+v", live)
	}
}
