package registry

import (
	"context"
	"testing"
)

func TestMemoryStoreConformance(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	runStoreConformance(t, store)
}

func TestMemoryStoreRejectsDuplicateInsert(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	conn := Connection{ConnectionID: "conn_1", UserID: "user_1", Active: true}
	if err := store.InsertConnection(context.Background(), conn); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertConnection(context.Background(), conn); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}
}
