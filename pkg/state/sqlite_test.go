package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/groundplan/groundplan/pkg/engine"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Second migrate failed: %v", err)
	}
}

func TestSQLiteStore_SaveLoadDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	st, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(st) != 0 {
		t.Fatalf("Expected empty state, got %d entries", len(st))
	}

	ns := engine.NodeState{
		Kind: engine.NodeSecurityGroup,
		ID:   "sg-123",
		Attrs: map[string]any{
			"name":   "web-sg",
			"vpc_id": "vpc-1",
		},
	}
	if err := store.SaveNode(ctx, ns); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}

	st, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, ok := st[engine.NodeSecurityGroup]
	if !ok {
		t.Fatal("Saved node missing from load")
	}
	if got.ID != "sg-123" {
		t.Errorf("ID = %q, want sg-123", got.ID)
	}
	if got.Attrs["name"] != "web-sg" || got.Attrs["vpc_id"] != "vpc-1" {
		t.Errorf("Attrs = %v", got.Attrs)
	}

	if err := store.DeleteNode(ctx, engine.NodeSecurityGroup); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	st, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(st) != 0 {
		t.Errorf("Expected empty state after delete, got %d entries", len(st))
	}

	// Deleting again is a no-op.
	if err := store.DeleteNode(ctx, engine.NodeSecurityGroup); err != nil {
		t.Errorf("Deleting absent node should succeed, got: %v", err)
	}
}

func TestSQLiteStore_SaveNodeUpserts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := engine.NodeState{
		Kind:  engine.NodeInstance,
		ID:    "i-old",
		Attrs: map[string]any{"instance_type": "t3.micro"},
	}
	if err := store.SaveNode(ctx, first); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}

	second := first
	second.ID = "i-new"
	second.Attrs = map[string]any{"instance_type": "t3.large"}
	if err := store.SaveNode(ctx, second); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}

	st, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(st) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(st))
	}
	got := st[engine.NodeInstance]
	if got.ID != "i-new" || got.Attrs["instance_type"] != "t3.large" {
		t.Errorf("Upsert did not replace: %+v", got)
	}
}

func TestSQLiteStore_RunHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := &Run{
		ID:        "run-1",
		Operation: "apply",
		Status:    "running",
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}
	second := &Run{
		ID:        "run-2",
		Operation: "destroy",
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	if err := store.CreateRun(ctx, first); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.CreateRun(ctx, second); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	errMsg := "provider call failed"
	if err := store.CompleteRun(ctx, "run-1", "partial_failure", &errMsg); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}
	if err := store.CompleteRun(ctx, "run-2", "success", nil); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("Runs not ordered most recent first: %s, %s", runs[0].ID, runs[1].ID)
	}
	if runs[1].Status != "partial_failure" || runs[1].Error == nil || *runs[1].Error != errMsg {
		t.Errorf("run-1 outcome not recorded: %+v", runs[1])
	}
	if runs[0].CompletedAt == nil {
		t.Error("run-2 completed_at not recorded")
	}
}

func TestSQLiteStore_CompleteUnknownRun(t *testing.T) {
	store := openTestStore(t)

	if err := store.CompleteRun(context.Background(), "missing", "success", nil); err == nil {
		t.Fatal("Expected error for unknown run")
	}
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ns := engine.NodeState{
		Kind:  engine.NodeKeyPair,
		ID:    "key-1",
		Attrs: map[string]any{"key_name": "web-key"},
	}
	if err := store.SaveNode(ctx, ns); err != nil {
		t.Fatalf("SaveNode failed: %v", err)
	}

	st, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	delete(st, engine.NodeKeyPair)
	st[engine.NodeInstance] = engine.NodeState{Kind: engine.NodeInstance, ID: "i-rogue"}

	st2, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := st2[engine.NodeKeyPair]; !ok {
		t.Error("Deleting from a loaded map must not touch the store")
	}
	if _, ok := st2[engine.NodeInstance]; ok {
		t.Error("Adding to a loaded map must not touch the store")
	}
}
