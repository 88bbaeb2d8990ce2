package runstore

import (
	"context"
	"testing"

	"github.com/jfoltran/pgcopydb/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool := testutil.MustConnectPool(t, testutil.DestDSN())
	if err := Migrate(testutil.DestDSN()); err != nil {
		t.Fatalf("migrate runstore schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), "DROP TABLE IF EXISTS pgcopydb_runs CASCADE") //nolint:errcheck
		pool.Exec(context.Background(), "DELETE FROM schema_migrations")              //nolint:errcheck
	})
	return NewStore(pool)
}

func TestStoreCreateGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Run{
		Mode:        ModeCloneAndFollow,
		SlotName:    "pgcopydb",
		Publication: "pgcopydb",
		CopyWorkers: 4,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	run, ok, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected run to exist")
	}
	if run.Status != StatusRunning {
		t.Errorf("status = %q, want %q", run.Status, StatusRunning)
	}
	if run.StartedAt == nil {
		t.Error("expected started_at to be set on create")
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len(list) = %d, want 1", len(list))
	}
}

func TestStoreUpdateProgressAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Run{Mode: ModeClone, SlotName: "pgcopydb", Publication: "pgcopydb"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UpdateProgress(ctx, id, "copying table data", "0/16", 10, 3); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	run, _, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.TablesCopied != 3 || run.TablesTotal != 10 {
		t.Errorf("tables copied/total = %d/%d, want 3/10", run.TablesCopied, run.TablesTotal)
	}

	if err := s.UpdateStatus(ctx, id, StatusCompleted, "done", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	run, _, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", run.Status, StatusCompleted)
	}
	if run.FinishedAt == nil {
		t.Error("expected finished_at to be set after completion")
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected missing run to report ok=false")
	}
}

func TestStoreUpdateMissingReturnsError(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateStatus(context.Background(), "00000000-0000-0000-0000-000000000000", StatusFailed, "", "boom")
	if err == nil {
		t.Fatal("expected error updating a missing run")
	}
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Run{Mode: ModeFollow, SlotName: "pgcopydb", Publication: "pgcopydb"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected run to be gone after delete")
	}
}
