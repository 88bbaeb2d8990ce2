package snapshotmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestPrepare_NotConsistentSkipsWithoutConnection(t *testing.T) {
	m := New(nil, zerolog.Nop())
	snap, err := m.Prepare(context.Background(), false, "", "")
	if err != nil {
		t.Fatalf("Prepare() error: %v", err)
	}
	if snap.Active() {
		t.Error("skipped snapshot must not be active")
	}
	if m.State() != StateSkipped {
		t.Errorf("State() = %q, want %q", m.State(), StateSkipped)
	}
}

func TestClose_SkippedIsIdempotent(t *testing.T) {
	m := New(nil, zerolog.Nop())
	if _, err := m.Prepare(context.Background(), false, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %q, want %q", m.State(), StateClosed)
	}
}

func TestSnapshot_Active(t *testing.T) {
	if (Snapshot{}).Active() {
		t.Error("zero-value snapshot must not be active")
	}
	if !(Snapshot{ID: "00000003-0000001A-1"}).Active() {
		t.Error("snapshot with an id must be active")
	}
}

func TestPersistSnapshotID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot")
	if err := persistSnapshotID(path, "00000003-0000001A-1"); err != nil {
		t.Fatalf("persistSnapshotID() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "00000003-0000001A-1\n" {
		t.Errorf("persisted content = %q", data)
	}
}

func TestPersistSnapshotID_EmptyPathIsNoOp(t *testing.T) {
	if err := persistSnapshotID("", "some-id"); err != nil {
		t.Errorf("persistSnapshotID(\"\") error: %v", err)
	}
}
