package sentinel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"
)

func TestStoreInitGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	store := NewStore(path, zerolog.Nop())
	ctx := context.Background()

	if _, err := store.Init(ctx, pglogrepl.LSN(100)); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	rec, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.StartLSN != 100 || rec.ReplayLSN != 100 {
		t.Errorf("Get() = %+v, want StartLSN=ReplayLSN=100", rec)
	}
	if rec.ApplyEnabled {
		t.Error("ApplyEnabled should start false")
	}
}

func TestStoreSetApplyAndEndPos(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	store := NewStore(path, zerolog.Nop())
	ctx := context.Background()
	if _, err := store.Init(ctx, pglogrepl.LSN(0)); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	if _, err := store.SetApply(ctx, true); err != nil {
		t.Fatalf("SetApply() error: %v", err)
	}
	if _, err := store.SetEndPos(ctx, pglogrepl.LSN(500)); err != nil {
		t.Fatalf("SetEndPos() error: %v", err)
	}

	rec, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !rec.ApplyEnabled {
		t.Error("ApplyEnabled should be true")
	}
	if rec.EndLSN != 500 {
		t.Errorf("EndLSN = %v, want 500", rec.EndLSN)
	}
	if rec.ReachedEndPos() {
		t.Error("ReachedEndPos() should be false before replay catches up")
	}
}

func TestStoreAdvanceReplayAndReachedEndPos(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	store := NewStore(path, zerolog.Nop())
	ctx := context.Background()
	if _, err := store.Init(ctx, pglogrepl.LSN(0)); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if _, err := store.SetEndPos(ctx, pglogrepl.LSN(1000)); err != nil {
		t.Fatalf("SetEndPos() error: %v", err)
	}

	if _, err := store.AdvanceReplay(ctx, pglogrepl.LSN(600)); err != nil {
		t.Fatalf("AdvanceReplay() error: %v", err)
	}
	rec, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.ReplayLSN != 600 {
		t.Errorf("ReplayLSN = %v, want 600", rec.ReplayLSN)
	}
	if rec.ReachedEndPos() {
		t.Error("ReachedEndPos() should be false at 600 < 1000")
	}

	if _, err := store.AdvanceReplay(ctx, pglogrepl.LSN(1000)); err != nil {
		t.Fatalf("AdvanceReplay() error: %v", err)
	}
	rec, err = store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !rec.ReachedEndPos() {
		t.Error("ReachedEndPos() should be true once ReplayLSN >= EndLSN")
	}

	// Regression: advancing backward must not move ReplayLSN down.
	if _, err := store.AdvanceReplay(ctx, pglogrepl.LSN(400)); err != nil {
		t.Fatalf("AdvanceReplay() error: %v", err)
	}
	rec, err = store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.ReplayLSN != 1000 {
		t.Errorf("ReplayLSN regressed to %v, want 1000", rec.ReplayLSN)
	}
}
