package apply

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/sentinel"
)

func newTestStore(t *testing.T) *sentinel.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.json")
	return sentinel.NewStore(path, zerolog.Nop())
}

func TestApplySkipsWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.Init(ctx, pglogrepl.LSN(0)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	a := New(nil, store, nil, "", zerolog.Nop())
	sql := `BEGIN; -- {"xid":1,"lsn":"0/100"}
INSERT INTO "public"."t" (id) VALUES (1);
COMMIT; -- {"xid":1,"lsn":"0/110"}
`
	result, err := a.Apply(ctx, strings.NewReader(sql))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.TransactionsApplied != 0 {
		t.Errorf("TransactionsApplied = %d, want 0 (apply disabled)", result.TransactionsApplied)
	}
	if !result.Skipped {
		t.Error("Skipped should be true so the caller does not mark the file consumed")
	}
}

func TestApplyStopsAtEndPos(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.Init(ctx, pglogrepl.LSN(0)); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.SetApply(ctx, true); err != nil {
		t.Fatalf("SetApply: %v", err)
	}
	if _, err := store.SetEndPos(ctx, pglogrepl.LSN(0x50)); err != nil {
		t.Fatalf("SetEndPos: %v", err)
	}

	a := New(nil, store, nil, "", zerolog.Nop())
	sql := `BEGIN; -- {"xid":1,"lsn":"0/100"}
INSERT INTO "public"."t" (id) VALUES (1);
COMMIT; -- {"xid":1,"lsn":"0/110"}
`
	result, err := a.Apply(ctx, strings.NewReader(sql))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !result.StoppedAtEndPos {
		t.Error("expected StoppedAtEndPos=true when commit LSN exceeds sentinel EndLSN")
	}
	if result.TransactionsApplied != 0 {
		t.Errorf("TransactionsApplied = %d, want 0 (transaction beyond end pos never applied)", result.TransactionsApplied)
	}

	rec, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.ReachedEndPos() {
		t.Error("stopping at the end position should publish it as reached")
	}
}

func TestApplySkipsTransactionsAtOrBelowReplayLSN(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.Init(ctx, pglogrepl.LSN(0)); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := store.SetApply(ctx, true); err != nil {
		t.Fatalf("SetApply: %v", err)
	}
	if _, err := store.AdvanceReplay(ctx, pglogrepl.LSN(0x110)); err != nil {
		t.Fatalf("AdvanceReplay: %v", err)
	}

	// The only transaction in the file commits exactly at the recorded
	// replay position: a re-render of an already-applied segment. It must
	// be skipped, not replayed. A nil pool would panic if replay were
	// attempted, so reaching the end cleanly is the assertion.
	a := New(nil, store, nil, "", zerolog.Nop())
	sql := `BEGIN; -- {"xid":1,"lsn":"0/100"}
INSERT INTO "public"."t" (id) VALUES (1);
COMMIT; -- {"xid":1,"lsn":"0/110"}
`
	result, err := a.Apply(ctx, strings.NewReader(sql))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.TransactionsApplied != 0 {
		t.Errorf("TransactionsApplied = %d, want 0 (already replayed)", result.TransactionsApplied)
	}
}

func TestSplitMeta(t *testing.T) {
	meta, ok := splitMeta(`BEGIN; -- {"xid":1,"lsn":"0/100"}`)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if meta != `{"xid":1,"lsn":"0/100"}` {
		t.Errorf("meta = %q", meta)
	}

	if _, ok := splitMeta("INSERT INTO t VALUES (1);"); ok {
		t.Error("expected ok=false for a line with no comment")
	}
}
