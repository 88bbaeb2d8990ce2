package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/summary"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	paths := workdir.New(t.TempDir())
	for _, dir := range []string{paths.TablesDir, paths.IndexesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return &Orchestrator{Paths: paths}
}

func TestAllPartsDone(t *testing.T) {
	o := newTestOrchestrator(t)
	table := catalog.SourceTable{
		Namespace: "public", Relation: "events",
		Parts: []catalog.TablePart{{PartNumber: 1, PartCount: 2}, {PartNumber: 2, PartCount: 2}},
	}

	if o.allPartsDone(table) {
		t.Fatal("allPartsDone should be false with no parts copied")
	}

	touch(t, o.Paths.Table("public", "events", 1).DoneFile)
	if o.allPartsDone(table) {
		t.Fatal("allPartsDone should be false with only one of two parts copied")
	}

	touch(t, o.Paths.Table("public", "events", 2).DoneFile)
	if !o.allPartsDone(table) {
		t.Fatal("allPartsDone should be true once every part's done file exists")
	}
}

func TestClaimTablePublish_ExactlyOneWinner(t *testing.T) {
	o := newTestOrchestrator(t)
	table := catalog.SourceTable{Namespace: "public", Relation: "events"}

	first, err := o.claimTablePublish(table)
	if err != nil {
		t.Fatalf("claimTablePublish: %v", err)
	}
	if !first {
		t.Fatal("the first caller should win the claim")
	}

	second, err := o.claimTablePublish(table)
	if err != nil {
		t.Fatalf("claimTablePublish second call: %v", err)
	}
	if second {
		t.Fatal("a second caller must not also win the claim")
	}
}

func TestPublishTable_WritesIndexListAndQueues(t *testing.T) {
	o := newTestOrchestrator(t)
	table := catalog.SourceTable{
		Namespace: "public", Relation: "events",
		IndexList: []catalog.SourceIndex{
			{IndexOID: 100, ConstraintOID: 0},
			{IndexOID: 101, ConstraintOID: 200},
		},
	}

	indexCh := make(chan catalog.SourceIndex, 2)
	vacuumCh := make(chan catalog.SourceTable, 1)

	if err := o.publishTable(context.Background(), table, indexCh, vacuumCh); err != nil {
		t.Fatalf("publishTable: %v", err)
	}
	close(indexCh)
	close(vacuumCh)

	var published []catalog.SourceIndex
	for idx := range indexCh {
		published = append(published, idx)
	}
	if len(published) != 2 {
		t.Fatalf("expected 2 indexes queued, got %d", len(published))
	}

	vt, ok := <-vacuumCh
	if !ok || vt.Relation != "events" {
		t.Fatal("expected the table to be queued for vacuum")
	}

	idxListFile := o.Paths.Table("public", "events", 0).IdxListFile
	if _, err := os.Stat(idxListFile); err != nil {
		t.Fatalf("index list file not written: %v", err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte("ok\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLockHeldByLiveProcess(t *testing.T) {
	o := newTestOrchestrator(t)
	artifact := o.Paths.Table("public", "events", 0)

	if held, _ := lockHeldByLiveProcess(artifact.LockFile); held {
		t.Fatal("a missing lock file is not held")
	}

	// A lock written by this process is our own, not a foreign owner's.
	sum := summary.OpenTable(1, "public", "events", "COPY public.events")
	if err := sum.WriteLock(artifact.LockFile); err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	if held, _ := lockHeldByLiveProcess(artifact.LockFile); held {
		t.Fatal("our own pid must not count as a live foreign owner")
	}

	// Rewrite the lock with a pid that cannot be running.
	deadSum := *sum
	deadSum.PID = 1 << 30
	if err := deadSum.WriteLock(artifact.LockFile); err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
	if held, _ := lockHeldByLiveProcess(artifact.LockFile); held {
		t.Fatal("a dead owner's lock should be taken over")
	}
}

func TestQuoteIdentEscapesDoubleQuotes(t *testing.T) {
	got := quoteIdent(`weird"name`)
	want := `"weird""name"`
	if got != want {
		t.Errorf("quoteIdent() = %q, want %q", got, want)
	}
}

func TestQualifiedIdent(t *testing.T) {
	got := qualifiedIdent("public", "widgets")
	want := `"public"."widgets"`
	if got != want {
		t.Errorf("qualifiedIdent() = %q, want %q", got, want)
	}
}

func TestAttachConstraintSQL_UsesPrebuiltIndex(t *testing.T) {
	pk := catalog.SourceIndex{
		IndexNamespace: "public", IndexRelation: "orders_pkey", TableRelation: "orders",
		ConstraintName: "orders_pkey", ConstraintType: "p",
		ConstraintDefinition: "PRIMARY KEY (id)",
	}
	got := attachConstraintSQL(pk)
	want := `ALTER TABLE "public"."orders" ADD CONSTRAINT "orders_pkey" PRIMARY KEY USING INDEX "orders_pkey"`
	if got != want {
		t.Errorf("primary key:\n got %s\nwant %s", got, want)
	}

	uq := pk
	uq.ConstraintType = "u"
	uq.ConstraintName, uq.IndexRelation = "orders_ref_key", "orders_ref_key"
	if got := attachConstraintSQL(uq); !strings.Contains(got, `UNIQUE USING INDEX "orders_ref_key"`) {
		t.Errorf("unique constraint should adopt its index: %s", got)
	}

	// Exclusion constraints cannot adopt an index and keep the full
	// definition instead.
	excl := pk
	excl.ConstraintType = "x"
	excl.ConstraintDefinition = "EXCLUDE USING gist (room WITH =, during WITH &&)"
	got = attachConstraintSQL(excl)
	if strings.Contains(got, "USING INDEX") {
		t.Errorf("exclusion constraint must not use USING INDEX: %s", got)
	}
	if !strings.Contains(got, "EXCLUDE USING gist") {
		t.Errorf("exclusion constraint lost its definition: %s", got)
	}
}

func TestStripExtensionStatements(t *testing.T) {
	ddl := `CREATE EXTENSION IF NOT EXISTS pgcrypto;
COMMENT ON EXTENSION pgcrypto IS 'crypto functions';
CREATE TABLE widgets (id int);
`
	got := stripExtensionStatements(ddl)
	if strings.Contains(got, "EXTENSION") {
		t.Errorf("extension statements survived: %s", got)
	}
	if !strings.Contains(got, "CREATE TABLE widgets") {
		t.Errorf("non-extension statement dropped: %s", got)
	}
}

func TestMaxInt(t *testing.T) {
	if maxInt(1, 4) != 4 {
		t.Error("maxInt(1, 4) should be 4")
	}
	if maxInt(5, 2) != 5 {
		t.Error("maxInt(5, 2) should be 5")
	}
}
