package workdir

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestNew_DefaultsUnderTempDir(t *testing.T) {
	p := New("")
	if p.TopDir != filepath.Join(os.TempDir(), DirName) {
		t.Errorf("TopDir = %q, want under %q", p.TopDir, os.TempDir())
	}
}

func TestNew_ExplicitDir(t *testing.T) {
	p := New("/var/lib/pgcopydb-run")
	if p.TopDir != "/var/lib/pgcopydb-run" {
		t.Errorf("TopDir = %q", p.TopDir)
	}
	if p.SchemaDir != filepath.Join("/var/lib/pgcopydb-run", "schema") {
		t.Errorf("SchemaDir = %q", p.SchemaDir)
	}
	if p.CDCDir != filepath.Join("/var/lib/pgcopydb-run", "cdc") {
		t.Errorf("CDCDir = %q, want under explicit topdir (not XDG fallback)", p.CDCDir)
	}
}

func TestTable_PartitionedNaming(t *testing.T) {
	p := New(t.TempDir())

	plain := p.Table("public", "orders", 0)
	if filepath.Base(plain.DoneFile) != "public.orders.done" {
		t.Errorf("unpartitioned done file = %q", plain.DoneFile)
	}

	part := p.Table("public", "orders", 3)
	if filepath.Base(part.DoneFile) != "public.orders.part3.done" {
		t.Errorf("partitioned done file = %q", part.DoneFile)
	}
	if filepath.Base(part.LockFile) != "public.orders.part3.lock" {
		t.Errorf("partitioned lock file = %q", part.LockFile)
	}
}

func TestIndex_Naming(t *testing.T) {
	p := New(t.TempDir())
	idx := p.Index(16482)
	if filepath.Base(idx.DoneFile) != "16482.done" {
		t.Errorf("index done file = %q", idx.DoneFile)
	}
	if filepath.Base(idx.ConstraintDoneFile) != "16482.constraint.done" {
		t.Errorf("constraint done file = %q", idx.ConstraintDoneFile)
	}
}

func TestInspect_AbsentDirectory(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "does-not-exist"))
	st, err := Inspect(p)
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if st.Exists || st.AllDone {
		t.Errorf("Inspect() on absent dir = %+v, want zero value", st)
	}
}

func TestInitialize_FreshDirectory(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "run1"))
	if err := Initialize(p, false, false); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	defer Release(p)

	for _, dir := range p.subdirs() {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
	if _, err := os.Stat(p.PIDFile); err != nil {
		t.Errorf("expected pidfile to exist: %v", err)
	}
}

func TestInitialize_RejectsIncompleteWithoutResume(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "run2"))
	if err := Initialize(p, false, false); err != nil {
		t.Fatalf("first Initialize() error: %v", err)
	}
	Release(p)

	if err := writeFile(p.PreDataDump, "create table t();"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(p.PostDataDump, "-- post data"); err != nil {
		t.Fatal(err)
	}

	err := Initialize(p, false, false)
	if err == nil {
		t.Fatal("expected error for incomplete work dir without --resume")
	}
}

func TestInitialize_ResumeProceedsWithoutRemoving(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "run3"))
	if err := Initialize(p, false, false); err != nil {
		t.Fatalf("first Initialize() error: %v", err)
	}
	Release(p)

	if err := writeFile(p.PreDataDump, "create table t();"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(p.PostDataDump, "-- post data"); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(p.TablesDir, "public.orders.done")
	if err := writeFile(marker, ""); err != nil {
		t.Fatal(err)
	}

	if err := Initialize(p, false, true); err != nil {
		t.Fatalf("Initialize(resume=true) error: %v", err)
	}
	defer Release(p)

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("resume should not have removed prior progress: %v", err)
	}
}

func TestInitialize_RestartRemovesPriorProgress(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "run4"))
	if err := Initialize(p, false, false); err != nil {
		t.Fatalf("first Initialize() error: %v", err)
	}
	marker := filepath.Join(p.TablesDir, "public.orders.done")
	if err := writeFile(marker, ""); err != nil {
		t.Fatal(err)
	}
	Release(p)

	if err := Initialize(p, true, false); err != nil {
		t.Fatalf("Initialize(restart=true) error: %v", err)
	}
	defer Release(p)

	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("restart should have removed prior progress, stat err = %v", err)
	}
}

func TestInitialize_RejectsLiveOwner(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "run5"))
	if err := os.MkdirAll(p.TopDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(p.PIDFile, strconv.Itoa(os.Getpid())); err != nil {
		t.Fatal(err)
	}

	if err := Initialize(p, false, false); err == nil {
		t.Fatal("expected error when pidfile references a live process")
	}
}

func TestInspect_AllDoneInvariant(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	if err := Initialize(p, false, false); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	defer Release(p)

	st, err := Inspect(p)
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if st.AllDone {
		t.Fatal("fresh directory must not be AllDone")
	}

	must(t, writeFile(p.PreDataDump, "x"))
	must(t, writeFile(p.PostDataDump, "x"))
	must(t, writeFile(p.PreDataDoneFile, ""))
	must(t, writeFile(p.PostDataDoneFile, ""))
	must(t, writeFile(p.SequencesDoneFile, ""))
	must(t, writeFile(p.BlobsDoneFile, ""))
	must(t, writeFile(filepath.Join(p.TablesDir, "public.orders.lock"), ""))
	must(t, writeFile(filepath.Join(p.TablesDir, "public.orders.done"), ""))
	must(t, writeFile(filepath.Join(p.IndexesDir, "16482.lock"), ""))
	must(t, writeFile(filepath.Join(p.IndexesDir, "16482.done"), ""))

	st, err = Inspect(p)
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if !st.AllDone {
		t.Errorf("Inspect() = %+v, want AllDone once every component finished", st)
	}

	want := st.SchemaDumpDone && st.PreDataRestored && st.PostDataRestored &&
		st.TablesDone && st.IndexesDone && st.SequencesDone && st.BlobsDone
	if st.AllDone != want {
		t.Errorf("AllDone invariant violated: AllDone=%v, conjunction=%v", st.AllDone, want)
	}
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
