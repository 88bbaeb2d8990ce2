package summary

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTableSummary_OpenWriteFinishRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lockFile := filepath.Join(dir, "public.orders.lock")
	doneFile := filepath.Join(dir, "public.orders.done")

	s := OpenTable(16400, "public", "orders", "COPY public.orders TO STDOUT")
	if err := s.WriteLock(lockFile); err != nil {
		t.Fatalf("WriteLock() error: %v", err)
	}
	locked, err := ReadTableSummary(lockFile)
	if err != nil {
		t.Fatalf("ReadTableSummary(lockFile) error: %v", err)
	}
	if locked.OID != 16400 || locked.Namespace != "public" || locked.Name != "orders" {
		t.Errorf("locked summary = %+v", locked)
	}
	if locked.DoneEpoch != 0 {
		t.Errorf("locked summary should not yet have a doneEpoch, got %d", locked.DoneEpoch)
	}

	if err := s.Finish(doneFile); err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	done, err := ReadTableSummary(doneFile)
	if err != nil {
		t.Fatalf("ReadTableSummary(doneFile) error: %v", err)
	}
	if done.DoneEpoch == 0 {
		t.Error("finished summary should have a nonzero doneEpoch")
	}
	if done.DoneEpoch < done.StartEpoch {
		t.Errorf("doneEpoch %d should not precede startEpoch %d", done.DoneEpoch, done.StartEpoch)
	}
	if done.Command != "COPY public.orders TO STDOUT" {
		t.Errorf("command = %q", done.Command)
	}
}

func TestReadTableSummary_RejectsShortFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "malformed")
	if err := writeAtomic(path, "1\n2\n3\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTableSummary(path); err == nil {
		t.Fatal("expected error for a summary with too few lines")
	}
}

func TestIndexSummary_DiscriminatesConstraint(t *testing.T) {
	dir := t.TempDir()
	indexDone := filepath.Join(dir, "16482.done")
	constraintDone := filepath.Join(dir, "16482.constraint.done")

	idx := OpenIndex(16482, "public", "orders_pkey", "CREATE UNIQUE INDEX ...", false)
	if err := idx.Finish(indexDone); err != nil {
		t.Fatal(err)
	}
	con := OpenIndex(16482, "public", "orders_pkey", "ALTER TABLE ... ADD CONSTRAINT ...", true)
	if err := con.Finish(constraintDone); err != nil {
		t.Fatal(err)
	}

	gotIdx, err := ReadIndexSummary(indexDone)
	if err != nil {
		t.Fatal(err)
	}
	if gotIdx.IsConstraint {
		t.Error("index done-file should not be marked as constraint")
	}
	gotCon, err := ReadIndexSummary(constraintDone)
	if err != nil {
		t.Fatal(err)
	}
	if !gotCon.IsConstraint {
		t.Error("constraint done-file should be marked as constraint")
	}

	// The on-disk record is exactly 8 positional lines, same as a table
	// summary; the discriminator lives in the file name alone.
	data, err := os.ReadFile(constraintDone)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "\n"); got != 8 {
		t.Errorf("index summary has %d lines, want 8", got)
	}
}

func TestBlobsSummary_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	doneFile := filepath.Join(dir, "blobs.done")

	s := OpenBlobs()
	if err := s.Finish(doneFile, 42); err != nil {
		t.Fatal(err)
	}
	got, err := ReadBlobsSummary(doneFile)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 42 {
		t.Errorf("Count = %d, want 42", got.Count)
	}
	if got.PID != s.PID {
		t.Errorf("PID = %d, want %d", got.PID, s.PID)
	}
}

func TestIndexList_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "public.orders.idxlist")

	entries := []IndexListEntry{
		{IndexOID: 16482, ConstraintOID: 16483},
		{IndexOID: 16490, ConstraintOID: 0},
	}
	if err := WriteIndexList(path, entries); err != nil {
		t.Fatal(err)
	}
	got, err := ReadIndexList(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0] != entries[0] || got[1] != entries[1] {
		t.Errorf("got %+v, want %+v", got, entries)
	}
}

func TestReadIndexList_RejectsMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.idxlist")
	if err := writeAtomic(path, "16482\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadIndexList(path); err == nil {
		t.Fatal("expected error for malformed index list line")
	}
}
