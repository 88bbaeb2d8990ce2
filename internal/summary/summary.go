// Package summary reads and writes the per-artifact progress records
// that back the work directory's resumability: one small positional
// text file per table, per index, and one for large objects, each
// written atomically by renaming a temp file into place.
package summary

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// TableSummary is the per-table progress record: 8 positional lines.
type TableSummary struct {
	PID        int
	OID        uint32
	Namespace  string
	Name       string
	StartEpoch int64
	DoneEpoch  int64
	DurationMs int64
	Command    string

	startedAt time.Time
}

// IndexSummary is the per-index (or per-constraint) progress record:
// 8 positional lines, the same layout as TableSummary. IsConstraint
// discriminates whether OID/Name refer to the index or the constraint
// backing it; it is carried by the artifact file name (.done vs
// .constraint.done), never by the record itself, so the on-disk format
// stays at exactly 8 lines.
type IndexSummary struct {
	PID          int
	OID          uint32
	Namespace    string
	Name         string
	StartEpoch   int64
	DoneEpoch    int64
	DurationMs   int64
	Command      string
	IsConstraint bool

	startedAt time.Time
}

// BlobsSummary is the large-object copy progress record: 3 lines.
type BlobsSummary struct {
	PID        int
	Count      int64
	DurationMs int64

	startedAt time.Time
}

const (
	tableSummaryLines = 8
	indexSummaryLines = 8
	blobsSummaryLines = 3
)

// OpenTable starts a table summary: sets startEpoch to now and arms a
// monotonic timer. WriteLock persists the record to a lock file.
func OpenTable(oid uint32, namespace, name, command string) *TableSummary {
	now := time.Now()
	return &TableSummary{
		PID:        os.Getpid(),
		OID:        oid,
		Namespace:  namespace,
		Name:       name,
		StartEpoch: now.Unix(),
		Command:    command,
		startedAt:  now,
	}
}

// WriteLock persists the opened summary to lockFile.
func (s *TableSummary) WriteLock(lockFile string) error {
	return writeAtomic(lockFile, s.encode())
}

// Finish sets doneEpoch and durationMs from the monotonic timer armed
// in OpenTable and persists the record to doneFile.
func (s *TableSummary) Finish(doneFile string) error {
	now := time.Now()
	s.DoneEpoch = now.Unix()
	s.DurationMs = now.Sub(s.startedAt).Milliseconds()
	return writeAtomic(doneFile, s.encode())
}

func (s *TableSummary) encode() string {
	var b strings.Builder
	fmt.Fprintln(&b, s.PID)
	fmt.Fprintln(&b, s.OID)
	fmt.Fprintln(&b, s.Namespace)
	fmt.Fprintln(&b, s.Name)
	fmt.Fprintln(&b, s.StartEpoch)
	fmt.Fprintln(&b, s.DoneEpoch)
	fmt.Fprintln(&b, s.DurationMs)
	fmt.Fprintln(&b, s.Command)
	return b.String()
}

// ReadTableSummary parses a table (or index-list-adjacent) summary
// file, failing if fewer than the required number of lines are present.
func ReadTableSummary(path string) (*TableSummary, error) {
	lines, err := readLines(path, tableSummaryLines)
	if err != nil {
		return nil, err
	}
	s := &TableSummary{}
	var fields []error
	s.PID = atoi(lines[0], &fields)
	s.OID = uint32(atoi(lines[1], &fields))
	s.Namespace = lines[2]
	s.Name = lines[3]
	s.StartEpoch = atoi64(lines[4], &fields)
	s.DoneEpoch = atoi64(lines[5], &fields)
	s.DurationMs = atoi64(lines[6], &fields)
	s.Command = lines[7]
	if len(fields) > 0 {
		return nil, fmt.Errorf("parse table summary %s: %w", path, fields[0])
	}
	return s, nil
}

// OpenIndex starts an index (or constraint) summary.
func OpenIndex(oid uint32, namespace, name, command string, isConstraint bool) *IndexSummary {
	now := time.Now()
	return &IndexSummary{
		PID:          os.Getpid(),
		OID:          oid,
		Namespace:    namespace,
		Name:         name,
		StartEpoch:   now.Unix(),
		Command:      command,
		IsConstraint: isConstraint,
		startedAt:    now,
	}
}

// WriteLock persists the opened summary to lockFile.
func (s *IndexSummary) WriteLock(lockFile string) error {
	return writeAtomic(lockFile, s.encode())
}

// Finish sets doneEpoch/durationMs and persists to doneFile. Index and
// constraint steps use two distinct done-files so a constraint can
// finish long after its backing index.
func (s *IndexSummary) Finish(doneFile string) error {
	now := time.Now()
	s.DoneEpoch = now.Unix()
	s.DurationMs = now.Sub(s.startedAt).Milliseconds()
	return writeAtomic(doneFile, s.encode())
}

func (s *IndexSummary) encode() string {
	var b strings.Builder
	fmt.Fprintln(&b, s.PID)
	fmt.Fprintln(&b, s.OID)
	fmt.Fprintln(&b, s.Namespace)
	fmt.Fprintln(&b, s.Name)
	fmt.Fprintln(&b, s.StartEpoch)
	fmt.Fprintln(&b, s.DoneEpoch)
	fmt.Fprintln(&b, s.DurationMs)
	fmt.Fprintln(&b, s.Command)
	return b.String()
}

// ReadIndexSummary parses an index summary file. The constraint
// discriminator is recovered from the file name, not the record.
func ReadIndexSummary(path string) (*IndexSummary, error) {
	lines, err := readLines(path, indexSummaryLines)
	if err != nil {
		return nil, err
	}
	s := &IndexSummary{}
	var fields []error
	s.PID = atoi(lines[0], &fields)
	s.OID = uint32(atoi(lines[1], &fields))
	s.Namespace = lines[2]
	s.Name = lines[3]
	s.StartEpoch = atoi64(lines[4], &fields)
	s.DoneEpoch = atoi64(lines[5], &fields)
	s.DurationMs = atoi64(lines[6], &fields)
	s.Command = lines[7]
	s.IsConstraint = strings.HasSuffix(path, ".constraint.done") || strings.HasSuffix(path, ".constraint.lock")
	if len(fields) > 0 {
		return nil, fmt.Errorf("parse index summary %s: %w", path, fields[0])
	}
	return s, nil
}

// OpenBlobs starts the large-object copy summary.
func OpenBlobs() *BlobsSummary {
	return &BlobsSummary{PID: os.Getpid(), startedAt: time.Now()}
}

// WriteLock persists the opened summary to lockFile.
func (s *BlobsSummary) WriteLock(lockFile string) error {
	return writeAtomic(lockFile, s.encode())
}

// Finish sets count/durationMs and persists to doneFile.
func (s *BlobsSummary) Finish(doneFile string, count int64) error {
	s.Count = count
	s.DurationMs = time.Since(s.startedAt).Milliseconds()
	return writeAtomic(doneFile, s.encode())
}

func (s *BlobsSummary) encode() string {
	var b strings.Builder
	fmt.Fprintln(&b, s.PID)
	fmt.Fprintln(&b, s.Count)
	fmt.Fprintln(&b, s.DurationMs)
	return b.String()
}

// ReadBlobsSummary parses the large-object copy summary file.
func ReadBlobsSummary(path string) (*BlobsSummary, error) {
	lines, err := readLines(path, blobsSummaryLines)
	if err != nil {
		return nil, err
	}
	s := &BlobsSummary{}
	var fields []error
	s.PID = atoi(lines[0], &fields)
	s.Count = atoi64(lines[1], &fields)
	s.DurationMs = atoi64(lines[2], &fields)
	if len(fields) > 0 {
		return nil, fmt.Errorf("parse blobs summary %s: %w", path, fields[0])
	}
	return s, nil
}

// IndexListEntry is one line of a table's index-list file: an index
// oid paired with the oid of the constraint it backs, or 0 if none.
type IndexListEntry struct {
	IndexOID      uint32
	ConstraintOID uint32
}

// WriteIndexList persists the table's index list, one pair per line,
// "indexOid constraintOid".
func WriteIndexList(path string, entries []IndexListEntry) error {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%d %d\n", e.IndexOID, e.ConstraintOID)
	}
	return writeAtomic(path, b.String())
}

// ReadIndexList parses a table's index-list file.
func ReadIndexList(path string) ([]IndexListEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []IndexListEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed index list line %q in %s", line, path)
		}
		idx, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse index oid in %s: %w", path, err)
		}
		con, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse constraint oid in %s: %w", path, err)
		}
		entries = append(entries, IndexListEntry{IndexOID: uint32(idx), ConstraintOID: uint32(con)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// writeAtomic writes content to a temp file alongside path and renames
// it into place, so a reader never observes a partially written record.
func writeAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

func readLines(path string, minLines int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < minLines {
		return nil, fmt.Errorf("%s: expected at least %d lines, got %d", path, minLines, len(lines))
	}
	return lines, nil
}

func atoi(s string, errs *[]error) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		*errs = append(*errs, err)
	}
	return n
}

func atoi64(s string, errs *[]error) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		*errs = append(*errs, err)
	}
	return n
}
