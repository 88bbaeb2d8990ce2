// Package report renders the final textual summary a pgcopydb run
// prints on completion: phase, LSN position and lag, per-table
// progress, throughput, and a per-step timing breakdown read back from
// the work directory's summary records.
package report

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/sentinel"
	"github.com/jfoltran/pgcopydb/internal/summary"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

// Render writes a status report in the same layout as `pgcopydb status`:
// phase/elapsed/LSN/lag header, per-table progress lines, and an error
// line when any occurred.
func Render(w *strings.Builder, snap metrics.Snapshot) {
	age := time.Since(snap.Timestamp)
	stale := ""
	if age > 10*time.Second {
		stale = fmt.Sprintf(" (stale — %s ago)", age.Truncate(time.Second))
	}

	fmt.Fprintf(w, "Phase:         %s%s\n", snap.Phase, stale)
	fmt.Fprintf(w, "Elapsed:       %.0fs\n", snap.ElapsedSec)
	fmt.Fprintf(w, "Applied LSN:   %s\n", snap.AppliedLSN)
	fmt.Fprintf(w, "Confirmed LSN: %s\n", snap.ConfirmedLSN)
	fmt.Fprintf(w, "Lag:           %s\n", snap.LagFormatted)
	fmt.Fprintf(w, "Tables:        %d/%d copied\n", snap.TablesCopied, snap.TablesTotal)
	fmt.Fprintf(w, "Indexes:       %d/%d built\n", snap.IndexesBuilt, snap.IndexesTotal)
	fmt.Fprintf(w, "Vacuumed:      %d/%d tables\n", snap.TablesVacuumed, snap.TablesTotal)
	if snap.BlobsCopied > 0 {
		fmt.Fprintf(w, "Large objects: %d\n", snap.BlobsCopied)
	}
	fmt.Fprintf(w, "Throughput:    %.0f rows/s, %.0f bytes/s\n", snap.RowsPerSec, snap.BytesPerSec)
	fmt.Fprintf(w, "Total:         %d rows, %d bytes\n", snap.TotalRows, snap.TotalBytes)

	if snap.ErrorCount > 0 {
		fmt.Fprintf(w, "Errors:        %d (last: %s)\n", snap.ErrorCount, snap.LastError)
	}

	if len(snap.Tables) > 0 {
		fmt.Fprintln(w, "\nTables:")
		for _, t := range snap.Tables {
			fmt.Fprintf(w, "  %s.%-30s %-10s %5.1f%%  (%d/%d rows)\n",
				t.Schema, t.Name, t.Status, t.Percent, t.RowsCopied, t.RowsTotal)
		}
	}
}

// RenderSentinel appends the CDC coordination state to the report —
// useful during `stream` phases and for switchover operators polling
// whether apply has drained to the configured end position.
func RenderSentinel(w *strings.Builder, rec sentinel.Sentinel) {
	fmt.Fprintln(w, "\nCDC:")
	fmt.Fprintf(w, "  start lsn:     %s\n", rec.StartLSN)
	if rec.EndLSN != 0 {
		fmt.Fprintf(w, "  end lsn:       %s\n", rec.EndLSN)
	}
	fmt.Fprintf(w, "  replay lsn:    %s\n", rec.ReplayLSN)
	fmt.Fprintf(w, "  apply enabled: %t\n", rec.ApplyEnabled)
	if rec.EndLSN != 0 {
		fmt.Fprintf(w, "  reached end:   %t\n", rec.ReachedEndPos())
	}
}

// StepTiming is one row of the per-step duration breakdown.
type StepTiming struct {
	Name       string
	DurationMs int64
}

// StepTimings reads every table/index/blob done-file under the work
// directory and returns one StepTiming per artifact, sorted slowest
// first, so an operator can see which step is worth tuning workers for.
func StepTimings(p *workdir.Paths) ([]StepTiming, error) {
	var timings []StepTiming

	tableEntries, err := os.ReadDir(p.TablesDir)
	if err == nil {
		for _, e := range tableEntries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".done") {
				continue
			}
			s, err := summary.ReadTableSummary(p.TablesDir + "/" + e.Name())
			if err != nil {
				continue
			}
			timings = append(timings, StepTiming{Name: s.Namespace + "." + s.Name, DurationMs: s.DurationMs})
		}
	}

	indexEntries, err := os.ReadDir(p.IndexesDir)
	if err == nil {
		for _, e := range indexEntries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".done") {
				continue
			}
			s, err := summary.ReadIndexSummary(p.IndexesDir + "/" + e.Name())
			if err != nil {
				continue
			}
			label := s.Namespace + "." + s.Name
			if s.IsConstraint {
				label += " (constraint)"
			}
			timings = append(timings, StepTiming{Name: label, DurationMs: s.DurationMs})
		}
	}

	if blobs, err := summary.ReadBlobsSummary(p.BlobsDoneFile); err == nil {
		timings = append(timings, StepTiming{Name: fmt.Sprintf("large objects (%d)", blobs.Count), DurationMs: blobs.DurationMs})
	}

	sort.Slice(timings, func(i, j int) bool { return timings[i].DurationMs > timings[j].DurationMs })
	return timings, nil
}

// RenderStepTimings appends the per-step duration breakdown to the
// report.
func RenderStepTimings(w *strings.Builder, timings []StepTiming) {
	if len(timings) == 0 {
		return
	}
	fmt.Fprintln(w, "\nStep timings:")
	for _, t := range timings {
		fmt.Fprintf(w, "  %-40s %8dms\n", t.Name, t.DurationMs)
	}
}
