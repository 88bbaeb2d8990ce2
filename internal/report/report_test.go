package report

import (
	"strings"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/sentinel"
)

func TestRenderIncludesCoreFields(t *testing.T) {
	snap := metrics.Snapshot{
		Timestamp:    time.Now(),
		Phase:        "copying",
		ElapsedSec:   12.5,
		AppliedLSN:   "0/100",
		ConfirmedLSN: "0/100",
		LagFormatted: "0B",
		TablesTotal:  3,
		TablesCopied: 1,
		RowsPerSec:   100,
		BytesPerSec:  1000,
		TotalRows:    500,
		TotalBytes:   5000,
		Tables: []metrics.TableProgress{
			{Schema: "public", Name: "widgets", Status: metrics.TableCopying, Percent: 50, RowsCopied: 50, RowsTotal: 100},
		},
	}

	var w strings.Builder
	Render(&w, snap)
	out := w.String()

	for _, want := range []string{"Phase:", "copying", "Applied LSN:", "0/100", "public.widgets", "50.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q in:\n%s", want, out)
		}
	}
}

func TestRenderSentinel(t *testing.T) {
	rec := sentinel.Sentinel{
		StartLSN: pglogrepl.LSN(0x10), EndLSN: pglogrepl.LSN(0x100),
		ReplayLSN: pglogrepl.LSN(0x100), ApplyEnabled: true,
	}
	var w strings.Builder
	RenderSentinel(&w, rec)
	out := w.String()
	if !strings.Contains(out, "reached end:   true") {
		t.Errorf("expected reached-end true, got:\n%s", out)
	}
}

func TestRenderStepTimingsEmptyIsNoop(t *testing.T) {
	var w strings.Builder
	RenderStepTimings(&w, nil)
	if w.Len() != 0 {
		t.Errorf("expected no output for empty timings, got %q", w.String())
	}
}
