package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/pgcopydb/internal/metrics"
)

var (
	progressFullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	progressEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#374151"))
	progressPhaseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderProgress renders the overall progress bar over the table-data
// phase, plus a per-phase counter line (indexes, vacuum, large objects)
// since those phases overlap the copy instead of following it.
func RenderProgress(snap metrics.Snapshot, width int) string {
	total := snap.TablesTotal
	copied := snap.TablesCopied
	if total == 0 {
		return "  No tables to copy"
	}

	pct := float64(copied) / float64(total) * 100

	barWidth := width - 40
	if barWidth < 10 {
		barWidth = 10
	}
	filled := int(float64(barWidth) * pct / 100)
	if filled > barWidth {
		filled = barWidth
	}

	bar := progressFullStyle.Render(strings.Repeat("█", filled)) +
		progressEmptyStyle.Render(strings.Repeat("░", barWidth-filled))

	phases := progressPhaseStyle.Render(fmt.Sprintf(
		"indexes %d/%d   vacuumed %d/%d   large objects %d",
		snap.IndexesBuilt, snap.IndexesTotal, snap.TablesVacuumed, snap.TablesTotal, snap.BlobsCopied))

	return fmt.Sprintf("  Copy: %s %5.1f%% (%d/%d tables)\n  %s",
		bar, pct, copied, total, phases)
}
