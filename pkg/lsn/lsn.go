package lsn

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}

// DefaultWalSegSz is the default WAL segment size (bytes) used by Postgres
// unless the cluster was initdb'd with --wal-segsize.
const DefaultWalSegSz = 16 * 1024 * 1024

// SegmentNumber returns the WAL segment number containing the given LSN,
// for a cluster with the given segment size in bytes.
func SegmentNumber(position pglogrepl.LSN, walSegSz uint64) uint64 {
	if walSegSz == 0 {
		walSegSz = DefaultWalSegSz
	}
	return uint64(position) / walSegSz
}

// SegmentStart returns the first LSN belonging to the given segment number.
func SegmentStart(segment uint64, walSegSz uint64) pglogrepl.LSN {
	if walSegSz == 0 {
		walSegSz = DefaultWalSegSz
	}
	return pglogrepl.LSN(segment * walSegSz)
}
