// Package store implements the date-partitioned Arrow IPC file layout:
// an LRU-pooled writer and a ranged, filtered reader that computes
// latency only when data is read back (spec.md §4.J/4.K).
//
// Grounded on original_source/rt_latency/src/sat_latency/pipeline/load.py
// (_path_stub_from_date, BatchWriter's LRU pool, _yield_batches/
// _files_from_date_range, read_satellite_data's latency computation).
package store

import (
	"fmt"
	"path/filepath"
	"time"
)

// PathStub returns the partition-relative path for the calendar day of t,
// e.g. "2026/2026_08/2026_08_01_latencies.arrows" (spec.md §4.J).
func PathStub(t time.Time) string {
	t = t.UTC()
	return filepath.Join(
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%04d_%02d", t.Year(), int(t.Month())),
		fmt.Sprintf("%04d_%02d_%02d_latencies.arrows", t.Year(), int(t.Month()), t.Day()),
	)
}

func sameDate(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
