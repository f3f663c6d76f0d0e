package store

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
)

// startTimeColumn is the index of the start_time field in batch.Schema,
// used to split an incoming record into per-day partitions.
const startTimeColumn = 8

// Writer appends RecordBatches to date-partitioned Arrow IPC stream files
// under baseDir, keeping at most MaxOpenFiles open at a time.
type Writer struct {
	baseDir string
	pool    *writerPool
	log     zerolog.Logger
}

// NewWriter builds a Writer rooted at baseDir (spec.md §6 SAT_LATENCY_DIR).
func NewWriter(baseDir string, mem memory.Allocator, log zerolog.Logger) *Writer {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	log = log.With().Str("component", "store.writer").Logger()
	return &Writer{baseDir: baseDir, pool: newWriterPool(mem, MaxOpenFiles, log), log: log}
}

// WriteRecord splits rec into contiguous runs of rows sharing the same
// calendar start_time date and appends each run to its partition file.
// Rows are assumed to arrive in roughly chronological order, as produced
// by batch.FromRecords over one flush window; a run boundary is detected
// whenever the date changes.
func (w *Writer) WriteRecord(rec arrow.Record) error {
	n := int(rec.NumRows())
	if n == 0 {
		return nil
	}
	col, ok := rec.Column(startTimeColumn).(*array.Timestamp)
	if !ok {
		return fmt.Errorf("store: column %d is not a timestamp array", startTimeColumn)
	}

	i := 0
	for i < n {
		date := col.Value(i).ToTime(arrow.Microsecond)
		j := i + 1
		for j < n && sameDate(col.Value(j).ToTime(arrow.Microsecond), date) {
			j++
		}

		slice := rec.NewSlice(int64(i), int64(j))
		err := w.writeSlice(date, slice)
		slice.Release()
		if err != nil {
			return err
		}
		i = j
	}
	return nil
}

func (w *Writer) writeSlice(date time.Time, rec arrow.Record) error {
	path := filepath.Join(w.baseDir, PathStub(date))
	of, err := w.pool.get(path, rec.Schema())
	if err != nil {
		return err
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	if err := of.w.Write(rec); err != nil {
		return fmt.Errorf("store: write batch to %s: %w", path, err)
	}
	return nil
}

// Close flushes and closes every open partition file.
func (w *Writer) Close() error {
	return w.pool.closeAll()
}
