package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
)

// Result is the outcome of a ranged read (spec.md §4.K).
type Result struct {
	Records []Record
	// SkippedBatches counts record batches that could not be decoded
	// (truncated or corrupt trailing data); the Open Question in
	// spec.md §9 about corruption visibility is resolved by exposing
	// this counter without changing the silent-skip default behavior.
	SkippedBatches int
}

// Reader enumerates and decodes partition files under baseDir.
type Reader struct {
	baseDir string
	mem     memory.Allocator
	log     zerolog.Logger
}

// NewReader builds a Reader rooted at baseDir.
func NewReader(baseDir string, mem memory.Allocator, log zerolog.Logger) *Reader {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Reader{baseDir: baseDir, mem: mem, log: log.With().Str("component", "store.reader").Logger()}
}

// Read decodes every partition file whose calendar day falls in
// [start, end] (inclusive), applies filter to each row, and returns the
// matches.
func (r *Reader) Read(start, end time.Time, filter Filter) (Result, error) {
	paths, err := r.filesInRange(start, end)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, path := range paths {
		recs, skipped, err := r.readFile(path)
		if err != nil {
			return Result{}, fmt.Errorf("store: read %s: %w", path, err)
		}
		result.SkippedBatches += skipped
		for _, rec := range recs {
			if filter.Matches(rec) {
				result.Records = append(result.Records, rec)
			}
		}
	}
	return result, nil
}

// filesInRange builds the expected partition path for every day in
// [start, end] and keeps the ones that exist, in chronological order
// (_files_from_date_range in the original, which checks expected paths
// rather than globbing the tree).
func (r *Reader) filesInRange(start, end time.Time) ([]string, error) {
	start, end = start.UTC().Truncate(24*time.Hour), end.UTC().Truncate(24*time.Hour)
	if end.Before(start) {
		return nil, fmt.Errorf("store: end date %s before start date %s", end, start)
	}

	var paths []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		path := filepath.Join(r.baseDir, PathStub(d))
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// readFile decodes every well-formed batch in path. A truncated or
// corrupt trailing batch stops decoding that file (counted as one
// skipped batch) rather than failing the whole read (spec.md §4.K
// corrupt-batch tolerance).
func (r *Reader) readFile(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	rdr, err := ipc.NewReader(f, ipc.WithAllocator(r.mem))
	if err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("could not open partition file, skipping")
		return nil, 1, nil
	}
	defer rdr.Release()

	var out []Record
	skipped := 0
	for rdr.Next() {
		batch := rdr.Record()
		out = append(out, decodeBatch(batch)...)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		r.log.Warn().Err(err).Str("path", path).Msg("truncated or corrupt trailing batch, stopping partition read")
		skipped++
	}
	return out, skipped, nil
}

func decodeBatch(rec arrow.Record) []Record {
	n := int(rec.NumRows())
	out := make([]Record, n)

	topic := rec.Column(0).(*array.String)
	band := rec.Column(1).(*array.String)
	coverage := rec.Column(2).(*array.String)
	source := rec.Column(3).(*array.String)
	instrument := rec.Column(4).(*array.String)
	satID := rec.Column(5).(*array.String)
	section := rec.Column(6).(*array.String)
	receptionTime := rec.Column(7).(*array.Timestamp)
	startTime := rec.Column(8).(*array.Timestamp)
	endTime := rec.Column(9).(*array.Timestamp)
	createTime := rec.Column(10).(*array.Timestamp)

	for i := 0; i < n; i++ {
		out[i] = Record{
			Topic:         stringOrNil(topic, i),
			Band:          stringOrNil(band, i),
			Coverage:      stringOrNil(coverage, i),
			IngestSource:  stringOrNil(source, i),
			Instrument:    stringOrNil(instrument, i),
			SatelliteID:   stringOrNil(satID, i),
			Section:       stringOrNil(section, i),
			ReceptionTime: receptionTime.Value(i).ToTime(arrow.Microsecond),
			StartTime:     startTime.Value(i).ToTime(arrow.Microsecond),
			EndTime:       timeOrNil(endTime, i),
			CreateTime:    timeOrNil(createTime, i),
		}
	}
	return out
}

func stringOrNil(col *array.String, i int) *string {
	if col.IsNull(i) {
		return nil
	}
	v := col.Value(i)
	return &v
}

func timeOrNil(col *array.Timestamp, i int) *time.Time {
	if col.IsNull(i) {
		return nil
	}
	t := col.Value(i).ToTime(arrow.Microsecond)
	return &t
}
