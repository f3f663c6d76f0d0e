package store

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssec-wisc/rt-latency/batch"
	"github.com/ssec-wisc/rt-latency/ingest"
)

func TestPathStubFormat(t *testing.T) {
	d := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("2026", "2026_08", "2026_08_01_latencies.arrows"), PathStub(d))
}

func strp(s string) *string { return &s }

func ingestRecordAt(startTime, receptionTime string) ingest.Record {
	return ingest.Record{
		"topic":          strp("weather.satA"),
		"band":           strp("IR"),
		"coverage":       strp("0.5"),
		"ingest_source":  strp("noaa"),
		"instrument":     strp("ABI"),
		"satellite_id":   strp("G16"),
		"section":        strp("FD"),
		"reception_time": strp(receptionTime),
		"start_time":     strp(startTime),
		"end_time":       nil,
		"create_time":    nil,
	}
}

func TestWriteThenReadRoundTripComputesLatency(t *testing.T) {
	dir := t.TempDir()
	mem := memory.NewGoAllocator()
	log := zerolog.Nop()

	recs := []ingest.Record{
		ingestRecordAt("2026-08-01T00:00:00Z", "2026-08-01T00:00:05Z"),
	}
	arrowRec, skipped := batch.FromRecords(recs, mem, log)
	require.Equal(t, 0, skipped)
	defer arrowRec.Release()

	w := NewWriter(dir, mem, log)
	require.NoError(t, w.WriteRecord(arrowRec))
	require.NoError(t, w.Close())

	r := NewReader(dir, mem, log)
	start := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	result, err := r.Read(start, start, Filter{})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.InDelta(t, 5.0, result.Records[0].Latency(), 0.001)
	assert.Equal(t, 0, result.SkippedBatches)
}

func TestWriteSplitsRecordAcrossDayBoundary(t *testing.T) {
	dir := t.TempDir()
	mem := memory.NewGoAllocator()
	log := zerolog.Nop()

	recs := []ingest.Record{
		ingestRecordAt("2026-08-01T23:59:00Z", "2026-08-01T23:59:01Z"),
		ingestRecordAt("2026-08-02T00:00:00Z", "2026-08-02T00:00:01Z"),
	}
	arrowRec, skipped := batch.FromRecords(recs, mem, log)
	require.Equal(t, 0, skipped)
	defer arrowRec.Release()

	w := NewWriter(dir, mem, log)
	require.NoError(t, w.WriteRecord(arrowRec))
	require.NoError(t, w.Close())

	r := NewReader(dir, mem, log)
	start := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.August, 2, 0, 0, 0, 0, time.UTC)
	result, err := r.Read(start, end, Filter{})
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
}

func TestFilterMatchesEqualitySetsAndTopicPattern(t *testing.T) {
	rec := Record{
		Topic:       strp("weather.satA"),
		SatelliteID: strp("G16"),
		Band:        strp("IR"),
		StartTime:   time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
	}

	assert.True(t, Filter{}.Matches(rec))
	assert.True(t, Filter{SatelliteIDs: []string{"G16", "G17"}}.Matches(rec))
	assert.False(t, Filter{SatelliteIDs: []string{"G17"}}.Matches(rec))
	assert.True(t, Filter{TopicPattern: regexp.MustCompile(`^weather\.`)}.Matches(rec))
	assert.False(t, Filter{TopicPattern: regexp.MustCompile(`^climate\.`)}.Matches(rec))
}

func TestFilterStartTimeRangeIsHalfOpen(t *testing.T) {
	rec := Record{StartTime: time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)}
	boundary := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, Filter{StartAfter: boundary}.Matches(rec))
	assert.False(t, Filter{StartBefore: boundary}.Matches(rec))
}

func TestFilterDateLikeGlobMatchesStartTime(t *testing.T) {
	rec := Record{StartTime: time.Date(2026, time.August, 1, 12, 30, 5, 0, time.UTC)}

	assert.True(t, Filter{DateLike: "2026-08-01%"}.Matches(rec))
	assert.True(t, Filter{DateLike: "2026-08-__%12:30:05"}.Matches(rec))
	assert.False(t, Filter{DateLike: "2026-08-02%"}.Matches(rec))
}
