package batch

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssec-wisc/rt-latency/ingest"
)

func strp(s string) *string { return &s }

func validRecord() ingest.Record {
	return ingest.Record{
		"topic":           strp("weather.satA"),
		"band":            strp("IR"),
		"coverage":        strp("0.5"),
		"ingest_source":   strp("noaa"),
		"instrument":      strp("ABI"),
		"satellite_id":    strp("G16"),
		"section":         strp("FD"),
		"reception_time":  strp("2026-08-01T00:00:01Z"),
		"start_time":      strp("2026-08-01T00:00:00Z"),
		"end_time":        nil,
		"create_time":     nil,
	}
}

func TestFromRecordsBuildsOneRowPerValidRecord(t *testing.T) {
	rec, skipped := FromRecords([]ingest.Record{validRecord()}, memory.NewGoAllocator(), zerolog.Nop())
	defer rec.Release()

	assert.Equal(t, 0, skipped)
	require.Equal(t, int64(1), rec.NumRows())
	assert.Equal(t, int64(11), rec.NumCols())
}

func TestFromRecordsDiscardsRecordMissingStartTime(t *testing.T) {
	bad := validRecord()
	bad["start_time"] = nil

	rec, skipped := FromRecords([]ingest.Record{bad, validRecord()}, memory.NewGoAllocator(), zerolog.Nop())
	defer rec.Release()

	assert.Equal(t, 1, skipped)
	assert.Equal(t, int64(1), rec.NumRows())
}

func TestFromRecordsDiscardsUnparseableReceptionTime(t *testing.T) {
	bad := validRecord()
	bad["reception_time"] = strp("not-a-time")

	rec, skipped := FromRecords([]ingest.Record{bad}, memory.NewGoAllocator(), zerolog.Nop())
	defer rec.Release()

	assert.Equal(t, 1, skipped)
	assert.Equal(t, int64(0), rec.NumRows())
}
