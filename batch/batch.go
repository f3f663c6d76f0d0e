// Package batch turns a slice of decoded ingest.Record values into an
// Arrow RecordBatch matching the storage schema (spec.md §4.I).
//
// Grounded on original_source/rt_latency/src/sat_latency/pipeline/transform.py
// (the schema split into string metadata fields plus four timestamp
// fields, and per-field timestamp casting) and message/date_helpers.go's
// ForgivingTimeParse multi-layout idea, narrowed to the two ISO-8601
// layouts the ingest format actually produces.
package batch

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"

	"github.com/ssec-wisc/rt-latency/ingest"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// Schema is the fixed storage layout: seven nullable string metadata
// fields plus four timestamp fields, two of which are non-null
// (spec.md §4.I).
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "topic", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "band", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "coverage", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "ingest_source", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "instrument", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "satellite_id", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "section", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "reception_time", Type: timestampType, Nullable: false},
	{Name: "start_time", Type: timestampType, Nullable: false},
	{Name: "end_time", Type: timestampType, Nullable: true},
	{Name: "create_time", Type: timestampType, Nullable: true},
}, nil)

var stringFields = []string{"topic", "band", "coverage", "ingest_source", "instrument", "satellite_id", "section"}

// timeLayouts are tried in order; the third assumes UTC when no offset is
// present, which is how the ingest source actually writes its timestamps.
var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("batch: unparseable timestamp %q", s)
}

// FromRecords builds one arrow.Record from recs, skipping (and logging)
// any record whose reception_time or start_time is missing or
// unparseable, since those columns are non-nullable (spec.md §4.I).
func FromRecords(recs []ingest.Record, mem memory.Allocator, log zerolog.Logger) (arrow.Record, int) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	skipped := 0
	for _, rec := range recs {
		receptionTime, ok := requiredTimestamp(rec, "reception_time", log)
		if !ok {
			skipped++
			continue
		}
		startTime, ok := requiredTimestamp(rec, "start_time", log)
		if !ok {
			skipped++
			continue
		}

		for i, field := range stringFields {
			appendNullableString(b.Field(i).(*array.StringBuilder), rec[field])
		}
		appendTimestamp(b.Field(7).(*array.TimestampBuilder), receptionTime)
		appendTimestamp(b.Field(8).(*array.TimestampBuilder), startTime)
		appendOptionalTimestamp(b.Field(9).(*array.TimestampBuilder), rec["end_time"], log)
		appendOptionalTimestamp(b.Field(10).(*array.TimestampBuilder), rec["create_time"], log)
	}

	return b.NewRecord(), skipped
}

func requiredTimestamp(rec ingest.Record, field string, log zerolog.Logger) (time.Time, bool) {
	v := rec[field]
	if v == nil {
		log.Warn().Str("field", field).Msg("missing required timestamp, discarding record")
		return time.Time{}, false
	}
	t, err := parseTime(*v)
	if err != nil {
		log.Warn().Err(err).Str("field", field).Msg("unparseable required timestamp, discarding record")
		return time.Time{}, false
	}
	return t, true
}

func appendNullableString(b *array.StringBuilder, v *string) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(*v)
}

func appendTimestamp(b *array.TimestampBuilder, t time.Time) {
	ts, err := arrow.TimestampFromTime(t, arrow.Microsecond)
	if err != nil {
		b.AppendNull()
		return
	}
	b.Append(ts)
}

func appendOptionalTimestamp(b *array.TimestampBuilder, v *string, log zerolog.Logger) {
	if v == nil {
		b.AppendNull()
		return
	}
	t, err := parseTime(*v)
	if err != nil {
		log.Warn().Err(err).Msg("unparseable optional timestamp, storing null")
		b.AppendNull()
		return
	}
	appendTimestamp(b, t)
}
