package store

import "time"

// Record is one decoded row, with latency computed only on demand so
// callers that don't need it never pay for the subtraction (spec.md §4.K).
type Record struct {
	Topic         *string
	Band          *string
	Coverage      *string
	IngestSource  *string
	Instrument    *string
	SatelliteID   *string
	Section       *string
	ReceptionTime time.Time
	StartTime     time.Time
	EndTime       *time.Time
	CreateTime    *time.Time
}

// Latency returns reception_time minus start_time, in seconds.
func (r Record) Latency() float64 {
	return r.ReceptionTime.Sub(r.StartTime).Seconds()
}
