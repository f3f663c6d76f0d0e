// Package ingest decodes the "!"-delimited stdin line format consumed by
// the sat-latency-pipeline daemon (spec.md §4.H).
//
// Grounded on original_source/rt_latency/src/sat_latency/pipeline/extract.py
// (the fixed field list, the "!" separator, and the "?UNKNOWN?" sentinel
// that maps to a null field).
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Fields lists the record's columns in wire order (spec.md §4.H).
var Fields = []string{
	"topic",
	"band",
	"coverage",
	"ingest_source",
	"instrument",
	"satellite_id",
	"section",
	"reception_time",
	"start_time",
	"end_time",
	"create_time",
}

const separator = "!"

// UnknownSentinel marks a field as absent on the wire; it decodes to nil.
const UnknownSentinel = "?UNKNOWN?"

// Record is one decoded ingest line, keyed by Fields; absent values are
// nil.
type Record map[string]*string

// Parser reads "!"-delimited records line by line from r.
type Parser struct {
	scanner *bufio.Scanner
	log     zerolog.Logger
}

// NewParser wraps r in a line-oriented scanner.
func NewParser(r io.Reader, log zerolog.Logger) *Parser {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Parser{scanner: s, log: log.With().Str("component", "ingest").Logger()}
}

// Next returns the next well-formed record, or (nil, false) once the
// stream is exhausted. Malformed lines (wrong field count, blank) are
// logged and skipped, not returned as errors (spec.md §7).
func (p *Parser) Next() (Record, bool) {
	for p.scanner.Scan() {
		line := p.scanner.Text()
		rec, err := parseLine(line)
		if err != nil {
			p.log.Warn().Err(err).Str("line", line).Msg("malformed ingest line, skipping")
			continue
		}
		return rec, true
	}
	return nil, false
}

// Err reports any error the underlying scanner encountered (not malformed
// lines, which are already handled by Next).
func (p *Parser) Err() error {
	return p.scanner.Err()
}

func parseLine(line string) (Record, error) {
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("ingest: blank line")
	}
	parts := strings.Split(line, separator)
	if len(parts) != len(Fields) {
		return nil, fmt.Errorf("ingest: expected %d fields, got %d", len(Fields), len(parts))
	}

	rec := make(Record, len(Fields))
	for i, field := range Fields {
		v := parts[i]
		if v == UnknownSentinel {
			rec[field] = nil
			continue
		}
		vv := v
		rec[field] = &vv
	}
	return rec, nil
}
