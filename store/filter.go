package store

import (
	"regexp"
	"strings"
	"time"
)

// startTimeLikeLayout mirrors pyarrow's pc.strftime default format, the
// string form the original's pc.match_like(pc.strftime(field("start_time")),
// date_like) compares against.
const startTimeLikeLayout = "2006-01-02T15:04:05"

// Filter describes the reader predicate built by the sat-latency-interface
// CLI: equality sets on the categorical metadata columns, a topic regexp,
// a SQL-LIKE glob against the stringified start_time, and a start_time
// day-match or range (spec.md §4.K "filter grammar", rendered as a typed
// struct per SPEC_FULL.md 4.J/4.K rather than a parsed textual DSL).
type Filter struct {
	SatelliteIDs []string
	Bands        []string
	Coverages    []string
	Sections     []string
	Sources      []string
	Instruments  []string

	TopicPattern *regexp.Regexp

	// DateLike is a SQL-LIKE pattern ("_" matches one character, "%"
	// matches zero or more) matched against start_time formatted as
	// startTimeLikeLayout, e.g. "2025-01-02%" for a calendar day.
	// Ignored when empty.
	DateLike string

	// StartDate restricts to rows whose start_time falls on this
	// calendar day (UTC), ignored when zero.
	StartDate time.Time
	// StartAfter/StartBefore bound start_time to [StartAfter, StartBefore),
	// ignored individually when zero.
	StartAfter  time.Time
	StartBefore time.Time
}

// Matches reports whether r satisfies every configured predicate. An
// unset predicate (nil pattern, empty set, zero time) always passes.
func (f Filter) Matches(r Record) bool {
	if !matchSet(f.SatelliteIDs, r.SatelliteID) ||
		!matchSet(f.Bands, r.Band) ||
		!matchSet(f.Coverages, r.Coverage) ||
		!matchSet(f.Sections, r.Section) ||
		!matchSet(f.Sources, r.IngestSource) ||
		!matchSet(f.Instruments, r.Instrument) {
		return false
	}

	if f.TopicPattern != nil {
		if r.Topic == nil || !f.TopicPattern.MatchString(*r.Topic) {
			return false
		}
	}

	if f.DateLike != "" && !likeMatch(f.DateLike, r.StartTime.UTC().Format(startTimeLikeLayout)) {
		return false
	}

	if !f.StartDate.IsZero() && !sameDate(f.StartDate, r.StartTime) {
		return false
	}
	if !f.StartAfter.IsZero() && r.StartTime.Before(f.StartAfter) {
		return false
	}
	if !f.StartBefore.IsZero() && !r.StartTime.Before(f.StartBefore) {
		return false
	}
	return true
}

// likeMatch implements SQL LIKE semantics ("_" = one char, "%" = zero or
// more) against s, mirroring pc.match_like in the original interface.py.
func likeMatch(pattern, s string) bool {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.MustCompile(b.String()).MatchString(s)
}

func matchSet(set []string, v *string) bool {
	if len(set) == 0 {
		return true
	}
	if v == nil {
		return false
	}
	for _, s := range set {
		if s == *v {
			return true
		}
	}
	return false
}
