// Package dispatch implements the Passthrough/Race/Compete window
// administration described in spec.md §4.D.
//
// Grounded on original_source/rt_latency/src/amqpfind/amqpfind.py's
// Dispatcher class: the mode table, _dispatch_race/_dispatch_compete,
// _clean_expired/max_sleep_til_next_window, and the shuffle-then-fold
// non-deterministic tie-break.
package dispatch

import (
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/ssec-wisc/rt-latency/event"
	"github.com/ssec-wisc/rt-latency/transform"
)

// Mode selects how the dispatcher administers windows (spec.md §4.D).
type Mode int

const (
	Passthrough Mode = iota
	Race
	Compete
)

// Config configures one Dispatcher instance.
type Config struct {
	Mode Mode
	// KeyExpr groups events into the same window; required for Race and
	// Compete, ignored for Passthrough.
	KeyExpr string
	// ScoreExpr selects the window's winner in Compete mode. A "cmp:"
	// prefix marks a pairwise comparator over a/b; anything else is a
	// scalar expression maximized across candidates (SPEC_FULL.md 4.D).
	ScoreExpr string
	Horizon   time.Duration
	Transforms *transform.Chain
}

const cmpPrefix = "cmp:"

// Dispatcher holds open windows and resolves them on Tick.
type Dispatcher struct {
	cfg       Config
	keyProg   *vm.Program
	scoreProg *vm.Program
	scoreIsCmp bool

	windows map[any]*event.WindowEntry
	ready   []event.Event

	log zerolog.Logger
	rng *rand.Rand
}

// New compiles the key/score expressions and returns a ready Dispatcher.
func New(cfg Config, log zerolog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:     cfg,
		windows: make(map[any]*event.WindowEntry),
		log:     log.With().Str("component", "dispatch").Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if cfg.Mode != Passthrough {
		if cfg.KeyExpr == "" {
			return nil, fmt.Errorf("dispatch: mode requires a key expression")
		}
		prog, err := expr.Compile(cfg.KeyExpr, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("dispatch: compile key expression: %w", err)
		}
		d.keyProg = prog
	}

	if cfg.Mode == Compete {
		if cfg.ScoreExpr == "" {
			return nil, fmt.Errorf("dispatch: compete mode requires a score expression")
		}
		src := cfg.ScoreExpr
		env := map[string]any{}
		if isCmpExpr(src) {
			d.scoreIsCmp = true
			src = src[len(cmpPrefix):]
			env = map[string]any{"a": map[string]any{}, "b": map[string]any{}}
		}
		prog, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("dispatch: compile score expression: %w", err)
		}
		d.scoreProg = prog
	}

	return d, nil
}

func isCmpExpr(s string) bool {
	return len(s) >= len(cmpPrefix) && s[:len(cmpPrefix)] == cmpPrefix
}

// Accept enriches the event with default metadata, applies the configured
// transform chain, and admits it into the dispatcher's window state
// (spec.md §4.D). Passthrough and the first arrival of a Race window queue
// for immediate emission on the caller's next Tick; later Race arrivals
// before the horizon are dropped; Compete accumulates candidates to fold
// on Tick/Drain.
func (d *Dispatcher) Accept(ev event.Event) {
	enrichMetadata(&ev)
	if d.cfg.Transforms != nil {
		d.cfg.Transforms.Apply(ev.Payload)
	}

	switch d.cfg.Mode {
	case Passthrough:
		d.ready = append(d.ready, ev)
	case Race:
		key := d.evalKey(ev.Payload)
		now := time.Now().UTC()
		if w, ok := d.windows[key]; ok && now.Before(w.Expiry(d.cfg.Horizon)) {
			return
		}
		d.windows[key] = &event.WindowEntry{Key: key, OpenedAt: now}
		d.ready = append(d.ready, ev)
	case Compete:
		key := d.evalKey(ev.Payload)
		w, ok := d.windows[key]
		if !ok {
			w = &event.WindowEntry{Key: key, OpenedAt: time.Now().UTC()}
			d.windows[key] = w
		}
		w.Candidates = append(w.Candidates, ev)
	}
}

// Tick closes any window whose horizon has elapsed and returns the events
// ready for emission, plus any events already queued (Passthrough, and
// Race's immediate first-arrival emits). Race windows carry no candidates
// to fold at expiry — expiring one only forgets the key so a later event
// can open a fresh window.
func (d *Dispatcher) Tick() []event.Event {
	now := time.Now().UTC()
	var out []event.Event

	for key, w := range d.windows {
		if !now.Before(w.Expiry(d.cfg.Horizon)) {
			if d.cfg.Mode == Compete {
				out = append(out, d.resolve(*w)...)
			}
			delete(d.windows, key)
		}
	}

	out = append(out, d.ready...)
	d.ready = nil
	return out
}

// Drain force-closes every open window, used on shutdown (spec.md §4.F):
// Compete windows emit their current winner, Race windows are discarded.
func (d *Dispatcher) Drain() []event.Event {
	var out []event.Event
	if d.cfg.Mode == Compete {
		for key, w := range d.windows {
			out = append(out, d.resolve(*w)...)
			delete(d.windows, key)
		}
	} else {
		d.windows = make(map[any]*event.WindowEntry)
	}
	out = append(out, d.ready...)
	d.ready = nil
	return out
}

// NextDeadline reports the earliest window expiry, used by the fan-in
// supervisor to bound its poll wait (spec.md §4.F max_sleep_til_next_window).
// The zero time means no window is open.
func (d *Dispatcher) NextDeadline() time.Time {
	var earliest time.Time
	for _, w := range d.windows {
		exp := w.Expiry(d.cfg.Horizon)
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	return earliest
}

// resolve folds a Compete window's candidates into its winner. Race windows
// never accumulate candidates (Accept emits the first arrival immediately),
// so resolve is only ever called for Compete.
func (d *Dispatcher) resolve(w event.WindowEntry) []event.Event {
	if len(w.Candidates) == 0 {
		return nil
	}
	return []event.Event{d.bestOf(w.Candidates)}
}

// bestOf shuffles the candidates before folding so that ties resolve
// non-deterministically, matching the original's shuffle-then-reduce.
func (d *Dispatcher) bestOf(candidates []event.Event) event.Event {
	shuffled := make([]event.Event, len(candidates))
	copy(shuffled, candidates)
	d.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	if d.scoreIsCmp {
		best := shuffled[0]
		for _, c := range shuffled[1:] {
			best = d.evalCmp(best, c)
		}
		return best
	}

	best := shuffled[0]
	bestScore := d.evalScalar(best.Payload)
	for _, c := range shuffled[1:] {
		s := d.evalScalar(c.Payload)
		if s > bestScore {
			bestScore = s
			best = c
		}
	}
	return best
}

func (d *Dispatcher) evalKey(payload event.Payload) any {
	out, err := expr.Run(d.keyProg, exprEnv(payload))
	if err != nil {
		d.log.Warn().Err(err).Msg("key expression failed, using nil key")
		return nil
	}
	return out
}

func (d *Dispatcher) evalScalar(payload event.Payload) float64 {
	out, err := expr.Run(d.scoreProg, exprEnv(payload))
	if err != nil {
		d.log.Warn().Err(err).Msg("score expression failed, treating as -Inf")
		return math.Inf(-1)
	}
	return toFloat64(out)
}

func (d *Dispatcher) evalCmp(a, b event.Event) event.Event {
	env := map[string]any{"a": map[string]any(a.Payload), "b": map[string]any(b.Payload)}
	out, err := expr.Run(d.scoreProg, env)
	if err != nil {
		d.log.Warn().Err(err).Msg("comparator expression failed, keeping earlier candidate")
		return a
	}
	if sameMap(out, a.Payload) {
		return a
	}
	return b
}

func sameMap(v any, p event.Payload) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	return reflect.ValueOf(m).Pointer() == reflect.ValueOf(map[string]any(p)).Pointer()
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return math.Inf(-1)
	}
}

func exprEnv(payload event.Payload) map[string]any {
	env := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		env[k] = v
	}
	env["match"] = func(pattern, s string) bool {
		ok, err := regexp.MatchString(pattern, s)
		return err == nil && ok
	}
	env["now"] = func() time.Time { return time.Now().UTC() }
	return env
}

// enrichMetadata sets the default metadata fields before transforms and
// dispatch see the payload, but only where the key is absent — a payload
// (or an earlier transform) that already set these exact keys wins
// (spec.md §4.D, amqpfind.py's add_default_metadata "if key not in msg").
func enrichMetadata(ev *event.Event) {
	if _, ok := ev.Payload["__topic__"]; !ok {
		ev.Payload["__topic__"] = ev.Topic
	}
	if _, ok := ev.Payload["__reception_time__"]; !ok {
		ev.Payload["__reception_time__"] = ev.ReceptionTime.Format(time.RFC3339Nano)
	}
	if _, ok := ev.Payload["__reception_host__"]; !ok {
		ev.Payload["__reception_host__"] = ev.ReceptionHost
	}
}
