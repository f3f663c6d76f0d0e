// Package emit formats and writes resolved events to an output stream in
// one of four modes (spec.md §4.E).
//
// Grounded on original_source/rt_latency/src/amqpfind/amqpfind.py's
// json_emit/default emitters and the teacher's
// pipeline/message_template.go InterpolateString (regex placeholder
// substitution with a missing-value fallback), adapted from `%word%`/
// `<word>` to `{word}`/`?UNKNOWN?` per spec.md.
package emit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ssec-wisc/rt-latency/event"
)

// Mode selects the output rendering (spec.md §4.E).
type Mode int

const (
	// Default prints "topic: '<json payload>'\n".
	Default Mode = iota
	// Template substitutes "{field}" placeholders in a user-supplied
	// format string, falling back to event.MissingSentinel.
	Template
	// Pretty prints an indented JSON dump framed by a banner line.
	Pretty
	// NUL writes a NUL-terminated JSON array [topic, payload].
	NUL
)

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// Emitter writes resolved events to w, flushing after every event so a
// downstream pipe sees output immediately (spec.md §4.E).
type Emitter struct {
	w        *bufio.Writer
	mode     Mode
	template string
}

// New builds an Emitter. template is only used in Template mode.
func New(w io.Writer, mode Mode, template string) *Emitter {
	return &Emitter{w: bufio.NewWriter(w), mode: mode, template: template}
}

// Emit renders and writes one event, flushing immediately afterward.
func (e *Emitter) Emit(ev event.Event) error {
	var err error
	switch e.mode {
	case Default:
		err = e.emitDefault(ev)
	case Template:
		err = e.emitTemplate(ev)
	case Pretty:
		err = e.emitPretty(ev)
	case NUL:
		err = e.emitNUL(ev)
	default:
		err = fmt.Errorf("emit: unknown mode %d", e.mode)
	}
	if err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Emitter) emitDefault(ev event.Event) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("emit: marshal payload: %w", err)
	}
	_, err = fmt.Fprintf(e.w, "%s: '%s'\n", ev.Topic, body)
	return err
}

func (e *Emitter) emitTemplate(ev event.Event) error {
	out := placeholderPattern.ReplaceAllStringFunc(e.template, func(match string) string {
		field := match[1 : len(match)-1]
		v, ok := ev.Payload.Get(field)
		if !ok {
			return event.MissingSentinel
		}
		return fmt.Sprint(v)
	})
	_, err := fmt.Fprintln(e.w, out)
	return err
}

func (e *Emitter) emitPretty(ev event.Event) error {
	body, err := json.MarshalIndent(ev.Payload, "", "  ")
	if err != nil {
		return fmt.Errorf("emit: marshal payload: %w", err)
	}
	banner := strings.Repeat("v", 40)
	footer := strings.Repeat("^", 40)
	_, err = fmt.Fprintf(e.w, "%s\ntopic: %s\n%s\n%s\n", banner, ev.Topic, body, footer)
	return err
}

func (e *Emitter) emitNUL(ev event.Event) error {
	body, err := json.Marshal([]any{ev.Topic, ev.Payload})
	if err != nil {
		return fmt.Errorf("emit: marshal [topic, payload]: %w", err)
	}
	if _, err := e.w.Write(body); err != nil {
		return err
	}
	return e.w.WriteByte(0)
}
