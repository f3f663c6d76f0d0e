// Package transform applies an ordered list of field-assignment
// expressions to a payload before dispatch (spec.md §4.C).
//
// Grounded on original_source/rt_latency/src/amqpfind/amqpfind.py's
// Transforms class (ordered "field = expr" list evaluated against the
// message namespace, failures logged and skipped without aborting the
// event).
package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/ssec-wisc/rt-latency/event"
)

// Rule is one compiled "field = expr" assignment.
type Rule struct {
	Field string
	raw   string
	prog  *vm.Program
}

// Chain is an ordered list of rules applied in sequence; each rule sees
// the fields set by the rules before it.
type Chain struct {
	rules []Rule
	log   zerolog.Logger
}

// Parse splits each "field = expr" spec on the first '=' and compiles the
// right-hand side with expr-lang/expr. Specs without an '=' are rejected.
func Parse(specs []string, log zerolog.Logger) (*Chain, error) {
	c := &Chain{log: log.With().Str("component", "transform").Logger()}
	for _, spec := range specs {
		idx := strings.Index(spec, "=")
		if idx < 0 {
			return nil, fmt.Errorf("transform: malformed rule %q: missing '='", spec)
		}
		field := strings.TrimSpace(spec[:idx])
		exprSrc := strings.TrimSpace(spec[idx+1:])
		if field == "" {
			return nil, fmt.Errorf("transform: malformed rule %q: empty field name", spec)
		}
		prog, err := expr.Compile(exprSrc, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("transform: compile rule for field %q: %w", field, err)
		}
		c.rules = append(c.rules, Rule{Field: field, raw: exprSrc, prog: prog})
	}
	return c, nil
}

// Apply mutates payload in place, evaluating each rule's expression
// against the payload-plus-helpers environment. A rule whose expression
// fails to evaluate is logged and skipped; later rules still run.
func (c *Chain) Apply(payload event.Payload) {
	for _, r := range c.rules {
		env := newEnv(payload)
		out, err := expr.Run(r.prog, env)
		if err != nil {
			c.log.Warn().Err(err).Str("field", r.Field).Str("expr", r.raw).Msg("transform failed, skipping")
			continue
		}
		payload[r.Field] = out
	}
}

// newEnv builds the expr evaluation environment: the payload's own fields
// plus match() and now() helpers (SPEC_FULL.md 4.C).
func newEnv(payload event.Payload) map[string]any {
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
