package transform

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssec-wisc/rt-latency/event"
)

func TestApplySequentialRulesSeeEarlierFields(t *testing.T) {
	c, err := Parse([]string{
		"upper_band = band",
		"loud = upper_band + \"!\"",
	}, zerolog.Nop())
	require.NoError(t, err)

	p := event.Payload{"band": "X"}
	c.Apply(p)

	assert.Equal(t, "X", p["upper_band"])
	assert.Equal(t, "X!", p["loud"])
}

func TestApplySkipsFailingRuleButContinues(t *testing.T) {
	c, err := Parse([]string{
		"bad = missing.field",
		"good = \"ok\"",
	}, zerolog.Nop())
	require.NoError(t, err)

	p := event.Payload{}
	c.Apply(p)

	_, hasBad := p["bad"]
	assert.False(t, hasBad)
	assert.Equal(t, "ok", p["good"])
}

func TestParseRejectsRuleWithoutEquals(t *testing.T) {
	_, err := Parse([]string{"no_equals_here"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestMatchHelper(t *testing.T) {
	c, err := Parse([]string{`flagged = match("^AB", topic)`}, zerolog.Nop())
	require.NoError(t, err)

	p := event.Payload{"topic": "ABCDEF"}
	c.Apply(p)
	assert.Equal(t, true, p["flagged"])
}
