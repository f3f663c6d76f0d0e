package dispatch

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssec-wisc/rt-latency/event"
	"github.com/ssec-wisc/rt-latency/transform"
)

func newEvent(topic string, fields map[string]any) event.Event {
	p := make(event.Payload, len(fields))
	for k, v := range fields {
		p[k] = v
	}
	return event.Event{Topic: topic, ReceptionTime: time.Now().UTC(), ReceptionHost: "host", Payload: p}
}

func TestPassthroughReturnsEveryEventOnTick(t *testing.T) {
	d, err := New(Config{Mode: Passthrough}, zerolog.Nop())
	require.NoError(t, err)

	d.Accept(newEvent("t1", map[string]any{"a": 1}))
	d.Accept(newEvent("t2", map[string]any{"a": 2}))

	out := d.Tick()
	assert.Len(t, out, 2)
}

func TestRaceModeKeepsFirstArrivalPerKey(t *testing.T) {
	d, err := New(Config{Mode: Race, KeyExpr: "sat_id", Horizon: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "seq": 1}))
	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "seq": 2}))

	time.Sleep(15 * time.Millisecond)
	out := d.Tick()
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Payload["seq"])
}

func TestRaceModeEmitsFirstArrivalImmediately(t *testing.T) {
	d, err := New(Config{Mode: Race, KeyExpr: "sat_id", Horizon: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "seq": 1}))

	// No sleep, no expiry: the first arrival must already be queued for
	// emission without waiting for the window to close.
	out := d.Tick()
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Payload["seq"])

	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "seq": 2}))
	assert.Empty(t, d.Tick())
}

func TestCompeteModeScalarPicksMax(t *testing.T) {
	d, err := New(Config{
		Mode:      Compete,
		KeyExpr:   "sat_id",
		ScoreExpr: "coverage",
		Horizon:   10 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "coverage": 0.5}))
	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "coverage": 0.9}))
	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "coverage": 0.1}))

	time.Sleep(15 * time.Millisecond)
	out := d.Tick()
	require.Len(t, out, 1)
	assert.Equal(t, 0.9, out[0].Payload["coverage"])
}

func TestCompeteModeComparatorPicksExpectedWinner(t *testing.T) {
	d, err := New(Config{
		Mode:      Compete,
		KeyExpr:   "sat_id",
		ScoreExpr: "cmp:a.defects < b.defects ? a : b",
		Horizon:   10 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "defects": 5}))
	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "defects": 1}))
	d.Accept(newEvent("t", map[string]any{"sat_id": "A", "defects": 9}))

	time.Sleep(15 * time.Millisecond)
	out := d.Tick()
	require.Len(t, out, 1)
	assert.EqualValues(t, 1, out[0].Payload["defects"])
}

func TestAcceptEnrichesMetadataBeforeTransforms(t *testing.T) {
	chain, err := transform.Parse([]string{"seen_topic = __topic__"}, zerolog.Nop())
	require.NoError(t, err)
	d, err := New(Config{Mode: Passthrough, Transforms: chain}, zerolog.Nop())
	require.NoError(t, err)

	ev := newEvent("weather.satA", map[string]any{})
	d.Accept(ev)
	out := d.Tick()
	require.Len(t, out, 1)
	assert.Equal(t, "weather.satA", out[0].Payload["__topic__"])
	assert.Equal(t, "host", out[0].Payload["__reception_host__"])
	assert.Equal(t, "weather.satA", out[0].Payload["seen_topic"])
}

func TestAcceptDoesNotOverwriteExistingMetadataFields(t *testing.T) {
	d, err := New(Config{Mode: Passthrough}, zerolog.Nop())
	require.NoError(t, err)

	ev := newEvent("weather.satA", map[string]any{"__topic__": "custom.topic"})
	d.Accept(ev)
	out := d.Tick()
	require.Len(t, out, 1)
	assert.Equal(t, "custom.topic", out[0].Payload["__topic__"])
}

func TestDrainDiscardsRaceWindowsButEmitsCompeteWinners(t *testing.T) {
	race, err := New(Config{Mode: Race, KeyExpr: "k", Horizon: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	race.Accept(newEvent("t", map[string]any{"k": "x"}))
	// The first arrival was already queued for immediate emission; flush it
	// the way the fan-in supervisor would before checking what Drain does
	// with any still-open (i.e. unresolved) window state.
	require.Len(t, race.Tick(), 1)
	assert.Empty(t, race.Drain())

	compete, err := New(Config{Mode: Compete, KeyExpr: "k", ScoreExpr: "v", Horizon: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	compete.Accept(newEvent("t", map[string]any{"k": "x", "v": 1}))
	assert.Len(t, compete.Drain(), 1)
}
