package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssec-wisc/rt-latency/event"
)

func sampleEvent() event.Event {
	return event.Event{
		Topic:   "weather.satA",
		Payload: event.Payload{"band": "IR", "coverage": 0.5},
	}
}

func TestEmitDefaultFormat(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf, Default, "")
	require.NoError(t, e.Emit(sampleEvent()))
	assert.Contains(t, buf.String(), "weather.satA: '")
}

func TestEmitTemplateFallsBackToSentinel(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf, Template, "{band} missing={ghost}")
	require.NoError(t, e.Emit(sampleEvent()))
	assert.Equal(t, "IR missing=?UNKNOWN?\n", buf.String())
}

func TestEmitPrettyHasBanners(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf, Pretty, "")
	require.NoError(t, e.Emit(sampleEvent()))
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, strings.Repeat("v", 40)))
	assert.Contains(t, out, strings.Repeat("^", 40))
}

func TestEmitNULTerminatedJSONArray(t *testing.T) {
	var buf bytes.Buffer
	e := New(&buf, NUL, "")
	require.NoError(t, e.Emit(sampleEvent()))
	out := buf.Bytes()
	require.Equal(t, byte(0), out[len(out)-1])

	var decoded []json.RawMessage
	require.NoError(t, json.Unmarshal(out[:len(out)-1], &decoded))
	require.Len(t, decoded, 2)
	var topic string
	require.NoError(t, json.Unmarshal(decoded[0], &topic))
	assert.Equal(t, "weather.satA", topic)
}
