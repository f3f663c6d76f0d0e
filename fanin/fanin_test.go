package fanin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssec-wisc/rt-latency/dispatch"
	"github.com/ssec-wisc/rt-latency/event"
)

type collectingSink struct {
	mu   sync.Mutex
	seen []event.Event
}

func (c *collectingSink) Emit(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, ev)
	return nil
}

func (c *collectingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func TestRunFlushesPassthroughEventsImmediately(t *testing.T) {
	d, err := dispatch.New(dispatch.Config{Mode: dispatch.Passthrough}, zerolog.Nop())
	require.NoError(t, err)

	in := make(chan event.Event, 1)
	sink := &collectingSink{}
	sup := New(in, d, sink, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	in <- event.Event{Topic: "t", Payload: event.Payload{}}

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunReturnsIdleTimeoutError(t *testing.T) {
	d, err := dispatch.New(dispatch.Config{Mode: dispatch.Passthrough}, zerolog.Nop())
	require.NoError(t, err)

	in := make(chan event.Event)
	sink := &collectingSink{}
	sup := New(in, d, sink, 20*time.Millisecond, zerolog.Nop())

	err = sup.Run(context.Background())
	var idleErr ErrIdleTimeout
	assert.ErrorAs(t, err, &idleErr)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	d, err := dispatch.New(dispatch.Config{Mode: dispatch.Compete, KeyExpr: "k", ScoreExpr: "v", Horizon: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	in := make(chan event.Event, 1)
	sink := &collectingSink{}
	sup := New(in, d, sink, 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	in <- event.Event{Topic: "t", Payload: event.Payload{"k": "x", "v": 1}}
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, 1, sink.count())
}
