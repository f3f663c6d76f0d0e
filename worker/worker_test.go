package worker

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffUnboundedWhenTriesZero(t *testing.T) {
	w := New(Config{ReconnectDelay: time.Millisecond, ReconnectTries: 0}, nil, zerolog.Nop())
	b := w.backoff()
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
	}
}

func TestBackoffStopsAfterMaxRetries(t *testing.T) {
	w := New(Config{ReconnectDelay: time.Millisecond, ReconnectTries: 3}, nil, zerolog.Nop())
	b := w.backoff()
	seen := 0
	for i := 0; i < 10; i++ {
		if b.NextBackOff() == backoff.Stop {
			break
		}
		seen++
	}
	assert.Equal(t, 3, seen)
}
