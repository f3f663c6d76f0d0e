// Package worker runs one broker connection end to end: dial, consume,
// and reconnect on failure, feeding decoded events into the fan-in queue
// (spec.md §4.B).
//
// Grounded on original_source/rt_latency/src/amqpfind/amqpfind.py's
// worker_main (the reconnect loop around a single AmqpExchange) and the
// teacher's pipeline/retry_helper.go concept of a capped retry counter,
// reimplemented on cenkalti/backoff/v4 instead of hand-rolled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ssec-wisc/rt-latency/event"
	"github.com/ssec-wisc/rt-latency/session"
)

// Config is the per-broker worker configuration (spec.md §4.B).
type Config struct {
	Session session.Config
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration
	// ReconnectTries bounds the number of reconnect attempts; 0 means
	// retry forever.
	ReconnectTries int
}

// Worker owns one broker connection and republishes every decoded message
// as an event.Event on its output channel.
type Worker struct {
	cfg Config
	out chan<- event.Event
	log zerolog.Logger
}

// New builds a Worker that writes decoded events to out.
func New(cfg Config, out chan<- event.Event, log zerolog.Logger) *Worker {
	return &Worker{
		cfg: cfg,
		out: out,
		log: log.With().Str("component", "worker").Str("broker", cfg.Session.Host).Logger(),
	}
}

// Run dials the broker, consumes until the channel dies, and reconnects,
// until ctx is canceled or the reconnect budget is exhausted. It always
// returns a non-nil error; on context cancellation that error is ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	consumerTag := "rt-latency-" + uuid.NewString()

	// One backoff instance for the worker's entire lifetime: ReconnectTries
	// is a budget shared across every reconnect cycle, not per-cycle, so it
	// must never be rebuilt (or Reset, which backoff.Retry does internally)
	// between connect attempts (amqpfind.py's worker_main decrements a
	// single reconnect_tries counter for the whole loop).
	bo := backoff.WithContext(w.backoff(), ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, err := w.connect(ctx, bo)
		if err != nil {
			return err
		}

		consumeErr := sess.Consume(ctx, consumerTag, func(routingKey string, payload map[string]any) {
			w.out <- event.Event{
				Topic:         routingKey,
				ReceptionTime: time.Now().UTC(),
				ReceptionHost: host,
				Payload:       event.Payload(payload),
			}
		})
		sess.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(consumeErr, session.ErrChannelClosed) {
			w.log.Warn().Err(consumeErr).Msg("channel closed, reconnecting")
			continue
		}
		return fmt.Errorf("worker: consume from %s: %w", w.cfg.Session.Host, consumeErr)
	}
}

// connect dials with retry, drawing from the shared, worker-lifetime bo
// rather than backoff.Retry (which would Reset the budget on every call).
func (w *Worker) connect(ctx context.Context, bo backoff.BackOff) (*session.Session, error) {
	for {
		sess, err := session.Dial(w.cfg.Session, w.log)
		if err == nil {
			return sess, nil
		}
		w.log.Warn().Err(err).Msg("dial failed, will retry")

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("worker: connect to %s: %w", w.cfg.Session.Host, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Worker) backoff() backoff.BackOff {
	b := backoff.NewConstantBackOff(w.cfg.ReconnectDelay)
	if w.cfg.ReconnectTries > 0 {
		return backoff.WithMaxRetries(b, uint64(w.cfg.ReconnectTries))
	}
	return b
}
