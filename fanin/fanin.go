// Package fanin runs the bounded-poll supervisor loop that drains the
// worker fan-in queue into the dispatcher and flushes resolved events to
// the emitter, with an idle-timeout deadline (spec.md §4.F).
//
// Grounded on original_source/rt_latency/src/amqpfind/amqpfind.py's
// multi_main: the "queue.get(True, max_wait)" / Queue.Empty / dispatch()
// loop, reimplemented as a Go select over a buffered channel and a timer.
package fanin

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssec-wisc/rt-latency/dispatch"
	"github.com/ssec-wisc/rt-latency/event"
)

// ErrIdleTimeout is returned by Run when no event arrived before the idle
// deadline elapsed (spec.md §4.F, exit status 2 at the CLI layer).
type ErrIdleTimeout struct{ Idle time.Duration }

func (e ErrIdleTimeout) Error() string {
	return "fanin: idle timeout exceeded"
}

// Sink receives resolved events for output (typically an emit.Emitter).
type Sink interface {
	Emit(ev event.Event) error
}

// Supervisor drains in from workers into the dispatcher and writes
// resolved events to sink.
type Supervisor struct {
	in         <-chan event.Event
	dispatcher *dispatch.Dispatcher
	sink       Sink
	idleTimeout time.Duration
	log        zerolog.Logger
}

// New builds a Supervisor. idleTimeout of 0 disables the idle deadline.
func New(in <-chan event.Event, d *dispatch.Dispatcher, sink Sink, idleTimeout time.Duration, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		in:          in,
		dispatcher:  d,
		sink:        sink,
		idleTimeout: idleTimeout,
		log:         log.With().Str("component", "fanin").Logger(),
	}
}

// Run drains events until ctx is canceled or the idle timeout elapses,
// bounding each poll wait by the dispatcher's next window deadline so
// expired windows resolve promptly even with no new traffic.
func (s *Supervisor) Run(ctx context.Context) error {
	lastActivity := time.Now()

	for {
		waitFor := s.pollWait()

		timer := time.NewTimer(waitFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.shutdown()
			return nil
		case ev, ok := <-s.in:
			timer.Stop()
			if !ok {
				s.shutdown()
				return nil
			}
			lastActivity = time.Now()
			s.dispatcher.Accept(ev)
			if err := s.flush(s.dispatcher.Tick()); err != nil {
				return err
			}
		case <-timer.C:
			if err := s.flush(s.dispatcher.Tick()); err != nil {
				return err
			}
			if s.idleTimeout > 0 && time.Since(lastActivity) >= s.idleTimeout {
				s.shutdown()
				return ErrIdleTimeout{Idle: s.idleTimeout}
			}
		}
	}
}

// pollWait bounds the next select wait by the dispatcher's earliest open
// window deadline, falling back to the idle timeout (or one second when
// idle timeout is disabled) so Tick still runs periodically.
func (s *Supervisor) pollWait() time.Duration {
	fallback := s.idleTimeout
	if fallback <= 0 {
		fallback = time.Second
	}

	deadline := s.dispatcher.NextDeadline()
	if deadline.IsZero() {
		return fallback
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return time.Millisecond
	}
	if wait > fallback {
		return fallback
	}
	return wait
}

func (s *Supervisor) shutdown() {
	if err := s.flush(s.dispatcher.Drain()); err != nil {
		s.log.Warn().Err(err).Msg("error flushing events during shutdown drain")
	}
}

func (s *Supervisor) flush(events []event.Event) error {
	for _, ev := range events {
		if err := s.sink.Emit(ev); err != nil {
			return err
		}
	}
	return nil
}
