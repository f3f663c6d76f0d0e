// Package session implements a single AMQP broker connection: declare/bind
// a queue, consume, publish, and close (spec.md §4.A).
//
// Grounded on plugins/amqp/amqp.go and plugins/amqp/amqp_input.go from the
// teacher (queue/exchange declare-bind sequence, prefetch, NotifyClose) and
// on original_source/rt_latency/src/amqpfind/amqpfind.py's AmqpExchange
// (queue policy: anonymous exclusive vs. "@"-hostname vs. named durable
// queue with a 72h TTL, bind-else-declare).
package session

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// DurableMessageTTL is the default time-to-live for durable queues named
// after a host or a user-chosen name (spec.md §4.A).
const DurableMessageTTL = 72 * time.Hour

// Config describes one broker connection.
type Config struct {
	Host     string
	Port     int // 0 means the amqp091-go default (5672, or 5671 for TLS)
	User     string
	Password string
	Exchange string
	// RoutingKey is the binding pattern used when consuming and the
	// default routing key used when publishing without an override.
	RoutingKey string
	// Durable selects the queue policy: "" = anonymous exclusive
	// auto-delete queue, "@" = use the local hostname, anything else =
	// that literal queue name (spec.md §4.A).
	Durable string
	TLS     *tls.Config
}

func (c Config) uri() string {
	scheme := "amqp"
	if c.TLS != nil {
		scheme = "amqps"
	}
	port := c.Port
	if port == 0 {
		if c.TLS != nil {
			port = 5671
		} else {
			port = 5672
		}
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/", scheme, c.User, c.Password, c.Host, port)
}

// Session is one live AMQP connection, channel, and bound queue.
type Session struct {
	cfg       Config
	conn      *amqp.Connection
	ch        *amqp.Channel
	queueName string
	log       zerolog.Logger

	closeNotify chan *amqp.Error
}

// Dial opens a connection, creates a channel, and declares/binds the queue
// described by cfg (spec.md §4.A queue policy).
func Dial(cfg Config, log zerolog.Logger) (*Session, error) {
	var conn *amqp.Connection
	var err error
	if cfg.TLS != nil {
		conn, err = amqp.DialTLS(cfg.uri(), cfg.TLS)
	} else {
		conn, err = amqp.Dial(cfg.uri())
	}
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", cfg.Host, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: open channel: %w", err)
	}

	s := &Session{cfg: cfg, conn: conn, ch: ch, log: log}

	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			s.Close()
			return nil, fmt.Errorf("session: declare exchange %s: %w", cfg.Exchange, err)
		}
	}

	queueName, err := s.declareAndBindQueue()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.queueName = queueName

	if err := s.ch.Qos(1, 0, false); err != nil {
		s.Close()
		return nil, fmt.Errorf("session: set qos: %w", err)
	}

	s.closeNotify = make(chan *amqp.Error, 1)
	s.ch.NotifyClose(s.closeNotify)

	return s, nil
}

func (s *Session) declareAndBindQueue() (string, error) {
	switch s.cfg.Durable {
	case "":
		q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return "", fmt.Errorf("session: declare anonymous queue: %w", err)
		}
		if err := s.ch.QueueBind(q.Name, s.cfg.RoutingKey, s.cfg.Exchange, false, nil); err != nil {
			return "", fmt.Errorf("session: bind anonymous queue: %w", err)
		}
		return q.Name, nil
	default:
		name := s.cfg.Durable
		if name == "@" {
			host, err := os.Hostname()
			if err != nil {
				return "", fmt.Errorf("session: resolve hostname for durable queue: %w", err)
			}
			name = host
		}
		return name, s.bindOrDeclareDurable(name)
	}
}

// bindOrDeclareDurable first attempts to bind to a pre-existing durable
// queue; on failure it declares the queue with the 72h TTL and binds it
// (spec.md §4.A).
func (s *Session) bindOrDeclareDurable(name string) error {
	if err := s.ch.QueueBind(name, s.cfg.RoutingKey, s.cfg.Exchange, false, nil); err == nil {
		return nil
	}
	// QueueBind against a missing queue closes the channel per the AMQP
	// spec; reopen before declaring.
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("session: reopen channel for durable declare: %w", err)
	}
	s.ch = ch

	args := amqp.Table{"x-message-ttl": int32(DurableMessageTTL / time.Millisecond)}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("session: declare durable queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, s.cfg.RoutingKey, s.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("session: bind durable queue %s: %w", name, err)
	}
	return nil
}

// Handler is invoked once per successfully decoded message body.
type Handler func(routingKey string, payload map[string]any)

// Consume blocks, delivering decoded messages to handler, until the
// channel closes or ctx is done. Deliveries are acknowledged only after
// handler returns (spec.md §4.A); malformed JSON bodies are logged and
// acked without invoking handler, to avoid redelivery storms (spec.md §7).
func (s *Session) Consume(ctx context.Context, consumerTag string, handler Handler) error {
	deliveries, err := s.ch.Consume(s.queueName, consumerTag, false, s.cfg.Durable == "", false, false, nil)
	if err != nil {
		return fmt.Errorf("session: consume %s: %w", s.queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-s.closeNotify:
			if !ok {
				return ErrChannelClosed
			}
			if amqpErr != nil {
				return fmt.Errorf("%w: %s", ErrChannelClosed, amqpErr.Error())
			}
			return ErrChannelClosed
		case d, ok := <-deliveries:
			if !ok {
				return ErrChannelClosed
			}
			var payload map[string]any
			if err := json.Unmarshal(d.Body, &payload); err != nil {
				s.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("malformed message body, skipping")
				d.Ack(false)
				continue
			}
			handler(d.RoutingKey, payload)
			d.Ack(false)
		}
	}
}

// Publish marshals payload as JSON and publishes it under routingKey
// (falling back to the session's configured RoutingKey when empty).
func (s *Session) Publish(ctx context.Context, routingKey string, payload map[string]any) error {
	if routingKey == "" {
		routingKey = s.cfg.RoutingKey
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("session: marshal payload: %w", err)
	}
	return s.ch.PublishWithContext(ctx, s.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close tears down the channel and connection.
func (s *Session) Close() error {
	var firstErr error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// QueueName reports the resolved queue name (useful for tests/diagnostics).
func (s *Session) QueueName() string { return s.queueName }
