// Package publish implements the quickmq multi-target publisher client:
// one or more independently reconnecting AMQP targets, optional cluster
// URI failover, and per-publish delivery status (spec.md §4.G).
//
// Grounded on original_source/quickmq/src/ssec_amqp/main.py
// (client_from_uris, hydrate_topic, the fast-fail check, and metadata
// merge) and the teacher's plugins/amqp/amqp.go connection-hub shape
// (reconnect driven off a broker-initiated channel close).
package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ssec-wisc/rt-latency/event"
)

// State is a target's connection state (spec.md §4.G).
type State int

const (
	Disconnected State = iota
	Reconnecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// DeliveryStatus reports what happened to one publish attempt on one
// target (spec.md §4.G).
type DeliveryStatus int

const (
	Accepted DeliveryStatus = iota
	Rejected
	Dropped
)

// TargetConfig describes one publish destination, possibly a cluster of
// failover URIs sharing one logical target name.
type TargetConfig struct {
	Name string
	// URIs is tried in order on each (re)connect attempt, rotating to
	// the next entry after a failure (spec.md §4.G cluster support).
	URIs              []string
	Exchange          string
	ReconnectInterval time.Duration
	// ReconnectWindow bounds total reconnect retry time; <= 0 means
	// retry forever.
	ReconnectWindow time.Duration
	TLS             *tls.Config
}

// Target is one independently managed AMQP publish connection. Its
// connection lifecycle runs on a background unit started at construction
// (spec.md §4.G/§5 "connect(target) begins establishing a connection
// asynchronously"); Publish never drives reconnection itself.
type Target struct {
	cfg TargetConfig
	id  string
	log zerolog.Logger

	mu     sync.Mutex
	state  State
	conn   *amqp.Connection
	ch     *amqp.Channel
	uriIdx int

	ctx       context.Context
	cancel    context.CancelFunc
	reconnect chan struct{}
}

// NewTarget builds a Target and immediately starts its background reconnect
// unit; initial status is Reconnecting until that unit completes its first
// connect attempt.
func NewTarget(cfg TargetConfig, log zerolog.Logger) *Target {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Target{
		cfg:       cfg,
		id:        uuid.NewString(),
		log:       log.With().Str("component", "publish").Str("target", cfg.Name).Logger(),
		state:     Reconnecting,
		ctx:       ctx,
		cancel:    cancel,
		reconnect: make(chan struct{}, 1),
	}
	go t.reconnectLoop()
	t.wake()
	return t
}

// wake nudges the background reconnect unit to try now, coalescing with any
// pending wake already queued.
func (t *Target) wake() {
	select {
	case t.reconnect <- struct{}{}:
	default:
	}
}

// reconnectLoop is the target's background reconnect unit: it owns conn/ch
// and is the only path that calls Connect, so Publish can stay non-blocking.
func (t *Target) reconnectLoop() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.reconnect:
		}
		if t.State() == Connected {
			continue
		}
		if err := t.Connect(t.ctx); err != nil && t.ctx.Err() == nil {
			t.log.Warn().Err(err).Msg("reconnect window elapsed, will retry on next wake")
		}
	}
}

// ID returns the target's generated identifier, used in diagnostics.
func (t *Target) ID() string { return t.id }

// State reports the target's current connection state.
func (t *Target) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Target) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// dialOnce tries the next URI in the rotation; on success it declares the
// exchange (if configured) and leaves conn/ch set.
func (t *Target) dialOnce() error {
	if len(t.cfg.URIs) == 0 {
		return fmt.Errorf("publish: target %s has no URIs configured", t.cfg.Name)
	}
	uri := t.cfg.URIs[t.uriIdx%len(t.cfg.URIs)]
	t.uriIdx++

	conn, err := amqp.DialConfig(uri, amqp.Config{TLSClientConfig: t.cfg.TLS})
	if err != nil {
		return fmt.Errorf("publish: dial %s: %w", uri, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("publish: open channel on %s: %w", uri, err)
	}
	if t.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("publish: declare exchange %s: %w", t.cfg.Exchange, err)
		}
	}

	t.mu.Lock()
	t.conn, t.ch = conn, ch
	t.mu.Unlock()
	t.setState(Connected)
	return nil
}

// backoffFor renders a constant-interval backoff bounded by
// ReconnectWindow, implemented as an exponential backoff with multiplier
// 1 so InitialInterval never grows (cenkalti/backoff/v4 has no standalone
// constant-with-max-elapsed-time policy).
func (t *Target) backoffFor() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.ReconnectInterval
	b.MaxInterval = t.cfg.ReconnectInterval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	if t.cfg.ReconnectWindow > 0 {
		b.MaxElapsedTime = t.cfg.ReconnectWindow
	} else {
		b.MaxElapsedTime = 0
	}
	return b
}

// Connect retries dialOnce with backoff until it succeeds, the reconnect
// window elapses, or ctx is canceled.
func (t *Target) Connect(ctx context.Context) error {
	t.setState(Reconnecting)
	op := func() error {
		err := t.dialOnce()
		if err != nil {
			t.log.Warn().Err(err).Msg("connect attempt failed, will retry")
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(t.backoffFor(), ctx)); err != nil {
		t.setState(Disconnected)
		return fmt.Errorf("publish: connect target %s: %w", t.cfg.Name, err)
	}
	return nil
}

// FastFailCheck attempts exactly one connection, with no retry, for the
// quickmq --fast-fail startup check (spec.md §4.G). It skips dialing if the
// background reconnect unit has already connected.
func (t *Target) FastFailCheck(ctx context.Context) error {
	if t.State() == Connected {
		return nil
	}
	return t.dialOnce()
}

// Publish sends payload under routingKey if the target is currently
// connected, and never blocks on or drives reconnection itself — that is
// the background unit's job (spec.md §4.G/§5). It never returns a Go error:
// failures are reported as DeliveryStatus so a multi-target Client can
// continue publishing to the targets that are up.
func (t *Target) Publish(ctx context.Context, routingKey string, payload map[string]any) DeliveryStatus {
	if t.State() != Connected {
		return Dropped
	}

	body, err := json.Marshal(payload)
	if err != nil {
		t.log.Error().Err(err).Msg("rejecting message, could not marshal payload")
		return Rejected
	}

	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	err = ch.PublishWithContext(ctx, t.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("publish failed, marking target disconnected")
		t.setState(Disconnected)
		t.wake()
		return Dropped
	}
	return Accepted
}

// Close stops the background reconnect unit and tears down the connection
// if one is open.
func (t *Target) Close() error {
	t.cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.ch != nil {
		if err := t.ch.Close(); err != nil {
			firstErr = err
		}
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.state = Disconnected
	return firstErr
}

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// Client fans a single logical message out to every configured Target,
// optionally merging static metadata and hydrating the routing key from a
// format string (quickmq's "-m key=value" and "-T topic_fmt", carried
// forward as supplemented features, SPEC_FULL.md 4.G).
type Client struct {
	targets     []*Target
	metadata    map[string]string
	topicFormat string
}

// NewClient builds a Client over the given targets.
func NewClient(targets []*Target, metadata map[string]string, topicFormat string) *Client {
	return &Client{targets: targets, metadata: metadata, topicFormat: topicFormat}
}

func (c *Client) mergePayload(payload map[string]any) map[string]any {
	merged := make(map[string]any, len(payload)+len(c.metadata))
	for k, v := range payload {
		merged[k] = v
	}
	for k, v := range c.metadata {
		merged[k] = v
	}
	return merged
}

func (c *Client) hydrateTopic(payload map[string]any) string {
	if c.topicFormat == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(c.topicFormat, func(match string) string {
		field := match[1 : len(match)-1]
		if v, ok := payload[field]; ok {
			return fmt.Sprint(v)
		}
		return event.MissingSentinel
	})
}

// PublishAll merges metadata into payload, hydrates the routing key (or
// falls back to routingKey), and publishes to every target, returning
// each target's delivery status keyed by target name.
func (c *Client) PublishAll(ctx context.Context, routingKey string, payload map[string]any) map[string]DeliveryStatus {
	merged := c.mergePayload(payload)
	key := routingKey
	if hydrated := c.hydrateTopic(merged); hydrated != "" {
		key = hydrated
	}

	results := make(map[string]DeliveryStatus, len(c.targets))
	for _, t := range c.targets {
		results[t.cfg.Name] = t.Publish(ctx, key, merged)
	}
	return results
}

// FastFail runs each target's one-shot connectivity check, returning the
// first error encountered.
func (c *Client) FastFail(ctx context.Context) error {
	for _, t := range c.targets {
		if err := t.FastFailCheck(ctx); err != nil {
			return fmt.Errorf("publish: fast-fail check failed for target %s: %w", t.cfg.Name, err)
		}
	}
	return nil
}

// Close closes every target's connection.
func (c *Client) Close() error {
	var firstErr error
	for _, t := range c.targets {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AllFailed reports whether every status in results is Rejected or
// Dropped (Open Question decision in DESIGN.md: one-shot publish exits 1
// only when every target failed).
func AllFailed(results map[string]DeliveryStatus) bool {
	for _, s := range results {
		if s == Accepted {
			return false
		}
	}
	return len(results) > 0
}
