// Command quickmq publishes JSON messages to a single AMQP publish target,
// either as a single one-shot payload or as a stream of JSON lines read
// from stdin (spec.md §4.G, §6). Every --uri and then every --cluster URI
// form that target's one ordered failover chain; the URIs are not
// published to independently, and only one cluster can be given.
//
// Grounded on original_source/quickmq/src/ssec_amqp/main.py's CLI
// (one-shot -D vs. stream mode, --fast-fail, -m metadata, -T topic
// format).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssec-wisc/rt-latency/config"
	"github.com/ssec-wisc/rt-latency/publish"
)

type options struct {
	uris              []string
	clusterURIs       []string
	exchange          string
	routingKey        string
	metadata          []string
	topicFormat       string
	reconnectInterval time.Duration
	reconnectWindow   time.Duration
	fastFail          bool
	oneShot           string
	verbosity         int
}

func main() {
	opts := &options{}
	cmd := newRootCmd(opts)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quickmq",
		Short: "Publish JSON messages to one AMQP target with failover URIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.uris, "uri", "H", nil, "broker URI of the publish target, repeatable (extra values are failover alternates, not separate targets)")
	flags.StringSliceVarP(&opts.clusterURIs, "cluster", "C", nil, "additional failover URI for the same target, repeatable")
	flags.StringVarP(&opts.exchange, "exchange", "X", "", "exchange name")
	flags.StringVar(&opts.routingKey, "routing-key", "", "default routing key")
	flags.StringArrayVarP(&opts.metadata, "metadata", "m", nil, "key=value metadata merged into every payload, repeatable")
	flags.StringVarP(&opts.topicFormat, "topic-format", "T", "", `"{field}" format string hydrated from the payload, overrides --routing-key`)
	flags.DurationVar(&opts.reconnectInterval, "reconnect-interval", 5*time.Second, "delay between reconnect attempts")
	flags.DurationVar(&opts.reconnectWindow, "reconnect-window", 0, "max time to keep retrying a reconnect (0 = forever)")
	flags.BoolVar(&opts.fastFail, "fast-fail", false, "check connectivity to every target once and exit with an error, before publishing, if a check fails")
	flags.StringVarP(&opts.oneShot, "data", "D", "", "publish this single JSON payload and exit, instead of reading JSON lines from stdin")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	log := config.NewLogger(opts.verbosity)

	if len(opts.uris) == 0 {
		return fmt.Errorf("quickmq: at least one --uri is required")
	}
	metadata, err := parseMetadata(opts.metadata)
	if err != nil {
		return err
	}

	// --cluster URIs are appended as failover alternates behind --uri: the
	// publish.Target rotation already treats its whole URI list as one
	// ordered failover chain, so a separate "primary vs. cluster" target
	// type would just be two ways of building the same slice.
	uris := append(append([]string{}, opts.uris...), opts.clusterURIs...)

	target := publish.NewTarget(publish.TargetConfig{
		Name:              "default",
		URIs:              uris,
		Exchange:          opts.exchange,
		ReconnectInterval: opts.reconnectInterval,
		ReconnectWindow:   opts.reconnectWindow,
	}, log)
	client := publish.NewClient([]*publish.Target{target}, metadata, opts.topicFormat)
	defer client.Close()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.fastFail {
		if err := client.FastFail(ctx); err != nil {
			return err
		}
	}

	if opts.oneShot != "" {
		return publishOneShot(ctx, client, opts.routingKey, opts.oneShot)
	}
	return publishStream(ctx, client, opts.routingKey, os.Stdin)
}

func publishOneShot(ctx context.Context, client *publish.Client, routingKey, raw string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("quickmq: decode -D payload: %w", err)
	}
	results := client.PublishAll(ctx, routingKey, payload)
	if publish.AllFailed(results) {
		os.Exit(1)
	}
	return nil
}

func publishStream(ctx context.Context, client *publish.Client, routingKey string, r *os.File) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	anyAccepted := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "quickmq: skipping malformed line: %v\n", err)
			continue
		}
		results := client.PublishAll(ctx, routingKey, payload)
		if !publish.AllFailed(results) {
			anyAccepted = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("quickmq: reading stdin: %w", err)
	}
	if !anyAccepted {
		os.Exit(1)
	}
	return nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		idx := strings.Index(p, "=")
		if idx < 0 {
			return nil, fmt.Errorf("quickmq: malformed --metadata %q, expected key=value", p)
		}
		out[p[:idx]] = p[idx+1:]
	}
	return out, nil
}
