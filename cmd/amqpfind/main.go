// Command amqpfind fans in notifications from one or more AMQP brokers,
// administers Passthrough/Race/Compete windows, and emits the results to
// stdout (spec.md §4, §6).
//
// Grounded on original_source/rt_latency/src/amqpfind/amqpfind.py's CLI
// (optparse options translated to cobra flags) and multi_main's worker
// fan-in shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssec-wisc/rt-latency/config"
	"github.com/ssec-wisc/rt-latency/dispatch"
	"github.com/ssec-wisc/rt-latency/emit"
	"github.com/ssec-wisc/rt-latency/event"
	"github.com/ssec-wisc/rt-latency/fanin"
	"github.com/ssec-wisc/rt-latency/session"
	"github.com/ssec-wisc/rt-latency/transform"
	"github.com/ssec-wisc/rt-latency/worker"
)

type options struct {
	hosts          []string
	users          []string
	passwords      []string
	exchanges      []string
	routingKeys    []string
	durables       []string
	mode           string
	keyExpr        string
	scoreExpr      string
	transforms     []string
	outputMode     string
	template       string
	horizon        time.Duration
	idleTimeout    time.Duration
	reconnectDelay time.Duration
	reconnectTries int
	verbosity      int
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
		Use:   "amqpfind",
		Short: "Fan in satellite notifications from one or more AMQP brokers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.hosts, "host", "H", nil, "broker host, repeatable for multi-broker fan-in")
	flags.StringSliceVarP(&opts.users, "user", "u", []string{"guest"}, "AMQP username: one value broadcasts to every host, or one per --host, positionally")
	flags.StringSliceVarP(&opts.passwords, "password", "p", []string{"guest"}, "AMQP password: one value broadcasts to every host, or one per --host, positionally")
	flags.StringSliceVarP(&opts.exchanges, "exchange", "X", []string{""}, "exchange name: one value broadcasts to every host, or one per --host, positionally")
	flags.StringSliceVarP(&opts.routingKeys, "routing-key", "C", []string{"#"}, "routing key binding pattern: one value broadcasts to every host, or one per --host, positionally")
	flags.StringSliceVarP(&opts.durables, "durable", "D", []string{""}, `queue policy ("" anonymous, "@" hostname, or a literal queue name): one value broadcasts to every host, or one per --host, positionally`)
	flags.StringVarP(&opts.mode, "mode", "m", "passthrough", "dispatch mode: passthrough, race, or compete")
	flags.StringVarP(&opts.keyExpr, "key", "k", "", "window key expression (required for race/compete)")
	flags.StringVarP(&opts.scoreExpr, "score", "s", "", `compete score expression ("cmp:" prefix for a pairwise comparator)`)
	flags.StringArrayVarP(&opts.transforms, "transform", "T", nil, `"field = expr" transform rule, repeatable`)
	flags.StringVarP(&opts.outputMode, "output", "j", "default", "emit mode: default, template, pretty, nul")
	flags.StringVarP(&opts.template, "template", "f", "", "template string for --output template")
	flags.DurationVarP(&opts.horizon, "horizon", "w", 30*time.Second, "window horizon")
	flags.DurationVarP(&opts.idleTimeout, "timeout", "t", 0, "idle timeout (0 disables)")
	flags.DurationVar(&opts.reconnectDelay, "reconnect-delay", 5*time.Second, "delay between reconnect attempts")
	flags.IntVar(&opts.reconnectTries, "reconnect-tries", 0, "max reconnect attempts per broker (0 = unlimited)")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	log := config.NewLogger(opts.verbosity)

	if len(opts.hosts) == 0 {
		return fmt.Errorf("amqpfind: at least one --host is required")
	}
	n := len(opts.hosts)

	users, err := zap("user", opts.users, n)
	if err != nil {
		return err
	}
	passwords, err := zap("password", opts.passwords, n)
	if err != nil {
		return err
	}
	exchanges, err := zap("exchange", opts.exchanges, n)
	if err != nil {
		return err
	}
	routingKeys, err := zap("routing-key", opts.routingKeys, n)
	if err != nil {
		return err
	}
	durables, err := zap("durable", opts.durables, n)
	if err != nil {
		return err
	}

	mode, err := parseMode(opts.mode)
	if err != nil {
		return err
	}

	var chain *transform.Chain
	if len(opts.transforms) > 0 {
		chain, err = transform.Parse(opts.transforms, log)
		if err != nil {
			return err
		}
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Mode:       mode,
		KeyExpr:    opts.keyExpr,
		ScoreExpr:  opts.scoreExpr,
		Horizon:    opts.horizon,
		Transforms: chain,
	}, log)
	if err != nil {
		return err
	}

	emitMode, err := parseEmitMode(opts.outputMode)
	if err != nil {
		return err
	}
	emitter := emit.New(os.Stdout, emitMode, opts.template)

	queue := make(chan event.Event, 256)
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	workers := make([]*worker.Worker, 0, n)
	for i, host := range opts.hosts {
		w := worker.New(worker.Config{
			Session: session.Config{
				Host:       host,
				User:       users[i],
				Password:   passwords[i],
				Exchange:   exchanges[i],
				RoutingKey: routingKeys[i],
				Durable:    durables[i],
			},
			ReconnectDelay: opts.reconnectDelay,
			ReconnectTries: opts.reconnectTries,
		}, queue, log)
		workers = append(workers, w)
	}

	for _, w := range workers {
		go func(w *worker.Worker) {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("worker exited")
			}
		}(w)
	}

	sup := fanin.New(queue, dispatcher, emitter, opts.idleTimeout, log)
	supErr := sup.Run(ctx)

	var idleErr fanin.ErrIdleTimeout
	if errors.As(supErr, &idleErr) {
		os.Exit(2)
	}
	return supErr
}

// zap broadcasts a per-broker option across n hosts: a single value applies
// to every host, a value given once per --host aligns positionally, and any
// other length is a configuration conflict (amqpfind.py's zap() helper,
// spec.md §6).
func zap(flag string, values []string, n int) ([]string, error) {
	switch len(values) {
	case 1:
		out := make([]string, n)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	case n:
		return values, nil
	default:
		return nil, fmt.Errorf("amqpfind: --%s given %d times, must be given once (broadcast) or once per --host (%d)", flag, len(values), n)
	}
}

func parseMode(s string) (dispatch.Mode, error) {
	switch s {
	case "passthrough", "":
		return dispatch.Passthrough, nil
	case "race":
		return dispatch.Race, nil
	case "compete":
		return dispatch.Compete, nil
	default:
		return 0, fmt.Errorf("amqpfind: unknown mode %q", s)
	}
}

func parseEmitMode(s string) (emit.Mode, error) {
	switch s {
	case "default", "":
		return emit.Default, nil
	case "template":
		return emit.Template, nil
	case "pretty":
		return emit.Pretty, nil
	case "nul":
		return emit.NUL, nil
	default:
		return 0, fmt.Errorf("amqpfind: unknown output mode %q", s)
	}
}
