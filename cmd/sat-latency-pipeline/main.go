// Command sat-latency-pipeline reads "!"-delimited notification lines
// from stdin, batches them, and appends the batches to the date-
// partitioned Arrow store (spec.md §4.H/§4.I/§4.J, §6).
//
// Grounded on original_source/rt_latency/src/sat_latency's __main__.py
// (stdin-driven extract -> transform -> load pipeline) and its
// size/delay flush policy (SAT_LATENCY_BATCH_SIZE/_DELAY).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/ssec-wisc/rt-latency/batch"
	"github.com/ssec-wisc/rt-latency/config"
	"github.com/ssec-wisc/rt-latency/ingest"
	"github.com/ssec-wisc/rt-latency/store"
)

type options struct {
	dir       string
	batchSize int
	batchWait time.Duration
	verbosity int
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
	env := config.LoadEnv()
	cmd := &cobra.Command{
		Use:   "sat-latency-pipeline",
		Short: "Ingest notification lines from stdin into the partitioned latency store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dir, "dir", env.LatencyDir, "partitioned store root (SAT_LATENCY_DIR)")
	flags.IntVar(&opts.batchSize, "batch-size", env.BatchMaxSize, "max records buffered before a flush (SAT_LATENCY_BATCH_SIZE)")
	flags.DurationVar(&opts.batchWait, "batch-delay", time.Duration(env.BatchMaxDelay)*time.Second, "max time buffered records wait before a flush (SAT_LATENCY_BATCH_DELAY)")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	log := config.NewLogger(opts.verbosity)
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mem := memory.NewGoAllocator()
	writer := store.NewWriter(opts.dir, mem, log)
	defer writer.Close()

	parser := ingest.NewParser(os.Stdin, log)
	records := make(chan ingest.Record, opts.batchSize)
	done := make(chan error, 1)

	go func() {
		defer close(records)
		for {
			rec, ok := parser.Next()
			if !ok {
				done <- parser.Err()
				return
			}
			select {
			case records <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()

	buf := make([]ingest.Record, 0, opts.batchSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		rec, skipped := batch.FromRecords(buf, mem, log)
		defer rec.Release()
		buf = buf[:0]
		if skipped > 0 {
			log.Warn().Int("skipped", skipped).Msg("discarded records with unparseable required timestamps")
		}
		if rec.NumRows() == 0 {
			return nil
		}
		return writer.WriteRecord(rec)
	}

	ticker := time.NewTicker(opts.batchWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return flush()
		case rec, ok := <-records:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				return <-done
			}
			buf = append(buf, rec)
			if len(buf) >= opts.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
