// Command sat-latency-interface queries the partitioned latency store over
// a date range and filter set, printing the matching rows (spec.md
// §4.K, §6).
//
// Grounded on original_source/rt_latency/src/sat_latency/interface.py
// (satellite_data_from_filters' filter construction and the
// --columns/--output-type output shaping carried forward as a
// supplemented feature, SPEC_FULL.md "Supplemented features").
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/spf13/cobra"

	"github.com/ssec-wisc/rt-latency/config"
	"github.com/ssec-wisc/rt-latency/store"
)

type options struct {
	dir          string
	startDate    string
	endDate      string
	satelliteIDs []string
	bands        []string
	coverages    []string
	sections     []string
	sources      []string
	instruments  []string
	topicPattern string
	dateLike     string
	columns      []string
	outputType   string
	verbosity    int
}

const dateLayout = "2006-01-02"

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
		Use:   "sat-latency-interface",
		Short: "Query the partitioned latency store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.dir, "dir", env.LatencyDir, "partitioned store root (SAT_LATENCY_DIR)")
	flags.StringVar(&opts.startDate, "start-date", "", "inclusive start date, YYYY-MM-DD")
	flags.StringVar(&opts.endDate, "end-date", "", "inclusive end date, YYYY-MM-DD (defaults to --start-date)")
	flags.StringSliceVar(&opts.satelliteIDs, "satellite-id", nil, "filter: satellite_id equality set")
	flags.StringSliceVar(&opts.bands, "band", nil, "filter: band equality set")
	flags.StringSliceVar(&opts.coverages, "coverage", nil, "filter: coverage equality set")
	flags.StringSliceVar(&opts.sections, "section", nil, "filter: section equality set")
	flags.StringSliceVar(&opts.sources, "source", nil, "filter: ingest_source equality set")
	flags.StringSliceVar(&opts.instruments, "instrument", nil, "filter: instrument equality set")
	flags.StringVar(&opts.topicPattern, "topic", "", "filter: topic regexp")
	flags.StringVar(&opts.dateLike, "datematch", "", `filter: SQL-LIKE pattern against start_time formatted as "2006-01-02T15:04:05" ("_" = one char, "%" = any run, e.g. "2025-01-02%")`)
	flags.StringSliceVar(&opts.columns, "columns", nil, "output column subset (default: all)")
	flags.StringVar(&opts.outputType, "output-type", "json_lines", "json, json_lines, pretty_json, or pretty_json_lines")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	return cmd
}

func run(opts *options) error {
	log := config.NewLogger(opts.verbosity)

	if opts.startDate == "" {
		return fmt.Errorf("sat-latency-interface: --start-date is required")
	}
	start, err := time.Parse(dateLayout, opts.startDate)
	if err != nil {
		return fmt.Errorf("sat-latency-interface: parse --start-date: %w", err)
	}
	end := start
	if opts.endDate != "" {
		end, err = time.Parse(dateLayout, opts.endDate)
		if err != nil {
			return fmt.Errorf("sat-latency-interface: parse --end-date: %w", err)
		}
	}

	filter := store.Filter{
		SatelliteIDs: opts.satelliteIDs,
		Bands:        opts.bands,
		Coverages:    opts.coverages,
		Sections:     opts.sections,
		Sources:      opts.sources,
		Instruments:  opts.instruments,
		DateLike:     opts.dateLike,
	}
	if opts.topicPattern != "" {
		pattern, err := regexp.Compile(opts.topicPattern)
		if err != nil {
			return fmt.Errorf("sat-latency-interface: compile --topic: %w", err)
		}
		filter.TopicPattern = pattern
	}

	reader := store.NewReader(opts.dir, memory.NewGoAllocator(), log)
	result, err := reader.Read(start, end, filter)
	if err != nil {
		return err
	}
	if result.SkippedBatches > 0 {
		log.Warn().Int("skipped_batches", result.SkippedBatches).Msg("some partition batches were corrupt or truncated")
	}

	return printResult(result, opts.columns, opts.outputType)
}

func printResult(result store.Result, columns []string, outputType string) error {
	rows := make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		rows = append(rows, shapeRow(rec, columns))
	}

	switch outputType {
	case "json", "":
		return printJSON(rows, false)
	case "pretty_json":
		return printJSON(rows, true)
	case "json_lines":
		return printJSONLines(rows, false)
	case "pretty_json_lines":
		return printJSONLines(rows, true)
	default:
		return fmt.Errorf("sat-latency-interface: unknown --output-type %q", outputType)
	}
}

func printJSON(rows []map[string]any, pretty bool) error {
	var body []byte
	var err error
	if pretty {
		body, err = json.MarshalIndent(rows, "", "  ")
	} else {
		body, err = json.Marshal(rows)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func printJSONLines(rows []map[string]any, pretty bool) error {
	for _, row := range rows {
		var body []byte
		var err error
		if pretty {
			body, err = json.MarshalIndent(row, "", "  ")
		} else {
			body, err = json.Marshal(row)
		}
		if err != nil {
			return err
		}
		fmt.Println(string(body))
	}
	return nil
}

var allColumns = []string{
	"topic", "band", "coverage", "ingest_source", "instrument", "satellite_id",
	"section", "reception_time", "start_time", "end_time", "create_time", "latency",
}

func shapeRow(rec store.Record, columns []string) map[string]any {
	if len(columns) == 0 {
		columns = allColumns
	}
	full := map[string]any{
		"topic":          derefStr(rec.Topic),
		"band":           derefStr(rec.Band),
		"coverage":       derefStr(rec.Coverage),
		"ingest_source":  derefStr(rec.IngestSource),
		"instrument":     derefStr(rec.Instrument),
		"satellite_id":   derefStr(rec.SatelliteID),
		"section":        derefStr(rec.Section),
		"reception_time": rec.ReceptionTime.Format(time.RFC3339Nano),
		"start_time":     rec.StartTime.Format(time.RFC3339Nano),
		"end_time":       derefTime(rec.EndTime),
		"create_time":    derefTime(rec.CreateTime),
		"latency":        rec.Latency(),
	}

	out := make(map[string]any, len(columns))
	for _, c := range columns {
		out[c] = full[c]
	}
	return out
}

func derefStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
