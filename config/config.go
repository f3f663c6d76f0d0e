// Package config resolves the environment-variable defaults shared by every
// entrypoint (spec.md §6) and builds the per-process zerolog logger. Each
// component still receives its configuration explicitly at construction
// (spec.md §9 Design Notes); this package only centralizes the handful of
// values that come from the environment rather than CLI flags.
package config

import (
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	defaultLatencyDir    = "./latencies"
	defaultBatchMaxSize  = 1024
	defaultBatchMaxDelay = 120
)

// Env holds the environment-derived defaults from spec.md §6.
type Env struct {
	LatencyDir    string
	BatchMaxSize  int
	BatchMaxDelay int // seconds
}

// LoadEnv reads SAT_LATENCY_* from the environment via a scoped viper
// instance (no global singleton, per spec.md §9 Design Notes), falling
// back to the documented defaults for anything unset or unparsable.
func LoadEnv() Env {
	v := viper.New()
	v.SetEnvPrefix("SAT_LATENCY")
	v.AutomaticEnv()
	v.SetDefault("dir", defaultLatencyDir)

	return Env{
		LatencyDir:    v.GetString("dir"),
		BatchMaxSize:  intOrDefault(v.GetString("batch_size"), defaultBatchMaxSize),
		BatchMaxDelay: intOrDefault(v.GetString("batch_delay"), defaultBatchMaxDelay),
	}
}

func intOrDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// VerbosityLevel maps a repeated -v count (ERROR, WARN, INFO, DEBUG) onto a
// zerolog level, the way amqpfind's original optparse action="count" drove
// logging.basicConfig's level list.
func VerbosityLevel(count int) zerolog.Level {
	levels := []zerolog.Level{
		zerolog.ErrorLevel,
		zerolog.WarnLevel,
		zerolog.InfoLevel,
		zerolog.DebugLevel,
	}
	if count < 0 {
		count = 0
	}
	if count >= len(levels) {
		count = len(levels) - 1
	}
	return levels[count]
}

// NewLogger builds the process-wide zerolog.Logger at the given verbosity,
// writing human-readable output to stderr so stdout stays reserved for the
// emitter's per-event output stream (spec.md §4.E).
func NewLogger(verbosity int) zerolog.Logger {
	zerolog.SetGlobalLevel(VerbosityLevel(verbosity))
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().
		Timestamp().
		Logger()
}
