// Command waitdie-scenarios drives WaitDieLock through a fixed set of
// concurrent transaction scenarios and prints the lock state between phases.
//
// Usage:
//
//	waitdie-scenarios [-run regexp] [-v] [-json] [-metrics] [-timeout d]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/llxisdsh/waitdie"
)

type Configuration struct {
	Run     string
	Verbose bool
	JSON    bool
	Metrics bool
	Timeout time.Duration
}

func main() {
	config := parseArguments()
	logger := newLogger(os.Stderr, config)

	if err := run(context.Background(), os.Stdout, logger, config); err != nil {
		logger.Error("scenarios failed", "error", err)
		os.Exit(1)
	}
}

// parseArguments processes command-line flags
func parseArguments() Configuration {
	var config Configuration

	flag.StringVar(&config.Run, "run", "", "Run only scenarios whose name matches this regexp")
	flag.BoolVar(&config.Verbose, "v", false, "Log every grant, wait, death and release")
	flag.BoolVar(&config.JSON, "json", false, "Write logs as JSON")
	flag.BoolVar(&config.Metrics, "metrics", false, "Print lock metrics after the run")
	flag.DurationVar(&config.Timeout, "timeout", 10*time.Second, "Per-scenario deadline")

	flag.Parse()

	return config
}

func newLogger(w io.Writer, config Configuration) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if config.Verbose {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func run(ctx context.Context, out io.Writer, logger *slog.Logger, config Configuration) error {
	filter, err := regexp.Compile(config.Run)
	if err != nil {
		return fmt.Errorf("invalid -run pattern: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := waitdie.NewMetrics(registry)

	for _, sc := range scenarios {
		if !filter.MatchString(sc.name) {
			continue
		}

		fmt.Fprintln(out, sc.name)
		r := &runner{
			out:     out,
			log:     logger.With("scenario", sc.name),
			metrics: metrics,
		}

		sctx, cancel := context.WithTimeout(ctx, config.Timeout)
		start := time.Now()
		err := sc.run(sctx, r)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", sc.name, err)
		}
		r.log.Info("scenario passed", "elapsed", time.Since(start))
	}

	if config.Metrics {
		return writeMetrics(out, registry)
	}
	return nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}
