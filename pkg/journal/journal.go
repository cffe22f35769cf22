// Package journal records finished runbook reports. Sinks are write-only:
// remotectl never reads a journal back to decide anything.
package journal

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/config"
	"github.com/andrej220/remotectl/pkg/runbook"
)

// MaxOutputLines is how much of each stream a recorded step keeps.
const MaxOutputLines = 50

// Truncate returns r with every step's stdout and stderr cut to their last
// n lines. r itself is not modified.
func Truncate(r runbook.Report, n int) runbook.Report {
	steps := make([]runbook.StepReport, len(r.Steps))
	copy(steps, r.Steps)
	for i := range steps {
		steps[i].Result.Stdout = lastLines(steps[i].Result.Stdout, n)
		steps[i].Result.Stderr = lastLines(steps[i].Result.Stderr, n)
	}
	r.Steps = steps
	return r
}

func lastLines(s string, n int) string {
	if n <= 0 || s == "" {
		return s
	}
	trimmed := strings.TrimRight(s, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n") + s[len(trimmed):]
}

// Multi records to every sink and joins their errors.
type Multi []runbook.Recorder

func (m Multi) Record(ctx context.Context, r runbook.Report) error {
	var errs []error
	for _, rec := range m {
		if err := rec.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the sinks cfg enables. It returns a nil recorder when none is.
func Open(ctx context.Context, cfg config.Journal, logger lg.Logger) (runbook.Recorder, io.Closer, error) {
	var (
		sinks Multi
		cl    closers
	)
	if cfg.Dir != "" {
		sinks = append(sinks, NewFileSink(cfg.Dir))
	}
	if cfg.Mongo != nil {
		ms, err := NewMongoSink(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ms)
		cl = append(cl, ms)
	}
	if cfg.Kafka != nil {
		ks := NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		sinks = append(sinks, ks)
		cl = append(cl, ks)
	}
	if len(sinks) == 0 {
		return nil, cl, nil
	}
	logger.Debug("journal enabled", lg.Int("sinks", len(sinks)))
	return sinks, cl, nil
}
