package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/config/filestore"
	"github.com/andrej220/remotectl/pkg/journal"
	"github.com/andrej220/remotectl/pkg/runbook"
	"github.com/spf13/cobra"
)

// settle absorbs the burst of events an editor produces on save.
const settle = 200 * time.Millisecond

type runOptions struct {
	targets     []string
	watch       bool
	maxParallel int
	verbose     bool
}

func newRunCmd(a *app) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run RUNBOOK.yaml",
		Short: "Run a runbook on one or more targets",
		Long: "Runs the steps of a runbook in order on every target. Targets run in parallel " +
			"and independently; on each target the first failing step stops the run.",
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.watch {
				return a.watchRunbook(cmd.Context(), args[0], o)
			}
			_, err := a.runRunbook(cmd.Context(), args[0], o)
			return err
		},
	}
	f := cmd.Flags()
	f.StringArrayVarP(&o.targets, "target", "t", nil, "target to run on, repeatable (default: the runbook's targets)")
	f.BoolVarP(&o.watch, "watch", "w", false, "run again whenever the runbook file is saved")
	f.IntVar(&o.maxParallel, "max-parallel", 0, "targets run at the same time (default from config)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "show every poll")
	return cmd
}

func (a *app) runRunbook(ctx context.Context, path string, o *runOptions) ([]runbook.Report, error) {
	rb, err := runbook.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	if rb.Timeout == 0 {
		rb.Timeout = a.cfg.Defaults.Timeout
	}
	targets := o.targets
	if len(targets) == 0 {
		targets = rb.Targets
	}
	resolved := make([]string, len(targets))
	for i, t := range targets {
		resolved[i] = a.cfg.Resolve(t)
	}

	client, closer, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	opts := []runbook.Option{
		runbook.WithLogger(a.logger),
		runbook.WithPolicy(a.cfg.Policy()),
		runbook.WithEvents(a.ui.event(o.verbose)),
		runbook.WithMaxParallel(a.cfg.Defaults.MaxParallel),
	}
	if o.maxParallel > 0 {
		opts = append(opts, runbook.WithMaxParallel(o.maxParallel))
	}
	rec, jc, err := journal.Open(ctx, a.cfg.Journal, a.logger)
	if err != nil {
		return nil, err
	}
	defer jc.Close()
	if rec != nil {
		opts = append(opts, runbook.WithRecorder(rec))
	}

	reports, err := runbook.NewRunner(client, opts...).RunAll(ctx, rb, resolved...)
	if len(reports) > 0 {
		a.ui.summary(reports)
	}
	return reports, runFailure(err)
}

// runFailure keeps the first step failure for the detailed printout and
// the joined error for the exit code.
func runFailure(err error) error {
	if err == nil {
		return nil
	}
	var se *runbook.StepError
	if !errors.As(err, &se) {
		return err
	}
	f := &failure{Target: se.Target, Command: se.Command, Err: err}
	if !se.Result.Handle.IsZero() {
		f.Last, f.HasLast = se.Result, true
	}
	return f
}

func (a *app) watchRunbook(ctx context.Context, path string, o *runOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := make(chan struct{}, 1)
	fs := filestore.New(path)
	fs.Logger = a.logger
	err := fs.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	for {
		if _, err := a.runRunbook(ctx, path, o); err != nil {
			var fe *failure
			if errors.As(err, &fe) {
				a.ui.failure(fe)
			} else {
				a.ui.errorLine(err)
			}
		}
		a.ui.printf("%s\n", a.ui.dim.Render("watching "+path+" for changes"))

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
		// coalesce the rest of the save
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(settle):
		}
		select {
		case <-changed:
		default:
		}
		a.logger.Debug("runbook changed", lg.String("path", path))
	}
}
