package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/config"
	"github.com/andrej220/remotectl/pkg/config/configstore"
	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/andrej220/remotectl/pkg/remote/sshbackend"
	"github.com/andrej220/remotectl/pkg/remote/ssmbackend"
	"github.com/spf13/cobra"
)

const (
	serviceName       = "remotectl"
	configEnv         = "REMOTECTL_CONFIG"
	defaultConfigFile = "remotectl.yaml"
)

type streams struct {
	in       io.Reader
	out, err io.Writer
}

type backendFactory func(ctx context.Context, cfg config.Config, logger lg.Logger) (remote.Backend, io.Closer, error)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func defaultBackend(ctx context.Context, cfg config.Config, logger lg.Logger) (remote.Backend, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendSSH:
		b, err := sshbackend.New(cfg.SSH, sshbackend.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
		return b, b, nil
	case config.BackendSSM:
		b, err := ssmbackend.New(ctx, cfg.SSM, ssmbackend.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
		return b, nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.Backend)
}

// app is the state shared by all subcommands of one invocation.
type app struct {
	io         streams
	newBackend backendFactory

	configPath string
	backend    string
	logCfg     *lg.Config

	cfg    config.Config
	logger lg.Logger
	ui     *renderer
}

func execute(ctx context.Context, args []string, s streams, newBackend backendFactory) int {
	a := &app{io: s, newBackend: newBackend, logCfg: lg.NewConfig(serviceName), ui: newRenderer(s.err)}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if err != nil {
		var fe *failure
		if errors.As(err, &fe) {
			a.ui.failure(fe)
		} else {
			a.ui.errorLine(err)
		}
	}
	return exitCode(err)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "remotectl",
		Short: "Run shell commands and runbooks on remote hosts",
		Long: "Submits shell commands to remote hosts over SSH or AWS Systems Manager, polls them " +
			"until they finish and prints or extracts their output.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	// cobra reports unknown flags and flag group conflicts through this hook
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	root.Args = usageArgs(cobra.NoArgs)
	root.RunE = func(cmd *cobra.Command, _ []string) error { return cmd.Help() }

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file or mongodb:// URI (env "+configEnv+")")
	pf.StringVar(&a.backend, "backend", "", "execution backend: ssh or ssm")
	a.logCfg.BindFlags(pf)

	root.AddCommand(newExecCmd(a), newRunCmd(a), newExtractCmd(a), newJournalCmd(a))
	return root
}

// usageArgs marks positional argument errors as usage errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		return nil
	}
}

// setup loads configuration and builds the logger. Flags win over the file.
func (a *app) setup(cmd *cobra.Command) error {
	location := a.configPath
	if location == "" {
		location = os.Getenv(configEnv)
	}
	if location == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			location = defaultConfigFile
		}
	}

	var store configstore.ConfigStore
	if location != "" {
		var err error
		if store, err = config.Open(location); err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
		defer store.Close()
	}

	flags := cmd.Flags()
	cfg, err := config.Load(store, func(c *config.Config) {
		if a.backend != "" {
			c.Backend = a.backend
		}
		if flags.Changed("debug") {
			c.Log.Debug = a.logCfg.Debug
		}
		if flags.Changed("log-format") {
			c.Log.Format = a.logCfg.Format
		}
	})
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logCfg.Debug = a.cfg.Log.Debug
	a.logCfg.Format = a.cfg.Log.Format
	// progress goes through the renderer; the log only carries problems
	a.logCfg.Level = "warn"
	a.logger = lg.New(a.logCfg)
	a.logger.Debug("configuration loaded", lg.String("source", location), lg.String("backend", a.cfg.Backend))
	return nil
}

// client builds the remote client for the configured backend.
func (a *app) client(ctx context.Context) (*remote.Client, io.Closer, error) {
	be, closer, err := a.newBackend(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return remote.NewClient(be,
		remote.WithLogger(a.logger),
		remote.WithBreaker(a.cfg.BreakerSettings())), closer, nil
}

// failure is a fatal error together with what the user needs to see to
// debug it on the host.
type failure struct {
	Target  string
	Command string
	Last    remote.Result
	HasLast bool
	Err     error
}

func (f *failure) Error() string { return f.Err.Error() }

func (f *failure) Unwrap() error { return f.Err }
