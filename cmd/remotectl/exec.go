package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andrej220/remotectl/pkg/parse"
	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/spf13/cobra"
)

type execOptions struct {
	target       string
	timeout      time.Duration
	pollInterval time.Duration
	maxWait      time.Duration
	comment      string
	extract      string
	asJSON       bool
	file         string
	params       map[string]string
	secretEnv    map[string]string
	process      []string
}

func newExecCmd(a *app) *cobra.Command {
	o := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec --target T [flags] (-- SCRIPT... | --file PATH)",
		Short: "Run one shell command on a target and wait for it",
		Example: `  remotectl exec --target summit -- pm2 status
  remotectl exec --target i-0fba58db502cc8d39 --extract token --file login.sh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.exec(cmd, o, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.target, "target", "t", "", "host:port, instance id or alias from the config")
	f.DurationVar(&o.timeout, "timeout", 0, "remote execution timeout (default from config)")
	f.DurationVar(&o.pollInterval, "poll-interval", 0, "time between polls (default from config)")
	f.DurationVar(&o.maxWait, "max-wait", 0, "how long to wait locally for a result; 0 polls once")
	f.StringVar(&o.comment, "comment", "", "comment shown by the backend")
	f.StringVar(&o.extract, "extract", "", "print the JSON field at this dotted path instead of stdout")
	f.BoolVar(&o.asJSON, "json", false, "print the whole result as JSON")
	f.StringVarP(&o.file, "file", "f", "", "read the script from a file, - for stdin")
	f.StringToStringVar(&o.params, "param", nil, "backend parameter NAME=VALUE")
	f.StringToStringVar(&o.secretEnv, "secret-env", nil, "export NAME from a secret reference resolved on the host, NAME=REF")
	f.StringSliceVar(&o.process, "process", nil, processUsage)
	return cmd
}

func (a *app) script(o *execOptions, args []string) (string, error) {
	switch {
	case o.file != "" && len(args) > 0:
		return "", fmt.Errorf("%w: give the script either as arguments or with --file", errUsage)
	case o.file == "-":
		b, err := io.ReadAll(a.io.in)
		if err != nil {
			return "", fmt.Errorf("read script from stdin: %w", err)
		}
		return string(b), nil
	case o.file != "":
		b, err := os.ReadFile(o.file)
		if err != nil {
			return "", fmt.Errorf("%w: %w", errUsage, err)
		}
		return string(b), nil
	case len(args) > 0:
		return strings.Join(args, " "), nil
	}
	return "", fmt.Errorf("%w: no script; pass it after -- or with --file", errUsage)
}

func (a *app) exec(cmd *cobra.Command, o *execOptions, args []string) error {
	if o.target == "" {
		return fmt.Errorf("%w: --target is required", errUsage)
	}
	command, err := a.script(o, args)
	if err != nil {
		return err
	}
	chain := parse.NewChain()
	if err := chain.Check(o.process...); err != nil {
		return err
	}
	ctx := cmd.Context()
	flags := cmd.Flags()

	req := remote.CommandRequest{
		Target:    a.cfg.Resolve(o.target),
		Command:   command,
		Timeout:   a.cfg.Defaults.Timeout,
		Params:    o.params,
		Comment:   o.comment,
		SecretEnv: o.secretEnv,
	}
	if flags.Changed("timeout") {
		req.Timeout = o.timeout
	}
	policy := a.cfg.Policy()
	if flags.Changed("poll-interval") {
		policy.Interval = o.pollInterval
	}
	if flags.Changed("max-wait") {
		policy.MaxWait = o.maxWait
	}
	policy.Progress = a.ui.polling

	client, closer, err := a.client(ctx)
	if err != nil {
		return err
	}
	defer closer.Close()

	h, err := client.SubmitRequest(ctx, req)
	if err != nil {
		return &failure{Target: req.Target, Command: command, Err: err}
	}
	a.ui.submitted(h)

	res, err := policy.Await(ctx, client, h)
	if err != nil {
		f := &failure{Target: req.Target, Command: command, Err: err}
		var pte *remote.PollTimeoutError
		if errors.As(err, &pte) && !pte.Last.Handle.IsZero() {
			f.Last, f.HasLast = pte.Last, true
		}
		return f
	}
	a.ui.finished(res)
	if res.Stdout, err = chain.Apply(res.Stdout, o.process...); err != nil {
		return &failure{Target: req.Target, Command: command, Last: res, HasLast: true, Err: err}
	}

	if o.asJSON {
		enc := json.NewEncoder(a.io.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	var statusErr error
	switch res.Status {
	case remote.StatusSuccess:
	case remote.StatusTimedOut:
		statusErr = errRemoteTimedOut
	default:
		statusErr = fmt.Errorf("%w: %s", errRemoteFailed, res.Status)
	}
	if statusErr != nil {
		return &failure{Target: req.Target, Command: command, Last: res, HasLast: true,
			Err: fmt.Errorf("%s: %w", h, statusErr)}
	}

	if o.asJSON {
		return nil
	}
	if o.extract != "" {
		v, err := parse.ExtractField(res.Stdout, o.extract)
		if err != nil {
			return &failure{Target: req.Target, Command: command, Last: res, HasLast: true, Err: err}
		}
		fmt.Fprintln(a.io.out, v)
		return nil
	}
	fmt.Fprint(a.io.out, res.Stdout)
	fmt.Fprint(a.io.err, res.Stderr)
	return nil
}
