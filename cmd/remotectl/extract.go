package main

import (
	"fmt"
	"io"
	"os"

	"github.com/andrej220/remotectl/internal/lg"
	"github.com/andrej220/remotectl/pkg/parse"
	"github.com/spf13/cobra"
)

const processUsage = "line processors applied to stdout first, in order: strip_ansi, trim, drop_empty, key_value, split_lines"

type extractOptions struct {
	field   string
	first   bool
	last    bool
	process []string
}

func newExtractCmd(a *app) *cobra.Command {
	o := &extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract [--field PATH] [--first|--last] [--process P,...] [FILE]",
		Short: "Pull the JSON value out of captured command output",
		Example: `  remotectl exec --target summit -- ./login.sh | remotectl extract --field token
  remotectl extract --last output.txt`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		// extract works offline and needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error {
			a.logger = lg.New(a.logCfg)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.extract(o, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.field, "field", "", "dotted path such as user.id or items.0.name")
	f.BoolVar(&o.first, "first", false, "use the first JSON value when there are several")
	f.BoolVar(&o.last, "last", false, "use the last JSON value when there are several")
	f.StringSliceVar(&o.process, "process", nil, processUsage)
	cmd.MarkFlagsMutuallyExclusive("first", "last")
	return cmd
}

func (a *app) extract(o *extractOptions, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(a.io.in)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	text, err := parse.NewChain().Apply(string(data), o.process...)
	if err != nil {
		return err
	}
	out, err := extractText(text, o)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.io.out, out)
	return nil
}

func extractText(stdout string, o *extractOptions) (string, error) {
	var hint parse.Hint
	switch {
	case o.first:
		hint = parse.HintFirst
	case o.last:
		hint = parse.HintLast
	case o.field != "":
		return parse.ExtractField(stdout, o.field)
	}
	v, err := parse.ExtractJSONWith(stdout, hint)
	if err != nil {
		return "", err
	}
	if o.field == "" {
		return v.Compact(), nil
	}
	field, err := v.Lookup(o.field)
	if err != nil {
		return "", err
	}
	return parse.Text(field)
}
