package main

import (
	"encoding/json"
	"fmt"

	"github.com/andrej220/remotectl/pkg/journal"
	"github.com/andrej220/remotectl/pkg/runbook"
	"github.com/spf13/cobra"
)

const defaultTailGroup = "remotectl-tail"

func newJournalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect recorded runs",
	}
	var (
		asJSON bool
		group  string
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print run reports as they are published to Kafka",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			k := a.cfg.Journal.Kafka
			if k == nil {
				return fmt.Errorf("%w: journal.kafka is not configured", errUsage)
			}
			if group == "" {
				group = k.GroupID
			}
			if group == "" {
				group = defaultTailGroup
			}
			t := journal.NewTail(k.Brokers, k.Topic, group)
			defer t.Close()
			return followReports(cmd, a, t, asJSON)
		},
	}
	tail.Flags().BoolVar(&asJSON, "json", false, "print each report as one JSON line")
	tail.Flags().StringVar(&group, "group", "", "consumer group (default from config, else "+defaultTailGroup+")")
	cmd.AddCommand(tail)
	return cmd
}

func followReports(cmd *cobra.Command, a *app, t *journal.Tail, asJSON bool) error {
	enc := json.NewEncoder(a.io.out)
	return t.Follow(cmd.Context(), func(rep runbook.Report) error {
		if asJSON {
			return enc.Encode(rep)
		}
		a.ui.report(a.io.out, rep)
		return nil
	})
}
