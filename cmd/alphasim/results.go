package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openjobspec/alphasim/internal/core"
	"github.com/openjobspec/alphasim/internal/sink"
)

func (a *app) resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Summarise the result file by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := sink.ReadCSV(a.cfg.ResultsPath)
			if err != nil {
				return err
			}
			counts := map[core.JobStatus]int{}
			for _, r := range results {
				counts[r.Status]++
			}
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATUS\tCOUNT")
			for _, s := range statuses {
				fmt.Fprintf(tw, "%s\t%d\n", s, counts[core.JobStatus(s)])
			}
			fmt.Fprintf(tw, "total\t%d\n", len(results))
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&a.cfg.ResultsPath, "results", a.cfg.ResultsPath, "result CSV file")
	return cmd
}
