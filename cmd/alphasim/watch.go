package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openjobspec/alphasim/internal/core"
	"github.com/openjobspec/alphasim/internal/sink"
)

func (a *app) watchCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print results as a running scheduler publishes them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, err := a.conn()
			if err != nil {
				return err
			}
			subject := sink.ResultSubject
			if status != "" {
				subject = sink.StatusSubject(core.JobStatus(status))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			sub, err := sink.Subscribe(nc, subject, func(r core.JobResult) {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", r.ResolvedAt.Format("15:04:05"), r.Status, r.AlphaID, r.Label)
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return sub.Unsubscribe()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only results with this status (succeeded or failed)")
	return cmd
}
