package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openjobspec/alphasim/internal/backlog"
	"github.com/openjobspec/alphasim/internal/core"
)

func (a *app) enqueueCmd() *cobra.Command {
	var (
		exprs    []string
		settings string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "enqueue [file|-]",
		Short: "Append specs to the backlog from JSON, JSON Lines, the generator's CSV, or --expr",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []core.JobSpec

			if len(exprs) > 0 {
				base := core.DefaultSettings()
				if settings != "" {
					if err := json.Unmarshal([]byte(settings), &base); err != nil {
						return fmt.Errorf("invalid --settings JSON: %w", err)
					}
				}
				for _, e := range exprs {
					s := core.JobSpec{Type: core.DefaultSimulationType, Settings: base, Regular: e}
					if err := s.Validate(); err != nil {
						return err
					}
					specs = append(specs, s)
				}
			}

			if len(args) == 1 || len(exprs) == 0 {
				name := "-"
				if len(args) == 1 {
					name = args[0]
				}
				fromInput, err := readSpecs(cmd.InOrStdin(), name, format)
				if err != nil {
					return err
				}
				specs = append(specs, fromInput...)
			}

			if len(specs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to enqueue.")
				return nil
			}

			q, _, err := a.queues(cmd.Context())
			if err != nil {
				return err
			}
			if err := q.Append(cmd.Context(), specs...); err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d specs.\n", len(specs))
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&exprs, "expr", "e", nil, "expression to simulate with default settings (repeatable)")
	cmd.Flags().StringVar(&settings, "settings", "", "JSON object merged over the default settings for --expr")
	cmd.Flags().StringVar(&format, "format", "", "input format: json or csv (default: by file extension, else json)")
	return cmd
}

func readSpecs(stdin io.Reader, name, format string) ([]core.JobSpec, error) {
	r := stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
		if format == "" && strings.EqualFold(filepath.Ext(name), ".csv") {
			format = "csv"
		}
	}
	switch format {
	case "csv":
		return backlog.ImportCSV(r)
	case "", "json", "jsonl":
		return backlog.DecodeSpecs(r)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

func (a *app) backlogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Show how many specs are waiting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, dead, err := a.queues(cmd.Context())
			if err != nil {
				return err
			}
			n, err := q.Len(cmd.Context())
			if err != nil {
				return err
			}
			d, err := dead.Len(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backlog: %d\ndead-letter: %d\n", n, d)
			return nil
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued specs in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _, err := a.queues(cmd.Context())
			if err != nil {
				return err
			}
			specs, err := q.List(cmd.Context())
			if err != nil {
				return err
			}
			return printSpecs(cmd.OutOrStdout(), specs, limit, "Backlog is empty.")
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to print (0 for all)")
	cmd.AddCommand(list)
	return cmd
}

func (a *app) deadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Manage specs whose submission was abandoned",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered specs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dead, err := a.queues(cmd.Context())
			if err != nil {
				return err
			}
			specs, err := dead.List(cmd.Context())
			if err != nil {
				return err
			}
			return printSpecs(cmd.OutOrStdout(), specs, 0, "Dead-letter queue is empty.")
		},
	}

	var all bool
	requeue := &cobra.Command{
		Use:   "requeue [spec-id...]",
		Short: "Move dead-lettered specs back to the tail of the backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name spec ids or pass --all")
			}
			q, dead, err := a.queues(cmd.Context())
			if err != nil {
				return err
			}
			moved, err := requeueDead(cmd.Context(), dead, q, args, all)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d specs.\n", moved)
			return nil
		},
	}
	requeue.Flags().BoolVar(&all, "all", false, "requeue every dead-lettered spec")

	cmd.AddCommand(list, requeue)
	return cmd
}

func printSpecs(w io.Writer, specs []core.JobSpec, limit int, empty string) error {
	if len(specs) == 0 {
		_, err := fmt.Fprintln(w, empty)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tEXPRESSION")
	for i, s := range specs {
		if limit > 0 && i == limit {
			fmt.Fprintf(tw, "...\t%d more\t\n", len(specs)-limit)
			break
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, s.ID, s.Label())
	}
	return tw.Flush()
}
