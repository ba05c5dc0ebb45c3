package cmds

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/journal"
	"github.com/go-go-golems/stackctl/pkg/state"
)

func newHistoryCmd() *cobra.Command {
	var runID int64
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs and their lifecycle transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			jrnl, err := journal.Open(state.JournalPath(opts.ProjectRoot))
			if err != nil {
				return err
			}
			defer func() { _ = jrnl.Close() }()

			ctx := cmd.Context()
			if runID > 0 {
				transitions, err := jrnl.Transitions(ctx, runID)
				if err != nil {
					return err
				}
				for _, t := range transitions {
					line := fmt.Sprintf("%s  %-12s %-7s %s", t.At.Local().Format("15:04:05.000"), t.Service, t.Kind, t.State)
					if t.Kind == "health" {
						line += " (" + t.Health + ")"
					}
					if t.Reason != "" {
						line += "  " + t.Reason
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			}

			runs, err := jrnl.Runs(ctx, limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				line := fmt.Sprintf("run %d  %s", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"))
				if r.Project != "" {
					line += "  project=" + r.Project
				}
				if r.Result != "" {
					line += "  " + r.Result
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&runID, "run", 0, "Show transitions for one run")
	cmd.Flags().IntVar(&limit, "limit", 20, "How many runs to list")
	return cmd
}
