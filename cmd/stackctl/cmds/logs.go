package cmds

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/state"
)

func newLogsCmd() *cobra.Command {
	var tailLines int
	var since string
	var stderrOnly bool

	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Show captured service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.ProjectRoot)
			if err != nil {
				return err
			}

			var cutoff time.Time
			if since != "" {
				cutoff, err = dateparse.ParseLocal(since)
				if err != nil {
					return errors.Wrapf(err, "parse --since %q", since)
				}
			}

			selected := map[string]bool{}
			for _, a := range args {
				selected[a] = true
			}

			for _, rec := range st.Services {
				if len(selected) > 0 && !selected[rec.Name] {
					continue
				}
				paths := []string{rec.StderrLog}
				if !stderrOnly {
					paths = []string{rec.StdoutLog, rec.StderrLog}
				}
				for _, path := range paths {
					if path == "" {
						continue
					}
					lines, err := state.TailLines(path, tailLines, 2<<20)
					if err != nil {
						continue
					}
					lines = filterSince(lines, cutoff)
					if len(lines) == 0 {
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "==> %s (%s) <==\n", rec.Name, path)
					for _, line := range lines {
						fmt.Fprintln(cmd.OutOrStdout(), line)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tailLines, "tail", 50, "Lines to show from the end of each log")
	cmd.Flags().StringVar(&since, "since", "", "Only lines at or after this time (flexible format)")
	cmd.Flags().BoolVar(&stderrOnly, "stderr", false, "Only show stderr logs")
	return cmd
}

// filterSince drops lines whose leading timestamp parses to before the
// cutoff. Lines without a recognizable timestamp are kept.
func filterSince(lines []string, cutoff time.Time) []string {
	if cutoff.IsZero() {
		return lines
	}
	out := lines[:0]
	for _, line := range lines {
		ts, ok := leadingTimestamp(line)
		if ok && ts.Before(cutoff) {
			continue
		}
		out = append(out, line)
	}
	return out
}

func leadingTimestamp(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	for n := min(3, len(fields)); n >= 1; n-- {
		candidate := strings.Join(fields[:n], " ")
		if ts, err := dateparse.ParseLocal(candidate); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
