package cmds

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/proc"
	"github.com/go-go-golems/stackctl/pkg/state"
)

func newStatusCmd() *cobra.Command {
	var sampleCPU bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded stack and whether its services are alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			st, err := state.Load(opts.ProjectRoot)
			if err != nil {
				return err
			}

			sampler := proc.NewSampler()
			if sampleCPU {
				// CPU percentage needs two samples per pid.
				for _, rec := range st.Services {
					if rec.PID > 0 {
						_, _ = sampler.Sample(rec.PID)
					}
				}
				time.Sleep(250 * time.Millisecond)
			}

			type svc struct {
				Name  string      `json:"name"`
				State string      `json:"state"`
				PID   int         `json:"pid,omitempty"`
				Alive bool        `json:"alive"`
				Error string      `json:"error,omitempty"`
				Root  string      `json:"root,omitempty"`
				Stats *proc.Stats `json:"stats,omitempty"`
			}
			out := struct {
				Project  string `json:"project,omitempty"`
				Result   string `json:"result,omitempty"`
				Services []svc  `json:"services"`
			}{Project: st.Project, Result: st.Result}

			for _, rec := range st.Services {
				s := svc{
					Name:  rec.Name,
					State: rec.State,
					PID:   rec.PID,
					Alive: state.ProcessAlive(rec.PID),
					Error: rec.Error,
					Root:  rec.Root,
				}
				if s.Alive {
					if stats, err := sampler.Sample(rec.PID); err == nil {
						s.Stats = stats
					}
				}
				out.Services = append(out.Services, s)
			}

			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}

	cmd.Flags().BoolVar(&sampleCPU, "cpu", false, "Sample CPU usage (adds a short delay)")
	return cmd
}
