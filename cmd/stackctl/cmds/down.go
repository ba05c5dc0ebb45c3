package cmds

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/stackctl/pkg/launch"
	"github.com/go-go-golems/stackctl/pkg/state"
)

func newDownCmd() *cobra.Command {
	var graceTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the running stack and remove its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			return stopFromState(ctx, opts.ProjectRoot, graceTimeout)
		},
	}

	cmd.Flags().DurationVar(&graceTimeout, "grace-timeout", 3*time.Second, "Grace period before SIGKILL")
	return cmd
}

// stopFromState stops services in reverse start order: dependents go
// down before the services they gate on.
func stopFromState(ctx context.Context, projectRoot string, grace time.Duration) error {
	st, err := state.Load(projectRoot)
	if err != nil {
		return errors.Wrap(err, "no recorded stack state")
	}

	var lastErr error
	for i := len(st.Services) - 1; i >= 0; i-- {
		rec := st.Services[i]
		if rec.PID <= 0 {
			continue
		}
		log.Info().Str("service", rec.Name).Int("pid", rec.PID).Msg("stopping service")
		if err := launch.TerminatePIDGroup(ctx, rec.PID, grace); err != nil {
			log.Warn().Str("service", rec.Name).Err(err).Msg("stop failed")
			lastErr = err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return state.Remove(projectRoot)
}
