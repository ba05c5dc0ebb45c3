package cmds

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/go-go-golems/stackctl/pkg/journal"
	"github.com/go-go-golems/stackctl/pkg/launch"
	"github.com/go-go-golems/stackctl/pkg/probe"
	"github.com/go-go-golems/stackctl/pkg/registry"
	"github.com/go-go-golems/stackctl/pkg/scheduler"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/go-go-golems/stackctl/pkg/tui"
)

func newUpCmd() *cobra.Command {
	var force bool
	var watch bool
	var startupTimeout time.Duration
	var graceTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the stack in health-gated dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := getRootOptions(cmd)
			if err != nil {
				return err
			}

			if _, err := os.Stat(state.StatePath(opts.ProjectRoot)); err == nil {
				if !force {
					return errors.New("state exists; run stackctl down first or use --force")
				}
				log.Info().Msg("existing state found; stopping first (--force)")
				if err := stopFromState(cmd.Context(), opts.ProjectRoot, graceTimeout); err != nil {
					return err
				}
			}

			file, err := compose.LoadFromFile(opts.File)
			if err != nil {
				return err
			}
			graph, err := topology.Build(file.ServicesInOrder())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			bus, err := registry.NewInMemoryBus()
			if err != nil {
				return err
			}
			reg, err := registry.New(bus, graph.Services())
			if err != nil {
				return err
			}

			jrnl, err := journal.Open(state.JournalPath(opts.ProjectRoot))
			if err != nil {
				return err
			}
			defer func() { _ = jrnl.Close() }()
			runID, err := jrnl.BeginRun(ctx, file.Project)
			if err != nil {
				return err
			}
			jrnl.Attach(bus, runID)

			launcher := launch.NewExecLauncher(launch.Options{
				ProjectRoot:  opts.ProjectRoot,
				GraceTimeout: graceTimeout,
			})
			prober := probe.New(reg)
			sched := scheduler.New(graph, reg, launcher, prober, file.Services, scheduler.Options{
				StartupTimeout: startupTimeout,
			})

			var program *tea.Program
			if watch {
				program = tea.NewProgram(
					tui.NewWatchModel(reg.Services()),
					tea.WithInput(cmd.InOrStdin()),
					tea.WithOutput(cmd.OutOrStdout()),
				)
				tui.RegisterForwarder(bus, program)
			}

			eg, egCtx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				err := bus.Run(egCtx)
				if stderrors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			<-bus.Router.Running()

			var result scheduler.Result
			var runErr error
			schedDone := make(chan struct{})
			eg.Go(func() error {
				defer close(schedDone)
				result, runErr = sched.Run(egCtx)
				if program != nil {
					program.Send(tui.DoneMsg{
						Summary: summarize(result),
						Failed:  result.FailedServices(),
					})
				}
				return nil
			})
			if program != nil {
				eg.Go(func() error {
					_, err := program.Run()
					return err
				})
			}

			<-schedDone
			if program != nil {
				// Leave the final states on screen briefly, then let
				// the user quit; the program exits with the group.
				go func() {
					time.Sleep(200 * time.Millisecond)
					program.Quit()
				}()
			}
			cancel()
			if err := eg.Wait(); err != nil {
				log.Warn().Err(err).Msg("event bus shutdown")
			}

			saveErr := saveRunState(opts.ProjectRoot, file, reg, sched, result)
			if saveErr != nil {
				log.Warn().Err(saveErr).Msg("failed to persist run state")
			}
			_ = jrnl.FinishRun(context.Background(), runID, resultLabel(result))

			if runErr != nil && !errors.Is(runErr, context.DeadlineExceeded) && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			fmt.Fprintln(cmd.OutOrStdout(), summarize(result))
			if !result.Success() {
				return errors.Errorf("partial failure: %s", strings.Join(result.FailedServices(), ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Stop an existing stack first if state is present")
	cmd.Flags().BoolVar(&watch, "watch", false, "Render a live startup view")
	cmd.Flags().DurationVar(&startupTimeout, "startup-timeout", 30*time.Second, "Per-service window from start to healthy")
	cmd.Flags().DurationVar(&graceTimeout, "grace-timeout", 3*time.Second, "Grace period before SIGKILL on shutdown")
	return cmd
}

func summarize(result scheduler.Result) string {
	if result.Success() {
		return "all services up"
	}
	var b strings.Builder
	b.WriteString("failed services:\n")
	for _, f := range result.Failed {
		if f.Root == f.Service {
			fmt.Fprintf(&b, "  %s: %v (root cause)\n", f.Service, f.Err)
		} else {
			fmt.Fprintf(&b, "  %s: %v\n", f.Service, f.Err)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func resultLabel(result scheduler.Result) string {
	if result.Success() {
		return "success"
	}
	return "partial-failure"
}

func saveRunState(projectRoot string, file *compose.File, reg *registry.Registry, sched *scheduler.Scheduler, result scheduler.Result) error {
	handles := sched.Handles()
	st := &state.RunState{
		ProjectRoot: projectRoot,
		Project:     file.Project,
		CreatedAt:   time.Now(),
		Result:      resultLabel(result),
	}
	for _, status := range reg.Snapshot() {
		svc := file.Services[status.Name]
		rec := state.ServiceRecord{
			Name:  status.Name,
			State: status.State.String(),
			Error: status.Error,
			Root:  status.Root,
			Env:   state.SanitizeEnv(svc.Environment),
		}
		if h, ok := handles[status.Name]; ok {
			rec.PID = h.PID
			rec.Command = svc.Command
			rec.StdoutLog = h.StdoutLog
			rec.StderrLog = h.StderrLog
			rec.StartedAt = h.StartedAt
		}
		if hc := svc.HealthCheck; hc != nil {
			n := hc.Normalized()
			rec.HealthTest = n.Test
			rec.HealthInterval = n.Interval.Std().String()
			rec.HealthRetries = n.Retries
		}
		st.Services = append(st.Services, rec)
	}
	return state.Save(projectRoot, st)
}
