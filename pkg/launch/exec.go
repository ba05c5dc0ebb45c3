package launch

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/go-go-golems/stackctl/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ProjectRoot  string
	GraceTimeout time.Duration
}

// ExecLauncher runs services as local processes in their own process
// groups, with stdout/stderr captured under .stackctl/logs/.
type ExecLauncher struct {
	opts Options
}

func NewExecLauncher(opts Options) *ExecLauncher {
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = 3 * time.Second
	}
	return &ExecLauncher{opts: opts}
}

func (l *ExecLauncher) Launch(ctx context.Context, name string, svc compose.Service) (Handle, error) {
	if len(svc.Command) == 0 {
		return Handle{}, &Error{Service: name, Err: errors.New("no command; the exec launcher cannot run images")}
	}
	if err := os.MkdirAll(state.LogsDir(l.opts.ProjectRoot), 0o755); err != nil {
		return Handle{}, &Error{Service: name, Err: errors.Wrap(err, "mkdir logs dir")}
	}

	cwd := l.opts.ProjectRoot
	if svc.WorkDir != "" {
		if filepath.IsAbs(svc.WorkDir) {
			cwd = svc.WorkDir
		} else {
			cwd = filepath.Join(l.opts.ProjectRoot, svc.WorkDir)
		}
	}

	ts := time.Now().Format("20060102-150405")
	stdoutPath := filepath.Join(state.LogsDir(l.opts.ProjectRoot), name+"-"+ts+".stdout.log")
	stderrPath := filepath.Join(state.LogsDir(l.opts.ProjectRoot), name+"-"+ts+".stderr.log")

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Handle{}, &Error{Service: name, Err: errors.Wrap(err, "open stdout log")}
	}
	defer func() { _ = stdoutFile.Close() }()

	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Handle{}, &Error{Service: name, Err: errors.Wrap(err, "open stderr log")}
	}
	defer func() { _ = stderrFile.Close() }()

	// #nosec G204 -- command is declared in the stack file.
	cmd := exec.Command(svc.Command[0], svc.Command[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), svc.Environment)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Handle{}, &Error{Service: name, Err: errors.Wrap(err, "start process")}
	}

	pid := cmd.Process.Pid
	log.Info().Str("service", name).Int("pid", pid).Msg("service started")
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Debug().Str("service", name).Int("pid", pid).Err(err).Msg("service exited")
		}
	}()

	return Handle{
		Service:   name,
		PID:       pid,
		StdoutLog: stdoutPath,
		StderrLog: stderrPath,
		StartedAt: time.Now(),
	}, nil
}

func (l *ExecLauncher) Stop(ctx context.Context, h Handle) error {
	return TerminatePIDGroup(ctx, h.PID, l.opts.GraceTimeout)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// TerminatePIDGroup sends SIGTERM to the process group, waits up to
// grace for it to exit, then escalates to SIGKILL.
func TerminatePIDGroup(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := syscall.Getpgid(pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}

	end := time.Now().Add(grace)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	for {
		if !state.ProcessAlive(pid) {
			return nil
		}
		if time.Now().After(end) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	killDeadline := time.Now().Add(2 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(killDeadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	if state.ProcessAlive(pid) {
		return errors.Errorf("failed to stop pid %d", pid)
	}
	return nil
}
