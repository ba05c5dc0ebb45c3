package launch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/go-go-golems/stackctl/pkg/state"
)

func TestExecLauncher_StartStop_Sleep(t *testing.T) {
	root := t.TempDir()
	l := NewExecLauncher(Options{ProjectRoot: root, GraceTimeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := l.Launch(ctx, "sleeper", compose.Service{
		Command: compose.Command{"bash", "-lc", "sleep 10"},
	})
	require.NoError(t, err)
	require.Equal(t, "sleeper", h.Service)
	require.True(t, state.ProcessAlive(h.PID))
	require.FileExists(t, h.StdoutLog)
	require.FileExists(t, h.StderrLog)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, l.Stop(stopCtx, h))

	deadline := time.Now().Add(3 * time.Second)
	for state.ProcessAlive(h.PID) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.False(t, state.ProcessAlive(h.PID))
}

func TestExecLauncher_CapturesOutput(t *testing.T) {
	root := t.TempDir()
	l := NewExecLauncher(Options{ProjectRoot: root})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := l.Launch(ctx, "echoer", compose.Service{
		Command:     compose.Command{"bash", "-lc", "echo out-$GREETING; echo err-line >&2"},
		Environment: compose.Environment{"GREETING": "hello"},
	})
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for state.ProcessAlive(h.PID) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	out, err := os.ReadFile(h.StdoutLog)
	require.NoError(t, err)
	require.Contains(t, string(out), "out-hello")

	errOut, err := os.ReadFile(h.StderrLog)
	require.NoError(t, err)
	require.Contains(t, string(errOut), "err-line")
}

func TestExecLauncher_NoCommand(t *testing.T) {
	root := t.TempDir()
	l := NewExecLauncher(Options{ProjectRoot: root})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := l.Launch(ctx, "imageonly", compose.Service{Image: "postgres:16"})
	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, "imageonly", lerr.Service)
}

func TestTerminatePIDGroup_KillsChildren(t *testing.T) {
	root := t.TempDir()
	l := NewExecLauncher(Options{ProjectRoot: root, GraceTimeout: 500 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A shell that ignores SIGTERM forces escalation to SIGKILL.
	h, err := l.Launch(ctx, "stubborn", compose.Service{
		Command: compose.Command{"bash", "-lc", "trap '' TERM; sleep 30"},
	})
	require.NoError(t, err)
	require.True(t, state.ProcessAlive(h.PID))

	require.NoError(t, TerminatePIDGroup(ctx, h.PID, 500*time.Millisecond))

	deadline := time.Now().Add(3 * time.Second)
	for state.ProcessAlive(h.PID) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	require.False(t, state.ProcessAlive(h.PID))
}
