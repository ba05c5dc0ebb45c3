package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/stackctl/pkg/registry"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), ".stackctl", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournal_RunLifecycle(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	id, err := j.BeginRun(ctx, "candidate-eval")
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, j.RecordEvent(ctx, id, registry.Event{
		Service: "db",
		Kind:    registry.EventState,
		State:   registry.StateStarting,
		Reason:  "prerequisites satisfied",
		At:      time.Now(),
	}))
	require.NoError(t, j.RecordEvent(ctx, id, registry.Event{
		Service: "db",
		Kind:    registry.EventHealth,
		State:   registry.StateHealthy,
		Verdict: registry.Verdict{Status: registry.HealthHealthy},
		At:      time.Now(),
	}))
	require.NoError(t, j.FinishRun(ctx, id, "success"))

	runs, err := j.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, id, runs[0].ID)
	require.Equal(t, "candidate-eval", runs[0].Project)
	require.Equal(t, "success", runs[0].Result)
	require.NotNil(t, runs[0].FinishedAt)

	trs, err := j.Transitions(ctx, id)
	require.NoError(t, err)
	require.Len(t, trs, 2)
	require.Equal(t, "db", trs[0].Service)
	require.Equal(t, "starting", trs[0].State)
	require.Equal(t, "prerequisites satisfied", trs[0].Reason)
	require.Equal(t, "healthy", trs[1].Health)
}

func TestJournal_RunsNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	first, err := j.BeginRun(ctx, "p")
	require.NoError(t, err)
	second, err := j.BeginRun(ctx, "p")
	require.NoError(t, err)

	runs, err := j.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second, runs[0].ID)
	require.Equal(t, first, runs[1].ID)
}

func TestJournal_AttachRecordsBusEvents(t *testing.T) {
	j := openTestJournal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := registry.NewInMemoryBus()
	require.NoError(t, err)
	reg, err := registry.New(bus, []string{"db"})
	require.NoError(t, err)

	id, err := j.BeginRun(ctx, "p")
	require.NoError(t, err)
	j.Attach(bus, id)

	go func() { _ = bus.Run(ctx) }()
	select {
	case <-bus.Router.Running():
	case <-ctx.Done():
		t.Fatal("router did not start")
	}

	require.NoError(t, reg.SetState("db", registry.StateStarting, ""))
	require.NoError(t, reg.SetState("db", registry.StateStarted, ""))

	require.Eventually(t, func() bool {
		trs, err := j.Transitions(ctx, id)
		return err == nil && len(trs) == 2
	}, 3*time.Second, 20*time.Millisecond)
}
