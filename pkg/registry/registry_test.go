package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, services ...string) (*Registry, *Bus) {
	t.Helper()
	bus, err := NewInMemoryBus()
	require.NoError(t, err)
	reg, err := New(bus, services)
	require.NoError(t, err)
	return reg, bus
}

func TestRegistry_InitialStatePending(t *testing.T) {
	reg, _ := newTestRegistry(t, "db", "api")
	for _, name := range []string{"db", "api"} {
		st, err := reg.State(name)
		require.NoError(t, err)
		require.Equal(t, StatePending, st)
	}
}

func TestRegistry_UnknownService(t *testing.T) {
	reg, _ := newTestRegistry(t, "db")
	_, err := reg.State("ghost")
	require.Error(t, err)
	require.Error(t, reg.SetState("ghost", StateStarted, ""))
	_, err = reg.Verdict("ghost")
	require.Error(t, err)
}

func TestRegistry_FailedIsTerminal(t *testing.T) {
	reg, _ := newTestRegistry(t, "db")
	require.NoError(t, reg.SetFailed("db", errors.New("boom"), "db"))
	require.NoError(t, reg.SetState("db", StateStarted, ""))

	st, err := reg.State("db")
	require.NoError(t, err)
	require.Equal(t, StateFailed, st)

	cause, root := reg.Failure("db")
	require.EqualError(t, cause, "boom")
	require.Equal(t, "db", root)
}

func TestRegistry_VerdictPromotesRunningState(t *testing.T) {
	reg, _ := newTestRegistry(t, "db")
	require.NoError(t, reg.SetState("db", StateStarted, ""))

	require.NoError(t, reg.SetVerdict("db", Verdict{Status: HealthHealthy}))
	st, _ := reg.State("db")
	require.Equal(t, StateHealthy, st)

	require.NoError(t, reg.SetVerdict("db", Verdict{Status: HealthChecking, ConsecutiveFailures: 1}))
	st, _ = reg.State("db")
	require.Equal(t, StateStarted, st)

	require.NoError(t, reg.SetVerdict("db", Verdict{Status: HealthUnhealthy, ConsecutiveFailures: 3}))
	st, _ = reg.State("db")
	require.Equal(t, StateUnhealthy, st)
}

func TestRegistry_VerdictDoesNotResurrectPending(t *testing.T) {
	reg, _ := newTestRegistry(t, "db")
	require.NoError(t, reg.SetVerdict("db", Verdict{Status: HealthHealthy}))
	st, _ := reg.State("db")
	require.Equal(t, StatePending, st)

	v, err := reg.Verdict("db")
	require.NoError(t, err)
	require.Equal(t, HealthHealthy, v.Status)
}

func TestRegistry_WatchReceivesTransitions(t *testing.T) {
	reg, bus := newTestRegistry(t, "db")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	events, err := reg.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.SetState("db", StateStarting, "prerequisites satisfied"))
	require.NoError(t, reg.SetState("db", StateStarted, ""))

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}
	require.Equal(t, StateStarting, got[0].State)
	require.Equal(t, "prerequisites satisfied", got[0].Reason)
	require.Equal(t, StateStarted, got[1].State)
}

func TestRegistry_WatchDeliversInPublishOrder(t *testing.T) {
	reg, bus := newTestRegistry(t, "db")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	events, err := reg.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.SetState("db", StateStarting, ""))
	require.NoError(t, reg.SetState("db", StateStarted, ""))
	statuses := []HealthStatus{
		HealthHealthy, HealthChecking, HealthHealthy,
		HealthChecking, HealthHealthy,
	}
	for i, status := range statuses {
		require.NoError(t, reg.SetVerdict("db", Verdict{Status: status, ConsecutiveFailures: i % 2}))
	}
	require.NoError(t, reg.SetState("db", StateStopped, "shutdown requested"))

	var got []Event
	for len(got) < 8 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	require.Equal(t, StateStarting, got[0].State)
	require.Equal(t, StateStarted, got[1].State)
	for i, status := range statuses {
		require.Equal(t, EventHealth, got[2+i].Kind, "event %d", 2+i)
		require.Equal(t, status, got[2+i].Verdict.Status, "event %d", 2+i)
	}
	require.Equal(t, StateStopped, got[7].State)
}

func TestRegistry_SnapshotKeepsDeclarationOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, "db", "store", "api")
	require.NoError(t, reg.SetState("store", StateStarted, ""))

	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "db", snap[0].Name)
	require.Equal(t, "store", snap[1].Name)
	require.Equal(t, StateStarted, snap[1].State)
	require.Equal(t, "api", snap[2].Name)
}

func TestRegistry_ConcurrentWritersDoNotRace(t *testing.T) {
	reg, _ := newTestRegistry(t, "a", "b")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.SetState("a", StateStarted, "")
			_, _ = reg.State("b")
		}()
		go func() {
			defer wg.Done()
			_ = reg.SetVerdict("a", Verdict{Status: HealthChecking, ConsecutiveFailures: 1})
			_ = reg.Snapshot()
		}()
	}
	wg.Wait()
}
