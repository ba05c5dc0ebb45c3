package topology

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/stackctl/pkg/compose"
)

func svc(name string, health bool, deps ...compose.Requirement) compose.NamedService {
	s := compose.Service{DependsOn: compose.DependsOn(deps)}
	if health {
		s.HealthCheck = &compose.HealthCheck{Test: compose.Test{"CMD", "true"}}
	}
	return compose.NamedService{Name: name, Service: s}
}

func started(name string) compose.Requirement {
	return compose.Requirement{Service: name, Condition: compose.ConditionStarted}
}

func healthy(name string) compose.Requirement {
	return compose.Requirement{Service: name, Condition: compose.ConditionHealthy}
}

func TestBuild_TopologicalOrder(t *testing.T) {
	g, err := Build([]compose.NamedService{
		svc("api", false, healthy("db"), healthy("store")),
		svc("db", true),
		svc("store", true),
	})
	require.NoError(t, err)

	order := g.TopologicalOrder()
	require.Len(t, order, 3)
	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	require.Greater(t, pos["api"], pos["db"])
	require.Greater(t, pos["api"], pos["store"])
}

func TestBuild_PrerequisitesAlwaysPrecede(t *testing.T) {
	// A deeper chain with a diamond: a <- b, a <- c, (b,c) <- d.
	g, err := Build([]compose.NamedService{
		svc("d", false, started("b"), started("c")),
		svc("b", false, started("a")),
		svc("c", false, started("a")),
		svc("a", false),
	})
	require.NoError(t, err)

	pos := map[string]int{}
	for i, name := range g.TopologicalOrder() {
		pos[name] = i
	}
	for _, name := range g.TopologicalOrder() {
		for _, edge := range g.PrerequisitesOf(name) {
			require.Less(t, pos[edge.Prerequisite], pos[name],
				"%s must come after %s", name, edge.Prerequisite)
		}
	}
}

func TestBuild_DeclarationOrderBreaksTies(t *testing.T) {
	g, err := Build([]compose.NamedService{
		svc("zeta", false),
		svc("alpha", false),
		svc("mid", false, started("zeta")),
	})
	require.NoError(t, err)
	// zeta and alpha are both roots; declaration order wins.
	require.Equal(t, []string{"zeta", "alpha", "mid"}, g.TopologicalOrder())
}

func TestBuild_CycleError(t *testing.T) {
	_, err := Build([]compose.NamedService{
		svc("a", false, started("b")),
		svc("b", false, started("a")),
	})
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Contains(t, cycleErr.Cycle, "a")
	require.Contains(t, cycleErr.Cycle, "b")
}

func TestBuild_LongerCycleNamed(t *testing.T) {
	_, err := Build([]compose.NamedService{
		svc("a", false, started("c")),
		svc("b", false, started("a")),
		svc("c", false, started("b")),
	})
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.GreaterOrEqual(t, len(cycleErr.Cycle), 4) // loop plus repeated head
}

func TestBuild_HealthyConditionNeedsHealthCheck(t *testing.T) {
	_, err := Build([]compose.NamedService{
		svc("db", false),
		svc("api", false, healthy("db")),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "declares no health check")
}

func TestBuild_UndeclaredPrerequisite(t *testing.T) {
	_, err := Build([]compose.NamedService{
		svc("api", false, started("ghost")),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "undeclared")
}

func TestBuild_DuplicateService(t *testing.T) {
	_, err := Build([]compose.NamedService{
		svc("a", false),
		svc("a", false),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "declared twice")
}

func TestGraph_DependentsOf(t *testing.T) {
	g, err := Build([]compose.NamedService{
		svc("db", true),
		svc("api", false, healthy("db")),
		svc("worker", false, healthy("db")),
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"api", "worker"}, g.DependentsOf("db"))
	require.Empty(t, g.DependentsOf("api"))
	require.True(t, g.HasHealthCheck("db"))
	require.False(t, g.HasHealthCheck("api"))
}
