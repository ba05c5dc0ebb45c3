// Package topology builds and validates the service dependency graph.
// The graph is immutable once built; cycles and unsatisfiable health
// conditions are rejected here, before anything launches.
package topology

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/pkg/errors"
)

// Edge states that Dependent may not start before Prerequisite has
// reached Condition.
type Edge struct {
	Dependent    string
	Prerequisite string
	Condition    compose.Condition
}

// CycleError reports a dependency cycle found at build time.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Graph is the validated dependency graph. Order is a topological order
// with ties broken by declaration order.
type Graph struct {
	order      []string
	prereqs    map[string][]Edge
	dependents map[string][]string
	hasHealth  map[string]bool
}

// Build validates the declared services and their depends_on edges and
// returns an immutable graph. It fails with *CycleError on any cycle,
// and with a plain error when a service_healthy edge points at a
// prerequisite that declares no health check (no verdict could ever
// satisfy it).
func Build(services []compose.NamedService) (*Graph, error) {
	g := &Graph{
		prereqs:    map[string][]Edge{},
		dependents: map[string][]string{},
		hasHealth:  map[string]bool{},
	}

	declared := make([]string, 0, len(services))
	for _, svc := range services {
		if _, ok := g.hasHealth[svc.Name]; ok {
			return nil, errors.Errorf("service %q declared twice", svc.Name)
		}
		declared = append(declared, svc.Name)
		g.hasHealth[svc.Name] = svc.Service.HealthCheck != nil
	}

	for _, svc := range services {
		for _, req := range svc.Service.DependsOn {
			if _, ok := g.hasHealth[req.Service]; !ok {
				return nil, errors.Errorf("service %q depends on undeclared service %q", svc.Name, req.Service)
			}
			if req.Condition == compose.ConditionHealthy && !g.hasHealth[req.Service] {
				return nil, errors.Errorf(
					"service %q requires %q to be healthy, but %q declares no health check",
					svc.Name, req.Service, req.Service)
			}
			g.prereqs[svc.Name] = append(g.prereqs[svc.Name], Edge{
				Dependent:    svc.Name,
				Prerequisite: req.Service,
				Condition:    req.Condition,
			})
			g.dependents[req.Service] = append(g.dependents[req.Service], svc.Name)
		}
	}

	order, err := topoSort(declared, g.prereqs)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// topoSort runs Kahn's algorithm, always picking the ready service that
// was declared earliest so the resulting order is deterministic.
func topoSort(declared []string, prereqs map[string][]Edge) ([]string, error) {
	remaining := map[string]int{}
	for _, name := range declared {
		remaining[name] = len(prereqs[name])
	}

	done := map[string]bool{}
	order := make([]string, 0, len(declared))
	for len(order) < len(declared) {
		picked := ""
		for _, name := range declared {
			if !done[name] && remaining[name] == 0 {
				picked = name
				break
			}
		}
		if picked == "" {
			return nil, &CycleError{Cycle: findCycle(declared, prereqs, done)}
		}
		done[picked] = true
		order = append(order, picked)
		for _, name := range declared {
			if done[name] {
				continue
			}
			for _, e := range prereqs[name] {
				if e.Prerequisite == picked {
					remaining[name]--
				}
			}
		}
	}
	return order, nil
}

// findCycle walks prerequisite edges among the unsorted services until a
// node repeats, then returns the loop it closed.
func findCycle(declared []string, prereqs map[string][]Edge, done map[string]bool) []string {
	start := ""
	for _, name := range declared {
		if !done[name] {
			start = name
			break
		}
	}

	seen := map[string]int{}
	var path []string
	cur := start
	for {
		if at, ok := seen[cur]; ok {
			cycle := append([]string{}, path[at:]...)
			return append(cycle, cur)
		}
		seen[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, e := range prereqs[cur] {
			if !done[e.Prerequisite] {
				next = e.Prerequisite
				break
			}
		}
		if next == "" {
			// Should not happen: every unsorted node has an unsorted prerequisite.
			return path
		}
		cur = next
	}
}

// TopologicalOrder returns the start order; every service appears after
// all of its prerequisites.
func (g *Graph) TopologicalOrder() []string {
	return append([]string{}, g.order...)
}

// PrerequisitesOf returns the gating edges for a service, in depends_on
// declaration order.
func (g *Graph) PrerequisitesOf(service string) []Edge {
	return append([]Edge{}, g.prereqs[service]...)
}

// DependentsOf returns the services that gate on the given one.
func (g *Graph) DependentsOf(service string) []string {
	return append([]string{}, g.dependents[service]...)
}

// HasHealthCheck reports whether the service declares a health check.
func (g *Graph) HasHealthCheck(service string) bool {
	return g.hasHealth[service]
}

// Services returns all declared service names in declaration-aware
// topological order.
func (g *Graph) Services() []string {
	return g.TopologicalOrder()
}

// Len returns the number of declared services.
func (g *Graph) Len() int { return len(g.order) }
