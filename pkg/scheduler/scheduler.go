// Package scheduler walks the dependency graph and decides when each
// service may start. It blocks on registry state-change events rather
// than polling: a service moves to Starting only after every
// prerequisite edge's condition has been observed satisfied, launch
// failures cascade to transitive dependents without starting them, and
// the run result distinguishes root causes from cascades.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/go-go-golems/stackctl/pkg/launch"
	"github.com/go-go-golems/stackctl/pkg/probe"
	"github.com/go-go-golems/stackctl/pkg/registry"
	"github.com/go-go-golems/stackctl/pkg/topology"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// StartupTimeout bounds the window from Started to Healthy for
	// health-checked services. Per-service start_timeout overrides it.
	StartupTimeout time.Duration
	// LaunchTimeout bounds one Launcher.Launch call.
	LaunchTimeout time.Duration
	// NewChecker builds probe checkers; tests inject fakes here.
	NewChecker func(service string, test compose.Test) (probe.Checker, error)
}

// Failure describes one service that never reached a running state.
type Failure struct {
	Service string
	Err     error  // First error that caused the failure
	Root    string // Service the failure is attributed to
}

// Result is the overall outcome of a run: success, or the complete list
// of failed services in start order.
type Result struct {
	Failed []Failure
}

func (r Result) Success() bool { return len(r.Failed) == 0 }

// FailedServices returns just the names, in start order.
func (r Result) FailedServices() []string {
	out := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.Service)
	}
	return out
}

type Scheduler struct {
	graph    *topology.Graph
	reg      *registry.Registry
	launcher launch.Launcher
	prober   *probe.Prober
	services map[string]compose.Service
	opts     Options

	mu          sync.Mutex
	handles     map[string]launch.Handle
	timers      map[string]*time.Timer
	everHealthy map[string]bool
}

func New(graph *topology.Graph, reg *registry.Registry, launcher launch.Launcher, prober *probe.Prober, services map[string]compose.Service, opts Options) *Scheduler {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	if opts.NewChecker == nil {
		opts.NewChecker = func(_ string, test compose.Test) (probe.Checker, error) {
			return probe.NewChecker(test)
		}
	}
	return &Scheduler{
		graph:       graph,
		reg:         reg,
		launcher:    launcher,
		prober:      prober,
		services:    services,
		opts:        opts,
		handles:     map[string]launch.Handle{},
		timers:      map[string]*time.Timer{},
		everHealthy: map[string]bool{},
	}
}

// Handles returns the launch handles of every service that started.
func (s *Scheduler) Handles() map[string]launch.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]launch.Handle, len(s.handles))
	for k, v := range s.handles {
		out[k] = v
	}
	return out
}

// Run drives the stack to a settled state: every service Started (and
// Healthy where it declares a check) or Failed. Cancelling ctx moves
// all non-terminal services to Stopped and returns ctx's error;
// stopping their processes is the caller's concern.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	// Subscribe before the first transition so no wakeup is lost.
	events, err := s.reg.Watch(ctx)
	if err != nil {
		return Result{}, err
	}

	probeCtx, cancelProbes := context.WithCancel(ctx)
	defer cancelProbes()
	defer s.stopTimers()

	pending := map[string]bool{}
	awaiting := map[string]bool{}
	for _, name := range s.graph.TopologicalOrder() {
		pending[name] = true
	}

	var launches sync.WaitGroup
	for {
		s.dispatch(ctx, probeCtx, pending, awaiting, &launches)
		if len(pending) == 0 && len(awaiting) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			launches.Wait()
			s.markStopped()
			return s.collect(), errors.Wrap(ctx.Err(), "startup cancelled")
		case ev, ok := <-events:
			if !ok {
				launches.Wait()
				return s.collect(), errors.New("registry event stream closed")
			}
			if ev.Kind == registry.EventHealth {
				switch ev.Verdict.Status {
				case registry.HealthHealthy:
					s.noteHealthy(ev.Service)
				case registry.HealthUnhealthy:
					// Unhealthy before any success is definitive: the
					// budget is spent and dependents must not wait out
					// the full deadline.
					if !s.wasHealthy(ev.Service) {
						cause := errors.Wrap(ErrRetryBudgetExhausted, ev.Verdict.LastError)
						_ = s.reg.SetFailed(ev.Service, cause, ev.Service)
					}
				}
			}
		}
	}

	launches.Wait()
	return s.collect(), nil
}

// dispatch scans services in topological order, failing those with a
// failed prerequisite and launching those whose edges are all
// satisfied, then retires launched services that have settled.
func (s *Scheduler) dispatch(ctx, probeCtx context.Context, pending, awaiting map[string]bool, launches *sync.WaitGroup) {
	for _, name := range s.graph.TopologicalOrder() {
		if !pending[name] {
			continue
		}
		verdict := s.prerequisitesVerdict(name)
		switch verdict {
		case prereqFailed:
			delete(pending, name)
		case prereqSatisfied:
			delete(pending, name)
			awaiting[name] = true
			launches.Add(1)
			go func(name string) {
				defer launches.Done()
				s.launchService(ctx, probeCtx, name)
			}(name)
		case prereqWaiting:
		}
	}

	for name := range awaiting {
		st, err := s.reg.State(name)
		if err != nil {
			delete(awaiting, name)
			continue
		}
		// A service that reached Healthy once has completed startup;
		// later verdict changes are monitoring, not scheduling.
		settled := st == registry.StateFailed ||
			st == registry.StateHealthy ||
			(st == registry.StateStarted && !s.graph.HasHealthCheck(name)) ||
			(st.Running() && s.wasHealthy(name))
		if settled {
			delete(awaiting, name)
		}
	}
}

type prereqState int

const (
	prereqWaiting prereqState = iota
	prereqSatisfied
	prereqFailed
)

// prerequisitesVerdict evaluates every gating edge of the service. A
// failed prerequisite fails the service immediately (cascade); the
// service is launchable only when all edges are satisfied.
func (s *Scheduler) prerequisitesVerdict(name string) prereqState {
	satisfied := true
	for _, edge := range s.graph.PrerequisitesOf(name) {
		st, err := s.reg.State(edge.Prerequisite)
		if err != nil {
			satisfied = false
			continue
		}
		if st == registry.StateFailed || st == registry.StateStopped {
			root := edge.Prerequisite
			if _, r := s.reg.Failure(edge.Prerequisite); r != "" {
				root = r
			}
			cause := &CascadeError{Service: name, Prerequisite: edge.Prerequisite, Root: root}
			_ = s.reg.SetFailed(name, cause, root)
			log.Warn().
				Str("service", name).
				Str("prerequisite", edge.Prerequisite).
				Str("root", root).
				Msg("prerequisite failed; service will not start")
			return prereqFailed
		}
		switch edge.Condition {
		case compose.ConditionHealthy:
			if st != registry.StateHealthy {
				satisfied = false
			}
		default: // service_started
			if st != registry.StateStarted && st != registry.StateHealthy {
				satisfied = false
			}
		}
	}
	if satisfied {
		return prereqSatisfied
	}
	return prereqWaiting
}

func (s *Scheduler) launchService(ctx, probeCtx context.Context, name string) {
	svc := s.services[name]
	_ = s.reg.SetState(name, registry.StateStarting, "prerequisites satisfied")

	launchCtx, cancel := context.WithTimeout(ctx, s.opts.LaunchTimeout)
	h, err := s.launcher.Launch(launchCtx, name, svc)
	cancel()
	if err != nil {
		log.Error().Str("service", name).Err(err).Msg("launch failed")
		_ = s.reg.SetFailed(name, err, name)
		return
	}

	s.mu.Lock()
	s.handles[name] = h
	s.mu.Unlock()
	_ = s.reg.SetState(name, registry.StateStarted, "")

	if svc.HealthCheck == nil {
		return
	}
	hc := svc.HealthCheck.Normalized()
	checker, err := s.opts.NewChecker(name, hc.Test)
	if err != nil {
		_ = s.reg.SetFailed(name, err, name)
		return
	}
	s.prober.Start(probeCtx, name, hc, checker)

	deadline := s.opts.StartupTimeout
	if svc.StartTimeout > 0 {
		deadline = svc.StartTimeout.Std()
	}
	timer := time.AfterFunc(deadline, func() {
		// A service that was ever Healthy made its deadline; a later
		// regression to Checking is the prober's problem, not a
		// startup failure.
		if s.wasHealthy(name) {
			return
		}
		st, err := s.reg.State(name)
		if err != nil || st != registry.StateStarted {
			return
		}
		log.Error().Str("service", name).Dur("deadline", deadline).Msg("service never became healthy")
		_ = s.reg.SetFailed(name, errors.Wrapf(ErrStartupDeadline, "after %s", deadline), name)
	})
	s.mu.Lock()
	s.timers[name] = timer
	s.mu.Unlock()
}

// noteHealthy records the service's first Healthy verdict and disarms
// its startup-deadline timer.
func (s *Scheduler) noteHealthy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.everHealthy[name] = true
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

func (s *Scheduler) wasHealthy(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everHealthy[name]
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = map[string]*time.Timer{}
}

func (s *Scheduler) markStopped() {
	for _, st := range s.reg.Snapshot() {
		if !st.State.Terminal() {
			_ = s.reg.SetState(st.Name, registry.StateStopped, "shutdown requested")
		}
	}
}

// collect builds the run result from the registry, in start order.
func (s *Scheduler) collect() Result {
	var res Result
	for _, name := range s.graph.TopologicalOrder() {
		st, err := s.reg.State(name)
		if err != nil || st != registry.StateFailed {
			continue
		}
		cause, root := s.reg.Failure(name)
		if root == "" {
			root = name
		}
		res.Failed = append(res.Failed, Failure{Service: name, Err: cause, Root: root})
	}
	return res
}
