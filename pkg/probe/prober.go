// Package probe runs health checks for started services. Each
// health-checked service gets one goroutine that probes on the declared
// interval with the declared per-attempt timeout and writes verdicts
// into the registry. A service is Healthy on the first success and
// Unhealthy only after its consecutive-failure retry budget is
// exhausted; until then it stays Checking.
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/stackctl/pkg/compose"
	"github.com/go-go-golems/stackctl/pkg/registry"
	"github.com/rs/zerolog/log"
)

type Prober struct {
	reg *registry.Registry
	wg  sync.WaitGroup
}

func New(reg *registry.Registry) *Prober {
	return &Prober{reg: reg}
}

// Start begins probing the named service. The loop exits when ctx is
// cancelled; in-flight probes are bounded by the per-attempt timeout.
func (p *Prober) Start(ctx context.Context, name string, hc compose.HealthCheck, checker Checker) {
	hc = hc.Normalized()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx, name, hc, checker)
	}()
}

// Wait blocks until every probe loop has exited.
func (p *Prober) Wait() {
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context, name string, hc compose.HealthCheck, checker Checker) {
	if hc.StartPeriod > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(hc.StartPeriod.Std()):
		}
	}

	t := time.NewTicker(hc.Interval.Std())
	defer t.Stop()

	failures := 0
	for {
		verdict := p.probeOnce(ctx, name, hc, checker, &failures)
		if ctx.Err() != nil {
			return
		}
		if err := p.reg.SetVerdict(name, verdict); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Prober) probeOnce(ctx context.Context, name string, hc compose.HealthCheck, checker Checker, failures *int) registry.Verdict {
	attemptCtx, cancel := context.WithTimeout(ctx, hc.Timeout.Std())
	err := checker.CheckHealth(attemptCtx)
	cancel()

	v := registry.Verdict{LastChecked: time.Now()}
	if err == nil {
		*failures = 0
		v.Status = registry.HealthHealthy
		log.Debug().Str("service", name).Msg("probe succeeded")
		return v
	}

	// A timed-out attempt counts as one failure against the budget.
	*failures++
	v.ConsecutiveFailures = *failures
	v.LastError = err.Error()
	if *failures >= hc.Retries {
		v.Status = registry.HealthUnhealthy
	} else {
		v.Status = registry.HealthChecking
	}
	log.Debug().
		Str("service", name).
		Int("consecutive_failures", *failures).
		Int("retries", hc.Retries).
		Err(err).
		Msg("probe failed")
	return v
}
