// Package registry holds the process-wide table of declared services:
// lifecycle state (written by the scheduler) and health verdict (written
// by the prober). Every write is published on an in-process watermill
// bus so consumers react to transitions instead of polling.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

type entry struct {
	mu      sync.Mutex
	state   State
	verdict Verdict
	failure error
	root    string
}

// Registry is the single shared mutable structure of a run. Entries are
// locked individually so one stalled probe never blocks unrelated reads.
// The service set is fixed at construction.
type Registry struct {
	bus     *Bus
	order   []string
	entries map[string]*entry
}

func New(bus *Bus, services []string) (*Registry, error) {
	if bus == nil {
		return nil, errors.New("nil bus")
	}
	r := &Registry{
		bus:     bus,
		order:   append([]string{}, services...),
		entries: make(map[string]*entry, len(services)),
	}
	for _, name := range services {
		if _, ok := r.entries[name]; ok {
			return nil, errors.Errorf("service %q declared twice", name)
		}
		r.entries[name] = &entry{state: StatePending}
	}
	return r, nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, errors.Errorf("unknown service %q", name)
	}
	return e, nil
}

// State returns the service's current lifecycle state.
func (r *Registry) State(name string) (State, error) {
	e, err := r.lookup(name)
	if err != nil {
		return StatePending, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// SetState transitions the service's lifecycle state and publishes the
// change. Writes onto a Failed service are dropped: Failed is terminal.
func (r *Registry) SetState(name string, state State, reason string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == StateFailed || e.state == state {
		e.mu.Unlock()
		return nil
	}
	e.state = state
	v := e.verdict
	e.mu.Unlock()

	r.publish(Event{Service: name, Kind: EventState, State: state, Verdict: v, Reason: reason, At: time.Now()})
	return nil
}

// SetFailed marks the service Failed with its causing error. Root names
// the service whose failure originated the cascade; for root causes it
// equals name.
func (r *Registry) SetFailed(name string, cause error, root string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state == StateFailed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateFailed
	e.failure = cause
	e.root = root
	v := e.verdict
	e.mu.Unlock()

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	r.publish(Event{Service: name, Kind: EventState, State: StateFailed, Verdict: v, Reason: reason, At: time.Now()})
	return nil
}

// Failure returns the first error that failed the service and the root
// service the failure is attributed to.
func (r *Registry) Failure(name string) (error, string) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure, e.root
}

// Verdict returns the prober's current assessment of the service.
func (r *Registry) Verdict(name string) (Verdict, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Verdict{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verdict, nil
}

// SetVerdict records a probe verdict. While the service is running, a
// Healthy or Unhealthy verdict also moves the lifecycle state to match,
// and a recovery back to Checking returns it to Started.
func (r *Registry) SetVerdict(name string, v Verdict) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.verdict = v
	state := e.state
	if state.Running() {
		switch v.Status {
		case HealthHealthy:
			e.state = StateHealthy
		case HealthUnhealthy:
			e.state = StateUnhealthy
		case HealthChecking, HealthUnknown:
			e.state = StateStarted
		}
		state = e.state
	}
	e.mu.Unlock()

	r.publish(Event{Service: name, Kind: EventHealth, State: state, Verdict: v, Reason: v.LastError, At: time.Now()})
	return nil
}

// Snapshot returns the status of every service in declaration order.
func (r *Registry) Snapshot() []ServiceStatus {
	out := make([]ServiceStatus, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		e.mu.Lock()
		st := ServiceStatus{Name: name, State: e.state, Verdict: e.verdict, Root: e.root}
		if e.failure != nil {
			st.Error = e.failure.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Services returns the declared service names in declaration order.
func (r *Registry) Services() []string {
	return append([]string{}, r.order...)
}

// Watch subscribes to registry events. The returned channel closes when
// ctx is cancelled. Events published before Watch are not replayed;
// consumers combine Watch with an initial Snapshot or re-scan.
func (r *Registry) Watch(ctx context.Context) (<-chan Event, error) {
	msgs, err := r.bus.Subscriber.Subscribe(ctx, TopicEvents)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe registry events")
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Registry) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = r.bus.Publisher.Publish(TopicEvents, message.NewMessage(watermill.NewUUID(), payload))
}
