package cli

import (
	"sort"
	"sync"
	"time"

	"github.com/example/devstack/internal/cliutil"
	"github.com/example/devstack/internal/engine"
	"github.com/example/devstack/internal/metrics"
)

// serviceStatus captures runtime state for a service observed via events.
type serviceStatus struct {
	name        string
	firstSeen   time.Time
	lastEvent   time.Time
	state       engine.EventType
	ready       bool
	restarts    int
	attempt     int
	message     string
	lastStartAt time.Time
}

// statusTracker maintains in-memory status for services based on engine
// events and mirrors the interesting transitions into Prometheus metrics.
type statusTracker struct {
	mu       sync.RWMutex
	services map[string]*serviceStatus
}

func newStatusTracker() *statusTracker {
	return &statusTracker{services: make(map[string]*serviceStatus)}
}

// Apply updates the tracker based on the supplied event.
func (t *statusTracker) Apply(evt engine.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.services[evt.Service]
	if state == nil {
		state = &serviceStatus{name: evt.Service, firstSeen: evt.Timestamp}
		t.services[evt.Service] = state
	}
	if evt.Timestamp.After(state.lastEvent) {
		state.lastEvent = evt.Timestamp
	}
	if evt.Type == engine.EventTypeLog {
		return
	}

	state.state = evt.Type
	if evt.Attempt > 0 {
		state.attempt = evt.Attempt
	}
	if evt.Message != "" {
		state.message = cliutil.RedactSecrets(evt.Message)
	} else if evt.Err != nil {
		state.message = cliutil.RedactSecrets(evt.Err.Error())
	}

	switch evt.Type {
	case engine.EventTypeStarting:
		state.lastStartAt = evt.Timestamp
		if evt.Attempt > 1 {
			state.restarts++
			metrics.IncrementServiceRestart(evt.Service)
		}
	case engine.EventTypeReady:
		state.ready = true
		metrics.SetServiceReady(evt.Service, true)
		if !state.lastStartAt.IsZero() {
			metrics.ObserveProbeLatency(evt.Service, evt.Timestamp.Sub(state.lastStartAt))
		}
	case engine.EventTypeStopping, engine.EventTypeStopped, engine.EventTypeFailed, engine.EventTypeError:
		state.ready = false
		metrics.SetServiceReady(evt.Service, false)
	}
}

// ServiceStatus captures a snapshot of a service state for presentation.
type ServiceStatus struct {
	Name      string
	FirstSeen time.Time
	LastEvent time.Time
	State     engine.EventType
	Ready     bool
	Restarts  int
	Attempt   int
	Message   string
}

// Snapshot returns a map keyed by service name containing copies of the
// tracked state.
func (t *statusTracker) Snapshot() map[string]ServiceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]ServiceStatus, len(t.services))
	for name, state := range t.services {
		snapshot[name] = ServiceStatus{
			Name:      state.name,
			FirstSeen: state.firstSeen,
			LastEvent: state.lastEvent,
			State:     state.state,
			Ready:     state.ready,
			Restarts:  state.restarts,
			Attempt:   state.attempt,
			Message:   state.message,
		}
	}
	return snapshot
}

// Names returns the list of known services sorted alphabetically.
func (t *statusTracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.services))
	for name := range t.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
