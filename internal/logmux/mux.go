package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/devstack/internal/engine"
	"github.com/example/devstack/internal/runtime"
)

// Mux fans in log events from multiple services and delivers them via a
// bounded channel. When downstream consumers cannot keep up it drops log
// records and synthesizes a warning carrying the number of discarded lines,
// so a slow terminal never stalls a service's log pump.
type Mux struct {
	out chan engine.Event

	mu     sync.Mutex
	drops  map[string]int
	inputs sync.WaitGroup
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan engine.Event, size),
		drops: make(map[string]int),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan engine.Event {
	return m.out
}

// Add registers a new source channel. The mux consumes log events until the
// source channel is closed; other event types pass through untouched by the
// printer and are skipped here.
func (m *Mux) Add(source <-chan engine.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			if evt.Type != engine.EventTypeLog {
				continue
			}
			m.deliver(normalize(evt))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop
// warnings, and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	for service, count := range m.takeAllDrops() {
		m.out <- dropEvent(service, count)
	}
	close(m.out)
}

func (m *Mux) deliver(evt engine.Event) {
	if count := m.takeDrops(evt.Service); count > 0 {
		if !m.trySend(dropEvent(evt.Service, count)) {
			m.addDrops(evt.Service, count+1)
			return
		}
	}
	if !m.trySend(evt) {
		m.addDrops(evt.Service, 1)
	}
}

func (m *Mux) trySend(evt engine.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func (m *Mux) addDrops(service string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[service] += n
}

func (m *Mux) takeDrops(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[service]
	if count > 0 {
		delete(m.drops, service)
	}
	return count
}

func (m *Mux) takeAllDrops() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	pending := m.drops
	m.drops = make(map[string]int)
	return pending
}

func normalize(evt engine.Event) engine.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		evt.Source = runtime.LogSourceStdout
	}
	if evt.Level == "" {
		if evt.Source == runtime.LogSourceStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func dropEvent(service string, count int) engine.Event {
	return engine.Event{
		Timestamp: time.Now(),
		Service:   service,
		Type:      engine.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", count),
		Level:     "warn",
		Source:    runtime.LogSourceSystem,
	}
}
