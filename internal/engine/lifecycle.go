package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/devstack/internal/netbind"
	"github.com/example/devstack/internal/runtime"
	"github.com/example/devstack/internal/stack"
	"github.com/example/devstack/internal/volumes"
)

const rollbackTimeout = 30 * time.Second

// Manager coordinates runtime adapters to bring stacks up and down. Up and
// down for the same stack name are serialized through a per-stack lock so
// concurrent invocations cannot interleave partial launches and teardowns.
type Manager struct {
	runtimes runtime.Registry
	binder   *netbind.Binder
	volumes  *volumes.Manager

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager constructs a lifecycle manager backed by the provided runtime
// registry. The volume manager may be nil when no runtime supports named
// volumes.
func NewManager(reg runtime.Registry, binder *netbind.Binder, vols *volumes.Manager) *Manager {
	return &Manager{
		runtimes: reg.Clone(),
		binder:   binder,
		volumes:  vols,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) stackLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	return lock
}

// Deployment tracks the services started by a single Up invocation. The
// caller must stop it to release instances.
type Deployment struct {
	manager   *Manager
	stackName string
	events    chan<- Event

	// started holds service handles in start order.
	started []*serviceHandle

	stopOnce sync.Once
	stopErr  error
}

type serviceHandle struct {
	name       string
	supervisor *supervisor
}

// Up launches the stack's services in dependency order. Host ports are
// validated and images are built before any service starts; a failure in
// either phase leaves nothing running. A failed service start rolls back
// everything started so far, in reverse order, best effort.
func (m *Manager) Up(ctx context.Context, doc *stack.StackFile, graph *Graph, events chan<- Event) (*Deployment, error) {
	if doc == nil {
		return nil, errors.New("stack document is nil")
	}
	if graph == nil {
		return nil, errors.New("dependency graph is nil")
	}

	stackName := doc.Stack.Name
	lock := m.stackLock(stackName)
	lock.Lock()
	defer lock.Unlock()

	order := graph.Services()
	for _, name := range order {
		sendEvent(events, name, EventTypeDefined, "service defined", 0, "", nil)
	}

	if m.binder != nil {
		if err := m.binder.Check(doc, order); err != nil {
			return nil, err
		}
	}

	if m.volumes != nil {
		if _, err := m.volumes.EnsureAll(ctx, stackName, doc); err != nil {
			return nil, err
		}
	}

	images, err := m.buildImages(ctx, stackName, doc, order, events)
	if err != nil {
		return nil, err
	}

	deployment := &Deployment{manager: m, stackName: stackName, events: events}
	sups := make(map[string]*supervisor, len(order))

	// Snapshot the specs so supervisors are unaffected by later mutation of
	// the caller's document.
	services := stack.CloneServiceMap(doc.Services)

	for _, name := range order {
		svc := services.Specs[name]
		rt, ok := m.runtimes[svc.Runtime]
		if !ok {
			err := fmt.Errorf("service %s references unsupported runtime %q", name, svc.Runtime)
			return nil, deployment.rollback(err)
		}

		for _, dep := range graph.Dependencies(name) {
			depSup := sups[dep]
			depSvc := services.Specs[dep]
			var waitErr error
			if depSvc.Readiness != nil {
				waitErr = depSup.AwaitReady(ctx)
			} else {
				waitErr = depSup.AwaitStarted(ctx)
			}
			if waitErr != nil {
				blockErr := fmt.Errorf("service %s blocked waiting for %s: %w", name, dep, waitErr)
				sendEvent(events, name, EventTypeError, fmt.Sprintf("blocked waiting for %s", dep), 0, ReasonDependencyWait, blockErr)
				return nil, deployment.rollback(blockErr)
			}
		}

		sup, err := newSupervisor(name, svc, m.startFunc(stackName, name, svc, images[name], rt), events)
		if err != nil {
			return nil, deployment.rollback(err)
		}
		sup.Start(ctx)
		deployment.started = append(deployment.started, &serviceHandle{name: name, supervisor: sup})
		sups[name] = sup

		if err := sup.AwaitStarted(ctx); err != nil {
			return nil, deployment.rollback(err)
		}
	}

	// Startup is not complete until every probed service reports ready.
	for _, handle := range deployment.started {
		svc := services.Specs[handle.name]
		if svc.Readiness == nil {
			continue
		}
		if err := handle.supervisor.AwaitReady(ctx); err != nil {
			readyErr := fmt.Errorf("service %s failed readiness: %w", handle.name, err)
			return nil, deployment.rollback(readyErr)
		}
	}

	return deployment, nil
}

// buildImages builds every service that declares a build section before any
// service launches. Build failures are fatal and never retried.
func (m *Manager) buildImages(ctx context.Context, stackName string, doc *stack.StackFile, order []string, events chan<- Event) (map[string]string, error) {
	images := make(map[string]string)
	for _, name := range order {
		svc := doc.Services.Specs[name]
		if svc.Build == nil {
			continue
		}
		rt, ok := m.runtimes[svc.Runtime]
		if !ok {
			return nil, fmt.Errorf("service %s references unsupported runtime %q", name, svc.Runtime)
		}
		builder, ok := rt.(runtime.Builder)
		if !ok {
			return nil, fmt.Errorf("service %s: runtime %q does not support builds", name, svc.Runtime)
		}

		sendEvent(events, name, EventTypeBuilding, "building image", 0, "", nil)
		tag, err := builder.Build(ctx, runtime.BuildSpec{
			Stack:      stackName,
			Service:    name,
			Context:    svc.Build.Context,
			Dockerfile: svc.Build.Dockerfile,
			Tag:        fmt.Sprintf("devstack/%s-%s:latest", stackName, name),
			Labels:     runtime.ServiceLabels(stackName, name),
		})
		if err != nil {
			buildErr := fmt.Errorf("build service %s: %w", name, err)
			sendEvent(events, name, EventTypeFailed, "build failed", 0, ReasonBuildFailure, buildErr)
			return nil, buildErr
		}
		images[name] = tag
	}
	return images, nil
}

func (m *Manager) startFunc(stackName, name string, svc *stack.Service, image string, rt runtime.Runtime) startFunc {
	spec := runtime.StartSpec{
		Stack:        stackName,
		Service:      name,
		Spec:         svc,
		Image:        image,
		InstanceName: runtime.InstanceName(stackName, name),
		Labels:       runtime.ServiceLabels(stackName, name),
	}
	if svc.Runtime == "docker" {
		spec.Network = runtime.NetworkName(stackName)
	}
	return func(ctx context.Context, attempt int) (runtime.Instance, error) {
		attemptSpec := spec
		attemptSpec.Attempt = attempt
		return rt.Start(ctx, attemptSpec)
	}
}

// rollback tears down everything this deployment already started and wraps
// the primary error with any cleanup failures. The caller's stack lock is
// still held.
func (d *Deployment) rollback(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	for _, handle := range d.started {
		sendEvent(d.events, handle.name, EventTypeStopping, "rolling back", 0, ReasonRollback, nil)
	}
	if err := d.stopServices(ctx); err != nil {
		return fmt.Errorf("%w (rollback failed: %v)", cause, err)
	}
	return cause
}

// Stop terminates all services tracked by the deployment in reverse start
// order. It is idempotent; later calls return the first outcome. Teardown
// errors are aggregated and reported, never escalated into a panic or a
// partial abort.
func (d *Deployment) Stop(ctx context.Context) error {
	lock := d.manager.stackLock(d.stackName)
	lock.Lock()
	defer lock.Unlock()
	return d.stopServices(ctx)
}

func (d *Deployment) stopServices(ctx context.Context) error {
	d.stopOnce.Do(func() {
		var errs []error
		for i := len(d.started) - 1; i >= 0; i-- {
			handle := d.started[i]
			if err := handle.supervisor.Stop(ctx); err != nil {
				sendEvent(d.events, handle.name, EventTypeError, "stop failed", 0, ReasonStopFailed, err)
				errs = append(errs, fmt.Errorf("stop service %s: %w", handle.name, err))
			}
		}
		d.stopErr = errors.Join(errs...)
	})
	return d.stopErr
}

// Wait blocks until ctx is cancelled, every supervised service reached a
// terminal state, or any service failed terminally. The first terminal
// failure is returned immediately so the caller can tear the stack down.
func (d *Deployment) Wait(ctx context.Context) error {
	results := make(chan error, len(d.started))
	for _, handle := range d.started {
		go func(h *serviceHandle) {
			<-h.supervisor.Done()
			results <- h.supervisor.Err()
		}(handle)
	}

	for range d.started {
		select {
		case err := <-results:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Services returns the names of services this deployment started, in start
// order.
func (d *Deployment) Services() []string {
	names := make([]string, len(d.started))
	for i, handle := range d.started {
		names[i] = handle.name
	}
	return names
}

// discovery returns label-based discovery interfaces when a registered
// runtime provides them.
func (m *Manager) discovery() (runtime.Inspector, runtime.Terminator, bool) {
	for _, rt := range m.runtimes {
		inspector, ok := rt.(runtime.Inspector)
		if !ok {
			continue
		}
		terminator, ok := rt.(runtime.Terminator)
		if !ok {
			continue
		}
		return inspector, terminator, true
	}
	return nil, nil, false
}

// Status lists the stack's discovered instances for the ps command.
func (m *Manager) Status(ctx context.Context, stackName string) ([]runtime.ServiceStatus, error) {
	inspector, _, ok := m.discovery()
	if !ok {
		return nil, errors.New("no runtime supports stack discovery")
	}
	return inspector.List(ctx, stackName)
}

// Logs attaches to a discovered instance's log stream for the logs command.
func (m *Manager) Logs(ctx context.Context, status runtime.ServiceStatus, follow bool, tail string) (<-chan runtime.LogEntry, error) {
	for _, rt := range m.runtimes {
		streamer, ok := rt.(runtime.LogStreamer)
		if !ok {
			continue
		}
		return streamer.StreamLogs(ctx, status, follow, tail)
	}
	return nil, errors.New("no runtime supports log streaming")
}

// Down stops and removes every instance belonging to the stack, in reverse
// dependency order, then removes the stack network. Named volumes are left
// untouched; reclaiming their storage requires an explicit prune. Down is
// idempotent: a stack with nothing running is not an error.
func (m *Manager) Down(ctx context.Context, doc *stack.StackFile, graph *Graph, events chan<- Event) error {
	if doc == nil {
		return errors.New("stack document is nil")
	}
	if graph == nil {
		return errors.New("dependency graph is nil")
	}

	stackName := doc.Stack.Name
	lock := m.stackLock(stackName)
	lock.Lock()
	defer lock.Unlock()

	inspector, terminator, ok := m.discovery()
	if !ok {
		return errors.New("no runtime supports stack discovery")
	}

	statuses, err := inspector.List(ctx, stackName)
	if err != nil {
		return fmt.Errorf("discover stack %s: %w", stackName, err)
	}

	byService := make(map[string][]runtime.ServiceStatus, len(statuses))
	for _, status := range statuses {
		byService[status.Service] = append(byService[status.Service], status)
	}

	var errs []error
	terminate := func(service string, instances []runtime.ServiceStatus) {
		sendEvent(events, service, EventTypeStopping, "stopping service", 0, ReasonShutdown, nil)
		failed := false
		for _, status := range instances {
			if err := terminator.Terminate(ctx, status); err != nil {
				failed = true
				sendEvent(events, service, EventTypeError, "stop failed", 0, ReasonStopFailed, err)
				errs = append(errs, fmt.Errorf("stop service %s: %w", service, err))
			}
		}
		if !failed {
			sendEvent(events, service, EventTypeStopped, "service stopped", 0, ReasonShutdown, nil)
		}
	}

	for _, name := range graph.ReversedServices() {
		instances, ok := byService[name]
		if !ok {
			continue
		}
		delete(byService, name)
		terminate(name, instances)
	}
	// Instances labeled for this stack but absent from the current file,
	// e.g. after a service was renamed, are cleaned up last.
	for service, instances := range byService {
		terminate(service, instances)
	}

	if err := terminator.RemoveNetwork(ctx, stackName); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PruneVolumes removes the stack's named volumes.
func (m *Manager) PruneVolumes(ctx context.Context, stackName string) ([]string, error) {
	if m.volumes == nil {
		return nil, errors.New("no runtime supports named volumes")
	}
	lock := m.stackLock(stackName)
	lock.Lock()
	defer lock.Unlock()
	return m.volumes.Prune(ctx, stackName)
}
