package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/devstack/internal/probe"
	"github.com/example/devstack/internal/runtime"
	"github.com/example/devstack/internal/stack"
)

const instanceStopTimeout = 15 * time.Second

// startFunc launches one instance of the supervised service. The lifecycle
// manager provides it with the stack-scoped identity already resolved.
type startFunc func(ctx context.Context, attempt int) (runtime.Instance, error)

// supervisor manages the lifecycle of a single service. It owns the start
// attempt loop: failed starts and crashes are retried immediately, bounded
// by the service's maxRetries budget, according to the restart policy.
type supervisor struct {
	name    string
	service *stack.Service
	start   startFunc
	prober  probe.Prober

	events chan<- Event

	maxAttempts int
	policy      stack.RestartPolicy

	startedOnce sync.Once
	startedCh   chan error
	readyOnce   sync.Once
	readyCh     chan error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopCtx context.Context
	stopErr error
	runErr  error
}

func newSupervisor(name string, svc *stack.Service, start startFunc, events chan<- Event) (*supervisor, error) {
	prober, err := probe.New(svc.Readiness)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", name, err)
	}

	maxAttempts := 1
	if svc.MaxRetries != nil && *svc.MaxRetries > 0 {
		maxAttempts = *svc.MaxRetries
	}

	return &supervisor{
		name:        name,
		service:     svc,
		start:       start,
		prober:      prober,
		events:      events,
		maxAttempts: maxAttempts,
		policy:      svc.Restart,
		startedCh:   make(chan error, 1),
		readyCh:     make(chan error, 1),
		done:        make(chan struct{}),
	}, nil
}

func (s *supervisor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
}

// AwaitStarted blocks until the service reached Running once, or failed
// terminally, or ctx expired.
func (s *supervisor) AwaitStarted(ctx context.Context) error {
	select {
	case err := <-s.startedCh:
		s.deliverStarted(err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitReady blocks until the readiness probe succeeded. For services
// without a probe readiness coincides with Running.
func (s *supervisor) AwaitReady(ctx context.Context) error {
	select {
	case err := <-s.readyCh:
		s.deliverReady(err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the supervised service. It is idempotent; the first
// caller's context bounds the instance shutdown. Stop always waits for the
// run loop to drain, so no event is emitted after it returns even when the
// context expired; the instance stop itself is bounded by
// instanceStopTimeout.
func (s *supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCtx == nil {
		s.stopCtx = ctx
	}
	s.mu.Unlock()

	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

func (s *supervisor) Done() <-chan struct{} {
	return s.done
}

// Err reports the terminal outcome once Done is closed.
func (s *supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *supervisor) run() {
	defer close(s.done)

	attempt := 0
	for {
		if err := s.ctx.Err(); err != nil {
			s.finish(err)
			return
		}

		attempt++
		reason := ReasonInitialStart
		if attempt > 1 {
			reason = ReasonRestart
		}
		sendEvent(s.events, s.name, EventTypeStarting, "starting service", attempt, reason, nil)

		instance, err := s.start(s.ctx, attempt)
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(s.ctx.Err())
				return
			}
			sendEvent(s.events, s.name, EventTypeError, "start failed", attempt, ReasonStartFailure, err)
			if !s.retryAfterFailure(attempt) {
				s.fail(attempt, err)
				return
			}
			continue
		}

		sendEvent(s.events, s.name, EventTypeRunning, "service running", attempt, reason, nil)
		s.deliverStarted(nil)

		exited, exitErr := s.awaitReadiness(instance, attempt)
		if exitErr != nil {
			if s.ctx.Err() != nil {
				s.stopForShutdown(instance, attempt)
				return
			}
			s.discardInstance(instance)
			sendEvent(s.events, s.name, EventTypeError, "service not ready", attempt, ReasonProbeFailure, exitErr)
			if !s.retryAfterFailure(attempt) {
				s.fail(attempt, exitErr)
				return
			}
			continue
		}
		if !exited {
			exited, exitErr = s.monitor(instance, attempt)
			if !exited {
				// Shutdown path; monitor already stopped the instance.
				return
			}
		}

		if exitErr == nil {
			if s.policy != stack.RestartAlways {
				sendEvent(s.events, s.name, EventTypeStopped, "service exited", attempt, ReasonCleanExit, nil)
				s.finish(nil)
				return
			}
			sendEvent(s.events, s.name, EventTypeError, "service exited", attempt, ReasonInstanceCrash, nil)
			if !s.retryAttempts(attempt) {
				sendEvent(s.events, s.name, EventTypeStopped, "service exited", attempt, ReasonRetriesExhaust, nil)
				s.finish(nil)
				return
			}
			continue
		}

		sendEvent(s.events, s.name, EventTypeError, "service crashed", attempt, ReasonInstanceCrash, exitErr)
		if !s.retryAfterFailure(attempt) {
			s.fail(attempt, exitErr)
			return
		}
	}
}

// awaitReadiness waits for the readiness probe after a successful start.
// It reports exited=true when the instance died while being probed; in
// that case the exit error is returned and the wait channel is already
// drained.
func (s *supervisor) awaitReadiness(instance runtime.Instance, attempt int) (exited bool, err error) {
	if s.prober == nil {
		s.deliverReady(nil)
		return false, nil
	}

	probeCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- probe.Await(probeCtx, s.service.Readiness, s.prober)
	}()

	select {
	case err := <-result:
		if err != nil {
			return false, err
		}
		sendEvent(s.events, s.name, EventTypeReady, "service ready", attempt, ReasonProbeReady, nil)
		s.deliverReady(nil)
		return false, nil
	case exitErr := <-instance.Wait():
		cancel()
		<-result
		if exitErr == nil {
			exitErr = fmt.Errorf("service %s exited before becoming ready", s.name)
		}
		return true, exitErr
	}
}

// monitor watches a running instance until it exits or teardown begins.
// exited=false means the supervisor shut the instance down itself.
func (s *supervisor) monitor(instance runtime.Instance, attempt int) (exited bool, err error) {
	var logWG sync.WaitGroup
	if logs := instance.Logs(); logs != nil {
		logWG.Add(1)
		go s.streamLogs(logs, &logWG)
	}

	select {
	case exitErr := <-instance.Wait():
		s.discardInstance(instance)
		logWG.Wait()
		return true, exitErr
	case <-s.ctx.Done():
		sendEvent(s.events, s.name, EventTypeStopping, "stopping service", attempt, ReasonShutdown, nil)
		stopCtx, cancelStop := context.WithTimeout(s.stopContext(), instanceStopTimeout)
		stopErr := instance.Stop(stopCtx)
		cancelStop()
		s.setStopErr(stopErr)
		logWG.Wait()
		if stopErr != nil {
			sendEvent(s.events, s.name, EventTypeError, "stop failed", attempt, ReasonStopFailed, stopErr)
		}
		sendEvent(s.events, s.name, EventTypeStopped, "service stopped", attempt, ReasonShutdown, nil)
		s.finish(s.ctx.Err())
		return false, nil
	}
}

// stopForShutdown handles teardown that raced with the readiness wait.
func (s *supervisor) stopForShutdown(instance runtime.Instance, attempt int) {
	sendEvent(s.events, s.name, EventTypeStopping, "stopping service", attempt, ReasonShutdown, nil)
	stopCtx, cancel := context.WithTimeout(context.Background(), instanceStopTimeout)
	defer cancel()
	if err := instance.Stop(stopCtx); err != nil {
		s.setStopErr(err)
		sendEvent(s.events, s.name, EventTypeError, "stop failed", attempt, ReasonStopFailed, err)
	}
	sendEvent(s.events, s.name, EventTypeStopped, "service stopped", attempt, ReasonShutdown, nil)
	s.finish(s.ctx.Err())
}

// discardInstance releases a dead or failed instance without touching the
// supervisor's terminal state.
func (s *supervisor) discardInstance(instance runtime.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), instanceStopTimeout)
	defer cancel()
	_ = instance.Stop(ctx)
}

// retryAfterFailure applies the restart policy to a failed attempt.
func (s *supervisor) retryAfterFailure(attempt int) bool {
	if s.policy == stack.RestartNever {
		return false
	}
	return s.retryAttempts(attempt)
}

func (s *supervisor) retryAttempts(attempt int) bool {
	return attempt < s.maxAttempts
}

// fail records the terminal failure and unblocks all waiters.
func (s *supervisor) fail(attempt int, err error) {
	reason := ReasonRetriesExhaust
	if s.policy == stack.RestartNever || attempt < s.maxAttempts {
		reason = ReasonStartFailure
	}
	sendEvent(s.events, s.name, EventTypeFailed, "service failed", attempt, reason, err)
	s.finish(fmt.Errorf("service %s failed after %d attempt(s): %w", s.name, attempt, err))
}

func (s *supervisor) finish(err error) {
	s.deliverStarted(err)
	s.deliverReady(err)
	s.setRunErr(err)
}

func (s *supervisor) deliverStarted(err error) {
	s.startedOnce.Do(func() {
		s.startedCh <- err
		close(s.startedCh)
	})
}

func (s *supervisor) deliverReady(err error) {
	s.readyOnce.Do(func() {
		s.readyCh <- err
		close(s.readyCh)
	})
}

func (s *supervisor) setRunErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runErr == nil {
		s.runErr = err
	}
}

func (s *supervisor) setStopErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopErr == nil {
		s.stopErr = err
	}
}

func (s *supervisor) stopContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCtx != nil {
		return s.stopCtx
	}
	return context.Background()
}

func (s *supervisor) streamLogs(logs <-chan runtime.LogEntry, wg *sync.WaitGroup) {
	defer wg.Done()
	var dropped int
	for entry := range logs {
		if entry.Message == "" {
			continue
		}
		if dropped > 0 {
			if !s.emitLog(s.droppedEvent(dropped)) {
				dropped++
				continue
			}
			dropped = 0
		}
		if !s.emitLog(s.normalizeLog(entry)) {
			dropped++
		}
	}
	if dropped > 0 {
		s.emitLog(s.droppedEvent(dropped))
	}
}

func (s *supervisor) normalizeLog(entry runtime.LogEntry) Event {
	level := entry.Level
	source := entry.Source
	if source == "" {
		source = runtime.LogSourceStdout
	}
	if level == "" {
		if source == runtime.LogSourceStderr {
			level = "warn"
		} else {
			level = "info"
		}
	}
	return Event{
		Timestamp: time.Now(),
		Service:   s.name,
		Type:      EventTypeLog,
		Message:   entry.Message,
		Level:     level,
		Source:    source,
	}
}

func (s *supervisor) droppedEvent(count int) Event {
	return Event{
		Timestamp: time.Now(),
		Service:   s.name,
		Type:      EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", count),
		Level:     "warn",
		Source:    runtime.LogSourceSystem,
	}
}

// emitLog performs a non-blocking send so a slow consumer never stalls the
// instance's log pump.
func (s *supervisor) emitLog(evt Event) bool {
	if s.events == nil {
		return true
	}
	select {
	case s.events <- evt:
		return true
	default:
		return false
	}
}
