package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/devstack/internal/runtime"
	"github.com/example/devstack/internal/stack"
)

type fakeInstance struct {
	waitCh    chan error
	stopped   atomic.Bool
	stopDelay time.Duration
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{waitCh: make(chan error, 1)}
}

func (f *fakeInstance) exit(err error) {
	f.waitCh <- err
}

func (f *fakeInstance) ID() string { return "fake" }

func (f *fakeInstance) Wait() <-chan error { return f.waitCh }

func (f *fakeInstance) Stop(ctx context.Context) error {
	if f.stopDelay > 0 {
		time.Sleep(f.stopDelay)
	}
	f.stopped.Store(true)
	select {
	case f.waitCh <- errors.New("stopped"):
	default:
	}
	return nil
}

func (f *fakeInstance) Logs() <-chan runtime.LogEntry { return nil }

func intPtr(n int) *int { return &n }

func testService(policy stack.RestartPolicy, maxRetries int) *stack.Service {
	return &stack.Service{
		Runtime:    "docker",
		Image:      "example:latest",
		Restart:    policy,
		MaxRetries: intPtr(maxRetries),
	}
}

func drainEvents(events chan Event) []Event {
	out := make([]Event, 0, len(events))
	for {
		select {
		case evt := <-events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, t EventType, reason string) bool {
	for _, evt := range events {
		if evt.Type == t && (reason == "" || evt.Reason == reason) {
			return true
		}
	}
	return false
}

func awaitDone(t *testing.T, s *supervisor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("supervisor did not finish in time")
	}
}

func TestSupervisorCleanExitStops(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 64)
	instance := newFakeInstance()
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		return instance, nil
	}

	s, err := newSupervisor("api", testService(stack.RestartNever, 3), start, events)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())

	if err := s.AwaitStarted(context.Background()); err != nil {
		t.Fatalf("AwaitStarted: %v", err)
	}

	instance.exit(nil)
	awaitDone(t, s)

	if err := s.Err(); err != nil {
		t.Fatalf("expected clean termination, got %v", err)
	}
	got := drainEvents(events)
	if !hasEvent(got, EventTypeStopped, ReasonCleanExit) {
		t.Fatalf("expected stopped event with clean exit, got %+v", got)
	}
}

func TestSupervisorRetriesBoundedByMaxRetries(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 64)
	var attempts atomic.Int32
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("connection refused")
	}

	s, err := newSupervisor("db", testService(stack.RestartOnFailure, 3), start, events)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())

	startErr := s.AwaitStarted(context.Background())
	if startErr == nil {
		t.Fatalf("expected start failure")
	}
	awaitDone(t, s)

	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 start attempts, got %d", got)
	}
	got := drainEvents(events)
	if !hasEvent(got, EventTypeFailed, ReasonRetriesExhaust) {
		t.Fatalf("expected failed event after exhausting retries, got %+v", got)
	}
}

func TestSupervisorNeverPolicySkipsRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	}

	s, err := newSupervisor("api", testService(stack.RestartNever, 3), start, nil)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())
	awaitDone(t, s)

	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected a single attempt with restart=never, got %d", got)
	}
	if s.Err() == nil {
		t.Fatalf("expected terminal error")
	}
}

func TestSupervisorAlwaysRestartsAfterCleanExit(t *testing.T) {
	t.Parallel()

	events := make(chan Event, 64)
	var attempts atomic.Int32
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		attempts.Add(1)
		instance := newFakeInstance()
		instance.exit(nil)
		return instance, nil
	}

	s, err := newSupervisor("worker", testService(stack.RestartAlways, 2), start, events)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())
	awaitDone(t, s)

	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 attempts with restart=always, got %d", got)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("clean exits should not be terminal failures, got %v", err)
	}
	got := drainEvents(events)
	if !hasEvent(got, EventTypeStopped, ReasonRetriesExhaust) {
		t.Fatalf("expected stopped event after restart budget, got %+v", got)
	}
}

func TestSupervisorCrashRetriesThenFails(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		attempts.Add(1)
		instance := newFakeInstance()
		instance.exit(errors.New("exit status 1"))
		return instance, nil
	}

	s, err := newSupervisor("db", testService(stack.RestartOnFailure, 3), start, nil)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())
	awaitDone(t, s)

	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if s.Err() == nil {
		t.Fatalf("expected terminal failure after repeated crashes")
	}
}

func TestSupervisorStopTerminatesInstance(t *testing.T) {
	t.Parallel()

	instance := newFakeInstance()
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		return instance, nil
	}

	s, err := newSupervisor("api", testService(stack.RestartNever, 3), start, make(chan Event, 64))
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())

	if err := s.AwaitStarted(context.Background()); err != nil {
		t.Fatalf("AwaitStarted: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !instance.stopped.Load() {
		t.Fatalf("expected instance to be stopped")
	}
	// Stop is idempotent.
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSupervisorStopDrainsRunLoopBeforeReturning(t *testing.T) {
	t.Parallel()

	// Instance shutdown outlives the caller's deadline.
	instance := newFakeInstance()
	instance.stopDelay = 100 * time.Millisecond
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		return instance, nil
	}

	events := make(chan Event, 64)
	s, err := newSupervisor("api", testService(stack.RestartNever, 3), start, events)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())

	if err := s.AwaitStarted(context.Background()); err != nil {
		t.Fatalf("AwaitStarted: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_ = s.Stop(stopCtx)

	// Once Stop returned the run loop must be gone so the caller can close
	// the events channel without racing a late send.
	select {
	case <-s.Done():
	default:
		t.Fatalf("run loop still active after Stop returned")
	}
	close(events)
	var got []Event
	for evt := range events {
		got = append(got, evt)
	}
	if !hasEvent(got, EventTypeStopped, ReasonShutdown) {
		t.Fatalf("expected stopped event, got %+v", got)
	}
	if !instance.stopped.Load() {
		t.Fatalf("expected instance to be stopped")
	}
}

func TestSupervisorAwaitReadyWithTCPProbe(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	svc := testService(stack.RestartNever, 3)
	svc.Readiness = &stack.Readiness{
		GracePeriod: stack.Duration{Duration: 2 * time.Second},
		Interval:    stack.Duration{Duration: 20 * time.Millisecond},
		Timeout:     stack.Duration{Duration: 250 * time.Millisecond},
		TCP:         &stack.TCPProbe{Address: listener.Addr().String()},
	}

	instance := newFakeInstance()
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		return instance, nil
	}

	events := make(chan Event, 64)
	s, err := newSupervisor("db", svc, start, events)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())

	readyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.AwaitReady(readyCtx); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = s.Stop(stopCtx)

	got := drainEvents(events)
	if !hasEvent(got, EventTypeReady, ReasonProbeReady) {
		t.Fatalf("expected ready event, got %+v", got)
	}
}

func TestSupervisorProbeFailureCountsAsFailedAttempt(t *testing.T) {
	t.Parallel()

	svc := testService(stack.RestartNever, 3)
	svc.Readiness = &stack.Readiness{
		GracePeriod: stack.Duration{Duration: 100 * time.Millisecond},
		Interval:    stack.Duration{Duration: 20 * time.Millisecond},
		Timeout:     stack.Duration{Duration: 20 * time.Millisecond},
		TCP:         &stack.TCPProbe{Address: "127.0.0.1:1"},
	}

	instance := newFakeInstance()
	start := func(ctx context.Context, attempt int) (runtime.Instance, error) {
		return instance, nil
	}

	s, err := newSupervisor("db", svc, start, nil)
	if err != nil {
		t.Fatalf("newSupervisor: %v", err)
	}
	s.Start(context.Background())
	awaitDone(t, s)

	if s.Err() == nil {
		t.Fatalf("expected failure when the probe never succeeds")
	}
	if err := s.AwaitReady(context.Background()); err == nil {
		t.Fatalf("expected AwaitReady to report the failure")
	}
}
