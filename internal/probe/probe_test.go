package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/devstack/internal/stack"
)

func timing(grace, interval, timeout time.Duration) stack.Readiness {
	return stack.Readiness{
		GracePeriod: stack.Duration{Duration: grace},
		Interval:    stack.Duration{Duration: interval},
		Timeout:     stack.Duration{Duration: timeout},
	}
}

func TestNewReturnsNilForMissingSpec(t *testing.T) {
	t.Parallel()

	prober, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if prober != nil {
		t.Fatalf("expected nil prober without readiness config")
	}
}

func TestNewRejectsAmbiguousSpec(t *testing.T) {
	t.Parallel()

	spec := &stack.Readiness{
		TCP:  &stack.TCPProbe{Address: "127.0.0.1:5432"},
		HTTP: &stack.HTTPProbe{URL: "http://127.0.0.1:8080/healthz"},
	}
	if _, err := New(spec); err == nil {
		t.Fatalf("expected error for combined tcp and http probes")
	}

	if _, err := New(&stack.Readiness{}); err == nil {
		t.Fatalf("expected error for empty probe config")
	}
}

func TestTCPProbeSucceedsAgainstListener(t *testing.T) {
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

	spec := timing(2*time.Second, 20*time.Millisecond, 250*time.Millisecond)
	spec.TCP = &stack.TCPProbe{Address: listener.Addr().String()}

	prober, err := New(&spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := Await(context.Background(), &spec, prober); err != nil {
		t.Fatalf("Await: %v", err)
	}
}

func TestAwaitFailsAfterGracePeriod(t *testing.T) {
	t.Parallel()

	spec := timing(120*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond)
	spec.TCP = &stack.TCPProbe{Address: "127.0.0.1:1"}

	prober, err := New(&spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = Await(context.Background(), &spec, prober)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "not ready after") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAwaitReturnsContextError(t *testing.T) {
	t.Parallel()

	spec := timing(10*time.Second, 20*time.Millisecond, 20*time.Millisecond)
	spec.TCP = &stack.TCPProbe{Address: "127.0.0.1:1"}

	prober, err := New(&spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()

	err = Await(ctx, &spec, prober)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestAwaitRecoversOnceServiceAnswers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	spec := timing(5*time.Second, 20*time.Millisecond, 500*time.Millisecond)
	spec.HTTP = &stack.HTTPProbe{URL: server.URL}

	prober, err := New(&spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := Await(context.Background(), &spec, prober); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 probe attempts, got %d", calls.Load())
	}
}

func TestHTTPProbeHonoursExpectedStatuses(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	prober, err := New(&stack.Readiness{
		HTTP: &stack.HTTPProbe{URL: server.URL, ExpectStatus: []int{200, 204}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := prober.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	strict, err := New(&stack.Readiness{
		HTTP: &stack.HTTPProbe{URL: server.URL, ExpectStatus: []int{200}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := strict.Probe(context.Background()); err == nil {
		t.Fatalf("expected unexpected-status error")
	}
}
