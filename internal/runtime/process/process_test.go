package process

import (
	"context"
	stdruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/example/devstack/internal/runtime"
	"github.com/example/devstack/internal/stack"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("process runtime tests skipped on windows")
	}
}

func startProcess(t *testing.T, svc *stack.Service) runtime.Instance {
	t.Helper()
	inst, err := New().Start(context.Background(), runtime.StartSpec{
		Stack:   "dev",
		Service: "worker",
		Spec:    svc,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return inst
}

func collectLogs(t *testing.T, inst runtime.Instance) []runtime.LogEntry {
	t.Helper()
	var entries []runtime.LogEntry
	timeout := time.After(5 * time.Second)
	for {
		select {
		case entry, ok := <-inst.Logs():
			if !ok {
				return entries
			}
			entries = append(entries, entry)
		case <-timeout:
			t.Fatalf("timed out draining logs, got %v", entries)
		}
	}
}

func awaitExit(t *testing.T, inst runtime.Instance) error {
	t.Helper()
	select {
	case err := <-inst.Wait():
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for exit")
		return nil
	}
}

func TestStartCapturesStdoutAndStderr(t *testing.T) {
	skipOnWindows(t)

	inst := startProcess(t, &stack.Service{
		Runtime: "process",
		Command: []string{"/bin/sh", "-c", "echo hello; echo oops 1>&2"},
	})

	if err := awaitExit(t, inst); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}

	entries := collectLogs(t, inst)
	var sawStdout, sawStderr bool
	for _, entry := range entries {
		switch {
		case entry.Source == runtime.LogSourceStdout && entry.Message == "hello":
			sawStdout = true
		case entry.Source == runtime.LogSourceStderr && entry.Message == "oops":
			sawStderr = true
		}
	}
	if !sawStdout || !sawStderr {
		t.Fatalf("missing expected log lines: %+v", entries)
	}
}

func TestStartRejectsMissingCommand(t *testing.T) {
	skipOnWindows(t)

	r := New()
	if _, err := r.Start(context.Background(), runtime.StartSpec{Service: "worker"}); err == nil {
		t.Fatalf("expected error for nil service definition")
	}
	if _, err := r.Start(context.Background(), runtime.StartSpec{
		Service: "worker",
		Spec:    &stack.Service{Runtime: "process"},
	}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestExitCodeSurfacesAsError(t *testing.T) {
	skipOnWindows(t)

	inst := startProcess(t, &stack.Service{
		Runtime: "process",
		Command: []string{"/bin/sh", "-c", "exit 3"},
	})

	err := awaitExit(t, inst)
	if err == nil {
		t.Fatalf("expected non-zero exit error")
	}
	if !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("unexpected exit error: %v", err)
	}
}

func TestStartMergesServiceEnv(t *testing.T) {
	skipOnWindows(t)

	inst := startProcess(t, &stack.Service{
		Runtime: "process",
		Command: []string{"/bin/sh", "-c", "echo $DEVSTACK_TEST_VALUE"},
		Env:     map[string]string{"DEVSTACK_TEST_VALUE": "from-env"},
	})

	if err := awaitExit(t, inst); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	entries := collectLogs(t, inst)
	for _, entry := range entries {
		if entry.Message == "from-env" {
			return
		}
	}
	t.Fatalf("service env not visible to process: %+v", entries)
}

func TestStopTerminatesLongRunningProcess(t *testing.T) {
	skipOnWindows(t)

	inst := startProcess(t, &stack.Service{
		Runtime: "process",
		Command: []string{"/bin/sh", "-c", "sleep 30"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The exit result is redelivered so callers watching Wait still see it.
	if err := awaitExit(t, inst); err == nil {
		t.Fatalf("expected a termination error after Stop")
	}
}
