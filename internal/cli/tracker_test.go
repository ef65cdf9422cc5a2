package cli

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/devstack/internal/engine"
)

func TestTrackerFollowsLifecycleTransitions(t *testing.T) {
	tracker := newStatusTracker()
	base := time.Now()

	tracker.Apply(engine.Event{Timestamp: base, Service: "db", Type: engine.EventTypeStarting, Attempt: 1})
	tracker.Apply(engine.Event{Timestamp: base.Add(time.Second), Service: "db", Type: engine.EventTypeRunning, Attempt: 1})
	tracker.Apply(engine.Event{Timestamp: base.Add(2 * time.Second), Service: "db", Type: engine.EventTypeReady, Attempt: 1})

	snapshot := tracker.Snapshot()
	db, ok := snapshot["db"]
	if !ok {
		t.Fatalf("db missing from snapshot")
	}
	if db.State != engine.EventTypeReady || !db.Ready {
		t.Fatalf("unexpected db status: %+v", db)
	}
	if db.Restarts != 0 {
		t.Fatalf("initial start must not count as restart: %+v", db)
	}

	tracker.Apply(engine.Event{Timestamp: base.Add(3 * time.Second), Service: "db", Type: engine.EventTypeError, Err: errors.New("exit status 1")})
	tracker.Apply(engine.Event{Timestamp: base.Add(4 * time.Second), Service: "db", Type: engine.EventTypeStarting, Attempt: 2})

	db = tracker.Snapshot()["db"]
	if db.Ready {
		t.Fatalf("error must clear readiness: %+v", db)
	}
	if db.Restarts != 1 {
		t.Fatalf("expected one restart, got %+v", db)
	}
	if db.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %+v", db)
	}
}

func TestTrackerIgnoresLogEventsForState(t *testing.T) {
	tracker := newStatusTracker()
	base := time.Now()

	tracker.Apply(engine.Event{Timestamp: base, Service: "api", Type: engine.EventTypeRunning})
	tracker.Apply(engine.Event{Timestamp: base.Add(time.Second), Service: "api", Type: engine.EventTypeLog, Message: "request handled"})

	api := tracker.Snapshot()["api"]
	if api.State != engine.EventTypeRunning {
		t.Fatalf("log events must not change state: %+v", api)
	}
	if !api.LastEvent.After(base) {
		t.Fatalf("log events should advance last activity: %+v", api)
	}
}

func TestTrackerRedactsSecretsInMessages(t *testing.T) {
	tracker := newStatusTracker()

	tracker.Apply(engine.Event{
		Service: "db",
		Type:    engine.EventTypeFailed,
		Err:     errors.New("auth failed: POSTGRES_PASSWORD=hunter2"),
	})

	db := tracker.Snapshot()["db"]
	if strings.Contains(db.Message, "hunter2") {
		t.Fatalf("secret leaked into status message: %q", db.Message)
	}
}

func TestTrackerNamesSorted(t *testing.T) {
	tracker := newStatusTracker()
	tracker.Apply(engine.Event{Service: "web", Type: engine.EventTypeDefined})
	tracker.Apply(engine.Event{Service: "api", Type: engine.EventTypeDefined})
	tracker.Apply(engine.Event{Service: "db", Type: engine.EventTypeDefined})

	names := tracker.Names()
	if len(names) != 3 || names[0] != "api" || names[1] != "db" || names[2] != "web" {
		t.Fatalf("unexpected names: %v", names)
	}
}
