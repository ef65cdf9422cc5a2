package engine

import (
	"time"

	"github.com/example/devstack/internal/runtime"
)

// EventType captures lifecycle notifications emitted by the lifecycle
// manager and supervisors. The non-log values mirror the service state
// machine: Defined -> Building -> Starting -> Running -> (Stopping ->
// Stopped | Failed), with Ready reported by services that declare a
// readiness probe.
type EventType string

const (
	EventTypeDefined  EventType = "defined"
	EventTypeBuilding EventType = "building"
	EventTypeStarting EventType = "starting"
	EventTypeRunning  EventType = "running"
	EventTypeReady    EventType = "ready"
	EventTypeStopping EventType = "stopping"
	EventTypeStopped  EventType = "stopped"
	EventTypeFailed   EventType = "failed"
	EventTypeLog      EventType = "log"
	EventTypeError    EventType = "error"
)

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp time.Time
	Service   string
	Type      EventType
	Message   string
	Level     string
	Source    string
	Err       error
	Attempt   int
	Reason    string
}

const (
	ReasonInitialStart    = "initial_start"
	ReasonRestart         = "restart"
	ReasonStartFailure    = "start_failure"
	ReasonBuildFailure    = "build_failure"
	ReasonInstanceCrash   = "instance_crash"
	ReasonRetriesExhaust  = "retries_exhausted"
	ReasonProbeReady      = "probe_ready"
	ReasonProbeFailure    = "probe_failure"
	ReasonDependencyWait  = "dependency_wait"
	ReasonLogStreamError  = "log_stream_error"
	ReasonStopFailed      = "stop_failed"
	ReasonShutdown        = "shutdown"
	ReasonCleanExit       = "clean_exit"
	ReasonRollback        = "rollback"
)

func sendEvent(events chan<- Event, service string, t EventType, message string, attempt int, reason string, err error) {
	if events == nil {
		return
	}
	events <- Event{
		Timestamp: time.Now(),
		Service:   service,
		Type:      t,
		Message:   message,
		Level:     "info",
		Source:    runtime.LogSourceSystem,
		Err:       err,
		Attempt:   attempt,
		Reason:    reason,
	}
}
