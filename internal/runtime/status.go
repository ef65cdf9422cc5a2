package runtime

import (
	"context"
	"time"
)

// PortBinding describes one published port of a discovered instance.
type PortBinding struct {
	HostIP        string
	HostPort      uint16
	ContainerPort uint16
	Protocol      string
}

// ServiceStatus describes a previously launched instance discovered via
// runtime labels. It backs the ps, logs, and down commands, which run in
// fresh processes with no handle on the instances the up command created.
type ServiceStatus struct {
	Stack        string
	Service      string
	InstanceName string
	ID           string
	Image        string
	State        string
	Status       string
	Ports        []PortBinding
	CreatedAt    time.Time
}

// Inspector lists the live instances belonging to a stack.
type Inspector interface {
	List(ctx context.Context, stack string) ([]ServiceStatus, error)
}

// Terminator stops and removes previously launched instances and tears down
// the per-stack network once the last instance is gone.
type Terminator interface {
	Terminate(ctx context.Context, status ServiceStatus) error
	RemoveNetwork(ctx context.Context, stack string) error
}

// LogStreamer streams log lines from a previously launched instance. The
// returned channel is closed when the stream ends or ctx is cancelled.
type LogStreamer interface {
	StreamLogs(ctx context.Context, status ServiceStatus, follow bool, tail string) (<-chan LogEntry, error)
}
