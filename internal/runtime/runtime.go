package runtime

import (
	"context"

	"github.com/example/devstack/internal/stack"
)

// Log sources attached to entries emitted by runtime instances.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "system"
)

// LogEntry represents a single log line produced by a service instance.
type LogEntry struct {
	Message string
	Source  string
	Level   string
}

// StartSpec describes a single service launch. The lifecycle manager fills
// in the stack-scoped identity (container name, network, labels) so that
// instances remain discoverable by later invocations of the CLI.
type StartSpec struct {
	// Stack is the stack name the service belongs to.
	Stack string
	// Service is the service name within the stack.
	Service string
	// Spec is the resolved service definition.
	Spec *stack.Service
	// Image overrides Spec.Image when the service was built locally.
	Image string
	// InstanceName is the runtime-level identity, e.g. the container name.
	InstanceName string
	// Network is the stack network to attach to. Empty means the runtime
	// default.
	Network string
	// Labels are attached to the created instance for later discovery.
	Labels map[string]string
	// Attempt is the 1-based start attempt, used for log context only.
	Attempt int
}

// BuildSpec describes an image build request for services that declare a
// build section instead of a published image.
type BuildSpec struct {
	Stack      string
	Service    string
	Context    string
	Dockerfile string
	Tag        string
	Labels     map[string]string
}

// Instance represents a single running service instance managed by a runtime
// adapter.
type Instance interface {
	// ID returns the runtime-level identifier, e.g. the container ID. It
	// may be empty for runtimes without stable identifiers.
	ID() string

	// Wait returns a channel that receives exactly one value once the
	// instance exits: nil for a clean exit, otherwise the exit error. The
	// channel is buffered so the instance never blocks on delivery.
	Wait() <-chan error

	// Stop terminates the instance. Implementations must be idempotent
	// and safe to call multiple times.
	Stop(ctx context.Context) error

	// Logs returns a channel of log lines associated with the instance.
	// The channel is closed once the instance has stopped. A nil channel
	// indicates that the runtime does not provide log streaming.
	Logs() <-chan LogEntry
}

// Runtime describes a backend capable of launching services.
type Runtime interface {
	// Start launches the described service and returns a handle to the
	// running instance. Implementations should respect context
	// cancellation and surface failures via returned errors.
	Start(ctx context.Context, spec StartSpec) (Instance, error)
}

// Builder is implemented by runtimes that can build images from a local
// build context. Runtimes without build support simply do not implement it;
// the lifecycle manager rejects build sections for those.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) (string, error)
}

// Registry maps runtime identifiers to their concrete implementations.
type Registry map[string]Runtime

// Clone returns a shallow copy of the registry, allowing callers to avoid
// accidental mutation of shared maps.
func (r Registry) Clone() Registry {
	dup := make(Registry, len(r))
	for k, v := range r {
		dup[k] = v
	}
	return dup
}
