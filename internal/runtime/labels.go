package runtime

import "fmt"

// Label keys attached to every container, network, and volume so that later
// CLI invocations can rediscover resources without shared state on disk.
const (
	LabelStack   = "devstack.stack"
	LabelService = "devstack.service"
	LabelVolume  = "devstack.volume"
)

// StackLabels returns the base label set for a resource owned by a stack.
func StackLabels(stack string) map[string]string {
	return map[string]string{LabelStack: stack}
}

// ServiceLabels returns the label set for an instance of a stack service.
func ServiceLabels(stack, service string) map[string]string {
	return map[string]string{
		LabelStack:   stack,
		LabelService: service,
	}
}

// InstanceName returns the canonical runtime-level name for a service
// instance, e.g. the docker container name.
func InstanceName(stack, service string) string {
	return fmt.Sprintf("devstack-%s-%s", stack, service)
}

// NetworkName returns the per-stack network name. Services on the same
// stack network reach each other by service name.
func NetworkName(stack string) string {
	return fmt.Sprintf("devstack_%s", stack)
}

// VolumeName returns the backing name for a declared named volume, scoped
// by stack so distinct stacks never share storage by accident.
func VolumeName(stack, volume string) string {
	return fmt.Sprintf("devstack_%s_%s", stack, volume)
}
