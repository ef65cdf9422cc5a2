package netbind

import (
	"fmt"
	"net"
	"strconv"

	"github.com/docker/go-connections/nat"

	"github.com/example/devstack/internal/stack"
)

// PortConflictError reports a host port that cannot be bound for a service.
// It is returned before any service is launched so a conflicting stack
// never starts partially.
type PortConflictError struct {
	Service string
	HostIP  string
	Port    uint16
	Proto   string
	Err     error
}

func (e *PortConflictError) Error() string {
	addr := formatHostAddr(e.HostIP, e.Port)
	if e.Proto != "" && e.Proto != "tcp" {
		addr += "/" + e.Proto
	}
	if e.Err != nil {
		return fmt.Sprintf("service %s: host port %s unavailable: %v", e.Service, addr, e.Err)
	}
	return fmt.Sprintf("service %s: host port %s unavailable", e.Service, addr)
}

func (e *PortConflictError) Unwrap() error {
	return e.Err
}

func formatHostAddr(ip string, port uint16) string {
	if ip == "" {
		return strconv.Itoa(int(port))
	}
	return net.JoinHostPort(ip, strconv.Itoa(int(port)))
}

// binding is one host port requested by a service.
type binding struct {
	service string
	hostIP  string
	port    uint16
	proto   string
}

// listenProbe attempts to bind the address for the given protocol and
// reports the outcome. The default implementation opens and immediately
// closes a listener or packet socket.
type listenProbe func(proto, hostIP string, port uint16) error

func listenProbeForProto(proto, hostIP string, port uint16) error {
	addr := net.JoinHostPort(hostIP, strconv.Itoa(int(port)))
	if proto == "udp" {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

// Binder validates host port availability for all services of a stack
// before any of them launches.
type Binder struct {
	probe listenProbe
}

// New returns a Binder that checks availability with real listeners.
func New() *Binder {
	return &Binder{probe: listenProbeForProto}
}

// Check parses every service's port mappings in startup order and verifies
// each requested host port is free and not claimed twice within the stack.
// The first conflict aborts the whole up operation.
func (b *Binder) Check(doc *stack.StackFile, order []string) error {
	claimed := make(map[string]string)

	for _, name := range order {
		svc := doc.Services.Specs[name]
		bindings, err := serviceBindings(name, svc)
		if err != nil {
			return err
		}
		for _, bind := range bindings {
			// The same host port may be published over tcp and udp at once.
			key := bind.proto + "/" + formatHostAddr(bind.hostIP, bind.port)
			if owner, ok := claimed[key]; ok {
				return &PortConflictError{
					Service: bind.service,
					HostIP:  bind.hostIP,
					Port:    bind.port,
					Proto:   bind.proto,
					Err:     fmt.Errorf("already mapped by service %s", owner),
				}
			}
			claimed[key] = bind.service

			if err := b.probe(bind.proto, bind.hostIP, bind.port); err != nil {
				return &PortConflictError{
					Service: bind.service,
					HostIP:  bind.hostIP,
					Port:    bind.port,
					Proto:   bind.proto,
					Err:     err,
				}
			}
		}
	}
	return nil
}

func serviceBindings(name string, svc *stack.Service) ([]binding, error) {
	var out []binding
	for _, spec := range svc.Ports {
		mappings, err := nat.ParsePortSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("service %s: parse port %q: %w", name, spec, err)
		}
		for _, mapping := range mappings {
			hostPort := mapping.Binding.HostPort
			if hostPort == "" {
				// Ephemeral host port, the kernel picks a free one.
				continue
			}
			port, err := strconv.ParseUint(hostPort, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("service %s: parse host port %q: %w", name, hostPort, err)
			}
			out = append(out, binding{
				service: name,
				hostIP:  mapping.Binding.HostIP,
				port:    uint16(port),
				proto:   mapping.Port.Proto(),
			})
		}
	}
	return out, nil
}
