package netbind

import (
	"errors"
	"net"
	"strconv"
	"testing"

	"github.com/example/devstack/internal/config"
	"github.com/example/devstack/internal/stack"
)

func stackWithPorts(ports map[string][]string, order []string) *stack.StackFile {
	doc := &stack.StackFile{
		Version: "1",
		Stack:   config.StackMeta{Name: "test"},
	}
	doc.Services.Order = order
	doc.Services.Specs = make(map[string]*stack.Service, len(order))
	for _, name := range order {
		doc.Services.Specs[name] = &stack.Service{
			Runtime: "docker",
			Image:   "example:latest",
			Ports:   ports[name],
		}
	}
	return doc
}

func TestCheckPassesWhenPortsAreFree(t *testing.T) {
	t.Parallel()

	var probed []string
	binder := &Binder{probe: func(proto, hostIP string, port uint16) error {
		probed = append(probed, proto+"/"+formatHostAddr(hostIP, port))
		return nil
	}}

	doc := stackWithPorts(map[string][]string{
		"api": {"8080:80"},
		"db":  {"5432:5432"},
	}, []string{"db", "api"})

	if err := binder.Check(doc, []string{"db", "api"}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(probed) != 2 {
		t.Fatalf("expected both host ports probed, got %v", probed)
	}
}

func TestCheckReportsOccupiedPort(t *testing.T) {
	t.Parallel()

	bindErr := errors.New("address already in use")
	binder := &Binder{probe: func(proto, hostIP string, port uint16) error {
		if port == 5432 {
			return bindErr
		}
		return nil
	}}

	doc := stackWithPorts(map[string][]string{
		"api": {"8080:80"},
		"db":  {"5432:5432"},
	}, []string{"db", "api"})

	err := binder.Check(doc, []string{"db", "api"})
	if err == nil {
		t.Fatalf("expected conflict")
	}
	var conflict *PortConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PortConflictError, got %T: %v", err, err)
	}
	if conflict.Service != "db" || conflict.Port != 5432 {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}
	if !errors.Is(err, bindErr) {
		t.Fatalf("expected wrapped bind error, got %v", err)
	}
}

func TestCheckRejectsDuplicateClaimWithinStack(t *testing.T) {
	t.Parallel()

	binder := &Binder{probe: func(proto, hostIP string, port uint16) error { return nil }}

	doc := stackWithPorts(map[string][]string{
		"api": {"8080:80"},
		"web": {"8080:90"},
	}, []string{"api", "web"})

	err := binder.Check(doc, []string{"api", "web"})
	if err == nil {
		t.Fatalf("expected conflict")
	}
	var conflict *PortConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PortConflictError, got %T: %v", err, err)
	}
	if conflict.Service != "web" {
		t.Fatalf("expected the second claimant to be reported, got %q", conflict.Service)
	}
}

func TestCheckAllowsSamePortAcrossProtocols(t *testing.T) {
	t.Parallel()

	var probed []string
	binder := &Binder{probe: func(proto, hostIP string, port uint16) error {
		probed = append(probed, proto)
		return nil
	}}

	doc := stackWithPorts(map[string][]string{
		"dns": {"53:53/udp", "53:53/tcp"},
	}, []string{"dns"})

	if err := binder.Check(doc, []string{"dns"}); err != nil {
		t.Fatalf("tcp and udp on the same host port must coexist: %v", err)
	}
	if len(probed) != 2 || probed[0] != "udp" || probed[1] != "tcp" {
		t.Fatalf("expected one probe per protocol, got %v", probed)
	}
}

func TestCheckRejectsDuplicateClaimSameProtocol(t *testing.T) {
	t.Parallel()

	binder := &Binder{probe: func(proto, hostIP string, port uint16) error { return nil }}

	doc := stackWithPorts(map[string][]string{
		"dns":  {"53:53/udp"},
		"dns2": {"53:1053/udp"},
	}, []string{"dns", "dns2"})

	err := binder.Check(doc, []string{"dns", "dns2"})
	if err == nil {
		t.Fatalf("expected conflict")
	}
	var conflict *PortConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected PortConflictError, got %T: %v", err, err)
	}
	if conflict.Service != "dns2" || conflict.Proto != "udp" {
		t.Fatalf("unexpected conflict details: %+v", conflict)
	}
}

func TestCheckSkipsEphemeralHostPorts(t *testing.T) {
	t.Parallel()

	var probed int
	binder := &Binder{probe: func(proto, hostIP string, port uint16) error {
		probed++
		return nil
	}}

	doc := stackWithPorts(map[string][]string{
		"api": {"80"},
	}, []string{"api"})

	if err := binder.Check(doc, []string{"api"}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if probed != 0 {
		t.Fatalf("container-only mappings must not be probed, got %d probes", probed)
	}
}

func TestTCPListenProbeDetectsBoundPort(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	if err := listenProbeForProto("tcp", "127.0.0.1", uint16(port)); err == nil {
		t.Fatalf("expected probe to fail on a bound port")
	}
}

func TestUDPListenProbeDetectsBoundPort(t *testing.T) {
	t.Parallel()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	_, portStr, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	if err := listenProbeForProto("udp", "127.0.0.1", uint16(port)); err == nil {
		t.Fatalf("expected probe to fail on a bound port")
	}
}
