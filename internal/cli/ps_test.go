package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/example/devstack/internal/runtime"
)

func TestRenderServiceTable(t *testing.T) {
	t.Parallel()

	statuses := []runtime.ServiceStatus{
		{
			Service:      "db",
			InstanceName: "devstack-dev-db",
			State:        "running",
			Status:       "Up 5 minutes",
			Ports:        []runtime.PortBinding{{HostPort: 5432, ContainerPort: 5432, Protocol: "tcp"}},
			CreatedAt:    time.Now().Add(-5 * time.Minute),
		},
		{
			Service:      "legacy",
			InstanceName: "devstack-dev-legacy",
			State:        "exited",
			Status:       "Exited (0) 2 hours ago",
		},
	}

	var sb strings.Builder
	renderServiceTable(&sb, []string{"db", "api"}, statuses)
	out := sb.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus three rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[0], "SERVICE") {
		t.Fatalf("missing header:\n%s", out)
	}
	// Declared services first in declaration order, then stale instances.
	if !strings.HasPrefix(lines[1], "db") || !strings.HasPrefix(lines[2], "api") || !strings.HasPrefix(lines[3], "legacy") {
		t.Fatalf("unexpected row order:\n%s", out)
	}
	if !strings.Contains(lines[1], "5432->5432") {
		t.Fatalf("expected port mapping in db row:\n%s", out)
	}
	// api has no instance.
	if !strings.Contains(lines[2], "-") {
		t.Fatalf("expected placeholder row for api:\n%s", out)
	}
}

func TestFormatPorts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ports []runtime.PortBinding
		want  string
	}{
		{nil, "-"},
		{[]runtime.PortBinding{{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}}, "8080->80"},
		{[]runtime.PortBinding{{HostIP: "127.0.0.1", HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}}, "127.0.0.1:8080->80"},
		{[]runtime.PortBinding{{HostIP: "0.0.0.0", HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}}, "8080->80"},
		{[]runtime.PortBinding{{HostPort: 53, ContainerPort: 53, Protocol: "udp"}}, "53->53/udp"},
		{[]runtime.PortBinding{{ContainerPort: 9090, Protocol: "tcp"}}, "9090"},
		{[]runtime.PortBinding{
			{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"},
			{HostPort: 8443, ContainerPort: 443, Protocol: "tcp"},
		}, "8080->80, 8443->443"},
	}
	for _, tc := range cases {
		if got := formatPorts(tc.ports); got != tc.want {
			t.Fatalf("formatPorts(%+v) = %q, want %q", tc.ports, got, tc.want)
		}
	}
}

func TestFormatAge(t *testing.T) {
	t.Parallel()

	if got := formatAge(time.Time{}); got != "-" {
		t.Fatalf("zero time should render as placeholder, got %q", got)
	}
	if got := formatAge(time.Now().Add(-90 * time.Minute)); !strings.Contains(got, "hour") {
		t.Fatalf("unexpected age rendering %q", got)
	}
}
