package cli

import (
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/example/devstack/internal/runtime"
)

func newPsCmd(ctx *context) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List the stack's services and their instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadStack()
			if err != nil {
				return err
			}

			if watch {
				return watchServices(cmd, ctx, doc.File.Stack.Name, doc.File.ServiceNames())
			}

			statuses, err := ctx.getManager().Status(cmd.Context(), doc.File.Stack.Name)
			if err != nil {
				return err
			}
			renderServiceTable(cmd.OutOrStdout(), doc.File.ServiceNames(), statuses)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Continuously refresh the service table")
	return cmd
}

func renderServiceTable(out io.Writer, declared []string, statuses []runtime.ServiceStatus) {
	byService := make(map[string][]runtime.ServiceStatus, len(statuses))
	for _, status := range statuses {
		byService[status.Service] = append(byService[status.Service], status)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATE\tSTATUS\tPORTS\tAGE")
	seen := make(map[string]bool, len(declared))
	render := func(service string) {
		seen[service] = true
		instances, ok := byService[service]
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", service)
			return
		}
		for _, status := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				service,
				status.State,
				status.Status,
				formatPorts(status.Ports),
				formatAge(status.CreatedAt))
		}
	}
	for _, service := range declared {
		render(service)
	}
	// Instances left over from a previous revision of the stack file.
	stale := make([]string, 0)
	for service := range byService {
		if !seen[service] {
			stale = append(stale, service)
		}
	}
	sort.Strings(stale)
	for _, service := range stale {
		render(service)
	}
	w.Flush()
}

func formatPorts(ports []runtime.PortBinding) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		target := strconv.Itoa(int(p.ContainerPort))
		if p.Protocol != "" && p.Protocol != "tcp" {
			target += "/" + p.Protocol
		}
		if p.HostPort == 0 {
			parts = append(parts, target)
			continue
		}
		host := strconv.Itoa(int(p.HostPort))
		if p.HostIP != "" && p.HostIP != "0.0.0.0" {
			host = net.JoinHostPort(p.HostIP, host)
		}
		parts = append(parts, fmt.Sprintf("%s->%s", host, target))
	}
	return strings.Join(parts, ", ")
}

func formatAge(created time.Time) string {
	if created.IsZero() {
		return "-"
	}
	age := time.Since(created)
	if age < 0 {
		age = 0
	}
	return units.HumanDuration(age)
}
