package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/devstack/internal/cliutil"
	"github.com/example/devstack/internal/engine"
	"github.com/example/devstack/internal/runtime"
)

func newGraphCmd(ctx *context) *cobra.Command {
	var dot bool
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadStack()
			if err != nil {
				return err
			}

			statuses := liveStatuses(cmd, ctx, doc.File.Stack.Name)

			if dot {
				fmt.Fprint(cmd.OutOrStdout(), doc.Graph.DOT(statuses))
				return nil
			}

			var b strings.Builder
			for i, svc := range doc.Graph.Services() {
				if i > 0 {
					b.WriteByte('\n')
				}
				renderServiceTree(&b, doc, statuses, svc, "", false, true, make(map[string]bool))
			}
			fmt.Fprint(cmd.OutOrStdout(), b.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "Render in Graphviz DOT format")
	return cmd
}

// liveStatuses maps discovered instance states onto lifecycle states. A
// stack with no reachable runtime simply renders without status.
func liveStatuses(cmd *cobra.Command, ctx *context, stackName string) map[string]engine.GraphServiceStatus {
	discovered, err := ctx.getManager().Status(cmd.Context(), stackName)
	if err != nil {
		return nil
	}
	statuses := make(map[string]engine.GraphServiceStatus, len(discovered))
	for _, status := range discovered {
		statuses[status.Service] = engine.GraphServiceStatus{
			State:   lifecycleState(status),
			Message: status.Status,
		}
	}
	return statuses
}

func lifecycleState(status runtime.ServiceStatus) engine.EventType {
	switch status.State {
	case "running":
		return engine.EventTypeRunning
	case "created", "restarting":
		return engine.EventTypeStarting
	case "paused", "exited":
		return engine.EventTypeStopped
	case "dead":
		return engine.EventTypeFailed
	default:
		return engine.EventTypeDefined
	}
}

func renderServiceTree(b *strings.Builder, doc *cliutil.StackDocument, statuses map[string]engine.GraphServiceStatus, svc, prefix string, isDep, isLast bool, visited map[string]bool) {
	linePrefix := prefix
	if isDep {
		if isLast {
			linePrefix += "└─ "
		} else {
			linePrefix += "├─ "
		}
	}

	fmt.Fprintf(b, "%s%s [%s]\n", linePrefix, svc, describeServiceStatus(statuses, svc))

	if visited[svc] {
		return
	}
	visited[svc] = true
	defer delete(visited, svc)

	spec, ok := doc.File.Services.Specs[svc]
	if !ok || spec == nil || len(spec.DependsOn) == 0 {
		return
	}

	nextPrefix := prefix
	if isDep {
		if isLast {
			nextPrefix += "   "
		} else {
			nextPrefix += "│  "
		}
	}

	for i, child := range spec.DependsOn {
		renderServiceTree(b, doc, statuses, child, nextPrefix, true, i == len(spec.DependsOn)-1, visited)
	}
}

func describeServiceStatus(statuses map[string]engine.GraphServiceStatus, name string) string {
	status, ok := statuses[name]
	if !ok {
		return "Pending"
	}
	label := formatState(status.State)
	if label == "-" {
		label = "Pending"
	}
	if status.Message != "" {
		return fmt.Sprintf("%s: %s", label, status.Message)
	}
	return label
}
