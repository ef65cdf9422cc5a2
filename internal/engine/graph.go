package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/example/devstack/internal/stack"
)

var errNilStackFile = errors.New("cannot build graph from a nil stack file")

// Graph represents service dependencies resolved into a startup order.
type Graph struct {
	services   map[string]*stack.Service
	deps       map[string][]string
	dependents map[string][]string
	declIndex  map[string]int
	order      []string
}

// BuildGraph constructs the dependency graph and validates acyclicity. The
// returned order places every dependency strictly before its dependents;
// ties are broken by declaration order in the stack document.
func BuildGraph(doc *stack.StackFile) (*Graph, error) {
	if doc == nil {
		return nil, errNilStackFile
	}

	names := doc.ServiceNames()
	g := &Graph{
		services:   make(map[string]*stack.Service, len(names)),
		deps:       make(map[string][]string, len(names)),
		dependents: make(map[string][]string, len(names)),
		declIndex:  make(map[string]int, len(names)),
	}
	for i, name := range names {
		svc := doc.Services.Specs[name]
		g.services[name] = svc
		g.declIndex[name] = i
		g.deps[name] = append([]string(nil), svc.DependsOn...)
		for _, dep := range svc.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	order, err := g.topoSort(names)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Services returns service names in startup order (dependencies first).
func (g *Graph) Services() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ReversedServices returns service names in teardown order.
func (g *Graph) ReversedServices() []string {
	out := make([]string, len(g.order))
	for i, name := range g.order {
		out[len(g.order)-1-i] = name
	}
	return out
}

// Dependencies returns the declared dependencies of the provided service.
func (g *Graph) Dependencies(name string) []string {
	deps := g.deps[name]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Dependents returns services that depend on the provided service.
func (g *Graph) Dependents(name string) []string {
	deps := g.dependents[name]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

func (g *Graph) topoSort(names []string) ([]string, error) {
	remaining := make(map[string]int, len(names))
	for _, name := range names {
		remaining[name] = len(g.deps[name])
	}

	ready := make([]string, 0, len(names))
	for _, name := range names {
		if remaining[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.declIndex[ready[i]] < g.declIndex[ready[j]]
		})
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dependent := range g.dependents[name] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(names) {
		cycle := g.findCycle(names)
		return nil, &CyclicDependencyError{Services: cycle}
	}
	return order, nil
}

// findCycle walks the dependency edges depth-first and returns the members
// of the first cycle encountered, in cycle order.
func (g *Graph) findCycle(names []string) []string {
	visited := make(map[string]bool, len(names))
	onPath := make(map[string]bool, len(names))
	path := make([]string, 0, len(names))

	var dfs func(string) []string
	dfs = func(node string) []string {
		visited[node] = true
		onPath[node] = true
		path = append(path, node)
		for _, dep := range g.deps[node] {
			if onPath[dep] {
				return extractCycle(path, dep)
			}
			if !visited[dep] {
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			}
		}
		onPath[node] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, name := range names {
		if !visited[name] {
			if cycle := dfs(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func extractCycle(path []string, target string) []string {
	for i, node := range path {
		if node == target {
			out := make([]string, len(path)-i)
			copy(out, path[i:])
			return out
		}
	}
	return nil
}

// GraphServiceStatus captures the status information needed to render DOT
// output.
type GraphServiceStatus struct {
	State   EventType
	Message string
}

const (
	dotColorRunning = "#c6f6d5"
	dotColorFailed  = "#fed7d7"
	dotColorPending = "#e2e8f0"
)

// DOT renders the graph in Graphviz dot format with optional status styling.
func (g *Graph) DOT(statuses map[string]GraphServiceStatus) string {
	var b strings.Builder
	b.WriteString("digraph devstack {\n")

	for _, svc := range g.order {
		status := statuses[svc]
		labelParts := []string{svc}
		if status.State != "" {
			labelParts = append(labelParts, formatEventType(status.State))
		}
		if status.Message != "" {
			labelParts = append(labelParts, status.Message)
		}
		attrs := []string{fmt.Sprintf("label=\"%s\"", formatDOTLabel(labelParts))}
		if color := dotFillColor(status.State); color != "" {
			attrs = append(attrs, "style=\"filled\"", fmt.Sprintf("fillcolor=\"%s\"", color))
		}
		b.WriteString(fmt.Sprintf("  \"%s\" [%s];\n", escapeDOT(svc), strings.Join(attrs, " ")))
	}

	for _, from := range g.order {
		for _, to := range g.deps[from] {
			b.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", escapeDOT(from), escapeDOT(to)))
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func dotFillColor(state EventType) string {
	switch state {
	case EventTypeRunning, EventTypeReady:
		return dotColorRunning
	case EventTypeFailed, EventTypeError:
		return dotColorFailed
	case "":
		return ""
	default:
		return dotColorPending
	}
}

func formatDOTLabel(parts []string) string {
	escaped := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		escaped = append(escaped, escapeDOT(part))
	}
	return strings.Join(escaped, "\\n")
}

func escapeDOT(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func formatEventType(t EventType) string {
	if t == "" {
		return "-"
	}
	s := string(t)
	if len(s) <= 1 {
		return strings.ToUpper(s)
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
