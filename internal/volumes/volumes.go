package volumes

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/devstack/internal/stack"
)

// Store abstracts the runtime's volume operations. The docker runtime
// adapter implements it; tests substitute an in-memory fake.
type Store interface {
	EnsureVolume(ctx context.Context, stack, name string, labels map[string]string) (string, error)
	ListVolumes(ctx context.Context, stack string) ([]string, error)
	RemoveVolume(ctx context.Context, scopedName string) error
}

// Manager provisions declared named volumes before services start and
// prunes them on explicit request. Volumes are never removed as part of a
// normal teardown; data survives down by design of the dev workflow.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// EnsureAll creates every named volume referenced by a docker service or
// declared in the top-level volumes section. Creation is idempotent, so
// repeated up invocations converge on the same state.
func (m *Manager) EnsureAll(ctx context.Context, stackName string, doc *stack.StackFile) ([]string, error) {
	names, err := requiredVolumes(doc)
	if err != nil {
		return nil, err
	}

	ensured := make([]string, 0, len(names))
	for _, name := range names {
		var labels map[string]string
		if decl := doc.Volumes[name]; decl != nil {
			labels = decl.Labels
		}
		scoped, err := m.store.EnsureVolume(ctx, stackName, name, labels)
		if err != nil {
			return ensured, fmt.Errorf("ensure volume %s: %w", name, err)
		}
		ensured = append(ensured, scoped)
	}
	return ensured, nil
}

// Prune removes every volume belonging to the stack. Missing volumes are
// tolerated; failures are aggregated so one stuck volume does not mask the
// rest.
func (m *Manager) Prune(ctx context.Context, stackName string) ([]string, error) {
	discovered, err := m.store.ListVolumes(ctx, stackName)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}

	removed := make([]string, 0, len(discovered))
	var errs []error
	for _, scoped := range discovered {
		if err := m.store.RemoveVolume(ctx, scoped); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, scoped)
	}
	return removed, errors.Join(errs...)
}

// requiredVolumes returns declared volume names in declaration order,
// including declared-but-unreferenced ones so that prune sees them too.
func requiredVolumes(doc *stack.StackFile) ([]string, error) {
	seen := make(map[string]bool, len(doc.Volumes))
	var names []string

	for _, svcName := range doc.ServiceNames() {
		svc := doc.Services.Specs[svcName]
		if svc.Runtime != "docker" {
			continue
		}
		named, err := svc.NamedVolumes()
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", svcName, err)
		}
		for _, name := range named {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	for _, name := range doc.VolumesSorted() {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}
