package resolver

import (
	"fmt"
	"sort"

	"github.com/ops-tools/stackmedic/pkg/errors"
	"github.com/ops-tools/stackmedic/pkg/registry"
)

// ExpandDependencies returns the dependency closure of target in bottom-up
// order: a unit appears only after all of its own dependencies. The target
// itself is always last in its own chain.
func ExpandDependencies(target string, reg *registry.Registry) ([]string, error) {
	return OrderForBatch([]string{target}, reg)
}

// OrderForBatch returns a single global order satisfying every target's
// dependency closure, de-duplicated, so a caller never recovers the same unit
// twice in one pass. Independent units are ordered by startup rank, then name,
// keeping the result deterministic.
func OrderForBatch(targets []string, reg *registry.Registry) ([]string, error) {
	closure, err := collectClosure(targets, reg)
	if err != nil {
		return nil, err
	}

	// Iterative topological sort (Kahn). In-degrees only count edges inside
	// the closure; units outside it are not part of this batch.
	inDegree := make(map[string]int, len(closure))
	dependents := make(map[string][]string, len(closure))
	for name := range closure {
		unit, _ := reg.Lookup(name)
		for _, dep := range unit.Dependencies {
			if _, inBatch := closure[dep]; inBatch {
				inDegree[name]++
				dependents[dep] = append(dependents[dep], name)
			}
		}
	}

	ready := make([]string, 0, len(closure))
	for name := range closure {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	ordered := make([]string, 0, len(closure))
	for len(ready) > 0 {
		sortByRank(ready, reg)
		next := ready[0]
		ready = ready[1:]

		ordered = append(ordered, next)
		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	// The registry rejects cycles at load time, so a leftover here means the
	// registry was bypassed. Treated as fatal, never retried.
	if len(ordered) != len(closure) {
		remaining := make([]string, 0, len(closure)-len(ordered))
		for name := range closure {
			if inDegree[name] > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, errors.NewConfigError(
			fmt.Sprintf("dependency cycle detected during resolution: %v", remaining),
			nil,
		).WithContext("units", remaining)
	}

	return ordered, nil
}

// collectClosure gathers the transitive dependency set of all targets using an
// iterative traversal.
func collectClosure(targets []string, reg *registry.Registry) (map[string]struct{}, error) {
	closure := make(map[string]struct{})
	stack := make([]string, 0, len(targets))

	for _, target := range targets {
		if _, ok := reg.Lookup(target); !ok {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("unit '%s' is not registered", target),
				nil,
			).WithContext("unit", target)
		}
		stack = append(stack, target)
	}

	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, seen := closure[name]; seen {
			continue
		}
		closure[name] = struct{}{}

		unit, _ := reg.Lookup(name)
		stack = append(stack, unit.Dependencies...)
	}

	return closure, nil
}

func sortByRank(names []string, reg *registry.Registry) {
	sort.Slice(names, func(i, j int) bool {
		a, _ := reg.Lookup(names[i])
		b, _ := reg.Lookup(names[j])
		if a.StartupRank != b.StartupRank {
			return a.StartupRank < b.StartupRank
		}
		return a.Name < b.Name
	})
}
