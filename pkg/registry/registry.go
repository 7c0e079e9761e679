package registry

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ops-tools/stackmedic/pkg/errors"

	"gopkg.in/yaml.v3"
)

// ProbeType selects how a unit's liveness is verified beyond the container
// runtime's own view.
type ProbeType string

const (
	ProbeTypeHTTP ProbeType = "http"
	ProbeTypeGRPC ProbeType = "grpc"
	ProbeTypeTCP  ProbeType = "tcp"
	ProbeTypeExec ProbeType = "exec"

	// ProbeTypeContainer relies on the runtime inspect result alone.
	ProbeTypeContainer ProbeType = "container"
)

type HTTPProbeConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type GRPCProbeConfig struct {
	Address string `yaml:"address"`
	Service string `yaml:"service,omitempty"`
}

type TCPProbeConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type ExecProbeConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type ProbeConfig struct {
	Type ProbeType `yaml:"type"`

	// HTTP probe
	HTTP HTTPProbeConfig `yaml:"http,omitempty"`

	// GRPC probe
	GRPC GRPCProbeConfig `yaml:"grpc,omitempty"`

	// TCP probe
	TCP TCPProbeConfig `yaml:"tcp,omitempty"`

	// Exec probe
	Exec ExecProbeConfig `yaml:"exec,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// UnitDefinition declares one deployable unit. Immutable after load; the
// dependency relation over all units must be acyclic.
type UnitDefinition struct {
	Name         string      `yaml:"name"`
	Container    string      `yaml:"container,omitempty"` // defaults to Name
	Dependencies []string    `yaml:"dependencies,omitempty"`
	StartupRank  int         `yaml:"startup_rank,omitempty"`
	Probe        ProbeConfig `yaml:"probe,omitempty"`
}

// RegistryFile is the top-level YAML structure of a unit declaration file.
type RegistryFile struct {
	Units []UnitDefinition `yaml:"units"`
}

// Registry is the read-only unit map shared by all components after load.
type Registry struct {
	units map[string]UnitDefinition
}

// LoadFromFile loads and validates a unit registry from a YAML file.
func LoadFromFile(filename string) (*Registry, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read registry file", err).WithContext("filename", filename)
	}

	var file RegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.NewConfigError("failed to parse YAML registry", err).WithContext("filename", filename)
	}

	registry, err := Load(file.Units)
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// Load builds a validated registry from unit definitions. Fails with a config
// error on a duplicate name, a dependency referencing an unknown unit, or a
// dependency cycle.
func Load(units []UnitDefinition) (*Registry, error) {
	byName := make(map[string]UnitDefinition, len(units))

	for i, unit := range units {
		if err := ValidateUnitName(unit.Name); err != nil {
			return nil, errors.NewConfigError(
				fmt.Sprintf("invalid unit name at index %d", i),
				err,
			).WithContext("unit", unit.Name)
		}

		if _, exists := byName[unit.Name]; exists {
			return nil, errors.NewConfigError(
				fmt.Sprintf("duplicate unit name '%s'", unit.Name),
				nil,
			).WithContext("unit", unit.Name)
		}

		setUnitDefaults(&unit)
		byName[unit.Name] = unit
	}

	// Dependencies must reference declared units
	for name, unit := range byName {
		seen := make(map[string]bool, len(unit.Dependencies))
		for _, dep := range unit.Dependencies {
			if dep == name {
				return nil, errors.NewConfigError(
					fmt.Sprintf("unit '%s' depends on itself", name),
					nil,
				).WithContext("unit", name)
			}
			if _, exists := byName[dep]; !exists {
				return nil, errors.NewConfigError(
					fmt.Sprintf("unit '%s' depends on unknown unit '%s'", name, dep),
					nil,
				).WithContext("unit", name).WithContext("dependency", dep)
			}
			if seen[dep] {
				return nil, errors.NewConfigError(
					fmt.Sprintf("unit '%s' declares dependency '%s' twice", name, dep),
					nil,
				).WithContext("unit", name).WithContext("dependency", dep)
			}
			seen[dep] = true
		}
	}

	registry := &Registry{units: byName}

	if cycle := registry.findCycle(); cycle != nil {
		return nil, errors.NewConfigError(
			fmt.Sprintf("dependency cycle detected: %v", cycle),
			nil,
		).WithContext("cycle", cycle)
	}

	return registry, nil
}

// Lookup is a pure read of a unit definition.
func (r *Registry) Lookup(name string) (UnitDefinition, bool) {
	unit, ok := r.units[name]
	return unit, ok
}

// Names returns all unit names ordered by startup rank, then by name for
// units of equal rank. The rank mirrors a known-good boot order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.units[names[i]], r.units[names[j]]
		if a.StartupRank != b.StartupRank {
			return a.StartupRank < b.StartupRank
		}
		return a.Name < b.Name
	})
	return names
}

// Len returns the number of registered units.
func (r *Registry) Len() int {
	return len(r.units)
}

// findCycle runs a depth-first traversal with a recursion stack over the
// dependency graph. Returns the cycle path if one exists, nil otherwise.
func (r *Registry) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on recursion stack
		black = 2 // fully explored
	)

	colors := make(map[string]int, len(r.units))
	var cycle []string

	var visit func(name string, stack []string) bool
	visit = func(name string, stack []string) bool {
		colors[name] = grey
		stack = append(stack, name)

		for _, dep := range r.units[name].Dependencies {
			switch colors[dep] {
			case grey:
				// Found the back edge; report the cycle path only
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
				cycle = []string{dep, name, dep}
				return true
			case white:
				if visit(dep, stack) {
					return true
				}
			}
		}

		colors[name] = black
		return false
	}

	// Iterate in sorted order for deterministic cycle reporting
	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if colors[name] == white {
			if visit(name, nil) {
				return cycle
			}
		}
	}
	return nil
}

// ValidateUnitName validates unit name format and constraints
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("unit name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("unit name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

func setUnitDefaults(unit *UnitDefinition) {
	if unit.Container == "" {
		unit.Container = unit.Name
	}
	if unit.Probe.Type == "" {
		unit.Probe.Type = ProbeTypeContainer
	}
	if unit.Probe.Timeout == 0 {
		unit.Probe.Timeout = 5 * time.Second
	}
	if unit.Probe.Type == ProbeTypeHTTP && unit.Probe.HTTP.Method == "" {
		unit.Probe.HTTP.Method = "GET"
	}
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
