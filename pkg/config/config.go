package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ops-tools/stackmedic/pkg/errors"
	"github.com/ops-tools/stackmedic/pkg/logging"
	"github.com/ops-tools/stackmedic/pkg/recovery"
	"github.com/ops-tools/stackmedic/pkg/registry"
	"github.com/ops-tools/stackmedic/pkg/runtime"

	"gopkg.in/yaml.v3"
)

// AppConfig represents the top-level configuration file structure shared by
// the CLI and the monitor daemon.
type AppConfig struct {
	Logging  logging.ZapConfig         `yaml:"logging,omitempty"`
	Runtime  RuntimeConfig             `yaml:"runtime,omitempty"`
	Policy   recovery.Policy           `yaml:"policy,omitempty"`
	Evidence EvidenceConfig            `yaml:"evidence,omitempty"`
	Monitor  MonitorConfig             `yaml:"monitor,omitempty"`
	Units    []registry.UnitDefinition `yaml:"units"`
}

// RuntimeConfig selects the docker compose stack the orchestrator acts on.
type RuntimeConfig struct {
	ComposeFile string `yaml:"compose_file,omitempty"`
	Project     string `yaml:"project,omitempty"`
}

// EvidenceConfig points at the append-only evidence file. Empty path disables
// evidence recording.
type EvidenceConfig struct {
	Path string `yaml:"path,omitempty"`
}

// MonitorConfig configures the periodic reconciliation daemon.
type MonitorConfig struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	AutoRecover *bool         `yaml:"auto_recover,omitempty"` // Pointer to distinguish unset from false

	// MetricsListen is the address of the Prometheus /metrics endpoint.
	// Empty disables the endpoint.
	MetricsListen string `yaml:"metrics_listen,omitempty"`
}

// LoadFromFile loads application configuration from a YAML file.
func LoadFromFile(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewConfigError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

// Validate validates the entire configuration structure. Unit definitions are
// validated separately when the registry is built.
func Validate(config *AppConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := recovery.ValidatePolicy(config.Policy); err != nil {
		return errors.NewValidationError("invalid recovery policy", err)
	}

	if config.Monitor.Interval <= 0 {
		return errors.NewValidationError(
			fmt.Sprintf("monitor interval must be positive, got %v", config.Monitor.Interval), nil)
	}

	if len(config.Units) == 0 {
		return errors.NewConfigError("configuration declares no units", nil)
	}

	return nil
}

// BuildRegistry builds the validated unit registry from the configuration.
func (c *AppConfig) BuildRegistry() (*registry.Registry, error) {
	return registry.Load(c.Units)
}

// RuntimeOptions derives docker CLI options from the configuration, mapping
// unit names to their container names for inspect queries.
func (c *AppConfig) RuntimeOptions() runtime.DockerCLIOptions {
	containerNames := make(map[string]string, len(c.Units))
	for _, unit := range c.Units {
		if unit.Container != "" && unit.Container != unit.Name {
			containerNames[unit.Name] = unit.Container
		}
	}
	return runtime.DockerCLIOptions{
		ComposeFile:    c.Runtime.ComposeFile,
		Project:        c.Runtime.Project,
		ContainerNames: containerNames,
	}
}

// AutoRecoverEnabled reports the effective monitor auto-recover setting.
func (c *AppConfig) AutoRecoverEnabled() bool {
	return c.Monitor.AutoRecover == nil || *c.Monitor.AutoRecover
}

// setConfigDefaults applies default values to configuration
func setConfigDefaults(config *AppConfig) {
	if config.Logging.Level == "" {
		config.Logging = logging.DefaultZapConfig()
	}

	recovery.SetPolicyDefaults(&config.Policy)

	if config.Monitor.Interval == 0 {
		config.Monitor.Interval = 30 * time.Second
	}
	if config.Monitor.AutoRecover == nil {
		autoRecover := true
		config.Monitor.AutoRecover = &autoRecover
	}
}
