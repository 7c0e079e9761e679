package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ops-tools/stackmedic/pkg/errors"
	"github.com/ops-tools/stackmedic/pkg/logging"
)

// DockerCLIOptions configures the docker-compose backed runtime.
type DockerCLIOptions struct {
	// ComposeFile is passed as `-f` to docker compose when set.
	ComposeFile string

	// Project is passed as `-p` to docker compose when set.
	Project string

	// ContainerNames maps unit names to container names for inspect queries.
	// Units absent from the map are inspected under their own name.
	ContainerNames map[string]string
}

// dockerCLI shells out to the docker binary: compose verbs for lifecycle
// (so a removed container is recreated on start) and plain inspect for state.
type dockerCLI struct {
	options DockerCLIOptions
	logger  logging.Logger
}

// NewDockerCLI creates a ContainerRuntime backed by the docker CLI.
func NewDockerCLI(options DockerCLIOptions, logger logging.Logger) ContainerRuntime {
	return &dockerCLI{
		options: options,
		logger:  logger,
	}
}

func (d *dockerCLI) Ping(ctx context.Context) error {
	_, stderr, err := d.run(ctx, "docker", "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		return errors.NewRuntimeError("container runtime is unreachable", err).WithContext("stderr", stderr)
	}
	return nil
}

func (d *dockerCLI) Inspect(ctx context.Context, name string) (InspectResult, error) {
	container := d.containerName(name)

	stdout, stderr, err := d.run(ctx, "docker", "inspect", "--format",
		"{{.State.Running}}|{{if .State.Health}}{{.State.Health.Status}}{{else}}none{{end}}", container)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return InspectResult{Exists: false}, nil
		}
		return InspectResult{}, errors.NewRuntimeError("failed to inspect container", err).
			WithContext("unit", name).WithContext("container", container).WithContext("stderr", stderr)
	}

	return parseInspectOutput(stdout)
}

func (d *dockerCLI) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	d.logger.Debugf("Stopping container, unit: %s, timeout: %ds", name, seconds)

	_, stderr, err := d.run(ctx, "docker", d.composeArgs("stop", "-t", strconv.Itoa(seconds), name)...)
	if err != nil {
		return errors.NewRuntimeError("failed to stop container", err).
			WithContext("unit", name).WithContext("stderr", stderr)
	}
	return nil
}

func (d *dockerCLI) Remove(ctx context.Context, name string) error {
	d.logger.Debugf("Removing container, unit: %s", name)

	_, stderr, err := d.run(ctx, "docker", d.composeArgs("rm", "-f", name)...)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return nil
		}
		return errors.NewRuntimeError("failed to remove container", err).
			WithContext("unit", name).WithContext("stderr", stderr)
	}
	return nil
}

func (d *dockerCLI) Start(ctx context.Context, name string) error {
	d.logger.Debugf("Starting container, unit: %s", name)

	// --no-deps: dependency ordering is the controller's job, compose must
	// not start units behind the orchestrator's back
	_, stderr, err := d.run(ctx, "docker", d.composeArgs("up", "-d", "--no-deps", name)...)
	if err != nil {
		return errors.NewRuntimeError("failed to start container", err).
			WithContext("unit", name).WithContext("stderr", stderr)
	}
	return nil
}

func (d *dockerCLI) containerName(name string) string {
	if container, ok := d.options.ContainerNames[name]; ok && container != "" {
		return container
	}
	return name
}

func (d *dockerCLI) composeArgs(args ...string) []string {
	composed := []string{"compose"}
	if d.options.ComposeFile != "" {
		composed = append(composed, "-f", d.options.ComposeFile)
	}
	if d.options.Project != "" {
		composed = append(composed, "-p", d.options.Project)
	}
	return append(composed, args...)
}

func (d *dockerCLI) run(ctx context.Context, command string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(),
			errors.NewTimeoutError(fmt.Sprintf("command timed out: %s %s", command, strings.Join(args, " ")), ctx.Err())
	}

	return stdout.String(), stderr.String(), err
}

// parseInspectOutput parses "running|health" as emitted by the inspect format.
func parseInspectOutput(output string) (InspectResult, error) {
	trimmed := strings.TrimSpace(output)
	parts := strings.SplitN(trimmed, "|", 2)
	if len(parts) != 2 {
		return InspectResult{}, errors.NewRuntimeError(
			fmt.Sprintf("unexpected inspect output: %q", trimmed), nil)
	}

	running, err := strconv.ParseBool(parts[0])
	if err != nil {
		return InspectResult{}, errors.NewRuntimeError(
			fmt.Sprintf("unexpected inspect running state: %q", parts[0]), err)
	}

	return InspectResult{
		Exists:  true,
		Running: running,
		Health:  parts[1],
	}, nil
}

func isNoSuchContainer(stderr string) bool {
	lowered := strings.ToLower(stderr)
	return strings.Contains(lowered, "no such container") ||
		strings.Contains(lowered, "no such object") ||
		strings.Contains(lowered, "no such service")
}
