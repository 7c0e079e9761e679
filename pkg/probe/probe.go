package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/ops-tools/stackmedic/pkg/logging"
	"github.com/ops-tools/stackmedic/pkg/registry"
	"github.com/ops-tools/stackmedic/pkg/runtime"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthStatus is the tri-state result of a single probe. Computed fresh on
// every check, never cached across reconciliation passes.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"

	// StatusNotFound means the runtime has no container for the unit at all.
	// The executor treats this as "needs a full start", not a transient failure.
	StatusNotFound HealthStatus = "not_found"
)

// Prober performs one bounded health check against a unit. Retry policy
// belongs exclusively to the recovery executor, never here.
type Prober interface {
	Check(ctx context.Context, unit registry.UnitDefinition) (HealthStatus, string)
}

type prober struct {
	runtime runtime.ContainerRuntime
	logger  logging.Logger
}

// NewProber creates a prober that consults the container runtime first and
// then runs the unit's configured liveness probe.
func NewProber(containerRuntime runtime.ContainerRuntime, logger logging.Logger) Prober {
	return &prober{
		runtime: containerRuntime,
		logger:  logger,
	}
}

// Check issues a single health check bounded by the unit's probe timeout.
// A timeout is reported as unhealthy; the caller is never blocked past it.
func (p *prober) Check(ctx context.Context, unit registry.UnitDefinition) (HealthStatus, string) {
	timeout := unit.Probe.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.logger.Debugf("Probing unit, unit: %s, type: %s, timeout: %v", unit.Name, unit.Probe.Type, timeout)

	inspect, err := p.runtime.Inspect(ctx, unit.Name)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("Runtime inspect failed: %v", err)
	}
	if !inspect.Exists {
		return StatusNotFound, "Container not found in runtime"
	}
	if !inspect.Running {
		return StatusUnhealthy, "Container is not running"
	}
	if inspect.Health == "unhealthy" {
		return StatusUnhealthy, "Runtime reports container unhealthy"
	}

	var healthy bool
	var message string

	switch unit.Probe.Type {
	case registry.ProbeTypeContainer:
		healthy, message = true, fmt.Sprintf("Container is running, runtime health: %s", inspect.Health)
	case registry.ProbeTypeHTTP:
		healthy, message = p.checkHTTP(ctx, unit.Probe.HTTP)
	case registry.ProbeTypeGRPC:
		healthy, message = p.checkGRPC(ctx, unit.Probe.GRPC)
	case registry.ProbeTypeTCP:
		healthy, message = p.checkTCP(ctx, unit.Probe.TCP)
	case registry.ProbeTypeExec:
		healthy, message = p.checkExec(ctx, unit.Probe.Exec, timeout)
	default:
		healthy = false
		message = "Unknown probe type: " + string(unit.Probe.Type)
		p.logger.Errorf("Unknown probe type, unit: %s, type: %s", unit.Name, unit.Probe.Type)
	}

	if !healthy {
		return StatusUnhealthy, message
	}
	return StatusHealthy, message
}

func (p *prober) checkHTTP(ctx context.Context, config registry.HTTPProbeConfig) (bool, string) {
	method := config.Method
	if method == "" {
		method = "GET"
	}

	req, err := http.NewRequestWithContext(ctx, method, config.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("Failed to create HTTP request: %v", err)
	}

	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	// 2xx status codes are healthy
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP probe passed: %d %s", resp.StatusCode, resp.Status)
	}

	return false, fmt.Sprintf("HTTP probe failed: %d %s", resp.StatusCode, resp.Status)
}

func (p *prober) checkGRPC(ctx context.Context, config registry.GRPCProbeConfig) (bool, string) {
	conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Sprintf("gRPC client creation failed: %v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: config.Service})
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Sprintf("gRPC health check reports %s", resp.GetStatus())
	}

	return true, fmt.Sprintf("gRPC health check passed for %s", config.Address)
}

func (p *prober) checkTCP(ctx context.Context, config registry.TCPProbeConfig) (bool, string) {
	address := fmt.Sprintf("%s:%d", config.Address, config.Port)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	defer conn.Close()

	return true, fmt.Sprintf("TCP connection successful to %s", address)
}

func (p *prober) checkExec(ctx context.Context, config registry.ExecProbeConfig, timeout time.Duration) (bool, string) {
	cmd := exec.CommandContext(ctx, config.Command, config.Args...)

	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("Exec probe timed out after %v", timeout)
	}

	if err != nil {
		return false, fmt.Sprintf("Exec probe failed: %v, output: %s", err, string(output))
	}

	return true, fmt.Sprintf("Exec probe passed, output: %s", string(output))
}
