package runtime

import (
	"context"
	"time"
)

// InspectResult is the runtime's view of a single container.
type InspectResult struct {
	// Exists reports whether the runtime knows the container at all. A unit
	// whose container is absent needs a full start, not a stop+start cycle.
	Exists bool

	// Running reports whether the container process is up.
	Running bool

	// Health is the runtime-reported health status: "healthy", "unhealthy",
	// "starting", or "none" when the container defines no healthcheck.
	Health string
}

// ContainerRuntime is the narrow interface the orchestrator consumes from the
// container engine. Implementations must bound every call by the supplied
// context; the orchestrator never retries at this layer.
type ContainerRuntime interface {
	// Ping verifies the runtime itself is reachable. A failing ping aborts a
	// whole reconciliation pass rather than marking every unit unhealthy.
	Ping(ctx context.Context) error

	// Inspect reports the current state of a named unit.
	Inspect(ctx context.Context, name string) (InspectResult, error)

	// Stop gracefully stops a unit, forcing termination after timeout.
	Stop(ctx context.Context, name string, timeout time.Duration) error

	// Remove deletes any stale instance of a unit. Removing a non-existent
	// instance is not an error.
	Remove(ctx context.Context, name string) error

	// Start launches a unit, creating its container if absent.
	Start(ctx context.Context, name string) error
}
