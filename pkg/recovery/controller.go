package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/ops-tools/stackmedic/pkg/errors"
	"github.com/ops-tools/stackmedic/pkg/evidence"
	"github.com/ops-tools/stackmedic/pkg/logging"
	"github.com/ops-tools/stackmedic/pkg/metrics"
	"github.com/ops-tools/stackmedic/pkg/probe"
	"github.com/ops-tools/stackmedic/pkg/registry"
	"github.com/ops-tools/stackmedic/pkg/resolver"
	"github.com/ops-tools/stackmedic/pkg/runtime"
)

// Controller drives reconciliation passes: it probes units, expands the
// unhealthy set along the dependency graph, and hands units to the executor
// in dependency order.
type Controller struct {
	registry *registry.Registry
	runtime  runtime.ContainerRuntime
	prober   probe.Prober
	executor Executor
	policy   Policy
	sink     evidence.Sink
	metrics  *metrics.Metrics
	logger   logging.Logger
}

// NewController wires a controller over a loaded registry.
func NewController(
	reg *registry.Registry,
	containerRuntime runtime.ContainerRuntime,
	prober probe.Prober,
	executor Executor,
	policy Policy,
	sink evidence.Sink,
	m *metrics.Metrics,
	logger logging.Logger,
) (*Controller, error) {
	SetPolicyDefaults(&policy)
	if err := ValidatePolicy(policy); err != nil {
		return nil, err
	}
	return &Controller{
		registry: reg,
		runtime:  containerRuntime,
		prober:   prober,
		executor: executor,
		policy:   policy,
		sink:     sink,
		metrics:  m,
		logger:   logger,
	}, nil
}

// CheckAll probes every unit in scope (the whole registry when scope is
// empty) with no side effects. Statuses are computed fresh, never cached.
func (c *Controller) CheckAll(ctx context.Context, scope []string) (map[string]probe.HealthStatus, error) {
	if err := c.runtime.Ping(ctx); err != nil {
		return nil, err
	}

	if len(scope) == 0 {
		scope = c.registry.Names()
	}

	statuses := make(map[string]probe.HealthStatus, len(scope))
	for _, name := range scope {
		unit, ok := c.registry.Lookup(name)
		if !ok {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("unit '%s' is not registered", name), nil).WithContext("unit", name)
		}
		status, _ := c.prober.Check(ctx, unit)
		c.metrics.ObserveProbe(string(status))
		statuses[name] = status
	}
	return statuses, nil
}

// ReconcileOnce runs one complete evaluation-and-recovery cycle over scope
// (the whole registry when scope is empty). Per-unit failures are captured in
// the session and never abort the batch; only a configuration problem or an
// unreachable runtime does.
func (c *Controller) ReconcileOnce(ctx context.Context, scope []string) (*RecoverySession, error) {
	if err := c.runtime.Ping(ctx); err != nil {
		return nil, err
	}

	if len(scope) == 0 {
		scope = c.registry.Names()
	}

	session := newSession()
	c.logger.Infof("Reconciliation pass started, session: %s, scope: %d units", session.ID, len(scope))

	statuses := make(map[string]probe.HealthStatus, len(scope))
	unhealthy := make([]string, 0, len(scope))
	for _, name := range scope {
		unit, ok := c.registry.Lookup(name)
		if !ok {
			return nil, errors.NewNotFoundError(
				fmt.Sprintf("unit '%s' is not registered", name), nil).WithContext("unit", name)
		}

		status, message := c.prober.Check(ctx, unit)
		statuses[name] = status
		c.metrics.ObserveProbe(string(status))
		c.sink.RecordCheck(session.ID, name, string(status), message)

		if status != probe.StatusHealthy {
			unhealthy = append(unhealthy, name)
		}
	}

	c.metrics.ObservePass(len(unhealthy))

	// All healthy: an empty session, zero stop/start calls
	if len(unhealthy) == 0 {
		c.logger.Infof("All units healthy, session: %s", session.ID)
		session.finalize()
		c.sink.RecordSummary(session.ID, evidence.SummaryCounts{})
		return session, nil
	}

	c.logger.Warnf("Unhealthy units detected, session: %s, units: %v", session.ID, unhealthy)

	// The batch order always spans the full dependency closure of the
	// unhealthy set; cascade only decides whether closure units outside the
	// original set are recovered or merely block their dependents.
	order, err := resolver.OrderForBatch(unhealthy, c.registry)
	if err != nil {
		return nil, err
	}

	// Closure units outside the scanned scope have not been probed yet
	for _, name := range order {
		if _, probed := statuses[name]; probed {
			continue
		}
		unit, _ := c.registry.Lookup(name)
		status, message := c.prober.Check(ctx, unit)
		statuses[name] = status
		c.metrics.ObserveProbe(string(status))
		c.sink.RecordCheck(session.ID, name, string(status), message)
	}

	requested := make(map[string]bool, len(unhealthy))
	for _, name := range unhealthy {
		requested[name] = true
	}
	cascade := c.policy.CascadeEnabled()

	outcomes := make(map[string]Outcome, len(order))
	for _, name := range order {
		if statuses[name] == probe.StatusHealthy {
			continue
		}
		if !cascade && !requested[name] {
			// Unhealthy dependency outside the requested set: left alone,
			// dependents will be skipped below
			c.logger.Warnf("Dependency unhealthy but cascade disabled, session: %s, unit: %s", session.ID, name)
			continue
		}

		unit, _ := c.registry.Lookup(name)

		if reason, blocked := c.dependencyBlockReason(unit, statuses, outcomes); blocked {
			attempt := skippedAttempt(name, reason)
			session.add(attempt)
			outcomes[name] = OutcomeSkipped
			c.sink.RecordAttempt(session.ID, evidence.AttemptRecord{
				Unit:       name,
				Outcome:    string(OutcomeSkipped),
				Reason:     reason,
				StartedAt:  attempt.StartedAt,
				FinishedAt: attempt.FinishedAt,
			})
			c.metrics.ObserveAttempt(name, string(OutcomeSkipped), 0)
			c.logger.Warnf("Skipping unit, session: %s, unit: %s, reason: %s", session.ID, name, reason)
			continue
		}

		attempt := c.executor.Recover(ctx, session.ID, unit)
		session.add(attempt)
		outcomes[name] = attempt.Outcome
	}

	session.finalize()
	c.sink.RecordSummary(session.ID, evidence.SummaryCounts{
		Recovered: session.Summary.Recovered,
		Failed:    session.Summary.Failed,
		Skipped:   session.Summary.Skipped,
		Total:     session.Summary.Total,
	})

	c.logger.Infof("Reconciliation pass finished, session: %s, recovered: %d, failed: %d, skipped: %d",
		session.ID, session.Summary.Recovered, session.Summary.Failed, session.Summary.Skipped)
	return session, nil
}

// dependencyBlockReason decides whether a unit may be attempted: every
// dependency must either be healthy already or have ended recovered in this
// session. A failed dependency must not abort the whole batch, so the unit is
// skipped and independent subtrees still proceed.
func (c *Controller) dependencyBlockReason(
	unit registry.UnitDefinition,
	statuses map[string]probe.HealthStatus,
	outcomes map[string]Outcome,
) (string, bool) {
	for _, dep := range unit.Dependencies {
		if statuses[dep] == probe.StatusHealthy {
			continue
		}
		switch outcomes[dep] {
		case OutcomeRecovered:
			continue
		case OutcomeFailed, OutcomeSkipped:
			return SkipReasonDependencyFailed, true
		default:
			// Unhealthy but never attempted (cascade disabled)
			return SkipReasonDependencyUnhealthy, true
		}
	}
	return "", false
}

func skippedAttempt(name, reason string) RecoveryAttempt {
	now := time.Now()
	return RecoveryAttempt{
		Unit:       name,
		Attempts:   0,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    OutcomeSkipped,
		Reason:     reason,
	}
}

// Monitor runs ReconcileOnce on a fixed tick until ctx is cancelled. Each
// tick is fully independent; cancellation takes effect between ticks and a
// running tick finishes against its own timeouts.
func (c *Controller) Monitor(ctx context.Context, interval time.Duration, autoRecover bool) error {
	if interval <= 0 {
		return errors.NewValidationError("monitor interval must be positive", nil)
	}

	c.logger.Infof("Monitor started, interval: %v, auto_recover: %t", interval, autoRecover)

	for {
		// The tick must not be torn down mid-flight by monitor cancellation;
		// in-flight executor calls run to their own timeouts
		tickCtx := context.WithoutCancel(ctx)

		if autoRecover {
			session, err := c.ReconcileOnce(tickCtx, nil)
			if err != nil {
				c.logger.Errorf("Reconciliation tick failed: %v", err)
			} else if !session.Empty() {
				c.logger.Infof("Reconciliation tick complete, session: %s, recovered: %d, failed: %d, skipped: %d",
					session.ID, session.Summary.Recovered, session.Summary.Failed, session.Summary.Skipped)
			}
		} else {
			statuses, err := c.CheckAll(tickCtx, nil)
			if err != nil {
				c.logger.Errorf("Health check tick failed: %v", err)
			} else {
				for name, status := range statuses {
					if status != probe.StatusHealthy {
						c.logger.Warnf("Unit unhealthy, unit: %s, status: %s", name, status)
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			c.logger.Infof("Monitor stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// FullRestart stops all units in reverse dependency order, waits for complete
// shutdown, then starts them in forward dependency order, polling each unit
// healthy before its dependents are started. Fails fast naming the unit that
// blocked the sequence.
func (c *Controller) FullRestart(ctx context.Context) error {
	if err := c.runtime.Ping(ctx); err != nil {
		return err
	}

	order, err := resolver.OrderForBatch(c.registry.Names(), c.registry)
	if err != nil {
		return err
	}

	session := newSession()
	c.logger.Infof("Full restart started, session: %s, units: %d", session.ID, len(order))

	// Stop phase: dependents go down before their dependencies
	stopErrors := errors.NewErrorCollection()
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		inspect, err := c.runtime.Inspect(ctx, name)
		if err != nil {
			return errors.NewRuntimeError(
				fmt.Sprintf("full restart blocked at unit '%s' during stop", name), err).WithContext("unit", name)
		}
		if !inspect.Exists || !inspect.Running {
			continue
		}

		c.sink.RecordAction(session.ID, name, "stop", "full restart")
		if err := c.runtime.Stop(ctx, name, c.policy.StopTimeout); err != nil {
			stopErrors.Add(errors.NewRuntimeError(
				fmt.Sprintf("failed to stop unit '%s'", name), err).WithContext("unit", name))
		}
	}
	if stopErrors.HasErrors() {
		return errors.NewRuntimeError("full restart aborted: shutdown incomplete", stopErrors.ToError())
	}

	c.logger.Infof("All units stopped, session: %s, starting in dependency order", session.ID)

	// Start phase: each unit must be healthy before its dependents start
	for _, name := range order {
		unit, _ := c.registry.Lookup(name)

		c.sink.RecordAction(session.ID, name, "start", "full restart")
		if err := c.runtime.Start(ctx, name); err != nil {
			return errors.NewRuntimeError(
				fmt.Sprintf("full restart blocked at unit '%s' during start", name), err).WithContext("unit", name)
		}

		if healthy, message := c.waitHealthy(ctx, session.ID, unit); !healthy {
			return errors.NewTimeoutError(
				fmt.Sprintf("full restart blocked at unit '%s': %s", name, message), nil).WithContext("unit", name)
		}
		c.logger.Infof("Unit started, session: %s, unit: %s", session.ID, name)
	}

	c.logger.Infof("Full restart complete, session: %s", session.ID)
	return nil
}

func (c *Controller) waitHealthy(ctx context.Context, sessionID string, unit registry.UnitDefinition) (bool, string) {
	waitCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.policy.PollInterval)
	defer ticker.Stop()

	var lastMessage string
	for {
		status, message := c.prober.Check(waitCtx, unit)
		lastMessage = message
		c.metrics.ObserveProbe(string(status))
		c.sink.RecordCheck(sessionID, unit.Name, string(status), message)

		if status == probe.StatusHealthy {
			return true, message
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return false, fmt.Sprintf("did not become healthy within %v, last probe: %s", c.policy.AttemptTimeout, lastMessage)
		}
	}
}
