package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ops-tools/stackmedic/pkg/evidence"
	"github.com/ops-tools/stackmedic/pkg/logging"
	"github.com/ops-tools/stackmedic/pkg/metrics"
	"github.com/ops-tools/stackmedic/pkg/probe"
	"github.com/ops-tools/stackmedic/pkg/registry"
	"github.com/ops-tools/stackmedic/pkg/runtime"

	"github.com/cenkalti/backoff/v4"
)

// Executor recovers a single unit through bounded stop/remove/start/poll
// cycles. Side effects are strictly scoped to the named unit; dependency
// handling is the controller's job.
type Executor interface {
	Recover(ctx context.Context, sessionID string, unit registry.UnitDefinition) RecoveryAttempt
}

type executor struct {
	runtime runtime.ContainerRuntime
	prober  probe.Prober
	policy  Policy
	sink    evidence.Sink
	metrics *metrics.Metrics
	logger  logging.Logger
	locks   unitLocks
}

// NewExecutor creates a recovery executor. The sink receives every action and
// probe performed on the way; metrics may be nil.
func NewExecutor(
	containerRuntime runtime.ContainerRuntime,
	prober probe.Prober,
	policy Policy,
	sink evidence.Sink,
	m *metrics.Metrics,
	logger logging.Logger,
) Executor {
	SetPolicyDefaults(&policy)
	return &executor{
		runtime: containerRuntime,
		prober:  prober,
		policy:  policy,
		sink:    sink,
		metrics: m,
		logger:  logger,
	}
}

// Recover runs up to MaxAttempts stop/start cycles against the unit, polling
// until healthy or the attempt timeout elapses. At most one recovery per unit
// name runs at a time; concurrent passes queue on the per-unit lock.
func (e *executor) Recover(ctx context.Context, sessionID string, unit registry.UnitDefinition) RecoveryAttempt {
	unlock := e.locks.acquire(unit.Name)
	defer unlock()

	attempt := RecoveryAttempt{
		Unit:      unit.Name,
		StartedAt: time.Now(),
	}

	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.InitialInterval = e.policy.RetryDelay
	retryBackoff.Multiplier = e.policy.BackoffRate
	retryBackoff.RandomizationFactor = 0
	retryBackoff.MaxElapsedTime = 0
	retryBackoff.Reset()

	for attemptNumber := 1; ; attemptNumber++ {
		attempt.Attempts = attemptNumber

		healthy, reason := e.runAttempt(ctx, sessionID, unit, attemptNumber)
		if healthy {
			attempt.Outcome = OutcomeRecovered
			attempt.Reason = ""
			break
		}
		attempt.Reason = reason

		if ctx.Err() != nil {
			attempt.Outcome = OutcomeFailed
			attempt.Reason = fmt.Sprintf("recovery cancelled: %v", ctx.Err())
			break
		}

		if attemptNumber >= e.policy.MaxAttempts {
			attempt.Outcome = OutcomeFailed
			e.logger.Errorf("Recovery attempt budget exhausted, unit: %s, attempts: %d, reason: %s",
				unit.Name, attemptNumber, reason)
			break
		}

		delay := retryBackoff.NextBackOff()
		e.logger.Warnf("Recovery attempt failed, unit: %s, attempt: %d/%d, retrying in %v, reason: %s",
			unit.Name, attemptNumber, e.policy.MaxAttempts, delay, reason)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			attempt.Outcome = OutcomeFailed
			attempt.Reason = fmt.Sprintf("recovery cancelled: %v", ctx.Err())
		}
		if attempt.Outcome == OutcomeFailed {
			break
		}
	}

	attempt.FinishedAt = time.Now()

	e.sink.RecordAttempt(sessionID, evidence.AttemptRecord{
		Unit:       attempt.Unit,
		Attempt:    attempt.Attempts,
		Outcome:    string(attempt.Outcome),
		Reason:     attempt.Reason,
		StartedAt:  attempt.StartedAt,
		FinishedAt: attempt.FinishedAt,
	})
	e.metrics.ObserveAttempt(attempt.Unit, string(attempt.Outcome), attempt.FinishedAt.Sub(attempt.StartedAt))

	if attempt.Outcome == OutcomeRecovered {
		e.logger.Infof("Unit recovered, unit: %s, attempts: %d", unit.Name, attempt.Attempts)
	}
	return attempt
}

// runAttempt performs one full cycle: graceful stop (skipped when the
// container is absent), idempotent remove, start, then poll until healthy or
// the attempt timeout elapses.
func (e *executor) runAttempt(ctx context.Context, sessionID string, unit registry.UnitDefinition, attemptNumber int) (bool, string) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()

	e.logger.Infof("Starting recovery attempt, unit: %s, attempt: %d/%d",
		unit.Name, attemptNumber, e.policy.MaxAttempts)

	inspect, err := e.runtime.Inspect(attemptCtx, unit.Name)
	if err != nil {
		return false, fmt.Sprintf("inspect failed: %v", err)
	}

	if inspect.Exists {
		e.sink.RecordAction(sessionID, unit.Name, "stop", fmt.Sprintf("graceful stop, timeout: %v", e.policy.StopTimeout))
		if err := e.runtime.Stop(attemptCtx, unit.Name, e.policy.StopTimeout); err != nil {
			return false, fmt.Sprintf("stop failed: %v", err)
		}

		// Clean slate for the start; removing an absent instance is a no-op
		e.sink.RecordAction(sessionID, unit.Name, "remove", "removing stale instance")
		if err := e.runtime.Remove(attemptCtx, unit.Name); err != nil {
			return false, fmt.Sprintf("remove failed: %v", err)
		}
	} else {
		e.logger.Infof("Container not found, performing full start, unit: %s", unit.Name)
	}

	e.sink.RecordAction(sessionID, unit.Name, "start", "")
	if err := e.runtime.Start(attemptCtx, unit.Name); err != nil {
		return false, fmt.Sprintf("start failed: %v", err)
	}

	return e.pollUntilHealthy(attemptCtx, sessionID, unit)
}

func (e *executor) pollUntilHealthy(ctx context.Context, sessionID string, unit registry.UnitDefinition) (bool, string) {
	ticker := time.NewTicker(e.policy.PollInterval)
	defer ticker.Stop()

	var lastMessage string
	for {
		status, message := e.prober.Check(ctx, unit)
		lastMessage = message
		e.metrics.ObserveProbe(string(status))
		e.sink.RecordCheck(sessionID, unit.Name, string(status), message)

		if status == probe.StatusHealthy {
			return true, message
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false, fmt.Sprintf("unit did not become healthy within attempt timeout, last probe: %s", lastMessage)
		}
	}
}

// unitLocks provides per-unit mutual exclusion keyed by unit name.
type unitLocks struct {
	mutex sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *unitLocks) acquire(name string) func() {
	l.mutex.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	lock, exists := l.locks[name]
	if !exists {
		lock = &sync.Mutex{}
		l.locks[name] = lock
	}
	l.mutex.Unlock()

	lock.Lock()
	return lock.Unlock
}
