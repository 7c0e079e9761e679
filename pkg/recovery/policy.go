package recovery

import (
	"fmt"
	"time"

	"github.com/ops-tools/stackmedic/pkg/errors"
)

// Policy bounds a recovery pass: attempt budgets, timeouts and cascade
// behavior. Zero values are filled in by SetPolicyDefaults.
type Policy struct {
	// MaxAttempts is the stop/start budget per unit per session.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// AttemptTimeout bounds one stop/remove/start/poll cycle.
	AttemptTimeout time.Duration `yaml:"attempt_timeout,omitempty"`

	// PollInterval is the delay between health probes after a start.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// StopTimeout bounds the graceful stop before the runtime force-stops.
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	// RetryDelay is the base delay between attempts; BackoffRate is the
	// exponential multiplier applied to it on every retry.
	RetryDelay  time.Duration `yaml:"retry_delay,omitempty"`
	BackoffRate float64       `yaml:"backoff_rate,omitempty"`

	// Cascade expands the recovery set to include unhealthy dependencies of
	// requested units. With cascade off, units behind an unhealthy dependency
	// are skipped rather than attempted.
	Cascade *bool `yaml:"cascade,omitempty"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	policy := Policy{}
	SetPolicyDefaults(&policy)
	return policy
}

// SetPolicyDefaults fills unset policy fields.
func SetPolicyDefaults(policy *Policy) {
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 3
	}
	if policy.AttemptTimeout == 0 {
		policy.AttemptTimeout = 60 * time.Second
	}
	if policy.PollInterval == 0 {
		policy.PollInterval = 2 * time.Second
	}
	if policy.StopTimeout == 0 {
		policy.StopTimeout = 30 * time.Second
	}
	if policy.RetryDelay == 0 {
		policy.RetryDelay = 5 * time.Second
	}
	if policy.BackoffRate == 0 {
		policy.BackoffRate = 1.5
	}
	if policy.Cascade == nil {
		cascade := true
		policy.Cascade = &cascade
	}
}

// ValidatePolicy rejects self-contradictory policies before a pass starts.
func ValidatePolicy(policy Policy) error {
	if policy.MaxAttempts < 1 {
		return errors.NewValidationError(
			fmt.Sprintf("max_attempts must be at least 1, got %d", policy.MaxAttempts), nil)
	}
	if policy.AttemptTimeout <= 0 {
		return errors.NewValidationError("attempt_timeout must be positive", nil)
	}
	if policy.PollInterval <= 0 {
		return errors.NewValidationError("poll_interval must be positive", nil)
	}
	if policy.PollInterval >= policy.AttemptTimeout {
		return errors.NewValidationError(
			fmt.Sprintf("poll_interval (%v) must be shorter than attempt_timeout (%v)",
				policy.PollInterval, policy.AttemptTimeout), nil)
	}
	if policy.StopTimeout <= 0 {
		return errors.NewValidationError("stop_timeout must be positive", nil)
	}
	if policy.BackoffRate < 1.0 {
		return errors.NewValidationError(
			fmt.Sprintf("backoff_rate must be at least 1.0, got %v", policy.BackoffRate), nil)
	}
	return nil
}

// CascadeEnabled reports the effective cascade setting.
func (p Policy) CascadeEnabled() bool {
	return p.Cascade == nil || *p.Cascade
}
