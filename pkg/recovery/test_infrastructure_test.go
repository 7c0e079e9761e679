package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/ops-tools/stackmedic/pkg/evidence"
	"github.com/ops-tools/stackmedic/pkg/probe"
	"github.com/ops-tools/stackmedic/pkg/registry"
	"github.com/ops-tools/stackmedic/pkg/runtime"
)

// ===== SHARED TEST INFRASTRUCTURE =====

// SimpleLogger implements a no-op logger for testing
type SimpleLogger struct{}

func (l *SimpleLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *SimpleLogger) Debugf(format string, args ...interface{})               {}
func (l *SimpleLogger) Infof(format string, args ...interface{})                {}
func (l *SimpleLogger) Warnf(format string, args ...interface{})                {}
func (l *SimpleLogger) Errorf(format string, args ...interface{})               {}

// FakeRuntime is a scriptable in-memory container runtime
type FakeRuntime struct {
	mutex   sync.Mutex
	states  map[string]runtime.InspectResult
	pingErr error

	startErr map[string]error
	stopErr  map[string]error

	StopCalls   []string
	RemoveCalls []string
	StartCalls  []string

	// ActivePerUnit tracks concurrently running Start calls per unit, for
	// mutual exclusion assertions
	active        map[string]int
	MaxActiveSeen int
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		states:   make(map[string]runtime.InspectResult),
		startErr: make(map[string]error),
		stopErr:  make(map[string]error),
		active:   make(map[string]int),
	}
}

func (f *FakeRuntime) SetState(name string, state runtime.InspectResult) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.states[name] = state
}

func (f *FakeRuntime) SetPingError(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.pingErr = err
}

func (f *FakeRuntime) SetStartError(name string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.startErr[name] = err
}

func (f *FakeRuntime) Ping(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.pingErr
}

func (f *FakeRuntime) Inspect(ctx context.Context, name string) (runtime.InspectResult, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.states[name], nil
}

func (f *FakeRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.StopCalls = append(f.StopCalls, name)
	if err := f.stopErr[name]; err != nil {
		return err
	}
	state := f.states[name]
	state.Running = false
	f.states[name] = state
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, name string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.RemoveCalls = append(f.RemoveCalls, name)
	delete(f.states, name)
	return nil
}

func (f *FakeRuntime) Start(ctx context.Context, name string) error {
	f.mutex.Lock()
	f.StartCalls = append(f.StartCalls, name)
	f.active[name]++
	if f.active[name] > f.MaxActiveSeen {
		f.MaxActiveSeen = f.active[name]
	}
	err := f.startErr[name]
	if err == nil {
		f.states[name] = runtime.InspectResult{Exists: true, Running: true, Health: "none"}
	}
	f.mutex.Unlock()

	// Hold the unit "starting" long enough for overlap to be observable
	time.Sleep(5 * time.Millisecond)

	f.mutex.Lock()
	f.active[name]--
	f.mutex.Unlock()
	return err
}

// FakeProber returns scripted statuses per unit: the sequence is consumed
// check by check and the last element repeats forever.
type FakeProber struct {
	mutex    sync.Mutex
	scripts  map[string][]probe.HealthStatus
	consumed map[string]int
	Calls    map[string]int
}

func NewFakeProber() *FakeProber {
	return &FakeProber{
		scripts:  make(map[string][]probe.HealthStatus),
		consumed: make(map[string]int),
		Calls:    make(map[string]int),
	}
}

func (f *FakeProber) Script(name string, statuses ...probe.HealthStatus) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.scripts[name] = statuses
	f.consumed[name] = 0
}

func (f *FakeProber) Check(ctx context.Context, unit registry.UnitDefinition) (probe.HealthStatus, string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.Calls[unit.Name]++

	script := f.scripts[unit.Name]
	if len(script) == 0 {
		return probe.StatusUnhealthy, "no script configured"
	}

	index := f.consumed[unit.Name]
	if index >= len(script) {
		index = len(script) - 1
	} else {
		f.consumed[unit.Name]++
	}
	return script[index], "scripted result"
}

// StubExecutor records which units were handed over and returns scripted
// outcomes without touching any runtime.
type StubExecutor struct {
	mutex        sync.Mutex
	outcomes     map[string]Outcome
	attempts     map[string]int
	RecoverCalls []string
}

func NewStubExecutor() *StubExecutor {
	return &StubExecutor{
		outcomes: make(map[string]Outcome),
		attempts: make(map[string]int),
	}
}

func (s *StubExecutor) Script(name string, outcome Outcome, attempts int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.outcomes[name] = outcome
	s.attempts[name] = attempts
}

func (s *StubExecutor) Recover(ctx context.Context, sessionID string, unit registry.UnitDefinition) RecoveryAttempt {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.RecoverCalls = append(s.RecoverCalls, unit.Name)

	outcome, scripted := s.outcomes[unit.Name]
	if !scripted {
		outcome = OutcomeRecovered
	}
	attempts := s.attempts[unit.Name]
	if attempts == 0 {
		attempts = 1
	}

	now := time.Now()
	reason := ""
	if outcome == OutcomeFailed {
		reason = "scripted failure"
	}
	return RecoveryAttempt{
		Unit:       unit.Name,
		Attempts:   attempts,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    outcome,
		Reason:     reason,
	}
}

// CapturedAttempt pairs an attempt record with the session it was filed under.
type CapturedAttempt struct {
	SessionID string
	Record    evidence.AttemptRecord
}

// CapturedAction is one recorded runtime action.
type CapturedAction struct {
	SessionID string
	Unit      string
	Action    string
	Detail    string
}

// CapturedCheck is one recorded probe result.
type CapturedCheck struct {
	SessionID string
	Unit      string
	Status    string
	Detail    string
}

// CaptureSink retains every evidence record in memory for assertions.
type CaptureSink struct {
	mutex     sync.Mutex
	Checks    []CapturedCheck
	Actions   []CapturedAction
	Attempts  []CapturedAttempt
	Summaries []evidence.SummaryCounts
}

func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

func (c *CaptureSink) RecordCheck(sessionID, unit, status, detail string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Checks = append(c.Checks, CapturedCheck{SessionID: sessionID, Unit: unit, Status: status, Detail: detail})
}

func (c *CaptureSink) RecordAction(sessionID, unit, action, detail string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Actions = append(c.Actions, CapturedAction{SessionID: sessionID, Unit: unit, Action: action, Detail: detail})
}

func (c *CaptureSink) RecordAttempt(sessionID string, attempt evidence.AttemptRecord) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Attempts = append(c.Attempts, CapturedAttempt{SessionID: sessionID, Record: attempt})
}

func (c *CaptureSink) RecordSummary(sessionID string, counts evidence.SummaryCounts) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.Summaries = append(c.Summaries, counts)
}

// ActionNames returns the recorded action verbs for one unit, in order.
func (c *CaptureSink) ActionNames(unit string) []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var names []string
	for _, action := range c.Actions {
		if action.Unit == unit {
			names = append(names, action.Action)
		}
	}
	return names
}

// fastPolicy keeps executor loops tight for tests.
func fastPolicy() Policy {
	cascade := true
	return Policy{
		MaxAttempts:    3,
		AttemptTimeout: 150 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		StopTimeout:    time.Second,
		RetryDelay:     time.Millisecond,
		BackoffRate:    1.5,
		Cascade:        &cascade,
	}
}

func stackRegistry() (*registry.Registry, error) {
	return registry.Load([]registry.UnitDefinition{
		{Name: "postgres", StartupRank: 10},
		{Name: "api", StartupRank: 20, Dependencies: []string{"postgres"}},
		{Name: "webui", StartupRank: 30, Dependencies: []string{"api"}},
	})
}
