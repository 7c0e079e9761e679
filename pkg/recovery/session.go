package recovery

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the final disposition of a unit within one recovery session.
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Skip reasons surfaced on RecoveryAttempt.Reason.
const (
	SkipReasonDependencyUnhealthy = "dependency unhealthy"
	SkipReasonDependencyFailed    = "dependency recovery failed"
)

// RecoveryAttempt is the finalized record of recovering one unit in one
// session. Attempts counts the stop/start cycles consumed, zero for skips.
// Never reused across sessions.
type RecoveryAttempt struct {
	Unit       string    `json:"unit"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
}

// Summary aggregates the outcomes of one session.
type Summary struct {
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

// RecoverySession owns the ordered attempts of one reconciliation pass. The
// controller owns it exclusively for its lifetime; it is written to the
// evidence sink and discarded at the end of the pass.
type RecoverySession struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Attempts   []RecoveryAttempt `json:"attempts"`
	Summary    Summary           `json:"summary"`
}

func newSession() *RecoverySession {
	return &RecoverySession{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
}

func (s *RecoverySession) add(attempt RecoveryAttempt) {
	s.Attempts = append(s.Attempts, attempt)
	switch attempt.Outcome {
	case OutcomeRecovered:
		s.Summary.Recovered++
	case OutcomeFailed:
		s.Summary.Failed++
	case OutcomeSkipped:
		s.Summary.Skipped++
	}
	s.Summary.Total++
}

func (s *RecoverySession) finalize() {
	s.FinishedAt = time.Now()
}

// Succeeded reports whether every attempted unit ended recovered. Skips do
// not fail a session on their own; a failed dependency already counts as a
// failure.
func (s *RecoverySession) Succeeded() bool {
	return s.Summary.Failed == 0
}

// Empty reports a no-op session: every probed unit was already healthy.
func (s *RecoverySession) Empty() bool {
	return s.Summary.Total == 0
}
