package evidence

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ops-tools/stackmedic/pkg/errors"
)

// RecordKind distinguishes the entry types in the evidence stream.
type RecordKind string

const (
	RecordKindCheck   RecordKind = "check"
	RecordKindAction  RecordKind = "action"
	RecordKindAttempt RecordKind = "attempt"
	RecordKindSummary RecordKind = "summary"
)

// Record is one append-only evidence entry, keyed by recovery session.
type Record struct {
	SessionID  string         `json:"session_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       RecordKind     `json:"kind"`
	Unit       string         `json:"unit,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Action     string         `json:"action,omitempty"`
	Status     string         `json:"status,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Counts     *SummaryCounts `json:"counts,omitempty"`
}

// SummaryCounts aggregates one reconciliation pass.
type SummaryCounts struct {
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Total     int `json:"total"`
}

// AttemptRecord carries the finalized fields of one recovery attempt.
type AttemptRecord struct {
	Unit       string
	Attempt    int
	Outcome    string
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Sink receives structured evidence records. Implementations must support
// concurrent appenders without interleaving partial records, and must never
// mutate or delete prior entries.
type Sink interface {
	RecordCheck(sessionID, unit, status, detail string)
	RecordAction(sessionID, unit, action, detail string)
	RecordAttempt(sessionID string, attempt AttemptRecord)
	RecordSummary(sessionID string, counts SummaryCounts)
}

// jsonlSink appends one JSON object per line to a file.
type jsonlSink struct {
	mutex   sync.Mutex
	file    *os.File
	encoder *json.Encoder
	now     func() time.Time
}

// NewJSONLSink opens (or creates) an append-only JSONL evidence file.
func NewJSONLSink(path string) (Sink, func() error, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.NewIOError("failed to open evidence file", err).WithContext("path", path)
	}

	sink := &jsonlSink{
		file:    file,
		encoder: json.NewEncoder(file),
		now:     time.Now,
	}
	return sink, file.Close, nil
}

func (s *jsonlSink) RecordCheck(sessionID, unit, status, detail string) {
	s.append(Record{
		SessionID: sessionID,
		Kind:      RecordKindCheck,
		Unit:      unit,
		Status:    status,
		Detail:    detail,
	})
}

func (s *jsonlSink) RecordAction(sessionID, unit, action, detail string) {
	s.append(Record{
		SessionID: sessionID,
		Kind:      RecordKindAction,
		Unit:      unit,
		Action:    action,
		Detail:    detail,
	})
}

func (s *jsonlSink) RecordAttempt(sessionID string, attempt AttemptRecord) {
	startedAt := attempt.StartedAt
	finishedAt := attempt.FinishedAt
	s.append(Record{
		SessionID:  sessionID,
		Kind:       RecordKindAttempt,
		Unit:       attempt.Unit,
		Attempt:    attempt.Attempt,
		Outcome:    attempt.Outcome,
		Reason:     attempt.Reason,
		StartedAt:  &startedAt,
		FinishedAt: &finishedAt,
	})
}

func (s *jsonlSink) RecordSummary(sessionID string, counts SummaryCounts) {
	c := counts
	s.append(Record{
		SessionID: sessionID,
		Kind:      RecordKindSummary,
		Counts:    &c,
	})
}

func (s *jsonlSink) append(record Record) {
	record.Timestamp = s.now().UTC()

	// One encoder call per record keeps lines whole under concurrency
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_ = s.encoder.Encode(record)
}

// nopSink discards all records. Used when no evidence file is configured.
type nopSink struct{}

// NewNopSink returns a sink that records nothing.
func NewNopSink() Sink {
	return nopSink{}
}

func (nopSink) RecordCheck(sessionID, unit, status, detail string)   {}
func (nopSink) RecordAction(sessionID, unit, action, detail string)  {}
func (nopSink) RecordAttempt(sessionID string, attempt AttemptRecord) {}
func (nopSink) RecordSummary(sessionID string, counts SummaryCounts) {}
