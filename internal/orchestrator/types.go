package orchestrator

import (
	"time"

	"github.com/mbd888/sentinel/internal/audit"
)

// Source says what started a cycle.
type Source string

const (
	SourceSchedule Source = "schedule"
	SourceManual   Source = "manual"
)

// Outcome is the per-user result of one cycle.
type Outcome string

const (
	OutcomeUpdated          Outcome = "updated"
	OutcomeEscalated        Outcome = "escalated"
	OutcomeEscalationFailed Outcome = "escalation_failed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeFailed           Outcome = "failed"
)

// FailureKind says which collaborator a failed or partially failed user
// evaluation tripped on.
type FailureKind string

const (
	KindNone     FailureKind = ""
	KindStore    FailureKind = "store"
	KindOracle   FailureKind = "oracle"
	KindLedger   FailureKind = "ledger"
	KindConflict FailureKind = "conflict"
	KindCanceled FailureKind = "canceled"
)

// Result describes what happened to one user in one cycle.
type Result struct {
	UserID        string        `json:"userId"`
	Outcome       Outcome       `json:"outcome"`
	Kind          FailureKind   `json:"kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	OldScore      float64       `json:"oldScore"`
	NewScore      float64       `json:"newScore"`
	Events        int           `json:"events"`
	SkippedEvents int           `json:"skippedEvents,omitempty"`
	Record        *audit.Record `json:"record,omitempty"`
}

// Summary aggregates one cycle.
type Summary struct {
	CycleID            string    `json:"cycleId"`
	Source             Source    `json:"source"`
	StartedAt          time.Time `json:"startedAt"`
	FinishedAt         time.Time `json:"finishedAt"`
	UsersEvaluated     int       `json:"usersEvaluated"`
	Escalations        int       `json:"escalations"`
	EscalationFailures int       `json:"escalationFailures"`
	Failures           int       `json:"failures"`
	SkippedEvents      int       `json:"skippedEvents"`
	Error              string    `json:"error,omitempty"`
	Results            []Result  `json:"results,omitempty"`
}

func (s *Summary) add(r Result) {
	s.UsersEvaluated++
	s.SkippedEvents += r.SkippedEvents
	switch r.Outcome {
	case OutcomeEscalated:
		s.Escalations++
	case OutcomeEscalationFailed:
		s.EscalationFailures++
	case OutcomeFailed:
		s.Failures++
		if r.Record != nil {
			// escalation landed but the score write lost the race
			s.Escalations++
		}
	}
}

// Ack answers a trigger request.
type Ack struct {
	Status  string `json:"status"`
	CycleID string `json:"cycleId,omitempty"`
}

const (
	AckAccepted = "accepted"
	AckBusy     = "busy"
)

// State of the orchestrator.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
)

// Status is a point-in-time view for the status endpoint.
type Status struct {
	State          State    `json:"state"`
	CurrentCycleID string   `json:"currentCycleId,omitempty"`
	TimerRunning   bool     `json:"timerRunning"`
	CyclesRun      int64    `json:"cyclesRun"`
	SkippedTicks   int64    `json:"skippedTicks"`
	Escalations    int64    `json:"escalations"`
	LastCycle      *Summary `json:"lastCycle,omitempty"`
}
