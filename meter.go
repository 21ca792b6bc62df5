package scantrans

import "time"

// Meter observes engine events for monitoring/logging.
type Meter interface {
	// OnAdmission is called once per batch with the admission decision.
	OnAdmission(event AdmissionEvent)

	// OnSubmit is called when a unit is submitted to the remote service.
	OnSubmit(event SubmitEvent)

	// OnResult is called when a unit reaches a terminal state.
	OnResult(event ResultEvent)
}

// AdmissionEvent describes an admission decision.
type AdmissionEvent struct {
	Identity  Identity
	Requested int64
	Remaining int64
	Accepted  bool
	Shortfall int64
}

// SubmitEvent describes one remote submission attempt.
type SubmitEvent struct {
	JobID    string
	UnitID   string
	Kind     UnitKind
	Sequence int
	Attempt  int
}

// ResultEvent describes the outcome of one work unit. A successful unit
// whose budget debit failed carries Consumed=false and the debit error
// in ConsumeErr.
type ResultEvent struct {
	JobID      string
	UnitID     string
	Kind       UnitKind
	Sequence   int
	Success    bool
	Consumed   bool
	ConsumeErr error
	Duration   time.Duration
	Error      error
}
