package scantrans

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrAdmissionDenied  = errors.New("scantrans: admission denied")
	ErrPreviewFailed    = errors.New("scantrans: document preview failed")
	ErrSubmissionFailed = errors.New("scantrans: remote submission failed")
	ErrRemoteJobFailed  = errors.New("scantrans: remote job failed")
	ErrPollTimeout      = errors.New("scantrans: polling timed out")
	ErrAssemblyFailed   = errors.New("scantrans: composite assembly failed")
	ErrQuotaExceeded    = errors.New("scantrans: quota exceeded")
	ErrJobNotFound      = errors.New("scantrans: job not found")
)

// AdmissionError reports a rejected batch with the structured shortfall the
// caller can present verbatim.
type AdmissionError struct {
	Requested int64
	Remaining int64
	Shortfall int64
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("scantrans: admission denied: need %d more units (requested %d, remaining %d)",
		e.Shortfall, e.Requested, e.Remaining)
}

func (e *AdmissionError) Unwrap() error {
	return ErrAdmissionDenied
}

// UnitError wraps a unit-level failure with its owning job and sequence
// position.
type UnitError struct {
	Err      error
	JobID    string
	UnitID   string
	Sequence int
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("scantrans: job=%s unit=%s seq=%d: %v", e.JobID, e.UnitID, e.Sequence, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if a failed submission may be retried under a
// RetryPolicy. Remote terminal failures and poll timeouts never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSubmissionFailed)
}
