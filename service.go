package scantrans

import "context"

// Service is the interface remote inference adapters must implement.
type Service interface {
	// Name returns the service identifier (e.g. "runpod", "mock").
	Name() string

	// Submit sends one normalized request to the asynchronous submission
	// endpoint and returns an opaque job handle.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Poll requests the current status of a previously submitted job.
	Poll(ctx context.Context, handle string) (PollResult, error)
}

// SubmitRequest is one work unit's rendered payload plus translation
// parameters, in the shape the remote service expects.
type SubmitRequest struct {
	// Image is either a raw base64 payload or an http(s) URL.
	Image        string
	OutputFormat string

	Translator TranslatorConfig
	Render     RenderConfig
	Detector   DetectorConfig
	OCR        OCRConfig

	MaskDilationOffset int
}

// RemoteStatus is the state a remote job reports while polled.
type RemoteStatus string

const (
	RemoteInQueue    RemoteStatus = "IN_QUEUE"
	RemoteInProgress RemoteStatus = "IN_PROGRESS"
	RemoteCompleted  RemoteStatus = "COMPLETED"
	RemoteFailed     RemoteStatus = "FAILED"
	RemoteCancelled  RemoteStatus = "CANCELLED"
)

// Terminal reports whether polling can stop at this status.
func (s RemoteStatus) Terminal() bool {
	return s == RemoteCompleted || s == RemoteFailed || s == RemoteCancelled
}

// PollResult is one poll response. ImageB64 is only set on COMPLETED; a
// COMPLETED result without it is treated as a remote failure by the engine.
type PollResult struct {
	Status   RemoteStatus
	ImageB64 string
	Message  string
}
