// Package mock provides a mock translation Service for testing.
package mock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkfold/scantrans"
)

// Service is a mock remote translation service. Submissions are assigned
// handles and resolved through Poll, mimicking the async run/status shape
// of the real endpoint.
type Service struct {
	name           string
	latency        time.Duration
	submitErr      error
	failFirst      int
	pollsUntilDone int
	image          string
	outcomeFunc    func(req scantrans.SubmitRequest) Outcome

	submitCount atomic.Int64
	pollCount   atomic.Int64

	mu   sync.Mutex
	jobs map[string]*mockJob
}

// Outcome is the terminal result a mock submission resolves to.
type Outcome struct {
	Status  scantrans.RemoteStatus
	Message string
	Image   string
	// ExtraPolls delays this submission past the service-wide
	// polls-until-done count, letting tests stagger completion order.
	ExtraPolls int
	// Hang keeps the submission non-terminal forever.
	Hang bool
}

type mockJob struct {
	outcome Outcome
	polls   int
}

var _ scantrans.Service = (*Service)(nil)

// Option configures a mock Service.
type Option func(*Service)

// New creates a mock service with the given options.
func New(opts ...Option) *Service {
	s := &Service{
		name:           "mock",
		pollsUntilDone: 1,
		image:          base64.StdEncoding.EncodeToString([]byte("mock-translated-image")),
		jobs:           make(map[string]*mockJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithName sets the service name.
func WithName(name string) Option {
	return func(s *Service) { s.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(s *Service) { s.latency = d }
}

// WithSubmitError makes every submission return this error.
func WithSubmitError(err error) Option {
	return func(s *Service) { s.submitErr = err }
}

// WithFailFirst makes the first n submissions fail, then succeed.
func WithFailFirst(n int) Option {
	return func(s *Service) { s.failFirst = n }
}

// WithPollsUntilDone sets how many polls a submission needs before it
// reaches its terminal state (default 1).
func WithPollsUntilDone(n int) Option {
	return func(s *Service) { s.pollsUntilDone = n }
}

// WithImage sets the base64 image returned for completed submissions.
func WithImage(b64 string) Option {
	return func(s *Service) { s.image = b64 }
}

// WithOutcomeFunc decides the terminal outcome per submission. A zero
// Status means completed with the default image.
func WithOutcomeFunc(fn func(req scantrans.SubmitRequest) Outcome) Option {
	return func(s *Service) { s.outcomeFunc = fn }
}

func (s *Service) Name() string { return s.name }

// Submit registers a fake remote run and returns its handle.
func (s *Service) Submit(ctx context.Context, req scantrans.SubmitRequest) (string, error) {
	if err := s.sleep(ctx); err != nil {
		return "", err
	}

	count := s.submitCount.Add(1)

	if s.submitErr != nil {
		return "", s.submitErr
	}
	if s.failFirst > 0 && int(count) <= s.failFirst {
		return "", errors.New("mock: transient submit failure")
	}

	outcome := Outcome{Status: scantrans.RemoteCompleted, Image: s.image}
	if s.outcomeFunc != nil {
		outcome = s.outcomeFunc(req)
		if outcome.Status == "" {
			outcome.Status = scantrans.RemoteCompleted
		}
		if outcome.Status == scantrans.RemoteCompleted && outcome.Image == "" {
			outcome.Image = s.image
		}
	}

	handle := fmt.Sprintf("mock-%d", count)
	s.mu.Lock()
	s.jobs[handle] = &mockJob{outcome: outcome}
	s.mu.Unlock()
	return handle, nil
}

// Poll reports the state of a previously submitted run.
func (s *Service) Poll(ctx context.Context, handle string) (scantrans.PollResult, error) {
	if err := s.sleep(ctx); err != nil {
		return scantrans.PollResult{}, err
	}

	s.pollCount.Add(1)

	s.mu.Lock()
	job, ok := s.jobs[handle]
	if ok {
		job.polls++
	}
	s.mu.Unlock()
	if !ok {
		return scantrans.PollResult{}, fmt.Errorf("mock: unknown handle %q", handle)
	}

	needed := s.pollsUntilDone + job.outcome.ExtraPolls
	if job.outcome.Hang || job.polls < needed {
		status := scantrans.RemoteInProgress
		if job.polls == 1 {
			status = scantrans.RemoteInQueue
		}
		return scantrans.PollResult{Status: status}, nil
	}

	res := scantrans.PollResult{
		Status:  job.outcome.Status,
		Message: job.outcome.Message,
	}
	if job.outcome.Status == scantrans.RemoteCompleted {
		res.ImageB64 = job.outcome.Image
	}
	return res, nil
}

// SubmitCount returns the number of Submit calls made.
func (s *Service) SubmitCount() int64 { return s.submitCount.Load() }

// PollCount returns the number of Poll calls made.
func (s *Service) PollCount() int64 { return s.pollCount.Load() }

func (s *Service) sleep(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
