package scantrans

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Engine schedules work units against the remote inference service under
// bounded concurrency and a quota-gated budget.
type Engine struct {
	cfg       Config
	svc       Service
	ledger    Ledger
	meter     Meter
	registry  *Registry
	renderer  PageRenderer
	assembler Assembler
	health    *HealthTracker
	retry     RetryPolicy
}

// RetryPolicy bounds submission retries. The zero value means a single
// attempt, matching the retry-free behavior of the remote protocol.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger sets the budget ledger.
func WithLedger(l Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithRegistry sets the job/unit registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithRenderer sets the page renderer.
func WithRenderer(r PageRenderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithAssembler sets the composite assembler.
func WithAssembler(a Assembler) Option {
	return func(e *Engine) { e.assembler = a }
}

// WithRetryPolicy sets the submission retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithHealthTracker sets the endpoint health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(e *Engine) { e.health = h }
}

// New creates an Engine with the given config and remote service. Default
// components (unlimited noop ledger, noop meter, fresh registry, pdfcpu
// renderer and assembler) are used unless overridden via options.
func New(cfg Config, svc Service, opts ...Option) (*Engine, error) {
	if svc == nil {
		return nil, fmt.Errorf("scantrans: a remote service is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		svc:    svc,
		health: NewHealthTracker(),
	}

	for _, opt := range opts {
		opt(e)
	}

	// Apply defaults after options.
	if e.ledger == nil {
		e.ledger = &noopLedger{}
	}
	if e.meter == nil {
		e.meter = &noopMeter{}
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.renderer == nil {
		e.renderer = NewPDFRenderer()
	}
	if e.assembler == nil {
		e.assembler = NewPDFAssembler()
	}

	return e, nil
}

// Registry returns the engine's job/unit registry for progress reporting
// and job removal.
func (e *Engine) Registry() *Registry { return e.registry }

// ProcessBatch decomposes the documents into work units, admits the batch
// against the identity's budget, dispatches the units under bounded
// concurrency, debits the budget once per completed unit, and reassembles
// multi-page documents. It returns a snapshot of every job it created.
//
// An admission rejection is fatal to the whole batch and happens before any
// remote call; unit-level failures are isolated to their unit.
func (e *Engine) ProcessBatch(ctx context.Context, id Identity, docs []Document, opts TranslateOptions) ([]Job, error) {
	opts = opts.withDefaults(e.cfg.Translator)

	plans := e.decompose(ctx, docs)

	var requested int64
	for _, p := range plans {
		requested += int64(p.units)
	}
	if requested == 0 {
		return e.collect(plans), nil
	}

	if _, err := e.admit(ctx, id, requested); err != nil {
		return e.collect(plans), err
	}

	outDir, err := e.outputDir()
	if err != nil {
		return e.collect(plans), err
	}

	// Images across all documents share one bounded dispatcher.
	type imageUnit struct {
		plan   *docPlan
		unitID string
	}
	var images []imageUnit
	for _, p := range plans {
		if p.failed || p.doc.Kind == JobPDF {
			continue
		}
		for _, unitID := range p.unitIDs {
			images = append(images, imageUnit{plan: p, unitID: unitID})
		}
	}

	RunLimit(ctx, len(images), e.cfg.ImageConcurrency, func(_ context.Context, i int) error {
		u := images[i]
		job, _ := e.registry.Job(u.plan.jobID)
		ref := unitRef(job, u.unitID)
		return e.processUnit(u.plan.ctx, id, job.ID, u.unitID, ref.SequenceIndex, UnitImage,
			func() (string, error) { return encodeInput(ref.InputRef) }, opts, outDir)
	})

	// PDFs run sequentially relative to each other; pages of one PDF share
	// their own bounded dispatcher. Rendering happens here, after
	// admission, so a rejected batch never rasterizes a page.
	for _, p := range plans {
		if p.failed || p.doc.Kind != JobPDF {
			continue
		}
		e.processPDF(p, id, opts, outDir)
	}

	return e.collect(plans), nil
}

func (e *Engine) processPDF(p *docPlan, id Identity, opts TranslateOptions, outDir string) {
	pages, err := e.renderer.RenderPages(p.ctx, p.doc.Path, outDir)
	if err == nil && len(pages) != len(p.unitIDs) {
		err = fmt.Errorf("rendered %d pages, expected %d", len(pages), len(p.unitIDs))
	}
	if err != nil {
		renderErr := fmt.Errorf("%w: %v", ErrPreviewFailed, err)
		for _, unitID := range p.unitIDs {
			e.registry.MarkUnitFailed(p.jobID, unitID, renderErr)
		}
		return
	}

	RunLimit(p.ctx, len(pages), e.cfg.PageConcurrency, func(_ context.Context, i int) error {
		return e.processUnit(p.ctx, id, p.jobID, p.unitIDs[i], i, UnitPDFPage,
			func() (string, error) { return encodeInput(pages[i]) }, opts, outDir)
	})

	// Assembly requires every page to have succeeded; page order is
	// SequenceIndex order, never completion order.
	job, ok := e.registry.Job(p.jobID)
	if !ok || job.Status != StatusCompleted {
		return
	}
	refs := make([]string, len(job.Units))
	for _, u := range job.Units {
		refs[u.SequenceIndex] = u.ResultRef
	}

	composite := filepath.Join(outDir, job.ID+".pdf")
	if err := e.assembler.Assemble(p.ctx, refs, composite); err != nil {
		e.registry.FailJob(p.jobID, err)
		return
	}
	e.registry.SetComposite(p.jobID, composite)
}

// processUnit drives one work unit through submit → poll → debit.
func (e *Engine) processUnit(
	ctx context.Context,
	id Identity,
	jobID, unitID string,
	seq int,
	kind UnitKind,
	payload func() (string, error),
	opts TranslateOptions,
	outDir string,
) error {
	start := time.Now()

	fail := func(err error) error {
		uerr := &UnitError{Err: err, JobID: jobID, UnitID: unitID, Sequence: seq}
		e.registry.MarkUnitFailed(jobID, unitID, uerr)
		e.meter.OnResult(ResultEvent{
			JobID:    jobID,
			UnitID:   unitID,
			Kind:     kind,
			Sequence: seq,
			Success:  false,
			Duration: time.Since(start),
			Error:    uerr,
		})
		return uerr
	}

	if e.health.State() == HealthUnhealthy {
		return fail(fmt.Errorf("%w: endpoint unhealthy", ErrSubmissionFailed))
	}

	img, err := payload()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrPreviewFailed, err))
	}

	handle, err := e.submit(ctx, opts.request(img, e.cfg.Translator), jobID, unitID, kind, seq)
	if err != nil {
		return fail(err)
	}
	e.registry.SetRemoteHandle(jobID, unitID, handle)

	b64, err := e.poll(ctx, handle, jobID, unitID)
	if err != nil {
		return fail(err)
	}

	resultRef, err := writeResult(outDir, jobID, seq, b64, opts.OutputFormat)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrRemoteJobFailed, err))
	}

	// MarkUnitCompleted returns true exactly once per unit, so a duplicate
	// completion can never double-debit. The debit itself does not depend
	// on job visibility, hence the uncancellable context.
	consumed := false
	var consumeErr error
	if e.registry.MarkUnitCompleted(jobID, unitID, resultRef) {
		if _, consumeErr = e.ledger.Consume(context.WithoutCancel(ctx), id, 1); consumeErr == nil {
			consumed = true
		}
	}

	e.meter.OnResult(ResultEvent{
		JobID:      jobID,
		UnitID:     unitID,
		Kind:       kind,
		Sequence:   seq,
		Success:    true,
		Consumed:   consumed,
		ConsumeErr: consumeErr,
		Duration:   time.Since(start),
	})
	return nil
}

// submit sends one normalized request, retrying under the engine's
// RetryPolicy while the failure stays retryable.
func (e *Engine) submit(ctx context.Context, req SubmitRequest, jobID, unitID string, kind UnitKind, seq int) (string, error) {
	attempts := e.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && e.retry.Backoff > 0 {
			select {
			case <-time.After(e.retry.Backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		e.meter.OnSubmit(SubmitEvent{
			JobID:    jobID,
			UnitID:   unitID,
			Kind:     kind,
			Sequence: seq,
			Attempt:  attempt,
		})

		handle, err := e.svc.Submit(ctx, req)
		if err == nil && handle == "" {
			err = fmt.Errorf("%w: response missing job handle", ErrSubmissionFailed)
		}
		if err == nil {
			e.health.RecordSuccess()
			return handle, nil
		}

		e.health.RecordFailure()
		if !errors.Is(err, ErrSubmissionFailed) {
			err = fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}

// poll requests status on a fixed interval until the remote job reaches a
// terminal state or the overall timeout elapses. A COMPLETED response
// without a result payload is a remote failure, not a success.
func (e *Engine) poll(ctx context.Context, handle, jobID, unitID string) (string, error) {
	ticker := time.NewTicker(e.cfg.PollInterval.Std())
	defer ticker.Stop()
	deadline := time.NewTimer(e.cfg.PollTimeout.Std())
	defer deadline.Stop()

	processing := false
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrPollTimeout
		case <-ticker.C:
		}

		res, err := e.svc.Poll(ctx, handle)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrRemoteJobFailed, err)
		}

		switch res.Status {
		case RemoteCompleted:
			if res.ImageB64 == "" {
				return "", fmt.Errorf("%w: completed without result payload", ErrRemoteJobFailed)
			}
			return res.ImageB64, nil
		case RemoteFailed, RemoteCancelled:
			msg := res.Message
			if msg == "" {
				msg = "run failed"
			}
			return "", fmt.Errorf("%w: %s (%s)", ErrRemoteJobFailed, msg, res.Status)
		case RemoteInProgress:
			// The unit stays queued while the run sits in the remote
			// queue; processing begins when the worker picks it up.
			if !processing {
				e.registry.SetUnitStatus(jobID, unitID, StatusProcessing)
				processing = true
			}
		}
	}
}

func (e *Engine) collect(plans []*docPlan) []Job {
	jobs := make([]Job, 0, len(plans))
	for _, p := range plans {
		if job, ok := e.registry.Job(p.jobID); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (e *Engine) outputDir() (string, error) {
	if e.cfg.OutputDir != "" {
		return e.cfg.OutputDir, os.MkdirAll(e.cfg.OutputDir, 0o755)
	}
	return os.MkdirTemp("", "scantrans-*")
}

func unitRef(job Job, unitID string) WorkUnit {
	for _, u := range job.Units {
		if u.ID == unitID {
			return u
		}
	}
	return WorkUnit{}
}

// encodeInput turns a unit input into the remote payload: http(s) URLs are
// passed through untouched, local files are read and base64-encoded.
func encodeInput(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func writeResult(dir, jobID string, seq int, b64, format string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%03d.%s", jobID, seq+1, format))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// noopLedger allows everything (no limits, no debits).
type noopLedger struct{}

func (noopLedger) Remaining(context.Context, Identity) (QuotaSnapshot, error) {
	return QuotaSnapshot{Paid: true}, nil
}
func (noopLedger) Consume(context.Context, Identity, int64) (QuotaSnapshot, error) {
	return QuotaSnapshot{Paid: true}, nil
}
func (noopLedger) Credit(_ context.Context, _ string, delta int64, _, _ string) (int64, error) {
	return delta, nil
}
func (noopLedger) WalletSummary(context.Context, string) (WalletSummary, error) {
	return WalletSummary{}, nil
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAdmission(AdmissionEvent) {}
func (noopMeter) OnSubmit(SubmitEvent)       {}
func (noopMeter) OnResult(ResultEvent)       {}
