package scantrans

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry is the authoritative, single-writer store of jobs and their
// constituent units. All mutation goes through explicit methods; callers
// only ever see snapshot copies. Removing a job cancels its context, which
// stops any in-flight submission or poll for its units.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*jobState
	order    []string
	watchers map[int]chan JobUpdate
	nextW    int
	seq      int64
}

type jobState struct {
	job      Job
	cancel   context.CancelFunc
	consumed map[string]bool // unit id → budget already debited
}

// JobUpdate is one sequenced progress event emitted on every state change.
type JobUpdate struct {
	Seq        int64
	JobID      string
	UnitID     string
	Status     Status
	DoneUnits  int
	TotalUnits int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:     make(map[string]*jobState),
		watchers: make(map[int]chan JobUpdate),
	}
}

// CreateJob registers a new job and returns its id together with a context
// derived from parent that is cancelled when the job is removed.
func (r *Registry) CreateJob(parent context.Context, kind JobKind, name string) (string, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.New().String()

	r.mu.Lock()
	r.jobs[id] = &jobState{
		job: Job{
			ID:     id,
			Kind:   kind,
			Name:   name,
			Status: StatusUploading,
		},
		cancel:   cancel,
		consumed: make(map[string]bool),
	}
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.notify(id, "", StatusUploading)
	return id, ctx
}

// AddUnit appends a unit to a job in sequence order and returns the unit id.
func (r *Registry) AddUnit(jobID string, kind UnitKind, inputRef string) string {
	id := uuid.New().String()

	r.mu.Lock()
	js, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return ""
	}
	js.job.Units = append(js.job.Units, WorkUnit{
		ID:            id,
		JobID:         jobID,
		Kind:          kind,
		SequenceIndex: len(js.job.Units),
		InputRef:      inputRef,
		Status:        StatusUploading,
	})
	js.job.TotalUnits = len(js.job.Units)
	r.recompute(js)
	r.mu.Unlock()

	r.notify(jobID, id, StatusUploading)
	return id
}

// SetUnitStatus applies a non-terminal transition to one unit.
func (r *Registry) SetUnitStatus(jobID, unitID string, status Status) {
	r.mutateUnit(jobID, unitID, func(u *WorkUnit) {
		u.Status = status
	})
}

// SetRemoteHandle stores the opaque remote handle and moves the unit to
// queued.
func (r *Registry) SetRemoteHandle(jobID, unitID, handle string) {
	r.mutateUnit(jobID, unitID, func(u *WorkUnit) {
		u.RemoteHandle = handle
		u.Status = StatusQueued
	})
}

// MarkUnitFailed moves the unit to its terminal failed state.
func (r *Registry) MarkUnitFailed(jobID, unitID string, err error) {
	r.mutateUnit(jobID, unitID, func(u *WorkUnit) {
		u.Status = StatusFailed
		u.Err = err
	})
}

// MarkUnitCompleted moves the unit to completed and stores its result
// artifact. It returns true only the first time the unit completes, so the
// caller debits the budget exactly once per unit.
func (r *Registry) MarkUnitCompleted(jobID, unitID, resultRef string) bool {
	var first bool

	r.mu.Lock()
	js, ok := r.jobs[jobID]
	if ok {
		for i := range js.job.Units {
			if js.job.Units[i].ID == unitID {
				js.job.Units[i].Status = StatusCompleted
				js.job.Units[i].ResultRef = resultRef
				break
			}
		}
		if !js.consumed[unitID] {
			js.consumed[unitID] = true
			first = true
		}
		r.recompute(js)
	}
	r.mu.Unlock()

	if ok {
		r.notify(jobID, unitID, StatusCompleted)
	}
	return first
}

// SetComposite stores the assembled multi-page artifact on the job.
func (r *Registry) SetComposite(jobID, ref string) {
	r.mu.Lock()
	if js, ok := r.jobs[jobID]; ok {
		js.job.CompositeRef = ref
	}
	r.mu.Unlock()
}

// FailJob marks a whole job failed, e.g. when its document could not be
// decomposed.
func (r *Registry) FailJob(jobID string, err error) {
	r.mu.Lock()
	js, ok := r.jobs[jobID]
	if ok {
		js.job.Status = StatusFailed
		js.job.Err = err
	}
	r.mu.Unlock()

	if ok {
		r.notify(jobID, "", StatusFailed)
	}
}

// Job returns a snapshot of one job.
func (r *Registry) Job(jobID string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	js, ok := r.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return snapshot(js), true
}

// Jobs returns snapshots of all jobs in creation order.
func (r *Registry) Jobs() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		if js, ok := r.jobs[id]; ok {
			out = append(out, snapshot(js))
		}
	}
	return out
}

// Remove discards a job and cancels its context, stopping in-flight remote
// work for its units. It returns ErrJobNotFound for unknown ids.
func (r *Registry) Remove(jobID string) error {
	r.mu.Lock()
	js, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
		for i, id := range r.order {
			if id == jobID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return ErrJobNotFound
	}
	js.cancel()
	return nil
}

// Watch returns a channel of sequenced progress updates and a stop
// function. Slow consumers drop updates rather than block the engine.
func (r *Registry) Watch(buffer int) (<-chan JobUpdate, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan JobUpdate, buffer)

	r.mu.Lock()
	id := r.nextW
	r.nextW++
	r.watchers[id] = ch
	r.mu.Unlock()

	stop := func() {
		r.mu.Lock()
		if c, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(c)
		}
		r.mu.Unlock()
	}
	return ch, stop
}

func (r *Registry) mutateUnit(jobID, unitID string, fn func(*WorkUnit)) {
	r.mu.Lock()
	js, ok := r.jobs[jobID]
	var status Status
	if ok {
		for i := range js.job.Units {
			if js.job.Units[i].ID == unitID {
				fn(&js.job.Units[i])
				status = js.job.Units[i].Status
				break
			}
		}
		r.recompute(js)
	}
	r.mu.Unlock()

	if ok {
		r.notify(jobID, unitID, status)
	}
}

// recompute derives DoneUnits and the aggregate status. A job stays
// processing until its last pending unit resolves; it is completed only
// when every unit completed, and failed once all units are terminal with
// at least one failure. Callers must hold r.mu.
func (r *Registry) recompute(js *jobState) {
	if js.job.Status == StatusFailed && len(js.job.Units) == 0 {
		return // decompose failure, nothing to derive
	}

	done, failed, active, uploading := 0, 0, 0, 0
	for i := range js.job.Units {
		switch js.job.Units[i].Status {
		case StatusCompleted:
			done++
		case StatusFailed:
			failed++
		case StatusQueued, StatusProcessing:
			active++
		case StatusUploading:
			uploading++
		}
	}
	js.job.DoneUnits = done

	total := len(js.job.Units)
	switch {
	case total == 0:
		js.job.Status = StatusUploading
	case done == total:
		js.job.Status = StatusCompleted
	case done+failed == total:
		js.job.Status = StatusFailed
	case active > 0:
		js.job.Status = StatusProcessing
	case uploading > 0:
		js.job.Status = StatusUploading
	default:
		js.job.Status = StatusUploaded
	}
}

func (r *Registry) notify(jobID, unitID string, status Status) {
	r.mu.Lock()
	r.seq++
	update := JobUpdate{
		Seq:    r.seq,
		JobID:  jobID,
		UnitID: unitID,
		Status: status,
	}
	if js, ok := r.jobs[jobID]; ok {
		update.DoneUnits = js.job.DoneUnits
		update.TotalUnits = js.job.TotalUnits
	}
	chans := make([]chan JobUpdate, 0, len(r.watchers))
	for _, ch := range r.watchers {
		chans = append(chans, ch)
	}
	r.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- update:
		default:
		}
	}
}

func snapshot(js *jobState) Job {
	job := js.job
	job.Units = make([]WorkUnit, len(js.job.Units))
	copy(job.Units, js.job.Units)
	return job
}
