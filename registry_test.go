package scantrans_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkfold/scantrans"
)

func TestRegistry_UnitLifecycleDrivesAggregate(t *testing.T) {
	r := scantrans.NewRegistry()
	jobID, _ := r.CreateJob(context.Background(), scantrans.JobPDF, "book.pdf")

	u1 := r.AddUnit(jobID, scantrans.UnitPDFPage, "book.pdf")
	u2 := r.AddUnit(jobID, scantrans.UnitPDFPage, "book.pdf")

	job, ok := r.Job(jobID)
	require.True(t, ok)
	assert.Equal(t, scantrans.StatusUploading, job.Status)
	assert.Equal(t, 2, job.TotalUnits)

	r.SetUnitStatus(jobID, u1, scantrans.StatusUploaded)
	r.SetUnitStatus(jobID, u2, scantrans.StatusUploaded)
	job, _ = r.Job(jobID)
	assert.Equal(t, scantrans.StatusUploaded, job.Status)

	r.SetRemoteHandle(jobID, u1, "run-1")
	job, _ = r.Job(jobID)
	assert.Equal(t, scantrans.StatusProcessing, job.Status)
	assert.Equal(t, scantrans.StatusQueued, job.Units[0].Status)

	r.MarkUnitCompleted(jobID, u1, "out-1.png")
	job, _ = r.Job(jobID)
	assert.Equal(t, scantrans.StatusUploaded, job.Status) // u2 not dispatched yet
	assert.Equal(t, 1, job.DoneUnits)

	r.MarkUnitCompleted(jobID, u2, "out-2.png")
	job, _ = r.Job(jobID)
	assert.Equal(t, scantrans.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.DoneUnits)
}

func TestRegistry_FailedUnitFailsJobOnlyWhenAllTerminal(t *testing.T) {
	r := scantrans.NewRegistry()
	jobID, _ := r.CreateJob(context.Background(), scantrans.JobPDF, "book.pdf")
	u1 := r.AddUnit(jobID, scantrans.UnitPDFPage, "book.pdf")
	u2 := r.AddUnit(jobID, scantrans.UnitPDFPage, "book.pdf")

	r.MarkUnitFailed(jobID, u1, errors.New("boom"))
	job, _ := r.Job(jobID)
	assert.NotEqual(t, scantrans.StatusFailed, job.Status)

	r.MarkUnitCompleted(jobID, u2, "out-2.png")
	job, _ = r.Job(jobID)
	assert.Equal(t, scantrans.StatusFailed, job.Status)
	assert.Equal(t, 1, job.DoneUnits)
}

func TestRegistry_MarkUnitCompletedReturnsTrueOnce(t *testing.T) {
	r := scantrans.NewRegistry()
	jobID, _ := r.CreateJob(context.Background(), scantrans.JobImage, "a.png")
	u := r.AddUnit(jobID, scantrans.UnitImage, "a.png")

	assert.True(t, r.MarkUnitCompleted(jobID, u, "out.png"))
	assert.False(t, r.MarkUnitCompleted(jobID, u, "out.png"))
	assert.False(t, r.MarkUnitCompleted(jobID, u, "out.png"))
}

func TestRegistry_RemoveCancelsJobContext(t *testing.T) {
	r := scantrans.NewRegistry()
	jobID, ctx := r.CreateJob(context.Background(), scantrans.JobImage, "a.png")

	require.NoError(t, ctx.Err())
	require.NoError(t, r.Remove(jobID))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("job context not cancelled by Remove")
	}

	_, ok := r.Job(jobID)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Remove(jobID), scantrans.ErrJobNotFound)
}

func TestRegistry_SnapshotsAreCopies(t *testing.T) {
	r := scantrans.NewRegistry()
	jobID, _ := r.CreateJob(context.Background(), scantrans.JobImage, "a.png")
	r.AddUnit(jobID, scantrans.UnitImage, "a.png")

	job, _ := r.Job(jobID)
	job.Units[0].Status = scantrans.StatusFailed

	fresh, _ := r.Job(jobID)
	assert.Equal(t, scantrans.StatusUploading, fresh.Units[0].Status)
}

func TestRegistry_JobsInCreationOrder(t *testing.T) {
	r := scantrans.NewRegistry()
	id1, _ := r.CreateJob(context.Background(), scantrans.JobImage, "a.png")
	id2, _ := r.CreateJob(context.Background(), scantrans.JobImage, "b.png")

	jobs := r.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, id1, jobs[0].ID)
	assert.Equal(t, id2, jobs[1].ID)
}

func TestRegistry_WatchSeesSequencedUpdates(t *testing.T) {
	r := scantrans.NewRegistry()
	ch, stop := r.Watch(16)
	defer stop()

	jobID, _ := r.CreateJob(context.Background(), scantrans.JobImage, "a.png")
	u := r.AddUnit(jobID, scantrans.UnitImage, "a.png")
	r.MarkUnitCompleted(jobID, u, "out.png")

	var updates []scantrans.JobUpdate
	timeout := time.After(time.Second)
	for len(updates) < 3 {
		select {
		case u := <-ch:
			updates = append(updates, u)
		case <-timeout:
			t.Fatalf("expected 3 updates, got %d", len(updates))
		}
	}

	var lastSeq int64
	for _, u := range updates {
		assert.Greater(t, u.Seq, lastSeq)
		lastSeq = u.Seq
		assert.Equal(t, jobID, u.JobID)
	}
	final := updates[len(updates)-1]
	assert.Equal(t, scantrans.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.DoneUnits)
}

func TestRegistry_WatchStopIsIdempotent(t *testing.T) {
	r := scantrans.NewRegistry()
	_, stop := r.Watch(0)
	stop()
	stop()
}
