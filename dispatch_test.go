package scantrans_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkfold/scantrans"
)

func TestRunLimit_BoundsInFlightTasks(t *testing.T) {
	var inFlight, peak atomic.Int64
	var mu sync.Mutex

	scantrans.RunLimit(context.Background(), 20, 2, func(context.Context, int) error {
		n := inFlight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRunLimit_ErrorsAreIsolatedPerSlot(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int64

	errs := scantrans.RunLimit(context.Background(), 5, 2, func(_ context.Context, i int) error {
		calls.Add(1)
		if i == 2 {
			return boom
		}
		return nil
	})

	// Every task ran despite the failure in slot 2.
	assert.EqualValues(t, 5, calls.Load())
	require.Len(t, errs, 5)
	for i, err := range errs {
		if i == 2 {
			assert.ErrorIs(t, err, boom)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestRunLimit_ZeroTasks(t *testing.T) {
	errs := scantrans.RunLimit(context.Background(), 0, 2, func(context.Context, int) error {
		t.Fatal("must not be called")
		return nil
	})
	assert.Empty(t, errs)
}
