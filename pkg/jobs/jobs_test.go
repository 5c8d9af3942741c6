package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_RegistersQueuedJob(t *testing.T) {
	r := New()
	id, jobCtx := r.Start(context.Background(), "gmail_sweep")
	require.NotEmpty(t, id)
	require.NotNil(t, jobCtx)

	snap, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, snap.Status)
	assert.Equal(t, "gmail_sweep", snap.Type)
}

func TestLifecycle_ProcessingToCompleted(t *testing.T) {
	r := New()
	id, _ := r.Start(context.Background(), "report_ingest")

	r.MarkProcessing(id)
	r.Progress(id, 40, "extracting")

	snap, _ := r.Get(id)
	assert.Equal(t, StatusProcessing, snap.Status)
	assert.Equal(t, 40, snap.Progress)
	assert.Equal(t, "extracting", snap.ProgressMessage)

	r.Complete(id, map[string]int{"rows": 12})

	snap, _ = r.Get(id)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.False(t, snap.CompletedAt.IsZero())
}

func TestFail_CarriesErrorString(t *testing.T) {
	r := New()
	id, _ := r.Start(context.Background(), "report_ingest")

	r.Fail(id, assertError("boom"))

	snap, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "boom", snap.Error)
}

func TestGet_UnknownIDReturnsErrNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel_CancelsJobContext(t *testing.T) {
	r := New()
	id, jobCtx := r.Start(context.Background(), "gmail_sweep")

	require.NoError(t, r.Cancel(id))

	select {
	case <-jobCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled")
	}
}

func TestCancel_UnknownIDReturnsErrNotFound(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Cancel("does-not-exist"), ErrNotFound)
}

func TestList_ReturnsAllTrackedJobs(t *testing.T) {
	r := New()
	id1, _ := r.Start(context.Background(), "a")
	id2, _ := r.Start(context.Background(), "b")

	ids := map[string]bool{}
	for _, snap := range r.List() {
		ids[snap.ID] = true
	}
	assert.True(t, ids[id1])
	assert.True(t, ids[id2])
}

func TestPrune_RemovesOnlyOldTerminalJobs(t *testing.T) {
	r := New()

	freshID, _ := r.Start(context.Background(), "a")
	r.Complete(freshID, nil)

	staleID, _ := r.Start(context.Background(), "b")
	r.Complete(staleID, nil)
	r.mu.Lock()
	r.jobs[staleID].CompletedAt = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()

	queuedID, _ := r.Start(context.Background(), "c")

	pruned := r.Prune(time.Hour)
	assert.Equal(t, 1, pruned)

	_, err := r.Get(staleID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Get(freshID)
	assert.NoError(t, err)

	_, err = r.Get(queuedID)
	assert.NoError(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
