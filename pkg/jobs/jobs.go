// Package jobs implements C10: an in-process job registry tracking the
// lifecycle of long-running operations (report ingestion, Gmail sweeps,
// attachment batches) plus the periodic expired-session sweep, grounded
// in the teacher's pkg/cleanup ticker pattern and pkg/queue's status
// vocabulary.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one tracked operation. Progress fields are advisory — spec.md
// §4.10 is explicit that they are not a correctness signal, only a UX
// one.
type Job struct {
	ID              string
	Type            string
	Status          Status
	Progress        int
	ProgressMessage string
	Result          any
	Err             error
	StartedAt       time.Time
	CompletedAt     time.Time

	cancel context.CancelFunc
}

// Snapshot is an immutable copy of a Job's state, safe to hand to
// callers outside the registry's lock.
type Snapshot struct {
	ID              string
	Type            string
	Status          Status
	Progress        int
	ProgressMessage string
	Result          any
	Error           string
	StartedAt       time.Time
	CompletedAt     time.Time
}

func (j *Job) snapshot() Snapshot {
	s := Snapshot{
		ID: j.ID, Type: j.Type, Status: j.Status,
		Progress: j.Progress, ProgressMessage: j.ProgressMessage,
		Result: j.Result, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
	}
	if j.Err != nil {
		s.Error = j.Err.Error()
	}
	return s
}

// ErrNotFound is returned by Get/Cancel for an unknown job id.
var ErrNotFound = fmt.Errorf("jobs: job not found")

// Registry is the process-wide job fabric. Zero value is not usable;
// construct with New.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func New() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Start registers a new job in StatusQueued state and returns its id
// plus a context that's cancelled if the caller later calls Cancel.
func (r *Registry) Start(ctx context.Context, jobType string) (string, context.Context) {
	id := uuid.NewString()
	jobCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.jobs[id] = &Job{ID: id, Type: jobType, Status: StatusQueued, StartedAt: time.Now(), cancel: cancel}
	r.mu.Unlock()

	return id, jobCtx
}

// MarkProcessing transitions a job to StatusProcessing.
func (r *Registry) MarkProcessing(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Status = StatusProcessing
	}
}

// Progress updates a job's advisory progress percentage and message.
func (r *Registry) Progress(id string, pct int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Progress = pct
		j.ProgressMessage = message
	}
}

// Complete transitions a job to StatusCompleted with a result payload.
func (r *Registry) Complete(id string, result any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Status = StatusCompleted
		j.Result = result
		j.Progress = 100
		j.CompletedAt = time.Now()
	}
}

// Fail transitions a job to StatusFailed with the triggering error.
func (r *Registry) Fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Status = StatusFailed
		j.Err = err
		j.CompletedAt = time.Now()
	}
}

// Get returns a snapshot of one job's current state.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return j.snapshot(), nil
}

// Cancel signals a job's context to stop; in-flight work observes this
// cooperatively — cancellation of an ingestion batch per spec.md §5
// lets in-flight attachment downloads complete before checking.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

// List returns a snapshot of every tracked job, most recently started
// first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Prune removes completed/failed jobs older than ttl from the registry,
// keeping the in-process map bounded. Jobs still queued/processing are
// never pruned.
func (r *Registry) Prune(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, j := range r.jobs {
		if (j.Status == StatusCompleted || j.Status == StatusFailed) && j.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			pruned++
		}
	}
	return pruned
}
