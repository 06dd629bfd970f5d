package tracker

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/3leaps/jobtail/internal/notify"
	"github.com/3leaps/jobtail/pkg/jobstream"
)

// Sentinel errors for collection operations.
var (
	// ErrDuplicateJob indicates a job with the same ID is already tracked.
	ErrDuplicateJob = errors.New("job already tracked")

	// ErrJobNotFound indicates no tracked job has the given ID.
	ErrJobNotFound = errors.New("job not found")
)

type entry struct {
	job   *Job
	unsub func()
}

// Collection is the set of tracked jobs, newest first.
//
// Collection is safe for concurrent use. Change callbacks registered with
// Subscribe run on whichever goroutine caused the change (the caller of
// Add/Remove, or a stream's poller) and must not block.
type Collection struct {
	mu      sync.RWMutex
	entries []entry
	changed notify.Registry
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{}
}

// Subscribe registers fn for the jobs-changed signal.
func (c *Collection) Subscribe(fn func()) (cancel func()) {
	return c.changed.Subscribe(fn)
}

// Add prepends job and forwards its change signal.
func (c *Collection) Add(job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}

	c.mu.Lock()
	for _, e := range c.entries {
		if e.job.id == job.id {
			c.mu.Unlock()
			return ErrDuplicateJob
		}
	}
	unsub := job.subscribe(c.changed.Emit)
	c.entries = slices.Insert(c.entries, 0, entry{job: job, unsub: unsub})
	c.mu.Unlock()

	c.changed.Emit()
	return nil
}

// Remove stops every sub-stream of the job, unsubscribes from it and drops it
// from the collection.
func (c *Collection) Remove(jobID string) error {
	c.mu.Lock()
	idx := slices.IndexFunc(c.entries, func(e entry) bool { return e.job.id == jobID })
	if idx < 0 {
		c.mu.Unlock()
		return ErrJobNotFound
	}
	e := c.entries[idx]
	c.entries = slices.Delete(c.entries, idx, idx+1)
	c.mu.Unlock()

	e.job.Stop()
	e.unsub()
	c.changed.Emit()
	return nil
}

// Get returns the job with the given ID.
func (c *Collection) Get(jobID string) (*Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.job.id == jobID {
			return e.job, true
		}
	}
	return nil, false
}

// Jobs returns every tracked job, newest first.
func (c *Collection) Jobs() []*Job {
	return c.filter(func(*Job) bool { return true })
}

// Len returns the number of tracked jobs.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ActiveSessions returns interactive jobs that have not completed.
func (c *Collection) ActiveSessions() []*Job {
	return c.filter(func(j *Job) bool { return j.interactive && j.Status() != jobstream.StatusCompleted })
}

// FinishedSessions returns interactive jobs that have completed.
func (c *Collection) FinishedSessions() []*Job {
	return c.filter(func(j *Job) bool { return j.interactive && j.Status() == jobstream.StatusCompleted })
}

// ActiveJobs returns batch jobs that have not completed.
func (c *Collection) ActiveJobs() []*Job {
	return c.filter(func(j *Job) bool { return !j.interactive && j.Status() != jobstream.StatusCompleted })
}

// FinishedJobs returns batch jobs that have completed.
func (c *Collection) FinishedJobs() []*Job {
	return c.filter(func(j *Job) bool { return !j.interactive && j.Status() == jobstream.StatusCompleted })
}

// DisplayCount returns the number of jobs that have not completed.
func (c *Collection) DisplayCount() int {
	return len(c.filter(func(j *Job) bool { return j.Status() != jobstream.StatusCompleted }))
}

// StartAll starts polling every tracked job.
func (c *Collection) StartAll(ctx context.Context) {
	for _, j := range c.Jobs() {
		j.Start(ctx)
	}
}

// StopAll stops polling every tracked job without removing it.
func (c *Collection) StopAll() {
	for _, j := range c.Jobs() {
		j.Stop()
	}
}

// Wait blocks until every tracked job's background work has returned.
func (c *Collection) Wait() {
	for _, j := range c.Jobs() {
		j.Wait()
	}
}

func (c *Collection) filter(keep func(*Job) bool) []*Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Job, 0, len(c.entries))
	for _, e := range c.entries {
		if keep(e.job) {
			out = append(out, e.job)
		}
	}
	return out
}
