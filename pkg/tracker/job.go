// Package tracker aggregates jobs and classifies them by kind and status.
//
// A Job is one remote computation made of one or more sub-streams (for
// example an interactive session and a batch step of the same launch). A
// Collection owns the set of known jobs, re-emits every member's change signal
// as its own, and offers the classification views as pure filters recomputed
// on every read.
package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/jobtail/pkg/jobstream"
)

// Job is one tracked remote computation.
type Job struct {
	id          string
	workloadID  string
	interactive bool
	streams     []*jobstream.Stream
}

// NewJob creates a job. interactive is fixed for the job's lifetime and
// decides which pair of views it is classified into. At least one stream is
// required.
func NewJob(id, workloadID string, interactive bool, streams ...*jobstream.Stream) (*Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("job %s: at least one stream is required", id)
	}
	for i, s := range streams {
		if s == nil {
			return nil, fmt.Errorf("job %s: stream %d is nil", id, i)
		}
	}
	return &Job{
		id:          id,
		workloadID:  strings.TrimSpace(workloadID),
		interactive: interactive,
		streams:     append([]*jobstream.Stream(nil), streams...),
	}, nil
}

// SingleStreamJob wraps one stream as a job using the stream's identity.
func SingleStreamJob(s *jobstream.Stream) (*Job, error) {
	if s == nil {
		return nil, fmt.Errorf("stream is nil")
	}
	id := s.Identity()
	return NewJob(id.JobID, id.WorkloadID, id.Interactive, s)
}

func (j *Job) ID() string         { return j.id }
func (j *Job) WorkloadID() string { return j.workloadID }
func (j *Job) Interactive() bool  { return j.interactive }

// Streams returns the job's sub-streams.
func (j *Job) Streams() []*jobstream.Stream {
	return append([]*jobstream.Stream(nil), j.streams...)
}

// Status derives the job status from its sub-streams: Completed when every
// stream is Completed, Initializing while no stream has completed a poll, and
// Running otherwise.
func (j *Job) Status() jobstream.Status {
	completed := 0
	initializing := 0
	for _, s := range j.streams {
		switch s.Status() {
		case jobstream.StatusCompleted:
			completed++
		case jobstream.StatusInitializing:
			initializing++
		}
	}
	switch {
	case completed == len(j.streams):
		return jobstream.StatusCompleted
	case initializing == len(j.streams):
		return jobstream.StatusInitializing
	default:
		return jobstream.StatusRunning
	}
}

// HasError reports whether any sub-stream has seen an error event.
func (j *Job) HasError() bool {
	for _, s := range j.streams {
		if s.HasError() {
			return true
		}
	}
	return false
}

// Start starts polling every sub-stream.
func (j *Job) Start(ctx context.Context) {
	for _, s := range j.streams {
		s.StartPolling(ctx)
	}
}

// Stop stops polling every sub-stream.
func (j *Job) Stop() {
	for _, s := range j.streams {
		s.StopPolling()
	}
}

// Wait blocks until every sub-stream's background work has returned.
func (j *Job) Wait() {
	for _, s := range j.streams {
		s.Wait()
	}
}

func (j *Job) subscribe(fn func()) (cancel func()) {
	cancels := make([]func(), 0, len(j.streams))
	for _, s := range j.streams {
		cancels = append(cancels, s.Subscribe(fn))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
