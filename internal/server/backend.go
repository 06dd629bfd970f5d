package server

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/jobtail/pkg/jobstream"
)

var (
	// ErrUnknownJob is returned by Backend methods for an unknown job ID.
	ErrUnknownJob = errors.New("unknown job")

	// ErrNotInteractive is returned when a session call targets a batch job.
	ErrNotInteractive = errors.New("job is not interactive")
)

// FakeJob is the server-side state of one job.
type FakeJob struct {
	WorkloadID  string
	JobID       string
	Interactive bool

	Output []string
	Styles []string
	Events []string

	// Files is sent with every pull once set. Nil means no manifest.
	Files []jobstream.WireFile

	// Token, when set, is sent on the next pull only.
	Token string

	Port      string
	Connected bool
	Inputs    []string
}

// Backend is an in-memory job table.
//
// Backend is safe for concurrent use.
type Backend struct {
	mu       sync.Mutex
	jobs     map[string]*FakeJob
	nextPort int
}

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	return &Backend{
		jobs:     make(map[string]*FakeJob),
		nextPort: 8888,
	}
}

// Launch creates a job with a fresh ID and a "launched" event.
func (b *Backend) Launch(workloadID string, interactive bool) string {
	id := uuid.New().String()
	b.LaunchWithID(workloadID, id, interactive)
	return id
}

// LaunchWithID creates (or resets) a job under a caller-chosen ID.
func (b *Backend) LaunchWithID(workloadID, jobID string, interactive bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[jobID] = &FakeJob{
		WorkloadID:  workloadID,
		JobID:       jobID,
		Interactive: interactive,
		Events:      []string{string(jobstream.EventLaunched)},
	}
}

// AppendOutput appends output lines, all with the same style.
func (b *Backend) AppendOutput(jobID, style string, lines ...string) error {
	return b.update(jobID, func(j *FakeJob) error {
		for _, line := range lines {
			j.Output = append(j.Output, line)
			j.Styles = append(j.Styles, style)
		}
		return nil
	})
}

// AppendEvent appends lifecycle events.
func (b *Backend) AppendEvent(jobID string, kinds ...jobstream.EventKind) error {
	return b.update(jobID, func(j *FakeJob) error {
		for _, k := range kinds {
			j.Events = append(j.Events, string(k))
		}
		return nil
	})
}

// SetFiles replaces the file manifest. A nil list clears it.
func (b *Backend) SetFiles(jobID string, files ...jobstream.WireFile) error {
	return b.update(jobID, func(j *FakeJob) error {
		if files == nil {
			j.Files = nil
			return nil
		}
		j.Files = append([]jobstream.WireFile{}, files...)
		return nil
	})
}

// SetToken queues a session token for the next pull.
func (b *Backend) SetToken(jobID, token string) error {
	return b.update(jobID, func(j *FakeJob) error {
		j.Token = token
		return nil
	})
}

// Job returns a copy of a job's state.
func (b *Backend) Job(jobID string) (FakeJob, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return FakeJob{}, false
	}
	cp := *j
	cp.Output = append([]string(nil), j.Output...)
	cp.Styles = append([]string(nil), j.Styles...)
	cp.Events = append([]string(nil), j.Events...)
	cp.Inputs = append([]string(nil), j.Inputs...)
	if j.Files != nil {
		cp.Files = append([]jobstream.WireFile{}, j.Files...)
	}
	return cp, true
}

// Pull returns everything after the cursors. Empty slices are nil on the
// wire so clients see "nothing new".
func (b *Backend) Pull(req jobstream.PullRequest) (*jobstream.PullResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[req.JobID]
	if !ok || (req.WorkloadID != "" && j.WorkloadID != req.WorkloadID) {
		return nil, ErrUnknownJob
	}

	resp := &jobstream.PullResponse{
		Output:      tail(j.Output, req.LastOutputIndex),
		OutputStyle: tail(j.Styles, req.LastOutputIndex),
		Events:      tail(j.Events, req.LastEventIndex),
	}
	if j.Files != nil {
		resp.Files = append([]jobstream.WireFile{}, j.Files...)
	}
	if j.Token != "" {
		resp.SessionToken = j.Token
		j.Token = ""
	}
	return resp, nil
}

// Connect attaches an interactive session and returns its port.
func (b *Backend) Connect(jobID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return "", ErrUnknownJob
	}
	if !j.Interactive {
		return "", ErrNotInteractive
	}
	if j.Port == "" {
		j.Port = strconv.Itoa(b.nextPort)
		b.nextPort++
	}
	j.Connected = true
	return j.Port, nil
}

// Disconnect detaches an interactive session.
func (b *Backend) Disconnect(jobID string) error {
	return b.update(jobID, func(j *FakeJob) error {
		j.Connected = false
		return nil
	})
}

// PushInput records the line and echoes it as stdin-styled output.
func (b *Backend) PushInput(req jobstream.PushInputRequest) error {
	return b.update(req.JobID, func(j *FakeJob) error {
		if req.WorkloadID != "" && j.WorkloadID != req.WorkloadID {
			return ErrUnknownJob
		}
		j.Inputs = append(j.Inputs, req.Line)
		j.Output = append(j.Output, req.Line)
		j.Styles = append(j.Styles, "stdin")
		return nil
	})
}

// Script plays lines one per interval, then a stop event. It returns when
// the script finishes or done closes.
func (b *Backend) Script(jobID string, interval time.Duration, lines []string, done <-chan struct{}) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for _, line := range lines {
		select {
		case <-done:
			return nil
		case <-ticker.C:
		}
		if err := b.AppendOutput(jobID, "stdout", line); err != nil {
			return err
		}
	}
	return b.AppendEvent(jobID, jobstream.EventStop)
}

func (b *Backend) update(jobID string, fn func(*FakeJob) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	return fn(j)
}

func tail(s []string, from int) []string {
	if from < 0 {
		from = 0
	}
	if from >= len(s) {
		return nil
	}
	return append([]string(nil), s[from:]...)
}
