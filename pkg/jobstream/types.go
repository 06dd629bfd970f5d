// Package jobstream maintains a local, ordered, gap-free replica of one remote
// job's output, lifecycle events and file manifest by polling the service
// incrementally with per-log cursors.
//
// The cursor for each log is its length: a poll asks for everything after
// the last consumed index, and the server returns only what is new. Logs are
// append-only; the file manifest is replaced wholesale by each response that
// carries one.
package jobstream

import (
	"strings"
	"time"
)

// Identity names a remote job. It is fixed for the lifetime of a Stream.
type Identity struct {
	// WorkloadID groups related jobs.
	WorkloadID string `json:"workload_id" yaml:"workload"`

	// JobID is unique within WorkloadID.
	JobID string `json:"job_id" yaml:"job"`

	// Interactive distinguishes an attached session from a batch computation.
	Interactive bool `json:"interactive" yaml:"interactive"`
}

// String renders the identity as "<workload>/<job>".
func (id Identity) String() string {
	return id.WorkloadID + "/" + id.JobID
}

// EventKind is the kind of a lifecycle event.
type EventKind string

const (
	EventLaunched EventKind = "launched"
	EventClosed   EventKind = "closed"
	EventStop     EventKind = "stop"
	EventError    EventKind = "error"
)

// IsTerminal reports whether the event marks the job as completed.
func (k EventKind) IsTerminal() bool {
	return k == EventClosed || k == EventStop
}

// OutputLine is one line of program output.
type OutputLine struct {
	// Index is the position of the line in the output log.
	Index int `json:"index"`

	// Text is the line content.
	Text string `json:"text"`

	// Style is an opaque rendering hint (e.g., "stdout", "stderr").
	Style string `json:"style,omitempty"`
}

// LifecycleEvent is one lifecycle transition reported by the server.
//
// Kinds outside the known set are kept verbatim.
type LifecycleEvent struct {
	// Index is the position of the event in the event log.
	Index int `json:"index"`

	// Kind is the event kind.
	Kind EventKind `json:"kind"`
}

// FileEntry is one entry of a job's file manifest.
type FileEntry struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	SizeBytes  int64     `json:"size_bytes"`
}

// Status is the derived lifecycle status of a stream.
type Status int

const (
	// StatusInitializing means no poll has succeeded yet.
	StatusInitializing Status = iota

	// StatusRunning means at least one poll succeeded and no terminal event
	// has been observed.
	StatusRunning

	// StatusCompleted means the event log holds a closed or stop marker.
	// It is terminal.
	StatusCompleted
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name for JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is an immutable copy of a stream's state.
type Snapshot struct {
	Identity     Identity         `json:"identity"`
	Status       Status           `json:"status"`
	HasError     bool             `json:"has_error"`
	Output       []OutputLine     `json:"output"`
	Events       []LifecycleEvent `json:"events"`
	Files        []FileEntry      `json:"files"`
	SessionToken string           `json:"session_token,omitempty"`
	SessionPort  string           `json:"session_port,omitempty"`
	SessionReady bool             `json:"session_ready"`
	Polling      bool             `json:"polling"`
}

// DefaultReadyMatcher reports whether an output line announces that the
// embedded interactive server has started.
func DefaultReadyMatcher(text string) bool {
	return strings.Contains(text, "Jupyter Server") && strings.Contains(text, "is running at")
}
