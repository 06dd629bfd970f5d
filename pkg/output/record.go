// Package output provides JSONL output for watched jobs.
//
// Output is structured as typed record envelopes containing output lines,
// lifecycle events, file manifests, status transitions and errors. Each line
// is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: jobtail.<type>.v<version>
const (
	// TypeOutput identifies program output line records.
	TypeOutput = "jobtail.output.v1"

	// TypeEvent identifies lifecycle event records.
	TypeEvent = "jobtail.event.v1"

	// TypeFiles identifies file manifest snapshot records.
	TypeFiles = "jobtail.files.v1"

	// TypeStatus identifies status transition records.
	TypeStatus = "jobtail.status.v1"

	// TypeError identifies error records.
	TypeError = "jobtail.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "jobtail.summary.v1"
)

// Subject names the job a record belongs to.
type Subject struct {
	WorkloadID string `json:"workload_id"`
	JobID      string `json:"job_id"`
}

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "jobtail.output.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// Source identifies the service being watched (e.g., its host).
	Source string `json:"source"`

	// WorkloadID and JobID identify the job, empty for session-wide records.
	WorkloadID string `json:"workload_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// OutputRecord is the data payload for one output line.
type OutputRecord struct {
	// Index is the line's position in the job's output log.
	Index int `json:"index"`

	// Text is the line content.
	Text string `json:"text"`

	// Style is the server-provided rendering hint.
	Style string `json:"style,omitempty"`
}

// EventRecord is the data payload for one lifecycle event.
type EventRecord struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
}

// FileRecord is one entry of a FilesRecord.
type FileRecord struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	SizeBytes  int64     `json:"size_bytes"`
}

// FilesRecord is the data payload for a file manifest snapshot.
//
// Files is the complete current manifest (after any filtering), not a delta.
type FilesRecord struct {
	Files []FileRecord `json:"files"`
}

// StatusRecord is the data payload for status transitions.
type StatusRecord struct {
	Status       string `json:"status"`
	HasError     bool   `json:"has_error"`
	SessionReady bool   `json:"session_ready"`
	SessionPort  string `json:"session_port,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than ending the watch, so a failing
// job does not hide the output of the others.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeJobError indicates the job reported an error event.
	ErrCodeJobError = "JOB_ERROR"

	// ErrCodeUnauthorized indicates the session was rejected.
	ErrCodeUnauthorized = "UNAUTHORIZED"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for the final summary of a watch.
type SummaryRecord struct {
	// Jobs is the number of jobs watched.
	Jobs int `json:"jobs"`

	// Completed is the number of jobs that reached completed.
	Completed int `json:"completed"`

	// Errored is the number of jobs that reported an error event.
	Errored int `json:"errored"`

	// OutputLines is the total number of output lines received.
	OutputLines int `json:"output_lines"`

	// Duration is the total watch duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
