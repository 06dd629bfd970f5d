// Package jobregistry persists the jobs a user has watched so they can be
// listed, inspected and resumed across runs.
package jobregistry

import "time"

// JobState is the last known state of a watched job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateInitializing JobState = "initializing"
	JobStateRunning      JobState = "running"
	JobStateCompleted    JobState = "completed"
	JobStateFailed       JobState = "failed"
	JobStateUnknown      JobState = "unknown"
)

// IsTerminal reports whether the state will not change on further polls.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID       string    `json:"job_id"`
	WorkloadID  string    `json:"workload_id"`
	Interactive bool      `json:"interactive,omitempty"`
	Name        string    `json:"name,omitempty"`
	Server      string    `json:"server,omitempty"`
	State       JobState  `json:"state"`
	CreatedAt   time.Time `json:"created_at"`

	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	OutputLines int        `json:"output_lines"`
	EventCount  int        `json:"event_count"`
	HasError    bool       `json:"has_error,omitempty"`
	SessionPort string     `json:"session_port,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
}

// Key returns the "<workload>/<job>" key used for lookups.
func (r JobRecord) Key() string {
	return r.WorkloadID + "/" + r.JobID
}
