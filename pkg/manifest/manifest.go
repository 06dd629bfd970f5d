// Package manifest provides loading and validation of jobtail watch manifests.
//
// A watch manifest is a YAML or JSON file listing the jobs to follow and,
// optionally, which entries of their file manifests to report.
//
// Manifests are validated against a JSON Schema before use. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	jobs:
//	  - workload: analytics
//	    job: job-42
//	  - workload: analytics
//	    job: nb-7
//	    interactive: true
//	files:
//	  includes:
//	    - "results/**/*.csv"
//	  excludes:
//	    - "**/*.tmp.csv"
//	  filters:
//	    size:
//	      min: 1KiB
package manifest

import (
	"github.com/3leaps/jobtail/pkg/jobstream"
	"github.com/3leaps/jobtail/pkg/match"
)

// CurrentVersion is the manifest version written and accepted.
const CurrentVersion = "1.0"

// Manifest represents a validated watch manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Defaults to "1.0".
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Jobs lists the jobs to watch. At least one entry is required.
	Jobs []JobEntry `json:"jobs" yaml:"jobs"`

	// Files selects file manifest entries to report (optional).
	Files *FilesConfig `json:"files,omitempty" yaml:"files,omitempty"`
}

// JobEntry names one job.
type JobEntry struct {
	Workload    string `json:"workload" yaml:"workload"`
	Job         string `json:"job" yaml:"job"`
	Interactive bool   `json:"interactive,omitempty" yaml:"interactive,omitempty"`
}

// FilesConfig configures file manifest reporting.
type FilesConfig struct {
	// Includes is a list of glob patterns. Defaults to "**" when empty.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes is a list of glob patterns to drop. Optional.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// IncludeHidden reports dot-files and dot-directories.
	IncludeHidden bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`

	// Filters applies size, date and name-regex constraints after globbing.
	Filters *match.FilterConfig `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = CurrentVersion
	}
	if m.Files != nil && len(m.Files.Includes) == 0 {
		m.Files.Includes = []string{"**"}
	}
}

// Identities returns the jobs as stream identities in manifest order.
func (m *Manifest) Identities() []jobstream.Identity {
	ids := make([]jobstream.Identity, 0, len(m.Jobs))
	for _, j := range m.Jobs {
		ids = append(ids, jobstream.Identity{
			WorkloadID:  j.Workload,
			JobID:       j.Job,
			Interactive: j.Interactive,
		})
	}
	return ids
}

// Selector builds the file selector described by Files. Returns nil when the
// manifest does not configure file reporting.
func (m *Manifest) Selector() (*match.Selector, error) {
	if m.Files == nil {
		return nil, nil
	}
	includes := m.Files.Includes
	if len(includes) == 0 {
		includes = []string{"**"}
	}
	return match.NewSelector(match.Config{
		Includes:      includes,
		Excludes:      m.Files.Excludes,
		IncludeHidden: m.Files.IncludeHidden,
	}, m.Files.Filters)
}
