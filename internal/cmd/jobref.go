package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/jobtail/pkg/jobstream"
	"github.com/3leaps/jobtail/pkg/manifest"
)

// Job reference parsing errors
var (
	// ErrInvalidJobRef indicates a reference is not "<workload>/<job>[:i]".
	ErrInvalidJobRef = errors.New("invalid job reference")

	// ErrNoJobs indicates nothing was given to watch.
	ErrNoJobs = errors.New("no jobs to watch")
)

// interactiveSuffix marks an interactive session in a job reference.
const interactiveSuffix = ":i"

// parseJobRef parses a job reference.
//
// Example references:
//   - analytics/job-42
//   - analytics/nb-7:i (interactive session)
func parseJobRef(ref string) (jobstream.Identity, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return jobstream.Identity{}, fmt.Errorf("%w: empty", ErrInvalidJobRef)
	}

	var id jobstream.Identity
	if strings.HasSuffix(ref, interactiveSuffix) {
		id.Interactive = true
		ref = strings.TrimSuffix(ref, interactiveSuffix)
	}

	workload, job, ok := strings.Cut(ref, "/")
	workload, job = strings.TrimSpace(workload), strings.TrimSpace(job)
	if !ok || workload == "" || job == "" || strings.Contains(job, "/") {
		return jobstream.Identity{}, fmt.Errorf("%w: %q (expected <workload>/<job>[:i])", ErrInvalidJobRef, ref)
	}
	id.WorkloadID = workload
	id.JobID = job
	return id, nil
}

// collectIdentities merges a watch manifest's jobs with positional
// references. Manifest jobs come first. jobs may be nil.
func collectIdentities(args []string, jobs *manifest.Manifest) ([]jobstream.Identity, error) {
	var ids []jobstream.Identity
	if jobs != nil {
		ids = append(ids, jobs.Identities()...)
	}
	for _, arg := range args {
		id, err := parseJobRef(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrNoJobs
	}
	return ids, nil
}
