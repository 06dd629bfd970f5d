package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultStaleAfter is how long a non-terminal record may go unseen before
// Get reports it as unknown.
const DefaultStaleAfter = 24 * time.Hour

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<workload_id>/<job_id>/job.json
//	<root>/<workload_id>/<job_id>/output.log
//
// Root is expected to be under the app data dir.
type Store struct {
	root       string
	staleAfter time.Duration
	now        func() time.Time
}

func NewStore(root string) *Store {
	return &Store{
		root:       strings.TrimSpace(root),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// WithStaleAfter overrides DefaultStaleAfter. Zero disables stale detection.
func (s *Store) WithStaleAfter(d time.Duration) *Store {
	s.staleAfter = d
	return s
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(workloadID, jobID string) string {
	return filepath.Join(s.root, workloadID, jobID)
}

func (s *Store) JobPath(workloadID, jobID string) string {
	return filepath.Join(s.JobDir(workloadID, jobID), "job.json")
}

func (s *Store) OutputPath(workloadID, jobID string) string {
	return filepath.Join(s.JobDir(workloadID, jobID), "output.log")
}

func (s *Store) ensureRoot() error {
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// validateID rejects identifiers that cannot be used as a single path element.
func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid %s %q", kind, id)
	}
	return nil
}

func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	if err := validateID("workload_id", record.WorkloadID); err != nil {
		return err
	}
	if err := validateID("job_id", record.JobID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(record.WorkloadID, record.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	finalPath := s.JobPath(record.WorkloadID, record.JobID)
	if err := os.Rename(tmpName, finalPath); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (s *Store) Get(workloadID, jobID string) (*JobRecord, error) {
	if err := validateID("workload_id", workloadID); err != nil {
		return nil, err
	}
	if err := validateID("job_id", jobID); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.JobPath(workloadID, jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	// Stale detection: a job nobody has polled for a long time may have
	// finished unobserved; report it as unknown rather than running.
	if !record.State.IsTerminal() && s.staleAfter > 0 {
		seen := record.CreatedAt
		if record.LastSeenAt != nil {
			seen = *record.LastSeenAt
		}
		if s.now().Sub(seen) > s.staleAfter {
			record.State = JobStateUnknown
		}
	}

	return &record, nil
}

// Delete removes a job's directory, including its output log.
func (s *Store) Delete(workloadID, jobID string) error {
	if err := validateID("workload_id", workloadID); err != nil {
		return err
	}
	if err := validateID("job_id", jobID); err != nil {
		return err
	}
	dir := s.JobDir(workloadID, jobID)
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	// Drop the workload dir once its last job is gone.
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// AppendOutput appends lines to the job's output log.
func (s *Store) AppendOutput(workloadID, jobID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	if err := validateID("workload_id", workloadID); err != nil {
		return err
	}
	if err := validateID("job_id", jobID); err != nil {
		return err
	}
	dir := s.JobDir(workloadID, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	f, err := os.OpenFile(s.OutputPath(workloadID, jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open output log: %w", err)
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output log: %w", err)
	}
	return f.Close()
}

func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	workloads, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(workloads))
	for _, w := range workloads {
		if !w.IsDir() {
			continue
		}
		jobs, err := os.ReadDir(filepath.Join(s.root, w.Name()))
		if err != nil {
			continue
		}
		for _, j := range jobs {
			if !j.IsDir() {
				continue
			}
			r, err := s.Get(w.Name(), j.Name())
			if err != nil {
				continue
			}
			out = append(out, *r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

// Resolve finds the record addressed by ref, which is either
// "<workload>/<job>" or a job ID (or unique job ID prefix) on its own.
func (s *Store) Resolve(ref string) (*JobRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("job reference is required")
	}

	if workloadID, jobID, ok := strings.Cut(ref, "/"); ok {
		return s.Get(workloadID, jobID)
	}

	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	var matches []JobRecord
	for _, j := range jobs {
		if j.JobID == ref {
			return &j, nil
		}
		if strings.HasPrefix(j.JobID, ref) {
			matches = append(matches, j)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("job not found: %s", ref)
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("job id prefix is ambiguous (%d matches); use <workload>/<job>", len(matches))
	}
	return &matches[0], nil
}
