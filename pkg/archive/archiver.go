package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobtail/pkg/jobregistry"
	"github.com/3leaps/jobtail/pkg/provider"
)

// Object names within an archived job.
const (
	RecordObject = "job.json"
	OutputObject = "output.log"
)

// ErrJobActive is returned when archiving a job that may still produce output.
var ErrJobActive = errors.New("job is still active")

// Record is the job.json document written to the archive.
type Record struct {
	jobregistry.JobRecord

	ArchivedAt  time.Time `json:"archived_at"`
	OutputBytes int64     `json:"output_bytes"`
}

// Options tune a single Archive call.
type Options struct {
	// SkipExisting leaves jobs whose job.json is already archived untouched.
	SkipExisting bool

	// IncludeActive archives jobs that are not yet terminal.
	IncludeActive bool
}

// Result describes what Archive did for one job.
type Result struct {
	WorkloadID string   `json:"workload_id"`
	JobID      string   `json:"job_id"`
	Keys       []string `json:"keys"`
	Bytes      int64    `json:"bytes"`
	Skipped    bool     `json:"skipped,omitempty"`
}

// Archiver copies registry records to a provider.
type Archiver struct {
	store  *jobregistry.Store
	dest   provider.Provider
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Archiver) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the archived_at clock.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// New returns an Archiver writing under prefix in dest.
func New(store *jobregistry.Store, dest provider.Provider, prefix string, opts ...Option) *Archiver {
	a := &Archiver{
		store:  store,
		dest:   dest,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// JobKey returns the archive key of object name for a job.
func (a *Archiver) JobKey(workloadID, jobID, name string) string {
	return path.Join(a.prefix, workloadID, jobID, name)
}

// Archive uploads rec's output log and record. Jobs in a non-terminal state
// are refused unless opts.IncludeActive is set; unknown (stale) jobs are
// treated as finished.
func (a *Archiver) Archive(ctx context.Context, rec *jobregistry.JobRecord, opts Options) (*Result, error) {
	res := &Result{WorkloadID: rec.WorkloadID, JobID: rec.JobID, Keys: []string{}}

	if !opts.IncludeActive && !rec.State.IsTerminal() && rec.State != jobregistry.JobStateUnknown {
		return res, fmt.Errorf("%w: %s is %s", ErrJobActive, rec.Key(), rec.State)
	}

	recordKey := a.JobKey(rec.WorkloadID, rec.JobID, RecordObject)
	if opts.SkipExisting {
		_, err := a.dest.Head(ctx, recordKey)
		switch {
		case err == nil:
			res.Skipped = true
			a.logger.Debug("Archive exists, skipping", zap.String("job", rec.Key()), zap.String("key", recordKey))
			return res, nil
		case !provider.IsNotFound(err):
			return res, err
		}
	}

	outBytes, err := a.uploadOutput(ctx, rec, res)
	if err != nil {
		return res, err
	}

	doc := Record{JobRecord: *rec, ArchivedAt: a.now().UTC(), OutputBytes: outBytes}
	doc.OutputPath = ""
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return res, fmt.Errorf("encode %s: %w", RecordObject, err)
	}
	body = append(body, '\n')
	if err := a.dest.PutObject(ctx, recordKey, bytes.NewReader(body), int64(len(body))); err != nil {
		return res, err
	}
	res.Keys = append(res.Keys, recordKey)
	res.Bytes += int64(len(body))

	a.logger.Info("Job archived",
		zap.String("job", rec.Key()),
		zap.Int("objects", len(res.Keys)),
		zap.Int64("bytes", res.Bytes))
	return res, nil
}

// uploadOutput copies the job's output log when one exists.
func (a *Archiver) uploadOutput(ctx context.Context, rec *jobregistry.JobRecord, res *Result) (int64, error) {
	f, err := os.Open(a.store.OutputPath(rec.WorkloadID, rec.JobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open output log: %w", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat output log: %w", err)
	}
	key := a.JobKey(rec.WorkloadID, rec.JobID, OutputObject)
	if err := a.dest.PutObject(ctx, key, f, st.Size()); err != nil {
		return 0, err
	}
	res.Keys = append(res.Keys, key)
	res.Bytes += st.Size()
	return st.Size(), nil
}

// ArchivedJob is a job found in the archive.
type ArchivedJob struct {
	WorkloadID   string    `json:"workload_id"`
	JobID        string    `json:"job_id"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// List returns every archived job under the prefix, in key order. Jobs
// whose job.json is missing (interrupted uploads) are not listed.
func (a *Archiver) List(ctx context.Context) ([]ArchivedJob, error) {
	listPrefix := a.prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	objects, err := provider.ListAll(ctx, a.dest, listPrefix)
	if err != nil {
		return nil, err
	}

	jobs := make([]ArchivedJob, 0, len(objects))
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, listPrefix)
		parts := strings.Split(rel, "/")
		if len(parts) != 3 || parts[2] != RecordObject {
			continue
		}
		jobs = append(jobs, ArchivedJob{
			WorkloadID:   parts[0],
			JobID:        parts[1],
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return jobs, nil
}
