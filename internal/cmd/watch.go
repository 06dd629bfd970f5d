package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtail/internal/observability"
	"github.com/3leaps/jobtail/pkg/jobregistry"
	"github.com/3leaps/jobtail/pkg/jobstream"
	"github.com/3leaps/jobtail/pkg/manifest"
	"github.com/3leaps/jobtail/pkg/match"
	"github.com/3leaps/jobtail/pkg/output"
	"github.com/3leaps/jobtail/pkg/tracker"
	"github.com/3leaps/jobtail/pkg/transport"
)

var (
	watchJobsFile string
	watchJSON     bool
	watchDrain    int
	watchNoRecord bool

	watchFiles        []string
	watchFilesExclude []string
	watchFilesHidden  bool
	watchFilesMinSize string
	watchFilesMaxSize string
	watchFilesAfter   string
	watchFilesBefore  string
	watchFilesRegex   string
)

var watchCmd = &cobra.Command{
	Use:   "watch [<workload>/<job>[:i] ...]",
	Short: "Follow jobs until they complete",
	Long: `Follow one or more remote jobs, printing output lines as they arrive.

A trailing ":i" marks an interactive session. watch exits once every job has
completed. Jobs can also be listed in a YAML or JSON watch manifest passed
with --jobs; its optional files section applies when no --files* flag is set.

Examples:
  jobtail watch analytics/job-42
  jobtail watch analytics/nb-7:i --files '**/*.csv'
  jobtail watch analytics/job-42 --files 'results/**' --files-exclude '**/*.tmp' --files-min-size 1KiB
  jobtail watch --jobs jobs.yaml --json`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchJobsFile, "jobs", "", "YAML file listing jobs to watch")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Emit JSONL records instead of text")
	watchCmd.Flags().StringArrayVar(&watchFiles, "files", nil, "Report manifest entries matching this glob (repeatable, e.g. '**/*.csv')")
	watchCmd.Flags().StringArrayVar(&watchFilesExclude, "files-exclude", nil, "Exclude manifest entries matching this glob (repeatable)")
	watchCmd.Flags().BoolVar(&watchFilesHidden, "files-hidden", false, "Include dot-files and dot-directories in manifest reports")
	watchCmd.Flags().StringVar(&watchFilesMinSize, "files-min-size", "", "Minimum manifest entry size (e.g. 1KB, 10MiB)")
	watchCmd.Flags().StringVar(&watchFilesMaxSize, "files-max-size", "", "Maximum manifest entry size (e.g. 1GB)")
	watchCmd.Flags().StringVar(&watchFilesAfter, "files-after", "", "Only entries modified on/after this date (YYYY-MM-DD or RFC3339)")
	watchCmd.Flags().StringVar(&watchFilesBefore, "files-before", "", "Only entries modified before this date (YYYY-MM-DD or RFC3339)")
	watchCmd.Flags().StringVar(&watchFilesRegex, "files-regex", "", "Regex applied to manifest entry names after glob matching")
	watchCmd.Flags().IntVar(&watchDrain, "drain", -1, "Idle polls to drain after completion (default: poll.drain_idle_polls)")
	watchCmd.Flags().BoolVar(&watchNoRecord, "no-record", false, "Do not record jobs in the local registry")
}

func runWatch(cmd *cobra.Command, args []string) error {
	var jobs *manifest.Manifest
	if strings.TrimSpace(watchJobsFile) != "" {
		loaded, err := manifest.Load(watchJobsFile)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return exitError(foundry.ExitFileNotFound, "Jobs manifest not found", err)
			}
			return exitError(foundry.ExitInvalidArgument, "Invalid jobs manifest", err)
		}
		jobs = loaded
	}
	ids, err := collectIdentities(args, jobs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job list", err)
	}
	files, err := buildFileSelector(fileSelection{
		Includes: watchFiles,
		Excludes: watchFilesExclude,
		Hidden:   watchFilesHidden,
		MinSize:  watchFilesMinSize,
		MaxSize:  watchFilesMaxSize,
		After:    watchFilesAfter,
		Before:   watchFilesBefore,
		Regex:    watchFilesRegex,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid file selection", err)
	}
	if files == nil && jobs != nil {
		// Flags win; the manifest files section applies only without them.
		if files, err = jobs.Selector(); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid jobs manifest", err)
		}
	}

	cfg, err := loadedConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	api, session, err := newServiceClient(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid server configuration", err)
	}

	streamCfg := jobstream.DefaultConfig()
	streamCfg.Interval = cfg.Poll.Interval
	streamCfg.DrainIdlePolls = cfg.Poll.DrainIdlePolls
	if watchDrain >= 0 {
		streamCfg.DrainIdlePolls = watchDrain
	}
	streamCfg.Gate = session
	streamCfg.Logger = observability.CLILogger

	opts := watchOptions{
		Identities: ids,
		JSON:       watchJSON,
		Files:      files,
		Stream:     streamCfg,
		Server:     cfg.Server.URL,
	}
	if !watchNoRecord {
		store, err := openRegistry(cmd)
		if err != nil {
			observability.CLILogger.Warn("Job registry unavailable", zap.Error(err))
		} else {
			opts.Store = store
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := newWatcher(opts, api, session, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job list", err)
	}

	summary, err := w.Run(ctx)
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrSessionInvalid):
			return exitError(foundry.ExitExternalServiceUnavailable, "Session rejected by server", err)
		case errors.Is(err, context.Canceled):
			observability.CLILogger.Warn("Watch cancelled",
				zap.Int("jobs", summary.Jobs),
				zap.Int("completed", summary.Completed))
			return exitError(foundry.ExitSignalInt, "Watch cancelled", err)
		case errors.Is(err, output.ErrWriterClosed), isWriteError(err):
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Watch failed", err)
		}
	}

	observability.CLILogger.Info("Watch completed",
		zap.Int("jobs", summary.Jobs),
		zap.Int("completed", summary.Completed),
		zap.Int("errored", summary.Errored),
		zap.Int("output_lines", summary.OutputLines),
		zap.String("duration", summary.DurationHuman))
	return nil
}

func isWriteError(err error) bool {
	var we *output.WriteError
	return errors.As(err, &we)
}

type watchOptions struct {
	Identities []jobstream.Identity
	JSON       bool
	Stream     jobstream.Config

	// Files selects manifest entries to report. Nil disables file reports.
	Files *match.Selector

	// Store records watched jobs. Optional.
	Store  *jobregistry.Store
	Server string
}

// cursor tracks what has already been reported for one stream.
type cursor struct {
	output   int
	events   int
	status   jobstream.Status
	reported bool
	ready    bool
	port     string
	files    []jobstream.FileEntry
	created  time.Time
}

// watcher renders collection changes on a single goroutine.
type watcher struct {
	opts    watchOptions
	coll    *tracker.Collection
	session *transport.Session
	out     io.Writer
	errOut  io.Writer
	jsonl   *output.JSONLWriter
	cursors map[*jobstream.Stream]*cursor
	order   []*jobstream.Stream
	started time.Time
	lines   int
}

func newWatcher(opts watchOptions, client jobstream.Client, session *transport.Session, out, errOut io.Writer) (*watcher, error) {
	w := &watcher{
		opts:    opts,
		coll:    tracker.NewCollection(),
		session: session,
		out:     out,
		errOut:  errOut,
		cursors: make(map[*jobstream.Stream]*cursor),
	}
	if opts.JSON {
		w.jsonl = output.NewJSONLWriter(out, "jobtail.watch")
	}

	for _, id := range opts.Identities {
		stream := jobstream.New(id, client, opts.Stream)
		job, err := tracker.SingleStreamJob(stream)
		if err != nil {
			return nil, err
		}
		if err := w.coll.Add(job); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		w.order = append(w.order, stream)
		w.cursors[stream] = &cursor{}
	}
	return w, nil
}

// Run polls every job until all have completed (and drained, when draining
// is configured), the context ends, or the session is invalidated.
func (w *watcher) Run(ctx context.Context) (output.SummaryRecord, error) {
	w.started = time.Now()
	w.recordStart()

	changed := make(chan struct{}, 1)
	unsubscribe := w.coll.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	invalid := make(chan struct{})
	if w.session != nil {
		var once sync.Once
		w.session.OnInvalidate(func() { once.Do(func() { close(invalid) }) })
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.coll.StartAll(runCtx)
	defer func() {
		w.coll.StopAll()
		w.coll.Wait()
	}()

	// Streams that stop on their own after draining do not emit a change, so
	// re-check on a timer as well.
	ticker := time.NewTicker(w.opts.Stream.Interval)
	defer ticker.Stop()

	for {
		if err := w.render(runCtx); err != nil {
			return w.summary(), err
		}
		if w.done() {
			break
		}
		select {
		case <-ctx.Done():
			_ = w.render(context.Background())
			return w.summary(), ctx.Err()
		case <-invalid:
			_ = w.render(context.Background())
			return w.summary(), transport.ErrSessionInvalid
		case <-changed:
		case <-ticker.C:
		}
	}

	summary := w.summary()
	if w.jsonl != nil {
		if err := w.jsonl.WriteSummary(ctx, &summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (w *watcher) done() bool {
	for _, s := range w.order {
		if s.Status() != jobstream.StatusCompleted {
			return false
		}
		if w.opts.Stream.DrainIdlePolls > 0 && s.IsPolling() {
			return false
		}
	}
	return true
}

func (w *watcher) render(ctx context.Context) error {
	for _, s := range w.order {
		if err := w.renderStream(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (w *watcher) renderStream(ctx context.Context, s *jobstream.Stream) error {
	c := w.cursors[s]
	id := s.Identity()
	subject := output.Subject{WorkloadID: id.WorkloadID, JobID: id.JobID}
	dirty := false

	lines := s.OutputFrom(c.output)
	for _, line := range lines {
		if err := w.emitOutput(ctx, subject, line); err != nil {
			return err
		}
	}
	if len(lines) > 0 {
		c.output += len(lines)
		w.lines += len(lines)
		dirty = true
		w.appendRegistryOutput(id, lines)
	}

	events := s.Events()
	for _, ev := range events[min(c.events, len(events)):] {
		if err := w.emitEvent(ctx, subject, ev); err != nil {
			return err
		}
		dirty = true
	}
	c.events = len(events)

	if w.opts.Files != nil {
		matched := w.opts.Files.Select(s.Files())
		if !manifestEqual(c.files, matched) {
			if err := w.emitFiles(ctx, subject, matched); err != nil {
				return err
			}
			c.files = matched
		}
	}

	status := s.Status()
	ready := s.SessionReady()
	port := s.SessionPort()
	if !c.reported || status != c.status || ready != c.ready || port != c.port {
		if err := w.emitStatus(ctx, subject, s, status, ready, port); err != nil {
			return err
		}
		c.reported = true
		c.status = status
		c.ready = ready
		c.port = port
		dirty = true
	}

	if dirty {
		w.recordProgress(s, c)
	}
	return nil
}

func (w *watcher) emitOutput(ctx context.Context, subject output.Subject, line jobstream.OutputLine) error {
	if w.jsonl != nil {
		return w.jsonl.WriteOutput(ctx, subject, &output.OutputRecord{Index: line.Index, Text: line.Text, Style: line.Style})
	}
	dst := w.out
	if line.Style == "stderr" {
		dst = w.errOut
	}
	_, err := fmt.Fprintf(dst, "[%s/%s] %s\n", subject.WorkloadID, subject.JobID, line.Text)
	return err
}

func (w *watcher) emitEvent(ctx context.Context, subject output.Subject, ev jobstream.LifecycleEvent) error {
	if w.jsonl != nil {
		if err := w.jsonl.WriteEvent(ctx, subject, &output.EventRecord{Index: ev.Index, Kind: string(ev.Kind)}); err != nil {
			return err
		}
		if ev.Kind == jobstream.EventError {
			return w.jsonl.WriteError(ctx, subject, &output.ErrorRecord{
				Code:    output.ErrCodeJobError,
				Message: "job reported an error event",
				Details: map[string]any{"event_index": ev.Index},
			})
		}
		return nil
	}
	_, err := fmt.Fprintf(w.errOut, "[%s/%s] event: %s\n", subject.WorkloadID, subject.JobID, ev.Kind)
	return err
}

func (w *watcher) emitFiles(ctx context.Context, subject output.Subject, files []jobstream.FileEntry) error {
	if w.jsonl != nil {
		rec := &output.FilesRecord{Files: make([]output.FileRecord, 0, len(files))}
		for _, f := range files {
			rec.Files = append(rec.Files, output.FileRecord{Name: f.Name, ModifiedAt: f.ModifiedAt, SizeBytes: f.SizeBytes})
		}
		return w.jsonl.WriteFiles(ctx, subject, rec)
	}
	if _, err := fmt.Fprintf(w.errOut, "[%s/%s] files: %d matching\n", subject.WorkloadID, subject.JobID, len(files)); err != nil {
		return err
	}
	for _, f := range files {
		modified := "-"
		if !f.ModifiedAt.IsZero() {
			modified = f.ModifiedAt.UTC().Format(time.RFC3339)
		}
		if _, err := fmt.Fprintf(w.errOut, "  %s\t%d\t%s\n", f.Name, f.SizeBytes, modified); err != nil {
			return err
		}
	}
	return nil
}

func (w *watcher) emitStatus(ctx context.Context, subject output.Subject, s *jobstream.Stream, status jobstream.Status, ready bool, port string) error {
	if w.jsonl != nil {
		return w.jsonl.WriteStatus(ctx, subject, &output.StatusRecord{
			Status:       status.String(),
			HasError:     s.HasError(),
			SessionReady: ready,
			SessionPort:  port,
		})
	}
	msg := fmt.Sprintf("[%s/%s] status: %s", subject.WorkloadID, subject.JobID, status)
	if s.Identity().Interactive {
		if ready {
			msg += " (session ready)"
		}
		if port != "" {
			msg += " port=" + port
		}
	}
	_, err := fmt.Fprintln(w.errOut, msg)
	return err
}

func (w *watcher) summary() output.SummaryRecord {
	var sum output.SummaryRecord
	for _, j := range w.coll.Jobs() {
		sum.Jobs++
		if j.Status() == jobstream.StatusCompleted {
			sum.Completed++
		}
		if j.HasError() {
			sum.Errored++
		}
	}
	sum.OutputLines = w.lines
	sum.Duration = time.Since(w.started)
	sum.DurationHuman = sum.Duration.Round(time.Millisecond).String()
	return sum
}

func (w *watcher) recordStart() {
	if w.opts.Store == nil {
		return
	}
	now := time.Now().UTC()
	for _, s := range w.order {
		id := s.Identity()
		c := w.cursors[s]
		c.created = now
		if prev, err := w.opts.Store.Get(id.WorkloadID, id.JobID); err == nil {
			c.created = prev.CreatedAt
		}
		rec := &jobregistry.JobRecord{
			JobID:       id.JobID,
			WorkloadID:  id.WorkloadID,
			Interactive: id.Interactive,
			Server:      w.opts.Server,
			State:       jobregistry.JobStateInitializing,
			CreatedAt:   c.created,
			LastSeenAt:  &now,
			OutputPath:  w.opts.Store.OutputPath(id.WorkloadID, id.JobID),
		}
		if err := w.opts.Store.Write(rec); err != nil {
			observability.CLILogger.Warn("Failed to record job", zap.String("job", id.String()), zap.Error(err))
		}
	}
}

func (w *watcher) recordProgress(s *jobstream.Stream, c *cursor) {
	if w.opts.Store == nil {
		return
	}
	id := s.Identity()
	now := time.Now().UTC()
	rec := &jobregistry.JobRecord{
		JobID:       id.JobID,
		WorkloadID:  id.WorkloadID,
		Interactive: id.Interactive,
		Server:      w.opts.Server,
		State:       registryState(s),
		CreatedAt:   c.created,
		LastSeenAt:  &now,
		OutputLines: c.output,
		EventCount:  c.events,
		HasError:    s.HasError(),
		SessionPort: c.port,
		OutputPath:  w.opts.Store.OutputPath(id.WorkloadID, id.JobID),
	}
	if rec.State.IsTerminal() {
		rec.EndedAt = &now
	}
	if err := w.opts.Store.Write(rec); err != nil {
		observability.CLILogger.Warn("Failed to record job", zap.String("job", id.String()), zap.Error(err))
	}
}

func (w *watcher) appendRegistryOutput(id jobstream.Identity, lines []jobstream.OutputLine) {
	if w.opts.Store == nil {
		return
	}
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	if err := w.opts.Store.AppendOutput(id.WorkloadID, id.JobID, texts); err != nil {
		observability.CLILogger.Warn("Failed to record output", zap.String("job", id.String()), zap.Error(err))
	}
}

func registryState(s *jobstream.Stream) jobregistry.JobState {
	switch s.Status() {
	case jobstream.StatusCompleted:
		if s.HasError() {
			return jobregistry.JobStateFailed
		}
		return jobregistry.JobStateCompleted
	case jobstream.StatusRunning:
		return jobregistry.JobStateRunning
	default:
		return jobregistry.JobStateInitializing
	}
}

// fileSelection mirrors the watch --files* flags.
type fileSelection struct {
	Includes []string
	Excludes []string
	Hidden   bool
	MinSize  string
	MaxSize  string
	After    string
	Before   string
	Regex    string
}

// buildFileSelector returns nil when no file flag is set. Attribute filters
// without an include pattern select from the whole manifest.
func buildFileSelector(sel fileSelection) (*match.Selector, error) {
	filters := &match.FilterConfig{NameRegex: sel.Regex}
	if sel.MinSize != "" || sel.MaxSize != "" {
		filters.Size = &match.SizeFilterConfig{Min: sel.MinSize, Max: sel.MaxSize}
	}
	if sel.After != "" || sel.Before != "" {
		filters.Modified = &match.DateFilterConfig{After: sel.After, Before: sel.Before}
	}
	hasFilters := filters.Size != nil || filters.Modified != nil || filters.NameRegex != ""

	includes := sel.Includes
	if len(includes) == 0 {
		if !hasFilters && len(sel.Excludes) == 0 && !sel.Hidden {
			return nil, nil
		}
		includes = []string{"**"}
	}
	if !hasFilters {
		filters = nil
	}
	return match.NewSelector(match.Config{
		Includes:      includes,
		Excludes:      sel.Excludes,
		IncludeHidden: sel.Hidden,
	}, filters)
}

func manifestEqual(a, b []jobstream.FileEntry) bool {
	return slices.EqualFunc(a, b, func(x, y jobstream.FileEntry) bool {
		return x.Name == y.Name && x.SizeBytes == y.SizeBytes && x.ModifiedAt.Equal(y.ModifiedAt)
	})
}
