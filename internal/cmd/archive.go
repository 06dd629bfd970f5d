package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtail/internal/config"
	"github.com/3leaps/jobtail/internal/observability"
	"github.com/3leaps/jobtail/pkg/archive"
	"github.com/3leaps/jobtail/pkg/jobregistry"
	"github.com/3leaps/jobtail/pkg/match"
	"github.com/3leaps/jobtail/pkg/preflight"
	"github.com/3leaps/jobtail/pkg/provider"
)

var jobsArchiveCmd = &cobra.Command{
	Use:   "archive [job...]",
	Short: "Upload job records and output to an archive",
	Long: `Upload recorded jobs to an archive destination.

Destinations:
  s3://bucket/prefix   S3 or an S3-compatible endpoint (archive.endpoint)
  file:///dir          a local directory
  /dir                 same as file:///dir

Each job is written as <prefix>/<workload>/<job>/output.log followed by
job.json. Active jobs are skipped unless --include-active is set.

Examples:
  jobtail jobs archive --all --dest s3://logs/jobtail
  jobtail jobs archive etl/job-42 --forget
  jobtail jobs archive --all --preflight write-probe`,
	RunE: runJobsArchive,
}

var jobsArchivedCmd = &cobra.Command{
	Use:   "archived",
	Short: "List jobs in an archive",
	Args:  cobra.NoArgs,
	RunE:  runJobsArchived,
}

func init() {
	jobsCmd.AddCommand(jobsArchiveCmd)
	jobsCmd.AddCommand(jobsArchivedCmd)

	jobsArchiveCmd.Flags().Bool("all", false, "Archive every recorded job")
	jobsArchiveCmd.Flags().String("dest", "", "Archive destination (overrides archive.dest)")
	jobsArchiveCmd.Flags().Bool("skip-existing", false, "Skip jobs already present in the archive")
	jobsArchiveCmd.Flags().Bool("include-active", false, "Also archive jobs that have not ended")
	jobsArchiveCmd.Flags().Bool("forget", false, "Delete local records after a successful upload")
	jobsArchiveCmd.Flags().String("preflight", string(preflight.ModeReadSafe), "Preflight mode: plan-only, read-safe or write-probe")
	jobsArchiveCmd.Flags().Bool("json", false, "Output as JSON")

	jobsArchivedCmd.Flags().String("dest", "", "Archive destination (overrides archive.dest)")
	jobsArchivedCmd.Flags().Bool("json", false, "Output as JSON")
}

// archiveRun is the selection and behavior of one archive invocation.
type archiveRun struct {
	Records       []jobregistry.JobRecord
	SkipExisting  bool
	IncludeActive bool
	Forget        bool
	// Quiet skips active jobs instead of failing on them.
	Quiet bool
}

type archiveSummary struct {
	Destination string            `json:"destination"`
	Preflight   *preflight.Report `json:"preflight,omitempty"`
	Planned     []string          `json:"planned,omitempty"`
	Results     []archive.Result  `json:"results"`
	Active      []string          `json:"active,omitempty"`
	Forgotten   []string          `json:"forgotten,omitempty"`
	Bytes       int64             `json:"bytes"`
}

func runJobsArchive(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all == (len(args) > 0) {
		return exitError(foundry.ExitInvalidArgument, "Invalid arguments", errors.New("specify job references or --all"))
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	modeFlag, _ := cmd.Flags().GetString("preflight")
	mode, err := preflight.ParseMode(modeFlag)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --preflight", err)
	}

	cfg, err := loadedConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	destFlag, _ := cmd.Flags().GetString("dest")
	dest, err := resolveArchiveDest(destFlag, cfg.Archive)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid archive destination", err)
	}

	store, err := openRegistry(cmd)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Job registry unavailable", err)
	}

	run := archiveRun{Quiet: all}
	run.SkipExisting, _ = cmd.Flags().GetBool("skip-existing")
	run.IncludeActive, _ = cmd.Flags().GetBool("include-active")
	run.Forget, _ = cmd.Flags().GetBool("forget")
	if all {
		if run.Records, err = store.List(); err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
		}
	} else {
		for _, ref := range args {
			rec, err := store.Resolve(ref)
			if err != nil {
				return exitError(foundry.ExitFileNotFound, "Job not found", err)
			}
			run.Records = append(run.Records, *rec)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := archive.Open(ctx, dest, archiveS3Options(cfg.Archive))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open archive destination", err)
	}
	defer func() { _ = p.Close() }()

	summary := archiveSummary{Destination: dest.String(), Results: []archive.Result{}}
	summary.Preflight, err = preflight.Archive(ctx, p, dest.Prefix, mode)
	if err != nil {
		if jsonOutput {
			_ = writeJSON(cmd.OutOrStdout(), summary)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Archive preflight failed", err)
	}

	a := archive.New(store, p, dest.Prefix, archive.WithLogger(observability.CLILogger))
	if mode == preflight.ModePlanOnly {
		for _, rec := range run.Records {
			summary.Planned = append(summary.Planned, rec.Key())
		}
	} else if err := archiveJobs(ctx, store, a, run, &summary); err != nil {
		if jsonOutput {
			_ = writeJSON(cmd.OutOrStdout(), summary)
		}
		return archiveExitError(err)
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), summary)
	}
	writeArchiveSummary(cmd.OutOrStdout(), summary)
	return nil
}

// archiveJobs uploads each selected record, stopping at the first failure.
func archiveJobs(ctx context.Context, store *jobregistry.Store, a *archive.Archiver, run archiveRun, summary *archiveSummary) error {
	opts := archive.Options{SkipExisting: run.SkipExisting, IncludeActive: run.IncludeActive}
	for i := range run.Records {
		rec := &run.Records[i]
		res, err := a.Archive(ctx, rec, opts)
		if errors.Is(err, archive.ErrJobActive) && run.Quiet {
			summary.Active = append(summary.Active, rec.Key())
			continue
		}
		if err != nil {
			return fmt.Errorf("archive %s: %w", rec.Key(), err)
		}
		summary.Results = append(summary.Results, *res)
		summary.Bytes += res.Bytes

		if !run.Forget {
			continue
		}
		if err := store.Delete(rec.WorkloadID, rec.JobID); err != nil {
			observability.CLILogger.Warn("Failed to forget archived job", zap.String("job", rec.Key()), zap.Error(err))
			continue
		}
		summary.Forgotten = append(summary.Forgotten, rec.Key())
	}
	return nil
}

func archiveExitError(err error) error {
	switch {
	case errors.Is(err, archive.ErrJobActive):
		return exitError(foundry.ExitInvalidArgument, "Job is still active (use --include-active)", err)
	case provider.IsAccessDenied(err):
		return exitError(foundry.ExitExternalServiceUnavailable, "Archive access denied", err)
	case provider.Code(err) == provider.CodeInternal:
		return exitError(foundry.ExitFileReadError, "Archive failed", err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Archive upload failed", err)
	}
}

func writeArchiveSummary(out io.Writer, s archiveSummary) {
	for _, key := range s.Planned {
		_, _ = fmt.Fprintf(out, "Would archive %s\n", key)
	}
	for _, r := range s.Results {
		key := r.WorkloadID + "/" + r.JobID
		if r.Skipped {
			_, _ = fmt.Fprintf(out, "Skipped %s (already archived)\n", key)
			continue
		}
		_, _ = fmt.Fprintf(out, "Archived %s (%d objects, %s)\n", key, len(r.Keys), match.FormatSize(r.Bytes))
	}
	for _, key := range s.Active {
		_, _ = fmt.Fprintf(out, "Skipped %s (active)\n", key)
	}
	for _, key := range s.Forgotten {
		_, _ = fmt.Fprintf(out, "Forgot %s\n", key)
	}
	if len(s.Planned) == 0 {
		_, _ = fmt.Fprintf(out, "%d job(s) to %s\n", len(s.Results), s.Destination)
	}
}

func runJobsArchived(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	destFlag, _ := cmd.Flags().GetString("dest")
	dest, err := resolveArchiveDest(destFlag, cfg.Archive)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid archive destination", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := archive.Open(ctx, dest, archiveS3Options(cfg.Archive))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open archive destination", err)
	}
	defer func() { _ = p.Close() }()

	jobs, err := archive.New(nil, p, dest.Prefix).List(ctx)
	if err != nil {
		return archiveExitError(err)
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return writeArchivedList(cmd.OutOrStdout(), jobs, jsonOutput)
}

func writeArchivedList(out io.Writer, jobs []archive.ArchivedJob, jsonOutput bool) error {
	if jsonOutput {
		if jobs == nil {
			jobs = []archive.ArchivedJob{}
		}
		return writeJSON(out, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No archived jobs found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "WORKLOAD\tJOB ID\tARCHIVED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", j.WorkloadID, shortJobID(j.JobID), j.LastModified.UTC().Format(time.RFC3339))
	}
	return nil
}

// resolveArchiveDest prefers the flag over archive.dest.
func resolveArchiveDest(flag string, cfg config.ArchiveConfig) (archive.Destination, error) {
	raw := strings.TrimSpace(flag)
	if raw == "" {
		raw = cfg.Dest
	}
	return archive.ParseDestination(raw)
}

func archiveS3Options(cfg config.ArchiveConfig) archive.S3Options {
	return archive.S3Options{
		Region:         cfg.Region,
		Endpoint:       cfg.Endpoint,
		Profile:        cfg.Profile,
		ForcePathStyle: cfg.ForcePathStyle,
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
