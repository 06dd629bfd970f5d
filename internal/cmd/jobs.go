package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobtail/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage watched job records",
	Long: `Manage the local records of jobs watched with 'jobtail watch'.

Records are keyed by <workload>/<job>. Commands that take a job reference
also accept a bare job ID or a unique job ID prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List watched jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job>",
	Short: "Show the last known status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job>",
	Short: "Show recorded output for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsForgetCmd = &cobra.Command{
	Use:   "forget <job>",
	Short: "Delete a job record and its recorded output",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsForget,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete records of jobs that ended long ago",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsForgetCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = all)")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete ended jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openRegistry(cmd)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Job registry unavailable", err)
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}
	return writeJobsList(cmd.OutOrStdout(), jobs, jsonOutput)
}

func writeJobsList(out io.Writer, jobs []jobregistry.JobRecord, jsonOutput bool) error {
	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "WORKLOAD\tJOB ID\tKIND\tSTATE\tLINES\tSTARTED\tLAST SEEN\tENDED")
	for _, j := range jobs {
		kind := "batch"
		if j.Interactive {
			kind = "session"
		}
		state := string(j.State)
		if j.HasError && !j.State.IsTerminal() {
			state += "!"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			j.WorkloadID,
			shortJobID(j.JobID),
			kind,
			state,
			j.OutputLines,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.LastSeenAt),
			formatOptionalTime(j.EndedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openRegistry(cmd)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Job registry unavailable", err)
	}
	rec, err := store.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	return writeJobStatus(cmd.OutOrStdout(), rec, jsonOutput)
}

func writeJobStatus(out io.Writer, rec *jobregistry.JobRecord, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "workload_id=%s\n", rec.WorkloadID)
	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "interactive=%t\n", rec.Interactive)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.Server != "" {
		_, _ = fmt.Fprintf(out, "server=%s\n", rec.Server)
	}
	_, _ = fmt.Fprintf(out, "output_lines=%d\n", rec.OutputLines)
	_, _ = fmt.Fprintf(out, "event_count=%d\n", rec.EventCount)
	if rec.HasError {
		_, _ = fmt.Fprintln(out, "has_error=true")
	}
	if rec.SessionPort != "" {
		_, _ = fmt.Fprintf(out, "session_port=%s\n", rec.SessionPort)
	}
	_, _ = fmt.Fprintf(out, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.LastSeenAt != nil {
		_, _ = fmt.Fprintf(out, "last_seen_at=%s\n", rec.LastSeenAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}

	store, err := openRegistry(cmd)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Job registry unavailable", err)
	}
	rec, err := store.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	path := rec.OutputPath
	if path == "" {
		path = store.OutputPath(rec.WorkloadID, rec.JobID)
	}
	if err := printLogTail(cmd.OutOrStdout(), path, tailN); err != nil {
		if os.IsNotExist(err) {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No output recorded")
			return nil
		}
		return exitError(foundry.ExitFileReadError, "Failed to read output", err)
	}
	return nil
}

func runJobsForget(cmd *cobra.Command, args []string) error {
	store, err := openRegistry(cmd)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Job registry unavailable", err)
	}
	rec, err := store.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	if err := store.Delete(rec.WorkloadID, rec.JobID); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to delete job record", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", rec.Key())
	return nil
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("--max-age must be > 0"))
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	store, err := openRegistry(cmd)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Job registry unavailable", err)
	}

	n, err := gcJobs(store, maxAge, time.Now().UTC(), dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to delete job records", err)
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Would delete %d job(s)\n", n)
	} else {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d job(s)\n", n)
	}
	return nil
}

// gcJobs removes terminal or unknown records whose last activity is older
// than maxAge.
func gcJobs(store *jobregistry.Store, maxAge time.Duration, now time.Time, dryRun bool) (int, error) {
	jobs, err := store.List()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, j := range jobs {
		if !j.State.IsTerminal() && j.State != jobregistry.JobStateUnknown {
			continue
		}
		last := j.CreatedAt
		if j.EndedAt != nil {
			last = *j.EndedAt
		} else if j.LastSeenAt != nil {
			last = *j.LastSeenAt
		}
		if now.Sub(last.UTC()) <= maxAge {
			continue
		}
		if !dryRun {
			if err := store.Delete(j.WorkloadID, j.JobID); err != nil {
				return deleted, err
			}
		}
		deleted++
	}
	return deleted, nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func printLogTail(out io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(out, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)

	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
