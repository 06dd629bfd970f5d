package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtail/internal/observability"
	"github.com/3leaps/jobtail/pkg/jobstream"
)

var inputCmd = &cobra.Command{
	Use:   "input <workload>/<job> [line...]",
	Short: "Send input lines to an interactive job",
	Long: `Send input to a remote job. Each line argument is sent as its own input
line, in order. With no line arguments, each line read from stdin is sent in
order.

Examples:
  jobtail input analytics/nb-7 'print(42)'
  jobtail input analytics/nb-7 'a = 1' 'print(a)'
  printf 'a = 1\nprint(a)\n' | jobtail input analytics/nb-7`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInput,
}

func init() {
	rootCmd.AddCommand(inputCmd)
}

func runInput(cmd *cobra.Command, args []string) error {
	id, err := parseJobRef(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job reference", err)
	}

	cfg, err := loadedConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	api, _, err := newServiceClient(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid server configuration", err)
	}

	sent, err := pushLines(cmd.Context(), api, id, inputLines(args), cmd.InOrStdin())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to send input", err)
	}
	observability.CLILogger.Debug("Input sent", zap.String("job", id.String()), zap.Int("lines", sent))
	return nil
}

// inputLines returns the line arguments that follow the job reference.
func inputLines(args []string) []string {
	if len(args) < 2 {
		return nil
	}
	return args[1:]
}

// pushLines sends lines, or every line of stdin when lines is empty. It
// returns the number of lines delivered.
func pushLines(ctx context.Context, client jobstream.Client, id jobstream.Identity, lines []string, stdin io.Reader) (int, error) {
	send := func(line string) error {
		return client.PushInput(ctx, jobstream.PushInputRequest{
			WorkloadID: id.WorkloadID,
			JobID:      id.JobID,
			Line:       line,
		})
	}

	if len(lines) > 0 {
		for i, line := range lines {
			if err := send(line); err != nil {
				return i, err
			}
		}
		return len(lines), nil
	}

	sent := 0
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if err := send(scanner.Text()); err != nil {
			return sent, err
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return sent, fmt.Errorf("read stdin: %w", err)
	}
	return sent, nil
}
