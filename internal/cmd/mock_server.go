package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtail/internal/observability"
	"github.com/3leaps/jobtail/internal/server"
	"github.com/3leaps/jobtail/pkg/jobstream"
)

var (
	mockAddr  string
	mockToken string
	mockDemo  bool
)

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run an in-memory fake of the job service",
	Long: `Run an in-memory fake of the remote job service for local testing.

With --demo the server launches two scripted jobs:
  demo/batch    prints a few lines, writes a file, then stops
  demo/session  an interactive session that announces a ready server

Examples:
  jobtail mock-server --demo
  jobtail watch demo/batch demo/session:i --server http://127.0.0.1:8765`,
	RunE: runMockServer,
}

func init() {
	rootCmd.AddCommand(mockServerCmd)

	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8765", "Listen address")
	mockServerCmd.Flags().StringVar(&mockToken, "require-token", "", "Require this bearer token")
	mockServerCmd.Flags().BoolVar(&mockDemo, "demo", false, "Launch scripted demo jobs")
}

func runMockServer(cmd *cobra.Command, _ []string) error {
	host, portStr, err := net.SplitHostPort(mockAddr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --addr", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --addr", fmt.Errorf("bad port %q", portStr))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := server.NewBackend()
	srv := server.New(host, port, backend,
		server.WithToken(mockToken),
		server.WithLogger(observability.CLILogger))

	if mockDemo {
		launchDemo(backend, ctx.Done())
	}

	if err := srv.ListenAndServe(ctx, nil); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Mock server failed", err)
	}
	return nil
}

func launchDemo(b *server.Backend, done <-chan struct{}) {
	b.LaunchWithID("demo", "batch", false)
	b.LaunchWithID("demo", "session", true)

	_ = b.SetFiles("batch", jobstream.WireFile{
		Name:       "results/metrics.csv",
		SizeBytes:  2048,
		ModifiedAt: jobstream.Timestamp{Time: time.Now().UTC()},
	})
	go func() {
		err := b.Script("batch", 500*time.Millisecond, []string{
			"loading dataset",
			"training epoch 1/3",
			"training epoch 2/3",
			"training epoch 3/3",
		}, done)
		if err != nil {
			observability.CLILogger.Warn("Demo batch script failed", zap.Error(err))
		}
	}()

	_ = b.SetToken("session", "demo-token")
	_ = b.AppendOutput("session", "stdout",
		"[I ServerApp] Jupyter Server 2.14.0 is running at:",
		"[I ServerApp] http://127.0.0.1:8888/lab?token=demo-token")

	observability.CLILogger.Info("Demo jobs launched",
		zap.Strings("jobs", []string{"demo/batch", "demo/session:i"}))
}
