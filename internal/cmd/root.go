// Package cmd implements the jobtail command line.
package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobtail/internal/config"
	"github.com/3leaps/jobtail/internal/observability"
	"github.com/3leaps/jobtail/pkg/jobregistry"
	"github.com/3leaps/jobtail/pkg/jobstream"
	"github.com/3leaps/jobtail/pkg/transport"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile   string
	verbose   bool
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "jobtail",
	Short: "Follow remote jobs and interactive sessions",
	Long: `jobtail polls a remote job service and streams job output, lifecycle
events and file manifests to the terminal.

Examples:
  jobtail watch analytics/job-42
  jobtail watch analytics/nb-7:i --json
  jobtail jobs list`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Job service base URL (overrides server.url)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token (overrides server.token)")
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var ee *exitCodeError
	if errors.As(err, &ee) {
		observability.CLILogger.Error(ee.msg, zap.Error(ee.err))
		return ee.code
	}
	observability.CLILogger.Error("Command failed", zap.Error(err))
	return 1
}

func initApp(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	overrides := map[string]any{}
	server := map[string]any{}
	if cmd.Flags().Changed("server") {
		server["url"] = serverURL
	}
	if cmd.Flags().Changed("token") {
		server["token"] = authToken
	}
	if len(server) > 0 {
		overrides["server"] = server
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitCLILogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile, verbose); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	return nil
}

// exitCodeError carries a process exit code through cobra.
type exitCodeError struct {
	code int
	msg  string
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

type exitCode interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint8
}

func exitError[C exitCode](code C, msg string, err error) error {
	return &exitCodeError{code: int(code), msg: msg, err: err}
}

// loadedConfig returns the config loaded by initApp, loading defaults when a
// command runs without the root pre-run (tests).
func loadedConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd.Context())
}

// newServiceClient wires the transport stack for cfg.
func newServiceClient(cfg *config.Config) (*jobstream.API, *transport.Session, error) {
	session := transport.NewSession(cfg.Server.Token, transport.WithMaxUnauthorized(cfg.Transport.MaxUnauthorized))

	httpCfg := transport.DefaultHTTPConfig()
	httpCfg.BaseURL = cfg.Server.URL
	httpCfg.Timeout = cfg.Server.Timeout
	httpCfg.RateLimit = cfg.Transport.RateLimit
	httpCfg.UserAgent = "jobtail/" + versionInfo.Version

	requester, err := transport.NewHTTPRequester(httpCfg, session, transport.WithLogger(observability.CLILogger))
	if err != nil {
		return nil, nil, err
	}
	return jobstream.NewAPI(transport.NewClient(requester, session)), session, nil
}

func registryRootDir(cfg *config.Config) (string, error) {
	if dir := strings.TrimSpace(cfg.Registry.Dir); dir != "" {
		return dir, nil
	}
	dataDir := gfconfig.GetAppDataDir(config.AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "", fmt.Errorf("cannot resolve app data dir")
	}
	return filepath.Join(dataDir, "jobs"), nil
}

func openRegistry(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := loadedConfig(cmd)
	if err != nil {
		return nil, err
	}
	root, err := registryRootDir(cfg)
	if err != nil {
		return nil, err
	}
	return jobregistry.NewStore(root), nil
}
