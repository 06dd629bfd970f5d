package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName names the config directory and env prefix.
const AppName = "jobtail"

// EnvPrefix is prepended to every mapped environment variable.
const EnvPrefix = "JOBTAIL_"

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// EnvSpec maps one environment variable onto a config key path.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile selects an explicit config file for subsequent loads. An
// empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load resolves configuration and stores it for GetConfig.
//
// Precedence: runtime overrides > environment > config file > defaults.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	// v.Set sits above env in viper's precedence; nested maps are flattened
	// so siblings of an overridden key keep their lower-layer values.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects values the poller and transport cannot run with.
func (c *Config) Validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.DrainIdlePolls < 0 {
		return fmt.Errorf("poll.drain_idle_polls must be >= 0, got %d", c.Poll.DrainIdlePolls)
	}
	if c.Transport.RateLimit < 0 {
		return fmt.Errorf("transport.rate_limit must be >= 0, got %g", c.Transport.RateLimit)
	}
	if c.Transport.MaxUnauthorized <= 0 {
		return fmt.Errorf("transport.max_unauthorized must be positive, got %d", c.Transport.MaxUnauthorized)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://127.0.0.1:8765")
	v.SetDefault("server.token", "")
	v.SetDefault("server.timeout", "30s")

	v.SetDefault("poll.interval", "500ms")
	v.SetDefault("poll.drain_idle_polls", 0)

	v.SetDefault("transport.rate_limit", 0)
	v.SetDefault("transport.max_unauthorized", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("registry.dir", "")

	v.SetDefault("archive.dest", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG"))
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists discovered config file candidates, most specific
// first.
func getUserConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths,
			filepath.Join(dir, AppName, "config.yaml"),
			filepath.Join(dir, AppName, "config.yml"),
		)
	}
	return paths
}

func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "SERVER_URL", Path: "server.url"},
		{Name: EnvPrefix + "TOKEN", Path: "server.token"},
		{Name: EnvPrefix + "TIMEOUT", Path: "server.timeout"},
		{Name: EnvPrefix + "POLL_INTERVAL", Path: "poll.interval"},
		{Name: EnvPrefix + "DRAIN_IDLE_POLLS", Path: "poll.drain_idle_polls"},
		{Name: EnvPrefix + "RATE_LIMIT", Path: "transport.rate_limit"},
		{Name: EnvPrefix + "MAX_UNAUTHORIZED", Path: "transport.max_unauthorized"},
		{Name: EnvPrefix + "LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "REGISTRY_DIR", Path: "registry.dir"},
		{Name: EnvPrefix + "ARCHIVE_DEST", Path: "archive.dest"},
		{Name: EnvPrefix + "ARCHIVE_REGION", Path: "archive.region"},
		{Name: EnvPrefix + "ARCHIVE_ENDPOINT", Path: "archive.endpoint"},
		{Name: EnvPrefix + "ARCHIVE_PROFILE", Path: "archive.profile"},
		{Name: EnvPrefix + "ARCHIVE_FORCE_PATH_STYLE", Path: "archive.force_path_style"},
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
