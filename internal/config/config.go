// Package config loads layered jobtail configuration: defaults, an optional
// YAML config file, JOBTAIL_* environment variables and runtime overrides,
// in increasing order of precedence.
package config

import "time"

// Config is the resolved configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Poll      PollConfig      `mapstructure:"poll"`
	Transport TransportConfig `mapstructure:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig addresses the remote job service.
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PollConfig tunes job stream polling.
type PollConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	DrainIdlePolls int           `mapstructure:"drain_idle_polls"`
}

// TransportConfig tunes the request layer.
type TransportConfig struct {
	// RateLimit is requests per second across all streams. Zero is unlimited.
	RateLimit       float64 `mapstructure:"rate_limit"`
	MaxUnauthorized int     `mapstructure:"max_unauthorized"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// RegistryConfig locates the watched-job registry. An empty Dir selects the
// app data dir.
type RegistryConfig struct {
	Dir string `mapstructure:"dir"`
}

// ArchiveConfig configures where `jobs archive` uploads recorded jobs.
//
// Dest is "s3://bucket/prefix", "file:///abs/dir" or a plain directory path.
// The S3 fields apply only to s3:// destinations; credentials come from the
// AWS default chain.
type ArchiveConfig struct {
	Dest           string `mapstructure:"dest"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}
