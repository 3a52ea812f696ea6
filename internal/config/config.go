// Package config loads installer settings from $FASTCHAIN_HOME/config.toml
// and the environment. Command-line flags are applied by the caller on top.
package config

import (
	"time"

	"github.com/conn-castle/fastchain/internal/fetch"
	"github.com/conn-castle/fastchain/internal/pipeline"
)

// Config is the full installer configuration.
type Config struct {
	Download DownloadConfig `toml:"download"`
	Unpack   UnpackConfig   `toml:"unpack"`
	Paths    PathsConfig    `toml:"paths"`
}

// DownloadConfig controls the fetcher and the download pool.
type DownloadConfig struct {
	MaxConcurrent  int      `toml:"max_concurrent"`
	MaxAttempts    int      `toml:"max_attempts"`
	BaseDelay      Duration `toml:"base_delay"`
	MaxDelay       Duration `toml:"max_delay"`
	AttemptTimeout Duration `toml:"attempt_timeout"`
	MaxBytes       int64    `toml:"max_bytes"`
	UserAgent      string   `toml:"user_agent"`
}

// UnpackConfig controls the unpack pool. Zero selects the CPU count.
type UnpackConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
}

// PathsConfig holds default install and staging roots. Both may start
// with "~".
type PathsConfig struct {
	InstallRoot string `toml:"install_root"`
	StagingRoot string `toml:"staging_root"`
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Download: DownloadConfig{
			MaxConcurrent:  pipeline.DefaultMaxConcurrentDownloads,
			MaxAttempts:    fetch.DefaultMaxAttempts,
			BaseDelay:      Duration{fetch.DefaultBaseDelay},
			MaxDelay:       Duration{fetch.DefaultMaxDelay},
			AttemptTimeout: Duration{fetch.DefaultAttemptTimeout},
			MaxBytes:       fetch.DefaultMaxBytes,
		},
	}
}

// FetchOptions converts the download settings.
func (c *Config) FetchOptions() fetch.Options {
	return fetch.Options{
		MaxAttempts:    c.Download.MaxAttempts,
		BaseDelay:      c.Download.BaseDelay.Duration,
		MaxDelay:       c.Download.MaxDelay.Duration,
		AttemptTimeout: c.Download.AttemptTimeout.Duration,
		MaxBytes:       c.Download.MaxBytes,
		UserAgent:      c.Download.UserAgent,
	}
}
