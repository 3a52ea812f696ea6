package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/conn-castle/fastchain/internal/messages"
)

// ErrConfigValidation wraps validation failures, as opposed to TOML syntax
// or filesystem errors.
var ErrConfigValidation = errors.New("config validation failed")

// Environment overrides, applied after the config file.
const (
	EnvMaxDownloads = "FASTCHAIN_MAX_DOWNLOADS"
	EnvMaxUnpacks   = "FASTCHAIN_MAX_UNPACKS"
	EnvMaxAttempts  = "FASTCHAIN_MAX_ATTEMPTS"
)

// Load reads the config file if present, applies environment overrides,
// and validates the result. A missing file yields the defaults.
func Load(sys System) (*Config, Paths, error) {
	paths, err := ResolvePaths(sys)
	if err != nil {
		return nil, Paths{}, err
	}
	cfg := Default()
	data, err := sys.ReadFile(paths.ConfigPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, paths, fmt.Errorf(messages.ConfigReadFmt, paths.ConfigPath, err)
	default:
		if err := decode(data, paths.ConfigPath, &cfg); err != nil {
			return nil, paths, err
		}
	}
	if err := applyEnv(sys, &cfg); err != nil {
		return nil, paths, err
	}
	if cfg.Paths.InstallRoot, err = expandPath(sys, cfg.Paths.InstallRoot); err != nil {
		return nil, paths, err
	}
	if cfg.Paths.StagingRoot, err = expandPath(sys, cfg.Paths.StagingRoot); err != nil {
		return nil, paths, err
	}
	if err := cfg.Validate(paths.ConfigPath); err != nil {
		return nil, paths, fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}
	return &cfg, paths, nil
}

// Parse decodes config TOML on top of the defaults and validates it.
// source is used in error messages.
func Parse(data []byte, source string) (*Config, error) {
	cfg := Default()
	if err := decode(data, source, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(source); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}
	return &cfg, nil
}

// decode rejects keys the Config struct does not know.
func decode(data []byte, source string, cfg *Config) error {
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%w: "+messages.ConfigUnrecognizedKeysFmt, ErrConfigValidation, source, strict.String())
		}
		return fmt.Errorf(messages.ConfigInvalidFmt, source, err)
	}
	return nil
}

func applyEnv(sys System, cfg *Config) error {
	overrides := []struct {
		key string
		dst *int
	}{
		{EnvMaxDownloads, &cfg.Download.MaxConcurrent},
		{EnvMaxUnpacks, &cfg.Unpack.MaxConcurrent},
		{EnvMaxAttempts, &cfg.Download.MaxAttempts},
	}
	for _, o := range overrides {
		raw := sys.Getenv(o.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf(messages.ConfigEnvInvalidFmt, o.key, raw, err)
		}
		*o.dst = v
	}
	return nil
}
