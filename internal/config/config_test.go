package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conn-castle/fastchain/internal/fetch"
	"github.com/conn-castle/fastchain/internal/pipeline"
)

// testSystem serves env and files from maps. HomeDir returns home unless
// homeErr is set.
type testSystem struct {
	env     map[string]string
	files   map[string]string
	home    string
	homeErr error
	readErr error
}

func (s *testSystem) Getenv(key string) string { return s.env[key] }

func (s *testSystem) ReadFile(name string) ([]byte, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	data, ok := s.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return []byte(data), nil
}

func (s *testSystem) HomeDir() (string, error) {
	return s.home, s.homeErr
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	sys := &testSystem{home: "/home/dev"}
	cfg, paths, err := Load(sys)
	require.NoError(t, err)
	require.Equal(t, "/home/dev/.fastchain", paths.Home)
	require.Equal(t, "/home/dev/.fastchain/config.toml", paths.ConfigPath)

	require.Equal(t, pipeline.DefaultMaxConcurrentDownloads, cfg.Download.MaxConcurrent)
	require.Equal(t, fetch.DefaultMaxAttempts, cfg.Download.MaxAttempts)
	require.Equal(t, fetch.DefaultBaseDelay, cfg.Download.BaseDelay.Duration)
	require.Equal(t, 0, cfg.Unpack.MaxConcurrent)
	require.Empty(t, cfg.Paths.InstallRoot)
}

func TestLoadReadsFileAndExpandsPaths(t *testing.T) {
	sys := &testSystem{
		home: "/home/dev",
		env:  map[string]string{HomeEnv: "/opt/fastchain"},
		files: map[string]string{"/opt/fastchain/config.toml": `
[download]
max_concurrent = 8
max_attempts = 6
base_delay = "100ms"
max_delay = "3s"
user_agent = "mirror-bot/1"

[unpack]
max_concurrent = 2

[paths]
install_root = "~/toolchains/nightly"
staging_root = "/var/tmp/fastchain"
`},
	}
	cfg, paths, err := Load(sys)
	require.NoError(t, err)
	require.Equal(t, "/opt/fastchain", paths.Home)
	require.Equal(t, 8, cfg.Download.MaxConcurrent)
	require.Equal(t, 6, cfg.Download.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.Download.BaseDelay.Duration)
	require.Equal(t, 3*time.Second, cfg.Download.MaxDelay.Duration)
	require.Equal(t, fetch.DefaultAttemptTimeout, cfg.Download.AttemptTimeout.Duration)
	require.Equal(t, 2, cfg.Unpack.MaxConcurrent)
	require.Equal(t, "/home/dev/toolchains/nightly", cfg.Paths.InstallRoot)
	require.Equal(t, "/var/tmp/fastchain", cfg.Paths.StagingRoot)

	opts := cfg.FetchOptions()
	require.Equal(t, "mirror-bot/1", opts.UserAgent)
	require.Equal(t, 6, opts.MaxAttempts)
	require.Equal(t, 3*time.Second, opts.MaxDelay)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	sys := &testSystem{
		home: "/home/dev",
		env: map[string]string{
			EnvMaxDownloads: "16",
			EnvMaxUnpacks:   "3",
			EnvMaxAttempts:  "2",
		},
		files: map[string]string{"/home/dev/.fastchain/config.toml": "[download]\nmax_concurrent = 8\n"},
	}
	cfg, _, err := Load(sys)
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Download.MaxConcurrent)
	require.Equal(t, 3, cfg.Unpack.MaxConcurrent)
	require.Equal(t, 2, cfg.Download.MaxAttempts)
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	sys := &testSystem{home: "/home/dev", env: map[string]string{EnvMaxDownloads: "many"}}
	_, _, err := Load(sys)
	require.Error(t, err)
	require.Contains(t, err.Error(), EnvMaxDownloads)
}

func TestLoadRejectsNonPositiveEnvValue(t *testing.T) {
	sys := &testSystem{home: "/home/dev", env: map[string]string{EnvMaxAttempts: "0"}}
	_, _, err := Load(sys)
	require.ErrorIs(t, err, ErrConfigValidation)
	require.Contains(t, err.Error(), "download.max_attempts must be positive")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	sys := &testSystem{
		home:  "/home/dev",
		files: map[string]string{"/home/dev/.fastchain/config.toml": "[download]\nparallelism = 4\n"},
	}
	_, _, err := Load(sys)
	require.ErrorIs(t, err, ErrConfigValidation)
	require.Contains(t, err.Error(), "parallelism")
}

func TestLoadReportsSyntaxAndReadErrors(t *testing.T) {
	sys := &testSystem{
		home:  "/home/dev",
		files: map[string]string{"/home/dev/.fastchain/config.toml": "[download\n"},
	}
	_, _, err := Load(sys)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrConfigValidation))
	require.Contains(t, err.Error(), "invalid config")

	_, _, err = Load(&testSystem{home: "/home/dev", readErr: fs.ErrPermission})
	require.ErrorIs(t, err, fs.ErrPermission)

	_, _, err = Load(&testSystem{homeErr: fmt.Errorf("no passwd entry")})
	require.ErrorContains(t, err, "no passwd entry")
}

func TestParseValidates(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{name: "negative downloads", toml: "[download]\nmax_concurrent = -1\n", want: "download.max_concurrent must be positive"},
		{name: "zero bytes", toml: "[download]\nmax_bytes = 0\n", want: "download.max_bytes must be positive"},
		{name: "delay order", toml: "[download]\nbase_delay = \"2s\"\nmax_delay = \"1s\"\n", want: "max_delay must not be below"},
		{name: "negative unpacks", toml: "[unpack]\nmax_concurrent = -2\n", want: "unpack.max_concurrent must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml), "test.toml")
			require.ErrorIs(t, err, ErrConfigValidation)
			require.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Parse([]byte("[download]\nbase_delay = \"soon\"\n"), "test.toml")
	require.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	sys := &testSystem{home: "/home/dev"}
	got, err := expandPath(sys, "~")
	require.NoError(t, err)
	require.Equal(t, "/home/dev", got)

	got, err = expandPath(sys, "/abs/path")
	require.NoError(t, err)
	require.Equal(t, "/abs/path", got)

	_, err = expandPath(sys, "~other/x")
	require.Error(t, err)
}

func TestRealSystemReadsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	data, err := RealSystem{}.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "x", string(data))

	t.Setenv(HomeEnv, "/tmp/fastchain-home")
	require.Equal(t, "/tmp/fastchain-home", RealSystem{}.Getenv(HomeEnv))
	home, err := RealSystem{}.HomeDir()
	require.NoError(t, err)
	require.NotEmpty(t, home)
}
