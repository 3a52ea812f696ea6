package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/conn-castle/fastchain/internal/messages"
)

const (
	// HomeEnv overrides the settings directory.
	HomeEnv = "FASTCHAIN_HOME"

	homeDirName    = ".fastchain"
	configFileName = "config.toml"
)

// Paths holds resolved locations of installer state.
type Paths struct {
	Home       string
	ConfigPath string
}

// ResolvePaths returns $FASTCHAIN_HOME or ~/.fastchain and the config file
// inside it.
func ResolvePaths(sys System) (Paths, error) {
	home := sys.Getenv(HomeEnv)
	if home == "" {
		userHome, err := sys.HomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf(messages.ConfigHomeDirFmt, err)
		}
		home = filepath.Join(userHome, homeDirName)
	}
	home, err := expandPath(sys, home)
	if err != nil {
		return Paths{}, err
	}
	return Paths{Home: home, ConfigPath: filepath.Join(home, configFileName)}, nil
}

// expandPath resolves a leading "~" against the user's home directory.
func expandPath(sys System, p string) (string, error) {
	if p == "" || p[0] != '~' {
		return p, nil
	}
	if len(p) > 1 && p[1] != '/' && p[1] != filepath.Separator {
		return "", fmt.Errorf(messages.ConfigExpandPathFmt, p, errors.New(messages.ConfigExpandUser))
	}
	userHome, err := sys.HomeDir()
	if err != nil {
		return "", fmt.Errorf(messages.ConfigExpandPathFmt, p, err)
	}
	return filepath.Join(userHome, p[1:]), nil
}
