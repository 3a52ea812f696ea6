package config

import (
	"os"

	"github.com/mitchellh/go-homedir"
)

// System abstracts the OS operations config loading needs.
type System interface {
	Getenv(key string) string
	ReadFile(name string) ([]byte, error)
	HomeDir() (string, error)
}

// RealSystem implements System using the OS.
type RealSystem struct{}

// Getenv returns the value of the environment variable named by key.
func (RealSystem) Getenv(key string) string {
	return os.Getenv(key)
}

// ReadFile reads the named file and returns the contents.
func (RealSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// HomeDir returns the current user's home directory.
func (RealSystem) HomeDir() (string, error) {
	return homedir.Dir()
}
