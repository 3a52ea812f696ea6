package config

import (
	"fmt"

	"github.com/conn-castle/fastchain/internal/messages"
)

// Validate ensures every limit is usable. path names the config source in
// error messages.
func (c *Config) Validate(path string) error {
	positive := []struct {
		key   string
		value int64
	}{
		{"download.max_concurrent", int64(c.Download.MaxConcurrent)},
		{"download.max_attempts", int64(c.Download.MaxAttempts)},
		{"download.base_delay", int64(c.Download.BaseDelay.Duration)},
		{"download.max_delay", int64(c.Download.MaxDelay.Duration)},
		{"download.attempt_timeout", int64(c.Download.AttemptTimeout.Duration)},
		{"download.max_bytes", c.Download.MaxBytes},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf(messages.ConfigMustBePositiveFmt, path, p.key)
		}
	}
	if c.Download.MaxDelay.Duration < c.Download.BaseDelay.Duration {
		return fmt.Errorf(messages.ConfigMaxDelayBelowBaseFmt, path)
	}
	if c.Unpack.MaxConcurrent < 0 {
		return fmt.Errorf(messages.ConfigMustNotBeNegativeFmt, path, "unpack.max_concurrent")
	}
	return nil
}
