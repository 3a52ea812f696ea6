package messages

// Config messages.
const (
	ConfigHomeDirFmt           = "resolve home directory: %w"
	ConfigExpandPathFmt        = "expand path %s: %w"
	ConfigExpandUser           = "cannot expand another user's home directory"
	ConfigReadFmt              = "read config %s: %w"
	ConfigInvalidFmt           = "invalid config %s: %w"
	ConfigUnrecognizedKeysFmt  = "config %s has unrecognized keys: %s"
	ConfigEnvInvalidFmt        = "invalid %s=%q: %w"
	ConfigMustBePositiveFmt    = "config %s: %s must be positive"
	ConfigMustNotBeNegativeFmt = "config %s: %s must not be negative"
	ConfigMaxDelayBelowBaseFmt = "config %s: download.max_delay must not be below download.base_delay"
)
