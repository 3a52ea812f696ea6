package messages

// CLI messages for user-facing commands.
const (
	// RootUse is the CLI command name.
	RootUse         = "fastchain"
	RootShort       = "Fetch and install a toolchain release with overlapped download and unpack"
	RootVersionFlag = "Print version and exit"
	RootVerboseFlag = "Log debug details to stderr"
	RootQuietFlag   = "Print only errors"

	// VersionCommitFmt formats the commit hash for version display.
	VersionCommitFmt = "commit %s"
	VersionBuildFmt  = "built %s"
	VersionFullFmt   = "%s (%s)"
	VersionTemplate  = "{{.Version}}\n"
	VersionUse       = "version"
	VersionShort     = "Print the fastchain version"
	UserAgentFmt     = "fastchain/%s"

	InstallUse            = "install"
	InstallShort          = "Install every component of a resolved manifest"
	InstallFlagManifest   = "Path to the resolved manifest TOML file"
	InstallFlagRoot       = "Installation root (overrides the manifest and config)"
	InstallFlagStaging    = "Staging root; must be on the same filesystem as the installation root"
	InstallFlagJobs       = "Maximum concurrent downloads"
	InstallFlagUnpackJobs = "Maximum concurrent unpacks (0 uses the CPU count)"
	InstallFlagRetries    = "Maximum download attempts per component"
	InstallFlagNoReplace  = "Fail if the installation root already exists"
	InstallRootRequired   = "no installation root: pass --root, set install_root in the manifest, or set paths.install_root in the config"
	InstallFlagInvalidFmt = "invalid --%s=%d"
)
