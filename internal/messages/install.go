package messages

// Error taxonomy messages.
const (
	NetworkErrorStatusFmt = "component %s: download %s: HTTP %d (%s, %d attempts)"
	NetworkErrorFmt       = "component %s: download %s (%s, %d attempts): %v"
	NetworkTransient      = "transient"
	NetworkPermanent      = "permanent"
	IntegrityErrorFmt     = "component %s: digest mismatch (expected %s, got %s)"
	ArchiveErrorFmt       = "component %s: archive: %s"
	ArchiveErrorPathFmt   = " (entry %q)"
	ConflictErrorFmt      = "conflicting content for %s between components %s and %s"
	PlatformErrorFmt      = "%s %s: %v"
)

// Manifest model messages.
const (
	ManifestUnknownFormatFmt               = "unknown archive format %q"
	ManifestFormatFromURLFmt               = "cannot infer archive format from url %s"
	ManifestComponentNameRequired          = "component name is required"
	ManifestComponentURLRequiredFmt        = "component %s: url is required"
	ManifestComponentURLInvalidFmt         = "component %s: invalid url: %w"
	ManifestComponentURLSchemeFmt          = "component %s: unsupported url scheme %q"
	ManifestComponentDigestFmt             = "component %s: %w"
	ManifestComponentFieldFmt              = "component %s: %w"
	ManifestComponentSubdirFmt             = "component %s: invalid subdir %q"
	ManifestNoComponents                   = "manifest has no components"
	ManifestInstallRootRequired            = "install root is required"
	ManifestResolvePathFmt                 = "resolve path %s: %w"
	ManifestInstallRootIsFilesystemRootFmt = "install root %s must not be a filesystem root"
	ManifestStagingInsideInstallFmt        = "staging root %s must not be inside install root %s"
	ManifestDuplicateComponentFmt          = "duplicate component %q"
	ManifestDigestRequired                 = "digest is required"
	ManifestDigestInvalidFmt               = "invalid digest %q: %w"
	ManifestDigestUnsupportedFmt           = "unsupported digest algorithm %q"
)

// Manifest file messages.
const (
	ManifestFileReadFmt      = "read manifest %s: %w"
	ManifestFileDecodeFmt    = "decode manifest %s: %w"
	ManifestFileComponentFmt = "manifest %s: %w"
	ManifestFileResolveFmt   = "manifest %s: resolve %s: %w"
)

// Verify messages.
const (
	VerifyComponentFmt = "verify %s: %w"
)

// Fetch messages.
const (
	FetchSpoolRequired       = "fetch requires a spool"
	FetchCanceledFmt         = "download %s: %w"
	FetchUnexpectedStatusFmt = "unexpected status %s"
	FetchTooLargeFmt         = "response too large (%d bytes > limit %d bytes)"
	FetchShortBodyFmt        = "short body (%d of %d bytes)"
	FetchOpResetSpool        = "reset spool"
)

// Unpack messages.
const (
	UnpackOpenDecoder        = "cannot open decoder"
	UnpackMalformed          = "malformed archive"
	UnpackUnsupportedKindFmt = "unsupported entry kind %q"
	UnpackEmptyPath          = "empty entry path"
	UnpackAbsolutePath       = "absolute entry path"
	UnpackNULInPath          = "NUL byte in entry path"
	UnpackTraversalPath      = "entry path escapes the extraction root"
	UnpackEmptyLinkTarget    = "empty symlink target"
	UnpackAbsoluteLinkFmt    = "absolute symlink target %q"
	UnpackEscapingLinkFmt    = "symlink target %q escapes the extraction root"
	UnpackTruncatedEntry     = "truncated entry"
	UnpackSizeMismatchFmt    = "size mismatch (%d bytes, header says %d)"
)

// Staging operations, used as PlatformError.Op.
const (
	StageOpCreateRoot  = "create staging root"
	StageOpCreateRun   = "create run directory"
	StageOpCreateSpool = "create spool"
	StageOpOpenTree    = "open staging tree"
	StageOpMkdir       = "mkdir"
	StageOpSymlink     = "symlink"
	StageOpCreate      = "create"
	StageOpWrite       = "write"
	StageOpChmod       = "chmod"
	StageOpRename      = "rename"
	StageRemoveFmt     = "remove %s: %w"
)

// StageLinkEscapesFmt reports a staged symlink that resolves outside the tree.
const StageLinkEscapesFmt = "symlink target %q does not resolve inside the extraction root"

// Commit messages.
const (
	CommitCrossDevice      = "staging tree and install root are on different filesystems"
	CommitTargetExists     = "installation already exists"
	CommitTargetNotDir     = "install root exists and is not a directory"
	CommitOpCreateParent   = "create install parent"
	CommitOpStat           = "stat"
	CommitOpPublish        = "publish"
	CommitOpReplace        = "replace"
	CommitRestoreFailedFmt = "%w; restoring prior tree from %s failed: %v"
	CommitOpenLockFmt      = "open install lock %s: %w"
	CommitLockFmt          = "lock %s: %w"
	CommitLockTimeoutFmt   = "timed out after %s waiting for install lock"
)

// Pipeline messages.
const (
	PipelineAbortedFmt      = "install aborted: %d component(s) failed"
	PipelineFailureFmt      = "%s (%s): %w"
	PipelineCommitComponent = "commit"
	PipelineCanceled        = "install canceled"
)

// Progress messages.
const (
	ProgressInstalledFmt   = "installed %s"
	ProgressAbortedFmt     = "install of %s aborted"
	ProgressFailureLineFmt = "  %s: %s\n"
	ProgressElapsedFmt     = "elapsed: %.3f sec\n"
)
