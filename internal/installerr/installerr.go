// Package installerr defines the typed failures produced while fetching,
// verifying, unpacking, staging, and publishing a toolchain.
package installerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/conn-castle/fastchain/internal/messages"
)

// Kind classifies an installation failure.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindIntegrity Kind = "integrity"
	KindArchive   Kind = "archive"
	KindConflict  Kind = "conflict"
	KindPlatform  Kind = "platform"
	// KindCanceled marks work that stopped because the run was canceled.
	KindCanceled Kind = "canceled"
	KindUnknown  Kind = "unknown"
)

// NetworkError reports a failed download. Transient failures were retried
// until the attempt budget ran out; permanent failures were not retried.
type NetworkError struct {
	Component  string
	URL        string
	StatusCode int
	Attempts   int
	Transient  bool
	Err        error
}

func (e *NetworkError) Error() string {
	class := messages.NetworkPermanent
	if e.Transient {
		class = messages.NetworkTransient
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf(messages.NetworkErrorStatusFmt, e.Component, e.URL, e.StatusCode, class, e.Attempts)
	}
	return fmt.Sprintf(messages.NetworkErrorFmt, e.Component, e.URL, class, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Kind returns KindNetwork.
func (e *NetworkError) Kind() Kind { return KindNetwork }

// IntegrityError reports a digest mismatch for a downloaded archive.
type IntegrityError struct {
	Component string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf(messages.IntegrityErrorFmt, e.Component, e.Expected, e.Actual)
}

// Kind returns KindIntegrity.
func (e *IntegrityError) Kind() Kind { return KindIntegrity }

// ArchiveError reports malformed or unsafe archive content.
type ArchiveError struct {
	Component string
	Path      string
	Reason    string
	Err       error
}

func (e *ArchiveError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, messages.ArchiveErrorFmt, e.Component, e.Reason)
	if e.Path != "" {
		fmt.Fprintf(&b, messages.ArchiveErrorPathFmt, e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// Kind returns KindArchive.
func (e *ArchiveError) Kind() Kind { return KindArchive }

// ConflictError reports two components that disagree on the content of a
// shared path.
type ConflictError struct {
	Path   string
	First  string
	Second string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf(messages.ConflictErrorFmt, e.Path, e.First, e.Second)
}

// Kind returns KindConflict.
func (e *ConflictError) Kind() Kind { return KindConflict }

// PlatformError reports a filesystem or atomicity precondition that does not
// hold on this machine.
type PlatformError struct {
	Op   string
	Path string
	Err  error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf(messages.PlatformErrorFmt, e.Op, e.Path, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// Kind returns KindPlatform.
func (e *PlatformError) Kind() Kind { return KindPlatform }

// KindOf returns the kind of the first typed failure found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kinded interface{ Kind() Kind }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	if isCanceled(err) {
		return KindCanceled
	}
	return KindUnknown
}

// ComponentOf returns the component a failure in err's chain belongs to, or
// "" when the failure is not tied to one component.
func ComponentOf(err error) string {
	var (
		network   *NetworkError
		integrity *IntegrityError
		archive   *ArchiveError
	)
	switch {
	case errors.As(err, &network):
		return network.Component
	case errors.As(err, &integrity):
		return integrity.Component
	case errors.As(err, &archive):
		return archive.Component
	}
	return ""
}
