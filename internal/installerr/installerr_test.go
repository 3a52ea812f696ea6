package installerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "network", err: &NetworkError{Component: "rustc"}, want: KindNetwork},
		{name: "wrapped integrity", err: fmt.Errorf("stage: %w", &IntegrityError{Component: "rustc"}), want: KindIntegrity},
		{name: "archive", err: &ArchiveError{Component: "docs", Reason: "absolute path"}, want: KindArchive},
		{name: "conflict", err: &ConflictError{Path: "bin/cargo"}, want: KindConflict},
		{name: "platform", err: &PlatformError{Op: "rename", Path: "/x", Err: io.ErrUnexpectedEOF}, want: KindPlatform},
		{name: "canceled", err: fmt.Errorf("fetch: %w", context.Canceled), want: KindCanceled},
		{name: "deadline", err: context.DeadlineExceeded, want: KindCanceled},
		{name: "unknown", err: errors.New("boom"), want: KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTypedErrorsTakePrecedenceOverCancellation(t *testing.T) {
	err := &NetworkError{Component: "cargo", URL: "https://dist/cargo.tar.xz", Err: context.Canceled}
	require.Equal(t, KindNetwork, KindOf(err))
	require.ErrorIs(t, err, context.Canceled)
}

func TestComponentOf(t *testing.T) {
	require.Equal(t, "rustc", ComponentOf(&NetworkError{Component: "rustc"}))
	require.Equal(t, "cargo", ComponentOf(fmt.Errorf("verify: %w", &IntegrityError{Component: "cargo"})))
	require.Equal(t, "docs", ComponentOf(&ArchiveError{Component: "docs"}))
	require.Empty(t, ComponentOf(&ConflictError{Path: "bin/cargo", First: "a", Second: "b"}))
	require.Empty(t, ComponentOf(&PlatformError{Op: "rename", Path: "/x", Err: io.ErrUnexpectedEOF}))
	require.Empty(t, ComponentOf(nil))
}

func TestErrorMessages(t *testing.T) {
	require.Equal(t,
		"component rustc: download https://dist/rustc.tar.xz: HTTP 503 (transient, 3 attempts)",
		(&NetworkError{Component: "rustc", URL: "https://dist/rustc.tar.xz", StatusCode: 503, Attempts: 3, Transient: true}).Error())
	require.Equal(t,
		"component rustc: download https://dist/rustc.tar.xz (permanent, 1 attempts): unexpected EOF",
		(&NetworkError{Component: "rustc", URL: "https://dist/rustc.tar.xz", Attempts: 1, Err: io.ErrUnexpectedEOF}).Error())
	require.Equal(t,
		"component docs: digest mismatch (expected sha256:aa, got sha256:bb)",
		(&IntegrityError{Component: "docs", Expected: "sha256:aa", Actual: "sha256:bb"}).Error())
	require.Equal(t,
		`component docs: archive: path escapes root (entry "../etc/passwd")`,
		(&ArchiveError{Component: "docs", Path: "../etc/passwd", Reason: "path escapes root"}).Error())
	require.Equal(t,
		"component docs: archive: corrupt stream: unexpected EOF",
		(&ArchiveError{Component: "docs", Reason: "corrupt stream", Err: io.ErrUnexpectedEOF}).Error())
	require.Equal(t,
		"conflicting content for share/doc/LICENSE between components rustc and cargo",
		(&ConflictError{Path: "share/doc/LICENSE", First: "rustc", Second: "cargo"}).Error())
}
