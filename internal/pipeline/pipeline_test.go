package pipeline

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conn-castle/fastchain/internal/fetch"
	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/manifest"
	"github.com/conn-castle/fastchain/internal/stage"
	"github.com/conn-castle/fastchain/internal/testutil"
)

// dist is a fake release: a server plus the components published on it.
type dist struct {
	t          *testing.T
	server     *testutil.DistServer
	components []manifest.Component
}

func newDist(t *testing.T) *dist {
	return &dist{t: t, server: testutil.NewDistServer(t)}
}

// add publishes an archive and registers a component for it.
func (d *dist) add(name string, format manifest.ArchiveFormat, files []testutil.File, asset testutil.Asset) manifest.Component {
	d.t.Helper()
	body := testutil.Archive(d.t, format, files)
	asset.Body = body
	url := d.server.Add("/dist/"+name+".tar"+extension(format), asset)
	c := manifest.Component{Name: name, URL: url, Digest: testutil.Digest(body), Format: format}
	d.components = append(d.components, c)
	return c
}

func extension(format manifest.ArchiveFormat) string {
	switch format {
	case manifest.FormatTarGz:
		return ".gz"
	case manifest.FormatTarXz:
		return ".xz"
	case manifest.FormatTarZst:
		return ".zst"
	case manifest.FormatTarLz4:
		return ".lz4"
	}
	return ""
}

func (d *dist) manifest(installRoot string) *manifest.Manifest {
	d.t.Helper()
	m, err := manifest.New(d.components, installRoot, filepath.Join(filepath.Dir(installRoot), "staging"))
	require.NoError(d.t, err)
	return m
}

func testFetcher() *fetch.Fetcher {
	return fetch.New(fetch.Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	})
}

func toolchainDist(t *testing.T) *dist {
	d := newDist(t)
	d.add("compiler", manifest.FormatTarXz, []testutil.File{
		{Name: "bin/rustc", Body: "rustc binary", Mode: 0o755},
		{Name: "lib/librustc_driver.so", Body: "driver"},
		{Name: "share/doc/LICENSE", Body: "MIT OR Apache-2.0"},
	}, testutil.Asset{})
	d.add("std-lib", manifest.FormatTarGz, []testutil.File{
		testutil.Dir("lib/rustlib/x86_64-unknown-linux-gnu/lib"),
		{Name: "lib/rustlib/x86_64-unknown-linux-gnu/lib/libstd.rlib", Body: "std"},
		{Name: "share/doc/LICENSE", Body: "MIT OR Apache-2.0"},
	}, testutil.Asset{})
	d.add("docs", manifest.FormatTarZst, []testutil.File{
		{Name: "share/doc/rust/html/index.html", Body: "<html></html>"},
		testutil.Symlink("share/doc/rust/latest", "html"),
		{Name: "share/doc/LICENSE", Body: "MIT OR Apache-2.0"},
	}, testutil.Asset{})
	return d
}

func listTree(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	return out
}

func requireNoRunDirs(t *testing.T, stagingRoot string) {
	t.Helper()
	entries, err := os.ReadDir(stagingRoot)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), stage.RunDirPrefix), "leftover run dir %s", e.Name())
	}
}

func TestRunInstallsAllComponents(t *testing.T) {
	d := toolchainDist(t)
	install := filepath.Join(t.TempDir(), "nightly")
	m := d.manifest(install)

	var (
		mu    sync.Mutex
		final Snapshot
	)
	c := New(Options{Fetcher: testFetcher(), Observer: func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if s.Seq > final.Seq {
			final = s
		}
	}})
	out := c.Run(context.Background(), m)
	require.NoError(t, out.Err())
	require.Equal(t, OverallCommitted, out.Status)
	require.Equal(t, install, out.InstallRoot)
	require.False(t, out.Replaced)

	require.ElementsMatch(t, []string{
		"bin/rustc",
		"lib/librustc_driver.so",
		"lib/rustlib/x86_64-unknown-linux-gnu/lib/libstd.rlib",
		"share/doc/LICENSE",
		"share/doc/rust/html/index.html",
		"share/doc/rust/latest",
	}, listTree(t, install))

	info, err := os.Stat(filepath.Join(install, "bin", "rustc"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	target, err := os.Readlink(filepath.Join(install, "share/doc/rust/latest"))
	require.NoError(t, err)
	require.Equal(t, "html", target)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, OverallCommitted, final.Overall)
	require.Equal(t, 3, final.Count(StatusStaged))
	requireNoRunDirs(t, m.StagingRoot())
}

func TestRunAppliesComponentLayout(t *testing.T) {
	d := newDist(t)
	c := d.add("rustc", manifest.FormatTarGz, []testutil.File{
		{Name: "rustc-nightly-x86_64-unknown-linux-gnu/rustc/bin/rustc", Body: "rustc", Mode: 0o755},
		{Name: "rustc-nightly-x86_64-unknown-linux-gnu/rustc/manifest.in", Body: "file:bin/rustc"},
		{Name: "rustc-nightly-x86_64-unknown-linux-gnu/install.sh", Body: "#!/bin/sh"},
	}, testutil.Asset{})
	d.components[0].Subdir = "rustc"
	d.components[0].Ignore = manifest.DefaultIgnore
	d.components[0].TargetTriple = "x86_64-unknown-linux-gnu"
	require.Equal(t, "rustc", c.Name)

	install := filepath.Join(t.TempDir(), "nightly")
	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), d.manifest(install))
	require.NoError(t, out.Err())
	require.Equal(t, []string{"bin/rustc"}, listTree(t, install))
}

func TestAbortLeavesInstalledTreeUntouched(t *testing.T) {
	d := toolchainDist(t)
	d.add("clippy", manifest.FormatTarGz, []testutil.File{{Name: "bin/clippy", Body: "clippy"}}, testutil.Asset{Status: http.StatusNotFound})

	install := filepath.Join(t.TempDir(), "nightly")
	require.NoError(t, os.MkdirAll(filepath.Join(install, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(install, "bin", "rustc"), []byte("previous"), 0o755))
	require.NoError(t, os.Symlink("rustc", filepath.Join(install, "bin", "rustc-old")))
	before := testutil.TreeHash(t, install)

	m := d.manifest(install)
	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), m)
	require.Equal(t, OverallAborted, out.Status)
	require.Error(t, out.Err())
	require.Equal(t, before, testutil.TreeHash(t, install))
	requireNoRunDirs(t, m.StagingRoot())
}

func TestAbortWithoutPriorInstallLeavesNothing(t *testing.T) {
	d := toolchainDist(t)
	d.add("broken", manifest.FormatTarGz, []testutil.File{{Name: "bin/x", Body: "x"}}, testutil.Asset{})
	d.components[len(d.components)-1].URL += ".missing"

	install := filepath.Join(t.TempDir(), "nightly")
	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), d.manifest(install))
	require.Equal(t, OverallAborted, out.Status)
	require.Equal(t, "absent", testutil.TreeHash(t, install))
}

func TestCorruptedArchiveIsIntegrityError(t *testing.T) {
	d := toolchainDist(t)
	body := testutil.Archive(t, manifest.FormatTarGz, []testutil.File{{Name: "bin/cargo", Body: "cargo"}})
	corrupted := append([]byte(nil), body...)
	corrupted[len(corrupted)/2] ^= 0xff
	url := d.server.Add("/dist/cargo.tar.gz", testutil.Asset{Body: corrupted})
	d.components = append(d.components, manifest.Component{Name: "cargo", URL: url, Digest: testutil.Digest(body)})

	install := filepath.Join(t.TempDir(), "nightly")
	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), d.manifest(install))
	require.Equal(t, OverallAborted, out.Status)
	require.Len(t, out.Failures, 1)
	require.Equal(t, "cargo", out.Failures[0].Component)
	require.Equal(t, installerr.KindIntegrity, out.Failures[0].Kind)
	var integrity *installerr.IntegrityError
	require.ErrorAs(t, out.Err(), &integrity)
	require.Equal(t, "cargo", integrity.Component)
	require.Equal(t, "absent", testutil.TreeHash(t, install))
	require.Equal(t, 1, d.server.Requests("/dist/cargo.tar.gz"))
}

func TestRerunProducesIdenticalTrees(t *testing.T) {
	d := toolchainDist(t)
	base := t.TempDir()
	first := filepath.Join(base, "a", "nightly")
	second := filepath.Join(base, "b", "nightly")

	c := New(Options{Fetcher: testFetcher()})
	require.NoError(t, c.Run(context.Background(), d.manifest(first)).Err())
	require.NoError(t, c.Run(context.Background(), d.manifest(second)).Err())
	require.Equal(t, testutil.TreeHash(t, first), testutil.TreeHash(t, second))

	again := c.Run(context.Background(), d.manifest(first))
	require.NoError(t, again.Err())
	require.True(t, again.Replaced)
	require.Equal(t, testutil.TreeHash(t, second), testutil.TreeHash(t, first))
	require.Equal(t, 3, d.server.Requests("/dist/compiler.tar.xz"))
}

func TestUnpackOverlapsSlowFetch(t *testing.T) {
	d := newDist(t)
	d.add("slow", manifest.FormatTarGz, []testutil.File{{Name: "slow.txt", Body: "slow"}}, testutil.Asset{Latency: 500 * time.Millisecond})
	d.add("fast", manifest.FormatTarGz, []testutil.File{{Name: "fast.txt", Body: "fast"}}, testutil.Asset{})

	var (
		mu         sync.Mutex
		overlapped bool
	)
	c := New(Options{
		Fetcher:                testFetcher(),
		MaxConcurrentDownloads: 2,
		MaxConcurrentUnpacks:   1,
		Observer: func(s Snapshot) {
			slow, _ := s.Component("slow")
			fast, _ := s.Component("fast")
			if fast.Status == StatusUnpacking && slow.Status == StatusFetching {
				mu.Lock()
				overlapped = true
				mu.Unlock()
			}
		},
	})
	out := c.Run(context.Background(), d.manifest(filepath.Join(t.TempDir(), "nightly")))
	require.NoError(t, out.Err())
	mu.Lock()
	defer mu.Unlock()
	require.True(t, overlapped, "fast component never unpacked while slow one was fetching")
}

func TestConflictingContentAborts(t *testing.T) {
	d := newDist(t)
	d.add("compiler", manifest.FormatTarGz, []testutil.File{{Name: "share/doc/README", Body: "compiler readme"}}, testutil.Asset{})
	d.add("docs", manifest.FormatTarGz, []testutil.File{{Name: "share/doc/README", Body: "docs readme"}}, testutil.Asset{})

	install := filepath.Join(t.TempDir(), "nightly")
	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), d.manifest(install))
	require.Equal(t, OverallAborted, out.Status)
	require.Len(t, out.Failures, 1)
	require.Equal(t, installerr.KindConflict, out.Failures[0].Kind)
	var conflict *installerr.ConflictError
	require.ErrorAs(t, out.Err(), &conflict)
	require.Equal(t, "share/doc/README", conflict.Path)
	require.Equal(t, "absent", testutil.TreeHash(t, install))
}

func TestPathEscapeIsRejected(t *testing.T) {
	d := newDist(t)
	d.add("evil", manifest.FormatTar, []testutil.File{
		{Name: "bin/ok", Body: "ok"},
		{Name: "bin/../../escaped", Body: "pwned"},
	}, testutil.Asset{})

	base := t.TempDir()
	install := filepath.Join(base, "nightly")
	m := d.manifest(install)
	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), m)
	require.Equal(t, OverallAborted, out.Status)
	require.Len(t, out.Failures, 1)
	require.Equal(t, installerr.KindArchive, out.Failures[0].Kind)
	require.Equal(t, "evil", out.Failures[0].Component)

	for _, p := range []string{
		filepath.Join(base, "escaped"),
		filepath.Join(m.StagingRoot(), "escaped"),
		filepath.Join(install, "escaped"),
	} {
		_, err := os.Lstat(p)
		require.True(t, errors.Is(err, os.ErrNotExist), p)
	}
}

func TestChainedSymlinkEscapeIsRejected(t *testing.T) {
	d := toolchainDist(t)
	d.add("evil", manifest.FormatTarGz, []testutil.File{
		testutil.Dir("a/b"),
		testutil.Symlink("a/b/s", "../../q"),
		testutil.Dir("q"),
		testutil.Symlink("a/b/t", "s/../../.."),
	}, testutil.Asset{})

	install := filepath.Join(t.TempDir(), "nightly")
	m := d.manifest(install)
	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), m)
	require.Equal(t, OverallAborted, out.Status)
	require.Len(t, out.Failures, 1)
	require.Equal(t, "evil", out.Failures[0].Component)
	require.Equal(t, installerr.KindArchive, out.Failures[0].Kind)
	require.Equal(t, "absent", testutil.TreeHash(t, install))
	requireNoRunDirs(t, m.StagingRoot())
}

func TestMissingArchiveIsNotRetried(t *testing.T) {
	d := toolchainDist(t)
	d.add("rls", manifest.FormatTarGz, []testutil.File{{Name: "bin/rls", Body: "rls"}}, testutil.Asset{Status: http.StatusNotFound})

	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), d.manifest(filepath.Join(t.TempDir(), "nightly")))
	require.Equal(t, OverallAborted, out.Status)
	require.Len(t, out.Failures, 1)
	require.Equal(t, "rls", out.Failures[0].Component)
	require.Equal(t, installerr.KindNetwork, out.Failures[0].Kind)
	var network *installerr.NetworkError
	require.ErrorAs(t, out.Err(), &network)
	require.Equal(t, http.StatusNotFound, network.StatusCode)
	require.False(t, network.Transient)
	require.Equal(t, 1, d.server.Requests("/dist/rls.tar.gz"))
	require.Contains(t, out.Err().Error(), "rls (network)")
}

func TestTransientFailureIsRetried(t *testing.T) {
	d := newDist(t)
	d.add("compiler", manifest.FormatTarGz, []testutil.File{{Name: "bin/rustc", Body: "rustc"}},
		testutil.Asset{FailFirst: 2, FailStatus: http.StatusServiceUnavailable})

	install := filepath.Join(t.TempDir(), "nightly")
	out := New(Options{Fetcher: testFetcher()}).Run(context.Background(), d.manifest(install))
	require.NoError(t, out.Err())
	require.Equal(t, 3, d.server.Requests("/dist/compiler.tar.gz"))
}

func TestFailureStopsAdmittingPendingComponents(t *testing.T) {
	d := newDist(t)
	d.add("first", manifest.FormatTarGz, []testutil.File{{Name: "a", Body: "a"}}, testutil.Asset{Status: http.StatusForbidden})
	for _, name := range []string{"second", "third", "fourth"} {
		d.add(name, manifest.FormatTarGz, []testutil.File{{Name: name, Body: name}}, testutil.Asset{Latency: 20 * time.Millisecond})
	}

	var (
		mu      sync.Mutex
		started []string
	)
	c := New(Options{
		Fetcher:                testFetcher(),
		MaxConcurrentDownloads: 1,
		Observer: func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			for _, comp := range s.Components {
				if comp.Status == StatusFetching && !slices.Contains(started, comp.Name) {
					started = append(started, comp.Name)
				}
			}
		},
	})
	out := c.Run(context.Background(), d.manifest(filepath.Join(t.TempDir(), "nightly")))
	require.Equal(t, OverallAborted, out.Status)
	require.Len(t, out.Failures, 1)
	require.Equal(t, "first", out.Failures[0].Component)

	// With one download slot, nothing may start fetching after the failure.
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, started)
	require.Equal(t, "first", started[len(started)-1])
}

func TestExternalCancelAborts(t *testing.T) {
	d := newDist(t)
	d.add("slow", manifest.FormatTarGz, []testutil.File{{Name: "a", Body: "a"}}, testutil.Asset{Latency: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	c := New(Options{Fetcher: testFetcher(), Observer: func(s Snapshot) {
		if comp, _ := s.Component("slow"); comp.Status == StatusFetching {
			cancel()
		}
	}})
	install := filepath.Join(t.TempDir(), "nightly")
	out := c.Run(ctx, d.manifest(install))
	require.Equal(t, OverallAborted, out.Status)
	require.Len(t, out.Failures, 1)
	require.Equal(t, installerr.KindCanceled, out.Failures[0].Kind)
	require.ErrorIs(t, out.Err(), context.Canceled)
	require.Equal(t, "absent", testutil.TreeHash(t, install))
}

func TestNoReplaceRefusesExistingInstall(t *testing.T) {
	d := toolchainDist(t)
	install := filepath.Join(t.TempDir(), "nightly")
	require.NoError(t, os.MkdirAll(install, 0o755))
	before := testutil.TreeHash(t, install)

	out := New(Options{Fetcher: testFetcher(), NoReplace: true}).Run(context.Background(), d.manifest(install))
	require.Equal(t, OverallAborted, out.Status)
	require.Len(t, out.Failures, 1)
	require.Empty(t, out.Failures[0].Component)
	require.Equal(t, installerr.KindPlatform, out.Failures[0].Kind)
	require.Contains(t, out.Err().Error(), "commit (platform)")
	require.Equal(t, before, testutil.TreeHash(t, install))
	require.Equal(t, 0, d.server.Requests("/dist/compiler.tar.xz"))
}

func TestUnpackLimitDefaults(t *testing.T) {
	c := New(Options{})
	require.GreaterOrEqual(t, c.unpackLimit(1), 1)
	require.LessOrEqual(t, c.unpackLimit(1), 1)
	require.Equal(t, 3, New(Options{MaxConcurrentUnpacks: 3}).unpackLimit(1))
	require.Equal(t, DefaultMaxConcurrentDownloads, c.opts.MaxConcurrentDownloads)
}

func TestOutcomeErr(t *testing.T) {
	require.NoError(t, Outcome{Status: OverallCommitted}.Err())
	require.EqualError(t, Outcome{Status: OverallAborted}.Err(), "install canceled")

	cause := &installerr.IntegrityError{Component: "docs", Expected: "sha256:aa", Actual: "sha256:bb"}
	err := Outcome{Status: OverallAborted, Failures: []Failure{{Component: "docs", Kind: installerr.KindIntegrity, Err: cause}}}.Err()
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "1 component(s) failed")
	require.Contains(t, err.Error(), "docs (integrity)")
}
