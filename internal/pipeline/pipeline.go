// Package pipeline coordinates the fetch, verify, unpack, and stage work of
// every component of a manifest and publishes the result exactly once.
//
// Downloads and unpacks draw from two independent bounded pools, so one
// component can be unpacking while others are still on the network. The
// first failure cancels the run; the staging tree is then discarded and the
// installation root is never touched.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"time"

	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/conn-castle/fastchain/internal/commit"
	"github.com/conn-castle/fastchain/internal/fetch"
	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/manifest"
	"github.com/conn-castle/fastchain/internal/messages"
	"github.com/conn-castle/fastchain/internal/stage"
	"github.com/conn-castle/fastchain/internal/unpack"
	"github.com/conn-castle/fastchain/internal/verify"
)

// DefaultMaxConcurrentDownloads bounds parallel downloads when unset.
const DefaultMaxConcurrentDownloads = 4

// Options configures a Coordinator.
type Options struct {
	// Fetcher downloads archives. A default Fetcher is used when nil.
	Fetcher *fetch.Fetcher
	// MaxConcurrentDownloads bounds network-bound work.
	MaxConcurrentDownloads int
	// MaxConcurrentUnpacks bounds CPU-bound work. It defaults to the number
	// of CPUs, capped at the number of components.
	MaxConcurrentUnpacks int
	// NoReplace fails the run when the installation root already exists,
	// both before any download starts and again at commit.
	NoReplace bool
	// Observer receives a snapshot after every state change. It may be
	// called from several goroutines at once and must not block.
	Observer func(Snapshot)
}

// Coordinator runs manifests. A Coordinator may run several manifests, one
// after another or concurrently; runs share nothing but the Fetcher.
type Coordinator struct {
	opts Options
}

// New returns a Coordinator with defaults applied to opts.
func New(opts Options) *Coordinator {
	if opts.Fetcher == nil {
		opts.Fetcher = fetch.New(fetch.Options{})
	}
	if opts.MaxConcurrentDownloads <= 0 {
		opts.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	return &Coordinator{opts: opts}
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Status      Overall
	InstallRoot string
	// Replaced is true when a prior installation was swapped out.
	Replaced bool
	// Failures lists the failures that aborted the run in the order they
	// occurred.
	Failures []Failure
	Elapsed  time.Duration
}

// Err returns nil for a committed run and an error naming every failed
// component and its kind otherwise.
func (o Outcome) Err() error {
	if o.Status == OverallCommitted {
		return nil
	}
	if len(o.Failures) == 0 {
		return errors.New(messages.PipelineCanceled)
	}
	errs := make([]error, 0, len(o.Failures)+1)
	errs = append(errs, fmt.Errorf(messages.PipelineAbortedFmt, len(o.Failures)))
	for _, f := range o.Failures {
		name := f.Component
		if name == "" {
			name = messages.PipelineCommitComponent
		}
		errs = append(errs, fmt.Errorf(messages.PipelineFailureFmt, name, f.Kind, f.Err))
	}
	return errors.Join(errs...)
}

// run holds the state of one Run call.
type run struct {
	c      *Coordinator
	state  *tracker
	work   *stage.Run
	asm    *stage.Assembler
	io     *semaphore.Weighted
	cpu    *semaphore.Weighted
	cancel context.CancelFunc
}

// Run installs every component of m. It returns once the run is committed or
// aborted and all of its goroutines have stopped.
func (c *Coordinator) Run(ctx context.Context, m *manifest.Manifest) Outcome {
	start := time.Now()
	components := m.Components()
	state := newTracker(components, c.opts.Observer)
	logger := slogcontext.FromCtx(ctx).With(slog.String("install_root", m.InstallRoot()))
	ctx = slogcontext.NewCtx(ctx, logger)

	outcome := func(status Overall, failures []Failure) Outcome {
		return Outcome{Status: status, InstallRoot: m.InstallRoot(), Failures: failures, Elapsed: time.Since(start)}
	}

	if c.opts.NoReplace {
		if err := checkAbsent(m.InstallRoot()); err != nil {
			state.failRun(err)
			return outcome(OverallAborted, state.finish(OverallAborted))
		}
	}

	work, err := stage.NewRun(m.StagingRoot())
	if err != nil {
		state.failRun(err)
		return outcome(OverallAborted, state.finish(OverallAborted))
	}
	defer func() {
		if err := work.Discard(); err != nil {
			logger.Log(ctx, slog.LevelWarn, "discard run directory", slog.String("dir", work.Dir()), slog.Any("error", err))
		}
	}()

	asm, err := work.Assembler()
	if err != nil {
		state.failRun(err)
		return outcome(OverallAborted, state.finish(OverallAborted))
	}
	defer func() { _ = asm.Close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{
		c:      c,
		state:  state,
		work:   work,
		asm:    asm,
		io:     semaphore.NewWeighted(int64(c.opts.MaxConcurrentDownloads)),
		cpu:    semaphore.NewWeighted(int64(c.unpackLimit(len(components)))),
		cancel: cancel,
	}
	logger.Log(ctx, slog.LevelDebug, "run started",
		slog.String("run_dir", work.Dir()),
		slog.Int("components", m.Len()))

	var g errgroup.Group
	for _, comp := range components {
		g.Go(func() error {
			return r.component(runCtx, comp)
		})
	}
	_ = g.Wait()

	if state.failed() || ctx.Err() != nil || !state.allStaged() {
		logger.Log(ctx, slog.LevelInfo, "run aborted")
		return outcome(OverallAborted, state.finish(OverallAborted))
	}

	res, err := r.commit(ctx, m.InstallRoot())
	if err != nil {
		state.failRun(err)
		return outcome(OverallAborted, state.finish(OverallAborted))
	}
	out := outcome(OverallCommitted, state.finish(OverallCommitted))
	out.Replaced = res.Replaced
	return out
}

func (c *Coordinator) unpackLimit(components int) int {
	n := c.opts.MaxConcurrentUnpacks
	if n <= 0 {
		n = runtime.NumCPU()
		if components > 0 && n > components {
			n = components
		}
	}
	return max(n, 1)
}

// component drives one component to staged. A component that never got a
// slot before the run was canceled stays pending.
func (r *run) component(ctx context.Context, comp manifest.Component) error {
	spool, err := r.download(ctx, comp)
	if spool == nil {
		return err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()
	if err != nil {
		return err
	}

	if err := acquire(ctx, r.cpu); err != nil {
		return r.fail(comp.Name, err)
	}
	defer r.cpu.Release(1)

	r.state.set(comp.Name, StatusUnpacking)
	if err := r.unpack(ctx, comp, spool); err != nil {
		return r.fail(comp.Name, err)
	}
	r.state.set(comp.Name, StatusStaged)
	return nil
}

// download fetches and verifies comp into a spool file while holding an I/O
// slot. It returns a nil spool when no slot was granted or no spool could
// be created. Failures are recorded before the slot is released.
func (r *run) download(ctx context.Context, comp manifest.Component) (*os.File, error) {
	if err := acquire(ctx, r.io); err != nil {
		return nil, err
	}
	defer r.io.Release(1)

	r.state.set(comp.Name, StatusFetching)
	spool, err := r.work.Spool()
	if err != nil {
		return nil, r.fail(comp.Name, err)
	}
	verifier, err := verify.New(comp.Name, comp.Digest)
	if err != nil {
		return spool, r.fail(comp.Name, err)
	}
	res, err := r.c.opts.Fetcher.Fetch(ctx, fetch.Request{
		Component: comp.Name,
		URL:       comp.URL,
		Spool:     spool,
		Hash:      verifier,
		Progress: func(fetched int64, total int64) {
			r.state.progress(comp.Name, fetched, total)
		},
	})
	if err != nil {
		return spool, r.fail(comp.Name, err)
	}

	r.state.set(comp.Name, StatusVerifying)
	if err := verifier.Verify(); err != nil {
		return spool, r.fail(comp.Name, err)
	}
	slogcontext.Log(ctx, slog.LevelDebug, "component verified",
		slog.String("component", comp.Name),
		slog.Int64("bytes", verifier.Written()),
		slog.Int("attempts", res.Attempts),
		slog.String("digest", comp.Digest.String()))
	return spool, nil
}

// fail records err against the component and cancels the rest of the run.
func (r *run) fail(name string, err error) error {
	r.state.fail(name, err)
	r.cancel()
	return err
}

// unpack streams the verified spool into the staging tree.
func (r *run) unpack(ctx context.Context, comp manifest.Component, spool *os.File) error {
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return &installerr.PlatformError{Op: messages.StageOpCreateSpool, Path: spool.Name(), Err: err}
	}
	rd, err := unpack.Open(comp.Name, contextReader{ctx: ctx, r: spool}, comp.Format, unpack.Layout{
		Subdir: comp.Subdir,
		Ignore: comp.Ignore,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	entries := 0
	for {
		entry, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if err := r.asm.Write(ctx, comp.Name, entry); err != nil {
			return err
		}
		entries++
	}
	slogcontext.Log(ctx, slog.LevelDebug, "component staged",
		slog.String("component", comp.Name),
		slog.Int("entries", entries))
	return nil
}

// commit publishes the staging tree under the install lock.
func (r *run) commit(ctx context.Context, installRoot string) (commit.Result, error) {
	if err := r.asm.Finish(); err != nil {
		return commit.Result{}, err
	}
	slogcontext.Log(ctx, slog.LevelDebug, "staging tree complete", slog.Int("paths", r.asm.Paths()))
	lock, err := commit.AcquireLock(ctx, installRoot)
	if err != nil {
		return commit.Result{}, &installerr.PlatformError{Op: messages.CommitOpPublish, Path: installRoot, Err: err}
	}
	defer func() { _ = lock.Release() }()
	return commit.Publish(ctx, r.work.TreeDir(), installRoot, commit.Options{NoReplace: r.c.opts.NoReplace})
}

// checkAbsent fails when installRoot already exists.
func checkAbsent(installRoot string) error {
	_, err := os.Lstat(installRoot)
	switch {
	case err == nil:
		return &installerr.PlatformError{Op: messages.CommitOpPublish, Path: installRoot, Err: commit.ErrTargetExists}
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return &installerr.PlatformError{Op: messages.CommitOpStat, Path: installRoot, Err: err}
	}
}

// acquire takes one slot of sem unless ctx is already done.
func acquire(ctx context.Context, sem *semaphore.Weighted) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		sem.Release(1)
		return err
	}
	return nil
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
