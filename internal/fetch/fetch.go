// Package fetch downloads component archives over HTTP(S) with bounded
// retries, exponential backoff with jitter, and a per-attempt timeout.
package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/messages"
)

const (
	DefaultMaxAttempts    = 4
	DefaultBaseDelay      = 250 * time.Millisecond
	DefaultMaxDelay       = 8 * time.Second
	DefaultAttemptTimeout = 5 * time.Minute
	// DefaultMaxBytes caps a single archive. The largest toolchain components
	// (documentation) are a few hundred MiB compressed.
	DefaultMaxBytes = int64(2 << 30)
)

// DefaultUserAgent is sent when Options.UserAgent is empty.
var DefaultUserAgent = "fastchain/dev"

// Options configures a Fetcher. Zero values select the defaults above.
type Options struct {
	Client         *http.Client
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	MaxBytes       int64
	UserAgent      string
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a uniformly random value in [0, n).
	Jitter func(n int64) int64
}

// Spool receives archive bytes. Each attempt truncates it and starts over.
// *os.File satisfies Spool.
type Spool interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// Request describes one component download.
type Request struct {
	Component string
	URL       string
	Spool     Spool
	// Hash receives the same bytes as Spool; it is reset with every attempt.
	Hash Resetter
	// Progress is called with the bytes received in the current attempt and
	// the advertised total (-1 when unknown).
	Progress func(fetched int64, total int64)
}

// Resetter is a writer that can discard what it has seen so far.
type Resetter interface {
	io.Writer
	Reset()
}

// Result summarizes a successful download.
type Result struct {
	Bytes    int64
	Total    int64
	Attempts int
}

// Fetcher downloads archives. It is safe for concurrent use.
type Fetcher struct {
	opts Options
}

// New returns a Fetcher with defaults applied to opts.
func New(opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}
	return &Fetcher{opts: opts}
}

// attemptError is the outcome of one failed attempt.
type attemptError struct {
	status     int
	transient  bool
	retryAfter time.Duration
	err        error
}

// Fetch downloads req.URL into req.Spool. Transient failures are retried up to
// MaxAttempts; permanent failures and cancellation return immediately.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	if req.Spool == nil {
		return Result{}, errors.New(messages.FetchSpoolRequired)
	}
	logger := slogcontext.FromCtx(ctx).With(slog.String("component", req.Component), slog.String("url", req.URL))

	var last *attemptError
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf(messages.FetchCanceledFmt, req.Component, err)
		}
		if err := resetSpool(req); err != nil {
			return Result{}, err
		}
		res, aerr := f.attempt(ctx, req)
		if aerr == nil {
			res.Attempts = attempt
			logger.Log(ctx, slog.LevelDebug, "download complete", slog.Int64("bytes", res.Bytes), slog.Int("attempts", attempt))
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf(messages.FetchCanceledFmt, req.Component, ctxErr)
		}
		last = aerr
		if !aerr.transient {
			return Result{}, f.networkError(req, attempt, aerr)
		}
		if attempt == f.opts.MaxAttempts {
			break
		}
		delay := f.backoff(attempt, aerr.retryAfter)
		logger.Log(ctx, slog.LevelWarn, "retrying download",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", aerr.err))
		if err := f.opts.Sleep(ctx, delay); err != nil {
			return Result{}, fmt.Errorf(messages.FetchCanceledFmt, req.Component, err)
		}
	}
	return Result{}, f.networkError(req, f.opts.MaxAttempts, last)
}

func (f *Fetcher) networkError(req Request, attempts int, aerr *attemptError) error {
	return &installerr.NetworkError{
		Component:  req.Component,
		URL:        req.URL,
		StatusCode: aerr.status,
		Attempts:   attempts,
		Transient:  aerr.transient,
		Err:        aerr.err,
	}
}

// attempt performs a single GET under its own timeout.
func (f *Fetcher) attempt(ctx context.Context, req Request) (Result, *attemptError) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.opts.AttemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Result{}, &attemptError{err: err}
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.opts.Client.Do(httpReq)
	if err != nil {
		return Result{}, &attemptError{transient: transportRetryable(err), err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &attemptError{
			status:     resp.StatusCode,
			transient:  statusRetryable(resp.StatusCode),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			err:        fmt.Errorf(messages.FetchUnexpectedStatusFmt, resp.Status),
		}
	}

	total := resp.ContentLength
	if total > f.opts.MaxBytes {
		return Result{}, &attemptError{err: fmt.Errorf(messages.FetchTooLargeFmt, total, f.opts.MaxBytes)}
	}

	sink := io.Writer(req.Spool)
	if req.Hash != nil {
		sink = io.MultiWriter(req.Spool, req.Hash)
	}
	counter := &progressWriter{total: total, report: req.Progress}
	n, err := io.Copy(io.MultiWriter(sink, counter), io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return Result{}, &attemptError{transient: true, err: err}
	}
	if n > f.opts.MaxBytes {
		return Result{}, &attemptError{err: fmt.Errorf(messages.FetchTooLargeFmt, n, f.opts.MaxBytes)}
	}
	if total >= 0 && n != total {
		return Result{}, &attemptError{transient: true, err: fmt.Errorf(messages.FetchShortBodyFmt, n, total)}
	}
	return Result{Bytes: n, Total: total}, nil
}

// resetSpool empties the spool and the hash for a fresh attempt. Spool
// failures are local filesystem problems, not network ones.
func resetSpool(req Request) error {
	if err := req.Spool.Truncate(0); err != nil {
		return spoolError(req, err)
	}
	if _, err := req.Spool.Seek(0, io.SeekStart); err != nil {
		return spoolError(req, err)
	}
	if req.Hash != nil {
		req.Hash.Reset()
	}
	if req.Progress != nil {
		req.Progress(0, -1)
	}
	return nil
}

// statusRetryable reports whether an HTTP status is worth another attempt.
func spoolError(req Request, err error) error {
	name := req.Component
	if named, ok := req.Spool.(interface{ Name() string }); ok {
		name = named.Name()
	}
	return &installerr.PlatformError{Op: messages.FetchOpResetSpool, Path: name, Err: err}
}

func statusRetryable(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// transportRetryable reports whether a transport error is transient. TLS
// verification failures will not fix themselves; everything else (resets,
// refused connections, timeouts, DNS hiccups) is retried.
func transportRetryable(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return false
	}
	var hostnameErr x509.HostnameError
	return !errors.As(err, &hostnameErr)
}

type progressWriter struct {
	fetched int64
	total   int64
	report  func(int64, int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.fetched += int64(len(b))
	if p.report != nil {
		p.report(p.fetched, p.total)
	}
	return len(b), nil
}
