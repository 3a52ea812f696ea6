package stage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/manifest"
	"github.com/conn-castle/fastchain/internal/messages"
	"github.com/conn-castle/fastchain/internal/unpack"
)

const tmpPrefix = ".fastchain-tmp-"

// claim records which component owns a staged path and what it put there.
type claim struct {
	component   string
	kind        manifest.EntryKind
	fingerprint string
	// explicit is false for directories created only as parents.
	explicit bool
	mode     fs.FileMode
}

// Assembler writes entries from any number of components into one staging
// tree. It is safe for concurrent use; claims are scoped to the run.
type Assembler struct {
	root   *os.Root
	tmpSeq atomic.Uint64

	mu     sync.Mutex
	claims map[string]claim
}

func newAssembler(treeDir string) (*Assembler, error) {
	root, err := os.OpenRoot(treeDir)
	if err != nil {
		return nil, &installerr.PlatformError{Op: messages.StageOpOpenTree, Path: treeDir, Err: err}
	}
	return &Assembler{root: root, claims: map[string]claim{}}, nil
}

// Write stages one entry for component. Writing a path another component
// already staged with the same fingerprint is a no-op; a different
// fingerprint is a ConflictError. Files are compared by content only, and
// the first component to stage a file decides its mode.
func (a *Assembler) Write(ctx context.Context, component string, e *unpack.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.claimParents(component, e.Path); err != nil {
		return err
	}
	if dir := path.Dir(e.Path); dir != "." {
		if err := a.root.MkdirAll(dir, 0o755); err != nil {
			return a.fsError(messages.StageOpMkdir, dir, err)
		}
	}
	switch e.Kind {
	case manifest.KindDirectory:
		return a.writeDir(component, e)
	case manifest.KindSymlink:
		return a.writeSymlink(component, e)
	case manifest.KindRegular:
		return a.writeFile(ctx, component, e)
	default:
		return &installerr.ArchiveError{Component: component, Path: e.Path, Reason: fmt.Sprintf(messages.UnpackUnsupportedKindFmt, e.Kind)}
	}
}

func (a *Assembler) writeDir(component string, e *unpack.Entry) error {
	owner, err := a.claim(e.Path, claim{
		component:   component,
		kind:        manifest.KindDirectory,
		fingerprint: "dir",
		explicit:    true,
		mode:        e.Mode,
	})
	if err != nil || !owner {
		return err
	}
	if err := a.root.Mkdir(e.Path, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return a.fsError(messages.StageOpMkdir, e.Path, err)
	}
	return nil
}

func (a *Assembler) writeSymlink(component string, e *unpack.Entry) error {
	owner, err := a.claim(e.Path, claim{
		component:   component,
		kind:        manifest.KindSymlink,
		fingerprint: "symlink:" + e.Linkname,
		explicit:    true,
	})
	if err != nil || !owner {
		return err
	}
	if err := a.root.Symlink(e.Linkname, e.Path); err != nil {
		return a.fsError(messages.StageOpSymlink, e.Path, err)
	}
	return nil
}

// writeFile streams content to a temporary sibling, then publishes it into
// the tree only if this component wins the claim for the path.
func (a *Assembler) writeFile(ctx context.Context, component string, e *unpack.Entry) (err error) {
	tmp := path.Join(path.Dir(e.Path), fmt.Sprintf("%s%d", tmpPrefix, a.tmpSeq.Add(1)))
	f, err := a.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return a.fsError(messages.StageOpCreate, tmp, err)
	}
	published := false
	defer func() {
		if !published {
			_ = a.root.Remove(tmp)
		}
	}()

	digester := digest.Canonical.Digester()
	n, copyErr := io.Copy(io.MultiWriter(f, digester.Hash()), contextReader{ctx: ctx, r: e})
	closeErr := f.Close()
	if copyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var pathErr *fs.PathError
		if errors.As(copyErr, &pathErr) {
			return a.fsError(messages.StageOpWrite, e.Path, copyErr)
		}
		return &installerr.ArchiveError{Component: component, Path: e.Path, Reason: messages.UnpackTruncatedEntry, Err: copyErr}
	}
	if closeErr != nil {
		return a.fsError(messages.StageOpWrite, e.Path, closeErr)
	}
	if n != e.Size {
		return &installerr.ArchiveError{Component: component, Path: e.Path, Reason: fmt.Sprintf(messages.UnpackSizeMismatchFmt, n, e.Size)}
	}
	if err := a.root.Chmod(tmp, e.Mode); err != nil {
		return a.fsError(messages.StageOpChmod, e.Path, err)
	}

	owner, err := a.claim(e.Path, claim{
		component:   component,
		kind:        manifest.KindRegular,
		fingerprint: "file:" + digester.Digest().Encoded(),
		explicit:    true,
	})
	if err != nil || !owner {
		return err
	}
	if err := a.root.Rename(tmp, e.Path); err != nil {
		return a.fsError(messages.StageOpRename, e.Path, err)
	}
	published = true
	return nil
}

// claim registers c for p. It reports whether the caller must write the
// path. The lock is held only for the map update.
func (a *Assembler) claim(p string, c claim) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, ok := a.claims[p]
	if !ok {
		a.claims[p] = c
		return true, nil
	}
	if prev.kind == manifest.KindDirectory && c.kind == manifest.KindDirectory {
		if c.explicit && !prev.explicit {
			prev.explicit = true
			prev.mode = c.mode
			a.claims[p] = prev
		}
		return false, nil
	}
	if prev.fingerprint == c.fingerprint {
		return false, nil
	}
	return false, &installerr.ConflictError{Path: p, First: prev.component, Second: c.component}
}

// claimParents records every ancestor of p as a directory.
func (a *Assembler) claimParents(component string, p string) error {
	for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
		if _, err := a.claim(dir, claim{component: component, kind: manifest.KindDirectory, fingerprint: "dir"}); err != nil {
			return err
		}
	}
	return nil
}

// Finish checks that every staged symlink resolves inside the tree and then
// applies the declared directory permissions, deepest first. It must run
// once no more entries will be written: a later link can change where an
// earlier one resolves.
func (a *Assembler) Finish() error {
	a.mu.Lock()
	type dirMode struct {
		path string
		mode fs.FileMode
	}
	var dirs []dirMode
	var links []string
	for p, c := range a.claims {
		switch {
		case c.kind == manifest.KindDirectory && c.explicit:
			dirs = append(dirs, dirMode{path: p, mode: c.mode})
		case c.kind == manifest.KindSymlink:
			links = append(links, p)
		}
	}
	owners := make(map[string]string, len(links))
	for _, p := range links {
		owners[p] = a.claims[p].component
	}
	a.mu.Unlock()

	slices.Sort(links)
	for _, p := range links {
		if err := a.checkLink(owners[p], p); err != nil {
			return err
		}
	}

	slices.SortFunc(dirs, func(x, y dirMode) int {
		return cmp.Compare(strings.Count(y.path, "/"), strings.Count(x.path, "/"))
	})
	for _, d := range dirs {
		if err := a.root.Chmod(d.path, d.mode); err != nil {
			return a.fsError(messages.StageOpChmod, d.path, err)
		}
	}
	return nil
}

// checkLink resolves p through the tree root, which refuses any path that
// leaves the tree. Links to paths that do not exist inside the tree are
// allowed.
func (a *Assembler) checkLink(component string, p string) error {
	_, err := a.root.Stat(p)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	target, _ := a.root.Readlink(p)
	return &installerr.ArchiveError{
		Component: component,
		Path:      p,
		Reason:    fmt.Sprintf(messages.StageLinkEscapesFmt, target),
		Err:       err,
	}
}

// Paths returns the number of distinct paths staged so far.
func (a *Assembler) Paths() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.claims)
}

// Close releases the tree handle.
func (a *Assembler) Close() error {
	return a.root.Close()
}

func (a *Assembler) fsError(op string, p string, err error) error {
	return &installerr.PlatformError{Op: op, Path: path.Join(a.root.Name(), p), Err: err}
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
