// Package unpack decodes a verified component archive into a lazy sequence of
// file entries. Entries whose paths would escape the extraction root are
// rejected, never sanitized.
package unpack

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/conn-castle/fastchain/internal/installerr"
	"github.com/conn-castle/fastchain/internal/manifest"
	"github.com/conn-castle/fastchain/internal/messages"
)

// Entry is one file, directory, or symlink produced by a Reader. Its content
// is valid only until the next call to Reader.Next.
type Entry struct {
	// Path is slash-separated and relative to the extraction root.
	Path     string
	Mode     fs.FileMode
	Kind     manifest.EntryKind
	Linkname string
	Size     int64

	content io.Reader
}

// Read reads regular-file content. Directories and symlinks read as empty.
func (e *Entry) Read(p []byte) (int, error) {
	if e.content == nil {
		return 0, io.EOF
	}
	return e.content.Read(p)
}

// Layout selects which part of an archive belongs to the component.
type Layout struct {
	// Subdir keeps only <top-level>/<Subdir>/... and strips that prefix.
	Subdir string
	// Ignore lists paths, relative to the selected root, that are skipped.
	Ignore []string
}

// Reader yields the entries of one archive. It is finite and not restartable.
type Reader struct {
	component string
	layout    Layout
	decoder   io.ReadCloser
	tr        *tar.Reader
	done      bool
}

// Open starts decoding r as format. The caller must Close the Reader.
func Open(component string, r io.Reader, format manifest.ArchiveFormat, layout Layout) (*Reader, error) {
	decoder, err := decompress(r, format)
	if err != nil {
		return nil, &installerr.ArchiveError{Component: component, Reason: messages.UnpackOpenDecoder, Err: err}
	}
	return &Reader{
		component: component,
		layout:    layout,
		decoder:   decoder,
		tr:        tar.NewReader(decoder),
	}, nil
}

// Next returns the next selected entry, or io.EOF when the archive is exhausted.
func (r *Reader) Next() (*Entry, error) {
	if r.done {
		return nil, io.EOF
	}
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			r.done = true
			return nil, io.EOF
		}
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			r.done = true
			return nil, &installerr.ArchiveError{Component: r.component, Reason: messages.UnpackMalformed, Err: err}
		}
		entry, err := r.entry(hdr)
		if err != nil {
			r.done = true
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}
}

// Close releases the decoder.
func (r *Reader) Close() error {
	r.done = true
	return r.decoder.Close()
}

// entry converts a tar header. It returns nil for entries outside the layout.
func (r *Reader) entry(hdr *tar.Header) (*Entry, error) {
	if hdr.Typeflag == tar.TypeXGlobalHeader {
		return nil, nil
	}
	name, err := cleanArchivePath(hdr.Name)
	if err != nil {
		return nil, r.archiveError(hdr.Name, err.Error())
	}
	kind, err := entryKind(hdr)
	if err != nil {
		return nil, r.archiveError(hdr.Name, err.Error())
	}
	if name == "" {
		return nil, nil
	}
	rel, ok := r.selectPath(name)
	if !ok {
		return nil, nil
	}

	entry := &Entry{
		Path: rel,
		Mode: hdr.FileInfo().Mode().Perm(),
		Kind: kind,
	}
	switch kind {
	case manifest.KindRegular:
		entry.Size = hdr.Size
		entry.content = r.tr
	case manifest.KindSymlink:
		if err := checkLinkTarget(rel, hdr.Linkname); err != nil {
			return nil, r.archiveError(hdr.Name, err.Error())
		}
		entry.Linkname = hdr.Linkname
	}
	return entry, nil
}

// selectPath applies the layout to a cleaned archive path.
func (r *Reader) selectPath(name string) (string, bool) {
	rel := name
	if r.layout.Subdir != "" {
		parts := strings.SplitN(name, "/", 3)
		if len(parts) < 3 || parts[1] != r.layout.Subdir {
			return "", false
		}
		rel = parts[2]
	}
	if rel == "" || slices.Contains(r.layout.Ignore, rel) {
		return "", false
	}
	return rel, true
}

func (r *Reader) archiveError(name string, reason string) error {
	return &installerr.ArchiveError{Component: r.component, Path: name, Reason: reason}
}

func entryKind(hdr *tar.Header) (manifest.EntryKind, error) {
	switch hdr.Typeflag {
	case tar.TypeReg:
		return manifest.KindRegular, nil
	case tar.TypeDir:
		return manifest.KindDirectory, nil
	case tar.TypeSymlink:
		return manifest.KindSymlink, nil
	default:
		return 0, fmt.Errorf(messages.UnpackUnsupportedKindFmt, string(rune(hdr.Typeflag)))
	}
}

// cleanArchivePath validates an archive member name and returns it without
// leading "./" or trailing "/". The archive root itself maps to "".
func cleanArchivePath(name string) (string, error) {
	if name == "" {
		return "", errors.New(messages.UnpackEmptyPath)
	}
	if strings.HasPrefix(name, "/") {
		return "", errors.New(messages.UnpackAbsolutePath)
	}
	if strings.ContainsRune(name, 0) {
		return "", errors.New(messages.UnpackNULInPath)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", errors.New(messages.UnpackTraversalPath)
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// checkLinkTarget rejects symlinks that point outside the extraction root.
// It sees one link at a time; chains through other links are resolved by
// the staging assembler once the tree is complete.
func checkLinkTarget(rel string, target string) error {
	if target == "" {
		return errors.New(messages.UnpackEmptyLinkTarget)
	}
	if strings.HasPrefix(target, "/") {
		return fmt.Errorf(messages.UnpackAbsoluteLinkFmt, target)
	}
	resolved := path.Join(path.Dir(rel), target)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf(messages.UnpackEscapingLinkFmt, target)
	}
	return nil
}
