// Package manifestfile reads an already resolved release manifest from a
// TOML file and turns it into a manifest.Manifest.
//
// Example:
//
//	install_root = "~/.fastchain/toolchains/nightly-2024-05-01"
//
//	[[component]]
//	name = "rustc"
//	target = "x86_64-unknown-linux-gnu"
//	url = "https://static.rust-lang.org/dist/2024-05-01/rustc-nightly-x86_64-unknown-linux-gnu.tar.xz"
//	digest = "sha256:..."
//	subdir = "rustc"
package manifestfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"

	"github.com/conn-castle/fastchain/internal/manifest"
	"github.com/conn-castle/fastchain/internal/messages"
)

// File is the on-disk manifest.
type File struct {
	InstallRoot string           `toml:"install_root"`
	StagingRoot string           `toml:"staging_root"`
	Components  []ComponentEntry `toml:"component"`

	// dir resolves relative roots; it is the directory of the source file.
	dir    string
	source string
}

// ComponentEntry is one [[component]] table.
type ComponentEntry struct {
	Name   string `toml:"name"`
	Target string `toml:"target"`
	URL    string `toml:"url"`
	// Digest is "<algorithm>:<hex>" or bare sha256 hex.
	Digest string `toml:"digest"`
	Size   int64  `toml:"size"`
	Format string `toml:"format"`
	Subdir string `toml:"subdir"`
	// Ignore replaces the default ignore list when present, even if empty.
	Ignore []string `toml:"ignore"`
}

// Load reads and decodes the manifest file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(messages.ManifestFileReadFmt, path, err)
	}
	f, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf(messages.ManifestFileReadFmt, path, err)
	}
	f.dir = filepath.Dir(abs)
	return f, nil
}

// Parse decodes manifest TOML. Unknown keys are rejected. source is used in
// error messages.
func Parse(data []byte, source string) (*File, error) {
	var f File
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf(messages.ManifestFileDecodeFmt, source, err)
	}
	f.source = source
	return &f, nil
}

// Manifest builds the validated manifest. Non-empty installRoot and
// stagingRoot override the values in the file.
func (f *File) Manifest(installRoot string, stagingRoot string) (*manifest.Manifest, error) {
	var err error
	if installRoot == "" {
		if installRoot, err = f.resolve(f.InstallRoot); err != nil {
			return nil, err
		}
	}
	if stagingRoot == "" {
		if stagingRoot, err = f.resolve(f.StagingRoot); err != nil {
			return nil, err
		}
	}
	components := make([]manifest.Component, 0, len(f.Components))
	for _, e := range f.Components {
		c, err := e.component()
		if err != nil {
			return nil, fmt.Errorf(messages.ManifestFileComponentFmt, f.source, err)
		}
		components = append(components, c)
	}
	m, err := manifest.New(components, installRoot, stagingRoot)
	if err != nil {
		return nil, fmt.Errorf(messages.ManifestFileComponentFmt, f.source, err)
	}
	return m, nil
}

// resolve expands "~" and makes relative paths relative to the file.
func (f *File) resolve(p string) (string, error) {
	p, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf(messages.ManifestFileResolveFmt, f.source, p, err)
	}
	if p == "" || filepath.IsAbs(p) || f.dir == "" {
		return p, nil
	}
	return filepath.Join(f.dir, p), nil
}

func (e ComponentEntry) component() (manifest.Component, error) {
	d, err := manifest.ParseDigest(e.Digest)
	if err != nil {
		return manifest.Component{}, fmt.Errorf(messages.ManifestComponentDigestFmt, e.Name, err)
	}
	var format manifest.ArchiveFormat
	if e.Format != "" {
		if format, err = manifest.ParseFormat(e.Format); err != nil {
			return manifest.Component{}, fmt.Errorf(messages.ManifestComponentFieldFmt, e.Name, err)
		}
	}
	return manifest.Component{
		Name:         e.Name,
		TargetTriple: e.Target,
		URL:          e.URL,
		Digest:       d,
		SizeHint:     e.Size,
		Format:       format,
		Subdir:       e.Subdir,
		Ignore:       e.Ignore,
	}, nil
}
