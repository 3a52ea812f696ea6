// Package manifest models a fully resolved toolchain release: the components
// to install and where to install them. Values are built once by a resolver
// and never mutated afterwards.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/conn-castle/fastchain/internal/messages"
)

// DefaultIgnore lists component-root files that are archive metadata rather
// than toolchain content.
var DefaultIgnore = []string{"manifest.in"}

// Component is one independently downloadable, verifiable, and installable
// piece of a toolchain release.
type Component struct {
	// Name identifies the component, e.g. "rustc" or "rust-std".
	Name string
	// TargetTriple is empty for platform-independent components.
	TargetTriple string
	URL          string
	// Digest is the only integrity authority for the archive bytes.
	Digest digest.Digest
	// SizeHint is the advertised compressed size. Advisory only.
	SizeHint int64
	Format   ArchiveFormat
	// Subdir selects <top-level>/<Subdir>/ inside the archive and strips that
	// prefix. When empty, entries are installed with their archive paths.
	Subdir string
	// Ignore names files at the component root that are skipped.
	Ignore []string
}

// DisplayName returns the name with the target triple appended when present.
func (c Component) DisplayName() string {
	if c.TargetTriple == "" {
		return c.Name
	}
	return c.Name + "-" + c.TargetTriple
}

// Validate checks the component fields that the pipeline relies on.
func (c Component) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New(messages.ManifestComponentNameRequired)
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf(messages.ManifestComponentURLRequiredFmt, c.Name)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf(messages.ManifestComponentURLInvalidFmt, c.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf(messages.ManifestComponentURLSchemeFmt, c.Name, u.Scheme)
	}
	if err := ValidateDigest(c.Digest); err != nil {
		return fmt.Errorf(messages.ManifestComponentDigestFmt, c.Name, err)
	}
	if _, err := ParseFormat(string(c.Format)); err != nil {
		return fmt.Errorf(messages.ManifestComponentFieldFmt, c.Name, err)
	}
	if c.Subdir != "" && (strings.Contains(c.Subdir, "/") || c.Subdir == "." || c.Subdir == "..") {
		return fmt.Errorf(messages.ManifestComponentSubdirFmt, c.Name, c.Subdir)
	}
	return nil
}

// Manifest is the resolved set of components for one installation run.
type Manifest struct {
	components  []Component
	installRoot string
	stagingRoot string
}

// New validates components and paths and returns a Manifest. A missing
// format is inferred from the URL; a nil Ignore list gets DefaultIgnore.
// stagingRoot defaults to the parent of installRoot so both share a volume.
func New(components []Component, installRoot string, stagingRoot string) (*Manifest, error) {
	if len(components) == 0 {
		return nil, errors.New(messages.ManifestNoComponents)
	}
	if strings.TrimSpace(installRoot) == "" {
		return nil, errors.New(messages.ManifestInstallRootRequired)
	}
	installRoot, err := filepath.Abs(installRoot)
	if err != nil {
		return nil, fmt.Errorf(messages.ManifestResolvePathFmt, installRoot, err)
	}
	if filepath.Dir(installRoot) == installRoot {
		return nil, fmt.Errorf(messages.ManifestInstallRootIsFilesystemRootFmt, installRoot)
	}
	if strings.TrimSpace(stagingRoot) == "" {
		stagingRoot = filepath.Dir(installRoot)
	}
	stagingRoot, err = filepath.Abs(stagingRoot)
	if err != nil {
		return nil, fmt.Errorf(messages.ManifestResolvePathFmt, stagingRoot, err)
	}
	if within(installRoot, stagingRoot) {
		return nil, fmt.Errorf(messages.ManifestStagingInsideInstallFmt, stagingRoot, installRoot)
	}

	seen := make(map[string]struct{}, len(components))
	owned := make([]Component, 0, len(components))
	for _, c := range components {
		if c.Format == "" {
			f, err := FormatFromURL(c.URL)
			if err != nil {
				return nil, fmt.Errorf(messages.ManifestComponentFieldFmt, c.Name, err)
			}
			c.Format = f
		}
		if c.Ignore == nil {
			c.Ignore = DefaultIgnore
		}
		c.Ignore = slices.Clone(c.Ignore)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf(messages.ManifestDuplicateComponentFmt, c.Name)
		}
		seen[c.Name] = struct{}{}
		owned = append(owned, c)
	}
	return &Manifest{components: owned, installRoot: installRoot, stagingRoot: stagingRoot}, nil
}

// Components returns a copy of the components in manifest order.
func (m *Manifest) Components() []Component {
	out := make([]Component, len(m.components))
	for i, c := range m.components {
		c.Ignore = slices.Clone(c.Ignore)
		out[i] = c
	}
	return out
}

// Len returns the number of components.
func (m *Manifest) Len() int { return len(m.components) }

// InstallRoot returns the absolute path of the published installation.
func (m *Manifest) InstallRoot() string { return m.installRoot }

// StagingRoot returns the absolute directory under which run directories are created.
func (m *Manifest) StagingRoot() string { return m.stagingRoot }

// within reports whether path equals root or lies beneath it.
func within(root string, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
