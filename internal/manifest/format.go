package manifest

import (
	"fmt"
	"path"
	"strings"

	"github.com/conn-castle/fastchain/internal/messages"
)

// ArchiveFormat identifies how a component archive is packed. The set is
// closed: every format has a decoder in the unpack package.
type ArchiveFormat string

const (
	FormatTar    ArchiveFormat = "tar"
	FormatTarGz  ArchiveFormat = "tar.gz"
	FormatTarXz  ArchiveFormat = "tar.xz"
	FormatTarZst ArchiveFormat = "tar.zst"
	FormatTarLz4 ArchiveFormat = "tar.lz4"
)

// Formats lists every supported archive format.
var Formats = []ArchiveFormat{FormatTar, FormatTarGz, FormatTarXz, FormatTarZst, FormatTarLz4}

// formatSuffixes maps filename suffixes to formats. Longer suffixes come first
// so ".tar.gz" wins over ".gz"-style aliases.
var formatSuffixes = []struct {
	suffix string
	format ArchiveFormat
}{
	{".tar.gz", FormatTarGz},
	{".tgz", FormatTarGz},
	{".tar.xz", FormatTarXz},
	{".txz", FormatTarXz},
	{".tar.zst", FormatTarZst},
	{".tzst", FormatTarZst},
	{".tar.lz4", FormatTarLz4},
	{".tar", FormatTar},
}

// ParseFormat parses a format name such as "tar.xz".
func ParseFormat(name string) (ArchiveFormat, error) {
	normalized := ArchiveFormat(strings.ToLower(strings.TrimSpace(name)))
	for _, f := range Formats {
		if f == normalized {
			return f, nil
		}
	}
	return "", fmt.Errorf(messages.ManifestUnknownFormatFmt, name)
}

// FormatFromURL infers the archive format from the last path segment of rawURL.
func FormatFromURL(rawURL string) (ArchiveFormat, error) {
	base := strings.ToLower(path.Base(stripQuery(rawURL)))
	for _, s := range formatSuffixes {
		if strings.HasSuffix(base, s.suffix) {
			return s.format, nil
		}
	}
	return "", fmt.Errorf(messages.ManifestFormatFromURLFmt, rawURL)
}

func stripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// EntryKind is the type of a file entry inside a component archive.
type EntryKind int

const (
	KindRegular EntryKind = iota
	KindDirectory
	KindSymlink
)

// String returns the lowercase name of the kind.
func (k EntryKind) String() string {
	switch k {
	case KindRegular:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
