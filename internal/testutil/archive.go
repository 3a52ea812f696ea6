// Package testutil builds component archives in memory and serves them from a
// fake distribution server.
package testutil

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/conn-castle/fastchain/internal/manifest"
)

// File describes one archive member. A zero Type means a regular file.
type File struct {
	Name     string
	Body     string
	Mode     int64
	Type     byte
	Linkname string
}

// Dir returns a directory member.
func Dir(name string) File {
	return File{Name: name, Type: tar.TypeDir, Mode: 0o755}
}

// Symlink returns a symlink member pointing at target.
func Symlink(name string, target string) File {
	return File{Name: name, Type: tar.TypeSymlink, Linkname: target, Mode: 0o777}
}

// Tar encodes files as an uncompressed tar stream.
// t is the active test; files are written in order.
func Tar(t testing.TB, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Name,
			Mode:     f.Mode,
			Typeflag: f.Type,
			Linkname: f.Linkname,
			Format:   tar.FormatPAX,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(f.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header %s: %v", f.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.WriteString(tw, f.Body); err != nil {
				t.Fatalf("write tar body %s: %v", f.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

// Compress encodes data with the stream codec that format uses.
// t is the active test; data is the tar stream; format selects the codec.
func Compress(t testing.TB, data []byte, format manifest.ArchiveFormat) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case manifest.FormatTar:
		return data
	case manifest.FormatTarGz:
		w = gzip.NewWriter(&buf)
	case manifest.FormatTarXz:
		w, err = xz.NewWriter(&buf)
	case manifest.FormatTarZst:
		w, err = zstd.NewWriter(&buf)
	case manifest.FormatTarLz4:
		w = lz4.NewWriter(&buf)
	default:
		t.Fatalf("unsupported format %q", format)
	}
	if err != nil {
		t.Fatalf("create %s encoder: %v", format, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("encode %s: %v", format, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %s encoder: %v", format, err)
	}
	return buf.Bytes()
}

// Archive builds a compressed tar archive from files.
// t is the active test; format selects the codec; files are written in order.
func Archive(t testing.TB, format manifest.ArchiveFormat, files []File) []byte {
	t.Helper()
	return Compress(t, Tar(t, files), format)
}

// Digest returns the sha256 digest of data.
func Digest(data []byte) digest.Digest {
	return digest.FromBytes(data)
}
