package unpack

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/conn-castle/fastchain/internal/manifest"
	"github.com/conn-castle/fastchain/internal/messages"
)

const readBufferSize = 1 << 20

// decompress wraps r with the stream decoder for format. Plain tar passes
// through unchanged.
func decompress(r io.Reader, format manifest.ArchiveFormat) (io.ReadCloser, error) {
	buffered := bufio.NewReaderSize(r, readBufferSize)
	switch format {
	case manifest.FormatTar:
		return io.NopCloser(buffered), nil
	case manifest.FormatTarGz:
		zr, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, err
		}
		return zr, nil
	case manifest.FormatTarXz:
		xr, err := xz.NewReader(buffered)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case manifest.FormatTarZst:
		// One decoder goroutine per stream; parallelism comes from unpacking
		// several components at once.
		zr, err := zstd.NewReader(buffered, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case manifest.FormatTarLz4:
		return io.NopCloser(lz4.NewReader(buffered)), nil
	default:
		return nil, fmt.Errorf(messages.ManifestUnknownFormatFmt, string(format))
	}
}
