// Package compression decompresses upstream source tarballs fetched by
// the build executor. Format is selected by filename suffix, the same
// pattern the archive-format package's teacher uses for repository
// payloads.
package compression

import (
	"compress/bzip2"
	"compress/gzip"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"xi2.org/x/xz"
)

type reader func(io.Reader) (io.Reader, error)

func gzipNewReader(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

func xzNewReader(r io.Reader) (io.Reader, error) {
	return xz.NewReader(r, 0)
}

func bzipNewReader(r io.Reader) (io.Reader, error) {
	return bzip2.NewReader(r), nil
}

func zstdNewReader(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

var knownReaders = map[string]reader{
	".gz":  gzipNewReader,
	".tgz": gzipNewReader,
	".bz2": bzipNewReader,
	".xz":  xzNewReader,
	".zst": zstdNewReader,
}

// Decompress wraps reader in the decompressor matching fileName's suffix,
// or returns reader unchanged if the suffix is unrecognized (e.g. a plain
// .tar with no outer compression). If tee is non-nil, raw compressed
// bytes are also written there as they're read (used to compute the
// source's SHA-256 while decompressing in the same pass).
func Decompress(r io.Reader, fileName string, tee io.Writer) (io.Reader, error) {
	if tee != nil {
		r = io.TeeReader(r, tee)
	}

	for suffix, decompressor := range knownReaders {
		if strings.HasSuffix(fileName, suffix) {
			return decompressor(r)
		}
	}
	return r, nil
}
