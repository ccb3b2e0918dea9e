package compressors

import (
	"io"

	lz4 "github.com/pierrec/lz4/v4"
	"google.golang.org/grpc/encoding"
)

// lz4Compressor uses the LZ4 frame format, which carries its own sizes.
type lz4Compressor struct{}

var _ encoding.Compressor = (*lz4Compressor)(nil)

func (c *lz4Compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (c *lz4Compressor) Decompress(r io.Reader) (io.Reader, error) {
	return lz4.NewReader(r), nil
}

func (c *lz4Compressor) Name() string {
	return LZ4
}
