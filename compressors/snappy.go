package compressors

import (
	"io"

	"github.com/golang/snappy"
	"google.golang.org/grpc/encoding"
)

// snappyCompressor uses the snappy framed stream format.
type snappyCompressor struct{}

var _ encoding.Compressor = (*snappyCompressor)(nil)

func (c *snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (c *snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return snappy.NewReader(r), nil
}

func (c *snappyCompressor) Name() string {
	return Snappy
}
