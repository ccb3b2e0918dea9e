package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// Bounds the memory a single decoded message may use.
const zstdMaxDecodedSize = 128 * 1024 * 1024

type zstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var _ encoding.Compressor = (*zstdCompressor)(nil)

func newZstdCompressor() *zstdCompressor {
	return &zstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithZeroFrames(true))
				if err != nil {
					return nil
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil,
					zstd.WithDecoderConcurrency(1),
					zstd.WithDecoderMaxMemory(zstdMaxDecodedSize))
				if err != nil {
					return nil
				}
				return dec
			},
		},
	}
}

// zstdWriteCloser returns the encoder to the pool once the message is flushed.
type zstdWriteCloser struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (w *zstdWriteCloser) Close() error {
	err := w.Encoder.Close()
	w.pool.Put(w.Encoder)
	return err
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return nil, fmt.Errorf("zstd: failed to create encoder")
	}
	enc.Reset(w)
	return &zstdWriteCloser{Encoder: enc, pool: &c.encoderPool}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, fmt.Errorf("zstd: failed to create decoder")
	}
	defer c.decoderPool.Put(dec)

	if err := dec.Reset(r); err != nil {
		return nil, fmt.Errorf("zstd decoder reset error: %w", err)
	}
	// The decoder goes back to the pool, so the message is read out here.
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return bytes.NewReader(out), nil
}

func (c *zstdCompressor) Name() string {
	return Zstd
}
