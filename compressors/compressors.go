// Package compressors registers gRPC message compressors for the
// replication channel. Payloads are still stored verbatim on both sides;
// only the bytes on the wire are compressed.
package compressors

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/encoding"
)

const (
	None   = "none"
	Zstd   = "zstd"
	Snappy = "snappy"
	LZ4    = "lz4"
)

func init() {
	encoding.RegisterCompressor(newZstdCompressor())
	encoding.RegisterCompressor(&snappyCompressor{})
	encoding.RegisterCompressor(&lz4Compressor{})
}

// Normalize validates name and returns its canonical form. An empty name
// means no compression.
func Normalize(name string) (string, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "", None:
		return None, nil
	case Zstd, Snappy, LZ4:
		return n, nil
	default:
		return "", fmt.Errorf("unsupported compression %q (want none, zstd, snappy or lz4)", name)
	}
}
