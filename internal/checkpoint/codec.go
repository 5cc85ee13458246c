// Package checkpoint implements the hierarchical, content-chunked,
// incremental checkpoint engine: compression codecs, content-defined
// chunking and chunk storage, and the checkpoint index itself.
package checkpoint

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm selects the compression codec for a checkpoint blob.
type Algorithm string

const (
	AlgorithmNone Algorithm = "none"
	AlgorithmZstd Algorithm = "zstd"
	AlgorithmGzip Algorithm = "gzip"
)

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	gzipMagic = []byte{0x1F, 0x8B}
)

// Codec compresses and decompresses checkpoint blobs. The zero value uses
// Zstd at the default level (6), matching the reference implementation.
type Codec struct {
	Algorithm Algorithm
	Level     int // zstd level; ignored for gzip and none
}

// DefaultCodec returns the Zstd level-6 codec used when no checkpoint
// compression option is configured.
func DefaultCodec() Codec {
	return Codec{Algorithm: AlgorithmZstd, Level: 6}
}

// Compress encodes data per the codec's algorithm.
func (c Codec) Compress(data []byte) ([]byte, error) {
	switch c.Algorithm {
	case AlgorithmZstd, "":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdSpeedForLevel(c.Level)))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case AlgorithmGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", c.Algorithm)
	}
}

// Decompress decodes data per the codec's configured algorithm. Callers
// that do not know the algorithm ahead of time should use AutoDecompress.
func (c Codec) Decompress(data []byte) ([]byte, error) {
	switch c.Algorithm {
	case AlgorithmZstd, "":
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case AlgorithmGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case AlgorithmNone:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", c.Algorithm)
	}
}

// zstdSpeedForLevel maps a conventional 1-22 zstd compression level onto
// the library's coarser four-speed encoder setting.
func zstdSpeedForLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// AutoDecompress inspects the magic bytes of data and decompresses using
// whichever codec they indicate, or returns data unmodified if no known
// magic prefix matches.
func AutoDecompress(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return Codec{Algorithm: AlgorithmZstd}.Decompress(data)
	case bytes.HasPrefix(data, gzipMagic):
		return Codec{Algorithm: AlgorithmGzip}.Decompress(data)
	default:
		return data, nil
	}
}
