package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses whole objects.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
}

// NewCodec returns the codec for algorithm.
func NewCodec(algorithm Algorithm, level Level) (Codec, error) {
	switch algorithm {
	case AlgorithmZstd:
		return newZstdCodec(level), nil
	case AlgorithmLZ4:
		return newLZ4Codec(level), nil
	case AlgorithmGzip:
		return newGzipCodec(level), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %q", algorithm)
	}
}

type zstdCodec struct {
	level zstd.EncoderLevel
}

func newZstdCodec(level Level) *zstdCodec {
	switch level {
	case LevelFastest:
		return &zstdCodec{level: zstd.SpeedFastest}
	case LevelBest:
		return &zstdCodec{level: zstd.SpeedBestCompression}
	default:
		return &zstdCodec{level: zstd.SpeedDefault}
	}
}

func (c *zstdCodec) Algorithm() Algorithm { return AlgorithmZstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, err
	}
	defer func() { _ = enc.Close() }()

	return enc.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return dec.DecodeAll(data, nil)
}

type lz4Codec struct {
	level lz4.CompressionLevel
}

func newLZ4Codec(level Level) *lz4Codec {
	switch level {
	case LevelFastest:
		return &lz4Codec{level: lz4.Fast}
	case LevelBest:
		return &lz4Codec{level: lz4.Level9}
	default:
		return &lz4Codec{level: lz4.Level4}
	}
}

func (c *lz4Codec) Algorithm() Algorithm { return AlgorithmLZ4 }

func (c *lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *lz4Codec) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

type gzipCodec struct {
	level int
}

func newGzipCodec(level Level) *gzipCodec {
	switch level {
	case LevelFastest:
		return &gzipCodec{level: gzip.BestSpeed}
	case LevelBest:
		return &gzipCodec{level: gzip.BestCompression}
	default:
		return &gzipCodec{level: gzip.DefaultCompression}
	}
}

func (c *gzipCodec) Algorithm() Algorithm { return AlgorithmGzip }

func (c *gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	return io.ReadAll(r)
}
