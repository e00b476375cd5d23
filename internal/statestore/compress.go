package statestore

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Compression algorithm tags. lzma and zstd appear in older rows; they are
// recognised on read paths as errors rather than silently misdecoded.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionSnappy = "snappy"
)

// compressor is the pluggable codec behind the algorithm tag.
type compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Tag() string
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Tag() string                            { return CompressionNone }

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (gzipCompressor) Tag() string { return CompressionGzip }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

func (snappyCompressor) Tag() string { return CompressionSnappy }

// newCompressor resolves an algorithm tag.
func newCompressor(tag string) (compressor, error) {
	switch tag {
	case "", CompressionNone:
		return noneCompressor{}, nil
	case CompressionGzip:
		return gzipCompressor{}, nil
	case CompressionSnappy:
		return snappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("compression algorithm %q not configured", tag)
	}
}
