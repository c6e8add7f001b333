package grpc

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compressor applies symmetric compression to payload byte slices.
type Compressor interface {
	//1.- Name returns the codec identifier advertised in stream headers.
	Name() string
	//2.- Compress encodes the provided payload into a compressed representation.
	Compress(data []byte) ([]byte, error)
	//3.- Decompress restores the original payload from its compressed form.
	Decompress(data []byte) ([]byte, error)
}

// CompressorByName resolves an encoding name, falling back to gzip.
func CompressorByName(name string) Compressor {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "snappy":
		return NewSnappyCompressor()
	case "zstd":
		return NewZstdCompressor()
	default:
		return NewGZIPCompressor()
	}
}

// gzipCompressor wraps the standard library gzip implementation.
type gzipCompressor struct{}

// NewGZIPCompressor constructs a Compressor backed by gzip.
func NewGZIPCompressor() Compressor {
	return gzipCompressor{}
}

// Name reports the identifier used for gzip encoded payloads.
func (gzipCompressor) Name() string { return "gzip" }

// Compress encodes data using the gzip format.
func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes gzip-encoded data and returns the raw payload.
func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	//1.- Guard against nil payloads to simplify caller logic.
	if len(data) == 0 {
		return nil, fmt.Errorf("gzip decompress: empty payload")
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("gzip copy: %w", err)
	}
	return buf.Bytes(), nil
}

// snappyCompressor uses the block format; frames are small and independent.
type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor backed by snappy block encoding.
func NewSnappyCompressor() Compressor { return snappyCompressor{} }

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("snappy decompress: empty payload")
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

// zstdCompressor shares one encoder and decoder; both are safe for concurrent EncodeAll/DecodeAll.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var sharedZstd = newZstdCompressor()

func newZstdCompressor() *zstdCompressor {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}
}

// NewZstdCompressor returns the shared zstd Compressor.
func NewZstdCompressor() Compressor { return sharedZstd }

func (*zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("zstd decompress: empty payload")
	}
	out, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
