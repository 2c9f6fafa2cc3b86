// internal/storage/compression.go
package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// CompressionOptions configures compression behavior
type CompressionOptions struct {
	// Minimum size in bytes before compressing
	MinSize int
	// Compression level (1=fastest, 4=best)
	Level int
}

func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		MinSize: 512,
		Level:   2,
	}
}

// compressor pools zstd encoders and decoders. Values below MinSize are
// stored raw; decompress recognizes compressed values by the zstd magic.
type compressor struct {
	opts     CompressionOptions
	encoders sync.Pool
	decoders sync.Pool
}

func newCompressor(opts CompressionOptions) (*compressor, error) {
	level := zstd.EncoderLevelFromZstd(opts.Level)

	// Fail early on bad options rather than inside the pool.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	c := &compressor{opts: opts}
	c.encoders.New = func() any {
		e, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
		return e
	}
	c.decoders.New = func() any {
		d, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return d
	}
	c.encoders.Put(enc)
	c.decoders.Put(dec)
	return c, nil
}

func (c *compressor) compress(content []byte) []byte {
	if len(content) < c.opts.MinSize {
		return content
	}
	enc := c.encoders.Get().(*zstd.Encoder)
	defer c.encoders.Put(enc)
	return enc.EncodeAll(content, make([]byte, 0, len(content)/2))
}

func (c *compressor) decompress(content []byte) ([]byte, error) {
	if !bytes.HasPrefix(content, zstdMagic) {
		return content, nil
	}
	dec := c.decoders.Get().(*zstd.Decoder)
	defer c.decoders.Put(dec)

	out, err := dec.DecodeAll(content, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing value: %w", err)
	}
	return out, nil
}
