package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/dirindex/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor pools encoders and decoders; both are expensive to build.
type ZstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

// zstdReadCloser returns its decoder to the pool on Close instead of closing it,
// since a closed decoder cannot be reset.
type zstdReadCloser struct {
	*zstd.Decoder
	pool *sync.Pool
}

func (z *zstdReadCloser) Close() error {
	z.pool.Put(z.Decoder)
	return nil
}

var _ core.Compressor = (*ZstdCompressor)(nil)
var _ io.ReadCloser = (*zstdReadCloser)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoders: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithZeroFrames(true))
				if err != nil {
					return err
				}
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256*1024*1024))
				if err != nil {
					return err
				}
				return dec
			},
		},
	}
}

func (c *ZstdCompressor) encoder() (*zstd.Encoder, error) {
	switch v := c.encoders.Get().(type) {
	case *zstd.Encoder:
		return v, nil
	case error:
		return nil, fmt.Errorf("zstd encoder init: %w", v)
	default:
		return nil, fmt.Errorf("zstd encoder pool returned %T", v)
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if err := c.CompressTo(buf, data); err != nil {
		return nil, err
	}
	// The pooled buffer is reused, so hand back a copy.
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	var dec *zstd.Decoder
	switch v := c.decoders.Get().(type) {
	case *zstd.Decoder:
		dec = v
	case error:
		return nil, fmt.Errorf("zstd decoder init: %w", v)
	default:
		return nil, fmt.Errorf("zstd decoder pool returned %T", v)
	}
	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		c.decoders.Put(dec)
		return nil, fmt.Errorf("zstd decoder reset error: %w", err)
	}
	return &zstdReadCloser{Decoder: dec, pool: &c.decoders}, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}

func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	enc, err := c.encoder()
	if err != nil {
		return err
	}
	defer c.encoders.Put(enc)

	dst.Reset()
	enc.Reset(dst)
	if _, err := enc.Write(src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("zstd compress write error: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("zstd compress close error: %w", err)
	}
	return nil
}
