package compressors

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/dirindex/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxLZ4BlockSize bounds the destination buffer growth when decoding.
const maxLZ4BlockSize = 64 * 1024 * 1024

// LZ4Compressor uses the lz4 block format. The block format does not carry
// the uncompressed size, so Decompress grows its buffer until it fits.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	if len(data) == 0 {
		return &plainReadCloser{Reader: bytes.NewReader(nil)}, nil
	}
	dst := make([]byte, max(len(data)*3, 1024))
	for {
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return &plainReadCloser{Reader: bytes.NewReader(dst[:n])}, nil
		}
		if !errors.Is(err, lz4.ErrInvalidSourceShortBuffer) {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if len(dst) > maxLZ4BlockSize {
			return nil, fmt.Errorf("lz4 decompress: block larger than %d bytes", maxLZ4BlockSize)
		}
		dst = make([]byte, len(dst)*2)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	if len(src) == 0 {
		return nil
	}
	tmp := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, tmp, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lz4 compress: input of %d bytes is not compressible as a block", len(src))
	}
	dst.Write(tmp[:n])
	return nil
}
