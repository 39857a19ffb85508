package compressors

import (
	"bytes"
	"io"

	"github.com/INLOpen/dirindex/core"
)

// NoCompressionCompressor stores spill blocks as-is.
type NoCompressionCompressor struct{}

type plainReadCloser struct {
	*bytes.Reader
}

func (p *plainReadCloser) Close() error { return nil }

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return &plainReadCloser{Reader: bytes.NewReader(data)}, nil
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}

func (c *NoCompressionCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}
