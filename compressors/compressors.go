package compressors

import (
	"github.com/INLOpen/dirindex/core"
)

// Get returns the Compressor for a CompressionType read from a spill-file header.
func Get(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return &NoCompressionCompressor{}, nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	default:
		return nil, &core.UnsupportedTypeError{Kind: "compression", Value: ct.String()}
	}
}

// ByName resolves a configured compression name such as "snappy".
func ByName(name string) (core.Compressor, error) {
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return Get(ct)
}
