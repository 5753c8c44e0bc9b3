package compressors

import (
	"fmt"

	"github.com/auditmesh/auditmesh/core"
)

// ForType returns a ready-to-use compressor for the given CompressionType.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression type: %d", ct)
	}
}
