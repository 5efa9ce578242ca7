package security

import "time"

// Limits bounds the work a hostile document can make the engine do. A zero
// field disables that bound.
type Limits struct {
	// Decoded bytes a single stream may expand to.
	MaxDecompressedSize int64
	// Nesting of arrays and dictionaries, and of indirect /Length chains.
	MaxIndirectDepth int
	// Sections followed through /Prev and /XRefStm.
	MaxXRefDepth int
	// Elements per array.
	MaxArraySize int
	// Entries per dictionary.
	MaxDictSize int
	MaxStringLength int64
	// Raw bytes between stream and endstream.
	MaxStreamLength int64
	// Wall time for one filter chain.
	MaxDecodeTime time.Duration
	// Wall time for a whole document parse.
	MaxParseTime time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxDecompressedSize: 256 << 20,
		MaxIndirectDepth:    100,
		MaxXRefDepth:        64,
		MaxArraySize:        1 << 20,
		MaxDictSize:         1 << 16,
		MaxStringLength:     16 << 20,
		MaxStreamLength:     128 << 20,
		MaxDecodeTime:       30 * time.Second,
		MaxParseTime:        5 * time.Minute,
	}
}
