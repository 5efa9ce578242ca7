package filters

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

type flateCodec struct{}

func NewFlateCodec() Codec      { return flateCodec{} }
func (flateCodec) Name() string { return "FlateDecode" }

// Decode inflates in and reverses any predictor. A stream cut short yields
// the bytes inflated so far with a PartialError; a bad Adler-32 trailer over a
// complete payload is tolerated.
func (flateCodec) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	out, _, err := inflate(in)
	if err != nil {
		if len(out) == 0 {
			return nil, &pdferr.CompressionError{Filter: "FlateDecode", Err: err}
		}
		data, perr := unpredict("FlateDecode", out, params)
		if perr != nil {
			return nil, perr
		}
		return data, &PartialError{Filter: "FlateDecode", Err: err}
	}
	return unpredict("FlateDecode", out, params)
}

func (flateCodec) Encode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	data, err := predict("FlateDecode", in, params)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, &pdferr.CompressionError{Filter: "FlateDecode", Err: err}
	}
	if _, err := w.Write(data); err != nil {
		return nil, &pdferr.CompressionError{Filter: "FlateDecode", Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &pdferr.CompressionError{Filter: "FlateDecode", Err: err}
	}
	return buf.Bytes(), nil
}

// Extent reports how many bytes the zlib stream occupies, trailer included.
func (flateCodec) Extent(in []byte, params *raw.DictObj) (int, bool) {
	_, n, err := inflate(in)
	if err != nil {
		return 0, false
	}
	return n, true
}

// inflate decompresses a zlib stream and returns the number of input bytes
// it consumed. Checksum mismatches are ignored; a truncated or corrupt stream
// returns whatever was inflated before the failure.
func inflate(in []byte) ([]byte, int, error) {
	br := bytes.NewReader(in)
	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, 0, err
	}
	defer zr.Close()
	var out bytes.Buffer
	_, err = io.Copy(&out, zr)
	switch {
	case err == nil, errors.Is(err, zlib.ErrChecksum):
		return out.Bytes(), len(in) - br.Len(), nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return out.Bytes(), len(in), pdferr.ErrUnexpectedEOF
	default:
		return out.Bytes(), len(in), err
	}
}
