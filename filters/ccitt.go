package filters

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"golang.org/x/image/ccitt"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

type ccittCodec struct{}

func NewCCITTFaxCodec() Codec   { return ccittCodec{} }
func (ccittCodec) Name() string { return "CCITTFaxDecode" }

// Decode expands Group 3 (K >= 0) or Group 4 (K < 0) fax data into packed
// 1-bit rows, MSB first.
func (ccittCodec) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	columns := intParam(params, "Columns", 1728)
	rows := intParam(params, "Rows", 0)
	k := intParam(params, "K", 0)

	if err := checkFaxGeometry(columns, rows); err != nil {
		return nil, &pdferr.CompressionError{Filter: "CCITTFaxDecode", Err: fmt.Errorf("%w: %v", pdferr.ErrBufferTooLarge, err)}
	}
	sf := ccitt.Group3
	if k < 0 {
		sf = ccitt.Group4
	}
	if rows <= 0 {
		rows = ccitt.AutoDetectHeight
	}
	opts := &ccitt.Options{
		Align:  boolParam(params, "EncodedByteAlign", false),
		Invert: boolParam(params, "BlackIs1", false),
	}
	r := ccitt.NewReader(bytes.NewReader(in), ccitt.MSB, sf, columns, rows, opts)
	out, err := io.ReadAll(io.LimitReader(r, maxFaxBitmap+1))
	if err == nil && int64(len(out)) > maxFaxBitmap {
		return nil, &pdferr.CompressionError{Filter: "CCITTFaxDecode", Err: fmt.Errorf("%w: fax bitmap exceeds %d bytes", pdferr.ErrBufferTooLarge, maxFaxBitmap)}
	}
	if err != nil {
		if len(out) > 0 {
			return out, &PartialError{Filter: "CCITTFaxDecode", Err: err}
		}
		return nil, &pdferr.CompressionError{Filter: "CCITTFaxDecode", Err: err}
	}
	return out, nil
}

// Encode is not provided; fax data is only ever passed through.
func (ccittCodec) Encode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	return nil, UnsupportedError{Filter: "CCITTFaxDecode"}
}
