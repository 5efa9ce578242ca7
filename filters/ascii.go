package filters

import (
	"bytes"
	"context"
	stdascii85 "encoding/ascii85"
	"fmt"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

var a85EOD = []byte("~>")

type ascii85Codec struct{}

func NewASCII85Codec() Codec      { return ascii85Codec{} }
func (ascii85Codec) Name() string { return "ASCII85Decode" }

func (ascii85Codec) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	body := bytes.TrimSpace(in)
	body = bytes.TrimPrefix(body, []byte("<~"))
	if i := bytes.Index(body, a85EOD); i >= 0 {
		body = body[:i]
	}
	out := make([]byte, 4*len(body)+4)
	n, _, err := stdascii85.Decode(out, body, true)
	if err != nil {
		return nil, &pdferr.CompressionError{Filter: "ASCII85Decode", Err: fmt.Errorf("%w: %v", pdferr.ErrInvalidFilter, err)}
	}
	return out[:n], nil
}

func (ascii85Codec) Encode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	out := make([]byte, stdascii85.MaxEncodedLen(len(in)), stdascii85.MaxEncodedLen(len(in))+2)
	n := stdascii85.Encode(out, in)
	return append(out[:n], a85EOD...), nil
}

func (ascii85Codec) Extent(in []byte, params *raw.DictObj) (int, bool) {
	i := bytes.Index(in, a85EOD)
	if i < 0 {
		return 0, false
	}
	return i + len(a85EOD), true
}

type asciiHexCodec struct{}

func NewASCIIHexCodec() Codec      { return asciiHexCodec{} }
func (asciiHexCodec) Name() string { return "ASCIIHexDecode" }

// Decode reads hex pairs up to '>', skipping whitespace. A trailing odd
// digit is treated as if followed by 0.
func (asciiHexCodec) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	out := make([]byte, 0, len(in)/2+1)
	var hi byte
	half := false
	for _, c := range in {
		if c == '>' {
			break
		}
		if isSpace(c) {
			continue
		}
		if !isHexDigit(c) {
			return nil, &pdferr.CompressionError{Filter: "ASCIIHexDecode", Err: fmt.Errorf("%w: invalid hex digit %q", pdferr.ErrInvalidFilter, c)}
		}
		if !half {
			hi = hexVal(c)
			half = true
			continue
		}
		out = append(out, hi<<4|hexVal(c))
		half = false
	}
	if half {
		out = append(out, hi<<4)
	}
	return out, nil
}

func (asciiHexCodec) Encode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 0, len(in)*2+1)
	for _, b := range in {
		out = append(out, digits[b>>4], digits[b&0x0f])
	}
	return append(out, '>'), nil
}

func (asciiHexCodec) Extent(in []byte, params *raw.DictObj) (int, bool) {
	i := bytes.IndexByte(in, '>')
	if i < 0 {
		return 0, false
	}
	return i + 1, true
}

func isSpace(c byte) bool {
	return c == 0 || c == '\t' || c == '\n' || c == '\f' || c == '\r' || c == ' '
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
