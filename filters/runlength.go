package filters

import (
	"bytes"
	"context"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

const runLengthEOD = 128

type runLengthCodec struct{}

func NewRunLengthCodec() Codec      { return runLengthCodec{} }
func (runLengthCodec) Name() string { return "RunLengthDecode" }

// Decode expands PackBits data: 0-127 copies length+1 literal bytes, 129-255
// repeats the next byte 257-length times, 128 ends the data.
func (runLengthCodec) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	out, _, err := runLengthDecode(in)
	if err != nil {
		return out, &PartialError{Filter: "RunLengthDecode", Err: err}
	}
	return out, nil
}

func (runLengthCodec) Extent(in []byte, params *raw.DictObj) (int, bool) {
	_, n, err := runLengthDecode(in)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// runLengthDecode returns the expanded data and the offset just past the EOD
// byte, or -1 when input ends without one.
func runLengthDecode(in []byte) ([]byte, int, error) {
	var out bytes.Buffer
	for i := 0; i < len(in); {
		n := int(in[i])
		i++
		switch {
		case n == runLengthEOD:
			return out.Bytes(), i, nil
		case n < runLengthEOD:
			end := i + n + 1
			if end > len(in) {
				out.Write(in[i:])
				return out.Bytes(), -1, pdferr.ErrUnexpectedEOF
			}
			out.Write(in[i:end])
			i = end
		default:
			if i >= len(in) {
				return out.Bytes(), -1, pdferr.ErrUnexpectedEOF
			}
			out.Write(bytes.Repeat(in[i:i+1], 257-n))
			i++
		}
	}
	return out.Bytes(), -1, nil
}

func (runLengthCodec) Encode(ctx context.Context, data []byte, params *raw.DictObj) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < len(data); {
		runLen := 1
		for i+runLen < len(data) && runLen < 128 && data[i+runLen] == data[i] {
			runLen++
		}
		if runLen > 1 {
			buf.WriteByte(byte(257 - runLen))
			buf.WriteByte(data[i])
			i += runLen
			continue
		}
		litLen := 1
		for i+litLen < len(data) && litLen < 128 && (i+litLen+1 >= len(data) || data[i+litLen] != data[i+litLen+1]) {
			litLen++
		}
		buf.WriteByte(byte(litLen - 1))
		buf.Write(data[i : i+litLen])
		i += litLen
	}
	buf.WriteByte(runLengthEOD)
	return buf.Bytes(), nil
}
