package filters

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

const (
	lzwClear    = 256
	lzwEOD      = 257
	lzwFirst    = 258
	lzwMaxCodes = 4096
	lzwMaxWidth = 12
)

// lzwCodec implements the PDF flavour of LZW: MSB-first 9 to 12 bit codes
// with the EarlyChange parameter (default 1) moving each width increase one
// code earlier.
type lzwCodec struct{}

func NewLZWCodec() Codec      { return lzwCodec{} }
func (lzwCodec) Name() string { return "LZWDecode" }

// lzwWidth is the code width used after nextCode table entries exist.
func lzwWidth(nextCode, early int) uint {
	w := uint(bits.Len(uint(nextCode + early)))
	if w > lzwMaxWidth {
		w = lzwMaxWidth
	}
	return w
}

func earlyChange(params *raw.DictObj) int {
	if intParam(params, "EarlyChange", 1) == 0 {
		return 0
	}
	return 1
}

func (lzwCodec) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	out, _, err := lzwDecode(in, earlyChange(params))
	if err != nil {
		if len(out) == 0 {
			return nil, err
		}
		data, perr := unpredict("LZWDecode", out, params)
		if perr != nil {
			return nil, perr
		}
		return data, &PartialError{Filter: "LZWDecode", Err: err}
	}
	return unpredict("LZWDecode", out, params)
}

func (lzwCodec) Extent(in []byte, params *raw.DictObj) (int, bool) {
	_, n, err := lzwDecode(in, earlyChange(params))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// lzwDecode returns the decoded bytes and the number of input bytes up to
// and including the EOD code, or -1 when the data ends without one.
func lzwDecode(in []byte, early int) ([]byte, int, error) {
	var (
		out      []byte
		table    = make([][]byte, lzwMaxCodes)
		nextCode = lzwFirst
		prev     []byte
		bitPos   uint
	)
	for i := 0; i < 256; i++ {
		table[i] = []byte{byte(i)}
	}
	total := uint(len(in)) * 8
	for {
		width := lzwWidth(nextCode, early)
		if bitPos+width > total {
			return out, -1, nil
		}
		code := readBits(in, bitPos, width)
		bitPos += width

		switch {
		case code == lzwClear:
			nextCode = lzwFirst
			prev = nil
			continue
		case code == lzwEOD:
			return out, int((bitPos + 7) / 8), nil
		}

		var entry []byte
		switch {
		case code < nextCode && table[code] != nil:
			entry = table[code]
		case code == nextCode && prev != nil:
			entry = append(append([]byte(nil), prev...), prev[0])
		default:
			err := &pdferr.CompressionError{Filter: "LZWDecode", Err: fmt.Errorf("%w: code %d out of range (next %d)", pdferr.ErrInvalidFilter, code, nextCode)}
			return out, -1, err
		}
		out = append(out, entry...)
		if prev != nil && nextCode < lzwMaxCodes {
			table[nextCode] = append(append([]byte(nil), prev...), entry[0])
			nextCode++
		}
		prev = entry
	}
}

func readBits(in []byte, pos, width uint) int {
	v := 0
	for i := uint(0); i < width; i++ {
		p := pos + i
		bit := (in[p/8] >> (7 - p%8)) & 1
		v = v<<1 | int(bit)
	}
	return v
}

func (lzwCodec) Encode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	data, err := predict("LZWDecode", in, params)
	if err != nil {
		return nil, err
	}
	return lzwEncode(data, earlyChange(params)), nil
}

type bitWriter struct {
	buf  []byte
	acc  uint32
	nacc uint
}

func (w *bitWriter) write(code int, width uint) {
	w.acc = w.acc<<width | uint32(code)
	w.nacc += width
	for w.nacc >= 8 {
		w.buf = append(w.buf, byte(w.acc>>(w.nacc-8)))
		w.nacc -= 8
	}
	w.acc &= (1 << w.nacc) - 1
}

func (w *bitWriter) flush() []byte {
	if w.nacc > 0 {
		w.buf = append(w.buf, byte(w.acc<<(8-w.nacc)))
		w.nacc, w.acc = 0, 0
	}
	return w.buf
}

func lzwEncode(data []byte, early int) []byte {
	var (
		bw      bitWriter
		dict    = make(map[int]int)
		nextEnc = lzwFirst
		emitted = 0 // codes written since the last clear
	)
	emit := func(code int) {
		dec := lzwFirst + max(0, emitted-1)
		bw.write(code, lzwWidth(dec, early))
		emitted++
	}
	emit(lzwClear)
	emitted = 0

	w := -1
	for _, c := range data {
		if w < 0 {
			w = int(c)
			continue
		}
		key := w<<8 | int(c)
		if code, ok := dict[key]; ok {
			w = code
			continue
		}
		emit(w)
		dict[key] = nextEnc
		nextEnc++
		if nextEnc == lzwMaxCodes {
			emit(lzwClear)
			dict = make(map[int]int)
			nextEnc = lzwFirst
			emitted = 0
		}
		w = int(c)
	}
	if w >= 0 {
		emit(w)
	}
	emit(lzwEOD)
	return bw.flush()
}
