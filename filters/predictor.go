package filters

import (
	"fmt"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

// predictorLayout is the row geometry described by a DecodeParms dictionary.
type predictorLayout struct {
	predictor int
	bpc       int
	bpp       int // bytes per pixel, at least 1
	rowLen    int // bytes per row, excluding the PNG tag byte
}

func layoutFor(params *raw.DictObj) predictorLayout {
	colors := intParam(params, "Colors", 1)
	bpc := intParam(params, "BitsPerComponent", 8)
	columns := intParam(params, "Columns", 1)
	if colors < 1 {
		colors = 1
	}
	if columns < 1 {
		columns = 1
	}
	switch bpc {
	case 1, 2, 4, 8, 16:
	default:
		bpc = 8
	}
	bpp := colors * bpc / 8
	if bpp < 1 {
		bpp = 1
	}
	return predictorLayout{
		predictor: intParam(params, "Predictor", 1),
		bpc:       bpc,
		bpp:       bpp,
		rowLen:    (columns*colors*bpc + 7) / 8,
	}
}

func unpredict(filter string, data []byte, params *raw.DictObj) ([]byte, error) {
	l := layoutFor(params)
	switch {
	case l.predictor <= 1:
		return data, nil
	case l.predictor == 2:
		if l.bpc != 8 {
			return nil, &pdferr.CompressionError{Filter: filter, Err: fmt.Errorf("%w: TIFF predictor with %d bits per component", pdferr.ErrInvalidFilter, l.bpc)}
		}
		out := append([]byte(nil), data...)
		for start := 0; start < len(out); start += l.rowLen {
			row := out[start:min(start+l.rowLen, len(out))]
			for i := l.bpp; i < len(row); i++ {
				row[i] += row[i-l.bpp]
			}
		}
		return out, nil
	case l.predictor >= 10 && l.predictor <= 15:
		return pngUnpredict(filter, data, l)
	default:
		return nil, &pdferr.CompressionError{Filter: filter, Err: fmt.Errorf("%w: predictor %d", pdferr.ErrInvalidFilter, l.predictor)}
	}
}

func pngUnpredict(filter string, data []byte, l predictorLayout) ([]byte, error) {
	stride := l.rowLen + 1
	out := make([]byte, 0, len(data)/stride*l.rowLen+l.rowLen)
	prev := make([]byte, l.rowLen)
	for start := 0; start < len(data); start += stride {
		end := min(start+stride, len(data))
		tag := data[start]
		cur := append([]byte(nil), data[start+1:end]...)
		for i := range cur {
			var left, upLeft byte
			if i >= l.bpp {
				left = cur[i-l.bpp]
				upLeft = prev[i-l.bpp]
			}
			up := prev[i]
			switch tag {
			case 0:
			case 1:
				cur[i] += left
			case 2:
				cur[i] += up
			case 3:
				cur[i] += byte((int(left) + int(up)) / 2)
			case 4:
				cur[i] += paeth(left, up, upLeft)
			default:
				return nil, &pdferr.CompressionError{Filter: filter, Err: fmt.Errorf("%w: PNG row filter %d", pdferr.ErrInvalidFilter, tag)}
			}
		}
		out = append(out, cur...)
		copy(prev, cur)
	}
	return out, nil
}

// predict is the inverse of unpredict. Predictor 15 ("optimum") is written
// with the Paeth filter on every row.
func predict(filter string, data []byte, params *raw.DictObj) ([]byte, error) {
	l := layoutFor(params)
	switch {
	case l.predictor <= 1:
		return data, nil
	case l.predictor == 2:
		if l.bpc != 8 {
			return nil, &pdferr.CompressionError{Filter: filter, Err: fmt.Errorf("%w: TIFF predictor with %d bits per component", pdferr.ErrInvalidFilter, l.bpc)}
		}
		out := make([]byte, len(data))
		for start := 0; start < len(data); start += l.rowLen {
			end := min(start+l.rowLen, len(data))
			for i := start; i < end; i++ {
				if i-start >= l.bpp {
					out[i] = data[i] - data[i-l.bpp]
				} else {
					out[i] = data[i]
				}
			}
		}
		return out, nil
	case l.predictor >= 10 && l.predictor <= 15:
		tag := byte(l.predictor - 10)
		if l.predictor == 15 {
			tag = 4
		}
		out := make([]byte, 0, len(data)+len(data)/l.rowLen+1)
		prev := make([]byte, l.rowLen)
		for start := 0; start < len(data); start += l.rowLen {
			cur := data[start:min(start+l.rowLen, len(data))]
			out = append(out, tag)
			for i := range cur {
				var left, upLeft byte
				if i >= l.bpp {
					left = cur[i-l.bpp]
					upLeft = prev[i-l.bpp]
				}
				up := prev[i]
				switch tag {
				case 0:
					out = append(out, cur[i])
				case 1:
					out = append(out, cur[i]-left)
				case 2:
					out = append(out, cur[i]-up)
				case 3:
					out = append(out, cur[i]-byte((int(left)+int(up))/2))
				case 4:
					out = append(out, cur[i]-paeth(left, up, upLeft))
				}
			}
			copy(prev, cur)
		}
		return out, nil
	default:
		return nil, &pdferr.CompressionError{Filter: filter, Err: fmt.Errorf("%w: predictor %d", pdferr.ErrInvalidFilter, l.predictor)}
	}
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
