package filters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
)

type Decoder interface {
	Name() string
	Decode(ctx context.Context, input []byte, params *raw.DictObj) ([]byte, error)
}

type Encoder interface {
	Name() string
	Encode(ctx context.Context, input []byte, params *raw.DictObj) ([]byte, error)
}

// Codec is a filter that can both decode and encode.
type Codec interface {
	Decoder
	Encoder
}

// Terminated is implemented by codecs whose encoded form carries an
// end-of-data marker. Extent reports how many input bytes the encoded payload
// occupies, including the marker; ok is false when no marker was found.
type Terminated interface {
	Extent(input []byte, params *raw.DictObj) (n int, ok bool)
}

// UnsupportedError marks filters this package recognises but does not decode
// (image codecs and CCITT encoding). It is not a sign of malformed input.
type UnsupportedError struct {
	Filter string
}

func (e UnsupportedError) Error() string { return "unsupported filter: " + e.Filter }

// IsUnsupported reports whether err is, or wraps, an UnsupportedError.
func IsUnsupported(err error) bool {
	var ue UnsupportedError
	return errors.As(err, &ue)
}

// PartialError reports that only a prefix of the payload could be decoded.
// Decoders return the recovered bytes alongside it.
type PartialError struct {
	Filter string
	Err    error
}

func (e *PartialError) Error() string { return fmt.Sprintf("%s: partial decode: %v", e.Filter, e.Err) }
func (e *PartialError) Unwrap() error { return e.Err }

type Limits struct {
	MaxDecompressedSize int64
	MaxDecodeTime       time.Duration
}

type Pipeline struct {
	reg    *Registry
	limits Limits
}

// NewPipeline constructs a pipeline over reg with the provided limits.
func NewPipeline(reg *Registry, limits Limits) *Pipeline {
	if reg == nil {
		reg = Standard()
	}
	return &Pipeline{reg: reg, limits: limits}
}

func (p *Pipeline) Registry() *Registry { return p.reg }

// Decode applies filterNames in order. A PartialError from the last stage is
// returned together with the bytes recovered so far.
func (p *Pipeline) Decode(ctx context.Context, input []byte, filterNames []string, params []*raw.DictObj) ([]byte, error) {
	if p.limits.MaxDecodeTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.MaxDecodeTime)
		defer cancel()
	}
	data := input
	for i, name := range filterNames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec, ok := p.reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter %s", pdferr.ErrInvalidFilter, name)
		}
		out, err := dec.Decode(ctx, data, paramAt(params, i))
		if err != nil {
			var pe *PartialError
			if errors.As(err, &pe) && i == len(filterNames)-1 && len(out) > 0 {
				return out, err
			}
			return nil, err
		}
		if p.limits.MaxDecompressedSize > 0 && int64(len(out)) > p.limits.MaxDecompressedSize {
			return nil, fmt.Errorf("%w: %s output %d bytes exceeds limit", pdferr.ErrBufferTooLarge, name, len(out))
		}
		data = out
	}
	return data, nil
}

// Encode applies filterNames so that Decode with the same names reverses it:
// the last filter is applied first.
func (p *Pipeline) Encode(ctx context.Context, input []byte, filterNames []string, params []*raw.DictObj) ([]byte, error) {
	data := input
	for i := len(filterNames) - 1; i >= 0; i-- {
		enc, ok := p.reg.Get(filterNames[i])
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter %s", pdferr.ErrInvalidFilter, filterNames[i])
		}
		out, err := enc.Encode(ctx, data, paramAt(params, i))
		if err != nil {
			return nil, err
		}
		data = out
	}
	return data, nil
}

func paramAt(params []*raw.DictObj, i int) *raw.DictObj {
	if i < len(params) {
		return params[i]
	}
	return nil
}

// Registry maps filter names, including their inline-image abbreviations,
// onto the closed codec set.
type Registry struct{ codecs map[string]Codec }

func (r *Registry) Register(c Codec, aliases ...string) {
	if r.codecs == nil {
		r.codecs = make(map[string]Codec)
	}
	r.codecs[c.Name()] = c
	for _, a := range aliases {
		r.codecs[a] = c
	}
}

func (r *Registry) Get(name string) (Codec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}

// Standard returns a registry holding every supported filter.
func Standard() *Registry {
	r := &Registry{}
	r.Register(NewFlateCodec(), "Fl")
	r.Register(NewLZWCodec(), "LZW")
	r.Register(NewASCII85Codec(), "A85")
	r.Register(NewASCIIHexCodec(), "AHx")
	r.Register(NewRunLengthCodec(), "RL")
	r.Register(NewCCITTFaxCodec(), "CCF")
	r.Register(imageCodec{name: "DCTDecode"}, "DCT")
	r.Register(imageCodec{name: "JPXDecode"})
	r.Register(imageCodec{name: "JBIG2Decode"})
	r.Register(imageCodec{name: "Crypt"})
	return r
}

// imageCodec stands in for image filters whose payload is passed through
// untouched.
type imageCodec struct{ name string }

func (c imageCodec) Name() string { return c.name }
func (c imageCodec) Decode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	return nil, UnsupportedError{Filter: c.name}
}
func (c imageCodec) Encode(ctx context.Context, in []byte, params *raw.DictObj) ([]byte, error) {
	return nil, UnsupportedError{Filter: c.name}
}

// ExtractFilters reads Filter and DecodeParms entries from a stream dictionary.
// The parameter slice is aligned with the names; missing entries are nil.
func ExtractFilters(dict *raw.DictObj) ([]string, []*raw.DictObj) {
	var names []string
	filterObj, ok := dict.Get("Filter")
	if !ok {
		return nil, nil
	}
	switch f := filterObj.(type) {
	case raw.NameObj:
		names = append(names, f.Val)
	case *raw.ArrayObj:
		for _, item := range f.Items {
			if n, ok := item.(raw.NameObj); ok {
				names = append(names, n.Val)
			}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	params := make([]*raw.DictObj, len(names))
	pObj, _ := dict.Get("DecodeParms")
	if pObj == nil {
		pObj, _ = dict.Get("DP")
	}
	switch p := pObj.(type) {
	case *raw.DictObj:
		params[0] = p
	case *raw.ArrayObj:
		for i, item := range p.Items {
			if i >= len(params) {
				break
			}
			if d, ok := item.(*raw.DictObj); ok {
				params[i] = d
			}
		}
	}
	return names, params
}

// DecodeStream decodes st through its filter chain, caching the result on the
// stream. Unfiltered streams decode to their raw bytes.
func DecodeStream(ctx context.Context, p *Pipeline, st *raw.StreamObj) ([]byte, error) {
	if data, err, ok := st.Decoded(); ok {
		return data, err
	}
	names, params := ExtractFilters(st.Dict)
	if len(names) == 0 {
		st.CacheDecoded(st.Data, nil)
		return st.Data, nil
	}
	data, err := p.Decode(ctx, st.Data, names, params)
	if ctx.Err() == nil {
		st.CacheDecoded(data, err)
	}
	return data, err
}

// StreamExtent reports how many raw bytes the last-applied codec of st (the
// first filter in its chain) consumes, when that codec has an end marker.
func StreamExtent(p *Pipeline, st *raw.StreamObj) (int, bool) {
	names, params := ExtractFilters(st.Dict)
	if len(names) == 0 {
		return 0, false
	}
	c, ok := p.reg.Get(names[0])
	if !ok {
		return 0, false
	}
	t, ok := c.(Terminated)
	if !ok {
		return 0, false
	}
	return t.Extent(st.Data, params[0])
}
