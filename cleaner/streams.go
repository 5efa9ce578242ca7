package cleaner

import (
	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/fonts"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/validator"
)

func (p *pass) cleanStreams() error {
	for _, ref := range p.doc.Refs() {
		if err := p.ctx.Err(); err != nil {
			return err
		}
		st, ok := p.doc.Objects[ref].(*raw.StreamObj)
		if !ok {
			continue
		}
		p.cleanStream(ref.String(), st)
	}
	return nil
}

func (p *pass) cleanStream(loc string, st *raw.StreamObj) {
	pol := p.policy
	if pol.Padding {
		if st.DeclaredLength >= 0 && int64(len(st.Data)) > st.DeclaredLength {
			before := len(st.Data)
			st.SetData(st.Data[:st.DeclaredLength])
			p.record("hidden-data", loc, "truncated", before, len(st.Data))
		}
		if end, extra := validator.PostTerminator(p.filters, st); extra > 0 {
			before := len(st.Data)
			st.SetData(st.Data[:end])
			p.record("hidden-data", loc, "truncated", before, len(st.Data))
		}
	}

	data, err := filters.DecodeStream(p.ctx, p.filters, st)
	switch {
	case err != nil && filters.IsUnsupported(err):
		// Image codecs are passed through untouched.
	case err != nil:
		if pol.Structure {
			p.logger.Debug("emptying undecodable stream", observability.String("object", loc), observability.Error("error", err))
			p.empty(st, "stream", loc, "emptied")
			return
		}
	case pol.ScriptStreams && p.scripts.Contains(data):
		p.empty(st, "script", loc, "cleared")
		return
	case pol.FontTimestamps && fonts.IsSFNT(data):
		p.scrubFont(loc, st, data)
	}

	if pol.Structure {
		if l, ok := st.Dict.Get("Length"); !ok || !directLength(l, len(st.Data)) {
			st.Dict.Set("Length", raw.NumberInt(int64(len(st.Data))))
			p.record("stream-length", loc, "normalized", int(st.DeclaredLength), len(st.Data))
		}
	}
	if filters.HasEOFMarker(st.Data) {
		before := len(st.Data)
		*st = *filters.HexWrap(st)
		p.record("eof-marker", loc, "hex-encoded", before, len(st.Data))
	}
	st.DeclaredLength = int64(len(st.Data))
}

func directLength(v raw.Object, n int) bool {
	num, ok := v.(raw.NumberObj)
	return ok && num.IsInt && num.Int() == int64(n)
}

// empty drops the payload and the filter chain of st.
func (p *pass) empty(st *raw.StreamObj, kind, loc, action string) {
	before := len(st.Data)
	st.Dict.Delete("Filter")
	st.Dict.Delete("DecodeParms")
	st.Dict.Delete("DP")
	st.SetData(nil)
	p.record(kind, loc, action, before, 0)
}

// scrubFont zeroes the head timestamps of a decoded font program and stores
// it re-encoded with the original filters, or unfiltered if that fails.
func (p *pass) scrubFont(loc string, st *raw.StreamObj, decoded []byte) {
	clean, changed, err := fonts.ScrubTimestamps(decoded)
	if err != nil || !changed {
		return
	}
	before := len(st.Data)
	names, params := filters.ExtractFilters(st.Dict)
	encoded := clean
	if len(names) > 0 {
		encoded, err = p.filters.Encode(p.ctx, clean, names, params)
		if err != nil {
			st.Dict.Delete("Filter")
			st.Dict.Delete("DecodeParms")
			st.Dict.Delete("DP")
			encoded = clean
		}
	}
	st.SetData(encoded)
	st.CacheDecoded(clean, nil)
	p.record("font", loc, "timestamps zeroed", before, len(st.Data))
}
