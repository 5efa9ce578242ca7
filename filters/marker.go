package filters

import (
	"bytes"
	"encoding/hex"

	"github.com/wudi/pdfscrub/ir/raw"
)

var eofMarker = []byte("%%EOF")

// HasEOFMarker reports whether data holds the end-of-file comment. Raw
// stream bytes that contain it make the file look like it ends early.
func HasEOFMarker(data []byte) bool { return bytes.Contains(data, eofMarker) }

// HexWrap returns a copy of st with ASCIIHexDecode prepended to its filter
// chain. The hex alphabet cannot spell %%EOF, so the copy is safe to place in
// a file body. st is not modified.
func HexWrap(st *raw.StreamObj) *raw.StreamObj {
	dict := raw.Dict()
	for _, k := range st.Dict.Keys() {
		v, _ := st.Dict.Get(k)
		dict.Set(k, v)
	}
	ahx := raw.NameObj{Val: "ASCIIHexDecode"}
	filter, _ := dict.Get("Filter")
	switch f := filter.(type) {
	case raw.NameObj:
		dict.Set("Filter", raw.NewArray(ahx, f))
		prependNullParms(dict)
	case *raw.ArrayObj:
		dict.Set("Filter", raw.NewArray(append([]raw.Object{ahx}, f.Items...)...))
		prependNullParms(dict)
	default:
		dict.Set("Filter", ahx)
		dict.Delete("DecodeParms")
		dict.Delete("DP")
	}

	enc := make([]byte, hex.EncodedLen(len(st.Data)), hex.EncodedLen(len(st.Data))+1)
	hex.Encode(enc, st.Data)
	enc = append(bytes.ToUpper(enc), '>')
	out := raw.NewStream(dict, nil)
	out.SetData(enc)
	return out
}

// prependNullParms shifts DecodeParms to stay aligned with a filter added in
// front of the chain.
func prependNullParms(d *raw.DictObj) {
	for _, key := range []string{"DecodeParms", "DP"} {
		v, ok := d.Get(key)
		if !ok {
			continue
		}
		if arr, ok := v.(*raw.ArrayObj); ok {
			d.Set(key, raw.NewArray(append([]raw.Object{raw.NullObj{}}, arr.Items...)...))
			continue
		}
		d.Set(key, raw.NewArray(raw.NullObj{}, v))
	}
}
