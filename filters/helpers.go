package filters

import "github.com/wudi/pdfscrub/ir/raw"

func intParam(params *raw.DictObj, key string, def int) int {
	if params == nil {
		return def
	}
	v, ok := params.GetInt(key)
	if !ok {
		return def
	}
	return int(v)
}

func boolParam(params *raw.DictObj, key string, def bool) bool {
	if params == nil {
		return def
	}
	o, ok := params.Get(key)
	if !ok {
		return def
	}
	b, ok := o.(raw.BoolObj)
	if !ok {
		return def
	}
	return b.V
}

// FlateParams builds a DecodeParms dictionary for a PNG-predicted stream.
func FlateParams(predictor, colors, bpc, columns int) *raw.DictObj {
	d := raw.Dict()
	d.Set("Predictor", raw.NumberInt(int64(predictor)))
	d.Set("Colors", raw.NumberInt(int64(colors)))
	d.Set("BitsPerComponent", raw.NumberInt(int64(bpc)))
	d.Set("Columns", raw.NumberInt(int64(columns)))
	return d
}
