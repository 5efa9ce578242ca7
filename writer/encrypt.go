package writer

import (
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/security"
)

// encryptObject returns a copy of obj with every string and stream payload
// encrypted under the key of ref. XMP metadata streams use the metadata
// class so the handler can leave them in plaintext.
func encryptObject(obj raw.Object, ref raw.ObjectRef, h security.Handler) (raw.Object, error) {
	switch v := obj.(type) {
	case raw.StringObj:
		enc, err := h.Encrypt(ref.Num, ref.Gen, v.Bytes, security.DataClassString)
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: enc, Hex: true}, nil
	case *raw.ArrayObj:
		arr := raw.NewArray()
		for _, item := range v.Items {
			enc, err := encryptObject(item, ref, h)
			if err != nil {
				return nil, err
			}
			arr.Append(enc)
		}
		return arr, nil
	case *raw.DictObj:
		d := raw.Dict()
		for _, k := range v.Keys() {
			val, _ := v.Get(k)
			enc, err := encryptObject(val, ref, h)
			if err != nil {
				return nil, err
			}
			d.Set(k, enc)
		}
		return d, nil
	case *raw.StreamObj:
		class := security.DataClassStream
		if t, _ := v.Dict.GetName("Type"); t == "Metadata" {
			class = security.DataClassMetadataStream
		}
		data, err := h.Encrypt(ref.Num, ref.Gen, v.Data, class)
		if err != nil {
			return nil, err
		}
		dict, err := encryptObject(v.Dict, ref, h)
		if err != nil {
			return nil, err
		}
		return &raw.StreamObj{Dict: dict.(*raw.DictObj), Data: data, DeclaredLength: int64(len(data))}, nil
	default:
		return obj, nil
	}
}
