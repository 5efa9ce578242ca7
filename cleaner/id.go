package cleaner

import (
	"bytes"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/wudi/pdfscrub/ir/raw"
)

// ContentID derives a document ID from the object graph: the first 16 bytes
// of a BLAKE2b-256 digest over a canonical form of every object and of the
// trailer /Root and /Info. Equal graphs give equal IDs.
func ContentID(doc *raw.Document) []byte {
	var buf bytes.Buffer
	for _, ref := range doc.Refs() {
		buf.WriteString(strconv.Itoa(ref.Num))
		buf.WriteByte(' ')
		buf.WriteString(strconv.Itoa(ref.Gen))
		buf.WriteString(" obj ")
		canonical(&buf, doc.Objects[ref])
		buf.WriteByte('\n')
	}
	buf.WriteString("trailer ")
	if doc.Trailer != nil {
		for _, key := range []string{"Root", "Info"} {
			if v, ok := doc.Trailer.Get(key); ok {
				canonicalName(&buf, key)
				canonical(&buf, v)
			}
		}
	}
	sum := blake2b.Sum256(buf.Bytes())
	return sum[:16]
}

// canonical writes a length-prefixed encoding that distinguishes every
// object kind and is independent of string syntax.
func canonical(buf *bytes.Buffer, obj raw.Object) {
	switch v := obj.(type) {
	case nil, raw.NullObj:
		buf.WriteString("N")
	case raw.BoolObj:
		buf.WriteString(strconv.FormatBool(v.V))
	case raw.NumberObj:
		if v.IsInt {
			buf.WriteString("i" + strconv.FormatInt(v.I, 10))
		} else if v.F == 0 {
			buf.WriteString("f0")
		} else {
			buf.WriteString("f" + strconv.FormatFloat(v.F, 'f', -1, 64))
		}
	case raw.StringObj:
		buf.WriteString("s" + strconv.Itoa(len(v.Bytes)) + ":")
		buf.Write(v.Bytes)
	case raw.NameObj:
		canonicalName(buf, v.Val)
	case raw.RefObj:
		buf.WriteString("r" + strconv.Itoa(v.R.Num) + "." + strconv.Itoa(v.R.Gen))
	case *raw.ArrayObj:
		buf.WriteString("[" + strconv.Itoa(len(v.Items)))
		for _, it := range v.Items {
			buf.WriteByte(' ')
			canonical(buf, it)
		}
		buf.WriteString("]")
	case *raw.DictObj:
		buf.WriteString("<" + strconv.Itoa(v.Len()))
		for _, key := range v.Keys() {
			val, _ := v.Get(key)
			buf.WriteByte(' ')
			canonicalName(buf, key)
			canonical(buf, val)
		}
		buf.WriteString(">")
	case *raw.StreamObj:
		canonical(buf, v.Dict)
		buf.WriteString("d" + strconv.Itoa(len(v.Data)) + ":")
		buf.Write(v.Data)
	}
}

func canonicalName(buf *bytes.Buffer, name string) {
	buf.WriteString("n" + strconv.Itoa(len(name)) + ":" + name)
}

func (p *pass) regenerateID() {
	id := ContentID(p.doc)
	if old, ok := p.doc.Trailer.Get("ID"); ok && sameID(old, id) {
		return
	}
	p.doc.Trailer.Set("ID", raw.NewArray(raw.HexStr(id), raw.HexStr(id)))
	p.record("document-id", "trailer /ID", "regenerated", 0, len(id))
}

func sameID(v raw.Object, id []byte) bool {
	arr, ok := v.(*raw.ArrayObj)
	if !ok || arr.Len() != 2 {
		return false
	}
	for _, it := range arr.Items {
		s, ok := it.(raw.StringObj)
		if !ok || !bytes.Equal(s.Bytes, id) {
			return false
		}
	}
	return true
}
