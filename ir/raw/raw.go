package raw

import (
	"fmt"
	"sort"
)

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// IsZero reports whether r is the zero reference (object 0 is never in use).
func (r ObjectRef) IsZero() bool { return r.Num == 0 && r.Gen == 0 }

// Object is the base interface for all raw PDF objects. The set of
// implementations is closed: NullObj, BoolObj, NumberObj, StringObj, NameObj,
// *ArrayObj, *DictObj, *StreamObj and RefObj.
type Object interface {
	Type() string
	IsIndirect() bool
}

// XRefType classifies a cross-reference entry.
// MaxObjectNumber is the largest object number a conforming file may use.
const MaxObjectNumber = 8388607

type XRefType int

const (
	XRefFree XRefType = iota
	XRefInUse
	XRefCompressed
)

func (t XRefType) String() string {
	switch t {
	case XRefInUse:
		return "in-use"
	case XRefCompressed:
		return "compressed"
	default:
		return "free"
	}
}

// XRefEntry locates one object: a byte offset for in-use entries, or the
// containing object stream and index for compressed entries.
type XRefEntry struct {
	Num       int
	Gen       int
	Type      XRefType
	Offset    int64
	Container int
	Index     int
}

// Document is the root container for raw PDF objects. It owns no file
// state; the bytes it was parsed from are held by the caller.
type Document struct {
	Version   string // e.g. "1.7"
	Trailer   *DictObj
	XRef      map[int]XRefEntry
	Objects   map[ObjectRef]Object
	Revisions int  // trailers seen while walking the Prev chain
	Repaired  bool // xref rebuilt by linear scan
	Encrypted bool // source carried an /Encrypt dictionary
}

// NewDocument returns an empty document with initialised maps.
func NewDocument(version string) *Document {
	return &Document{
		Version: version,
		Trailer: Dict(),
		XRef:    make(map[int]XRefEntry),
		Objects: make(map[ObjectRef]Object),
	}
}

func (d *Document) Get(ref ObjectRef) (Object, bool) {
	o, ok := d.Objects[ref]
	return o, ok
}

func (d *Document) Set(ref ObjectRef, obj Object) {
	if d.Objects == nil {
		d.Objects = make(map[ObjectRef]Object)
	}
	d.Objects[ref] = obj
}

func (d *Document) Delete(ref ObjectRef) {
	delete(d.Objects, ref)
	delete(d.XRef, ref.Num)
}

// Resolve follows references until a direct object is reached. Unresolvable
// references and reference cycles degrade to NullObj.
func (d *Document) Resolve(obj Object) Object {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(RefObj)
		if !ok {
			if obj == nil {
				return NullObj{}
			}
			return obj
		}
		next, found := d.Objects[ref.R]
		if !found {
			return NullObj{}
		}
		obj = next
	}
	return NullObj{}
}

// ResolveDict resolves obj and returns it as a dictionary. Stream dictionaries
// are not returned.
func (d *Document) ResolveDict(obj Object) (*DictObj, bool) {
	dict, ok := d.Resolve(obj).(*DictObj)
	return dict, ok
}

// Refs returns every object reference in ascending object-number order.
func (d *Document) Refs() []ObjectRef {
	out := make([]ObjectRef, 0, len(d.Objects))
	for ref := range d.Objects {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Num != out[j].Num {
			return out[i].Num < out[j].Num
		}
		return out[i].Gen < out[j].Gen
	})
	return out
}

// Root returns the document catalog.
func (d *Document) Root() *DictObj {
	if d.Trailer == nil {
		return nil
	}
	v, ok := d.Trailer.Get("Root")
	if !ok {
		return nil
	}
	dict, _ := d.ResolveDict(v)
	return dict
}

// Info returns the document information dictionary, if any.
func (d *Document) Info() *DictObj {
	if d.Trailer == nil {
		return nil
	}
	v, ok := d.Trailer.Get("Info")
	if !ok {
		return nil
	}
	dict, _ := d.ResolveDict(v)
	return dict
}

// MaxObjectNumber returns the highest object number in use.
func (d *Document) MaxObjectNumber() int {
	max := 0
	for ref := range d.Objects {
		if ref.Num > max {
			max = ref.Num
		}
	}
	return max
}

// NextRef allocates an unused object number.
func (d *Document) NextRef() ObjectRef {
	return ObjectRef{Num: d.MaxObjectNumber() + 1}
}

// Walk visits obj and every object nested in it, depth first. References are
// not followed. Returning false from fn skips the children of that object.
func Walk(obj Object, fn func(Object) bool) {
	if obj == nil || !fn(obj) {
		return
	}
	switch v := obj.(type) {
	case *ArrayObj:
		for _, it := range v.Items {
			Walk(it, fn)
		}
	case *DictObj:
		for _, k := range v.keys {
			Walk(v.kv[k], fn)
		}
	case *StreamObj:
		Walk(v.Dict, fn)
	}
}
