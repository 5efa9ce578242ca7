package raw

// Concrete implementations for raw objects.

// Name object. Val holds the decoded bytes; #xx escapes are resolved by the lexer.
type NameObj struct{ Val string }

func (n NameObj) Type() string     { return "name" }
func (n NameObj) IsIndirect() bool { return false }
func (n NameObj) Value() string    { return n.Val }

// Number object
type NumberObj struct {
	I     int64
	F     float64
	IsInt bool
}

func (n NumberObj) Type() string     { return "number" }
func (n NumberObj) IsIndirect() bool { return false }
func (n NumberObj) Int() int64 {
	if n.IsInt {
		return n.I
	}
	return int64(n.F)
}
func (n NumberObj) Float() float64 {
	if n.IsInt {
		return float64(n.I)
	}
	return n.F
}
func (n NumberObj) IsInteger() bool { return n.IsInt }

// Boolean object
type BoolObj struct{ V bool }

func (b BoolObj) Type() string     { return "boolean" }
func (b BoolObj) IsIndirect() bool { return false }
func (b BoolObj) Value() bool      { return b.V }

// Null object
type NullObj struct{}

func (n NullObj) Type() string     { return "null" }
func (n NullObj) IsIndirect() bool { return false }

// String object. Hex records the source form so the writer can keep it.
type StringObj struct {
	Bytes []byte
	Hex   bool
}

func (s StringObj) Type() string     { return "string" }
func (s StringObj) IsIndirect() bool { return false }
func (s StringObj) Value() []byte    { return s.Bytes }
func (s StringObj) IsHex() bool      { return s.Hex }

// Array object
type ArrayObj struct{ Items []Object }

func (a *ArrayObj) Type() string     { return "array" }
func (a *ArrayObj) IsIndirect() bool { return false }
func (a *ArrayObj) Get(i int) (Object, bool) {
	if i < 0 || i >= len(a.Items) {
		return nil, false
	}
	return a.Items[i], true
}
func (a *ArrayObj) Len() int        { return len(a.Items) }
func (a *ArrayObj) Append(o Object) { a.Items = append(a.Items, o) }

// DictObj is an insertion-ordered dictionary with unique keys.
// Setting an existing key replaces its value in place, so a duplicate key
// read from a file keeps the position of its first occurrence and the value
// of its last.
type DictObj struct {
	keys []string
	kv   map[string]Object
}

func (d *DictObj) Type() string     { return "dict" }
func (d *DictObj) IsIndirect() bool { return false }

func (d *DictObj) Get(key string) (Object, bool) {
	if d == nil || d.kv == nil {
		return nil, false
	}
	o, ok := d.kv[key]
	return o, ok
}

func (d *DictObj) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

func (d *DictObj) Set(key string, value Object) {
	if d.kv == nil {
		d.kv = make(map[string]Object)
	}
	if _, ok := d.kv[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.kv[key] = value
}

// Delete removes key and reports whether it was present.
func (d *DictObj) Delete(key string) bool {
	if d == nil || d.kv == nil {
		return false
	}
	if _, ok := d.kv[key]; !ok {
		return false
	}
	delete(d.kv, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	return true
}

// Keys returns the keys in insertion order. The slice is a copy.
func (d *DictObj) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

func (d *DictObj) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// GetName returns the name value stored under key.
func (d *DictObj) GetName(key string) (string, bool) {
	o, ok := d.Get(key)
	if !ok {
		return "", false
	}
	n, ok := o.(NameObj)
	return n.Val, ok
}

// GetInt returns the numeric value stored under key as an integer.
func (d *DictObj) GetInt(key string) (int64, bool) {
	o, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := o.(NumberObj)
	if !ok {
		return 0, false
	}
	return n.Int(), true
}

// Stream object. Data holds the raw (encoded) bytes. DeclaredLength is the
// /Length value found while parsing, or -1 when it was absent or unresolvable.
type StreamObj struct {
	Dict           *DictObj
	Data           []byte
	DeclaredLength int64

	decoded    []byte
	decodeErr  error
	hasDecoded bool
}

func (s *StreamObj) Type() string     { return "stream" }
func (s *StreamObj) IsIndirect() bool { return false }
func (s *StreamObj) RawData() []byte  { return s.Data }
func (s *StreamObj) Length() int64    { return int64(len(s.Data)) }

// Decoded returns the cached decode result, if any.
func (s *StreamObj) Decoded() ([]byte, error, bool) {
	return s.decoded, s.decodeErr, s.hasDecoded
}

// CacheDecoded stores a decode result computed by the filter layer.
func (s *StreamObj) CacheDecoded(data []byte, err error) {
	s.decoded, s.decodeErr, s.hasDecoded = data, err, true
}

// SetData replaces the raw bytes, drops the decode cache and updates /Length.
func (s *StreamObj) SetData(data []byte) {
	s.Data = data
	s.decoded, s.decodeErr, s.hasDecoded = nil, nil, false
	if s.Dict == nil {
		s.Dict = Dict()
	}
	s.Dict.Set("Length", NumberInt(int64(len(data))))
	s.DeclaredLength = int64(len(data))
}

// Reference object
type RefObj struct{ R ObjectRef }

func (r RefObj) Type() string     { return "ref" }
func (r RefObj) IsIndirect() bool { return true }
func (r RefObj) Ref() ObjectRef   { return r.R }

// Helpers
func NameLiteral(v string) NameObj       { return NameObj{Val: v} }
func NumberInt(i int64) NumberObj        { return NumberObj{I: i, IsInt: true} }
func NumberFloat(f float64) NumberObj    { return NumberObj{F: f, IsInt: false} }
func Bool(v bool) BoolObj                { return BoolObj{V: v} }
func Str(bytes []byte) StringObj         { return StringObj{Bytes: bytes} }
func HexStr(bytes []byte) StringObj      { return StringObj{Bytes: bytes, Hex: true} }
func NewArray(items ...Object) *ArrayObj { return &ArrayObj{Items: items} }
func Dict() *DictObj                     { return &DictObj{kv: make(map[string]Object)} }
func NewStream(dict *DictObj, data []byte) *StreamObj {
	if dict == nil {
		dict = Dict()
	}
	return &StreamObj{Dict: dict, Data: data, DeclaredLength: int64(len(data))}
}
func Ref(num, gen int) RefObj { return RefObj{R: ObjectRef{Num: num, Gen: gen}} }
