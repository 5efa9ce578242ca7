package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/recovery"
	"github.com/wudi/pdfscrub/security"
	"github.com/wudi/pdfscrub/xref"
)

type Cache interface {
	Get(ref raw.ObjectRef) (raw.Object, bool)
	Put(ref raw.ObjectRef, obj raw.Object)
}

// ObjectLoader resolves references through a cross-reference table.
type ObjectLoader interface {
	Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error)
	// Findings returns what was observed while loading: stream boundaries
	// that did not match /Length and xref offsets that missed their header.
	Findings() []forensic.Finding
}

type ObjectLoaderBuilder struct {
	reader    io.ReaderAt
	xrefTable *xref.Table
	security  security.Handler
	limits    security.Limits
	cache     Cache
	recovery  recovery.Strategy
	filters   *filters.Pipeline
	skip      map[raw.ObjectRef]bool
}

func (b *ObjectLoaderBuilder) WithXRef(table *xref.Table) *ObjectLoaderBuilder {
	b.xrefTable = table
	return b
}
func (b *ObjectLoaderBuilder) WithReader(r io.ReaderAt) *ObjectLoaderBuilder {
	b.reader = r
	return b
}
func (b *ObjectLoaderBuilder) WithSecurity(h security.Handler) *ObjectLoaderBuilder {
	b.security = h
	return b
}
func (b *ObjectLoaderBuilder) WithLimits(l security.Limits) *ObjectLoaderBuilder {
	b.limits = l
	return b
}
func (b *ObjectLoaderBuilder) WithCache(c Cache) *ObjectLoaderBuilder { b.cache = c; return b }
func (b *ObjectLoaderBuilder) WithRecovery(r recovery.Strategy) *ObjectLoaderBuilder {
	b.recovery = r
	return b
}
func (b *ObjectLoaderBuilder) WithFilters(p *filters.Pipeline) *ObjectLoaderBuilder {
	b.filters = p
	return b
}

// WithPlaintext marks objects that are never decrypted, such as the
// encryption dictionary itself.
func (b *ObjectLoaderBuilder) WithPlaintext(refs ...raw.ObjectRef) *ObjectLoaderBuilder {
	if b.skip == nil {
		b.skip = make(map[raw.ObjectRef]bool)
	}
	for _, r := range refs {
		b.skip[r] = true
	}
	return b
}

func (b *ObjectLoaderBuilder) Build() (ObjectLoader, error) {
	if b.reader == nil || b.xrefTable == nil {
		return nil, errors.New("reader and xrefTable required")
	}
	sec := b.security
	if sec == nil {
		sec = security.NoopHandler()
	}
	limits := b.limits
	if limits.MaxIndirectDepth == 0 {
		limits.MaxIndirectDepth = security.DefaultLimits().MaxIndirectDepth
	}
	p := b.filters
	if p == nil {
		p = filters.NewPipeline(nil, filters.Limits{
			MaxDecompressedSize: limits.MaxDecompressedSize,
			MaxDecodeTime:       limits.MaxDecodeTime,
		})
	}
	return &objectLoader{
		reader:    NewReader(b.reader, Config{Limits: limits, Recovery: b.recovery}),
		src:       b.reader,
		xrefTable: b.xrefTable,
		security:  sec,
		maxDepth:  limits.MaxIndirectDepth,
		cache:     b.cache,
		filters:   p,
		plaintext: b.skip,
		objstm:    make(map[int]*objStream),
	}, nil
}

// objectLoader is safe for concurrent use; loads are serialized.
type objectLoader struct {
	reader    *Reader
	src       io.ReaderAt
	xrefTable *xref.Table
	security  security.Handler
	maxDepth  int
	cache     Cache
	filters   *filters.Pipeline
	plaintext map[raw.ObjectRef]bool

	mu       sync.Mutex
	objstm   map[int]*objStream
	index    map[int]raw.XRefEntry
	findings []forensic.Finding
}

type objStream struct {
	pairs [][2]int
	body  []byte
}

func (o *objectLoader) Load(ctx context.Context, ref raw.ObjectRef) (raw.Object, error) {
	if o.cache != nil {
		if obj, ok := o.cache.Get(ref); ok {
			return obj, nil
		}
	}
	o.mu.Lock()
	obj, err := o.load(ctx, ref, 0)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		o.cache.Put(ref, obj)
	}
	return obj, nil
}

func (o *objectLoader) Findings() []forensic.Finding {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]forensic.Finding(nil), o.findings...)
}

func (o *objectLoader) load(ctx context.Context, ref raw.ObjectRef, depth int) (raw.Object, error) {
	if depth > o.maxDepth {
		return nil, pdferr.Structure(pdferr.ErrBufferTooLarge, -1, "indirect depth exceeds %d at %s", o.maxDepth, ref)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := o.xrefTable.Lookup(ref.Num)
	if !ok {
		return nil, &pdferr.MissingObjectError{ID: pdferr.ObjectID{Num: ref.Num, Gen: ref.Gen}}
	}
	if e.Type == raw.XRefCompressed {
		return o.loadFromObjectStream(ctx, ref, e, depth)
	}
	if e.Gen != ref.Gen {
		return nil, &pdferr.MissingObjectError{ID: pdferr.ObjectID{Num: ref.Num, Gen: ref.Gen}}
	}
	ind, err := o.loadAt(ctx, ref, e.Offset, depth)
	if err != nil {
		return nil, err
	}
	return o.decryptObject(ref, ind.obj)
}

// loadAt parses the object the table places at off. When the bytes there are
// not its header, a linear-scan index of the file is consulted instead.
func (o *objectLoader) loadAt(ctx context.Context, ref raw.ObjectRef, off int64, depth int) (*indirect, error) {
	length := func(v raw.Object) (int64, bool) { return o.resolveLength(ctx, v, depth) }
	ind, err := o.reader.readIndirect(ctx, off, length)
	if err == nil && ind.ref == ref {
		o.noteLength(ind)
		return ind, nil
	}
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	at, ok := o.scanIndex(ctx)[ref.Num]
	if !ok || at.Gen != ref.Gen || at.Offset == off {
		if err == nil {
			err = pdferr.Structure(pdferr.ErrInvalidXRef, off, "offset holds object %s, not %s", ind.ref, ref)
		}
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	ind, err = o.reader.readIndirect(ctx, at.Offset, length)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	o.findings = append(o.findings, forensic.On(forensic.SeverityLow, forensic.CategoryXRef, ref,
		"xref offset %d does not point at the object header; found at %d", off, at.Offset))
	o.noteLength(ind)
	return ind, nil
}

func (o *objectLoader) noteLength(ind *indirect) {
	if ind.lengthNote == "" {
		return
	}
	st, ok := ind.obj.(*raw.StreamObj)
	if !ok {
		return
	}
	o.findings = append(o.findings, forensic.On(forensic.SeverityMedium, forensic.CategoryStreamLength, ind.ref,
		"stream /Length %d vs %d bytes captured: %s", st.DeclaredLength, len(st.Data), ind.lengthNote))
}

func (o *objectLoader) scanIndex(ctx context.Context) map[int]raw.XRefEntry {
	if o.index == nil {
		idx, err := xref.ScanObjects(ctx, o.src)
		if err != nil {
			idx = map[int]raw.XRefEntry{}
		}
		o.index = idx
	}
	return o.index
}

// resolveLength follows an indirect /Length through the table.
func (o *objectLoader) resolveLength(ctx context.Context, v raw.Object, depth int) (int64, bool) {
	ref, ok := v.(raw.RefObj)
	if !ok {
		return 0, false
	}
	obj, err := o.load(ctx, ref.R, depth+1)
	if err != nil {
		return 0, false
	}
	n, ok := obj.(raw.NumberObj)
	if !ok || !n.IsInt {
		return 0, false
	}
	return n.Int(), true
}

func (o *objectLoader) loadFromObjectStream(ctx context.Context, ref raw.ObjectRef, e raw.XRefEntry, depth int) (raw.Object, error) {
	stm, err := o.container(ctx, e.Container, depth)
	if err != nil {
		return nil, fmt.Errorf("load %s from object stream %d: %w", ref, e.Container, err)
	}
	off := -1
	if e.Index >= 0 && e.Index < len(stm.pairs) && stm.pairs[e.Index][0] == ref.Num {
		off = stm.pairs[e.Index][1]
	} else {
		for _, pr := range stm.pairs {
			if pr[0] == ref.Num {
				off = pr[1]
			}
		}
	}
	if off < 0 || off > len(stm.body) {
		return nil, &pdferr.MissingObjectError{ID: pdferr.ObjectID{Num: ref.Num, Gen: ref.Gen}}
	}
	return o.reader.directIn(ctx, bytes.NewReader(stm.body), int64(off), ref)
}

func (o *objectLoader) container(ctx context.Context, num int, depth int) (*objStream, error) {
	if stm, ok := o.objstm[num]; ok {
		return stm, nil
	}
	e, ok := o.xrefTable.Lookup(num)
	if !ok || e.Type != raw.XRefInUse {
		return nil, errors.New("object stream entry missing")
	}
	ref := raw.ObjectRef{Num: num, Gen: e.Gen}
	ind, err := o.loadAt(ctx, ref, e.Offset, depth+1)
	if err != nil {
		return nil, err
	}
	obj, err := o.decryptObject(ref, ind.obj)
	if err != nil {
		return nil, err
	}
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, errors.New("object stream is not a stream")
	}
	pairs, body, err := xref.ObjStmPairs(ctx, o.filters, st)
	if err != nil {
		return nil, err
	}
	stm := &objStream{pairs: pairs, body: body}
	o.objstm[num] = stm
	return stm, nil
}

func cryptFilterForStream(d *raw.DictObj) (string, bool) {
	names, params := filters.ExtractFilters(d)
	for idx, name := range names {
		if name != "Crypt" {
			continue
		}
		if dp := params[idx]; dp != nil {
			if n, ok := dp.GetName("Name"); ok {
				return n, true
			}
		}
		return "", true // default Crypt filter
	}
	return "", false
}

func (o *objectLoader) decryptObject(ref raw.ObjectRef, obj raw.Object) (raw.Object, error) {
	if o.security == nil || !o.security.IsEncrypted() || o.plaintext[ref] {
		return obj, nil
	}
	if st, ok := obj.(*raw.StreamObj); ok {
		if typ, _ := st.Dict.GetName("Type"); typ == "XRef" {
			return obj, nil
		}
	}
	return o.decrypt(ref, obj)
}

func (o *objectLoader) decrypt(ref raw.ObjectRef, obj raw.Object) (raw.Object, error) {
	switch v := obj.(type) {
	case raw.StringObj:
		dec, err := o.security.Decrypt(ref.Num, ref.Gen, v.Value(), security.DataClassString)
		if err != nil {
			return nil, err
		}
		return raw.StringObj{Bytes: dec, Hex: v.Hex}, nil
	case *raw.ArrayObj:
		for i, item := range v.Items {
			dec, err := o.decrypt(ref, item)
			if err != nil {
				return nil, err
			}
			v.Items[i] = dec
		}
		return v, nil
	case *raw.DictObj:
		for _, key := range v.Keys() {
			item, _ := v.Get(key)
			dec, err := o.decrypt(ref, item)
			if err != nil {
				return nil, err
			}
			v.Set(key, dec)
		}
		return v, nil
	case *raw.StreamObj:
		if v.Dict != nil {
			if _, err := o.decrypt(ref, v.Dict); err != nil {
				return nil, err
			}
		}
		if !o.shouldDecryptStream(v.Dict) {
			return v, nil
		}
		class := security.DataClassStream
		if isMetadataStream(v.Dict) {
			class = security.DataClassMetadataStream
		}
		cryptFilter, hasCrypt := cryptFilterForStream(v.Dict)
		if hasCrypt && cryptFilter == "Identity" {
			return v, nil
		}
		dec, err := o.security.DecryptWithFilter(ref.Num, ref.Gen, v.Data, class, cryptFilter)
		if err != nil {
			return nil, err
		}
		v.SetData(dec)
		return v, nil
	default:
		return obj, nil
	}
}

func (o *objectLoader) shouldDecryptStream(dict *raw.DictObj) bool {
	if isMetadataStream(dict) {
		return o.security.EncryptMetadata()
	}
	return true
}

func isMetadataStream(d *raw.DictObj) bool {
	typ, _ := d.GetName("Type")
	return typ == "Metadata"
}
