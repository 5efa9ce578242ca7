package xref

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/recovery"
	"github.com/wudi/pdfscrub/scanner"
)

// repair reconstructs the table from a linear scan of the file.
func repair(ctx context.Context, cfg ResolverConfig, data []byte, objs ObjectReader) (*Table, error) {
	entries, lastTrailer, err := scanHeaders(ctx, data)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, pdferr.Structure(pdferr.ErrInvalidXRef, -1, "repair failed: %v", errNoObjects)
	}

	t := &Table{Entries: entries, Repaired: true, kind: "repaired", StartXRef: -1}
	r := &repairer{ctx: ctx, cfg: cfg, data: data, objs: objs, t: t}
	r.addObjectStreams()
	r.trailer(lastTrailer)
	if !t.Trailer.Has("Root") {
		return nil, pdferr.Structure(pdferr.ErrInvalidTrailer, -1, "repair found no document catalog")
	}
	t.Sections = 1
	return t, nil
}

// ScanObjects returns the location of every "N G obj" header in r. When an
// object number is defined more than once the last definition wins.
func ScanObjects(ctx context.Context, r io.ReaderAt) (map[int]raw.XRefEntry, error) {
	entries, _, err := scanHeaders(ctx, readAll(r))
	return entries, err
}

// scanHeaders looks for "<num> <gen> obj" patterns and the last "trailer"
// keyword.
func scanHeaders(ctx context.Context, data []byte) (map[int]raw.XRefEntry, int64, error) {
	s := scanner.New(bytes.NewReader(data), scanner.Config{Recovery: recovery.NewLenientStrategy()})
	entries := make(map[int]raw.XRefEntry)
	lastTrailer := int64(-1)

	for {
		if err := ctx.Err(); err != nil {
			return nil, -1, err
		}
		before := s.Position()
		tok, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if s.Position() == before {
				s.Skip(1)
			}
			continue
		}

		switch {
		case tok.Type == scanner.TokenNumber && tok.IsInt && tok.Int >= 0:
			tokGen, err := s.Next()
			if err != nil {
				continue
			}
			if tokGen.Type != scanner.TokenNumber || !tokGen.IsInt {
				continue
			}
			tokObj, err := s.Next()
			if err != nil {
				continue
			}
			if tokObj.Type == scanner.TokenKeyword && tokObj.Str == "obj" {
				entries[int(tok.Int)] = raw.XRefEntry{Num: int(tok.Int), Gen: int(tokGen.Int), Type: raw.XRefInUse, Offset: tok.Pos}
				continue
			}
			// tokGen may start the real header, as in "999 1 0 obj".
			if err := s.SeekTo(tokGen.Pos); err != nil {
				return nil, -1, err
			}
		case tok.Type == scanner.TokenKeyword && tok.Str == "trailer":
			lastTrailer = tok.Pos
		}
	}
	return entries, lastTrailer, nil
}

type repairer struct {
	ctx  context.Context
	cfg  ResolverConfig
	data []byte
	objs ObjectReader
	t    *Table
}

// byOffset returns in-use entries sorted by descending file offset, so the
// first match of a search is the last one in the file.
func (r *repairer) byOffset() []raw.XRefEntry {
	out := make([]raw.XRefEntry, 0, len(r.t.Entries))
	for _, e := range r.t.Entries {
		if e.Type == raw.XRefInUse {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset > out[j].Offset })
	return out
}

// body returns the bytes of the object at off up to its endobj, bounded so
// that a missing endobj does not make every lookup scan the whole file.
func (r *repairer) body(off int64) []byte {
	const window = 4096
	rest := r.data[off:]
	if end := bytes.Index(rest, []byte("endobj")); end >= 0 {
		return rest[:end]
	}
	if len(rest) > window {
		rest = rest[:window]
	}
	return rest
}

// load parses the object at e when its text mentions marker.
func (r *repairer) load(e raw.XRefEntry, marker string) (raw.Object, bool) {
	if r.objs == nil || !bytes.Contains(r.body(e.Offset), []byte(marker)) {
		return nil, false
	}
	_, obj, err := r.objs.IndirectAt(r.ctx, e.Offset)
	if err != nil {
		return nil, false
	}
	return obj, true
}

// addObjectStreams registers the members of every object stream as
// compressed entries. Objects defined directly in the file take precedence.
func (r *repairer) addObjectStreams() {
	for _, e := range r.byOffset() {
		obj, ok := r.load(e, "/ObjStm")
		if !ok {
			continue
		}
		st, ok := obj.(*raw.StreamObj)
		if !ok {
			continue
		}
		if typ, _ := st.Dict.GetName("Type"); typ != "ObjStm" {
			continue
		}
		nums, err := ObjStmMembers(r.ctx, r.cfg.Filters, st)
		if err != nil {
			r.t.Findings = append(r.t.Findings, forensic.On(forensic.SeverityLow, forensic.CategoryXRef,
				raw.ObjectRef{Num: e.Num, Gen: e.Gen}, "object stream unreadable during repair: %v", err))
			continue
		}
		for i, num := range nums {
			if _, ok := r.t.Entries[num]; ok {
				continue
			}
			r.t.Entries[num] = raw.XRefEntry{Num: num, Type: raw.XRefCompressed, Container: e.Num, Index: i}
		}
	}
}

// trailer picks the last trailer dictionary, else the dictionary of the last
// cross-reference stream, else synthesizes one around the last catalog.
func (r *repairer) trailer(lastTrailer int64) {
	var found *raw.DictObj
	if lastTrailer >= 0 && r.objs != nil {
		if obj, err := r.objs.DirectAt(r.ctx, lastTrailer+int64(len("trailer"))); err == nil {
			found, _ = obj.(*raw.DictObj)
		}
	}
	if found == nil {
		for _, e := range r.byOffset() {
			obj, ok := r.load(e, "/XRef")
			if !ok {
				continue
			}
			if st, ok := obj.(*raw.StreamObj); ok {
				if typ, _ := st.Dict.GetName("Type"); typ == "XRef" {
					found = st.Dict
					break
				}
			}
		}
	}
	r.t.Trailer = mergeTrailer(nil, found)

	if root, ok := r.t.Trailer.Get("Root"); ok {
		if ref, isRef := root.(raw.RefObj); !isRef || r.t.Entries[ref.R.Num].Type == raw.XRefFree {
			r.t.Trailer.Delete("Root")
		}
	}
	if !r.t.Trailer.Has("Root") {
		for _, e := range r.byOffset() {
			obj, ok := r.load(e, "/Catalog")
			if !ok {
				continue
			}
			if d, ok := obj.(*raw.DictObj); ok {
				if typ, _ := d.GetName("Type"); typ == "Catalog" {
					r.t.Trailer.Set("Root", raw.Ref(e.Num, e.Gen))
					break
				}
			}
		}
	}

	max := 0
	for num := range r.t.Entries {
		if num > max {
			max = num
		}
	}
	r.t.Trailer.Set("Size", raw.NumberInt(int64(max+1)))
}

// ObjStmMembers returns the object numbers stored in an object stream, in
// index order, read from the leading pair table.
func ObjStmMembers(ctx context.Context, p *filters.Pipeline, st *raw.StreamObj) ([]int, error) {
	pairs, _, err := ObjStmPairs(ctx, p, st)
	if err != nil {
		return nil, err
	}
	nums := make([]int, len(pairs))
	for i, pr := range pairs {
		nums[i] = pr[0]
	}
	return nums, nil
}

// ObjStmPairs decodes an object stream and returns its (number, offset)
// pairs together with the decoded body that the offsets index, which starts
// at /First.
func ObjStmPairs(ctx context.Context, p *filters.Pipeline, st *raw.StreamObj) ([][2]int, []byte, error) {
	data, err := filters.DecodeStream(ctx, p, st)
	if err != nil {
		return nil, nil, err
	}
	n, _ := st.Dict.GetInt("N")
	first, _ := st.Dict.GetInt("First")
	if n < 0 || first < 0 || first > int64(len(data)) {
		return nil, nil, pdferr.Structure(pdferr.ErrInvalidStream, -1, "object stream /N %d /First %d over %d bytes", n, first, len(data))
	}
	f := fieldReader{data: data[:first]}
	var pairs [][2]int
	for i := int64(0); i < n; i++ {
		num, err := f.integer()
		if err != nil {
			return nil, nil, err
		}
		off, err := f.integer()
		if err != nil {
			return nil, nil, err
		}
		pairs = append(pairs, [2]int{num, off})
	}
	return pairs, data[first:], nil
}
