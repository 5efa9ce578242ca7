// Package xref locates and merges the cross-reference information of a PDF:
// classic tables, cross-reference streams, hybrid files and the Prev chain
// of incremental updates. When the declared structure is unusable the file
// is rebuilt by a linear scan for object headers.
package xref

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/recovery"
)

// ObjectReader parses objects straight from file offsets, without any
// cross-reference information. The parser package provides it.
type ObjectReader interface {
	// IndirectAt parses the "N G obj ... endobj" construct starting at off.
	IndirectAt(ctx context.Context, off int64) (raw.ObjectRef, raw.Object, error)
	// DirectAt parses a single direct object starting at off.
	DirectAt(ctx context.Context, off int64) (raw.Object, error)
}

type ResolverConfig struct {
	MaxXRefDepth int
	Recovery     recovery.Strategy
	Filters      *filters.Pipeline
}

// Table is the merged cross-reference map of a document.
type Table struct {
	Entries    map[int]raw.XRefEntry
	Trailer    *raw.DictObj
	Sections   int
	Repaired   bool
	Linearized bool
	StartXRef  int64
	Findings   []forensic.Finding

	kind string
}

// Lookup returns the entry for an object number. Free entries are reported
// as not found.
func (t *Table) Lookup(num int) (raw.XRefEntry, bool) {
	e, ok := t.Entries[num]
	if !ok || e.Type == raw.XRefFree {
		return raw.XRefEntry{}, false
	}
	return e, true
}

// Objects returns the object numbers of all in-use and compressed entries.
func (t *Table) Objects() []int {
	out := make([]int, 0, len(t.Entries))
	for num, e := range t.Entries {
		if e.Type != raw.XRefFree && num != 0 {
			out = append(out, num)
		}
	}
	sort.Ints(out)
	return out
}

// Type names the structure of the newest section: "table", "xref-stream"
// or "repaired".
func (t *Table) Type() string { return t.kind }

// Resolver builds a Table for one file.
type Resolver struct {
	cfg ResolverConfig
}

const defaultMaxXRefDepth = 64

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.MaxXRefDepth <= 0 {
		cfg.MaxXRefDepth = defaultMaxXRefDepth
	}
	if cfg.Recovery == nil {
		cfg.Recovery = recovery.NewLenientStrategy()
	}
	if cfg.Filters == nil {
		cfg.Filters = filters.NewPipeline(nil, filters.Limits{})
	}
	return &Resolver{cfg: cfg}
}

// Resolve walks the cross-reference chain starting at the last startxref.
// When startxref is missing or unusable the table is rebuilt by scanning the
// file, unless the recovery strategy asks to fail.
func (rs *Resolver) Resolve(ctx context.Context, r io.ReaderAt, objs ObjectReader) (*Table, error) {
	data := readAll(r)
	w := &walker{cfg: rs.cfg, data: data, objs: objs}
	t, err := w.walk(ctx)
	if err != nil {
		action := rs.cfg.Recovery.OnError(ctx, err, recovery.Location{ByteOffset: w.start, Component: "xref"})
		if action == recovery.ActionFail {
			return nil, err
		}
		rt, rerr := repair(ctx, rs.cfg, data, objs)
		if rerr != nil {
			return nil, fmt.Errorf("%v; %w", err, rerr)
		}
		rt.Findings = append([]forensic.Finding{
			forensic.At(forensic.SeverityMedium, forensic.CategoryXRef, w.start,
				"cross-reference unusable (%v); rebuilt by linear scan of %d objects", err, len(rt.Entries)),
		}, append(w.findings, rt.Findings...)...)
		t = rt
	}
	t.Linearized = linearized(data)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return t, nil
}

type walker struct {
	cfg      ResolverConfig
	data     []byte
	objs     ObjectReader
	start    int64
	findings []forensic.Finding
}

func (w *walker) walk(ctx context.Context) (*Table, error) {
	start, err := findStartXRef(w.data)
	w.start = start
	if err != nil {
		return nil, err
	}
	t := &Table{Entries: make(map[int]raw.XRefEntry), StartXRef: start}
	visited := make(map[int64]bool)
	off := start
	for depth := 0; ; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if visited[off] {
			w.findings = append(w.findings, forensic.At(forensic.SeverityMedium, forensic.CategoryXRef, off,
				"Prev chain loops back to offset %d", off))
			break
		}
		if depth >= w.cfg.MaxXRefDepth {
			w.findings = append(w.findings, forensic.At(forensic.SeverityMedium, forensic.CategoryXRef, off,
				"Prev chain longer than %d sections; older revisions ignored", w.cfg.MaxXRefDepth))
			break
		}
		visited[off] = true

		sec, err := w.section(ctx, off)
		if err != nil {
			if depth == 0 {
				return nil, err
			}
			w.findings = append(w.findings, forensic.At(forensic.SeverityMedium, forensic.CategoryXRef, off,
				"previous cross-reference section unreadable: %v", err))
			break
		}
		if depth == 0 {
			t.kind = sec.kind
		}
		t.Sections++
		for _, e := range sec.entries {
			if _, seen := t.Entries[e.Num]; !seen {
				t.Entries[e.Num] = e
			}
		}
		t.Trailer = mergeTrailer(t.Trailer, sec.trailer)

		prev, ok := sec.trailer.GetInt("Prev")
		if !ok {
			break
		}
		off = prev
	}
	if t.Trailer == nil || !t.Trailer.Has("Root") {
		return nil, pdferr.Structure(pdferr.ErrInvalidTrailer, start, "trailer has no /Root")
	}
	w.checkSize(t)
	t.Findings = append(t.Findings, w.findings...)
	return t, nil
}

func (w *walker) checkSize(t *Table) {
	size, ok := t.Trailer.GetInt("Size")
	max := 0
	for num := range t.Entries {
		if num > max {
			max = num
		}
	}
	if !ok || int64(max) >= size {
		w.findings = append(w.findings, forensic.At(forensic.SeverityLow, forensic.CategoryXRef, -1,
			"trailer /Size %d does not cover object %d", size, max))
	}
}

type section struct {
	kind    string
	entries []raw.XRefEntry
	trailer *raw.DictObj
}

func (w *walker) section(ctx context.Context, off int64) (*section, error) {
	if off < 0 || off >= int64(len(w.data)) {
		return nil, pdferr.Structure(pdferr.ErrInvalidXRef, off, "offset out of range (file is %d bytes)", len(w.data))
	}
	pos := skipSpace(w.data, int(off))
	if bytes.HasPrefix(w.data[pos:], []byte("xref")) {
		return w.classic(ctx, pos)
	}
	return w.stream(ctx, int64(pos))
}

// classic parses a table starting at the "xref" keyword and the trailer that
// follows it. A trailer /XRefStm adds the entries of that stream that the
// table does not define.
func (w *walker) classic(ctx context.Context, pos int) (*section, error) {
	entries, end, err := parseClassic(w.data, pos+len("xref"))
	if err != nil {
		return nil, err
	}
	if w.objs == nil {
		return nil, pdferr.Structure(pdferr.ErrInvalidTrailer, int64(end), "no object reader for trailer")
	}
	obj, err := w.objs.DirectAt(ctx, int64(end+len("trailer")))
	if err != nil {
		return nil, pdferr.Structure(pdferr.ErrInvalidTrailer, int64(end), "parse trailer: %v", err)
	}
	trailer, ok := obj.(*raw.DictObj)
	if !ok {
		return nil, pdferr.Structure(pdferr.ErrInvalidTrailer, int64(end), "trailer is %s, not a dictionary", obj.Type())
	}
	sec := &section{kind: "table", entries: entries, trailer: trailer}

	if stmOff, ok := trailer.GetInt("XRefStm"); ok {
		hybrid, err := w.stream(ctx, stmOff)
		if err != nil {
			w.findings = append(w.findings, forensic.At(forensic.SeverityLow, forensic.CategoryXRef, stmOff,
				"/XRefStm unreadable: %v", err))
			return sec, nil
		}
		defined := make(map[int]bool, len(entries))
		for _, e := range entries {
			defined[e.Num] = true
		}
		for _, e := range hybrid.entries {
			if !defined[e.Num] {
				sec.entries = append(sec.entries, e)
			}
		}
	}
	return sec, nil
}

// parseClassic reads subsections until the trailer keyword and returns the
// entries and the offset of "trailer".
func parseClassic(data []byte, pos int) ([]raw.XRefEntry, int, error) {
	var entries []raw.XRefEntry
	f := fieldReader{data: data, pos: pos}
	for {
		f.skipSpace()
		if f.pos >= len(data) {
			return nil, f.pos, pdferr.Structure(pdferr.ErrUnexpectedEOF, int64(f.pos), "xref table without trailer")
		}
		if bytes.HasPrefix(data[f.pos:], []byte("trailer")) {
			return entries, f.pos, nil
		}
		first, err := f.integer()
		if err != nil {
			return nil, f.pos, err
		}
		count, err := f.integer()
		if err != nil {
			return nil, f.pos, err
		}
		if count < 0 || count > len(data)/18 {
			return nil, f.pos, pdferr.Structure(pdferr.ErrInvalidXRef, int64(f.pos), "subsection count %d", count)
		}
		for i := 0; i < count; i++ {
			off, err := f.integer()
			if err != nil {
				return nil, f.pos, err
			}
			gen, err := f.integer()
			if err != nil {
				return nil, f.pos, err
			}
			kind, err := f.word()
			if err != nil {
				return nil, f.pos, err
			}
			// A common writer bug numbers the first subsection from 1 while
			// still emitting the head of the free list.
			if i == 0 && first == 1 && kind == "f" && gen == 65535 {
				first = 0
			}
			e := raw.XRefEntry{Num: first + i, Gen: gen}
			switch kind {
			case "n":
				e.Type, e.Offset = raw.XRefInUse, int64(off)
			case "f":
				e.Type = raw.XRefFree
			default:
				return nil, f.pos, pdferr.Structure(pdferr.ErrInvalidXRef, int64(f.pos), "entry type %q", kind)
			}
			entries = append(entries, e)
		}
	}
}

// stream parses a cross-reference stream object at off.
func (w *walker) stream(ctx context.Context, off int64) (*section, error) {
	if w.objs == nil {
		return nil, pdferr.Structure(pdferr.ErrInvalidXRef, off, "no xref keyword and no object reader")
	}
	_, obj, err := w.objs.IndirectAt(ctx, off)
	if err != nil {
		return nil, pdferr.Structure(pdferr.ErrInvalidXRef, off, "no xref table or stream: %v", err)
	}
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		return nil, pdferr.Structure(pdferr.ErrInvalidXRef, off, "object is %s, not an xref stream", obj.Type())
	}
	if typ, _ := st.Dict.GetName("Type"); typ != "XRef" {
		return nil, pdferr.Structure(pdferr.ErrInvalidXRef, off, "stream type is %q, not XRef", typ)
	}
	entries, err := decodeXRefStream(ctx, w.cfg.Filters, st)
	if err != nil {
		return nil, err
	}
	return &section{kind: "xref-stream", entries: entries, trailer: st.Dict}, nil
}

func decodeXRefStream(ctx context.Context, p *filters.Pipeline, st *raw.StreamObj) ([]raw.XRefEntry, error) {
	data, err := filters.DecodeStream(ctx, p, st)
	var partial *filters.PartialError
	if err != nil && !(errors.As(err, &partial) && len(data) > 0) {
		return nil, fmt.Errorf("decode xref stream: %w", err)
	}
	widths, ok := intArray(st.Dict, "W")
	if !ok || len(widths) < 3 {
		return nil, pdferr.Structure(pdferr.ErrInvalidXRef, -1, "xref stream /W missing or short")
	}
	rowLen := 0
	for _, wd := range widths[:3] {
		if wd < 0 || wd > 8 {
			return nil, pdferr.Structure(pdferr.ErrInvalidXRef, -1, "xref stream field width %d", wd)
		}
		rowLen += wd
	}
	if rowLen == 0 {
		return nil, pdferr.Structure(pdferr.ErrInvalidXRef, -1, "xref stream /W is all zero")
	}
	index, ok := intArray(st.Dict, "Index")
	if !ok || len(index)%2 != 0 {
		size, _ := st.Dict.GetInt("Size")
		index = []int{0, int(size)}
	}

	var entries []raw.XRefEntry
	row := 0
	for i := 0; i+1 < len(index); i += 2 {
		first, count := index[i], index[i+1]
		for j := 0; j < count; j++ {
			start := row * rowLen
			if start+rowLen > len(data) {
				return entries, nil
			}
			fields := readFields(data[start:start+rowLen], widths[:3])
			row++
			typ := fields[0]
			if widths[0] == 0 {
				typ = 1
			}
			e := raw.XRefEntry{Num: first + j}
			switch typ {
			case 0:
				e.Type, e.Gen = raw.XRefFree, int(fields[2])
			case 1:
				e.Type, e.Offset, e.Gen = raw.XRefInUse, fields[1], int(fields[2])
			case 2:
				e.Type, e.Container, e.Index = raw.XRefCompressed, int(fields[1]), int(fields[2])
			default:
				// Unknown types are treated as null references.
				continue
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func readFields(row []byte, widths []int) [3]int64 {
	var out [3]int64
	pos := 0
	for i, wd := range widths {
		var v int64
		for k := 0; k < wd; k++ {
			v = v<<8 | int64(row[pos+k])
		}
		out[i] = v
		pos += wd
	}
	return out
}

func intArray(d *raw.DictObj, key string) ([]int, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	arr, ok := v.(*raw.ArrayObj)
	if !ok {
		return nil, false
	}
	out := make([]int, 0, arr.Len())
	for _, it := range arr.Items {
		n, ok := it.(raw.NumberObj)
		if !ok {
			return nil, false
		}
		out = append(out, int(n.Int()))
	}
	return out, true
}

var trailerKeys = []string{"Size", "Root", "Info", "ID", "Encrypt"}

// mergeTrailer copies into merged the trailer keys of sec that a newer
// section has not set. Prev and the stream keys are structural and dropped.
func mergeTrailer(merged, sec *raw.DictObj) *raw.DictObj {
	if merged == nil {
		merged = raw.Dict()
	}
	for _, k := range trailerKeys {
		if merged.Has(k) {
			continue
		}
		if v, ok := sec.Get(k); ok {
			merged.Set(k, v)
		}
	}
	return merged
}

// findStartXRef returns the offset named by the last startxref keyword.
func findStartXRef(data []byte) (int64, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return -1, pdferr.Structure(pdferr.ErrInvalidXRef, -1, "startxref not found")
	}
	f := fieldReader{data: data, pos: idx + len("startxref")}
	off, err := f.integer()
	if err != nil {
		return -1, fmt.Errorf("parse startxref: %w", err)
	}
	if off <= 0 || off >= len(data) {
		return int64(off), pdferr.Structure(pdferr.ErrInvalidXRef, int64(idx), "startxref %d outside file of %d bytes", off, len(data))
	}
	return int64(off), nil
}

func linearized(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("/Linearized"))
}

// fieldReader reads whitespace separated fields from a byte slice.
type fieldReader struct {
	data []byte
	pos  int
}

func (f *fieldReader) skipSpace() { f.pos = skipSpace(f.data, f.pos) }

func (f *fieldReader) word() (string, error) {
	f.skipSpace()
	start := f.pos
	for f.pos < len(f.data) && !isSpace(f.data[f.pos]) {
		f.pos++
	}
	if start == f.pos {
		return "", pdferr.Structure(pdferr.ErrUnexpectedEOF, int64(start), "expected field")
	}
	return string(f.data[start:f.pos]), nil
}

func (f *fieldReader) integer() (int, error) {
	start := f.pos
	w, err := f.word()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(w)
	if err != nil {
		return 0, pdferr.Structure(pdferr.ErrInvalidXRef, int64(start), "expected integer, got %q", w)
	}
	return n, nil
}

func skipSpace(data []byte, pos int) int {
	for pos < len(data) && isSpace(data[pos]) {
		pos++
	}
	return pos
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func readAll(r io.ReaderAt) []byte {
	var buf bytes.Buffer
	const chunk = int64(32 * 1024)
	for off := int64(0); ; off += chunk {
		tmp := make([]byte, chunk)
		n, err := r.ReadAt(tmp, off)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || int64(n) < chunk {
			break
		}
	}
	return buf.Bytes()
}

var errNoObjects = errors.New("no object headers found")
