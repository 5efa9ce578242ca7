package xref_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/parser"
	"github.com/wudi/pdfscrub/xref"
)

// fixture assembles a test file and remembers where each object starts.
type fixture struct {
	bytes.Buffer
	at map[int]int64
}

func newFixture() *fixture {
	f := &fixture{at: make(map[int]int64)}
	f.WriteString("%PDF-1.7\n")
	return f
}

func (f *fixture) obj(num int, body string) {
	f.at[num] = int64(f.Len())
	fmt.Fprintf(f, "%d 0 obj\n%s\nendobj\n", num, body)
}

func (f *fixture) stream(num int, dict string, data []byte) {
	f.at[num] = int64(f.Len())
	fmt.Fprintf(f, "%d 0 obj\n<< %s /Length %d >>\nstream\n", num, dict, len(data))
	f.Write(data)
	f.WriteString("\nendstream\nendobj\n")
}

// classic writes one subsection covering 0..size-1 followed by a trailer and
// returns the table offset. Numbers never passed to obj are written free.
func (f *fixture) classic(size int, trailer string) int64 {
	off := int64(f.Len())
	fmt.Fprintf(f, "xref\n0 %d\n", size)
	for n := 0; n < size; n++ {
		if at, ok := f.at[n]; ok && n > 0 {
			fmt.Fprintf(f, "%010d 00000 n \n", at)
		} else {
			f.WriteString("0000000000 65535 f \n")
		}
	}
	fmt.Fprintf(f, "trailer\n<< /Size %d %s >>\n", size, trailer)
	return off
}

func (f *fixture) startxref(off int64) {
	fmt.Fprintf(f, "startxref\n%d\n%%%%EOF\n", off)
}

// packRows encodes xref stream rows big-endian with field widths w.
func packRows(w [3]int, rows [][3]int64) []byte {
	var out []byte
	for _, r := range rows {
		for i, width := range w {
			for b := width - 1; b >= 0; b-- {
				out = append(out, byte(r[i]>>(8*b)))
			}
		}
	}
	return out
}

var w141 = [3]int{1, 4, 1}

func buildSimplePDF() ([]byte, map[int]int64) {
	f := newFixture()
	f.obj(1, "<< /Type /Catalog >>")
	f.obj(2, "<< /Type /Pages /Count 0 >>")
	f.startxref(f.classic(3, "/Root 1 0 R"))
	return f.Bytes(), f.at
}

func resolve(t *testing.T, data []byte, cfg xref.ResolverConfig) (*xref.Table, error) {
	t.Helper()
	r := bytes.NewReader(data)
	return xref.NewResolver(cfg).Resolve(context.Background(), r, parser.NewReader(r, parser.Config{}))
}

func hasFinding(fs []forensic.Finding, cat forensic.Category, substr string) bool {
	for _, f := range fs {
		if f.Category == cat && strings.Contains(f.Description, substr) {
			return true
		}
	}
	return false
}

func TestResolverParsesXRefTable(t *testing.T) {
	pdf, offsets := buildSimplePDF()
	table, err := resolve(t, pdf, xref.ResolverConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	for obj, off := range offsets {
		e, ok := table.Lookup(obj)
		if !ok {
			t.Fatalf("missing object %d", obj)
		}
		if e.Offset != off || e.Gen != 0 {
			t.Fatalf("object %d: expected (%d,0), got (%d,%d)", obj, off, e.Offset, e.Gen)
		}
	}
	if _, ok := table.Lookup(0); ok {
		t.Fatalf("free head entry reported as in use")
	}
	if table.Type() != "table" || table.Sections != 1 || table.Repaired {
		t.Fatalf("unexpected table shape: type=%s sections=%d repaired=%v", table.Type(), table.Sections, table.Repaired)
	}
	if diff := cmp.Diff([]int{1, 2}, table.Objects()); diff != "" {
		t.Fatalf("objects mismatch (-want +got):\n%s", diff)
	}
}

// buildXRefStreamPDF stores objects 4 and 5 in object stream 3 and indexes
// everything with the xref stream 6.
func buildXRefStreamPDF() []byte {
	f := newFixture()
	f.obj(1, "<< /Type /Catalog >>")
	f.obj(2, "<< /Type /Pages /Count 0 >>")
	header := fmt.Sprintf("4 0 5 %d ", len("<< /Val 7 >> "))
	f.stream(3, fmt.Sprintf("/Type /ObjStm /N 2 /First %d", len(header)), []byte(header+"<< /Val 7 >> 5"))

	xrefAt := int64(f.Len())
	rows := packRows(w141, [][3]int64{
		{0, 0, 0},
		{1, f.at[1], 0},
		{1, f.at[2], 0},
		{1, f.at[3], 0},
		{2, 3, 0},
		{2, 3, 1},
		{1, xrefAt, 0},
	})
	f.stream(6, "/Type /XRef /Size 7 /Root 1 0 R /W [1 4 1] /Index [0 7]", rows)
	f.startxref(xrefAt)
	return f.Bytes()
}

// buildHybridXRefPDF appends a classic update whose /XRefStm points back at
// the original xref stream.
func buildHybridXRefPDF() []byte {
	f := newFixture()
	f.obj(1, "<< /Type /Catalog /Pages 2 0 R >>")
	f.obj(2, "<< /Type /Pages /Count 0 >>")
	streamAt := int64(f.Len())
	rows := packRows(w141, [][3]int64{
		{0, 0, 0},
		{1, f.at[1], 0},
		{1, f.at[2], 0},
		{0, 0, 0},
		{1, streamAt, 0},
		{0, 0, 0},
	})
	f.stream(4, "/Type /XRef /Size 6 /Root 1 0 R /W [1 4 1] /Index [0 6]", rows)
	f.startxref(streamAt)

	f.obj(5, "<< /Producer (inc) >>")
	tableAt := int64(f.Len())
	fmt.Fprintf(f, "xref\n0 1\n0000000000 65535 f \n5 1\n%010d 00000 n \n", f.at[5])
	fmt.Fprintf(f, "trailer\n<< /Size 6 /Root 1 0 R /Info 5 0 R /Prev %d /XRefStm %d >>\n", streamAt, streamAt)
	f.startxref(tableAt)
	return f.Bytes()
}


func TestResolverParsesXRefStreamAndObjStm(t *testing.T) {
	data := buildXRefStreamPDF()
	table, err := resolve(t, data, xref.ResolverConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if table.Type() != "xref-stream" {
		t.Fatalf("expected xref-stream table, got %s", table.Type())
	}
	if e, ok := table.Lookup(4); !ok || e.Type != raw.XRefCompressed || e.Container != 3 || e.Index != 0 {
		t.Fatalf("expected obj 4 in objstm 3 idx0, got %+v %v", e, ok)
	}
	e, ok := table.Lookup(1)
	if !ok || e.Offset == 0 {
		t.Fatalf("object 1 missing offset")
	}
	if table.Trailer.Has("W") || table.Trailer.Has("Length") {
		t.Fatalf("stream keys leaked into trailer: %v", table.Trailer.Keys())
	}

	r := bytes.NewReader(data)
	loader, err := (&parser.ObjectLoaderBuilder{}).WithReader(r).WithXRef(table).Build()
	if err != nil {
		t.Fatalf("build loader: %v", err)
	}
	obj, err := loader.Load(context.Background(), raw.ObjectRef{Num: 4, Gen: 0})
	if err != nil {
		t.Fatalf("load obj 4: %v", err)
	}
	if _, ok := obj.(*raw.DictObj); !ok {
		t.Fatalf("expected dict from objstm, got %T", obj)
	}
	obj5, err := loader.Load(context.Background(), raw.ObjectRef{Num: 5, Gen: 0})
	if err != nil {
		t.Fatalf("load obj 5: %v", err)
	}
	if num, ok := obj5.(raw.NumberObj); !ok || num.Int() != 5 {
		t.Fatalf("expected number 5, got %#v", obj5)
	}
}

func TestResolverDetectsLinearized(t *testing.T) {
	f := newFixture()
	f.obj(1, "<< /Linearized 1 /L 200 /O 1 /N 1 /H [ 10 20 ] >>")
	f.obj(2, "<< /Type /Catalog /Pages 3 0 R >>")
	f.obj(3, "<< /Type /Pages /Count 0 >>")
	f.startxref(f.classic(4, "/Root 2 0 R"))

	table, err := resolve(t, f.Bytes(), xref.ResolverConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !table.Linearized {
		t.Fatalf("expected linearized flag")
	}
}

func TestResolverReportsUndersizedTrailer(t *testing.T) {
	f := newFixture()
	f.obj(1, "<< /Type /Catalog >>")
	xrefAt := int64(f.Len())
	fmt.Fprintf(f, "xref\n0 2\n0000000000 65535 f \n%010d 00000 n \n", f.at[1])
	f.WriteString("trailer\n<< /Size 1 /Root 1 0 R >>\n")
	f.startxref(xrefAt)

	table, err := resolve(t, f.Bytes(), xref.ResolverConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !hasFinding(table.Findings, forensic.CategoryXRef, "/Size 1") {
		t.Fatalf("expected size finding, got %v", table.Findings)
	}
}

func TestResolverParsesHybridXRefTableWithXRefStream(t *testing.T) {
	data := buildHybridXRefPDF()
	table, err := resolve(t, data, xref.ResolverConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Newest revision has xref table, older objects should be served from embedded xref stream.
	if table.Type() != "table" {
		t.Fatalf("expected classic table as primary, got %s", table.Type())
	}
	e1, ok := table.Lookup(1)
	if !ok || e1.Offset == 0 {
		t.Fatalf("missing object 1 offset")
	}
	e5, ok := table.Lookup(5)
	if !ok || e5.Offset == 0 || e5.Type != raw.XRefInUse {
		t.Fatalf("missing appended object 5 offset: %+v", e5)
	}
	if table.Sections != 2 {
		t.Fatalf("expected 2 sections, got %d", table.Sections)
	}
	if _, ok := table.Trailer.Get("Info"); !ok {
		t.Fatalf("newest trailer /Info lost in merge")
	}
	if table.Trailer.Has("Prev") || table.Trailer.Has("XRefStm") {
		t.Fatalf("structural keys kept in merged trailer: %v", table.Trailer.Keys())
	}
}

func TestResolverNewestRevisionWins(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 1 >>\nendobj\n")
	off3 := buf.Len()
	buf.WriteString("3 0 obj\n(old)\nendobj\n")
	xref1 := buf.Len()
	fmt.Fprintf(buf, "xref\n0 4\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n%010d 00000 n \n", off1, off2, off3)
	fmt.Fprintf(buf, "trailer\n<< /Size 4 /Root 1 0 R /Info 3 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref1)

	off2b := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 2 >>\nendobj\n")
	xref2 := buf.Len()
	// Object 3 is freed by the update.
	fmt.Fprintf(buf, "xref\n2 2\n%010d 00000 n \n0000000000 00001 f \n", off2b)
	fmt.Fprintf(buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", xref1, xref2)

	table, err := resolve(t, buf.Bytes(), xref.ResolverConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e, _ := table.Lookup(2); e.Offset != int64(off2b) {
		t.Fatalf("object 2: expected newest offset %d, got %d", off2b, e.Offset)
	}
	if _, ok := table.Lookup(3); ok {
		t.Fatalf("object 3 freed by update still in use")
	}
	if table.Sections != 2 {
		t.Fatalf("expected 2 sections, got %d", table.Sections)
	}
	// Keys absent from the newest trailer are inherited from older ones.
	if !table.Trailer.Has("Info") {
		t.Fatalf("older trailer /Info not inherited")
	}
}

func TestResolverStopsOnPrevLoop(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")
	xrefOff := buf.Len()
	fmt.Fprintf(buf, "xref\n0 2\n0000000000 65535 f \n%010d 00000 n \n", off1)
	fmt.Fprintf(buf, "trailer\n<< /Size 2 /Root 1 0 R /Prev %d >>\nstartxref\n%d\n%%%%EOF\n", xrefOff, xrefOff)

	table, err := resolve(t, buf.Bytes(), xref.ResolverConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if table.Sections != 1 {
		t.Fatalf("expected the looping section once, got %d", table.Sections)
	}
	if !hasFinding(table.Findings, forensic.CategoryXRef, "loops") {
		t.Fatalf("expected loop finding, got %v", table.Findings)
	}
}

func TestResolverBoundsPrevChainDepth(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")
	prev := -1
	for i := 0; i < 4; i++ {
		off := buf.Len()
		fmt.Fprintf(buf, "xref\n0 2\n0000000000 65535 f \n%010d 00000 n \n", off1)
		if prev < 0 {
			buf.WriteString("trailer\n<< /Size 2 /Root 1 0 R >>\n")
		} else {
			fmt.Fprintf(buf, "trailer\n<< /Size 2 /Root 1 0 R /Prev %d >>\n", prev)
		}
		prev = off
	}
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", prev)

	table, err := resolve(t, buf.Bytes(), xref.ResolverConfig{MaxXRefDepth: 2})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if table.Sections != 2 {
		t.Fatalf("expected 2 sections, got %d", table.Sections)
	}
	if !hasFinding(table.Findings, forensic.CategoryXRef, "longer than 2") {
		t.Fatalf("expected depth finding, got %v", table.Findings)
	}
}

func TestResolverShiftsOffByOneSubsection(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.4\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog >>\nendobj\n")
	xrefOff := buf.Len()
	fmt.Fprintf(buf, "xref\n1 2\n0000000000 65535 f\r\n%010d 00000 n\r\n", off1)
	fmt.Fprintf(buf, "trailer\n<< /Size 2 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefOff)

	table, err := resolve(t, buf.Bytes(), xref.ResolverConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e, ok := table.Lookup(1); !ok || e.Offset != int64(off1) {
		t.Fatalf("object 1: got %+v %v, want offset %d", e, ok, off1)
	}
}
