package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/recovery"
)

func TestDocumentParserParsesClassicXRef(t *testing.T) {
	data := buildClassicPDF()
	p := NewDocumentParser(Config{})

	doc, err := p.Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Trailer == nil {
		t.Fatalf("trailer not captured")
	}
	if got := doc.Version; got != "1.7" {
		t.Fatalf("expected version 1.7, got %q", got)
	}
	if len(doc.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(doc.Objects))
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: 1, Gen: 0}]; !ok {
		t.Fatalf("catalog missing")
	}
	if doc.Repaired || doc.Encrypted || doc.Revisions != 1 {
		t.Fatalf("unexpected flags: repaired=%v encrypted=%v revisions=%d", doc.Repaired, doc.Encrypted, doc.Revisions)
	}
	if len(p.Findings()) != 0 {
		t.Fatalf("expected no findings for a clean file, got %v", p.Findings())
	}
}

func TestDocumentParserFollowsPrevChain(t *testing.T) {
	data := buildIncrementalPDF()
	p := NewDocumentParser(Config{})

	doc, err := p.Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: 3, Gen: 0}]; !ok {
		t.Fatalf("incremental object missing")
	}
	obj2, ok := doc.Objects[raw.ObjectRef{Num: 2, Gen: 0}].(*raw.DictObj)
	if !ok {
		t.Fatalf("expected dict for object 2, got %T", doc.Objects[raw.ObjectRef{Num: 2, Gen: 0}])
	}
	if count, _ := obj2.GetInt("Count"); count != 2 {
		t.Fatalf("expected Count 2 after update, got %d", count)
	}
	if doc.Revisions != 2 {
		t.Fatalf("expected 2 revisions, got %d", doc.Revisions)
	}
	if doc.Trailer.Has("Prev") {
		t.Fatalf("Prev kept on merged trailer")
	}
}

func TestDocumentParserDuplicateKeysLastWins(t *testing.T) {
	data := buildPDFWithObjects(
		"<< /Type /Catalog /Pages 2 0 R /Lang (en) /Lang (fr) >>",
		"<< /Type /Pages /Count 0 >>",
	)
	doc, err := NewDocumentParser(Config{}).Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	root := doc.Root()
	lang, _ := root.Get("Lang")
	if s, ok := lang.(raw.StringObj); !ok || string(s.Value()) != "fr" {
		t.Fatalf("expected last /Lang value, got %#v", lang)
	}
	if diff := cmp.Diff([]string{"Type", "Pages", "Lang"}, root.Keys()); diff != "" {
		t.Fatalf("key order mismatch (-want +got):\n%s", diff)
	}
}

func TestDocumentParserReportsLengthMismatch(t *testing.T) {
	payload := strings.Repeat("A", 80)
	data := buildPDFWithObjects(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Count 0 >>",
		"<< /Length 100 >>\nstream\n"+payload+"\nendstream",
	)
	p := NewDocumentParser(Config{})
	doc, err := p.Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	st, ok := doc.Objects[raw.ObjectRef{Num: 3}].(*raw.StreamObj)
	if !ok {
		t.Fatalf("expected stream object 3, got %T", doc.Objects[raw.ObjectRef{Num: 3}])
	}
	if string(st.Data) != payload || st.DeclaredLength != 100 {
		t.Fatalf("stream captured %d bytes, declared %d", len(st.Data), st.DeclaredLength)
	}
	f := findingFor(p.Findings(), forensic.CategoryStreamLength)
	if f == nil || f.Object.Num != 3 || !strings.Contains(f.Description, "/Length 100 vs 80") {
		t.Fatalf("expected stream length finding, got %v", p.Findings())
	}
}

func TestDocumentParserResolvesIndirectLength(t *testing.T) {
	data := buildPDFWithObjects(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Count 0 >>",
		"<< /Length 4 0 R >>\nstream\nendstream inside\nendstream",
		"16",
	)
	p := NewDocumentParser(Config{})
	doc, err := p.Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	st := doc.Objects[raw.ObjectRef{Num: 3}].(*raw.StreamObj)
	if string(st.Data) != "endstream inside" {
		t.Fatalf("expected /Length-bounded data, got %q", st.Data)
	}
	if f := findingFor(p.Findings(), forensic.CategoryStreamLength); f != nil {
		t.Fatalf("unexpected length finding: %v", f)
	}
}

func TestDocumentParserRepairsStartXRefPastEOF(t *testing.T) {
	data := bytes.Replace(buildClassicPDF(), []byte("startxref\n"), []byte("startxref\n9"), 1)
	p := NewDocumentParser(Config{})
	doc, err := p.Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !doc.Repaired {
		t.Fatalf("expected repaired document")
	}
	if doc.Root() == nil {
		t.Fatalf("root lost in repair")
	}
	if f := findingFor(p.Findings(), forensic.CategoryXRef); f == nil {
		t.Fatalf("expected xref finding, got %v", p.Findings())
	}
}

func TestDocumentParserRecoversUnterminatedDictionary(t *testing.T) {
	data := buildPDFWithObjects(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Count 0 >>",
		"<< /Type /Annot /Subtype /Text",
	)
	p := NewDocumentParser(Config{})
	doc, err := p.Parse(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	annot, ok := doc.Objects[raw.ObjectRef{Num: 3}].(*raw.DictObj)
	if !ok {
		t.Fatalf("expected recovered dict, got %T", doc.Objects[raw.ObjectRef{Num: 3}])
	}
	if sub, _ := annot.GetName("Subtype"); sub != "Text" {
		t.Fatalf("expected /Subtype /Text, got %q", sub)
	}
	f := findingFor(p.Findings(), forensic.CategoryStructure)
	if f == nil || !strings.Contains(f.Description, "missing >>") {
		t.Fatalf("expected recovered-syntax finding, got %v", p.Findings())
	}

	strict := NewDocumentParser(Config{Recovery: recovery.NewStrictStrategy()})
	if _, err := strict.Parse(context.Background(), bytes.NewReader(data)); err == nil {
		t.Fatalf("expected strict parse to fail")
	}
}

func TestDocumentParserFollowsMisplacedOffset(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.4\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 0 >>\nendobj\n")
	xrefOff := buf.Len()
	fmt.Fprintf(buf, "xref\n0 3\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n", off1, off2+4)
	fmt.Fprintf(buf, "trailer\n<< /Size 3 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefOff)

	p := NewDocumentParser(Config{})
	doc, err := p.Parse(context.Background(), bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := doc.Objects[raw.ObjectRef{Num: 2}].(*raw.DictObj); !ok {
		t.Fatalf("object 2 not recovered from its real header")
	}
	f := findingFor(p.Findings(), forensic.CategoryXRef)
	if f == nil || !strings.Contains(f.Description, "does not point at the object header") {
		t.Fatalf("expected offset finding, got %v", p.Findings())
	}
}

func TestDocumentParserDropsContainerStreams(t *testing.T) {
	doc, err := NewDocumentParser(Config{}).Parse(context.Background(), bytes.NewReader(buildObjStmPDF()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var got []int
	for ref := range doc.Objects {
		got = append(got, ref.Num)
	}
	want := map[int]bool{1: true, 2: true, 4: true, 5: true}
	if len(got) != len(want) {
		t.Fatalf("expected objects 1 2 4 5, got %v", got)
	}
	for _, n := range got {
		if !want[n] {
			t.Fatalf("unexpected object %d in document", n)
		}
	}
	d, ok := doc.Objects[raw.ObjectRef{Num: 4}].(*raw.DictObj)
	if !ok {
		t.Fatalf("expected dict from object stream")
	}
	if v, _ := d.GetInt("Val"); v != 7 {
		t.Fatalf("expected /Val 7, got %d", v)
	}
}

func TestDetectHeaderVersionSkipsJunk(t *testing.T) {
	got := detectHeaderVersion(bytes.NewReader([]byte("\x00\x01garbage%PDF-1.4\r\n%\xe2\xe3\n")))
	if got != "1.4" {
		t.Fatalf("expected 1.4, got %q", got)
	}
	if got := detectHeaderVersion(bytes.NewReader([]byte("no header"))); got != "" {
		t.Fatalf("expected empty version, got %q", got)
	}
}

func TestDocumentParserDropsOutOfRangeObjectNumbers(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	offsets := []int{buf.Len()}
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets = append(offsets, buf.Len())
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 0 >>\nendobj\n")
	offsets = append(offsets, buf.Len())
	buf.WriteString("99999999999 0 obj\n(far away)\nendobj\n")
	xrefOffset := buf.Len()
	fmt.Fprintf(buf, "xref\n0 3\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n", offsets[0], offsets[1])
	fmt.Fprintf(buf, "99999999999 1\n%010d 00000 n \n", offsets[2])
	fmt.Fprintf(buf, "trailer\n<< /Size 3 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	p := NewDocumentParser(Config{})
	doc, err := p.Parse(context.Background(), bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if diff := cmp.Diff([]raw.ObjectRef{{Num: 1}, {Num: 2}}, doc.Refs()); diff != "" {
		t.Fatalf("objects mismatch (-want +got):\n%s", diff)
	}
	var dropped bool
	for _, f := range p.Findings() {
		if f.Category == forensic.CategoryXRef && f.Object.Num == 99999999999 && strings.Contains(f.Description, "exceeds 8388607") {
			dropped = true
		}
	}
	if !dropped {
		t.Fatalf("expected an xref finding for the dropped object, got %v", p.Findings())
	}
}

func findingFor(fs []forensic.Finding, cat forensic.Category) *forensic.Finding {
	for i := range fs {
		if fs[i].Category == cat {
			return &fs[i]
		}
	}
	return nil
}

func buildClassicPDF() []byte {
	return buildPDFWithObjects(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Count 0 >>",
	)
}

// buildPDFWithObjects numbers bodies from 1 and points /Root at object 1.
func buildPDFWithObjects(bodies ...string) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")
	offsets := make([]int, len(bodies))
	for i, body := range bodies {
		offsets[i] = buf.Len()
		fmt.Fprintf(buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xrefOffset := buf.Len()
	fmt.Fprintf(buf, "xref\n0 %d\n0000000000 65535 f \n", len(bodies)+1)
	for _, off := range offsets {
		fmt.Fprintf(buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(buf, "trailer\n<< /Size %d /Root 1 0 R >>\n", len(bodies)+1)
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes()
}

func buildIncrementalPDF() []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.7\n")

	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 1 >>\nendobj\n")

	xref1 := buf.Len()
	fmt.Fprintf(buf, "xref\n0 3\n0000000000 65535 f \n%010d 00000 n \n%010d 00000 n \n", off1, off2)
	fmt.Fprintf(buf, "trailer\n<< /Size 3 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref1)

	// Incremental update: replace object 2 and add object 3.
	off2b := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 2 >>\nendobj\n")

	off3 := buf.Len()
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R >>\nendobj\n")

	xref2 := buf.Len()
	fmt.Fprintf(buf, "xref\n2 2\n%010d 00000 n \n%010d 00000 n \n", off2b, off3)
	fmt.Fprintf(buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\n", xref1)
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", xref2)
	return buf.Bytes()
}

// buildObjStmPDF stores objects 4 and 5 in object stream 3 and indexes the
// file with cross-reference stream 6.
func buildObjStmPDF() []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("%PDF-1.5\n")
	off1 := buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	off2 := buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Count 0 >>\nendobj\n")

	header := fmt.Sprintf("4 0 5 %d ", len("<< /Val 7 >> "))
	decoded := header + "<< /Val 7 >> 5"
	off3 := buf.Len()
	fmt.Fprintf(buf, "3 0 obj\n<< /Type /ObjStm /N 2 /First %d /Length %d >>\nstream\n%s\nendstream\nendobj\n",
		len(header), len(decoded), decoded)

	off6 := buf.Len()
	row := func(typ byte, field2, field3 int) []byte {
		return []byte{typ, byte(field2 >> 24), byte(field2 >> 16), byte(field2 >> 8), byte(field2), byte(field3)}
	}
	var entries []byte
	entries = append(entries, row(0, 0, 255)...)
	entries = append(entries, row(1, off1, 0)...)
	entries = append(entries, row(1, off2, 0)...)
	entries = append(entries, row(1, off3, 0)...)
	entries = append(entries, row(2, 3, 0)...)
	entries = append(entries, row(2, 3, 1)...)
	entries = append(entries, row(1, off6, 0)...)
	fmt.Fprintf(buf, "6 0 obj\n<< /Type /XRef /Size 7 /Root 1 0 R /W [1 4 1] /Length %d >>\nstream\n", len(entries))
	buf.Write(entries)
	fmt.Fprintf(buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", off6)
	return buf.Bytes()
}
