package validator

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
)

const minimalPDF = "%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\nstartxref\n0\n%%EOF\n"

func scanFile(t *testing.T, data string) []forensic.Finding {
	t.Helper()
	fs, err := New(Config{}).ScanFile(context.Background(), strings.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("scan file: %v", err)
	}
	return fs
}

func findingsOf(fs []forensic.Finding, cat forensic.Category) []forensic.Finding {
	var out []forensic.Finding
	for _, f := range fs {
		if f.Category == cat {
			out = append(out, f)
		}
	}
	return out
}

func TestScanFileCleanInput(t *testing.T) {
	if fs := scanFile(t, minimalPDF); len(fs) != 0 {
		t.Fatalf("expected no findings, got %v", fs)
	}
}

func TestScanFileHeaderProblems(t *testing.T) {
	fs := findingsOf(scanFile(t, "JUNK"+minimalPDF), forensic.CategoryHeader)
	if len(fs) != 1 || !strings.Contains(fs[0].Description, "4 bytes precede") {
		t.Fatalf("expected leading-data finding, got %v", fs)
	}

	fs = findingsOf(scanFile(t, strings.Replace(minimalPDF, "1.7", "9.1", 1)), forensic.CategoryHeader)
	if len(fs) != 1 || !strings.Contains(fs[0].Description, `"9.1"`) {
		t.Fatalf("expected unrecognized version finding, got %v", fs)
	}

	fs = findingsOf(scanFile(t, "no header here %%EOF\n"), forensic.CategoryHeader)
	if len(fs) != 1 || fs[0].Severity != forensic.SeverityCritical {
		t.Fatalf("expected critical missing-header finding, got %v", fs)
	}
}

func TestScanFileTrailingData(t *testing.T) {
	junk := strings.Repeat("J", 40)
	fs := findingsOf(scanFile(t, minimalPDF+junk), forensic.CategoryPostEOF)
	if len(fs) != 1 {
		t.Fatalf("expected one post-EOF finding, got %v", fs)
	}
	if fs[0].Severity != forensic.SeverityHigh || fs[0].Offset != int64(len(minimalPDF)) ||
		!strings.Contains(fs[0].Description, "40 bytes") {
		t.Fatalf("unexpected finding %v", fs[0])
	}

	// Whitespace padding is reported at low severity.
	fs = findingsOf(scanFile(t, minimalPDF+"   \n"), forensic.CategoryPostEOF)
	if len(fs) != 1 || fs[0].Severity != forensic.SeverityLow {
		t.Fatalf("expected low severity padding finding, got %v", fs)
	}
}

func TestScanFileRevisionMarkers(t *testing.T) {
	data := minimalPDF + "2 0 obj\n(x)\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"
	fs := findingsOf(scanFile(t, data), forensic.CategoryPostEOF)
	if len(fs) != 1 || !strings.Contains(fs[0].Description, "2 %%EOF markers") {
		t.Fatalf("expected revision marker finding, got %v", fs)
	}
}

func TestScanFileSignatures(t *testing.T) {
	data := strings.Replace(minimalPDF, "<< /Type /Catalog >>", "<< /Type /Catalog /X (<Script>eval(1)) >>", 1)
	fs := findingsOf(scanFile(t, data), forensic.CategorySignature)
	if len(fs) != 2 {
		t.Fatalf("expected two signature findings, got %v", fs)
	}
	if want := int64(strings.Index(data, "<Script>")); fs[0].Offset != want {
		t.Fatalf("expected first hit at %d, got %d", want, fs[0].Offset)
	}
}

func TestScanFileSignatureSplitAcrossBuffer(t *testing.T) {
	prefix := "%PDF-1.7\n%" + strings.Repeat("p", 54) + "\n"
	data := prefix + "<iframe src=x>\n%%EOF\n"
	for _, size := range []int{16, 64, 65, 66, 67, 70} {
		v := New(Config{BufferSize: size})
		fs, err := v.ScanFile(context.Background(), strings.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("buffer %d: %v", size, err)
		}
		sig := findingsOf(fs, forensic.CategorySignature)
		if len(sig) != 1 || sig[0].Offset != int64(len(prefix)) {
			t.Fatalf("buffer %d: expected one hit at %d, got %v", size, len(prefix), sig)
		}
	}
}

func newDoc(objs map[int]raw.Object) *raw.Document {
	doc := raw.NewDocument("1.7")
	for num, obj := range objs {
		doc.Set(raw.ObjectRef{Num: num}, obj)
		doc.XRef[num] = raw.XRefEntry{Num: num, Type: raw.XRefInUse}
	}
	doc.Trailer.Set("Root", raw.Ref(1, 0))
	return doc
}

func catalog(entries map[string]raw.Object) *raw.DictObj {
	d := raw.Dict()
	d.Set("Type", raw.NameObj{Val: "Catalog"})
	for k, v := range entries {
		d.Set(k, v)
	}
	return d
}

func streamWith(filter string, data string, declared int64) *raw.StreamObj {
	d := raw.Dict()
	if filter != "" {
		d.Set("Filter", raw.NameObj{Val: filter})
	}
	d.Set("Length", raw.NumberInt(declared))
	return &raw.StreamObj{Dict: d, Data: []byte(data), DeclaredLength: declared}
}

func scanDoc(t *testing.T, doc *raw.Document) []forensic.Finding {
	t.Helper()
	fs, err := New(Config{}).ScanDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("scan document: %v", err)
	}
	return fs
}

func TestScanDocumentHiddenDataHeuristicsStayDistinct(t *testing.T) {
	doc := newDoc(map[int]raw.Object{
		1: catalog(nil),
		2: streamWith("", "abcHIDDEN", 3),
		3: streamWith("ASCIIHexDecode", "414243>secret", 13),
		4: streamWith("ASCIIHexDecode", "414243>\r\n", 9),
	})
	fs := findingsOf(scanDoc(t, doc), forensic.CategoryHiddenData)
	if len(fs) != 2 {
		t.Fatalf("expected two hidden-data findings, got %v", fs)
	}
	byObj := map[int]forensic.Finding{}
	for _, f := range fs {
		byObj[f.Object.Num] = f
	}
	if f := byObj[2]; f.Heuristic != forensic.HeuristicDeclaredLength || !strings.Contains(f.Description, "6 bytes beyond /Length 3") {
		t.Fatalf("unexpected declared-length finding %+v", f)
	}
	if f := byObj[3]; f.Heuristic != forensic.HeuristicPostTerminator || !strings.Contains(f.Description, "6 bytes after") {
		t.Fatalf("unexpected post-terminator finding %+v", f)
	}
}

func TestScanDocumentDoesNotCacheDecodes(t *testing.T) {
	st := streamWith("ASCIIHexDecode", "414243>", 7)
	doc := newDoc(map[int]raw.Object{1: catalog(nil), 2: st})
	scanDoc(t, doc)
	if _, _, ok := st.Decoded(); ok {
		t.Fatalf("validator stored a decode result")
	}
}

func TestScanDocumentUndecodableStream(t *testing.T) {
	doc := newDoc(map[int]raw.Object{
		1: catalog(nil),
		2: streamWith("FlateDecode", "definitely not zlib", 19),
		3: streamWith("DCTDecode", "\xff\xd8\xff", 3),
	})
	fs := findingsOf(scanDoc(t, doc), forensic.CategoryStreamDecode)
	if len(fs) != 1 || fs[0].Object.Num != 2 {
		t.Fatalf("expected one decode finding for object 2, got %v", fs)
	}
}

func TestScanDocumentScripts(t *testing.T) {
	action := raw.Dict()
	action.Set("S", raw.NameObj{Val: "JavaScript"})
	action.Set("JS", raw.Str([]byte(`var s = unescape("%u4141"); eval(s);`)))
	launch := raw.Dict()
	launch.Set("S", raw.NameObj{Val: "Launch"})
	launch.Set("F", raw.Str([]byte("cmd.exe")))
	broken := raw.Dict()
	broken.Set("S", raw.NameObj{Val: "JavaScript"})
	broken.Set("JS", raw.Ref(5, 0))

	doc := newDoc(map[int]raw.Object{
		1: catalog(map[string]raw.Object{"OpenAction": raw.Ref(2, 0)}),
		2: action,
		3: launch,
		4: broken,
		5: streamWith("", "function (", 10),
	})
	fs := findingsOf(scanDoc(t, doc), forensic.CategoryScript)
	var sawEval, sawLaunch, sawInvalid, sawOpen bool
	for _, f := range fs {
		switch {
		case f.Object.Num == 2 && f.Severity == forensic.SeverityCritical && strings.Contains(f.Description, "using eval, unescape"):
			sawEval = true
		case f.Object.Num == 3 && f.Description == "launch action":
			sawLaunch = true
		case f.Object.Num == 4 && strings.Contains(f.Description, "does not parse"):
			sawInvalid = true
		case f.Object.Num == 1 && f.Description == "catalog carries /OpenAction":
			sawOpen = true
		}
	}
	if !sawEval || !sawLaunch || !sawInvalid || !sawOpen {
		t.Fatalf("missing script findings (eval=%v launch=%v invalid=%v open=%v): %v",
			sawEval, sawLaunch, sawInvalid, sawOpen, fs)
	}
}

func TestScanDocumentDanglingReferences(t *testing.T) {
	doc := newDoc(map[int]raw.Object{
		1: catalog(map[string]raw.Object{"Pages": raw.Ref(9, 0)}),
	})
	doc.Trailer.Set("Info", raw.Ref(8, 0))
	fs := findingsOf(scanDoc(t, doc), forensic.CategoryStructure)
	if len(fs) != 2 {
		t.Fatalf("expected two dangling reference findings, got %v", fs)
	}
	Sort(fs)
	if fs[0].Severity != forensic.SeverityHigh || !strings.Contains(fs[0].Description, "8 0 R") {
		t.Fatalf("expected trailer reference first, got %v", fs[0])
	}
	if fs[1].Object.Num != 1 || !strings.Contains(fs[1].Description, "9 0 R") {
		t.Fatalf("unexpected catalog finding %v", fs[1])
	}
}

func TestScanDocumentMarkupPayload(t *testing.T) {
	page := "<html><body><script>alert(1)</script><iframe src='x'></iframe><SCRIPT src=y></SCRIPT></body></html>"
	doc := newDoc(map[int]raw.Object{1: catalog(nil), 2: streamWith("", page, int64(len(page)))})
	fs := scanDoc(t, doc)
	scripts := findingsOf(fs, forensic.CategoryScript)
	if len(scripts) != 1 || !strings.Contains(scripts[0].Description, "2 <script> and 1 <iframe>") {
		t.Fatalf("expected element count finding, got %v", scripts)
	}
	if sigs := findingsOf(fs, forensic.CategorySignature); len(sigs) != 3 {
		t.Fatalf("expected three payload signature hits, got %v", sigs)
	}
}

func TestScanDocumentFontTimestamps(t *testing.T) {
	font := sfntWithHead(3_600_000_000, 3_600_000_000)
	doc := newDoc(map[int]raw.Object{1: catalog(nil), 2: streamWith("", string(font), int64(len(font)))})
	fs := findingsOf(scanDoc(t, doc), forensic.CategoryFont)
	if len(fs) != 1 || !strings.Contains(fs[0].Description, "created 2018-") {
		t.Fatalf("expected font timestamp finding, got %v", fs)
	}

	zeroed := sfntWithHead(0, 0)
	doc = newDoc(map[int]raw.Object{1: catalog(nil), 2: streamWith("", string(zeroed), int64(len(zeroed)))})
	if fs := findingsOf(scanDoc(t, doc), forensic.CategoryFont); len(fs) != 0 {
		t.Fatalf("expected no finding for zeroed timestamps, got %v", fs)
	}
}

func TestValidateSortsBySeverity(t *testing.T) {
	data := "JUNK" + minimalPDF + strings.Repeat("x", 10)
	doc := newDoc(map[int]raw.Object{1: catalog(map[string]raw.Object{"AA": raw.Dict()})})
	fs, err := New(Config{}).Validate(context.Background(), strings.NewReader(data), int64(len(data)), doc)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for i := 1; i < len(fs); i++ {
		if fs[i].Severity > fs[i-1].Severity {
			t.Fatalf("findings not sorted by severity: %v", fs)
		}
	}
	if len(fs) != 3 {
		t.Fatalf("expected header, post-EOF and catalog findings, got %v", fs)
	}
}

func sfntWithHead(created, modified int64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0x00010000))
	binary.Write(&buf, binary.BigEndian, [4]uint16{1, 16, 0, 0})
	head := make([]byte, 54)
	binary.BigEndian.PutUint32(head[0:], 0x00010000)
	binary.BigEndian.PutUint32(head[12:], 0x5F0F3CF5)
	binary.BigEndian.PutUint64(head[20:], uint64(created))
	binary.BigEndian.PutUint64(head[28:], uint64(modified))
	buf.WriteString("head")
	binary.Write(&buf, binary.BigEndian, [3]uint32{0, 28, uint32(len(head))})
	buf.Write(head)
	buf.Write([]byte{0, 0})
	return buf.Bytes()
}
