package scripting

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"golang.org/x/text/encoding/unicode"
)

// Viewer and language APIs commonly abused by PDF-borne scripts.
var sensitiveAPIs = []string{
	"app.launchURL",
	"app.openDoc",
	"app.setTimeOut",
	"Collab.collectEmailInfo",
	"Collab.getIcon",
	"eval",
	"exportDataObject",
	"getAnnots",
	"String.fromCharCode",
	"submitForm",
	"unescape",
	"util.printf",
}

type GojaInspector struct{}

func NewInspector() *GojaInspector { return &GojaInspector{} }

func (g *GojaInspector) Inspect(ctx context.Context, src []byte) Analysis {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Analysis{Verdict: VerdictInvalid, Err: err}
	}

	text := Text(src)
	if strings.TrimSpace(text) == "" {
		return Analysis{Verdict: VerdictEmpty}
	}

	a := Analysis{Sensitive: sensitive(text)}
	prog, err := parser.ParseFile(nil, "", text, 0)
	if err != nil {
		a.Verdict = VerdictInvalid
		a.Err = err
		return a
	}
	a.Verdict = VerdictValid
	a.Statements = len(prog.Body)
	for _, st := range prog.Body {
		if _, ok := st.(*ast.FunctionDeclaration); ok {
			a.Functions++
		}
	}
	return a
}

// Text decodes a PDF text string holding script source. UTF-16BE strings
// carry a byte order mark; everything else is taken as single-byte text.
func Text(src []byte) string {
	if bytes.HasPrefix(src, []byte{0xFE, 0xFF}) {
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		if out, err := dec.Bytes(src); err == nil {
			return string(out)
		}
	}
	return string(src)
}

func sensitive(text string) []string {
	var out []string
	for _, api := range sensitiveAPIs {
		if containsIdent(text, api) {
			out = append(out, api)
		}
	}
	sort.Strings(out)
	return out
}

// containsIdent reports whether name occurs in text and is not part of a
// longer identifier.
func containsIdent(text, name string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], name)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(name)
		if (start == 0 || !identByte(text[start-1])) && (end == len(text) || !identByte(text[end])) {
			return true
		}
		from = start + 1
	}
}

func identByte(c byte) bool {
	return c == '_' || c == '$' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
