package scanner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/recovery"
)

func newScanner(t *testing.T, data string, cfg Config) Scanner {
	t.Helper()
	return New(bytes.NewReader([]byte(data)), cfg)
}

func nextToken(t *testing.T, s Scanner) Token {
	t.Helper()
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tok
}

func TestScanner_BasicTokens(t *testing.T) {
	s := newScanner(t, "%PDF-1.7\n1 0 obj\n<< /Name /Value /Nums [1 2 3] /Flag true /Null null >>\nendobj", Config{})

	tok := nextToken(t, s)
	if tok.Type != TokenNumber || !tok.IsInt || tok.Int != 1 {
		t.Fatalf("expected first token number 1, got %+v", tok)
	}
	tok = nextToken(t, s)
	if tok.Type != TokenNumber || !tok.IsInt || tok.Int != 0 {
		t.Fatalf("expected generation number 0, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != "obj" {
		t.Fatalf("expected obj keyword, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenDict {
		t.Fatalf("expected dict start, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Name" {
		t.Fatalf("expected Name key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Value" {
		t.Fatalf("expected Name value, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Nums" {
		t.Fatalf("expected Nums key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenArray {
		t.Fatalf("expected array start, got %+v", tok)
	}
	for i := int64(1); i <= 3; i++ {
		tok = nextToken(t, s)
		if tok.Type != TokenNumber || !tok.IsInt || tok.Int != i {
			t.Fatalf("expected array number %d, got %+v", i, tok)
		}
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != "]" {
		t.Fatalf("expected array close, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Flag" {
		t.Fatalf("expected Flag key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenBoolean || !tok.Bool {
		t.Fatalf("expected true boolean, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenName || tok.Str != "Null" {
		t.Fatalf("expected Null key, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenNull {
		t.Fatalf("expected null value, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != ">>" {
		t.Fatalf("expected dict close, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenKeyword || tok.Str != "endobj" {
		t.Fatalf("expected endobj, got %+v", tok)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of input, got %v", err)
	}
}

func TestScanner_Markers(t *testing.T) {
	s := newScanner(t, "%PDF-1.4\n%\xE2\xE3\xCF\xD3\n1\n%%EOF\n", Config{KeepMarkers: true})
	tok := nextToken(t, s)
	if tok.Type != TokenHeader || tok.Str != "1.4" {
		t.Fatalf("expected header 1.4, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenNumber || tok.Int != 1 {
		t.Fatalf("binary comment should be skipped, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Type != TokenEOFMarker {
		t.Fatalf("expected %%%%EOF marker, got %+v", tok)
	}
}

func TestScanner_NameHexEscapes(t *testing.T) {
	s := newScanner(t, "/Name#20With#23Hash /Bad#zzEsc", Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenName || tok.Str != "Name With#Hash" {
		t.Fatalf("unexpected name decode: %+v", tok)
	}
	tok = nextToken(t, s)
	if tok.Str != "Bad#zzEsc" {
		t.Fatalf("malformed escape should stay literal, got %q", tok.Str)
	}
}

func TestScanner_LiteralStringEscapes(t *testing.T) {
	s := newScanner(t, "(Hi\\n\\050\\051\\t (nested) \\q)", Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenString {
		t.Fatalf("expected string, got %+v", tok)
	}
	if !bytes.Equal(tok.Bytes, []byte("Hi\n()\t (nested) q")) {
		t.Fatalf("unexpected literal string: %q", tok.Bytes)
	}
	if tok.Hex {
		t.Fatalf("literal string flagged as hex")
	}
}

func TestScanner_LiteralStringLineContinuation(t *testing.T) {
	s := newScanner(t, "(Line\\\r\ncontinued)", Config{})
	tok := nextToken(t, s)
	if got := string(tok.Bytes); got != "Linecontinued" {
		t.Fatalf("unexpected literal string with continuation: %q", got)
	}
}

func TestScanner_HexStringOddLength(t *testing.T) {
	s := newScanner(t, "<48656c6c6f3>", Config{})
	tok := nextToken(t, s)
	want := []byte("Hello0")
	if tok.Type != TokenString || !tok.Hex || !bytes.Equal(tok.Bytes, want) {
		t.Fatalf("expected padded hex string %q, got %+v", want, tok)
	}
}

func TestScanner_Numbers(t *testing.T) {
	s := newScanner(t, "-12 +3 4. -.5 0.25", Config{})
	ints := []int64{-12, 3}
	for _, want := range ints {
		tok := nextToken(t, s)
		if tok.Type != TokenNumber || !tok.IsInt || tok.Int != want {
			t.Fatalf("expected integer %d, got %+v", want, tok)
		}
	}
	for _, want := range []float64{4, -0.5, 0.25} {
		tok := nextToken(t, s)
		if tok.Type != TokenNumber || tok.IsInt || tok.Float != want {
			t.Fatalf("expected real %v, got %+v", want, tok)
		}
	}
}

func TestScanner_ReferenceDetection(t *testing.T) {
	s := newScanner(t, "12 5 R %comment\n", Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenRef {
		t.Fatalf("expected ref, got %+v", tok)
	}
	if tok.Int != 12 || tok.Gen != 5 {
		t.Fatalf("unexpected ref value: %+v", tok)
	}
}

func TestScanner_NumbersNotFollowedByR(t *testing.T) {
	s := newScanner(t, "[0 0 612 792]", Config{})
	nextToken(t, s)
	for _, want := range []int64{0, 0, 612, 792} {
		tok := nextToken(t, s)
		if tok.Type != TokenNumber || tok.Int != want {
			t.Fatalf("expected %d, got %+v", want, tok)
		}
	}
}

func TestScanner_StreamWithLength(t *testing.T) {
	data := "stream\r\nabcde\r\nendstream"
	s := newScanner(t, data, Config{})
	s.SetNextStreamLength(5)
	tok := nextToken(t, s)
	if tok.Type != TokenStream {
		t.Fatalf("expected stream token, got %+v", tok)
	}
	if string(tok.Bytes) != "abcde" || tok.Declared != 5 || tok.LengthMismatch {
		t.Fatalf("unexpected stream token: %+v", tok)
	}
}

func TestScanner_StreamLengthMismatch(t *testing.T) {
	payload := strings.Repeat("x", 80)
	data := "stream\n" + payload + "\nendstream\nendobj\n" + strings.Repeat(" ", 64)
	s := newScanner(t, data, Config{})
	s.SetNextStreamLength(100)
	tok := nextToken(t, s)
	if tok.Type != TokenStream || len(tok.Bytes) != 80 {
		t.Fatalf("expected 80 byte payload, got %d", len(tok.Bytes))
	}
	if !tok.LengthMismatch || tok.Declared != 100 {
		t.Fatalf("expected length mismatch against 100, got %+v", tok)
	}
	if tok = nextToken(t, s); tok.Str != "endobj" {
		t.Fatalf("expected endobj after stream, got %+v", tok)
	}
}

func TestScanner_StreamFallbackToEndstream(t *testing.T) {
	data := "stream\nabc\r\nendstream\n"
	s := newScanner(t, data, Config{})
	tok := nextToken(t, s)
	if tok.Type != TokenStream {
		t.Fatalf("expected stream token, got %+v", tok)
	}
	if got := string(tok.Bytes); got != "abc" {
		t.Fatalf("unexpected stream payload: %q", got)
	}
	if tok.Declared != -1 || tok.LengthMismatch {
		t.Fatalf("unarmed stream should not report a mismatch: %+v", tok)
	}
}

func TestScanner_StreamCRPrecedingEndstream(t *testing.T) {
	s := newScanner(t, "stream\rdata\rendstream\r", Config{})
	tok := nextToken(t, s)
	if got := string(tok.Bytes); got != "data" {
		t.Fatalf("unexpected stream payload: %q", got)
	}
}

func TestScanner_StreamScanLimit(t *testing.T) {
	s := newScanner(t, "stream\nabc", Config{MaxStreamScan: 2})
	if _, err := s.Next(); err == nil || !strings.Contains(err.Error(), "endstream not found") {
		t.Fatalf("expected scan limit error, got %v", err)
	}
}

func TestScanner_MaxStringLength(t *testing.T) {
	s := newScanner(t, "<000102>", Config{MaxStringLength: 2})
	if _, err := s.Next(); !errors.Is(err, pdferr.ErrBufferTooLarge) {
		t.Fatalf("expected buffer too large, got %v", err)
	}
	s = newScanner(t, "(abcdef)", Config{MaxStringLength: 3})
	if _, err := s.Next(); !errors.Is(err, pdferr.ErrBufferTooLarge) {
		t.Fatalf("expected buffer too large, got %v", err)
	}
}

func TestScanner_MaxStreamLength(t *testing.T) {
	s := newScanner(t, "stream\nabcdef\nendstream", Config{MaxStreamLength: 3})
	s.SetNextStreamLength(6)
	if _, err := s.Next(); !errors.Is(err, pdferr.ErrBufferTooLarge) {
		t.Fatalf("expected buffer too large, got %v", err)
	}
}

func TestScanner_UnterminatedLiteralString(t *testing.T) {
	s := newScanner(t, "(abc", Config{})
	_, err := s.Next()
	if err == nil || !strings.Contains(err.Error(), "unterminated literal string") {
		t.Fatalf("expected unterminated literal string error, got %v", err)
	}
	if !errors.Is(err, pdferr.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF in chain, got %v", err)
	}
}

func TestScanner_UnterminatedHexString(t *testing.T) {
	s := newScanner(t, "<abc", Config{})
	if _, err := s.Next(); err == nil || !strings.Contains(err.Error(), "unterminated hex string") {
		t.Fatalf("expected unterminated hex string error, got %v", err)
	}
}

func TestScanner_DepthLimits(t *testing.T) {
	s := newScanner(t, "<< /A << /B << >> >> >>", Config{MaxDictDepth: 2})
	var err error
	for err == nil {
		_, err = s.Next()
	}
	if !strings.Contains(err.Error(), "dictionary nesting exceeds 2") {
		t.Fatalf("expected dictionary depth error, got %v", err)
	}
}

func TestScanner_SeekPeekSkip(t *testing.T) {
	s := newScanner(t, "xxxx1 0 obj", Config{})
	if err := s.SeekTo(4); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got := string(s.PeekBytes(5)); got != "1 0 o" {
		t.Fatalf("unexpected peek %q", got)
	}
	if n := s.Skip(4); n != 4 {
		t.Fatalf("expected to skip 4, got %d", n)
	}
	if tok := nextToken(t, s); tok.Str != "obj" {
		t.Fatalf("expected obj after skip, got %+v", tok)
	}
	if err := s.SeekTo(100); err == nil {
		t.Fatalf("expected error seeking past end")
	}
}

type fixRecovery struct{}

func (f *fixRecovery) OnError(ctx context.Context, err error, loc recovery.Location) recovery.Action {
	return recovery.ActionFix
}

func TestScanner_FixUnterminatedLiteralString(t *testing.T) {
	s := New(bytes.NewReader([]byte("(abc")), Config{Recovery: &fixRecovery{}})
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("expected recovery to continue, got %v", err)
	}
	if tok.Type != TokenString || string(tok.Bytes) != "abc" {
		t.Fatalf("unexpected token after recovery: %+v", tok)
	}
}

func TestScanner_FixUnterminatedHexString(t *testing.T) {
	s := New(bytes.NewReader([]byte("<4142")), Config{Recovery: &fixRecovery{}})
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("expected recovery to continue, got %v", err)
	}
	if tok.Type != TokenString || string(tok.Bytes) != "AB" {
		t.Fatalf("unexpected token after recovery: %+v", tok)
	}
}

func TestScanner_FixTruncatedStreamLength(t *testing.T) {
	s := New(bytes.NewReader([]byte("stream\nabc")), Config{Recovery: &fixRecovery{}})
	s.SetNextStreamLength(5)
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("expected recovery to continue, got %v", err)
	}
	if tok.Type != TokenStream || string(tok.Bytes) != "abc" || !tok.LengthMismatch {
		t.Fatalf("unexpected stream payload after recovery: %+v", tok)
	}
}

func TestScanner_FixStreamScanLimit(t *testing.T) {
	s := New(bytes.NewReader([]byte("stream\nabc")), Config{MaxStreamScan: 1, Recovery: &fixRecovery{}})
	tok, err := s.Next()
	if err != nil {
		t.Fatalf("expected recovery to allow stream token, got %v", err)
	}
	if tok.Type != TokenStream || string(tok.Bytes) != "abc" {
		t.Fatalf("unexpected stream payload after recovery: %+v", tok)
	}
}

type recordRecovery struct {
	loc recovery.Location
	err error
}

func (r *recordRecovery) OnError(ctx context.Context, err error, loc recovery.Location) recovery.Action {
	r.loc = loc
	r.err = err
	return recovery.ActionWarn
}

func TestScanner_RecoveryContextIncludesObject(t *testing.T) {
	rec := &recordRecovery{}
	s := New(bytes.NewReader([]byte("<abc")), Config{Recovery: rec})
	if rc, ok := s.(interface{ SetRecoveryLocation(recovery.Location) }); ok {
		rc.SetRecoveryLocation(recovery.Location{ObjectNum: 5, ObjectGen: 2, Component: "parser"})
	}
	if _, err := s.Next(); err == nil {
		t.Fatalf("expected unterminated hex string error")
	}
	if rec.loc.ObjectNum != 5 || rec.loc.ObjectGen != 2 {
		t.Fatalf("expected object context 5 2, got %+v", rec.loc)
	}
	if !strings.Contains(rec.loc.Component, "scanner:hex") {
		t.Fatalf("expected component to include scanner:hex, got %q", rec.loc.Component)
	}
}
