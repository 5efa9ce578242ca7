package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode"

	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/recovery"
)

type TokenType int

const (
	TokenDict      TokenType = iota // '<<'
	TokenArray                      // '['
	TokenName                       // '/Name'
	TokenString                     // literal or hex string
	TokenNumber                     // numeric value
	TokenBoolean                    // true/false
	TokenNull                       // null
	TokenRef                        // indirect ref '5 0 R'
	TokenStream                     // raw bytes captured after 'stream'
	TokenKeyword                    // other keywords (obj, endobj, >>, ], xref, trailer, ...)
	TokenHeader                     // '%PDF-x.y' comment, only with Config.KeepMarkers
	TokenEOFMarker                  // '%%EOF' comment, only with Config.KeepMarkers
)

func (t TokenType) String() string {
	switch t {
	case TokenDict:
		return "dict"
	case TokenArray:
		return "array"
	case TokenName:
		return "name"
	case TokenString:
		return "string"
	case TokenNumber:
		return "number"
	case TokenBoolean:
		return "boolean"
	case TokenNull:
		return "null"
	case TokenRef:
		return "ref"
	case TokenStream:
		return "stream"
	case TokenKeyword:
		return "keyword"
	case TokenHeader:
		return "header"
	case TokenEOFMarker:
		return "eof-marker"
	default:
		return fmt.Sprintf("token(%d)", int(t))
	}
}

// Token is one lexical unit. Which value fields are set depends on Type:
// Str for names, keywords and the header version; Bytes for strings and
// stream payloads; Int/Float/IsInt for numbers; Int/Gen for references.
type Token struct {
	Type  TokenType
	Str   string
	Bytes []byte
	Int   int64
	Float float64
	IsInt bool
	Bool  bool
	Gen   int
	Hex   bool
	Pos   int64

	// Stream tokens only. Declared is the armed /Length (-1 if none);
	// LengthMismatch is set when the data was delimited by keyword scan
	// because the declared boundary was not followed by endstream.
	Declared       int64
	LengthMismatch bool
}

type Scanner interface {
	Next() (Token, error)
	Position() int64
	SeekTo(offset int64) error
	SetNextStreamLength(n int64)
	// PeekBytes returns up to n bytes at the current position without consuming them.
	PeekBytes(n int) []byte
	// Skip advances the cursor by at most n bytes and returns how many were skipped.
	Skip(n int64) int64
}

type Config struct {
	MaxStringLength int64
	MaxArrayDepth   int
	MaxDictDepth    int
	MaxStreamLength int64
	MaxStreamScan   int64
	WindowSize      int64
	KeepMarkers     bool
	Recovery        recovery.Strategy
}

type ReaderAt interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

// pdfScanner incrementally buffers PDF data from a ReaderAt in fixed-size windows.
type pdfScanner struct {
	reader        ReaderAt
	data          []byte
	pos           int64
	cfg           Config
	nextStreamLen int64
	chunkSize     int64
	eof           bool
	arrayDepth    int
	dictDepth     int
	loc           recovery.Location
}

var endstreamKW = []byte("endstream")

// New returns a scanner reading r lazily in WindowSize chunks (64 KiB default).
func New(r ReaderAt, cfg Config) Scanner {
	chunk := cfg.WindowSize
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	return &pdfScanner{reader: r, cfg: cfg, nextStreamLen: -1, chunkSize: chunk}
}

func (s *pdfScanner) Position() int64 { return s.pos }

func (s *pdfScanner) SeekTo(offset int64) error {
	if offset < 0 {
		return pdferr.Structure(pdferr.ErrIO, offset, "seek out of range")
	}
	if err := s.ensure(offset); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if offset > int64(len(s.data)) {
		return pdferr.Structure(pdferr.ErrIO, offset, "seek out of range")
	}
	s.pos = offset
	s.arrayDepth, s.dictDepth = 0, 0
	return nil
}

func (s *pdfScanner) SetNextStreamLength(n int64) { s.nextStreamLen = n }

// SetRecoveryLocation attaches object context to errors reported to the strategy.
func (s *pdfScanner) SetRecoveryLocation(loc recovery.Location) { s.loc = loc }

func (s *pdfScanner) PeekBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	_ = s.ensure(s.pos + int64(n) - 1)
	end := s.pos + int64(n)
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	if s.pos >= end {
		return nil
	}
	return append([]byte(nil), s.data[s.pos:end]...)
}

func (s *pdfScanner) Skip(n int64) int64 {
	if n <= 0 {
		return 0
	}
	_ = s.ensure(s.pos + n - 1)
	avail := int64(len(s.data)) - s.pos
	if n > avail {
		n = avail
	}
	s.pos += n
	return n
}

func (s *pdfScanner) Next() (Token, error) {
	for {
		if err := s.skipWhitespace(); err != nil {
			return Token{}, err
		}
		if s.data[s.pos] != '%' {
			break
		}
		tok, ok := s.scanComment()
		if ok {
			return tok, nil
		}
	}
	start := s.pos
	c := s.data[s.pos]
	switch c {
	case '<':
		if s.peekAhead(1) == '<' {
			s.pos += 2
			return s.emit(Token{Type: TokenDict, Str: "<<", Pos: start})
		}
		return s.scanHexString()
	case '>':
		if s.peekAhead(1) == '>' {
			s.pos += 2
			return s.emit(Token{Type: TokenKeyword, Str: ">>", Pos: start})
		}
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: ">", Pos: start})
	case '[':
		s.pos++
		return s.emit(Token{Type: TokenArray, Str: "[", Pos: start})
	case ']':
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: "]", Pos: start})
	case '(':
		return s.scanLiteralString()
	case '/':
		return s.scanName()
	}
	if isDigitStart(c) {
		return s.scanNumberOrRef()
	}
	if isAlpha(c) {
		return s.scanKeyword()
	}
	s.pos++
	return s.emit(Token{Type: TokenKeyword, Str: string(c), Pos: start})
}

// skipWhitespace leaves pos on a non-whitespace byte or returns io.EOF.
func (s *pdfScanner) skipWhitespace() error {
	for {
		if err := s.ensure(s.pos); err != nil {
			return err
		}
		if !isWhitespace(s.data[s.pos]) {
			return nil
		}
		s.pos++
	}
}

// scanComment consumes a comment. Header and %%EOF comments are returned as
// tokens when markers are kept; everything else is discarded.
func (s *pdfScanner) scanComment() (Token, bool) {
	start := s.pos
	for {
		s.pos++
		if err := s.ensure(s.pos); err != nil {
			break
		}
		if isEOL(s.data[s.pos]) {
			break
		}
	}
	if !s.cfg.KeepMarkers {
		return Token{}, false
	}
	text := s.data[start:s.pos]
	switch {
	case bytes.HasPrefix(text, []byte("%PDF-")):
		return Token{Type: TokenHeader, Str: string(bytes.TrimSpace(text[5:])), Pos: start}, true
	case bytes.HasPrefix(text, []byte("%%EOF")):
		return Token{Type: TokenEOFMarker, Str: "%%EOF", Pos: start}, true
	}
	return Token{}, false
}

func (s *pdfScanner) ensure(n int64) error {
	for int64(len(s.data)) <= n {
		if s.eof {
			return io.EOF
		}
		if err := s.loadMore(); err != nil {
			return err
		}
	}
	return nil
}

func (s *pdfScanner) loadMore() error {
	buf := make([]byte, s.chunkSize)
	off := int64(len(s.data))
	n, err := s.reader.ReadAt(buf, off)
	if n > 0 {
		s.data = append(s.data, buf[:n]...)
	}
	if err == io.EOF {
		s.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	if n == 0 {
		s.eof = true
	}
	return nil
}

func (s *pdfScanner) loadAll() error {
	for !s.eof {
		if err := s.loadMore(); err != nil {
			return err
		}
	}
	return nil
}

func isDigitStart(c byte) bool { return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') }
func isAlpha(c byte) bool      { return unicode.IsLetter(rune(c)) }

func (s *pdfScanner) scanName() (Token, error) {
	start := s.pos
	s.pos++ // skip '/'
	var out bytes.Buffer
	for s.ensure(s.pos) == nil {
		c := s.data[s.pos]
		if isDelimiter(c) {
			break
		}
		if c == '#' {
			_ = s.ensure(s.pos + 2)
			if s.pos+2 < int64(len(s.data)) && isHex(s.data[s.pos+1]) && isHex(s.data[s.pos+2]) {
				out.WriteByte(fromHex(s.data[s.pos+1])<<4 | fromHex(s.data[s.pos+2]))
				s.pos += 3
				continue
			}
			// malformed escape stays literal
		}
		out.WriteByte(c)
		s.pos++
	}
	return s.emit(Token{Type: TokenName, Str: out.String(), Pos: start})
}

func (s *pdfScanner) scanLiteralString() (Token, error) {
	start := s.pos
	s.pos++ // skip '('
	var buf bytes.Buffer
	depth := 1
	for depth > 0 && s.ensure(s.pos) == nil {
		c := s.data[s.pos]
		s.pos++
		switch c {
		case '\\':
			if s.ensure(s.pos) != nil {
				break
			}
			esc := s.data[s.pos]
			s.pos++
			switch {
			case esc == '\r':
				// backslash-EOL is a line continuation
				if s.ensure(s.pos) == nil && s.data[s.pos] == '\n' {
					s.pos++
				}
			case esc == '\n':
			case esc >= '0' && esc <= '7':
				val := int(esc - '0')
				for k := 0; k < 2 && s.ensure(s.pos) == nil; k++ {
					d := s.data[s.pos]
					if d < '0' || d > '7' {
						break
					}
					val = val<<3 + int(d-'0')
					s.pos++
				}
				buf.WriteByte(byte(val))
			default:
				buf.WriteByte(translateEscape(esc))
			}
		case '(':
			depth++
			buf.WriteByte(c)
		case ')':
			depth--
			if depth > 0 {
				buf.WriteByte(c)
			}
		default:
			buf.WriteByte(c)
		}
		if s.cfg.MaxStringLength > 0 && int64(buf.Len()) > s.cfg.MaxStringLength {
			return Token{}, pdferr.Structure(pdferr.ErrBufferTooLarge, start, "literal string exceeds %d bytes", s.cfg.MaxStringLength)
		}
	}
	if depth != 0 {
		err := pdferr.Structure(pdferr.ErrUnexpectedEOF, start, "unterminated literal string")
		if s.recover(err, "literal") != nil {
			return Token{}, err
		}
	}
	return s.emit(Token{Type: TokenString, Bytes: buf.Bytes(), Pos: start})
}

func (s *pdfScanner) scanHexString() (Token, error) {
	start := s.pos
	s.pos++ // skip '<'
	var hexbuf []byte
	closed := false
	for s.ensure(s.pos) == nil {
		c := s.data[s.pos]
		s.pos++
		if c == '>' {
			closed = true
			break
		}
		if isWhitespace(c) {
			continue
		}
		if !isHex(c) {
			err := pdferr.Structure(pdferr.ErrInvalidString, s.pos-1, "invalid hex digit %q", c)
			if s.recover(err, "hex") != nil {
				return Token{}, err
			}
			continue
		}
		hexbuf = append(hexbuf, c)
	}
	if !closed {
		err := pdferr.Structure(pdferr.ErrUnexpectedEOF, start, "unterminated hex string")
		if s.recover(err, "hex") != nil {
			return Token{}, err
		}
	}
	if len(hexbuf)%2 == 1 {
		hexbuf = append(hexbuf, '0')
	}
	if s.cfg.MaxStringLength > 0 && int64(len(hexbuf)/2) > s.cfg.MaxStringLength {
		return Token{}, pdferr.Structure(pdferr.ErrBufferTooLarge, start, "hex string exceeds %d bytes", s.cfg.MaxStringLength)
	}
	out := make([]byte, 0, len(hexbuf)/2)
	for i := 0; i < len(hexbuf); i += 2 {
		out = append(out, fromHex(hexbuf[i])<<4|fromHex(hexbuf[i+1]))
	}
	return s.emit(Token{Type: TokenString, Bytes: out, Hex: true, Pos: start})
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
}

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

// scanStream captures the raw payload following the 'stream' keyword. With an
// armed length it takes exactly that many bytes, provided 'endstream' follows;
// otherwise it scans forward for the keyword.
func (s *pdfScanner) scanStream(start int64) (Token, error) {
	declared := s.nextStreamLen
	s.nextStreamLen = -1

	// 'stream' is followed by CRLF or LF; tolerate stray spaces and a lone CR.
	for s.ensure(s.pos) == nil && (s.data[s.pos] == ' ' || s.data[s.pos] == '\t') {
		s.pos++
	}
	if s.ensure(s.pos) == nil {
		switch s.data[s.pos] {
		case '\r':
			s.pos++
			if s.ensure(s.pos) == nil && s.data[s.pos] == '\n' {
				s.pos++
			}
		case '\n':
			s.pos++
		}
	}
	dataStart := s.pos

	if declared >= 0 {
		if s.cfg.MaxStreamLength > 0 && declared > s.cfg.MaxStreamLength {
			return Token{}, pdferr.Structure(pdferr.ErrBufferTooLarge, start, "stream length %d exceeds limit", declared)
		}
		end := dataStart + declared
		_ = s.ensure(end + int64(len(endstreamKW)) + 2)
		if end <= int64(len(s.data)) {
			if after, ok := s.endstreamAt(end); ok {
				payload := append([]byte(nil), s.data[dataStart:end]...)
				s.pos = after
				return s.emit(Token{Type: TokenStream, Bytes: payload, Pos: start, Declared: declared})
			}
		}
	}

	idx, err := s.findEndstream(dataStart)
	if err != nil {
		return Token{}, err
	}
	var payload []byte
	if idx < 0 {
		err := pdferr.Structure(pdferr.ErrUnexpectedEOF, start, "endstream not found")
		if s.recover(err, "stream") != nil {
			return Token{}, err
		}
		end := int64(len(s.data))
		if eo := bytes.Index(s.data[dataStart:], []byte("endobj")); eo >= 0 {
			end = dataStart + int64(eo)
		}
		payload = append([]byte(nil), trimTrailingEOL(s.data[dataStart:end])...)
		s.pos = end
	} else {
		payload = append([]byte(nil), trimTrailingEOL(s.data[dataStart:idx])...)
		s.pos = idx + int64(len(endstreamKW))
	}
	if s.cfg.MaxStreamLength > 0 && int64(len(payload)) > s.cfg.MaxStreamLength {
		return Token{}, pdferr.Structure(pdferr.ErrBufferTooLarge, start, "stream exceeds limit")
	}
	tok := Token{Type: TokenStream, Bytes: payload, Pos: start, Declared: declared, LengthMismatch: declared >= 0}
	return s.emit(tok)
}

// endstreamAt reports whether 'endstream' follows at off after optional
// whitespace, returning the offset just past the keyword.
func (s *pdfScanner) endstreamAt(off int64) (int64, bool) {
	i := off
	for i < int64(len(s.data)) && isWhitespace(s.data[i]) && i-off < 4 {
		i++
	}
	end := i + int64(len(endstreamKW))
	if end > int64(len(s.data)) || !bytes.Equal(s.data[i:end], endstreamKW) {
		return 0, false
	}
	if end < int64(len(s.data)) && !isDelimiter(s.data[end]) {
		return 0, false
	}
	return end, true
}

// findEndstream returns the offset of the first well-delimited 'endstream'
// keyword at or after from, or -1.
func (s *pdfScanner) findEndstream(from int64) (int64, error) {
	if err := s.loadAll(); err != nil {
		return -1, err
	}
	limit := int64(len(s.data))
	if s.cfg.MaxStreamScan > 0 && from+s.cfg.MaxStreamScan < limit {
		limit = from + s.cfg.MaxStreamScan
	}
	for i := from; i < limit; {
		rel := bytes.Index(s.data[i:limit], endstreamKW)
		if rel < 0 {
			return -1, nil
		}
		at := i + int64(rel)
		end := at + int64(len(endstreamKW))
		if end >= int64(len(s.data)) || isDelimiter(s.data[end]) {
			return at, nil
		}
		i = at + 1
	}
	return -1, nil
}

func trimTrailingEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}
func isEOL(c byte) bool { return c == '\r' || c == '\n' }
func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	default:
		return isWhitespace(c)
	}
}

func translateEscape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}

func (s *pdfScanner) peekAhead(n int64) byte {
	if err := s.ensure(s.pos + n); err != nil {
		return 0
	}
	return s.data[s.pos+n]
}

func (s *pdfScanner) scanKeyword() (Token, error) {
	start := s.pos
	for s.ensure(s.pos) == nil && !isDelimiter(s.data[s.pos]) {
		s.pos++
	}
	kw := string(s.data[start:s.pos])
	switch kw {
	case "true", "false":
		return Token{Type: TokenBoolean, Bool: kw == "true", Str: kw, Pos: start}, nil
	case "null":
		return Token{Type: TokenNull, Str: kw, Pos: start}, nil
	case "stream":
		return s.scanStream(start)
	default:
		return Token{Type: TokenKeyword, Str: kw, Pos: start}, nil
	}
}

func (s *pdfScanner) scanNumberOrRef() (Token, error) {
	start := s.pos
	num1 := s.scanNumberString()
	if num1 == "" {
		s.pos++
		return s.emit(Token{Type: TokenKeyword, Str: string(s.data[start]), Pos: start})
	}
	if n1, ok := unsignedInt(num1); ok {
		save := s.pos
		if ref, ok := s.tryRef(start, n1); ok {
			return ref, nil
		}
		s.pos = save
	}
	if i, err := strconv.ParseInt(num1, 10, 64); err == nil {
		return s.emit(Token{Type: TokenNumber, Int: i, Float: float64(i), IsInt: true, Str: num1, Pos: start})
	}
	f, err := strconv.ParseFloat(num1, 64)
	if err != nil {
		perr := pdferr.Structure(nil, start, "malformed number %q", num1)
		if s.recover(perr, "number") != nil {
			return Token{}, perr
		}
		f = 0
	}
	return s.emit(Token{Type: TokenNumber, Float: f, Str: num1, Pos: start})
}

// tryRef looks ahead for "<gen> R" after an unsigned integer.
func (s *pdfScanner) tryRef(start int64, num int64) (Token, bool) {
	if s.skipWhitespace() != nil {
		return Token{}, false
	}
	gen, ok := unsignedInt(s.scanNumberString())
	if !ok {
		return Token{}, false
	}
	if s.skipWhitespace() != nil || s.data[s.pos] != 'R' {
		return Token{}, false
	}
	if s.ensure(s.pos+1) == nil && !isDelimiter(s.data[s.pos+1]) {
		return Token{}, false
	}
	s.pos++
	return Token{Type: TokenRef, Int: num, Gen: int(gen), IsInt: true, Pos: start}, true
}

func unsignedInt(str string) (int64, bool) {
	if str == "" {
		return 0, false
	}
	for i := 0; i < len(str); i++ {
		if str[i] < '0' || str[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(str, 10, 64)
	return v, err == nil
}

func (s *pdfScanner) scanNumberString() string {
	start := s.pos
	seenDigit := false
	for s.ensure(s.pos) == nil {
		c := s.data[s.pos]
		if c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') {
			if c >= '0' && c <= '9' {
				seenDigit = true
			}
			s.pos++
			continue
		}
		break
	}
	if !seenDigit {
		s.pos = start
		return ""
	}
	return string(s.data[start:s.pos])
}

// recover consults the strategy. A nil return means the caller may continue
// with whatever it has salvaged.
func (s *pdfScanner) recover(err error, loc string) error {
	if s.cfg.Recovery == nil {
		return err
	}
	where := s.loc
	where.ByteOffset = s.pos
	if where.Component != "" {
		where.Component += "/"
	}
	where.Component += "scanner:" + loc
	switch s.cfg.Recovery.OnError(context.Background(), err, where) {
	case recovery.ActionSkip, recovery.ActionFix:
		return nil
	default:
		return err
	}
}

func (s *pdfScanner) emit(tok Token) (Token, error) {
	switch tok.Type {
	case TokenArray:
		s.arrayDepth++
		if s.cfg.MaxArrayDepth > 0 && s.arrayDepth > s.cfg.MaxArrayDepth {
			return Token{}, pdferr.Structure(pdferr.ErrBufferTooLarge, tok.Pos, "array nesting exceeds %d", s.cfg.MaxArrayDepth)
		}
	case TokenDict:
		s.dictDepth++
		if s.cfg.MaxDictDepth > 0 && s.dictDepth > s.cfg.MaxDictDepth {
			return Token{}, pdferr.Structure(pdferr.ErrBufferTooLarge, tok.Pos, "dictionary nesting exceeds %d", s.cfg.MaxDictDepth)
		}
	case TokenKeyword:
		if tok.Str == "]" && s.arrayDepth > 0 {
			s.arrayDepth--
		}
		if tok.Str == ">>" && s.dictDepth > 0 {
			s.dictDepth--
		}
	}
	return tok, nil
}
