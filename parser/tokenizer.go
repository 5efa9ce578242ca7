package parser

import (
	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/scanner"
)

// Tokenizer adds one token of lookahead to a scanner.
type Tokenizer struct {
	s      scanner.Scanner
	peeked *scanner.Token
}

func NewTokenizer(s scanner.Scanner) *Tokenizer { return &Tokenizer{s: s} }

// Peek returns the next token without consuming it.
func (t *Tokenizer) Peek() (scanner.Token, error) {
	if t.peeked != nil {
		return *t.peeked, nil
	}
	tok, err := t.s.Next()
	if err != nil {
		return scanner.Token{}, err
	}
	t.peeked = &tok
	return tok, nil
}

func (t *Tokenizer) Next() (scanner.Token, error) {
	if t.peeked != nil {
		tok := *t.peeked
		t.peeked = nil
		return tok, nil
	}
	return t.s.Next()
}

// Expect consumes the next token and checks its kind, and its text when value
// is not empty.
func (t *Tokenizer) Expect(kind scanner.TokenType, value string) (scanner.Token, error) {
	off := t.Offset()
	tok, err := t.Next()
	if err != nil {
		return tok, err
	}
	if tok.Type != kind || (value != "" && tok.Str != value) {
		want := kind.String()
		if value != "" {
			want += " " + value
		}
		return tok, pdferr.Structure(pdferr.ErrInvalidDictionary, off, "expected %s, got %s %q", want, tok.Type, tok.Str)
	}
	return tok, nil
}

// Offset is the byte offset of the next token.
func (t *Tokenizer) Offset() int64 {
	if t.peeked != nil {
		return t.peeked.Pos
	}
	return t.s.Position()
}

// SetStreamLength arms raw capture for the next stream keyword. It has no
// effect once that keyword has been peeked.
func (t *Tokenizer) SetStreamLength(n int64) { t.s.SetNextStreamLength(n) }
