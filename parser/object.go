package parser

import (
	"context"
	"errors"
	"io"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/recovery"
	"github.com/wudi/pdfscrub/scanner"
)

// objectParser is a recursive-descent builder over a Tokenizer. Structural
// damage is reported to the recovery strategy; when it answers fix, skip or
// warn the parser keeps what it has read so far.
type objectParser struct {
	ctx context.Context
	tok *Tokenizer
	rec recovery.Strategy
	ref raw.ObjectRef
	// Zero disables the element bounds.
	maxArray, maxDict int
}

func (p *objectParser) parse() (raw.Object, error) {
	tok, err := p.tok.Next()
	if err != nil {
		return nil, eofError(err, p.tok.Offset())
	}
	switch tok.Type {
	case scanner.TokenName:
		return raw.NameObj{Val: tok.Str}, nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return raw.NumberInt(tok.Int), nil
		}
		return raw.NumberFloat(tok.Float), nil
	case scanner.TokenBoolean:
		return raw.Bool(tok.Bool), nil
	case scanner.TokenNull:
		return raw.NullObj{}, nil
	case scanner.TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case scanner.TokenRef:
		return raw.Ref(int(tok.Int), tok.Gen), nil
	case scanner.TokenArray:
		return p.parseArray()
	case scanner.TokenDict:
		return p.parseDict()
	}
	return nil, pdferr.Structure(pdferr.ErrInvalidDictionary, tok.Pos, "unexpected %s %q", tok.Type, tok.Str)
}

func (p *objectParser) parseArray() (raw.Object, error) {
	arr := raw.NewArray()
	for {
		tok, err := p.tok.Peek()
		if err != nil || closesObject(tok) {
			if rerr := p.recover(pdferr.Structure(pdferr.ErrUnexpectedEOF, p.tok.Offset(), "array not terminated")); rerr != nil {
				return nil, rerr
			}
			return arr, nil
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "]" {
			_, _ = p.tok.Next()
			return arr, nil
		}
		if p.maxArray > 0 && arr.Len() >= p.maxArray {
			return nil, pdferr.Structure(pdferr.ErrBufferTooLarge, tok.Pos, "array exceeds %d elements", p.maxArray)
		}
		item, err := p.parse()
		if err != nil {
			return nil, err
		}
		arr.Append(item)
	}
}

// parseDict reads key/value pairs until ">>". A repeated key keeps its first
// position and takes the last value.
func (p *objectParser) parseDict() (raw.Object, error) {
	d := raw.Dict()
	for {
		tok, err := p.tok.Peek()
		if err != nil || closesObject(tok) {
			if rerr := p.recover(pdferr.Structure(pdferr.ErrInvalidDictionary, p.tok.Offset(), "dictionary not terminated (missing >>)")); rerr != nil {
				return nil, rerr
			}
			return d, nil
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == ">>" {
			_, _ = p.tok.Next()
			return d, nil
		}
		if tok.Type != scanner.TokenName {
			if rerr := p.recover(pdferr.Structure(pdferr.ErrInvalidDictionary, tok.Pos, "expected name key, got %s", tok.Type)); rerr != nil {
				return nil, rerr
			}
			// Drop the stray value; parse consumes at least one token.
			_, _ = p.parse()
			continue
		}
		if p.maxDict > 0 && d.Len() >= p.maxDict && !d.Has(tok.Str) {
			return nil, pdferr.Structure(pdferr.ErrBufferTooLarge, tok.Pos, "dictionary exceeds %d entries", p.maxDict)
		}
		_, _ = p.tok.Next()
		val, err := p.tok.Peek()
		if err != nil || closesObject(val) || (val.Type == scanner.TokenKeyword && val.Str == ">>") {
			if rerr := p.recover(pdferr.Structure(pdferr.ErrInvalidDictionary, p.tok.Offset(), "key /%s has no value", tok.Str)); rerr != nil {
				return nil, rerr
			}
			d.Set(tok.Str, raw.NullObj{})
			continue
		}
		v, err := p.parse()
		if err != nil {
			return nil, err
		}
		d.Set(tok.Str, v)
	}
}

// closesObject reports tokens that can only follow a complete object.
func closesObject(tok scanner.Token) bool {
	if tok.Type == scanner.TokenStream {
		return true
	}
	return tok.Type == scanner.TokenKeyword && (tok.Str == "endobj" || tok.Str == "obj" || tok.Str == "endstream")
}

func (p *objectParser) recover(err error) error {
	if p.rec == nil {
		return err
	}
	loc := recovery.Location{ObjectNum: p.ref.Num, ObjectGen: p.ref.Gen, Component: "parser"}
	var se *pdferr.StructureError
	if errors.As(err, &se) {
		loc.ByteOffset = se.Offset
	}
	switch p.rec.OnError(p.ctx, err, loc) {
	case recovery.ActionFix, recovery.ActionSkip, recovery.ActionWarn:
		return nil
	default:
		return err
	}
}

func eofError(err error, off int64) error {
	if errors.Is(err, io.EOF) {
		return pdferr.Structure(pdferr.ErrUnexpectedEOF, off, "input ends inside an object")
	}
	return err
}

// Reader parses objects at byte offsets without cross-reference information:
// an indirect /Length falls back to scanning for endstream. It satisfies
// xref.ObjectReader.
type Reader struct {
	r   io.ReaderAt
	cfg Config
}

func NewReader(r io.ReaderAt, cfg Config) *Reader { return &Reader{r: r, cfg: cfg} }

func (rd *Reader) newScanner(r io.ReaderAt) scanner.Scanner {
	l := rd.cfg.Limits
	return scanner.New(r, scanner.Config{
		MaxStringLength: l.MaxStringLength,
		MaxArrayDepth:   l.MaxIndirectDepth,
		MaxDictDepth:    l.MaxIndirectDepth,
		MaxStreamLength: l.MaxStreamLength,
		Recovery:        rd.cfg.Recovery,
	})
}

func (rd *Reader) newObjectParser(ctx context.Context, tz *Tokenizer, ref raw.ObjectRef) *objectParser {
	return &objectParser{
		ctx:      ctx,
		tok:      tz,
		rec:      rd.cfg.Recovery,
		ref:      ref,
		maxArray: rd.cfg.Limits.MaxArraySize,
		maxDict:  rd.cfg.Limits.MaxDictSize,
	}
}

func (rd *Reader) IndirectAt(ctx context.Context, off int64) (raw.ObjectRef, raw.Object, error) {
	ind, err := rd.readIndirect(ctx, off, nil)
	if err != nil {
		return raw.ObjectRef{}, nil, err
	}
	return ind.ref, ind.obj, nil
}

func (rd *Reader) DirectAt(ctx context.Context, off int64) (raw.Object, error) {
	return rd.directIn(ctx, rd.r, off, raw.ObjectRef{})
}

func (rd *Reader) directIn(ctx context.Context, r io.ReaderAt, off int64, ref raw.ObjectRef) (raw.Object, error) {
	s := rd.newScanner(r)
	if err := s.SeekTo(off); err != nil {
		return nil, err
	}
	p := rd.newObjectParser(ctx, NewTokenizer(s), ref)
	return p.parse()
}

// indirect is one parsed "N G obj" construct.
type indirect struct {
	ref raw.ObjectRef
	obj raw.Object
	// lengthNote explains why the stream boundary came from an endstream
	// scan rather than /Length. Empty when /Length was honoured.
	lengthNote string
}

// lengthFunc resolves an indirect /Length value.
type lengthFunc func(v raw.Object) (int64, bool)

func (rd *Reader) readIndirect(ctx context.Context, off int64, length lengthFunc) (*indirect, error) {
	s := rd.newScanner(rd.r)
	if err := s.SeekTo(off); err != nil {
		return nil, err
	}
	tz := NewTokenizer(s)
	num, err := tz.Expect(scanner.TokenNumber, "")
	if err != nil {
		return nil, eofError(err, off)
	}
	gen, err := tz.Expect(scanner.TokenNumber, "")
	if err != nil {
		return nil, eofError(err, off)
	}
	if _, err := tz.Expect(scanner.TokenKeyword, "obj"); err != nil {
		return nil, eofError(err, off)
	}
	if !num.IsInt || !gen.IsInt || num.Int < 0 || gen.Int < 0 {
		return nil, pdferr.Structure(pdferr.ErrInvalidDictionary, off, "malformed object header")
	}
	ref := raw.ObjectRef{Num: int(num.Int), Gen: int(gen.Int)}
	if ls, ok := s.(interface{ SetRecoveryLocation(recovery.Location) }); ok {
		ls.SetRecoveryLocation(recovery.Location{ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: "parser"})
	}

	p := rd.newObjectParser(ctx, tz, ref)
	obj, err := p.parse()
	if err != nil {
		return nil, err
	}
	ind := &indirect{ref: ref, obj: obj}

	if dict, ok := obj.(*raw.DictObj); ok {
		declared, note := streamLength(dict, length)
		tz.SetStreamLength(declared)
		next, err := tz.Peek()
		if err == nil && next.Type == scanner.TokenStream {
			_, _ = tz.Next()
			ind.obj = &raw.StreamObj{Dict: dict, Data: next.Bytes, DeclaredLength: declared}
			if next.LengthMismatch {
				note = "data does not end at /Length; bounded by endstream keyword"
			}
			ind.lengthNote = note
		} else {
			tz.SetStreamLength(-1)
		}
	}

	next, err := tz.Peek()
	if err != nil || next.Type != scanner.TokenKeyword || next.Str != "endobj" {
		missing := pdferr.Structure(pdferr.ErrUnexpectedEOF, tz.Offset(), "object %s has no endobj", ref)
		if rerr := p.recover(missing); rerr != nil {
			return nil, rerr
		}
	}
	return ind, nil
}

// streamLength returns the declared /Length, or -1 with a note when it is
// missing or cannot be resolved.
func streamLength(dict *raw.DictObj, length lengthFunc) (int64, string) {
	v, ok := dict.Get("Length")
	if !ok {
		return -1, "no /Length; bounded by endstream keyword"
	}
	switch l := v.(type) {
	case raw.NumberObj:
		if l.IsInt && l.Int() >= 0 {
			return l.Int(), ""
		}
	case raw.RefObj:
		if length != nil {
			if n, ok := length(l); ok && n >= 0 {
				return n, ""
			}
		}
		return -1, "indirect /Length " + l.R.String() + " unresolvable; bounded by endstream keyword"
	}
	return -1, "invalid /Length; bounded by endstream keyword"
}
