// Package parser turns PDF bytes into a raw.Document: a tokenizer with one
// token of lookahead, a recursive-descent object parser, an object loader
// that follows the cross-reference table, and the DocumentParser that ties
// them to the xref resolver and the security handler.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/recovery"
	"github.com/wudi/pdfscrub/security"
	"github.com/wudi/pdfscrub/xref"
)

// Config controls high-level PDF parsing (xref resolution + object loading).
type Config struct {
	Recovery recovery.Strategy
	XRef     xref.ResolverConfig
	Security security.Handler
	Limits   security.Limits
	Cache    Cache
	Password string
	Filters  *filters.Pipeline
	Logger   observability.Logger
}

// DocumentParser builds a raw.Document using xref tables/streams and the object loader.
type DocumentParser struct {
	cfg      Config
	findings []forensic.Finding
}

func NewDocumentParser(cfg Config) *DocumentParser {
	if cfg.Limits == (security.Limits{}) {
		cfg.Limits = security.DefaultLimits()
	}
	if cfg.Filters == nil {
		cfg.Filters = filters.NewPipeline(nil, filters.Limits{
			MaxDecompressedSize: cfg.Limits.MaxDecompressedSize,
			MaxDecodeTime:       cfg.Limits.MaxDecodeTime,
		})
	}
	if cfg.XRef.Filters == nil {
		cfg.XRef.Filters = cfg.Filters
	}
	if cfg.XRef.MaxXRefDepth == 0 {
		cfg.XRef.MaxXRefDepth = cfg.Limits.MaxXRefDepth
	}
	cfg.Logger = observability.OrNop(cfg.Logger)
	return &DocumentParser{cfg: cfg}
}

// SetPassword updates the password for decryption when parsing encrypted PDFs.
func (p *DocumentParser) SetPassword(pwd string) {
	p.cfg.Password = pwd
}

// Findings returns what the last Parse observed: xref damage, stream length
// mismatches, unreadable objects and recovered syntax errors.
func (p *DocumentParser) Findings() []forensic.Finding {
	return append([]forensic.Finding(nil), p.findings...)
}

// Parse loads every object the cross-reference table names. Object streams
// and xref streams are consumed, not stored. A source /Encrypt dictionary is
// used to decrypt and then dropped from the trailer.
func (p *DocumentParser) Parse(ctx context.Context, r io.ReaderAt) (*raw.Document, error) {
	p.findings = nil
	if d := p.cfg.Limits.MaxParseTime; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	rec := p.cfg.Recovery
	lenient, collecting := rec.(*recovery.LenientStrategy)
	if rec == nil {
		lenient = recovery.NewLenientStrategy()
		rec, collecting = lenient, true
	}

	xcfg := p.cfg.XRef
	xcfg.Recovery = rec
	if xcfg.MaxXRefDepth == 0 {
		xcfg.MaxXRefDepth = p.cfg.Limits.MaxXRefDepth
	}
	reader := NewReader(r, Config{Limits: p.cfg.Limits, Recovery: rec})
	table, err := xref.NewResolver(xcfg).Resolve(ctx, r, reader)
	if err != nil {
		return nil, fmt.Errorf("resolve xref: %w", err)
	}
	p.findings = append(p.findings, table.Findings...)
	if table.Linearized {
		p.findings = append(p.findings, forensic.At(forensic.SeverityInfo, forensic.CategoryXRef, -1,
			"file is linearized; hint tables are not carried over"))
	}

	encRef, sec, err := p.selectSecurity(ctx, r, table, rec)
	if err != nil {
		return nil, fmt.Errorf("security setup: %w", err)
	}

	builder := (&ObjectLoaderBuilder{}).
		WithReader(r).
		WithXRef(table).
		WithSecurity(sec).
		WithLimits(p.cfg.Limits).
		WithCache(p.cfg.Cache).
		WithRecovery(rec).
		WithFilters(p.cfg.Filters)
	if encRef != nil {
		builder.WithPlaintext(*encRef)
	}
	loader, err := builder.Build()
	if err != nil {
		return nil, err
	}

	doc := raw.NewDocument(detectHeaderVersion(r))
	doc.Trailer = table.Trailer
	doc.Revisions = table.Sections
	doc.Repaired = table.Repaired
	doc.Encrypted = sec.IsEncrypted()

	for _, num := range table.Objects() {
		e, _ := table.Lookup(num)
		ref := raw.ObjectRef{Num: num, Gen: e.Gen}
		if e.Type == raw.XRefCompressed {
			ref.Gen = 0
		}
		if encRef != nil && ref == *encRef {
			continue
		}
		if num > raw.MaxObjectNumber {
			p.findings = append(p.findings, forensic.On(forensic.SeverityMedium, forensic.CategoryXRef, ref,
				"object number exceeds %d, object dropped", raw.MaxObjectNumber))
			continue
		}
		obj, err := loader.Load(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if rec.OnError(ctx, err, recovery.Location{ByteOffset: e.Offset, ObjectNum: ref.Num, ObjectGen: ref.Gen, Component: "document"}) == recovery.ActionFail {
				return nil, fmt.Errorf("load object %d: %w", num, err)
			}
			p.findings = append(p.findings, forensic.On(forensic.SeverityLow, forensic.CategoryStructure, ref,
				"object unreadable, treated as missing: %v", err))
			p.cfg.Logger.Debug("object unreadable", observability.Int("object", num), observability.Error("error", err))
			continue
		}
		if isContainer(obj) {
			continue
		}
		doc.Objects[ref] = obj
		doc.XRef[num] = e
	}
	if collecting {
		p.findings = append(p.findings, recoveredSyntax(lenient.Drain())...)
	}

	if encRef != nil || doc.Encrypted {
		doc.Trailer.Delete("Encrypt")
	}
	if doc.Root() == nil {
		return nil, pdferr.Structure(pdferr.ErrInvalidTrailer, -1, "trailer /Root does not resolve to a dictionary")
	}
	p.findings = append(p.findings, loader.Findings()...)
	p.cfg.Logger.Debug("document parsed",
		observability.Int("objects", len(doc.Objects)),
		observability.Int("revisions", doc.Revisions),
		observability.Int("findings", len(p.findings)))
	return doc, nil
}

// recoveredSyntax turns syntax errors the parser and scanner recovered from
// into findings. Failures of whole objects and of the xref walk are reported
// elsewhere.
func recoveredSyntax(events []recovery.Event) []forensic.Finding {
	type key struct {
		off int64
		msg string
	}
	seen := make(map[key]bool)
	var out []forensic.Finding
	for _, ev := range events {
		c := ev.Location.Component
		if !strings.HasPrefix(c, "parser") && !strings.HasPrefix(c, "scanner") {
			continue
		}
		k := key{ev.Location.ByteOffset, ev.Err.Error()}
		if seen[k] {
			continue
		}
		seen[k] = true
		f := forensic.At(forensic.SeverityLow, forensic.CategoryStructure, ev.Location.ByteOffset, "recovered: %v", ev.Err)
		if ev.Location.ObjectNum > 0 {
			f.Object = raw.ObjectRef{Num: ev.Location.ObjectNum, Gen: ev.Location.ObjectGen}
		}
		out = append(out, f)
	}
	return out
}

func isContainer(obj raw.Object) bool {
	st, ok := obj.(*raw.StreamObj)
	if !ok {
		return false
	}
	typ, _ := st.Dict.GetName("Type")
	return typ == "ObjStm" || typ == "XRef"
}

// selectSecurity returns the handler for the source encryption, if any, and
// the reference of the encryption dictionary when it is indirect.
func (p *DocumentParser) selectSecurity(ctx context.Context, r io.ReaderAt, table *xref.Table, rec recovery.Strategy) (*raw.ObjectRef, security.Handler, error) {
	if p.cfg.Security != nil {
		return nil, p.cfg.Security, nil
	}
	encObj, ok := table.Trailer.Get("Encrypt")
	if !ok {
		return nil, security.NoopHandler(), nil
	}
	var encRef *raw.ObjectRef
	var encDict *raw.DictObj
	switch v := encObj.(type) {
	case *raw.DictObj:
		encDict = v
	case raw.RefObj:
		ref := v.R
		encRef = &ref
		loader, err := (&ObjectLoaderBuilder{}).
			WithReader(r).
			WithXRef(table).
			WithLimits(p.cfg.Limits).
			WithRecovery(rec).
			WithFilters(p.cfg.Filters).
			Build()
		if err != nil {
			return nil, nil, err
		}
		obj, err := loader.Load(ctx, v.R)
		if err == nil {
			encDict, _ = obj.(*raw.DictObj)
		}
	}
	if encDict == nil {
		return nil, nil, &pdferr.EncryptionError{Detail: "/Encrypt does not resolve to a dictionary", Err: pdferr.ErrUnsupportedEncryption}
	}
	handler, err := (&security.HandlerBuilder{}).
		WithEncryptDict(encDict).
		WithTrailer(table.Trailer).
		WithFileID(fileIDFromTrailer(table.Trailer)).
		Build()
	if err != nil {
		return nil, nil, err
	}
	if err := handler.Authenticate(p.cfg.Password); err != nil {
		return nil, nil, err
	}
	return encRef, handler, nil
}

func fileIDFromTrailer(trailer *raw.DictObj) []byte {
	idObj, ok := trailer.Get("ID")
	if !ok {
		return nil
	}
	if arr, ok := idObj.(*raw.ArrayObj); ok && arr.Len() > 0 {
		if s, ok := arr.Items[0].(raw.StringObj); ok {
			return s.Value()
		}
	}
	return nil
}

// detectHeaderVersion reads the version from the %PDF- header, which may be
// preceded by junk within the first kilobyte.
func detectHeaderVersion(r io.ReaderAt) string {
	buf := make([]byte, 1024)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	buf = buf[:n]
	idx := bytes.Index(buf, []byte("%PDF-"))
	if idx < 0 {
		return ""
	}
	line := string(buf[idx+len("%PDF-"):])
	if end := strings.IndexAny(line, "\r\n \t%"); end >= 0 {
		line = line[:end]
	}
	return strings.TrimSpace(line)
}
