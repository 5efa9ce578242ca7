package validator

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"

	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/fonts"
	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/scripting"
)

// ScanDocument inspects the parsed object graph: stream payloads, hidden
// stream data, dangling references, scripts and embedded font timestamps.
// Decoding uses cached results when present and never stores new ones.
func (v *Validator) ScanDocument(ctx context.Context, doc *raw.Document) ([]forensic.Finding, error) {
	var out []forensic.Finding
	out = append(out, v.danglingRefs(doc)...)
	for _, ref := range doc.Refs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj := doc.Objects[ref]
		if st, ok := obj.(*raw.StreamObj); ok {
			out = append(out, v.scanStream(ctx, ref, st)...)
		}
		out = append(out, v.scanActions(ctx, doc, ref, obj)...)
	}
	if root := doc.Root(); root != nil {
		for _, key := range []string{"OpenAction", "AA"} {
			if root.Has(key) {
				out = append(out, forensic.On(forensic.SeverityMedium, forensic.CategoryScript, rootRef(doc),
					"catalog carries /%s", key))
			}
		}
		if names, ok := doc.ResolveDict(getOr(root, "Names")); ok && names.Has("JavaScript") {
			out = append(out, forensic.On(forensic.SeverityHigh, forensic.CategoryScript, rootRef(doc),
				"document-level /JavaScript name tree"))
		}
	}
	return out, nil
}

// Decode returns the decoded payload of st, using a cached result when the
// stream has one.
func Decode(ctx context.Context, p *filters.Pipeline, st *raw.StreamObj) ([]byte, error) {
	if data, err, ok := st.Decoded(); ok {
		return data, err
	}
	names, params := filters.ExtractFilters(st.Dict)
	if len(names) == 0 {
		return st.Data, nil
	}
	return p.Decode(ctx, st.Data, names, params)
}

// PostTerminator returns how many raw bytes of st follow the end marker of
// its outermost codec, ignoring trailing whitespace.
func PostTerminator(p *filters.Pipeline, st *raw.StreamObj) (end, extra int) {
	n, ok := filters.StreamExtent(p, st)
	if !ok || n >= len(st.Data) {
		return 0, 0
	}
	rest := bytes.TrimRight(st.Data[n:], "\x00\t\n\f\r ")
	return n, len(rest)
}

func (v *Validator) scanStream(ctx context.Context, ref raw.ObjectRef, st *raw.StreamObj) []forensic.Finding {
	var out []forensic.Finding
	if st.DeclaredLength >= 0 && int64(len(st.Data)) > st.DeclaredLength {
		f := forensic.On(forensic.SeverityHigh, forensic.CategoryHiddenData, ref,
			"%d bytes beyond /Length %d", int64(len(st.Data))-st.DeclaredLength, st.DeclaredLength)
		f.Heuristic = forensic.HeuristicDeclaredLength
		out = append(out, f)
	}
	if end, extra := PostTerminator(v.cfg.Filters, st); extra > 0 {
		names, _ := filters.ExtractFilters(st.Dict)
		f := forensic.On(forensic.SeverityHigh, forensic.CategoryHiddenData, ref,
			"%d bytes after the %s end of data at byte %d", extra, names[0], end)
		f.Heuristic = forensic.HeuristicPostTerminator
		out = append(out, f)
	}

	data, err := Decode(ctx, v.cfg.Filters, st)
	if err != nil {
		if filters.IsUnsupported(err) {
			return out
		}
		out = append(out, forensic.On(forensic.SeverityMedium, forensic.CategoryStreamDecode, ref,
			"stream does not decode: %v", err))
		if len(data) == 0 {
			return out
		}
	}

	for _, hit := range v.payload.FindAll(data) {
		out = append(out, forensic.On(forensic.SeverityHigh, forensic.CategorySignature, ref,
			"signature %q in stream payload at byte %d", v.payload.Pattern(hit.Pattern), hit.Offset))
	}
	if scripts, frames := countActiveElements(data); scripts+frames > 0 {
		out = append(out, forensic.On(forensic.SeverityHigh, forensic.CategoryScript, ref,
			"stream payload embeds %d <script> and %d <iframe> elements", scripts, frames))
	}
	if fonts.IsSFNT(data) {
		if ts, err := fonts.InspectTimestamps(data); err == nil && !ts.IsZero() {
			out = append(out, forensic.On(forensic.SeverityLow, forensic.CategoryFont, ref,
				"embedded font timestamps: created %s, modified %s",
				ts.CreatedTime().Format("2006-01-02"), ts.ModifiedTime().Format("2006-01-02")))
		}
	}
	return out
}

// scanActions classifies JavaScript and flags launch actions held anywhere in
// obj. Nested objects are walked without following references.
func (v *Validator) scanActions(ctx context.Context, doc *raw.Document, ref raw.ObjectRef, obj raw.Object) []forensic.Finding {
	var out []forensic.Finding
	raw.Walk(obj, func(o raw.Object) bool {
		var d *raw.DictObj
		switch t := o.(type) {
		case *raw.DictObj:
			d = t
		case *raw.StreamObj:
			d = t.Dict
		default:
			return true
		}
		if s, ok := d.GetName("S"); ok && s == "Launch" {
			out = append(out, forensic.On(forensic.SeverityHigh, forensic.CategoryScript, ref, "launch action"))
		}
		js, ok := d.Get("JS")
		if !ok {
			return true
		}
		out = append(out, v.classify(ctx, doc, ref, js))
		return true
	})
	return out
}

func (v *Validator) classify(ctx context.Context, doc *raw.Document, ref raw.ObjectRef, js raw.Object) forensic.Finding {
	var src []byte
	switch t := doc.Resolve(js).(type) {
	case raw.StringObj:
		src = t.Bytes
	case *raw.StreamObj:
		data, err := Decode(ctx, v.cfg.Filters, t)
		if err != nil {
			return forensic.On(forensic.SeverityHigh, forensic.CategoryScript, ref,
				"JavaScript stream does not decode: %v", err)
		}
		src = data
	}
	a := v.cfg.Scripts.Inspect(ctx, src)
	switch a.Verdict {
	case scripting.VerdictValid:
		desc := "JavaScript action with %d statements"
		if len(a.Sensitive) > 0 {
			return forensic.On(forensic.SeverityCritical, forensic.CategoryScript, ref,
				desc+" using %s", a.Statements, strings.Join(a.Sensitive, ", "))
		}
		return forensic.On(forensic.SeverityHigh, forensic.CategoryScript, ref, desc, a.Statements)
	case scripting.VerdictInvalid:
		return forensic.On(forensic.SeverityMedium, forensic.CategoryScript, ref,
			"JavaScript action does not parse: %v", a.Err)
	default:
		return forensic.On(forensic.SeverityLow, forensic.CategoryScript, ref, "empty JavaScript action")
	}
}

// danglingRefs reports references, from objects and the trailer, to objects
// the document does not hold.
func (v *Validator) danglingRefs(doc *raw.Document) []forensic.Finding {
	var out []forensic.Finding
	check := func(holder raw.ObjectRef, obj raw.Object, sev forensic.Severity) {
		seen := make(map[raw.ObjectRef]bool)
		raw.Walk(obj, func(o raw.Object) bool {
			r, ok := o.(raw.RefObj)
			if !ok || seen[r.R] {
				return true
			}
			seen[r.R] = true
			if _, found := doc.Objects[r.R]; !found {
				out = append(out, forensic.On(sev, forensic.CategoryStructure, holder,
					"reference to missing object %s", r.R))
			}
			return true
		})
	}
	if doc.Trailer != nil {
		check(raw.ObjectRef{}, doc.Trailer, forensic.SeverityHigh)
	}
	for _, ref := range doc.Refs() {
		check(ref, doc.Objects[ref], forensic.SeverityLow)
	}
	return out
}

// countActiveElements counts script and iframe start tags in payloads that
// look like markup.
func countActiveElements(data []byte) (scripts, frames int) {
	if !looksLikeMarkup(data) {
		return 0, 0
	}
	z := html.NewTokenizer(bytes.NewReader(data))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return scripts, frames
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script":
				scripts++
			case "iframe":
				frames++
			}
		}
	}
}

var markupHints = NewMatcher([]byte("<html"), []byte("<script"), []byte("<iframe"), []byte("<!doctype html"))

func looksLikeMarkup(data []byte) bool {
	return markupHints.Contains(data)
}

func rootRef(doc *raw.Document) raw.ObjectRef {
	if doc.Trailer == nil {
		return raw.ObjectRef{}
	}
	if r, ok := getOr(doc.Trailer, "Root").(raw.RefObj); ok {
		return r.R
	}
	return raw.ObjectRef{}
}

func getOr(d *raw.DictObj, key string) raw.Object {
	v, ok := d.Get(key)
	if !ok {
		return raw.NullObj{}
	}
	return v
}
