// Package cleaner removes forensic traces from a parsed document in place
// and reports every modification it makes.
package cleaner

import (
	"context"
	"fmt"

	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/validator"
)

type Config struct {
	Policy  Policy
	Filters *filters.Pipeline
	Logger  observability.Logger
}

// Cleaner applies a Policy. It holds no per-document state between calls.
type Cleaner struct {
	policy  Policy
	filters *filters.Pipeline
	logger  observability.Logger
	scripts *validator.Matcher
}

func New(cfg Config) *Cleaner {
	if cfg.Filters == nil {
		cfg.Filters = filters.NewPipeline(nil, filters.Limits{})
	}
	return &Cleaner{
		policy:  cfg.Policy,
		filters: cfg.Filters,
		logger:  observability.OrNop(cfg.Logger),
		scripts: validator.NewMatcher(cfg.Policy.signatures()...),
	}
}

// pass is the state of one Clean call.
type pass struct {
	*Cleaner
	ctx     context.Context
	doc     *raw.Document
	cleaned []forensic.CleanedItem
}

func (p *pass) record(itemType, location, action string, before, after int) {
	p.cleaned = append(p.cleaned, forensic.CleanedItem{
		ItemType:     itemType,
		Location:     location,
		Action:       action,
		OriginalSize: before,
		NewSize:      after,
	})
}

// Clean mutates doc according to the policy and returns a report of the
// given findings and every action taken. Running Clean on its own output
// records nothing.
func (c *Cleaner) Clean(ctx context.Context, doc *raw.Document, findings []forensic.Finding) (*forensic.Report, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("clean: document has no catalog")
	}
	p := &pass{Cleaner: c, ctx: ctx, doc: doc}
	pol := c.policy

	if pol.Metadata {
		p.cleanInfo()
	}
	p.cleanCatalog()
	p.cleanObjects()
	if err := p.cleanStreams(); err != nil {
		return nil, err
	}
	if pol.Structure {
		p.nullDangling()
	}
	if pol.PruneOrphans {
		p.prune()
	}
	if pol.RegenerateID {
		p.regenerateID()
	}

	c.logger.Info("document cleaned",
		observability.Int("findings", len(findings)),
		observability.Int("cleaned", len(p.cleaned)),
		observability.Int("objects", len(doc.Objects)))
	return forensic.NewReport(findings, p.cleaned), nil
}

// cleanInfo removes every Info entry and then the Info dictionary itself.
func (p *pass) cleanInfo() {
	info := p.doc.Info()
	if info == nil {
		if p.doc.Trailer.Delete("Info") {
			p.record("metadata", "trailer /Info", "removed", 0, 0)
		}
		return
	}
	for _, key := range info.Keys() {
		v, _ := info.Get(key)
		kind := "custom-key"
		if metadataKeys[key] {
			kind = "metadata"
		}
		info.Delete(key)
		p.record(kind, "Info /"+key, "removed", size(p.doc.Resolve(v)), 0)
	}
	p.doc.Trailer.Delete("Info")
	p.record("metadata", "trailer /Info", "removed", 0, 0)
}

func (p *pass) cleanCatalog() {
	root := p.doc.Root()
	pol := p.policy
	drop := func(kind, key string) {
		if v, ok := root.Get(key); ok {
			root.Delete(key)
			p.record(kind, "Catalog /"+key, "removed", size(p.doc.Resolve(v)), 0)
		}
	}
	if pol.Automation {
		drop("automation", "OpenAction")
		drop("automation", "AA")
		if names, ok := p.doc.ResolveDict(getOr(root, "Names")); ok && names.Delete("JavaScript") {
			p.record("automation", "Catalog /Names /JavaScript", "removed", 0, 0)
		}
	}
	if pol.Extensions {
		drop("extension", "Metadata")
		drop("extension", "PieceInfo")
		drop("extension", "MarkInfo")
	}
	if pol.Metadata {
		drop("metadata", "Lang")
	}
	if pol.CustomKeys {
		for _, key := range root.Keys() {
			if !catalogKeys[key] {
				drop("custom-key", key)
			}
		}
	}
}

// cleanObjects walks every object, nested dictionaries and arrays included.
func (p *pass) cleanObjects() {
	for _, ref := range p.doc.Refs() {
		obj := p.doc.Objects[ref]
		switch v := obj.(type) {
		case *raw.StreamObj:
			p.cleanDict(ref.String(), v.Dict)
		case raw.StringObj:
			p.clearScriptString(ref.String(), v, func(o raw.Object) { p.doc.Objects[ref] = o })
		default:
			p.cleanValue(ref.String(), obj)
		}
	}
}

func (p *pass) cleanValue(loc string, obj raw.Object) {
	switch v := obj.(type) {
	case *raw.DictObj:
		p.cleanDict(loc, v)
	case *raw.ArrayObj:
		for i, it := range v.Items {
			at := fmt.Sprintf("%s[%d]", loc, i)
			if p.policy.Automation && p.isAction(it) {
				v.Items[i] = raw.NullObj{}
				p.record("action", at, "removed", 0, 0)
				continue
			}
			if p.clearScriptString(at, it, func(o raw.Object) { v.Items[i] = o }) {
				continue
			}
			p.cleanValue(at, it)
		}
	}
}

func (p *pass) cleanDict(loc string, d *raw.DictObj) {
	pol := p.policy
	for _, key := range d.Keys() {
		v, _ := d.Get(key)
		at := loc + " /" + key
		remove := ""
		switch {
		case pol.CustomKeys && privateKey(key):
			remove = "custom-key"
		case pol.Automation && (key == "AA" || key == "JS" || key == "JavaScript"):
			remove = "automation"
		case pol.Extensions && (key == "Metadata" || key == "PieceInfo"):
			remove = "extension"
		case pol.Automation && p.isAction(v):
			remove = "action"
		}
		if remove != "" {
			d.Delete(key)
			p.record(remove, at, "removed", size(p.doc.Resolve(v)), 0)
			continue
		}
		if p.clearScriptString(at, v, func(o raw.Object) { d.Set(key, o) }) {
			continue
		}
		p.cleanValue(at, v)
	}
}

// isAction reports whether obj resolves to a JavaScript or Launch action.
func (p *pass) isAction(obj raw.Object) bool {
	d, ok := p.doc.ResolveDict(obj)
	if !ok {
		return false
	}
	s, _ := d.GetName("S")
	return s == "JavaScript" || s == "Launch"
}

// clearScriptString empties a direct string carrying a script signature.
func (p *pass) clearScriptString(loc string, obj raw.Object, set func(raw.Object)) bool {
	s, ok := obj.(raw.StringObj)
	if !ok || !p.policy.ScriptStreams || !p.scripts.Contains(s.Bytes) {
		return false
	}
	set(raw.StringObj{Hex: s.Hex})
	p.record("script", loc, "cleared", len(s.Bytes), 0)
	return true
}

func size(obj raw.Object) int {
	switch v := obj.(type) {
	case raw.StringObj:
		return len(v.Bytes)
	case *raw.StreamObj:
		return len(v.Data)
	}
	return 0
}

func getOr(d *raw.DictObj, key string) raw.Object {
	v, ok := d.Get(key)
	if !ok {
		return raw.NullObj{}
	}
	return v
}
