package cleaner

import (
	"fmt"

	"github.com/wudi/pdfscrub/ir/raw"
)

// nullDangling replaces references to absent objects with null. A dangling
// trailer /Info is dropped.
func (p *pass) nullDangling() {
	if r, ok := getOr(p.doc.Trailer, "Info").(raw.RefObj); ok && !p.present(r.R) {
		p.doc.Trailer.Delete("Info")
		p.record("reference", "trailer /Info", "removed", 0, 0)
	}
	for _, ref := range p.doc.Refs() {
		obj := p.doc.Objects[ref]
		if st, ok := obj.(*raw.StreamObj); ok {
			obj = st.Dict
		}
		p.nullRefs(ref.String(), obj)
	}
}

func (p *pass) present(ref raw.ObjectRef) bool {
	_, ok := p.doc.Objects[ref]
	return ok
}

func (p *pass) nullRefs(loc string, obj raw.Object) {
	switch v := obj.(type) {
	case *raw.DictObj:
		for _, key := range v.Keys() {
			val, _ := v.Get(key)
			if r, ok := val.(raw.RefObj); ok && !p.present(r.R) {
				v.Set(key, raw.NullObj{})
				p.record("reference", loc+" /"+key, "nulled", 0, 0)
				continue
			}
			p.nullRefs(loc+" /"+key, val)
		}
	case *raw.ArrayObj:
		for i, it := range v.Items {
			at := fmt.Sprintf("%s[%d]", loc, i)
			if r, ok := it.(raw.RefObj); ok && !p.present(r.R) {
				v.Items[i] = raw.NullObj{}
				p.record("reference", at, "nulled", 0, 0)
				continue
			}
			p.nullRefs(at, it)
		}
	}
}

// Reachable returns the objects reachable from the trailer.
func Reachable(doc *raw.Document) map[raw.ObjectRef]bool {
	seen := make(map[raw.ObjectRef]bool)
	var queue []raw.ObjectRef
	visit := func(obj raw.Object) {
		raw.Walk(obj, func(o raw.Object) bool {
			if r, ok := o.(raw.RefObj); ok && !seen[r.R] {
				if _, exists := doc.Objects[r.R]; exists {
					seen[r.R] = true
					queue = append(queue, r.R)
				}
			}
			return true
		})
	}
	visit(doc.Trailer)
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		visit(doc.Objects[ref])
	}
	return seen
}

func (p *pass) prune() {
	live := Reachable(p.doc)
	for _, ref := range p.doc.Refs() {
		if live[ref] {
			continue
		}
		n := size(p.doc.Objects[ref])
		p.doc.Delete(ref)
		p.record("object", ref.String(), "pruned", n, 0)
	}
}
