package parser

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/pdferr"
	"github.com/wudi/pdfscrub/security"
	"github.com/wudi/pdfscrub/xref"
)

type mapCache struct {
	m map[raw.ObjectRef]raw.Object
}

func (c *mapCache) Get(ref raw.ObjectRef) (raw.Object, bool) {
	if c.m == nil {
		return nil, false
	}
	v, ok := c.m[ref]
	return v, ok
}

func (c *mapCache) Put(ref raw.ObjectRef, obj raw.Object) {
	if c.m == nil {
		c.m = make(map[raw.ObjectRef]raw.Object)
	}
	c.m[ref] = obj
}

func newTestLoader(t *testing.T, data []byte, cache Cache, limits security.Limits) ObjectLoader {
	t.Helper()
	reader := bytes.NewReader(data)
	table, err := xref.NewResolver(xref.ResolverConfig{}).Resolve(context.Background(), reader, NewReader(reader, Config{}))
	if err != nil {
		t.Fatalf("resolve xref: %v", err)
	}
	loader, err := (&ObjectLoaderBuilder{}).
		WithReader(reader).
		WithXRef(table).
		WithCache(cache).
		WithLimits(limits).
		Build()
	if err != nil {
		t.Fatalf("build loader: %v", err)
	}
	return loader
}

func TestObjectLoaderCachesObjects(t *testing.T) {
	cache := &mapCache{}
	loader := newTestLoader(t, buildClassicPDF(), cache, security.Limits{})

	// First load should parse and cache.
	if _, err := loader.Load(context.Background(), raw.ObjectRef{Num: 1, Gen: 0}); err != nil {
		t.Fatalf("load object: %v", err)
	}

	if _, ok := cache.Get(raw.ObjectRef{Num: 1, Gen: 0}); !ok {
		t.Fatalf("expected object cached after load")
	}
}

func TestObjectLoaderMissingObject(t *testing.T) {
	loader := newTestLoader(t, buildClassicPDF(), nil, security.Limits{})

	_, err := loader.Load(context.Background(), raw.ObjectRef{Num: 9})
	var missing *pdferr.MissingObjectError
	if !errors.As(err, &missing) || missing.ID.Num != 9 {
		t.Fatalf("expected missing object error, got %v", err)
	}

	// A generation that the table does not carry is missing too.
	if _, err := loader.Load(context.Background(), raw.ObjectRef{Num: 1, Gen: 3}); !errors.As(err, &missing) {
		t.Fatalf("expected missing object error for wrong generation, got %v", err)
	}
}

func TestObjectLoaderBoundsSelfReferentialLength(t *testing.T) {
	data := buildPDFWithObjects(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Count 0 >>",
		"<< /Length 3 0 R >>\nstream\nabc\nendstream",
	)
	loader := newTestLoader(t, data, nil, security.Limits{MaxIndirectDepth: 4})

	obj, err := loader.Load(context.Background(), raw.ObjectRef{Num: 3})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	st, ok := obj.(*raw.StreamObj)
	if !ok || string(st.Data) != "abc" {
		t.Fatalf("expected endstream-bounded data, got %#v", obj)
	}
	var found bool
	for _, f := range loader.Findings() {
		if f.Category == forensic.CategoryStreamLength && strings.Contains(f.Description, "unresolvable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unresolvable length finding, got %v", loader.Findings())
	}
}

func TestObjectLoaderRequiresReaderAndTable(t *testing.T) {
	if _, err := (&ObjectLoaderBuilder{}).Build(); err == nil {
		t.Fatalf("expected error without reader and table")
	}
}

func TestObjectLoaderEnforcesElementLimits(t *testing.T) {
	data := buildPDFWithObjects(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Count 0 >>",
		"[1 2 3 4 5]",
		"<< /A 1 /B 2 /A 3 >>",
	)
	loader := newTestLoader(t, data, nil, security.Limits{MaxArraySize: 4, MaxDictSize: 2})

	if _, err := loader.Load(context.Background(), raw.ObjectRef{Num: 3}); !errors.Is(err, pdferr.ErrBufferTooLarge) {
		t.Fatalf("expected array limit error, got %v", err)
	}
	// A repeated key does not count twice.
	obj, err := loader.Load(context.Background(), raw.ObjectRef{Num: 4})
	if err != nil {
		t.Fatalf("load dict: %v", err)
	}
	if v, _ := obj.(*raw.DictObj).GetInt("A"); v != 3 {
		t.Fatalf("expected /A 3, got %d", v)
	}
}
