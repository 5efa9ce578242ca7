package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/parser"
	"github.com/wudi/pdfscrub/recovery"
)

// ErrVerification is returned by Verify when the saved output still carries
// a trace or is internally inconsistent.
var ErrVerification = errors.New("output verification failed")

var automationKeys = map[string]bool{"OpenAction": true, "AA": true, "JavaScript": true, "JS": true}

// Verify re-reads the saved output and checks it ends in a single %%EOF,
// carries no Info dates, reaches no automation from the catalog and has no
// dangling references. It does not re-run the validator.
func (p *Pipeline) Verify(ctx context.Context) error {
	if err := p.require("Verify", StateSaved); err != nil {
		return err
	}
	var problems []string
	if bytes.Count(p.output, []byte("%%EOF")) != 1 || !bytes.HasSuffix(bytes.TrimRight(p.output, "\r\n"), []byte("%%EOF")) {
		problems = append(problems, "output does not end in exactly one %%EOF")
	}
	dp := parser.NewDocumentParser(parser.Config{
		Recovery: recovery.NewStrictStrategy(),
		Limits:   p.opts.Limits,
		Password: p.userPassword,
		Filters:  p.filters,
	})
	doc, err := dp.Parse(ctx, bytes.NewReader(p.output))
	if err != nil {
		return fmt.Errorf("%w: reparse: %v", ErrVerification, err)
	}
	if info := doc.Info(); info != nil {
		for k := range dateKeys {
			if info.Has(k) {
				problems = append(problems, "Info carries /"+k)
			}
		}
	}
	problems = append(problems, reachableProblems(doc)...)
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrVerification, strings.Join(problems, "; "))
	}
	p.state = StateVerified
	p.logger.Info("output verified")
	return nil
}

// reachableProblems walks the graph from the trailer and reports automation
// entries, script actions and references to absent objects.
func reachableProblems(doc *raw.Document) []string {
	var out []string
	seen := make(map[raw.ObjectRef]bool)
	var visit func(where string, obj raw.Object)
	visit = func(where string, obj raw.Object) {
		switch v := obj.(type) {
		case raw.RefObj:
			if seen[v.R] {
				return
			}
			seen[v.R] = true
			target, ok := doc.Get(v.R)
			if !ok {
				out = append(out, fmt.Sprintf("%s references missing object %s", where, v.R))
				return
			}
			visit(v.R.String(), target)
		case *raw.DictObj:
			if s, _ := v.GetName("S"); s == "JavaScript" || s == "Launch" {
				out = append(out, fmt.Sprintf("%s is a %s action", where, s))
			}
			for _, k := range v.Keys() {
				if automationKeys[k] {
					out = append(out, fmt.Sprintf("%s carries /%s", where, k))
				}
				val, _ := v.Get(k)
				visit(where, val)
			}
		case *raw.StreamObj:
			visit(where, v.Dict)
		case *raw.ArrayObj:
			for _, it := range v.Items {
				visit(where, it)
			}
		}
	}
	visit("trailer", doc.Trailer)
	return out
}
