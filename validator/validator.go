// Package validator inspects PDF bytes and parsed documents for forensic
// traces. It only reads: findings describe what the cleaner should remove.
package validator

import (
	"context"
	"io"
	"sort"

	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/scripting"
)

const DefaultBufferSize = 8 * 1024

// DefaultSignatures are searched in the raw file and in decoded stream
// payloads. Matching ignores ASCII case.
func DefaultSignatures() [][]byte {
	return [][]byte{
		[]byte("<script"),
		[]byte("<iframe"),
		[]byte("javascript:"),
		[]byte("eval("),
		[]byte("unescape("),
		[]byte("fromCharCode("),
		[]byte("app.launchURL"),
	}
}

// Config tunes a Validator. Zero values select the defaults.
type Config struct {
	BufferSize       int
	Signatures       [][]byte
	StreamSignatures [][]byte
	Filters          *filters.Pipeline
	Scripts          scripting.Inspector
	Logger           observability.Logger
}

type Validator struct {
	cfg     Config
	file    *Matcher
	payload *Matcher
}

func New(cfg Config) *Validator {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Signatures == nil {
		cfg.Signatures = DefaultSignatures()
	}
	if cfg.StreamSignatures == nil {
		cfg.StreamSignatures = cfg.Signatures
	}
	if cfg.Filters == nil {
		cfg.Filters = filters.NewPipeline(nil, filters.Limits{})
	}
	if cfg.Scripts == nil {
		cfg.Scripts = scripting.NewInspector()
	}
	cfg.Logger = observability.OrNop(cfg.Logger)
	return &Validator{
		cfg:     cfg,
		file:    NewMatcher(cfg.Signatures...),
		payload: NewMatcher(cfg.StreamSignatures...),
	}
}

// Validate runs ScanFile over the source bytes and ScanDocument over the
// parsed document and returns the findings in a stable order.
func (v *Validator) Validate(ctx context.Context, r io.ReaderAt, size int64, doc *raw.Document) ([]forensic.Finding, error) {
	out, err := v.ScanFile(ctx, r, size)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		docFindings, err := v.ScanDocument(ctx, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, docFindings...)
	}
	Sort(out)
	return out, nil
}

// Sort orders findings by severity (highest first), then category, object,
// offset and description.
func Sort(fs []forensic.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Object != b.Object {
			if a.Object.Num != b.Object.Num {
				return a.Object.Num < b.Object.Num
			}
			return a.Object.Gen < b.Object.Gen
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		return a.Description < b.Description
	})
}
