// Package forensic holds the result types shared by the validator and the
// cleaner: findings, cleaning actions, derived risks and the report that
// bundles them.
package forensic

import (
	"fmt"
	"sort"

	"github.com/wudi/pdfscrub/ir/raw"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Category is the closed set of finding kinds.
type Category int

const (
	CategoryHeader Category = iota
	CategorySignature
	CategoryHiddenData
	CategoryPostEOF
	CategoryXRef
	CategoryStreamLength
	CategoryStreamDecode
	CategoryScript
	CategoryStructure
	CategoryFont
)

var categoryNames = [...]string{
	CategoryHeader:       "header",
	CategorySignature:    "signature",
	CategoryHiddenData:   "hidden-data",
	CategoryPostEOF:      "post-eof",
	CategoryXRef:         "xref",
	CategoryStreamLength: "stream-length",
	CategoryStreamDecode: "stream-decode",
	CategoryScript:       "script",
	CategoryStructure:    "structure",
	CategoryFont:         "font",
}

func (c Category) String() string {
	if c >= 0 && int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Hidden-data heuristics.
const (
	HeuristicDeclaredLength = "declared-length"
	HeuristicPostTerminator = "post-terminator"
)

// Finding is one observation about the input. Offset is -1 and Object is the
// zero ref when they do not apply.
type Finding struct {
	Severity    Severity
	Category    Category
	Description string
	Offset      int64
	Object      raw.ObjectRef
	Heuristic   string
}

func (f Finding) String() string {
	loc := ""
	switch {
	case !f.Object.IsZero():
		loc = " [obj " + f.Object.String() + "]"
	case f.Offset >= 0:
		loc = fmt.Sprintf(" [offset %d]", f.Offset)
	}
	return fmt.Sprintf("%s/%s: %s%s", f.Severity, f.Category, f.Description, loc)
}

// At builds a finding tied to a byte offset.
func At(sev Severity, cat Category, offset int64, format string, args ...interface{}) Finding {
	return Finding{Severity: sev, Category: cat, Offset: offset, Description: fmt.Sprintf(format, args...)}
}

// On builds a finding tied to an object.
func On(sev Severity, cat Category, ref raw.ObjectRef, format string, args ...interface{}) Finding {
	return Finding{Severity: sev, Category: cat, Offset: -1, Object: ref, Description: fmt.Sprintf(format, args...)}
}

// CleanedItem records one modification made by the cleaner.
type CleanedItem struct {
	ItemType     string
	Location     string
	Action       string
	OriginalSize int
	NewSize      int
}

// Risk summarises the findings of one category.
type Risk struct {
	Type        Category
	Probability float64
	Impact      Severity
	Mitigation  string
}

type Report struct {
	Findings []Finding
	Cleaned  []CleanedItem
	Risks    []Risk
}

// NewReport bundles findings and cleaning actions and derives one risk per
// category that has findings. The result depends only on its inputs.
func NewReport(findings []Finding, cleaned []CleanedItem) *Report {
	return &Report{
		Findings: append([]Finding(nil), findings...),
		Cleaned:  append([]CleanedItem(nil), cleaned...),
		Risks:    deriveRisks(findings, cleaned),
	}
}

var mitigations = map[Category]string{
	CategoryHeader:       "rewrite the header and drop leading bytes",
	CategorySignature:    "remove the script-bearing object or string",
	CategoryHiddenData:   "truncate stream data at its declared or encoded end",
	CategoryPostEOF:      "rewrite the file so it ends at a single %%EOF",
	CategoryXRef:         "rebuild the cross-reference table",
	CategoryStreamLength: "normalise /Length to the captured data",
	CategoryStreamDecode: "empty or re-encode streams that fail to decode",
	CategoryScript:       "remove JavaScript actions and /JS entries",
	CategoryStructure:    "replace dangling references and prune unreachable objects",
	CategoryFont:         "zero embedded font timestamps",
}

func deriveRisks(findings []Finding, cleaned []CleanedItem) []Risk {
	type acc struct {
		count  int
		impact Severity
	}
	byCat := make(map[Category]*acc)
	for _, f := range findings {
		a := byCat[f.Category]
		if a == nil {
			a = &acc{impact: f.Severity}
			byCat[f.Category] = a
		}
		a.count++
		if f.Severity > a.impact {
			a.impact = f.Severity
		}
	}
	risks := make([]Risk, 0, len(byCat))
	for cat, a := range byCat {
		p := float64(a.count+1) / 5
		if p > 1 {
			p = 1
		}
		m := mitigations[cat]
		if len(cleaned) > 0 {
			m += " (applied)"
		}
		risks = append(risks, Risk{Type: cat, Probability: p, Impact: a.impact, Mitigation: m})
	}
	sort.Slice(risks, func(i, j int) bool {
		if risks[i].Impact != risks[j].Impact {
			return risks[i].Impact > risks[j].Impact
		}
		return risks[i].Type < risks[j].Type
	})
	return risks
}

// Highest returns the most severe finding level, or SeverityInfo if none.
func (r *Report) Highest() Severity {
	max := SeverityInfo
	for _, f := range r.Findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

// Count returns how many findings fall in cat.
func (r *Report) Count(cat Category) int {
	n := 0
	for _, f := range r.Findings {
		if f.Category == cat {
			n++
		}
	}
	return n
}
