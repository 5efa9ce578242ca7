package forensic

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString("# Sanitization report\n\n")
	fmt.Fprintf(&b, "Highest severity: **%s**. %d finding(s), %d cleaning action(s).\n\n",
		r.Highest(), len(r.Findings), len(r.Cleaned))

	if len(r.Risks) > 0 {
		b.WriteString("## Risks\n\n")
		b.WriteString("| Category | Impact | Probability | Mitigation |\n|---|---|---|---|\n")
		for _, rk := range r.Risks {
			fmt.Fprintf(&b, "| %s | %s | %.2f | %s |\n", rk.Type, rk.Impact, rk.Probability, mdEscape(rk.Mitigation))
		}
		b.WriteString("\n")
	}

	if len(r.Findings) > 0 {
		b.WriteString("## Findings\n\n")
		for _, f := range r.Findings {
			fmt.Fprintf(&b, "- **%s** `%s`: %s", f.Severity, f.Category, mdEscape(f.Description))
			switch {
			case !f.Object.IsZero():
				fmt.Fprintf(&b, " (object %d %d)", f.Object.Num, f.Object.Gen)
			case f.Offset >= 0:
				fmt.Fprintf(&b, " (offset %d)", f.Offset)
			}
			if f.Heuristic != "" {
				fmt.Fprintf(&b, " [%s]", f.Heuristic)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(r.Cleaned) > 0 {
		b.WriteString("## Cleaning actions\n\n")
		b.WriteString("| Item | Location | Action | Before | After |\n|---|---|---|---|---|\n")
		for _, c := range r.Cleaned {
			fmt.Fprintf(&b, "| %s | %s | %s | %d | %d |\n",
				mdEscape(c.ItemType), mdEscape(c.Location), mdEscape(c.Action), c.OriginalSize, c.NewSize)
		}
	}
	return b.String()
}

// HTML renders the Markdown report through goldmark.
func (r *Report) HTML() ([]byte, error) {
	var buf bytes.Buffer
	if err := goldmark.New(goldmark.WithExtensions(extension.Table)).Convert([]byte(r.Markdown()), &buf); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

var mdReplacer = strings.NewReplacer("|", "\\|", "<", "&lt;", ">", "&gt;", "*", "\\*", "_", "\\_", "`", "\\`", "\n", " ")

func mdEscape(s string) string { return mdReplacer.Replace(s) }
