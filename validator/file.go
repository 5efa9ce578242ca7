package validator

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/wudi/pdfscrub/forensic"
	"github.com/wudi/pdfscrub/observability"
)

var (
	headerMagic = []byte("%PDF-")
	eofMarker   = []byte("%%EOF")
)

// headerWindow bounds how far into the file the header is looked for.
const headerWindow = 1024

// ScanFile inspects the raw bytes: header, leading junk, signatures, %%EOF
// markers and data after the last one. Only I/O failures are errors.
func (v *Validator) ScanFile(ctx context.Context, r io.ReaderAt, size int64) ([]forensic.Finding, error) {
	var out []forensic.Finding

	head := make([]byte, minInt64(size, headerWindow))
	if n, err := r.ReadAt(head, 0); n < len(head) && err != nil && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	out = append(out, checkHeader(head)...)

	matcher := NewMatcher(append(append([][]byte(nil), v.cfg.Signatures...), eofMarker)...)
	eofPattern := matcher.Len() - 1
	hits, err := matcher.Scan(ctx, r, size, v.cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("signature scan: %w", err)
	}
	markers := 0
	for _, hit := range hits {
		if hit.Pattern == eofPattern {
			markers++
			continue
		}
		out = append(out, forensic.At(forensic.SeverityHigh, forensic.CategorySignature, hit.Offset,
			"signature %q in file bytes", matcher.Pattern(hit.Pattern)))
	}
	if markers > 1 {
		out = append(out, forensic.At(forensic.SeverityLow, forensic.CategoryPostEOF, -1,
			"%d %%%%EOF markers: file carries %d incremental updates", markers, markers-1))
	}

	last, err := lastIndex(r, size, eofMarker, v.cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("find %%%%EOF: %w", err)
	}
	if last < 0 {
		out = append(out, forensic.At(forensic.SeverityMedium, forensic.CategoryPostEOF, -1, "no %%%%EOF marker"))
	} else if f, ok, err := trailingData(r, size, last); err != nil {
		return nil, err
	} else if ok {
		out = append(out, f)
	}

	v.cfg.Logger.Debug("file scanned",
		observability.Int64("size", size),
		observability.Int("signatures", len(hits)-markers),
		observability.Int("eof_markers", markers))
	return out, nil
}

func checkHeader(head []byte) []forensic.Finding {
	i := bytes.Index(head, headerMagic)
	if i < 0 {
		return []forensic.Finding{forensic.At(forensic.SeverityCritical, forensic.CategoryHeader, 0,
			"no %%PDF- header in the first %d bytes", len(head))}
	}
	var out []forensic.Finding
	if i > 0 {
		out = append(out, forensic.At(forensic.SeverityHigh, forensic.CategoryHeader, 0,
			"%d bytes precede the %%PDF- header", i))
	}
	if ver := head[i+len(headerMagic):]; !knownVersion(ver) {
		if len(ver) > 3 {
			ver = ver[:3]
		}
		out = append(out, forensic.At(forensic.SeverityMedium, forensic.CategoryHeader, int64(i),
			"unrecognized header version %q", ver))
	}
	return out
}

// knownVersion accepts 1.0 through 1.7 and 2.0 followed by a delimiter.
func knownVersion(b []byte) bool {
	if len(b) < 3 || b[1] != '.' {
		return false
	}
	switch {
	case b[0] == '1' && b[2] >= '0' && b[2] <= '7':
	case b[0] == '2' && b[2] == '0':
	default:
		return false
	}
	return len(b) == 3 || !(b[3] >= '0' && b[3] <= '9')
}

// trailingData reports bytes after the final %%EOF and its end-of-line.
func trailingData(r io.ReaderAt, size, last int64) (forensic.Finding, bool, error) {
	start := last + int64(len(eofMarker))
	tail := make([]byte, size-start)
	if n, err := r.ReadAt(tail, start); n < len(tail) && err != nil && err != io.EOF {
		return forensic.Finding{}, false, fmt.Errorf("read tail: %w", err)
	}
	switch {
	case bytes.HasPrefix(tail, []byte("\r\n")):
		tail, start = tail[2:], start+2
	case bytes.HasPrefix(tail, []byte("\n")), bytes.HasPrefix(tail, []byte("\r")):
		tail, start = tail[1:], start+1
	}
	if len(tail) == 0 {
		return forensic.Finding{}, false, nil
	}
	sev := forensic.SeverityLow
	if len(bytes.Trim(tail, "\x00\t\n\f\r ")) > 0 {
		sev = forensic.SeverityHigh
	}
	f := forensic.At(sev, forensic.CategoryPostEOF, start, "%d bytes after the final %%%%EOF", len(tail))
	return f, true, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
