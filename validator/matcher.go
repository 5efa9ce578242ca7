package validator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
)

// Match is one signature hit. Offset is absolute within the scanned input.
type Match struct {
	Offset  int64
	Pattern int
}

// Matcher finds any of a fixed set of byte signatures, ignoring ASCII case.
type Matcher struct {
	patterns [][]byte
	longest  int
}

// NewMatcher folds patterns to lower case. Empty patterns are dropped.
func NewMatcher(patterns ...[]byte) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		if len(p) == 0 {
			continue
		}
		m.patterns = append(m.patterns, foldASCII(p))
		if len(p) > m.longest {
			m.longest = len(p)
		}
	}
	return m
}

// Pattern returns the folded form of pattern i.
func (m *Matcher) Pattern(i int) []byte { return m.patterns[i] }

func (m *Matcher) Len() int { return len(m.patterns) }

// Longest is the length of the longest pattern.
func (m *Matcher) Longest() int { return m.longest }

// FindAll returns every hit in data ordered by offset.
func (m *Matcher) FindAll(data []byte) []Match {
	if len(m.patterns) == 0 || len(data) == 0 {
		return nil
	}
	folded := foldASCII(data)
	var out []Match
	for i, p := range m.patterns {
		for from := 0; from < len(folded); {
			j := bytes.Index(folded[from:], p)
			if j < 0 {
				break
			}
			out = append(out, Match{Offset: int64(from + j), Pattern: i})
			from += j + 1
		}
	}
	sortMatches(out)
	return out
}

// Contains reports whether any pattern occurs in data.
func (m *Matcher) Contains(data []byte) bool {
	if len(m.patterns) == 0 || len(data) == 0 {
		return false
	}
	folded := foldASCII(data)
	for _, p := range m.patterns {
		if bytes.Contains(folded, p) {
			return true
		}
	}
	return false
}

// Scan searches r in chunks of bufSize bytes. Each window keeps the last
// Longest()-1 bytes of the previous one so a signature split across a chunk
// boundary is still found; hits are de-duplicated by absolute offset.
func (m *Matcher) Scan(ctx context.Context, r io.ReaderAt, size int64, bufSize int) ([]Match, error) {
	if len(m.patterns) == 0 || size <= 0 {
		return nil, nil
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	overlap := m.longest - 1
	window := make([]byte, 0, bufSize+overlap)
	chunk := make([]byte, bufSize)
	seen := make(map[Match]struct{})
	var out []Match
	var base int64 // absolute offset of window[0]

	for off := int64(0); off < size; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := int64(bufSize)
		if size-off < n {
			n = size - off
		}
		read, err := r.ReadAt(chunk[:n], off)
		if read == 0 && err != nil {
			return nil, fmt.Errorf("read at %d: %w", off, err)
		}
		window = append(window, chunk[:read]...)
		off += int64(read)

		for _, hit := range m.FindAll(window) {
			hit.Offset += base
			if _, dup := seen[hit]; dup {
				continue
			}
			seen[hit] = struct{}{}
			out = append(out, hit)
		}

		keep := overlap
		if keep > len(window) {
			keep = len(window)
		}
		base += int64(len(window) - keep)
		copy(window, window[len(window)-keep:])
		window = window[:keep]
	}
	sortMatches(out)
	return out, nil
}

// lastIndex finds the last occurrence of marker in r by reading backwards in
// chunks of bufSize bytes, or returns -1.
func lastIndex(r io.ReaderAt, size int64, marker []byte, bufSize int) (int64, error) {
	if bufSize < len(marker) {
		bufSize = len(marker)
	}
	buf := make([]byte, bufSize+len(marker)-1)
	end := size
	for end > 0 {
		start := end - int64(bufSize)
		if start < 0 {
			start = 0
		}
		// Extend the window past end so a marker straddling chunks is seen.
		stop := end + int64(len(marker)-1)
		if stop > size {
			stop = size
		}
		n, err := r.ReadAt(buf[:stop-start], start)
		if n < int(stop-start) && err != nil && err != io.EOF {
			return -1, fmt.Errorf("read at %d: %w", start, err)
		}
		if i := bytes.LastIndex(buf[:n], marker); i >= 0 {
			return start + int64(i), nil
		}
		end = start
	}
	return -1, nil
}

func foldASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func sortMatches(ms []Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Offset != ms[j].Offset {
			return ms[i].Offset < ms[j].Offset
		}
		return ms[i].Pattern < ms[j].Pattern
	})
}
