package writer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/wudi/pdfscrub/filters"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/pdferr"
)

type impl struct{ interceptors []Interceptor }

// binaryMarker follows the header so transfer tools treat the file as binary.
const binaryMarker = "%\xE2\xE3\xCF\xD3\n"

func (w *impl) SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d obj\n", ref.Num, ref.Gen)
	writeObject(&buf, obj)
	buf.WriteString("\nendobj\n")
	return buf.Bytes(), nil
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (w *impl) Write(ctx context.Context, doc *raw.Document, out io.Writer, cfg Config) (int64, error) {
	root, ok := doc.Trailer.Get("Root")
	if !ok {
		return 0, pdferr.Structure(pdferr.ErrInvalidTrailer, -1, "trailer has no /Root")
	}
	logger := observability.OrNop(cfg.Logger)
	encrypting := cfg.Security != nil && cfg.Security.IsEncrypted() && cfg.Encrypt != nil

	version := outputVersion(cfg.Version, doc.Version, encrypting)

	cw := &countingWriter{w: bufio.NewWriter(out)}
	fmt.Fprintf(cw, "%%PDF-%s\n%s", version, binaryMarker)

	refs := doc.Refs()
	offsets := make(map[int]int64, len(refs)+1)
	gens := make(map[int]int, len(refs)+1)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return cw.n, err
		}
		if ref.Num <= 0 || ref.Num > raw.MaxObjectNumber || ref.Gen > 65535 {
			return cw.n, pdferr.Structure(pdferr.ErrInvalidXRef, -1, "object %s cannot be written", ref)
		}
		obj := doc.Objects[ref]
		for _, ic := range w.interceptors {
			if err := ic.BeforeWrite(ctx, ref, obj); err != nil {
				return cw.n, err
			}
		}
		if st, ok := obj.(*raw.StreamObj); ok && filters.HasEOFMarker(st.Data) {
			obj = filters.HexWrap(st)
		}
		if encrypting {
			var err error
			if obj, err = encryptObject(obj, ref, cfg.Security); err != nil {
				return cw.n, fmt.Errorf("encrypt %s: %w", ref, err)
			}
		}
		start := cw.n
		offsets[ref.Num], gens[ref.Num] = start, ref.Gen
		serialized, _ := w.SerializeObject(ref, obj)
		if _, err := cw.Write(serialized); err != nil {
			return cw.n, fmt.Errorf("%w: write %s: %v", pdferr.ErrIO, ref, err)
		}
		for _, ic := range w.interceptors {
			if err := ic.AfterWrite(ctx, ref, obj, cw.n-start); err != nil {
				return cw.n, err
			}
		}
	}

	var encRef raw.ObjectRef
	if encrypting {
		encRef = doc.NextRef()
		if encRef.Num > raw.MaxObjectNumber {
			return cw.n, pdferr.Structure(pdferr.ErrInvalidXRef, -1, "no object number left for /Encrypt")
		}
		offsets[encRef.Num] = cw.n
		serialized, _ := w.SerializeObject(encRef, cfg.Encrypt)
		cw.Write(serialized)
	}

	size := 1
	for num := range offsets {
		if num+1 > size {
			size = num + 1
		}
	}
	xrefAt := cw.n
	writeXRef(cw, size, offsets, gens)

	trailer := raw.Dict()
	trailer.Set("Size", raw.NumberInt(int64(size)))
	trailer.Set("Root", root)
	if info, ok := doc.Trailer.Get("Info"); ok {
		trailer.Set("Info", info)
	}
	if id, ok := doc.Trailer.Get("ID"); ok {
		trailer.Set("ID", id)
	}
	if encrypting {
		trailer.Set("Encrypt", raw.RefObj{R: encRef})
	}
	cw.Write([]byte("trailer\n"))
	var tb bytes.Buffer
	writeObject(&tb, trailer)
	cw.Write(tb.Bytes())
	fmt.Fprintf(cw, "\nstartxref\n%d\n%%%%EOF\n", xrefAt)

	if err := cw.w.Flush(); err != nil {
		return cw.n, fmt.Errorf("%w: %v", pdferr.ErrIO, err)
	}
	logger.Debug("document written",
		observability.Int("objects", len(refs)),
		observability.Int64("bytes", cw.n),
		observability.String("version", version))
	return cw.n, nil
}

// writeXRef writes one subsection covering 0..size-1. Unused numbers are
// chained into the free list headed by entry 0.
func writeXRef(w io.Writer, size int, offsets map[int]int64, gens map[int]int) {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	fmt.Fprintf(bw, "xref\n0 %d\n", size)

	nextFree := make([]int, size)
	next := 0
	for num := size - 1; num >= 0; num-- {
		if _, used := offsets[num]; used && num != 0 {
			continue
		}
		nextFree[num] = next
		next = num
	}
	for num := 0; num < size; num++ {
		if off, used := offsets[num]; used && num != 0 {
			bw.WriteString(pad10(off) + " " + pad5(gens[num]) + " n\r\n")
			continue
		}
		gen := 0
		if num == 0 {
			gen = 65535
		}
		bw.WriteString(pad10(int64(nextFree[num])) + " " + pad5(gen) + " f\r\n")
	}
}

func pad10(v int64) string { return fmt.Sprintf("%010d", v) }
func pad5(v int) string    { return fmt.Sprintf("%05d", v) }

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

// outputVersion picks the header version: requested, else current, else 1.7.
// Only 1.0 through 1.7 and 2.0 are written, and encryption needs at least 1.7.
func outputVersion(requested, current string, encrypting bool) string {
	v := requested
	if _, _, ok := parseVersion(v); !ok {
		v = current
	}
	major, minor, ok := parseVersion(v)
	if !ok {
		return "1.7"
	}
	if encrypting && major == 1 && minor < 7 {
		return "1.7"
	}
	return v
}

func parseVersion(v string) (major, minor int, ok bool) {
	if len(v) != 3 || v[1] != '.' || v[0] < '0' || v[0] > '9' || v[2] < '0' || v[2] > '9' {
		return 0, 0, false
	}
	major, minor = int(v[0]-'0'), int(v[2]-'0')
	if (major == 1 && minor <= 7) || (major == 2 && minor == 0) {
		return major, minor, true
	}
	return 0, 0, false
}
