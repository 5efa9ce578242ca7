package writer

import (
	"bytes"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/wudi/pdfscrub/ir/raw"
)

// writeObject serializes obj. Stream /Length is always written as the
// direct length of the data being written.
func writeObject(b *bytes.Buffer, obj raw.Object) {
	switch v := obj.(type) {
	case nil, raw.NullObj:
		b.WriteString("null")
	case raw.BoolObj:
		b.WriteString(strconv.FormatBool(v.V))
	case raw.NumberObj:
		b.WriteString(formatNumber(v))
	case raw.StringObj:
		if v.Hex {
			b.WriteByte('<')
			b.WriteString(hexUpper(v.Bytes))
			b.WriteByte('>')
			return
		}
		b.Write(escapeLiteralString(v.Bytes))
	case raw.NameObj:
		b.WriteString(nameLiteral(v.Val))
	case raw.RefObj:
		b.WriteString(formatInt(int64(v.R.Num)) + " " + formatInt(int64(v.R.Gen)) + " R")
	case *raw.ArrayObj:
		b.WriteByte('[')
		for i, it := range v.Items {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeObject(b, it)
		}
		b.WriteByte(']')
	case *raw.DictObj:
		writeDict(b, v, -1)
	case *raw.StreamObj:
		writeDict(b, v.Dict, int64(len(v.Data)))
		b.WriteString("\nstream\n")
		b.Write(v.Data)
		b.WriteString("\nendstream")
	default:
		b.WriteString("null")
	}
}

// writeDict writes d; when length is not negative, /Length is written with
// that value, appended if d has none.
func writeDict(b *bytes.Buffer, d *raw.DictObj, length int64) {
	b.WriteString("<<")
	wroteLength := false
	for _, k := range d.Keys() {
		b.WriteByte(' ')
		b.WriteString(nameLiteral(k))
		b.WriteByte(' ')
		if k == "Length" && length >= 0 {
			b.WriteString(formatInt(length))
			wroteLength = true
			continue
		}
		val, _ := d.Get(k)
		writeObject(b, val)
	}
	if length >= 0 && !wroteLength {
		b.WriteString(" /Length " + formatInt(length))
	}
	b.WriteString(" >>")
}

// formatNumber writes reals without an exponent, which PDF does not allow,
// and always with a decimal point so they read back as reals.
func formatNumber(n raw.NumberObj) string {
	if n.IsInt {
		return formatInt(n.I)
	}
	if math.IsNaN(n.F) || math.IsInf(n.F, 0) || n.F == 0 {
		return "0.0"
	}
	s := strconv.FormatFloat(n.F, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func hexUpper(b []byte) string {
	return string(bytes.ToUpper([]byte(hex.EncodeToString(b))))
}

func escapeLiteralString(rawBytes []byte) []byte {
	var b bytes.Buffer
	b.WriteByte('(')
	for _, ch := range rawBytes {
		switch ch {
		case '\\', '(', ')':
			b.WriteByte('\\')
			b.WriteByte(ch)
		case '%':
			// Keeps %%EOF out of the body.
			b.WriteString("\\045")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		case '\b':
			b.WriteString("\\b")
		case '\f':
			b.WriteString("\\f")
		default:
			if ch < 0x20 || ch >= 0x7F {
				b.WriteByte('\\')
				b.WriteByte('0' + ch>>6)
				b.WriteByte('0' + ch>>3&7)
				b.WriteByte('0' + ch&7)
			} else {
				b.WriteByte(ch)
			}
		}
	}
	b.WriteByte(')')
	return b.Bytes()
}

// nameLiteral re-escapes a decoded name: delimiters, whitespace, '#' and
// bytes outside the printable ASCII range become #xx.
func nameLiteral(value string) string {
	var b bytes.Buffer
	b.WriteByte('/')
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch < 0x21 || ch > 0x7E || ch == '#' || isDelimiter(ch) {
			const digits = "0123456789ABCDEF"
			b.WriteByte('#')
			b.WriteByte(digits[ch>>4])
			b.WriteByte(digits[ch&0x0F])
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}
