package parser

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/wudi/pdfscrub/ir/raw"
)

func benchmarkDocument(streams int, mislabel bool) []byte {
	bodies := []string{"<< /Type /Catalog /Pages 2 0 R >>", "<< /Type /Pages /Count 0 >>"}
	length := 11
	if mislabel {
		// Forces the endstream scan on every stream.
		length = 4
	}
	for i := 0; i < streams; i++ {
		bodies = append(bodies, fmt.Sprintf("<< /Length %d /N %d >>\nstream\nhello world\nendstream", length, i))
	}
	return buildPDFWithObjects(bodies...)
}

func BenchmarkDocumentParser(b *testing.B) {
	for _, bc := range []struct {
		name     string
		mislabel bool
	}{
		{"declared-length", false},
		{"endstream-scan", true},
	} {
		data := benchmarkDocument(500, bc.mislabel)
		b.Run(bc.name, func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				doc, err := NewDocumentParser(Config{}).Parse(context.Background(), bytes.NewReader(data))
				if err != nil {
					b.Fatal(err)
				}
				if _, ok := doc.Get(raw.ObjectRef{Num: 502}); !ok {
					b.Fatal("last stream missing")
				}
			}
		})
	}
}
