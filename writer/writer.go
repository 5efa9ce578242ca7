// Package writer serializes a raw document as a fresh single-revision file: a
// header, every object in number order, one classic xref table, a trailer and
// exactly one %%EOF.
package writer

import (
	"context"
	"io"

	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/observability"
	"github.com/wudi/pdfscrub/security"
)

type Config struct {
	// Version overrides the header version. Empty keeps the document's.
	Version string
	// Security encrypts strings and streams when set together with
	// Encrypt, the dictionary written unencrypted for the trailer.
	Security security.Handler
	Encrypt  *raw.DictObj
	Logger   observability.Logger
}

type Writer interface {
	// Write serializes doc to w and returns the number of bytes written.
	// doc is not modified.
	Write(ctx context.Context, doc *raw.Document, w io.Writer, cfg Config) (int64, error)
	SerializeObject(ref raw.ObjectRef, obj raw.Object) ([]byte, error)
}

// Interceptor observes each indirect object as it is written.
type Interceptor interface {
	BeforeWrite(ctx context.Context, ref raw.ObjectRef, obj raw.Object) error
	AfterWrite(ctx context.Context, ref raw.ObjectRef, obj raw.Object, bytesWritten int64) error
}

type WriterBuilder struct{ interceptors []Interceptor }

func (b *WriterBuilder) WithInterceptor(i Interceptor) *WriterBuilder {
	b.interceptors = append(b.interceptors, i)
	return b
}
func (b *WriterBuilder) Build() Writer { return &impl{interceptors: b.interceptors} }

func NewWriter() Writer { return (&WriterBuilder{}).Build() }
