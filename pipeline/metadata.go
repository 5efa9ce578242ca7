package pipeline

import (
	"bytes"
	"fmt"

	"golang.org/x/text/encoding/unicode"

	"github.com/wudi/pdfscrub/cleaner"
	"github.com/wudi/pdfscrub/ir/raw"
	"github.com/wudi/pdfscrub/observability"
)

// dateKeys are removed by cleaning and rejected by Verify.
var dateKeys = map[string]bool{"CreationDate": true, "ModDate": true}

// SetMetadata queues an Info entry. Later calls for the same key replace the
// value. Date keys are refused.
func (p *Pipeline) SetMetadata(key, value string) error {
	if err := p.require("SetMetadata", StateCleaned, StateMetadataSet); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("metadata key is empty")
	}
	if dateKeys[key] {
		return fmt.Errorf("metadata key %q is not allowed in sanitized output", key)
	}
	if _, ok := p.meta[key]; !ok {
		p.metaKeys = append(p.metaKeys, key)
	}
	p.meta[key] = value
	p.state = StateMetadataSet
	return nil
}

// SyncMetadata writes the queued entries into the Info dictionary, creating
// one referenced from the trailer when the document has none. A trailer /ID
// derived from the content by cleaning is derived again from the new content.
func (p *Pipeline) SyncMetadata() error {
	if err := p.require("SyncMetadata", StateMetadataSet); err != nil {
		return err
	}
	values := make([]raw.StringObj, len(p.metaKeys))
	for i, k := range p.metaKeys {
		s, err := textString(p.meta[k])
		if err != nil {
			return fmt.Errorf("encode metadata %q: %w", k, err)
		}
		values[i] = s
	}
	derived := bytes.Equal(fileID(p.doc.Trailer), cleaner.ContentID(p.doc))
	info := p.doc.Info()
	if info == nil {
		info = raw.Dict()
		ref := p.doc.NextRef()
		p.doc.Set(ref, info)
		p.doc.Trailer.Set("Info", raw.RefObj{R: ref})
	}
	for i, k := range p.metaKeys {
		info.Set(k, values[i])
	}
	if derived {
		id := cleaner.ContentID(p.doc)
		p.doc.Trailer.Set("ID", raw.NewArray(raw.HexStr(id), raw.HexStr(id)))
	}
	p.logger.Info("metadata synced", observability.Int("entries", len(p.metaKeys)))
	return nil
}

// textString encodes s as a PDF text string: printable ASCII stays a
// literal, anything else becomes UTF-16BE with a byte order mark.
func textString(s string) (raw.StringObj, error) {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			ascii = false
			break
		}
	}
	if ascii {
		return raw.Str([]byte(s)), nil
	}
	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	b, err := enc.Bytes([]byte(s))
	if err != nil {
		return raw.StringObj{}, err
	}
	return raw.HexStr(b), nil
}
