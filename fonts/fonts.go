// Package fonts inspects embedded font programs for identifying traces. The
// sfnt head table records when a font was created and last modified; those
// timestamps survive subsetting and embedding and can date a document's
// toolchain.
package fonts

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-text/typesetting/font/opentype"
)

// sfntEpoch is the origin of head-table LONGDATETIME values.
var sfntEpoch = time.Date(1904, time.January, 1, 0, 0, 0, 0, time.UTC)

var headTag = opentype.NewTag('h', 'e', 'a', 'd')

// Timestamps are the created and modified fields of a head table, in seconds
// since 1904-01-01 UTC.
type Timestamps struct {
	Created  int64
	Modified int64
}

func (t Timestamps) IsZero() bool { return t.Created == 0 && t.Modified == 0 }

// CreatedTime returns Created as a time.
func (t Timestamps) CreatedTime() time.Time { return sfntEpoch.Add(time.Duration(t.Created) * time.Second) }

// ModifiedTime returns Modified as a time.
func (t Timestamps) ModifiedTime() time.Time {
	return sfntEpoch.Add(time.Duration(t.Modified) * time.Second)
}

// IsSFNT reports whether data starts with a TrueType or OpenType signature.
func IsSFNT(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch string(data[:4]) {
	case "\x00\x01\x00\x00", "OTTO", "true", "typ1":
		return true
	}
	return false
}

// InspectTimestamps reads the head-table timestamps of an sfnt font.
func InspectTimestamps(data []byte) (Timestamps, error) {
	loader, err := opentype.NewLoader(bytes.NewReader(data))
	if err != nil {
		return Timestamps{}, fmt.Errorf("create loader: %w", err)
	}
	if !loader.HasTable(headTag) {
		return Timestamps{}, fmt.Errorf("no head table")
	}
	head, err := loader.RawTable(headTag)
	if err != nil {
		return Timestamps{}, fmt.Errorf("read head table: %w", err)
	}
	if len(head) < headModified+8 {
		return Timestamps{}, fmt.Errorf("head table too short: %d bytes", len(head))
	}
	return Timestamps{
		Created:  int64(be64(head[headCreated:])),
		Modified: int64(be64(head[headModified:])),
	}, nil
}
