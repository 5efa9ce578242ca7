package fonts

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Field offsets within the head table.
const (
	headChecksumAdjustment = 8
	headCreated            = 20
	headModified           = 28
)

const checksumMagic = 0xB1B0AFBA

// TableRecord is an entry in the sfnt table directory. Record is the byte
// offset of the record itself within the font.
type TableRecord struct {
	Tag      string
	CheckSum uint32
	Offset   uint32
	Length   uint32
	Record   int
}

// ParseTableDirectory parses the header and table directory of an
// OpenType/TrueType font.
func ParseTableDirectory(data []byte) (map[string]TableRecord, error) {
	r := bytes.NewReader(data)

	// 0x00010000 for TrueType, 'OTTO' for CFF outlines; both carry the same
	// directory layout.
	var scalerType uint32
	if err := binary.Read(r, binary.BigEndian, &scalerType); err != nil {
		return nil, err
	}
	var numTables uint16
	if err := binary.Read(r, binary.BigEndian, &numTables); err != nil {
		return nil, err
	}
	// searchRange, entrySelector, rangeShift
	if _, err := r.Seek(6, io.SeekCurrent); err != nil {
		return nil, err
	}

	tables := make(map[string]TableRecord, numTables)
	for i := 0; i < int(numTables); i++ {
		pos := 12 + 16*i
		var tag [4]byte
		if _, err := io.ReadFull(r, tag[:]); err != nil {
			return nil, err
		}
		var fields [3]uint32
		if err := binary.Read(r, binary.BigEndian, &fields); err != nil {
			return nil, err
		}
		tables[string(tag[:])] = TableRecord{
			Tag:      string(tag[:]),
			CheckSum: fields[0],
			Offset:   fields[1],
			Length:   fields[2],
			Record:   pos,
		}
	}
	return tables, nil
}

// ExtractTable returns the raw data of a table.
func ExtractTable(data []byte, table TableRecord) ([]byte, error) {
	end := uint64(table.Offset) + uint64(table.Length)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("table %s out of bounds", table.Tag)
	}
	return data[table.Offset:end], nil
}

// ScrubTimestamps returns a copy of data with the head-table created and
// modified fields zeroed. The head table checksum and the font-wide checksum
// adjustment are recomputed. changed is false when both fields were already
// zero, in which case data is returned as is.
func ScrubTimestamps(data []byte) (out []byte, changed bool, err error) {
	ts, err := InspectTimestamps(data)
	if err != nil {
		return nil, false, err
	}
	if ts.IsZero() {
		return data, false, nil
	}
	tables, err := ParseTableDirectory(data)
	if err != nil {
		return nil, false, fmt.Errorf("parse table directory: %w", err)
	}
	rec, ok := tables["head"]
	if !ok || rec.Length < headModified+8 {
		return nil, false, fmt.Errorf("no usable head table")
	}
	if _, err := ExtractTable(data, rec); err != nil {
		return nil, false, err
	}

	out = append([]byte(nil), data...)
	head := out[rec.Offset : rec.Offset+rec.Length]
	for i := headCreated; i < headModified+8; i++ {
		head[i] = 0
	}
	binary.BigEndian.PutUint32(head[headChecksumAdjustment:], 0)
	binary.BigEndian.PutUint32(out[rec.Record+4:], tableChecksum(head))
	binary.BigEndian.PutUint32(head[headChecksumAdjustment:], checksumMagic-tableChecksum(out))
	return out, true, nil
}

// tableChecksum sums big-endian uint32 words, zero-padding the tail.
func tableChecksum(b []byte) uint32 {
	var sum uint32
	for i := 0; i < len(b); i += 4 {
		var w [4]byte
		copy(w[:], b[i:])
		sum += binary.BigEndian.Uint32(w[:])
	}
	return sum
}

func be64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
