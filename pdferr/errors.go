// Package pdferr defines the error taxonomy shared by the parsing, filtering,
// cleaning and writing layers. Callers match with errors.Is / errors.As.
package pdferr

import (
	"errors"
	"fmt"
)

var (
	ErrIO                    = errors.New("i/o error")
	ErrInvalidHeader         = errors.New("invalid header")
	ErrInvalidVersion        = errors.New("invalid version")
	ErrInvalidXRef           = errors.New("invalid xref")
	ErrInvalidTrailer        = errors.New("invalid trailer")
	ErrInvalidDictionary     = errors.New("invalid dictionary")
	ErrInvalidStream         = errors.New("invalid stream")
	ErrInvalidString         = errors.New("invalid string")
	ErrInvalidFilter         = errors.New("invalid filter")
	ErrUnexpectedEOF         = errors.New("unexpected end of input")
	ErrUnsupportedVersion    = errors.New("unsupported version")
	ErrUnsupportedEncryption = errors.New("unsupported encryption")
	ErrBufferTooLarge        = errors.New("buffer too large")
	ErrDelimiterNotFound     = errors.New("delimiter not found")
	ErrInvalidState          = errors.New("invalid pipeline state")
)

// ObjectID mirrors raw.ObjectRef without importing it, keeping this package a leaf.
type ObjectID struct {
	Num int
	Gen int
}

// MissingObjectError reports a reference that no xref entry resolves.
type MissingObjectError struct {
	ID ObjectID
}

func (e *MissingObjectError) Error() string {
	return fmt.Sprintf("missing object %d %d", e.ID.Num, e.ID.Gen)
}

// StructureError describes malformed structure at a byte offset (-1 if unknown).
type StructureError struct {
	Detail string
	Offset int64
	Err    error
}

func (e *StructureError) Error() string {
	msg := "invalid structure: " + e.Detail
	if e.Offset >= 0 {
		msg = fmt.Sprintf("%s (offset %d)", msg, e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StructureError) Unwrap() error { return e.Err }

// Structure builds a StructureError wrapping an optional sentinel.
func Structure(err error, offset int64, format string, args ...interface{}) error {
	return &StructureError{Detail: fmt.Sprintf(format, args...), Offset: offset, Err: err}
}

// CompressionError is returned by filter codecs on malformed input.
type CompressionError struct {
	Filter string
	Err    error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Filter, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// EncryptionError covers security handler failures.
type EncryptionError struct {
	Detail string
	Err    error
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return "encryption: " + e.Detail + ": " + e.Err.Error()
	}
	return "encryption: " + e.Detail
}

func (e *EncryptionError) Unwrap() error { return e.Err }
