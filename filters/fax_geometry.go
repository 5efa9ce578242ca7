package filters

import "fmt"

const (
	// maxFaxColumns is well past the widest ITU scan line (A3 at 400 dpi is
	// 4864 pels) while keeping one row under 4 KiB.
	maxFaxColumns = 32768
	// maxFaxBitmap bounds the packed 1-bit output of one fax stream.
	maxFaxBitmap int64 = 32 << 20
)

// faxRowBytes is the packed size of one row of columns pels.
func faxRowBytes(columns int) int64 { return (int64(columns) + 7) / 8 }

// checkFaxGeometry rejects DecodeParms whose bitmap could not be decoded
// within the budget. rows <= 0 means the height is found while decoding.
func checkFaxGeometry(columns, rows int) error {
	if columns <= 0 || columns > maxFaxColumns {
		return fmt.Errorf("fax columns %d outside 1..%d", columns, maxFaxColumns)
	}
	if rows <= 0 {
		return nil
	}
	if size := faxRowBytes(columns) * int64(rows); size > maxFaxBitmap {
		return fmt.Errorf("fax bitmap of %d x %d needs %d bytes, limit %d", columns, rows, size, maxFaxBitmap)
	}
	return nil
}
