package columnar

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sl224/casparianflow-sub008/internal/batch"
)

// writeSchemaHeader and writeBatchRecord implement the on-disk container
// format: a schema record, followed by zero or more batch records, all
// inside the (possibly compressed)
// stream opened in Open. This is a format of its own, not a reuse of
// internal/bridgewire's framing — the two serve different processes (an
// on-disk file vs. a live child-process pipe) and are free to diverge.
// Records carry no overall length prefix: strings and byte values are
// length-prefixed, fixed-width values are written back to back.

func writeStr(w io.Writer, s string) error {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], v)
	_, err := w.Write(n[:])
	return err
}

func writeSchemaHeader(w io.Writer, s batch.Schema) error {
	if err := writeStr(w, s.Topic); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(s.Columns))); err != nil {
		return err
	}
	for _, c := range s.Columns {
		if err := writeStr(w, c.Name); err != nil {
			return err
		}
		if err := writeStr(w, string(c.Type)); err != nil {
			return err
		}
	}
	return nil
}

func writeBatchRecord(w io.Writer, b batch.Batch) error {
	if err := writeU32(w, uint32(b.NumRows)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(b.Columns))); err != nil {
		return err
	}
	for name, col := range b.Columns {
		if err := writeStr(w, name); err != nil {
			return err
		}
		for _, valid := range col.Validity {
			var bit byte
			if valid {
				bit = 1
			}
			if _, err := w.Write([]byte{bit}); err != nil {
				return err
			}
		}
		switch col.Type {
		case batch.ColumnInt64, batch.ColumnTimestampMs, batch.ColumnDate:
			for _, v := range col.Int64s {
				if err := binary.Write(w, binary.BigEndian, v); err != nil {
					return err
				}
			}
		case batch.ColumnFloat64:
			for _, v := range col.Float64s {
				if err := binary.Write(w, binary.BigEndian, v); err != nil {
					return err
				}
			}
		case batch.ColumnString:
			for _, v := range col.Strings {
				if err := writeStr(w, v); err != nil {
					return err
				}
			}
		case batch.ColumnBool:
			for _, v := range col.Bools {
				var bit byte
				if v {
					bit = 1
				}
				if _, err := w.Write([]byte{bit}); err != nil {
					return err
				}
			}
		case batch.ColumnBytes, batch.ColumnDecimal:
			for _, v := range col.Bytes {
				if err := writeU32(w, uint32(len(v))); err != nil {
					return err
				}
				if _, err := w.Write(v); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("columnar: unknown column type %q", col.Type)
		}
	}
	return nil
}
