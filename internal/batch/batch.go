// Package batch defines the in-memory columnar representation exchanged
// between a plugin child and the Worker's Bridge, and written out by the
// sink layer.
package batch

import "fmt"

// ColumnType names a supported column value type.
type ColumnType string

const (
	ColumnInt64       ColumnType = "int64"
	ColumnFloat64     ColumnType = "float64"
	ColumnString      ColumnType = "string"
	ColumnBool        ColumnType = "bool"
	ColumnBytes       ColumnType = "bytes"
	ColumnTimestampMs ColumnType = "timestamp_ms" // stored as Int64s: milliseconds since epoch
	ColumnDate        ColumnType = "date"         // stored as Int64s: days since epoch
	ColumnDecimal     ColumnType = "decimal"       // stored as Bytes: unscaled two's-complement integer, see Precision/Scale
)

// ColumnSchema describes one column's name and type. Precision and Scale
// are only meaningful for ColumnDecimal: a decimal(p,s) value's Bytes
// entry holds an unscaled integer with Scale implied digits after the
// decimal point, and Precision bounds its total digit count.
type ColumnSchema struct {
	Name      string
	Type      ColumnType
	Precision int
	Scale     int
}

// Schema describes a batch's shape, declared once per topic via a SCHEMA
// frame before any BATCH frames for that topic.
type Schema struct {
	Topic   string
	Columns []ColumnSchema
}

// Column holds one column's values plus a validity bitmap (one bit per
// row; a 0 bit means the value at that row is null and the underlying
// slot's content is undefined).
type Column struct {
	Type     ColumnType
	Validity []bool
	Int64s   []int64
	Float64s []float64
	Strings  []string
	Bools    []bool
	Bytes    [][]byte
}

// Batch is one chunk of rows for a single topic, column-major.
type Batch struct {
	Topic   string
	NumRows int
	Columns map[string]Column
}

// ByteSize estimates the batch's wire/in-memory footprint: the validity
// bitmap plus the type-appropriate buffer for every column. Used to report
// bytes_written in PROGRESS/CONCLUDE without re-serializing the batch.
func (b Batch) ByteSize() uint64 {
	var n uint64
	for _, col := range b.Columns {
		n += uint64(len(col.Validity))
		switch col.Type {
		case ColumnInt64, ColumnTimestampMs, ColumnDate:
			n += uint64(len(col.Int64s)) * 8
		case ColumnFloat64:
			n += uint64(len(col.Float64s)) * 8
		case ColumnBool:
			n += uint64(len(col.Bools))
		case ColumnString:
			for _, s := range col.Strings {
				n += uint64(len(s))
			}
		case ColumnBytes, ColumnDecimal:
			for _, bs := range col.Bytes {
				n += uint64(len(bs))
			}
		}
	}
	return n
}

// Validate checks internal consistency: every column present in schema
// exists with the right type and row count, and no column is missing.
func (b Batch) Validate(schema Schema) error {
	if b.Topic != schema.Topic {
		return fmt.Errorf("batch: topic %q does not match schema topic %q", b.Topic, schema.Topic)
	}
	for _, cs := range schema.Columns {
		col, ok := b.Columns[cs.Name]
		if !ok {
			return fmt.Errorf("batch: missing column %q", cs.Name)
		}
		if col.Type != cs.Type {
			return fmt.Errorf("batch: column %q has type %s, schema declares %s", cs.Name, col.Type, cs.Type)
		}
		if len(col.Validity) != b.NumRows {
			return fmt.Errorf("batch: column %q validity bitmap has %d entries, want %d", cs.Name, len(col.Validity), b.NumRows)
		}
	}
	return nil
}
