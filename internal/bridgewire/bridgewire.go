// Package bridgewire implements the local Unix-socket protocol between a
// Worker's Bridge runtime and the plugin child process it spawns. It shares
// internal/protocol's length-prefixed framing shape but is a distinct,
// simpler codec scoped to streaming one job's output batches.
package bridgewire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sl224/casparianflow-sub008/internal/batch"
)

// ErrProtocol marks a frame that violates the wire contract — a length
// prefix out of range (rejected before the body is read), or a body read in
// full with an invalid tag or a SCHEMA/BATCH payload that fails to decode. Distinguished from a plain I/O error (a short
// read, a closed connection) so callers can tell "the plugin said
// something nonsensical" from "the plugin's connection just dropped".
var ErrProtocol = errors.New("bridgewire: protocol violation")

func float64bits(f float64) uint64    { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// Tag identifies a bridge-wire frame's payload kind.
type Tag byte

const (
	TagSchema Tag = iota + 1
	TagBatch
	TagLog
	TagError
	TagEOF
)

const maxFrameSize = 64 * 1024 * 1024

// Frame is a decoded bridge-wire message.
type Frame struct {
	Tag    Tag
	Schema *batch.Schema
	Batch  *batch.Batch
	Log    string
	Error  string
}

// WriteSchema, WriteBatch, WriteLog, WriteError, and WriteEOF each encode
// and write one frame to w.
func WriteSchema(w io.Writer, s batch.Schema) error {
	return writeFrame(w, TagSchema, encodeSchema(s))
}

func WriteBatch(w io.Writer, b batch.Batch) error {
	payload, err := encodeBatch(b)
	if err != nil {
		return err
	}
	return writeFrame(w, TagBatch, payload)
}

func WriteLog(w io.Writer, line string) error {
	return writeFrame(w, TagLog, []byte(line))
}

func WriteError(w io.Writer, message string) error {
	return writeFrame(w, TagError, []byte(message))
}

func WriteEOF(w io.Writer) error {
	return writeFrame(w, TagEOF, nil)
}

func writeFrame(w io.Writer, tag Tag, payload []byte) error {
	if len(payload)+1 > maxFrameSize {
		return fmt.Errorf("bridgewire: payload %d bytes exceeds max frame size", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)+1))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(tag)}); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads and decodes one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length < 1 || length > maxFrameSize {
		return Frame{}, fmt.Errorf("%w: invalid frame length %d", ErrProtocol, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	tag := Tag(body[0])
	payload := body[1:]

	switch tag {
	case TagSchema:
		s, err := decodeSchema(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: malformed SCHEMA frame: %v", ErrProtocol, err)
		}
		return Frame{Tag: tag, Schema: &s}, nil
	case TagBatch:
		b, err := decodeBatch(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: malformed BATCH frame: %v", ErrProtocol, err)
		}
		return Frame{Tag: tag, Batch: &b}, nil
	case TagLog:
		return Frame{Tag: tag, Log: string(payload)}, nil
	case TagError:
		return Frame{Tag: tag, Error: string(payload)}, nil
	case TagEOF:
		return Frame{Tag: tag}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown tag %d", ErrProtocol, byte(tag))
	}
}

// --- encoding helpers (same shape as internal/protocol's, kept separate
// since the two wires evolve independently) ---

type fieldWriter struct{ b []byte }

func (w *fieldWriter) str(s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	w.b = append(w.b, n[:]...)
	w.b = append(w.b, s...)
}

func (w *fieldWriter) u32(v uint32) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], v)
	w.b = append(w.b, n[:]...)
}

func (w *fieldWriter) u64(v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	w.b = append(w.b, n[:]...)
}

func (w *fieldWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.b = append(w.b, b...)
}

func (w *fieldWriter) bitmap(v []bool) {
	w.u32(uint32(len(v)))
	for _, b := range v {
		if b {
			w.b = append(w.b, 1)
		} else {
			w.b = append(w.b, 0)
		}
	}
}

type fieldReader struct {
	b   []byte
	pos int
}

func (r *fieldReader) need(n int) error {
	if r.pos+n > len(r.b) {
		return fmt.Errorf("bridgewire: short field, need %d have %d", n, len(r.b)-r.pos)
	}
	return nil
}

func (r *fieldReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *fieldReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *fieldReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *fieldReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.b[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

func (r *fieldReader) bitmap() ([]bool, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = r.b[r.pos+i] != 0
	}
	r.pos += int(n)
	return out, nil
}

func encodeSchema(s batch.Schema) []byte {
	w := &fieldWriter{}
	w.str(s.Topic)
	w.u32(uint32(len(s.Columns)))
	for _, c := range s.Columns {
		w.str(c.Name)
		w.str(string(c.Type))
		w.u32(uint32(c.Precision))
		w.u32(uint32(c.Scale))
	}
	return w.b
}

func decodeSchema(p []byte) (batch.Schema, error) {
	r := &fieldReader{b: p}
	var s batch.Schema
	var err error
	if s.Topic, err = r.str(); err != nil {
		return s, err
	}
	n, err := r.u32()
	if err != nil {
		return s, err
	}
	s.Columns = make([]batch.ColumnSchema, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.str()
		if err != nil {
			return s, err
		}
		typ, err := r.str()
		if err != nil {
			return s, err
		}
		precision, err := r.u32()
		if err != nil {
			return s, err
		}
		scale, err := r.u32()
		if err != nil {
			return s, err
		}
		s.Columns = append(s.Columns, batch.ColumnSchema{Name: name, Type: batch.ColumnType(typ), Precision: int(precision), Scale: int(scale)})
	}
	return s, nil
}

func encodeBatch(b batch.Batch) ([]byte, error) {
	w := &fieldWriter{}
	w.str(b.Topic)
	w.u32(uint32(b.NumRows))
	w.u32(uint32(len(b.Columns)))
	for name, col := range b.Columns {
		w.str(name)
		w.str(string(col.Type))
		w.bitmap(col.Validity)
		switch col.Type {
		case batch.ColumnInt64, batch.ColumnTimestampMs, batch.ColumnDate:
			w.u32(uint32(len(col.Int64s)))
			for _, v := range col.Int64s {
				w.u64(uint64(v))
			}
		case batch.ColumnFloat64:
			w.u32(uint32(len(col.Float64s)))
			for _, v := range col.Float64s {
				w.u64(float64bits(v))
			}
		case batch.ColumnString:
			w.u32(uint32(len(col.Strings)))
			for _, v := range col.Strings {
				w.str(v)
			}
		case batch.ColumnBool:
			w.bitmap(col.Bools)
		case batch.ColumnBytes, batch.ColumnDecimal:
			w.u32(uint32(len(col.Bytes)))
			for _, v := range col.Bytes {
				w.bytes(v)
			}
		default:
			return nil, fmt.Errorf("bridgewire: unknown column type %q", col.Type)
		}
	}
	return w.b, nil
}

func decodeBatch(p []byte) (batch.Batch, error) {
	r := &fieldReader{b: p}
	var b batch.Batch
	var err error
	if b.Topic, err = r.str(); err != nil {
		return b, err
	}
	numRows, err := r.u32()
	if err != nil {
		return b, err
	}
	b.NumRows = int(numRows)
	numCols, err := r.u32()
	if err != nil {
		return b, err
	}
	b.Columns = make(map[string]batch.Column, numCols)
	for i := uint32(0); i < numCols; i++ {
		name, err := r.str()
		if err != nil {
			return b, err
		}
		typStr, err := r.str()
		if err != nil {
			return b, err
		}
		typ := batch.ColumnType(typStr)
		validity, err := r.bitmap()
		if err != nil {
			return b, err
		}
		col := batch.Column{Type: typ, Validity: validity}
		switch typ {
		case batch.ColumnInt64, batch.ColumnTimestampMs, batch.ColumnDate:
			n, err := r.u32()
			if err != nil {
				return b, err
			}
			col.Int64s = make([]int64, n)
			for j := range col.Int64s {
				v, err := r.u64()
				if err != nil {
					return b, err
				}
				col.Int64s[j] = int64(v)
			}
		case batch.ColumnFloat64:
			n, err := r.u32()
			if err != nil {
				return b, err
			}
			col.Float64s = make([]float64, n)
			for j := range col.Float64s {
				v, err := r.u64()
				if err != nil {
					return b, err
				}
				col.Float64s[j] = float64frombits(v)
			}
		case batch.ColumnString:
			n, err := r.u32()
			if err != nil {
				return b, err
			}
			col.Strings = make([]string, n)
			for j := range col.Strings {
				v, err := r.str()
				if err != nil {
					return b, err
				}
				col.Strings[j] = v
			}
		case batch.ColumnBool:
			bm, err := r.bitmap()
			if err != nil {
				return b, err
			}
			col.Bools = bm
		case batch.ColumnBytes, batch.ColumnDecimal:
			n, err := r.u32()
			if err != nil {
				return b, err
			}
			col.Bytes = make([][]byte, n)
			for j := range col.Bytes {
				v, err := r.bytes()
				if err != nil {
					return b, err
				}
				col.Bytes[j] = v
			}
		default:
			return b, fmt.Errorf("bridgewire: unknown column type %q", typStr)
		}
		b.Columns[name] = col
	}
	return b, nil
}
