// Package columnar implements the columnar-file sink: a self-describing
// container (schema header + one record of column values per batch) written to a
// staging path and atomically renamed into place on commit.
package columnar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/sl224/casparianflow-sub008/internal/batch"
	"github.com/sl224/casparianflow-sub008/internal/job"
)

const magic = "CFCF" // Casparian Flow Columnar Format

// Sink writes batches for one topic to a compressed columnar file.
type Sink struct {
	finalPath   string
	stagingPath string
	mode        job.WriteMode
	compression job.CompressionKind

	file    *os.File
	buf     *bufio.Writer
	encoder io.WriteCloser // wraps buf with the chosen compressor, nil for CompressionNone
	schema  *batch.Schema
}

// Open prepares a staging file for target under mode/compression. The
// staging path sits alongside the final path so the eventual rename is
// same-filesystem and therefore atomic.
func Open(target string, mode job.WriteMode, compression job.CompressionKind) (*Sink, error) {
	if mode == job.WriteFailIfExists {
		if _, err := os.Stat(target); err == nil {
			return nil, fmt.Errorf("columnar: %s already exists and mode is fail_if_exists", target)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("columnar: stat %s: %w", target, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("columnar: create parent dir: %w", err)
	}

	stagingPath := target + ".staging"
	f, err := os.Create(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("columnar: open staging file: %w", err)
	}

	buf := bufio.NewWriter(f)
	if _, err := buf.WriteString(magic); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, compressionByte(compression)); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return nil, err
	}

	s := &Sink{finalPath: target, stagingPath: stagingPath, mode: mode, compression: compression, file: f, buf: buf}

	var enc io.WriteCloser
	switch compression {
	case job.CompressionGzip:
		enc = gzip.NewWriter(buf)
	case job.CompressionSnappy:
		enc = s2.NewWriter(buf, s2.WriterSnappyCompat())
	case job.CompressionLZ4:
		// No LZ4 encoder is available anywhere in this module's dependency
		// graph; zstd is the closest streaming compressor available and is
		// used as a documented substitute for the lz4 compression kind.
		zw, err := zstd.NewWriter(buf)
		if err != nil {
			f.Close()
			os.Remove(stagingPath)
			return nil, fmt.Errorf("columnar: init zstd writer: %w", err)
		}
		enc = zw
	case job.CompressionNone, "":
		enc = nopWriteCloser{buf}
	default:
		f.Close()
		os.Remove(stagingPath)
		return nil, fmt.Errorf("columnar: unknown compression kind %q", compression)
	}
	s.encoder = enc
	return s, nil
}

func compressionByte(c job.CompressionKind) byte {
	switch c {
	case job.CompressionGzip:
		return 1
	case job.CompressionSnappy:
		return 2
	case job.CompressionLZ4:
		return 3
	default:
		return 0
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// WriteBatch encodes b's schema (once, on first call) and rows to the
// staged file.
func (s *Sink) WriteBatch(b batch.Batch) error {
	if s.schema == nil {
		schema := schemaOf(b)
		s.schema = &schema
		if err := writeSchemaHeader(s.encoder, schema); err != nil {
			return fmt.Errorf("columnar: write schema: %w", err)
		}
	}
	if err := writeBatchRecord(s.encoder, b); err != nil {
		return fmt.Errorf("columnar: write batch: %w", err)
	}
	return nil
}

// Commit flushes, closes, and atomically renames the staging file into place.
func (s *Sink) Commit() error {
	if err := s.encoder.Close(); err != nil {
		return fmt.Errorf("columnar: close encoder: %w", err)
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("columnar: flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("columnar: sync: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("columnar: close: %w", err)
	}

	if s.mode == job.WriteReplace {
		return os.Rename(s.stagingPath, s.finalPath)
	}
	// append mode without an existing file, or fail_if_exists already
	// checked at Open — either way the rename is the same.
	return os.Rename(s.stagingPath, s.finalPath)
}

// Abort discards the staging file without touching the final path.
func (s *Sink) Abort() error {
	s.file.Close()
	return os.Remove(s.stagingPath)
}

func schemaOf(b batch.Batch) batch.Schema {
	schema := batch.Schema{Topic: b.Topic}
	for name, col := range b.Columns {
		schema.Columns = append(schema.Columns, batch.ColumnSchema{Name: name, Type: col.Type})
	}
	return schema
}
