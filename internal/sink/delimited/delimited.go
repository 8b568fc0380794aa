// Package delimited implements the delimited-text sink using the standard
// library's encoding/csv.
package delimited

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sl224/casparianflow-sub008/internal/batch"
	"github.com/sl224/casparianflow-sub008/internal/job"
)

// Sink writes batches as CSV rows to a staged file, header written on the
// first batch.
type Sink struct {
	finalPath   string
	stagingPath string
	mode        job.WriteMode
	file        *os.File
	w           *csv.Writer
	colOrder    []string
	headerDone  bool
}

// Open prepares a staging file for target under mode.
func Open(target string, mode job.WriteMode) (*Sink, error) {
	if mode == job.WriteFailIfExists {
		if _, err := os.Stat(target); err == nil {
			return nil, fmt.Errorf("delimited: %s already exists and mode is fail_if_exists", target)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("delimited: stat %s: %w", target, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("delimited: create parent dir: %w", err)
	}

	stagingPath := target + ".staging"
	f, err := os.Create(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("delimited: open staging file: %w", err)
	}

	return &Sink{finalPath: target, stagingPath: stagingPath, mode: mode, file: f, w: csv.NewWriter(f)}, nil
}

// WriteBatch appends b's rows, writing a header from the first batch's
// column set (sorted by name for determinism across runs).
func (s *Sink) WriteBatch(b batch.Batch) error {
	if !s.headerDone {
		s.colOrder = sortedColumnNames(b)
		if err := s.w.Write(s.colOrder); err != nil {
			return fmt.Errorf("delimited: write header: %w", err)
		}
		s.headerDone = true
	}

	for row := 0; row < b.NumRows; row++ {
		record := make([]string, len(s.colOrder))
		for i, name := range s.colOrder {
			col := b.Columns[name]
			if !col.Validity[row] {
				record[i] = ""
				continue
			}
			record[i] = cellString(col, row)
		}
		if err := s.w.Write(record); err != nil {
			return fmt.Errorf("delimited: write row %d: %w", row, err)
		}
	}
	return nil
}

func cellString(col batch.Column, row int) string {
	switch col.Type {
	case batch.ColumnInt64, batch.ColumnTimestampMs, batch.ColumnDate:
		return strconv.FormatInt(col.Int64s[row], 10)
	case batch.ColumnFloat64:
		return strconv.FormatFloat(col.Float64s[row], 'g', -1, 64)
	case batch.ColumnBool:
		return strconv.FormatBool(col.Bools[row])
	case batch.ColumnBytes, batch.ColumnDecimal:
		return string(col.Bytes[row])
	default:
		return col.Strings[row]
	}
}

func sortedColumnNames(b batch.Batch) []string {
	names := make([]string, 0, len(b.Columns))
	for name := range b.Columns {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}

// Commit flushes and atomically renames the staging file into place.
func (s *Sink) Commit() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("delimited: flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("delimited: sync: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("delimited: close: %w", err)
	}
	return os.Rename(s.stagingPath, s.finalPath)
}

// Abort discards the staging file.
func (s *Sink) Abort() error {
	s.file.Close()
	return os.Remove(s.stagingPath)
}
