// Package embeddeddb implements the embedded-database sink: rows are
// written into a caller-named SQLite table via database/sql directly
// (not gorm — a sink writes a caller-declared dynamic schema, which
// doesn't fit gorm's model-mapping idiom).
package embeddeddb

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/sl224/casparianflow-sub008/internal/batch"
	"github.com/sl224/casparianflow-sub008/internal/job"
)

// Sink writes batches into one table of a SQLite database file.
type Sink struct {
	db        *sql.DB
	tx        *sql.Tx
	table     string
	mode      job.WriteMode
	schemaSet bool
	insertSQL string
	colNames  []string
}

// Open connects to dbPath (creating it if absent) and begins a transaction
// that either commits every staged batch atomically or is rolled back.
func Open(dbPath, table string, mode job.WriteMode) (*Sink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("embeddeddb: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if mode == job.WriteFailIfExists {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err == nil {
			db.Close()
			return nil, fmt.Errorf("embeddeddb: table %q already exists and mode is fail_if_exists", table)
		}
		if err != sql.ErrNoRows {
			db.Close()
			return nil, fmt.Errorf("embeddeddb: check existing table: %w", err)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("embeddeddb: begin transaction: %w", err)
	}

	if mode == job.WriteReplace {
		if _, err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
			tx.Rollback()
			db.Close()
			return nil, fmt.Errorf("embeddeddb: drop existing table: %w", err)
		}
	}

	return &Sink{db: db, tx: tx, table: table, mode: mode}, nil
}

func (s *Sink) ensureSchema(b batch.Batch) error {
	if s.schemaSet {
		return nil
	}
	s.colNames = make([]string, 0, len(b.Columns))
	colDefs := make([]string, 0, len(b.Columns))
	for name, col := range b.Columns {
		s.colNames = append(s.colNames, name)
		colDefs = append(colDefs, fmt.Sprintf("%q %s", name, sqlType(col.Type)))
	}
	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", s.table, strings.Join(colDefs, ", "))
	if _, err := s.tx.Exec(createSQL); err != nil {
		return fmt.Errorf("embeddeddb: create table: %w", err)
	}

	placeholders := make([]string, len(s.colNames))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	s.insertSQL = fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", s.table, quoteJoin(s.colNames), strings.Join(placeholders, ", "))
	s.schemaSet = true
	return nil
}

func quoteJoin(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(quoted, ", ")
}

func sqlType(t batch.ColumnType) string {
	switch t {
	case batch.ColumnInt64, batch.ColumnTimestampMs, batch.ColumnDate:
		return "INTEGER"
	case batch.ColumnFloat64:
		return "REAL"
	case batch.ColumnBool:
		return "INTEGER"
	case batch.ColumnBytes, batch.ColumnDecimal:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// WriteBatch inserts b's rows within the open transaction.
func (s *Sink) WriteBatch(b batch.Batch) error {
	if err := s.ensureSchema(b); err != nil {
		return err
	}
	stmt, err := s.tx.Prepare(s.insertSQL)
	if err != nil {
		return fmt.Errorf("embeddeddb: prepare insert: %w", err)
	}
	defer stmt.Close()

	for row := 0; row < b.NumRows; row++ {
		args := make([]any, len(s.colNames))
		for i, name := range s.colNames {
			col := b.Columns[name]
			if !col.Validity[row] {
				args[i] = nil
				continue
			}
			switch col.Type {
			case batch.ColumnInt64, batch.ColumnTimestampMs, batch.ColumnDate:
				args[i] = col.Int64s[row]
			case batch.ColumnFloat64:
				args[i] = col.Float64s[row]
			case batch.ColumnString:
				args[i] = col.Strings[row]
			case batch.ColumnBool:
				args[i] = col.Bools[row]
			case batch.ColumnBytes, batch.ColumnDecimal:
				args[i] = col.Bytes[row]
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			return fmt.Errorf("embeddeddb: insert row %d: %w", row, err)
		}
	}
	return nil
}

// Commit finalizes the transaction and closes the connection.
func (s *Sink) Commit() error {
	defer s.db.Close()
	return s.tx.Commit()
}

// Abort rolls back the transaction and closes the connection.
func (s *Sink) Abort() error {
	defer s.db.Close()
	return s.tx.Rollback()
}
