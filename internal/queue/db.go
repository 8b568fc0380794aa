// Package queue implements the job-queue store: durable job state with
// atomic claim/heartbeat/complete/fail/reap transitions, backed by GORM
// over SQLite or Postgres.
package queue

import (
	"database/sql"
	"embed"
	"fmt"

	migratelib "github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Config configures the queue store's database connection.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Open connects to the configured database, runs migrations, and returns a
// ready *gorm.DB: per-driver pool tuning, then a single runMigrations call
// shared by both drivers.
func Open(cfg Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel)}

	var (
		gdb   *gorm.DB
		sqlDB *sql.DB
		err   error
	)
	switch cfg.Driver {
	case "sqlite", "":
		// Open the connection manually via database/sql using the modernc
		// driver (registered as "sqlite"), then hand the existing *sql.DB to
		// GORM so it does not try to open a second connection with go-sqlite3.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("queue: open sqlite: %w", err)
		}
		// A single writer avoids SQLITE_BUSY under concurrent claim()
		// transactions.
		sqlDB.SetMaxOpenConns(1)

		gdb, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gcfg)
		if err != nil {
			return nil, fmt.Errorf("queue: init gorm with sqlite: %w", err)
		}
	case "postgres":
		gdb, err = gorm.Open(gormpostgres.Open(cfg.DSN), gcfg)
		if err != nil {
			return nil, fmt.Errorf("queue: connect: %w", err)
		}
		if sqlDB, err = gdb.DB(); err != nil {
			return nil, fmt.Errorf("queue: underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	default:
		return nil, fmt.Errorf("queue: unsupported db driver %q", cfg.Driver)
	}

	if err := runMigrations(sqlDB, cfg.Driver); err != nil {
		return nil, fmt.Errorf("queue: migrations: %w", err)
	}

	return gdb, nil
}

func runMigrations(sqlDB *sql.DB, driver string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	var dbDriver migratedb.Driver
	switch driver {
	case "sqlite", "":
		dbDriver, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case "postgres":
		dbDriver, err = migratepostgres.WithInstance(sqlDB, &migratepostgres.Config{})
	default:
		return fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("build migration driver: %w", err)
	}

	m, err := migratelib.NewWithInstance("iofs", src, driver, dbDriver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migratelib.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Ping verifies the connection is live, used by health checks at startup.
func Ping(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
