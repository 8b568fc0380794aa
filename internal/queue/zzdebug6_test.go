package queue

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestDebugInsertSQL(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	if err != nil { t.Fatal(err) }

	row := jobRow{State: "PENDING", EnvHash: "aa", MaxAttempts: 3}
	dry := db.Session(&gorm.Session{DryRun: true}).Create(&row)
	fmt.Println("sql:", dry.Statement.SQL.String())
	fmt.Println("vars:", dry.Statement.Vars)
	fmt.Println("row.ID after dryrun:", row.ID)
}
