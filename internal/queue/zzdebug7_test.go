package queue

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestDebugInsertSQL2(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	if err != nil { t.Fatal(err) }

	row := jobRow{State: "PENDING", EnvHash: "aa", MaxAttempts: 3}
	row.ID = uuid.New()
	dry := db.Session(&gorm.Session{DryRun: true}).Create(&row)
	fmt.Println("sql:", dry.Statement.SQL.String())
	fmt.Println("vars:", dry.Statement.Vars)

	// check schema field info
	stmt := db.Session(&gorm.Session{DryRun: true}).Statement
	stmt.Parse(&jobRow{})
	for _, f := range stmt.Schema.Fields {
		if f.Name == "ID" {
			fmt.Printf("ID field: HasDefaultValue=%v DefaultValue=%q AutoIncrement=%v\n", f.HasDefaultValue, f.DefaultValue, f.AutoIncrement)
		}
	}
}
