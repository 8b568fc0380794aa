package queue

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/clause"

	"github.com/sl224/casparianflow-sub008/internal/job"
)

func TestDebugQuery(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	if err != nil { t.Fatal(err) }
	s := New(db)
	ctx := context.Background()
	envHash := [32]byte{1}
	_, err = s.Submit(ctx, job.Job{EnvHash: envHash})
	if err != nil { t.Fatal(err) }

	caps := []job.Capability{{EnvHash: envHash}}
	conds := make([]string, len(caps))
	args := make([]interface{}, 0, len(caps)*3)
	for i, c := range caps {
		conds[i] = "(env_hash = ? AND (? = '' OR plugin_name = ?))"
		args = append(args, encodeHash(c.EnvHash), c.PluginName, c.PluginName)
	}
	whereSQL := conds[0]
	fmt.Println("where:", whereSQL, "args:", args)

	var candidate jobRow
	dry := db.Session(&gorm.Session{DryRun: true}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("state = ?", string(job.StatePending)).
		Where(whereSQL, args...).
		Order("submitted_at ASC, id ASC").
		Limit(1).Find(&candidate)
	fmt.Println("sql:", dry.Statement.SQL.String(), "vars:", dry.Statement.Vars)

	tx := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("state = ?", string(job.StatePending)).
		Where(whereSQL, args...).
		Order("submitted_at ASC, id ASC").
		Limit(1)
	err = tx.Find(&candidate).Error
	fmt.Println("err:", err, "candidate:", candidate)
}
