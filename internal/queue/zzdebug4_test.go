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

func TestDebugQueryTx(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	if err != nil { t.Fatal(err) }
	s := New(db)
	ctx := context.Background()
	envHash := [32]byte{1}
	_, err = s.Submit(ctx, job.Job{EnvHash: envHash})
	if err != nil { t.Fatal(err) }

	err = db.Transaction(func(tx *gorm.DB) error {
		var candidate jobRow
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("state = ?", string(job.StatePending)).
			Where("env_hash = ?", encodeHash(envHash)).
			Order("submitted_at ASC, id ASC").
			Limit(1)
		e := q.First(&candidate).Error
		fmt.Println("tx err:", e, "candidate:", candidate.ID)
		return nil
	})
	fmt.Println("outer err:", err)

	err = db.Transaction(func(tx *gorm.DB) error {
		var candidate jobRow
		q := tx.
			Where("state = ?", string(job.StatePending)).
			Where("env_hash = ?", encodeHash(envHash)).
			Order("submitted_at ASC, id ASC").
			Limit(1)
		e := q.First(&candidate).Error
		fmt.Println("tx (no locking) err:", e, "candidate:", candidate.ID)
		return nil
	})
	fmt.Println("outer err2:", err)
}
