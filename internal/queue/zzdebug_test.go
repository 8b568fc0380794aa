package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sl224/casparianflow-sub008/internal/job"
)

func TestDebugClaim(t *testing.T) {
	db, err := Open(Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	if err != nil {
		t.Fatal(err)
	}
	s := New(db)
	ctx := context.Background()
	envHash := [32]byte{1}
	id, err := s.Submit(ctx, job.Job{EnvHash: envHash})
	if err != nil {
		t.Fatal(err)
	}
	fmt.Println("submitted id:", id)

	var rows []jobRow
	db.Find(&rows)
	fmt.Printf("rows: %+v\n", rows)

	_, err = s.Claim(ctx, "worker-1", []job.Capability{{EnvHash: envHash}}, time.Minute)
	fmt.Println("claim err:", err)
}
