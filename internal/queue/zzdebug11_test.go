package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/schema"
)

type lowerBase struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
}

type UpperBase struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
}

type withLower struct {
	lowerBase
	Name string
}

type withUpper struct {
	UpperBase
	Name string
}

func TestDebugEmbed(t *testing.T) {
	s1, err := schema.Parse(&withLower{}, &syncMap3{}, schema.NamingStrategy{})
	fmt.Println("lower err:", err)
	if s1 != nil {
		for _, f := range s1.Fields { fmt.Println(" lower field:", f.Name) }
	}
	s2, err := schema.Parse(&withUpper{}, &syncMap4{}, schema.NamingStrategy{})
	fmt.Println("upper err:", err)
	if s2 != nil {
		for _, f := range s2.Fields { fmt.Println(" upper field:", f.Name) }
	}
}
