package queue

import (
	"fmt"
	"testing"

	"gorm.io/gorm/schema"
)

func TestDebugSchema(t *testing.T) {
	s, err := schema.Parse(&jobRow{}, &sync_map{}, schema.NamingStrategy{})
	if err != nil { t.Fatal(err) }
	for _, f := range s.Fields {
		fmt.Printf("field %s: HasDefaultValue=%v DefaultValue=%q PrimaryKey=%v Creatable=%v\n", f.Name, f.HasDefaultValue, f.DefaultValue, f.PrimaryKey, f.Creatable)
	}
}

type sync_map = schemaCacheStore
