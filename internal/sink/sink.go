// Package sink defines the shared contract implemented by each concrete
// sink (columnar file, embedded database, delimited text) so the Bridge's
// demux loop can write batches without knowing which concrete sink a topic
// targets.
package sink

import (
	"fmt"

	"github.com/sl224/casparianflow-sub008/internal/batch"
	"github.com/sl224/casparianflow-sub008/internal/job"
	"github.com/sl224/casparianflow-sub008/internal/sink/columnar"
	"github.com/sl224/casparianflow-sub008/internal/sink/delimited"
	"github.com/sl224/casparianflow-sub008/internal/sink/embeddeddb"
)

// Writer accepts a topic's batches and commits or discards them as a unit.
// Implementations stage writes so that a crash mid-job never leaves a
// partially-written target visible to readers — either Commit succeeds and
// every staged batch becomes visible atomically, or Abort (or no call at
// all, on process death) leaves the prior state untouched.
type Writer interface {
	WriteBatch(b batch.Batch) error
	Commit() error
	Abort() error
}

// Open resolves a job.SinkDescriptor to a concrete Writer, giving the
// Bridge one call site regardless of which sink kind a topic targets.
func Open(d job.SinkDescriptor) (Writer, error) {
	switch d.Kind {
	case job.SinkColumnarFile:
		return columnar.Open(d.Target, d.Mode, d.Compression)
	case job.SinkEmbeddedDB, "":
		table := d.Topic
		if table == "" {
			table = "rows"
		}
		return embeddeddb.Open(d.Target, table, d.Mode)
	case job.SinkDelimited:
		return delimited.Open(d.Target, d.Mode)
	default:
		return nil, fmt.Errorf("sink: unknown sink kind %q for topic %q", d.Kind, d.Topic)
	}
}
