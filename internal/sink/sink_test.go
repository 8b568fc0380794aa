package sink

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sl224/casparianflow-sub008/internal/batch"
	"github.com/sl224/casparianflow-sub008/internal/job"
)

func sampleBatch() batch.Batch {
	return batch.Batch{
		Topic:   "rows",
		NumRows: 2,
		Columns: map[string]batch.Column{
			"id":   {Type: batch.ColumnInt64, Validity: []bool{true, true}, Int64s: []int64{1, 2}},
			"name": {Type: batch.ColumnString, Validity: []bool{true, true}, Strings: []string{"alpha", "beta"}},
		},
	}
}

func TestColumnarSinkCommitProducesFinalFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.cf")

	w, err := Open(job.SinkDescriptor{Kind: job.SinkColumnarFile, Target: target, Mode: job.WriteReplace, Compression: job.CompressionGzip})
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(sampleBatch()))
	require.NoError(t, w.Commit())
	require.FileExists(t, target)
	require.NoFileExists(t, target+".staging")
}

func TestColumnarSinkAbortLeavesNoFinalFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.cf")

	w, err := Open(job.SinkDescriptor{Kind: job.SinkColumnarFile, Target: target, Mode: job.WriteReplace})
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(sampleBatch()))
	require.NoError(t, w.Abort())
	require.NoFileExists(t, target)
	require.NoFileExists(t, target+".staging")
}

func TestDelimitedSinkWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.csv")

	w, err := Open(job.SinkDescriptor{Kind: job.SinkDelimited, Target: target, Mode: job.WriteReplace})
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(sampleBatch()))
	require.NoError(t, w.Commit())
	require.FileExists(t, target)
}

func TestDelimitedSinkWritesTimestampDateAndDecimalColumns(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.csv")

	b := batch.Batch{
		Topic:   "rows",
		NumRows: 1,
		Columns: map[string]batch.Column{
			"seen_at": {Type: batch.ColumnTimestampMs, Validity: []bool{true}, Int64s: []int64{1700000000000}},
			"day":     {Type: batch.ColumnDate, Validity: []bool{true}, Int64s: []int64{19723}},
			"amount":  {Type: batch.ColumnDecimal, Validity: []bool{true}, Bytes: [][]byte{{0x04, 0xD2}}},
		},
	}

	w, err := Open(job.SinkDescriptor{Kind: job.SinkDelimited, Target: target, Mode: job.WriteReplace})
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(b))
	require.NoError(t, w.Commit())
	require.FileExists(t, target)
}

func TestEmbeddedDBSinkFailIfExistsRejectsExistingTable(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.sqlite")

	w1, err := Open(job.SinkDescriptor{Kind: job.SinkEmbeddedDB, Topic: "rows", Target: target, Mode: job.WriteReplace})
	require.NoError(t, err)
	require.NoError(t, w1.WriteBatch(sampleBatch()))
	require.NoError(t, w1.Commit())

	_, err = Open(job.SinkDescriptor{Kind: job.SinkEmbeddedDB, Topic: "rows", Target: target, Mode: job.WriteFailIfExists})
	require.Error(t, err)
}
