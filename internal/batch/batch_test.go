package batch

import "testing"

func TestValidateRejectsTopicMismatch(t *testing.T) {
	schema := Schema{Topic: "rows", Columns: []ColumnSchema{{Name: "id", Type: ColumnInt64}}}
	b := Batch{Topic: "other", NumRows: 1, Columns: map[string]Column{
		"id": {Type: ColumnInt64, Validity: []bool{true}, Int64s: []int64{1}},
	}}
	if err := b.Validate(schema); err == nil {
		t.Fatal("expected topic mismatch error")
	}
}

func TestValidateRejectsMissingColumn(t *testing.T) {
	schema := Schema{Topic: "rows", Columns: []ColumnSchema{{Name: "id", Type: ColumnInt64}}}
	b := Batch{Topic: "rows", NumRows: 1, Columns: map[string]Column{}}
	if err := b.Validate(schema); err == nil {
		t.Fatal("expected missing column error")
	}
}

func TestValidateAcceptsMatchingBatch(t *testing.T) {
	schema := Schema{Topic: "rows", Columns: []ColumnSchema{{Name: "id", Type: ColumnInt64}}}
	b := Batch{Topic: "rows", NumRows: 2, Columns: map[string]Column{
		"id": {Type: ColumnInt64, Validity: []bool{true, true}, Int64s: []int64{1, 2}},
	}}
	if err := b.Validate(schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestByteSizeSumsColumnBuffers(t *testing.T) {
	b := Batch{
		Topic:   "rows",
		NumRows: 2,
		Columns: map[string]Column{
			"id":   {Type: ColumnInt64, Validity: []bool{true, true}, Int64s: []int64{1, 2}},
			"name": {Type: ColumnString, Validity: []bool{true, true}, Strings: []string{"ab", "cde"}},
		},
	}
	// validity: 2 + 2 bits (as bools, 1 byte each) = 4
	// int64s: 2*8 = 16
	// strings: "ab"(2) + "cde"(3) = 5
	want := uint64(4 + 16 + 5)
	if got := b.ByteSize(); got != want {
		t.Fatalf("ByteSize() = %d, want %d", got, want)
	}
}

func TestByteSizeEmptyBatchIsZero(t *testing.T) {
	b := Batch{Topic: "rows", NumRows: 0, Columns: map[string]Column{}}
	if got := b.ByteSize(); got != 0 {
		t.Fatalf("ByteSize() = %d, want 0", got)
	}
}

func TestValidateAcceptsTimestampDateAndDecimalColumns(t *testing.T) {
	schema := Schema{Topic: "rows", Columns: []ColumnSchema{
		{Name: "seen_at", Type: ColumnTimestampMs},
		{Name: "day", Type: ColumnDate},
		{Name: "amount", Type: ColumnDecimal, Precision: 10, Scale: 2},
	}}
	b := Batch{Topic: "rows", NumRows: 1, Columns: map[string]Column{
		"seen_at": {Type: ColumnTimestampMs, Validity: []bool{true}, Int64s: []int64{1700000000000}},
		"day":     {Type: ColumnDate, Validity: []bool{true}, Int64s: []int64{19723}},
		"amount":  {Type: ColumnDecimal, Validity: []bool{true}, Bytes: [][]byte{{0x04, 0xD2}}}, // 1234 unscaled -> 12.34
	}}
	if err := b.Validate(schema); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestByteSizeCountsTimestampDateAndDecimalColumns(t *testing.T) {
	b := Batch{
		Topic:   "rows",
		NumRows: 1,
		Columns: map[string]Column{
			"seen_at": {Type: ColumnTimestampMs, Validity: []bool{true}, Int64s: []int64{1700000000000}},
			"day":     {Type: ColumnDate, Validity: []bool{true}, Int64s: []int64{19723}},
			"amount":  {Type: ColumnDecimal, Validity: []bool{true}, Bytes: [][]byte{{0x04, 0xD2}}},
		},
	}
	// validity: 1+1+1 = 3; int64 columns: 8+8 = 16; decimal bytes: 2
	want := uint64(3 + 16 + 2)
	if got := b.ByteSize(); got != want {
		t.Fatalf("ByteSize() = %d, want %d", got, want)
	}
}
