package queue

import (
	"encoding/hex"
	"fmt"

	"github.com/sl224/casparianflow-sub008/internal/job"
)

// encodeHash/decodeHash and encodeSinks/decodeSinks keep job.Job's
// composite fields (a fixed-size hash, a slice of sink descriptors) as
// plain columns rather than pulling in a JSON column type the rest of the
// queue store doesn't otherwise need. Sink descriptors reuse job's own
// explicit binary encoding (the same one DISPATCH frames carry) so there
// is exactly one encoding for this shape instead of a second ad hoc one.
func encodeHash(h [32]byte) string { return hex.EncodeToString(h[:]) }

func decodeHash(s string) ([32]byte, error) {
	var h [32]byte
	if s == "" {
		return h, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode env hash: %w", err)
	}
	if len(b) != 32 {
		return h, fmt.Errorf("env hash has %d bytes, want 32", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func encodeSinks(sinks []job.SinkDescriptor) ([]byte, error) {
	return job.EncodeSinkDescriptors(sinks), nil
}

func decodeSinks(b []byte) ([]job.SinkDescriptor, error) {
	if len(b) == 0 {
		return nil, nil
	}
	return job.DecodeSinkDescriptors(b)
}
