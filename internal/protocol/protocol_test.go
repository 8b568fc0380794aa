package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripAllOpcodes(t *testing.T) {
	msgs := []Message{
		&Identify{ProtocolVersion: ProtocolVersion, WorkerID: "", Capabilities: []CapabilityPair{{PluginName: "csv-ingest", EnvHash: [32]byte{1}}, {EnvHash: [32]byte{2}}}, Hostname: "host-1"},
		&IdentifyAck{ProtocolVersion: ProtocolVersion, WorkerID: "w-1", HeartbeatInterval: 30},
		&Heartbeat{WorkerID: "w-1", TimestampMs: 123456789, HasCurrentJob: true, CurrentJobID: "job-1", DispatchGen: 4},
		&Dispatch{JobID: "job-1", DispatchGen: 4, PluginName: "csv-ingest", SourceHash: [32]byte{4, 5}, EnvHash: [32]byte{1, 2, 3}, PluginPayload: []byte("payload"), InputPath: "/tmp/in.csv", SinkDescriptors: []byte("sinks"), MaxAttempts: 3, Attempt: 1},
		&DispatchAck{JobID: "job-1", DispatchGen: 4, Accepted: true, Reason: ""},
		&Progress{JobID: "job-1", DispatchGen: 4, RowsWritten: 10, BytesWritten: 1024, Message: "halfway"},
		&Conclude{JobID: "job-1", DispatchGen: 4, Success: true, ErrorKind: "", ErrorMessage: "", RowsWritten: 100, BytesWritten: 4096, DurationMs: 500},
		&PrepareEnv{EnvHash: [32]byte{9, 9, 9}},
		&Retire{Reason: "draining"},
		&ErrorMsg{Kind: string(ErrMalformedField), Message: "bad field", Fatal: true},
	}

	for _, m := range msgs {
		raw := Encode(m)
		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, m.Opcode(), got.Opcode())
		require.Equal(t, m, got)
	}
}

func TestWriteReadFrameStream(t *testing.T) {
	var buf bytes.Buffer
	want := &Heartbeat{WorkerID: "w-2", TimestampMs: 42, HasCurrentJob: false, DispatchGen: 1}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestShortFrameRejected(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 5, byte(OpHeartbeat)})
	require.Error(t, err)
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrShortFrame, cerr.Kind)
}

func TestUnknownOpcodeRejected(t *testing.T) {
	raw := Encode(&Retire{Reason: "x"})
	raw[4] = 200 // corrupt the opcode byte
	_, err := Decode(raw)
	require.Error(t, err)
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrUnknownOpcode, cerr.Kind)
}

func TestSingleBitCorruptionRejectedOrSafelyDecoded(t *testing.T) {
	raw := Encode(&Dispatch{JobID: "job-1", DispatchGen: 4, EnvHash: [32]byte{1}, MaxAttempts: 3, Attempt: 1})

	// Flip one bit in the first byte of the JobID text (byte 9, just after
	// the frame header, opcode and the string's 4-byte length) and confirm
	// the decoder either rejects the frame with a CodecError or returns a
	// non-nil message — it never panics.
	corrupt := append([]byte(nil), raw...)
	corrupt[9] ^= 0x01

	got, err := Decode(corrupt)
	if err != nil {
		var cerr *CodecError
		require.ErrorAs(t, err, &cerr)
		return
	}
	require.NotNil(t, got)
}

func TestVersionMismatchRejected(t *testing.T) {
	raw := Encode(&Identify{ProtocolVersion: ProtocolVersion + 1, Hostname: "h"})
	_, err := Decode(raw)
	require.Error(t, err)
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrVersionMismatch, cerr.Kind)
}

func TestOversizedFrameRejected(t *testing.T) {
	var hdr [4]byte
	hdr[0] = 0xFF
	hdr[1] = 0xFF
	hdr[2] = 0xFF
	hdr[3] = 0xFF
	_, err := Decode(hdr[:])
	require.Error(t, err)
	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrOversized, cerr.Kind)
}
