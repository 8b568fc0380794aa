// Package job defines the domain types shared by the queue store, the
// Sentinel, and the Worker: jobs, their state machine, sink descriptors,
// and the receipts a job leaves behind. These are plain structs, not
// protobuf-generated messages — the wire encoding lives in internal/protocol.
package job

import (
	"encoding/binary"
	"fmt"
	"time"
)

// State is a Job's position in its state machine.
type State string

const (
	StatePending           State = "PENDING"
	StateRunning           State = "RUNNING"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
	StatePermanentlyFailed State = "PERMANENTLY_FAILED"
)

// ErrorKind enumerates the reasons a job or dispatch can fail, mirrored
// from the wire protocol's codec-level ErrorKind but scoped to job
// execution outcomes rather than framing violations.
type ErrorKind string

const (
	ErrKindEnvMissing          ErrorKind = "ENV_MISSING"
	ErrKindPluginStartupFailed ErrorKind = "PLUGIN_STARTUP_FAILED"
	ErrKindPluginCrashed       ErrorKind = "PLUGIN_CRASHED"
	ErrKindSinkWriteFailed     ErrorKind = "SINK_WRITE_FAILED"
	ErrKindLeaseExpired        ErrorKind = "LEASE_EXPIRED"
	ErrKindTimeout             ErrorKind = "TIMEOUT"
	ErrKindWorkerLost          ErrorKind = "WORKER_LOST"
	ErrKindWorkerShutdown      ErrorKind = "WORKER_SHUTDOWN"
	ErrKindSourceUnavailable   ErrorKind = "SOURCE_UNAVAILABLE"
	ErrKindSchemaMismatch      ErrorKind = "SCHEMA_MISMATCH"
	ErrKindBridgeProtocolError ErrorKind = "BRIDGE_PROTOCOL_ERROR"
	ErrKindDispatchTimeout     ErrorKind = "DISPATCH_TIMEOUT"
)

// Permanent reports whether a failure with this kind can never succeed on
// retry: re-running the same plugin image against the same sink reproduces
// it deterministically, so the queue fails the job immediately instead of
// burning its remaining attempts. ENV_MISSING is deliberately not here —
// it is permanent only for the concluding worker, and another worker with
// the environment provisioned may still pick the job up. The attempt-
// bounded kinds (PLUGIN_STARTUP_FAILED, PLUGIN_CRASHED, ...) exhaust
// max_attempts instead.
func (k ErrorKind) Permanent() bool {
	return k == ErrKindSchemaMismatch
}

// SinkKind names a supported sink implementation.
type SinkKind string

const (
	SinkColumnarFile SinkKind = "columnar_file"
	SinkEmbeddedDB   SinkKind = "embedded_db"
	SinkDelimited    SinkKind = "delimited"
)

// WriteMode controls how a sink behaves when its target already has data.
type WriteMode string

const (
	WriteAppend       WriteMode = "append"
	WriteReplace      WriteMode = "replace"
	WriteFailIfExists WriteMode = "fail_if_exists"
)

// CompressionKind names a columnar-file sink's compression codec.
type CompressionKind string

const (
	CompressionNone   CompressionKind = "none"
	CompressionGzip   CompressionKind = "gzip"
	CompressionSnappy CompressionKind = "snappy"
	CompressionLZ4    CompressionKind = "lz4"
)

// SinkDescriptor describes where and how a job's output batches should be
// written. A job may declare more than one, keyed by topic.
type SinkDescriptor struct {
	Topic       string
	Kind        SinkKind
	Target      string // file path, table name, or directory, depending on Kind
	Mode        WriteMode
	Compression CompressionKind // only meaningful for SinkColumnarFile
}

// PluginManifest describes the plugin child a Worker must spawn to execute
// a job: the interpreter/binary and fixed arguments resolved by the
// environment manager from a job's env_hash.
type PluginManifest struct {
	EnvHash     [32]byte
	Interpreter string
	Args        []string
	WorkDir     string
}

// PluginStatus is a plugin manifest entry's lifecycle state.
type PluginStatus string

const (
	PluginActive  PluginStatus = "ACTIVE"
	PluginRetired PluginStatus = "RETIRED"
)

// Plugin is one registered (plugin_name, source_hash, env_hash) manifest
// entry. The triple is unique: re-registering the same name under a new
// source_hash or env_hash is a new deployment, not an update of this one.
type Plugin struct {
	Name       string
	SourceHash [32]byte
	EnvHash    [32]byte
	DeployedAt time.Time
	Status     PluginStatus
}

// Capability is one (plugin_name, env_hash) pair a worker advertises in
// IDENTIFY and a job's Claim matches against. An empty PluginName is a
// wildcard: it matches any job requesting EnvHash regardless of the
// plugin it names, which is how a worker whose environment manager only
// resolves env_hash (never plugin_name) still advertises something
// Claim can match against.
type Capability struct {
	PluginName string
	EnvHash    [32]byte
}

// Job is one unit of work in the queue store.
type Job struct {
	ID            string
	State         State
	PluginName    string
	SourceHash    [32]byte
	EnvHash       [32]byte
	PluginPayload []byte // materialized plugin source, embedded or empty if resolved from a worker-local cache
	InputPath     string // path to the data file the plugin must process
	Sinks         []SinkDescriptor
	SubmittedAt   time.Time
	LeaseWorkerID string
	LeaseDeadline time.Time
	DispatchGen   uint64
	Attempt       uint32
	MaxAttempts   uint32
	LastErrorKind ErrorKind
	LastErrorMsg  string
}

// Receipt is the durable outcome of a concluded job, derived from its
// CONCLUDE frame.
type Receipt struct {
	JobID        string
	Success      bool
	ErrorKind    ErrorKind
	ErrorMessage string
	RowsWritten  uint64
	BytesWritten uint64
	DurationMs   uint64
	ConcludedAt  time.Time
}

// LogEntry is one buffered progress record, persisted in bulk.
type LogEntry struct {
	JobID   string
	At      time.Time
	Phase   string
	Rows    uint64
	Bytes   uint64
	Message string
}

// WorkerRecord is the Sentinel's in-memory view of a connected worker.
type WorkerRecord struct {
	WorkerID      string
	Hostname      string
	Capabilities  []Capability
	ConnectedAt   time.Time
	CurrentJobID  string // empty when idle
	LastHeartbeat time.Time
}

// Idle reports whether the worker can accept a new dispatch.
func (w WorkerRecord) Idle() bool { return w.CurrentJobID == "" }

// EncodeSinkDescriptors and DecodeSinkDescriptors give DISPATCH's opaque
// SinkDescriptors field an explicit binary shape, consistent with
// internal/protocol's no-gob-on-the-wire rule — this blob crosses the same
// Sentinel<->Worker socket as the rest of a DISPATCH frame, so it follows
// the same length-prefixed-field convention rather than a Go-specific
// serialization format.
func EncodeSinkDescriptors(sinks []SinkDescriptor) []byte {
	var b []byte
	putU32 := func(v uint32) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], v)
		b = append(b, n[:]...)
	}
	putStr := func(s string) {
		putU32(uint32(len(s)))
		b = append(b, s...)
	}

	putU32(uint32(len(sinks)))
	for _, s := range sinks {
		putStr(s.Topic)
		putStr(string(s.Kind))
		putStr(s.Target)
		putStr(string(s.Mode))
		putStr(string(s.Compression))
	}
	return b
}

func DecodeSinkDescriptors(b []byte) ([]SinkDescriptor, error) {
	pos := 0
	need := func(n int) error {
		if pos+n > len(b) {
			return fmt.Errorf("job: short sink descriptor field, need %d have %d", n, len(b)-pos)
		}
		return nil
	}
	getU32 := func() (uint32, error) {
		if err := need(4); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint32(b[pos:])
		pos += 4
		return v, nil
	}
	getStr := func() (string, error) {
		n, err := getU32()
		if err != nil {
			return "", err
		}
		if err := need(int(n)); err != nil {
			return "", err
		}
		s := string(b[pos : pos+int(n)])
		pos += int(n)
		return s, nil
	}

	count, err := getU32()
	if err != nil {
		return nil, err
	}
	out := make([]SinkDescriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		topic, err := getStr()
		if err != nil {
			return nil, err
		}
		kind, err := getStr()
		if err != nil {
			return nil, err
		}
		target, err := getStr()
		if err != nil {
			return nil, err
		}
		mode, err := getStr()
		if err != nil {
			return nil, err
		}
		compression, err := getStr()
		if err != nil {
			return nil, err
		}
		out = append(out, SinkDescriptor{Topic: topic, Kind: SinkKind(kind), Target: target, Mode: WriteMode(mode), Compression: CompressionKind(compression)})
	}
	return out, nil
}
