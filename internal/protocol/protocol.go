// Package protocol implements the Sentinel<->Worker wire codec: a
// length-prefixed binary framing with a fixed opcode set. Encode/Decode are
// pure functions — no I/O, no goroutines, no global state — so the codec
// can be exercised directly in tests and reused by both ends of the wire.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the payload type carried by a frame.
type Opcode byte

const (
	OpIdentify Opcode = iota + 1
	OpIdentifyAck
	OpHeartbeat
	OpDispatch
	OpDispatchAck
	OpProgress
	OpConclude
	OpPrepareEnv
	OpRetire
	OpError
)

func (o Opcode) String() string {
	switch o {
	case OpIdentify:
		return "IDENTIFY"
	case OpIdentifyAck:
		return "IDENTIFY_ACK"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpDispatch:
		return "DISPATCH"
	case OpDispatchAck:
		return "DISPATCH_ACK"
	case OpProgress:
		return "PROGRESS"
	case OpConclude:
		return "CONCLUDE"
	case OpPrepareEnv:
		return "PREPARE_ENV"
	case OpRetire:
		return "RETIRE"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(o))
	}
}

// ErrorKind enumerates the reasons a frame can be rejected before its
// payload is even interpreted.
type ErrorKind string

const (
	ErrShortFrame     ErrorKind = "SHORT_FRAME"
	ErrUnknownOpcode  ErrorKind = "UNKNOWN_OPCODE"
	ErrMalformedField ErrorKind = "MALFORMED_FIELD"
	ErrOversized      ErrorKind = "OVERSIZED"
	ErrVersionMismatch ErrorKind = "VERSION_MISMATCH"
)

// CodecError reports a framing or decode failure along with the kind of
// violation, so callers can log or count by kind without string matching.
type CodecError struct {
	Kind ErrorKind
	Msg  string
}

func (e *CodecError) Error() string { return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Msg) }

func newErr(kind ErrorKind, format string, args ...any) *CodecError {
	return &CodecError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ProtocolVersion is carried in IDENTIFY/IDENTIFY_ACK. A mismatch is a
// VERSION_MISMATCH error, not a silent downgrade.
const ProtocolVersion uint16 = 1

// MaxFrameSize bounds a single frame's payload; a declared length above
// this is rejected as OVERSIZED before any read of the payload is
// attempted, so a corrupt or hostile length field cannot force an
// unbounded allocation.
const MaxFrameSize = 64 * 1024 * 1024

const frameHeaderSize = 4 // length prefix only; opcode is the first payload byte

// Message is any of the typed payload structs below.
type Message interface {
	Opcode() Opcode
	encode() []byte
}

// --- Frame I/O ---

// WriteFrame encodes msg and writes it to w as
// [4-byte BE length][1-byte opcode][payload].
func WriteFrame(w io.Writer, msg Message) error {
	body := msg.encode()
	if len(body)+1 > MaxFrameSize {
		return newErr(ErrOversized, "payload %d bytes exceeds max frame size", len(body))
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)+1))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(msg.Opcode())}); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one frame from r and decodes it into its typed message.
func ReadFrame(r io.Reader) (Message, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, newErr(ErrShortFrame, "reading length prefix: %v", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length < 1 {
		return nil, newErr(ErrShortFrame, "declared length %d has no room for opcode", length)
	}
	if length > MaxFrameSize {
		return nil, newErr(ErrOversized, "declared length %d exceeds max frame size", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, newErr(ErrShortFrame, "reading %d-byte body: %v", length, err)
	}

	opcode := Opcode(body[0])
	payload := body[1:]
	return decode(opcode, payload)
}

// Encode is the pure in-memory counterpart of WriteFrame: it returns the
// whole frame as one byte slice. It does not apply WriteFrame's size limit.
func Encode(msg Message) []byte {
	body := msg.encode()
	out := make([]byte, frameHeaderSize+1+len(body))
	binary.BigEndian.PutUint32(out[:frameHeaderSize], uint32(len(body)+1))
	out[frameHeaderSize] = byte(msg.Opcode())
	copy(out[frameHeaderSize+1:], body)
	return out
}

// Decode is the pure in-memory counterpart of ReadFrame.
func Decode(raw []byte) (Message, error) {
	return ReadFrame(bytes.NewReader(raw))
}

func decode(opcode Opcode, payload []byte) (Message, error) {
	switch opcode {
	case OpIdentify:
		return decodeIdentify(payload)
	case OpIdentifyAck:
		return decodeIdentifyAck(payload)
	case OpHeartbeat:
		return decodeHeartbeat(payload)
	case OpDispatch:
		return decodeDispatch(payload)
	case OpDispatchAck:
		return decodeDispatchAck(payload)
	case OpProgress:
		return decodeProgress(payload)
	case OpConclude:
		return decodeConclude(payload)
	case OpPrepareEnv:
		return decodePrepareEnv(payload)
	case OpRetire:
		return decodeRetire(payload)
	case OpError:
		return decodeErrorMsg(payload)
	default:
		return nil, newErr(ErrUnknownOpcode, "opcode %d", byte(opcode))
	}
}

// --- binary field helpers ---

type writer struct{ buf bytes.Buffer }

func (w *writer) u16(v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); w.buf.Write(b[:]) }
func (w *writer) u32(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *writer) u64(v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }
func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}
func (w *writer) bytes32(h [32]byte) { w.buf.Write(h[:]) }
func (w *writer) bytesN(b []byte)    { w.u32(uint32(len(b))); w.buf.Write(b) }
func (w *writer) bool(b bool) {
	if b {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return newErr(ErrMalformedField, "need %d bytes, have %d", n, len(r.buf)-r.pos)
	}
	return nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if n > MaxFrameSize {
		return "", newErr(ErrOversized, "string field length %d", n)
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) bytes32() ([32]byte, error) {
	var h [32]byte
	if err := r.need(32); err != nil {
		return h, err
	}
	copy(h[:], r.buf[r.pos:r.pos+32])
	r.pos += 32
	return h, nil
}

func (r *reader) bytesN() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, newErr(ErrOversized, "byte field length %d", n)
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

func (r *reader) bool() (bool, error) {
	if err := r.need(1); err != nil {
		return false, err
	}
	v := r.buf[r.pos] != 0
	r.pos++
	return v, nil
}

func (r *reader) done() error {
	if r.pos != len(r.buf) {
		return newErr(ErrMalformedField, "%d trailing bytes after decode", len(r.buf)-r.pos)
	}
	return nil
}

// --- Identify / IdentifyAck ---

// CapabilityPair is one (plugin_name, env_hash) pair a worker advertises
// in IDENTIFY. An empty PluginName is a wildcard matching any plugin
// under EnvHash — see job.Capability, which this mirrors on the wire.
type CapabilityPair struct {
	PluginName string
	EnvHash    [32]byte
}

// Identify is sent once by the Worker immediately after connecting.
type Identify struct {
	ProtocolVersion uint16
	WorkerID        string // empty on first-ever connect; non-empty on reconnect
	Capabilities    []CapabilityPair
	Hostname        string
}

func (m *Identify) Opcode() Opcode { return OpIdentify }
func (m *Identify) encode() []byte {
	w := &writer{}
	w.u16(m.ProtocolVersion)
	w.str(m.WorkerID)
	w.u32(uint32(len(m.Capabilities)))
	for _, c := range m.Capabilities {
		w.str(c.PluginName)
		w.bytes32(c.EnvHash)
	}
	w.str(m.Hostname)
	return w.buf.Bytes()
}

func decodeIdentify(p []byte) (*Identify, error) {
	r := &reader{buf: p}
	m := &Identify{}
	var err error
	if m.ProtocolVersion, err = r.u16(); err != nil {
		return nil, err
	}
	if m.WorkerID, err = r.str(); err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.Capabilities = make([]CapabilityPair, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		envHash, err := r.bytes32()
		if err != nil {
			return nil, err
		}
		m.Capabilities = append(m.Capabilities, CapabilityPair{PluginName: name, EnvHash: envHash})
	}
	if m.Hostname, err = r.str(); err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	if m.ProtocolVersion != ProtocolVersion {
		return nil, newErr(ErrVersionMismatch, "worker speaks version %d, sentinel speaks %d", m.ProtocolVersion, ProtocolVersion)
	}
	return m, nil
}

// IdentifyAck confirms registration and assigns a worker id on first connect.
type IdentifyAck struct {
	ProtocolVersion   uint16
	WorkerID          string
	HeartbeatInterval uint32 // seconds
}

func (m *IdentifyAck) Opcode() Opcode { return OpIdentifyAck }
func (m *IdentifyAck) encode() []byte {
	w := &writer{}
	w.u16(m.ProtocolVersion)
	w.str(m.WorkerID)
	w.u32(m.HeartbeatInterval)
	return w.buf.Bytes()
}

func decodeIdentifyAck(p []byte) (*IdentifyAck, error) {
	r := &reader{buf: p}
	m := &IdentifyAck{}
	var err error
	if m.ProtocolVersion, err = r.u16(); err != nil {
		return nil, err
	}
	if m.WorkerID, err = r.str(); err != nil {
		return nil, err
	}
	if m.HeartbeatInterval, err = r.u32(); err != nil {
		return nil, err
	}
	return m, r.done()
}

// --- Heartbeat ---

// Heartbeat is sent periodically by the Worker. CurrentJobID is empty when
// idle — presence, not a sentinel value, signals "has a job".
type Heartbeat struct {
	WorkerID       string
	TimestampMs    uint64
	HasCurrentJob  bool
	CurrentJobID   string
	DispatchGen    uint64
}

func (m *Heartbeat) Opcode() Opcode { return OpHeartbeat }
func (m *Heartbeat) encode() []byte {
	w := &writer{}
	w.str(m.WorkerID)
	w.u64(m.TimestampMs)
	w.bool(m.HasCurrentJob)
	w.str(m.CurrentJobID)
	w.u64(m.DispatchGen)
	return w.buf.Bytes()
}

func decodeHeartbeat(p []byte) (*Heartbeat, error) {
	r := &reader{buf: p}
	m := &Heartbeat{}
	var err error
	if m.WorkerID, err = r.str(); err != nil {
		return nil, err
	}
	if m.TimestampMs, err = r.u64(); err != nil {
		return nil, err
	}
	if m.HasCurrentJob, err = r.bool(); err != nil {
		return nil, err
	}
	if m.CurrentJobID, err = r.str(); err != nil {
		return nil, err
	}
	if m.DispatchGen, err = r.u64(); err != nil {
		return nil, err
	}
	return m, r.done()
}

// --- Dispatch / DispatchAck ---

// Dispatch assigns one job to a worker. PluginPayload carries the plugin
// source blob when the Sentinel chose to embed it; when empty, the
// worker must resolve SourceHash from its own local content-addressed
// cache instead. InputPath is the job's data file to process — distinct
// from the plugin source, which is why both travel on the wire rather
// than the worker inferring one from the other.
type Dispatch struct {
	JobID           string
	DispatchGen     uint64
	PluginName      string
	SourceHash      [32]byte
	EnvHash         [32]byte
	PluginPayload   []byte // plugin source blob, or empty if resolved from a local cache by SourceHash
	InputPath       string
	SinkDescriptors []byte // encoded []job.SinkDescriptor
	MaxAttempts     uint32
	Attempt         uint32
}

func (m *Dispatch) Opcode() Opcode { return OpDispatch }
func (m *Dispatch) encode() []byte {
	w := &writer{}
	w.str(m.JobID)
	w.u64(m.DispatchGen)
	w.str(m.PluginName)
	w.bytes32(m.SourceHash)
	w.bytes32(m.EnvHash)
	w.bytesN(m.PluginPayload)
	w.str(m.InputPath)
	w.bytesN(m.SinkDescriptors)
	w.u32(m.MaxAttempts)
	w.u32(m.Attempt)
	return w.buf.Bytes()
}

func decodeDispatch(p []byte) (*Dispatch, error) {
	r := &reader{buf: p}
	m := &Dispatch{}
	var err error
	if m.JobID, err = r.str(); err != nil {
		return nil, err
	}
	if m.DispatchGen, err = r.u64(); err != nil {
		return nil, err
	}
	if m.PluginName, err = r.str(); err != nil {
		return nil, err
	}
	if m.SourceHash, err = r.bytes32(); err != nil {
		return nil, err
	}
	if m.EnvHash, err = r.bytes32(); err != nil {
		return nil, err
	}
	if m.PluginPayload, err = r.bytesN(); err != nil {
		return nil, err
	}
	if m.InputPath, err = r.str(); err != nil {
		return nil, err
	}
	if m.SinkDescriptors, err = r.bytesN(); err != nil {
		return nil, err
	}
	if m.MaxAttempts, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Attempt, err = r.u32(); err != nil {
		return nil, err
	}
	return m, r.done()
}

// DispatchAck is the worker's immediate accept/reject of a Dispatch.
type DispatchAck struct {
	JobID       string
	DispatchGen uint64
	Accepted    bool
	Reason      string
}

func (m *DispatchAck) Opcode() Opcode { return OpDispatchAck }
func (m *DispatchAck) encode() []byte {
	w := &writer{}
	w.str(m.JobID)
	w.u64(m.DispatchGen)
	w.bool(m.Accepted)
	w.str(m.Reason)
	return w.buf.Bytes()
}

func decodeDispatchAck(p []byte) (*DispatchAck, error) {
	r := &reader{buf: p}
	m := &DispatchAck{}
	var err error
	if m.JobID, err = r.str(); err != nil {
		return nil, err
	}
	if m.DispatchGen, err = r.u64(); err != nil {
		return nil, err
	}
	if m.Accepted, err = r.bool(); err != nil {
		return nil, err
	}
	if m.Reason, err = r.str(); err != nil {
		return nil, err
	}
	return m, r.done()
}

// --- Progress ---

// Progress is an optional, best-effort mid-job update.
type Progress struct {
	JobID       string
	DispatchGen uint64
	RowsWritten uint64
	BytesWritten uint64
	Message     string
}

func (m *Progress) Opcode() Opcode { return OpProgress }
func (m *Progress) encode() []byte {
	w := &writer{}
	w.str(m.JobID)
	w.u64(m.DispatchGen)
	w.u64(m.RowsWritten)
	w.u64(m.BytesWritten)
	w.str(m.Message)
	return w.buf.Bytes()
}

func decodeProgress(p []byte) (*Progress, error) {
	r := &reader{buf: p}
	m := &Progress{}
	var err error
	if m.JobID, err = r.str(); err != nil {
		return nil, err
	}
	if m.DispatchGen, err = r.u64(); err != nil {
		return nil, err
	}
	if m.RowsWritten, err = r.u64(); err != nil {
		return nil, err
	}
	if m.BytesWritten, err = r.u64(); err != nil {
		return nil, err
	}
	if m.Message, err = r.str(); err != nil {
		return nil, err
	}
	return m, r.done()
}

// --- Conclude ---

// Conclude reports the final outcome of a dispatched job.
type Conclude struct {
	JobID        string
	DispatchGen  uint64
	Success      bool
	ErrorKind    string
	ErrorMessage string
	RowsWritten  uint64
	BytesWritten uint64
	DurationMs   uint64
}

func (m *Conclude) Opcode() Opcode { return OpConclude }
func (m *Conclude) encode() []byte {
	w := &writer{}
	w.str(m.JobID)
	w.u64(m.DispatchGen)
	w.bool(m.Success)
	w.str(m.ErrorKind)
	w.str(m.ErrorMessage)
	w.u64(m.RowsWritten)
	w.u64(m.BytesWritten)
	w.u64(m.DurationMs)
	return w.buf.Bytes()
}

func decodeConclude(p []byte) (*Conclude, error) {
	r := &reader{buf: p}
	m := &Conclude{}
	var err error
	if m.JobID, err = r.str(); err != nil {
		return nil, err
	}
	if m.DispatchGen, err = r.u64(); err != nil {
		return nil, err
	}
	if m.Success, err = r.bool(); err != nil {
		return nil, err
	}
	if m.ErrorKind, err = r.str(); err != nil {
		return nil, err
	}
	if m.ErrorMessage, err = r.str(); err != nil {
		return nil, err
	}
	if m.RowsWritten, err = r.u64(); err != nil {
		return nil, err
	}
	if m.BytesWritten, err = r.u64(); err != nil {
		return nil, err
	}
	if m.DurationMs, err = r.u64(); err != nil {
		return nil, err
	}
	return m, r.done()
}

// --- PrepareEnv ---

// PrepareEnv asks a worker to confirm an env_hash is resolvable before the
// Sentinel commits to dispatching work requiring it.
type PrepareEnv struct {
	EnvHash [32]byte
}

func (m *PrepareEnv) Opcode() Opcode { return OpPrepareEnv }
func (m *PrepareEnv) encode() []byte {
	w := &writer{}
	w.bytes32(m.EnvHash)
	return w.buf.Bytes()
}

func decodePrepareEnv(p []byte) (*PrepareEnv, error) {
	r := &reader{buf: p}
	m := &PrepareEnv{}
	var err error
	if m.EnvHash, err = r.bytes32(); err != nil {
		return nil, err
	}
	return m, r.done()
}

// --- Retire ---

// Retire tells a worker to stop accepting new dispatches and disconnect
// once its current job (if any) concludes.
type Retire struct {
	Reason string
}

func (m *Retire) Opcode() Opcode { return OpRetire }
func (m *Retire) encode() []byte {
	w := &writer{}
	w.str(m.Reason)
	return w.buf.Bytes()
}

func decodeRetire(p []byte) (*Retire, error) {
	r := &reader{buf: p}
	m := &Retire{}
	var err error
	if m.Reason, err = r.str(); err != nil {
		return nil, err
	}
	return m, r.done()
}

// --- Error ---

// ErrorMsg carries a codec-level or protocol-level complaint from one peer
// to the other, independent of any specific job. Fatal means the sender is
// about to close the connection; the receiver must not retry on it.
type ErrorMsg struct {
	Kind    string
	Message string
	Fatal   bool
}

func (m *ErrorMsg) Opcode() Opcode { return OpError }
func (m *ErrorMsg) encode() []byte {
	w := &writer{}
	w.str(m.Kind)
	w.str(m.Message)
	w.bool(m.Fatal)
	return w.buf.Bytes()
}

func decodeErrorMsg(p []byte) (*ErrorMsg, error) {
	r := &reader{buf: p}
	m := &ErrorMsg{}
	var err error
	if m.Kind, err = r.str(); err != nil {
		return nil, err
	}
	if m.Message, err = r.str(); err != nil {
		return nil, err
	}
	if m.Fatal, err = r.bool(); err != nil {
		return nil, err
	}
	return m, r.done()
}
