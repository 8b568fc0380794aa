// Package transport implements the Worker's side of the Sentinel<->Worker
// wire: a reconnect-with-backoff loop, a persisted worker-id state file,
// and heartbeat/dispatch-receive goroutines.
package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/protocol"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.2
	heartbeatInterval = 30 * time.Second

	// defaultRetireGrace is how long a worker keeps finishing its current
	// job after a RETIRE before disconnecting, per the grace-period
	// retirement handshake.
	defaultRetireGrace = 60 * time.Second
)

// workerState is the on-disk persisted identity, written atomically
// (temp file + rename) so a restarted worker reconnects with the same id.
type workerState struct {
	WorkerID string `json:"worker_id"`
}

func loadState(path string) (workerState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return workerState{}, nil
		}
		return workerState{}, err
	}
	var s workerState
	if err := json.Unmarshal(raw, &s); err != nil {
		return workerState{}, err
	}
	return s, nil
}

func saveState(path string, s workerState) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DispatchHandler is invoked for each accepted Dispatch; it runs
// synchronously on the manager's read goroutine only long enough to hand
// the job to the executor's queue.
type DispatchHandler func(*protocol.Dispatch)

// Manager owns the Worker's single connection to the Sentinel.
type Manager struct {
	addr        string
	stateFile   string
	capsFunc    func() []string
	hostname    string
	onDispatch  DispatchHandler
	logger      *zap.Logger
	retireGrace time.Duration

	// HeartbeatEvery, when set before Run, overrides the cadence the
	// sentinel suggests in IDENTIFY_ACK.
	HeartbeatEvery time.Duration

	mu           sync.Mutex
	conn         net.Conn
	workerID     string
	currentJobID string
	dispatchGen  uint64
	retiring     bool

	// writeMu serializes WriteFrame calls on conn: the heartbeat goroutine,
	// the executor's Send/SendConclude, and the read goroutine's negative
	// DISPATCH_ACK all write the same stream, and two interleaved frames
	// would corrupt it.
	writeMu sync.Mutex
}

// New constructs a Manager. capsFunc is called fresh on every (re)connect
// so a worker's advertised capability set reflects its current environment
// scan rather than a value frozen at startup.
func New(addr, stateFile, hostname string, capsFunc func() []string, onDispatch DispatchHandler, logger *zap.Logger) *Manager {
	return &Manager{addr: addr, stateFile: stateFile, hostname: hostname, capsFunc: capsFunc, onDispatch: onDispatch, logger: logger, retireGrace: defaultRetireGrace}
}

// hexCapsToPairs wraps each env hash this worker can resolve as a
// wildcard capability — any plugin_name under that environment — since
// the environment manager itself only tracks env hashes, not
// (plugin_name, env_hash) pairs.
func hexCapsToPairs(hexHashes []string, logger *zap.Logger) []protocol.CapabilityPair {
	pairs := make([]protocol.CapabilityPair, 0, len(hexHashes))
	for _, hexHash := range hexHashes {
		raw, err := hex.DecodeString(hexHash)
		if err != nil || len(raw) != 32 {
			logger.Warn("skipping malformed env hash from capability set", zap.String("hash", hexHash))
			continue
		}
		var envHash [32]byte
		copy(envHash[:], raw)
		pairs = append(pairs, protocol.CapabilityPair{EnvHash: envHash})
	}
	return pairs
}

// Run connects and reconnects until ctx is cancelled, backing off with
// jitter between attempts and resetting the backoff on every successful
// connection.
func (m *Manager) Run(ctx context.Context) error {
	backoff := backoffInitial
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := m.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.logger.Warn("connection lost, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(jitter(backoff)):
			case <-ctx.Done():
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > backoffMax {
		next = backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration(rand.Float64()*2*delta-delta)
}

func (m *Manager) connect(ctx context.Context) error {
	state, err := loadState(m.stateFile)
	if err != nil {
		m.logger.Warn("failed to load worker state, starting fresh", zap.Error(err))
	}

	conn, err := net.Dial("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("dial sentinel: %w", err)
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.retiring = false // a fresh connection starts un-retired even if the prior one was retiring
	m.mu.Unlock()

	if err := m.writeFrame(conn, &protocol.Identify{
		ProtocolVersion: protocol.ProtocolVersion,
		WorkerID:        state.WorkerID,
		Capabilities:    hexCapsToPairs(m.capsFunc(), m.logger),
		Hostname:        m.hostname,
	}); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	ackMsg, err := protocol.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read identify ack: %w", err)
	}
	ack, ok := ackMsg.(*protocol.IdentifyAck)
	if !ok {
		if em, isErr := ackMsg.(*protocol.ErrorMsg); isErr {
			return fmt.Errorf("sentinel refused identify: %s: %s", em.Kind, em.Message)
		}
		return fmt.Errorf("expected IDENTIFY_ACK, got %s", ackMsg.Opcode())
	}

	m.mu.Lock()
	m.workerID = ack.WorkerID
	m.mu.Unlock()

	if ack.WorkerID != state.WorkerID {
		if err := saveState(m.stateFile, workerState{WorkerID: ack.WorkerID}); err != nil {
			m.logger.Warn("failed to persist worker state", zap.Error(err))
		}
	}

	m.logger.Info("connected to sentinel", zap.String("worker_id", ack.WorkerID))

	hbEvery := m.HeartbeatEvery
	if hbEvery <= 0 && ack.HeartbeatInterval > 0 {
		hbEvery = time.Duration(ack.HeartbeatInterval) * time.Second
	}
	if hbEvery <= 0 {
		hbEvery = heartbeatInterval
	}

	errCh := make(chan error, 2)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go m.heartbeatLoop(connCtx, hbEvery, errCh)
	go m.readLoop(conn, errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, every time.Duration, errCh chan<- error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.sendHeartbeat(); err != nil {
				errCh <- fmt.Errorf("heartbeat: %w", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sendHeartbeat() error {
	m.mu.Lock()
	conn := m.conn
	workerID := m.workerID
	currentJobID := m.currentJobID
	dispatchGen := m.dispatchGen
	m.mu.Unlock()

	return m.writeFrame(conn, &protocol.Heartbeat{
		WorkerID:      workerID,
		TimestampMs:   uint64(time.Now().UnixMilli()),
		HasCurrentJob: currentJobID != "",
		CurrentJobID:  currentJobID,
		DispatchGen:   dispatchGen,
	})
}

// writeFrame is the single funnel for every outbound frame on conn.
func (m *Manager) writeFrame(conn net.Conn, msg protocol.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return protocol.WriteFrame(conn, msg)
}

func (m *Manager) readLoop(conn net.Conn, errCh chan<- error) {
	for {
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			errCh <- fmt.Errorf("read: %w", err)
			return
		}
		switch d := msg.(type) {
		case *protocol.Dispatch:
			m.mu.Lock()
			retiring := m.retiring
			m.mu.Unlock()
			if retiring {
				m.logger.Warn("refusing dispatch while retiring", zap.String("job_id", d.JobID))
				if err := m.Send(&protocol.DispatchAck{JobID: d.JobID, DispatchGen: d.DispatchGen, Accepted: false, Reason: "worker retiring"}); err != nil {
					m.logger.Warn("failed to send dispatch ack", zap.Error(err))
				}
				continue
			}
			m.mu.Lock()
			m.currentJobID = d.JobID
			m.dispatchGen = d.DispatchGen
			m.mu.Unlock()
			m.onDispatch(d)
		case *protocol.Retire:
			m.handleRetire(d.Reason, conn)
		case *protocol.PrepareEnv:
			// Handled by the executor's env manager lookup in response to
			// the next Dispatch for this env hash; no immediate reply needed.
		}
	}
}

// handleRetire marks the worker as retiring — new dispatches are refused
// from this point on — then waits for the in-flight job (if any) to
// finish or for the grace period to elapse, whichever comes first, before
// closing the connection so Run's reconnect loop takes over, the same
// recover path used for lost connections.
func (m *Manager) handleRetire(reason string, conn net.Conn) {
	m.mu.Lock()
	if m.retiring {
		m.mu.Unlock()
		return
	}
	m.retiring = true
	m.mu.Unlock()

	m.logger.Info("sentinel requested retirement, draining current job", zap.String("reason", reason), zap.Duration("grace", m.retireGrace))

	go func() {
		deadline := time.After(m.retireGrace)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				idle := m.currentJobID == ""
				m.mu.Unlock()
				if idle {
					m.logger.Info("retirement drain complete, disconnecting")
					conn.Close()
					return
				}
			case <-deadline:
				m.logger.Warn("retirement grace period elapsed with job still running, disconnecting")
				conn.Close()
				return
			}
		}
	}()
}

// markIdle clears the worker's current-job state after a conclude, so the
// next heartbeat correctly reports idle.
func (m *Manager) markIdle() {
	m.mu.Lock()
	m.currentJobID = ""
	m.mu.Unlock()
}

// Send writes msg on the active connection — used by the executor to send
// DISPATCH_ACK, PROGRESS, and CONCLUDE frames.
func (m *Manager) Send(msg protocol.Message) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return m.writeFrame(conn, msg)
}

// SendConclude sends msg and then marks the worker idle, so callers don't
// need to remember the two-step sequence.
func (m *Manager) SendConclude(msg *protocol.Conclude) error {
	err := m.Send(msg)
	m.markIdle()
	return err
}

// DefaultStateDir returns the platform state directory (~/.casparian on
// Unix, %APPDATA%\casparian on Windows).
func DefaultStateDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "casparian")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".casparian"
	}
	return filepath.Join(home, ".casparian")
}
