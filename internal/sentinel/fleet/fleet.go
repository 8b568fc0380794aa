// Package fleet tracks connected workers in memory: a mutex-protected map
// plus a thin per-worker handle carrying whatever the transport needs to
// push a frame to that worker. Nothing here is persisted — a restarted
// sentinel rebuilds the registry from workers re-identifying.
package fleet

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/job"
	"github.com/sl224/casparianflow-sub008/internal/protocol"
)

// Sender pushes one frame to a connected worker. Implemented by the
// transport layer's per-connection writer so fleet stays transport-agnostic.
type Sender interface {
	Send(msg protocol.Message) error
}

// ConnectedWorker is the fleet's view of one live connection.
type ConnectedWorker struct {
	Record      job.WorkerRecord
	sender      Sender
}

// Manager is the Sentinel's in-memory worker registry.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*ConnectedWorker
	logger  *zap.Logger
}

// New returns an empty registry.
func New(logger *zap.Logger) *Manager {
	return &Manager{workers: make(map[string]*ConnectedWorker), logger: logger}
}

// Register adds or replaces a worker's connection. A second Register for
// an already-connected worker id replaces the old sender — the prior
// connection is assumed already closed by the transport layer.
func (m *Manager) Register(workerID string, record job.WorkerRecord, sender Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[workerID] = &ConnectedWorker{Record: record, sender: sender}
	m.logger.Info("worker registered", zap.String("worker_id", workerID), zap.String("hostname", record.Hostname))
}

// Deregister removes a worker, e.g. on connection loss.
func (m *Manager) Deregister(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
	m.logger.Info("worker deregistered", zap.String("worker_id", workerID))
}

// IsConnected reports whether workerID currently has a live connection.
func (m *Manager) IsConnected(workerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.workers[workerID]
	return ok
}

// ConnectedWorkers returns a shallow-copy snapshot, safe to range over
// without holding the registry lock.
func (m *Manager) ConnectedWorkers() []ConnectedWorker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectedWorker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	return out
}

// Dispatch sends msg to workerID's live connection.
func (m *Manager) Dispatch(workerID string, msg protocol.Message) error {
	m.mu.RLock()
	w, ok := m.workers[workerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("fleet: worker %q is not connected", workerID)
	}
	return w.sender.Send(msg)
}

// UpdateHeartbeat refreshes a worker's last-seen timestamp and current job.
func (m *Manager) UpdateHeartbeat(workerID string, currentJobID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return
	}
	w.Record.CurrentJobID = currentJobID
	w.Record.LastHeartbeat = at
}

// MarkBusy records jobID as workerID's current assignment at the moment a
// Dispatch is sent, closing the race window where onTick could otherwise
// claim and dispatch a second job to the same worker before its next
// HEARTBEAT (up to heartbeatInterval later) reports it busy.
func (m *Manager) MarkBusy(workerID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return
	}
	w.Record.CurrentJobID = jobID
}

// ClearAssignment clears workerID's current-job assignment — called when a
// dispatch is rejected, times out waiting for an ack, or concludes —
// so the worker becomes eligible for the next claim again.
func (m *Manager) ClearAssignment(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return
	}
	w.Record.CurrentJobID = ""
}

// ExpireStale deregisters every worker whose last heartbeat is older than
// cutoff and returns their ids. The released jobs are NOT touched here:
// the queue's lease expiry is the sole recovery path for work a silent
// worker was holding.
func (m *Manager) ExpireStale(cutoff time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for id, w := range m.workers {
		if w.Record.LastHeartbeat.Before(cutoff) {
			expired = append(expired, id)
			delete(m.workers, id)
			m.logger.Warn("worker expired after heartbeat silence",
				zap.String("worker_id", id), zap.Time("last_heartbeat", w.Record.LastHeartbeat))
		}
	}
	return expired
}

// WaitForWorker polls every 500ms until workerID connects, the timeout
// elapses, or stop is closed. The dispatch loop does not call it; a
// reconnecting worker is picked up by the next dispatch tick.
func (m *Manager) WaitForWorker(stop <-chan struct{}, workerID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.IsConnected(workerID) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-stop:
			return false
		}
	}
}
