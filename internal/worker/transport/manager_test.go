package transport

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/protocol"
)

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	_, err := loadState(path) // missing file is not an error
	require.NoError(t, err)

	require.NoError(t, saveState(path, workerState{WorkerID: "worker-abc"}))
	got, err := loadState(path)
	require.NoError(t, err)
	require.Equal(t, "worker-abc", got.WorkerID)
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	d := backoffInitial
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	require.LessOrEqual(t, d, backoffMax)
}

func TestJitterStaysWithinFraction(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		j := jitter(base)
		require.InDelta(t, base, j, float64(base)*jitterFraction+1)
	}
}

func TestConnectPersistsAssignedWorkerID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := protocol.ReadFrame(conn); err != nil {
			return
		}
		if err := protocol.WriteFrame(conn, &protocol.IdentifyAck{
			ProtocolVersion: protocol.ProtocolVersion, WorkerID: "worker-xyz", HeartbeatInterval: 30,
		}); err != nil {
			return
		}
		io.Copy(io.Discard, conn) //nolint:errcheck
	}()

	stateFile := filepath.Join(t.TempDir(), "state.json")
	m := New(ln.Addr().String(), stateFile, "host1", func() []string { return nil }, func(*protocol.Dispatch) {}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, m.connect(ctx))

	raw, err := os.ReadFile(stateFile)
	require.NoError(t, err)
	require.Contains(t, string(raw), "worker-xyz")
}

func TestSendWithoutConnectionFails(t *testing.T) {
	m := New("127.0.0.1:1", t.TempDir()+"/state.json", "host1", func() []string { return nil }, func(*protocol.Dispatch) {}, zap.NewNop())
	err := m.Send(&protocol.Retire{})
	require.Error(t, err)
}

func TestReadLoopRefusesDispatchWhileRetiring(t *testing.T) {
	sentinelSide, workerSide := net.Pipe()
	defer sentinelSide.Close()
	defer workerSide.Close()

	var dispatched bool
	m := New("unused", t.TempDir()+"/state.json", "host1", func() []string { return nil }, func(*protocol.Dispatch) { dispatched = true }, zap.NewNop())
	m.mu.Lock()
	m.conn = workerSide
	m.retiring = true
	m.mu.Unlock()

	errCh := make(chan error, 1)
	go m.readLoop(workerSide, errCh)

	require.NoError(t, protocol.WriteFrame(sentinelSide, &protocol.Dispatch{JobID: "job-1", DispatchGen: 1}))

	sentinelSide.SetReadDeadline(time.Now().Add(time.Second))
	ackMsg, err := protocol.ReadFrame(sentinelSide)
	require.NoError(t, err)
	ack, ok := ackMsg.(*protocol.DispatchAck)
	require.True(t, ok)
	require.False(t, ack.Accepted)
	require.False(t, dispatched, "dispatch handler must not run while retiring")
}

func TestHandleRetireDisconnectsAfterGraceIfJobNeverFinishes(t *testing.T) {
	sentinelSide, workerSide := net.Pipe()
	defer sentinelSide.Close()

	m := New("unused", t.TempDir()+"/state.json", "host1", func() []string { return nil }, func(*protocol.Dispatch) {}, zap.NewNop())
	m.retireGrace = 50 * time.Millisecond
	m.mu.Lock()
	m.currentJobID = "still-running"
	m.mu.Unlock()

	m.handleRetire("draining fleet", workerSide)

	require.Eventually(t, func() bool {
		_, err := workerSide.Write([]byte{0})
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "connection should close once the grace period elapses")
}
