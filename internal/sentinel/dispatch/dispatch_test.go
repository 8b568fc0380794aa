package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sl224/casparianflow-sub008/internal/job"
	"github.com/sl224/casparianflow-sub008/internal/protocol"
	"github.com/sl224/casparianflow-sub008/internal/queue"
	"github.com/sl224/casparianflow-sub008/internal/sentinel/fleet"
	"github.com/sl224/casparianflow-sub008/internal/sentinel/transport"
)

func TestLoopClaimsAndDispatchesToIdleWorker(t *testing.T) {
	gdb, err := queue.Open(queue.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	store := queue.New(gdb)

	envHash := [32]byte{9, 9, 9}
	jobID, err := store.Submit(context.Background(), job.Job{EnvHash: envHash, MaxAttempts: 3})
	require.NoError(t, err)

	listener, err := transport.Listen("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer listener.Close()

	loop, err := New(store, fleet.New(zap.NewNop()), listener, zap.NewNop(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx) //nolint:errcheck

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, &protocol.Identify{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    []protocol.CapabilityPair{{EnvHash: envHash}},
		Hostname:        "test-worker",
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ackMsg, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	ack, ok := ackMsg.(*protocol.IdentifyAck)
	require.True(t, ok)
	require.NotEmpty(t, ack.WorkerID)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	dispatchMsg, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	dispatch, ok := dispatchMsg.(*protocol.Dispatch)
	require.True(t, ok)
	require.Equal(t, jobID, dispatch.JobID)

	require.NoError(t, protocol.WriteFrame(conn, &protocol.DispatchAck{JobID: dispatch.JobID, DispatchGen: dispatch.DispatchGen, Accepted: true}))
	require.NoError(t, protocol.WriteFrame(conn, &protocol.Conclude{
		JobID: dispatch.JobID, DispatchGen: dispatch.DispatchGen, Success: true, RowsWritten: 7,
	}))

	require.Eventually(t, func() bool {
		receipt, err := store.GetReceipt(context.Background(), jobID)
		return err == nil && receipt.Success && receipt.RowsWritten == 7
	}, 3*time.Second, 50*time.Millisecond)
}

func TestReapStaleAcksReturnsJobToPendingAfterAcceptTimeout(t *testing.T) {
	gdb, err := queue.Open(queue.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	store := queue.New(gdb)

	envHash := [32]byte{4, 5, 6}
	jobID, err := store.Submit(context.Background(), job.Job{EnvHash: envHash, MaxAttempts: 3})
	require.NoError(t, err)
	claimed, err := store.Claim(context.Background(), "worker-1", []job.Capability{{EnvHash: envHash}}, time.Minute)
	require.NoError(t, err)

	listener, err := transport.Listen("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer listener.Close()

	fleetMgr := fleet.New(zap.NewNop())
	fleetMgr.Register("worker-1", job.WorkerRecord{WorkerID: "worker-1", CurrentJobID: jobID}, nil)

	loop, err := New(store, fleetMgr, listener, zap.NewNop(), 0)
	require.NoError(t, err)
	loop.pendingAcks[jobID] = ackWait{WorkerID: "worker-1", DispatchGen: claimed.DispatchGen, Deadline: time.Now().Add(-time.Millisecond)}

	loop.reapStaleAcks(context.Background())

	require.Empty(t, loop.pendingAcks)
	pending, err := store.ListPending(context.Background(), [][32]byte{envHash})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, jobID, pending[0].ID)
	require.Equal(t, job.ErrKindDispatchTimeout, pending[0].LastErrorKind)

	workers := fleetMgr.ConnectedWorkers()
	require.Len(t, workers, 1)
	require.True(t, workers[0].Record.Idle(), "worker must be cleared back to idle after a dispatch timeout")
}

func TestLoopReapsExpiredLeaseBackToPending(t *testing.T) {
	gdb, err := queue.Open(queue.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop(), LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	store := queue.New(gdb)

	envHash := [32]byte{1, 2, 3}
	jobID, err := store.Submit(context.Background(), job.Job{EnvHash: envHash, MaxAttempts: 3})
	require.NoError(t, err)
	_, err = store.Claim(context.Background(), "stale-worker", []job.Capability{{EnvHash: envHash}}, -time.Second)
	require.NoError(t, err)

	listener, err := transport.Listen("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	defer listener.Close()

	loop, err := New(store, fleet.New(zap.NewNop()), listener, zap.NewNop(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool {
		pending, err := store.ListPending(context.Background(), [][32]byte{envHash})
		return err == nil && len(pending) == 1 && pending[0].ID == jobID
	}, 3*time.Second, 50*time.Millisecond)
}
