package fleet

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/job"
	"github.com/sl224/casparianflow-sub008/internal/protocol"
)

type fakeSender struct {
	sent    []protocol.Message
	failErr error
}

func (s *fakeSender) Send(msg protocol.Message) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestRegisterAndDispatch(t *testing.T) {
	m := New(zap.NewNop())
	sender := &fakeSender{}

	m.Register("worker-1", job.WorkerRecord{WorkerID: "worker-1", Hostname: "h1"}, sender)
	require.True(t, m.IsConnected("worker-1"))

	require.NoError(t, m.Dispatch("worker-1", &protocol.Retire{Reason: "draining"}))
	require.Len(t, sender.sent, 1)
}

func TestDispatchToUnknownWorkerFails(t *testing.T) {
	m := New(zap.NewNop())
	err := m.Dispatch("ghost", &protocol.Retire{})
	require.Error(t, err)
}

func TestDeregisterRemovesWorker(t *testing.T) {
	m := New(zap.NewNop())
	m.Register("worker-1", job.WorkerRecord{WorkerID: "worker-1"}, &fakeSender{})
	m.Deregister("worker-1")
	require.False(t, m.IsConnected("worker-1"))
}

func TestUpdateHeartbeatRefreshesCurrentJob(t *testing.T) {
	m := New(zap.NewNop())
	m.Register("worker-1", job.WorkerRecord{WorkerID: "worker-1"}, &fakeSender{})

	now := time.Now()
	m.UpdateHeartbeat("worker-1", "job-42", now)

	workers := m.ConnectedWorkers()
	require.Len(t, workers, 1)
	require.Equal(t, "job-42", workers[0].Record.CurrentJobID)
	require.False(t, workers[0].Record.Idle())
}

func TestConnectedWorkersIsASnapshot(t *testing.T) {
	m := New(zap.NewNop())
	m.Register("worker-1", job.WorkerRecord{WorkerID: "worker-1"}, &fakeSender{})

	snapshot := m.ConnectedWorkers()
	m.Deregister("worker-1")

	require.Len(t, snapshot, 1, "mutating the registry after the snapshot must not affect it")
}

func TestDispatchPropagatesSenderError(t *testing.T) {
	m := New(zap.NewNop())
	sender := &fakeSender{failErr: errors.New("connection reset")}
	m.Register("worker-1", job.WorkerRecord{WorkerID: "worker-1"}, sender)

	err := m.Dispatch("worker-1", &protocol.Retire{})
	require.ErrorContains(t, err, "connection reset")
}

func TestMarkBusyThenClearAssignmentRoundTrip(t *testing.T) {
	m := New(zap.NewNop())
	m.Register("worker-1", job.WorkerRecord{WorkerID: "worker-1"}, &fakeSender{})

	m.MarkBusy("worker-1", "job-7")
	workers := m.ConnectedWorkers()
	require.Len(t, workers, 1)
	require.Equal(t, "job-7", workers[0].Record.CurrentJobID)
	require.False(t, workers[0].Record.Idle())

	m.ClearAssignment("worker-1")
	workers = m.ConnectedWorkers()
	require.True(t, workers[0].Record.Idle())
}

func TestExpireStaleDropsSilentWorkersOnly(t *testing.T) {
	m := New(zap.NewNop())
	now := time.Now()
	m.Register("silent", job.WorkerRecord{WorkerID: "silent", LastHeartbeat: now.Add(-2 * time.Minute)}, &fakeSender{})
	m.Register("healthy", job.WorkerRecord{WorkerID: "healthy", LastHeartbeat: now}, &fakeSender{})

	expired := m.ExpireStale(now.Add(-time.Minute))
	require.Equal(t, []string{"silent"}, expired)
	require.False(t, m.IsConnected("silent"))
	require.True(t, m.IsConnected("healthy"))
}

func TestMarkBusyOnUnknownWorkerIsANoOp(t *testing.T) {
	m := New(zap.NewNop())
	require.NotPanics(t, func() { m.MarkBusy("ghost", "job-1") })
	require.NotPanics(t, func() { m.ClearAssignment("ghost") })
}
