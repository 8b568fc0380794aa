// Package dispatch implements the Sentinel's single authoritative control
// loop: one goroutine owns all fleet/queue state and is fed by channels
// from per-connection readers and a gocron tick, rather than by direct
// mutation from multiple goroutines. The tick drives job claiming, the
// lease reaper, and stale-worker eviction.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/job"
	"github.com/sl224/casparianflow-sub008/internal/metrics"
	"github.com/sl224/casparianflow-sub008/internal/protocol"
	"github.com/sl224/casparianflow-sub008/internal/queue"
	"github.com/sl224/casparianflow-sub008/internal/sentinel/fleet"
	"github.com/sl224/casparianflow-sub008/internal/sentinel/transport"
)

const (
	tickInterval = 500 * time.Millisecond
	defaultLease = 2 * time.Minute

	// defaultHeartbeatTimeout is 3x the heartbeat interval workers are told
	// in IDENTIFY_ACK.
	defaultHeartbeatTimeout = 90 * time.Second

	// dispatchAcceptTimeout bounds how long the Sentinel waits for a
	// DISPATCH_ACK after sending a Dispatch before giving up on the worker
	// and returning the job to PENDING.
	dispatchAcceptTimeout = 5 * time.Second
)

// ackWait tracks a Dispatch sent to a worker that hasn't yet been
// acknowledged.
type ackWait struct {
	WorkerID    string
	DispatchGen uint64
	Deadline    time.Time
}

// Loop is the Sentinel's single-goroutine control plane.
type Loop struct {
	store       *queue.Store
	fleetMgr    *fleet.Manager
	listener    *transport.Listener
	logger      *zap.Logger
	sched       gocron.Scheduler
	hbTimeout   time.Duration
	pendingAcks map[string]ackWait // jobID -> outstanding dispatch; touched only from Run's goroutine
}

// New wires a Loop from its collaborators. heartbeatTimeout is how long a
// worker may stay silent before it is dropped from the fleet; zero selects
// the default. Callers must call Run to start processing; construction
// alone does not start any goroutine.
func New(store *queue.Store, fleetMgr *fleet.Manager, listener *transport.Listener, logger *zap.Logger, heartbeatTimeout time.Duration) (*Loop, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatch: create scheduler: %w", err)
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Loop{store: store, fleetMgr: fleetMgr, listener: listener, logger: logger, sched: sched, hbTimeout: heartbeatTimeout, pendingAcks: make(map[string]ackWait)}, nil
}

// Run is the Sentinel's event loop: receives Inbound frames and tick
// signals on its own channels and processes them one at a time, so fleet
// and queue state is only ever touched from this one goroutine.
func (l *Loop) Run(ctx context.Context) error {
	inbound := make(chan transport.Inbound, 256)
	disconnected := make(chan string, 64)
	tick := make(chan struct{}, 1)

	go l.listener.Serve(inbound, disconnected)

	_, err := l.sched.NewJob(
		gocron.DurationJob(tickInterval),
		gocron.NewTask(func() {
			select {
			case tick <- struct{}{}:
			default: // a tick is already pending; skip this one
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("dispatch: schedule tick job: %w", err)
	}
	l.sched.Start()
	defer l.sched.Shutdown() //nolint:errcheck

	connToWorker := map[string]string{}

	for {
		select {
		case <-ctx.Done():
			// Best-effort retirement: workers finish their current job and
			// reconnect once a sentinel is back.
			for _, w := range l.fleetMgr.ConnectedWorkers() {
				if err := l.fleetMgr.Dispatch(w.Record.WorkerID, &protocol.Retire{Reason: "sentinel shutting down"}); err != nil {
					l.logger.Debug("failed to send retire", zap.String("worker_id", w.Record.WorkerID), zap.Error(err))
				}
			}
			return nil

		case in := <-inbound:
			l.handleInbound(ctx, in, connToWorker)

		case connID := <-disconnected:
			if workerID, ok := connToWorker[connID]; ok {
				l.fleetMgr.Deregister(workerID)
				delete(connToWorker, connID)
			}

		case <-tick:
			l.onTick(ctx)
		}
	}
}

func (l *Loop) handleInbound(ctx context.Context, in transport.Inbound, connToWorker map[string]string) {
	switch msg := in.Msg.(type) {
	case *protocol.Identify:
		workerID := msg.WorkerID
		if workerID == "" {
			workerID = fmt.Sprintf("worker-%s", in.ConnID)
		}
		connToWorker[in.ConnID] = workerID

		sender, ok := l.listener.Sender(in.ConnID)
		if !ok {
			l.logger.Warn("identify from connection with no registered sender", zap.String("conn_id", in.ConnID))
			return
		}
		l.fleetMgr.Register(workerID, job.WorkerRecord{
			WorkerID:      workerID,
			Hostname:      msg.Hostname,
			Capabilities:  capabilityPairsToJob(msg.Capabilities),
			ConnectedAt:   time.Now(),
			LastHeartbeat: time.Now(),
		}, sender)

		if err := l.fleetMgr.Dispatch(workerID, &protocol.IdentifyAck{
			ProtocolVersion:   protocol.ProtocolVersion,
			WorkerID:          workerID,
			HeartbeatInterval: uint32(l.hbTimeout.Seconds() / 3),
		}); err != nil {
			l.logger.Warn("failed to ack identify", zap.String("worker_id", workerID), zap.Error(err))
		}

	case *protocol.Heartbeat:
		l.fleetMgr.UpdateHeartbeat(msg.WorkerID, currentJobOf(msg), time.Now())
		if msg.HasCurrentJob {
			// A heartbeat from the claimant extends the job's lease; a stale
			// dispatch generation means the lease was already reaped and
			// reassigned, and the extension is refused by the store.
			if err := l.store.Heartbeat(ctx, msg.CurrentJobID, msg.DispatchGen, defaultLease); err != nil && !errors.Is(err, queue.ErrNotFound) {
				l.logger.Warn("lease extension failed", zap.String("job_id", msg.CurrentJobID), zap.Error(err))
			}
		}

	case *protocol.DispatchAck:
		wait, waiting := l.pendingAcks[msg.JobID]
		delete(l.pendingAcks, msg.JobID)
		if !msg.Accepted {
			l.logger.Warn("worker rejected dispatch", zap.String("job_id", msg.JobID), zap.String("reason", msg.Reason))
			if err := l.store.Fail(ctx, job.Receipt{JobID: msg.JobID, Success: false, ErrorKind: job.ErrKindWorkerLost, ErrorMessage: msg.Reason}, msg.DispatchGen); err != nil {
				l.logger.Warn("failed to record dispatch rejection", zap.Error(err))
			}
			if waiting {
				l.fleetMgr.ClearAssignment(wait.WorkerID)
			}
			metrics.JobOutcomesTotal.WithLabelValues("rejected").Inc()
		}

	case *protocol.Progress:
		if err := l.store.BulkAppendLogs(ctx, []job.LogEntry{{
			JobID: msg.JobID, At: time.Now(), Rows: msg.RowsWritten, Bytes: msg.BytesWritten, Message: msg.Message,
		}}); err != nil {
			l.logger.Warn("failed to persist progress", zap.String("job_id", msg.JobID), zap.Error(err))
		}

	case *protocol.Conclude:
		delete(l.pendingAcks, msg.JobID)
		receipt := job.Receipt{
			JobID: msg.JobID, Success: msg.Success, ErrorKind: job.ErrorKind(msg.ErrorKind),
			ErrorMessage: msg.ErrorMessage, RowsWritten: msg.RowsWritten, BytesWritten: msg.BytesWritten,
			DurationMs: msg.DurationMs, ConcludedAt: time.Now(),
		}
		var err error
		if msg.Success {
			err = l.store.Complete(ctx, receipt, msg.DispatchGen)
		} else {
			err = l.store.Fail(ctx, receipt, msg.DispatchGen)
		}
		if err != nil {
			l.logger.Warn("failed to record conclude", zap.String("job_id", msg.JobID), zap.Error(err))
		} else if msg.Success {
			metrics.JobOutcomesTotal.WithLabelValues("completed").Inc()
		} else {
			metrics.JobOutcomesTotal.WithLabelValues("failed").Inc()
		}
		if workerID, ok := connToWorker[in.ConnID]; ok {
			l.fleetMgr.ClearAssignment(workerID)
		}

	case *protocol.ErrorMsg:
		l.logger.Warn("worker reported protocol error", zap.String("kind", msg.Kind), zap.String("message", msg.Message))
	}
}

func currentJobOf(hb *protocol.Heartbeat) string {
	if hb.HasCurrentJob {
		return hb.CurrentJobID
	}
	return ""
}

func (l *Loop) onTick(ctx context.Context) {
	if reaped, err := l.store.ReapExpired(ctx); err != nil {
		l.logger.Warn("reap expired failed", zap.Error(err))
	} else if reaped > 0 {
		l.logger.Info("reaped expired leases", zap.Int64("count", reaped))
		metrics.LeasesReapedTotal.Add(float64(reaped))
	}

	l.reapStaleAcks(ctx)

	// Workers that stopped heartbeating are dropped from the fleet only;
	// any job they still hold comes back through lease expiry above, not
	// through a targeted reap here.
	l.fleetMgr.ExpireStale(time.Now().Add(-l.hbTimeout))

	workers := l.fleetMgr.ConnectedWorkers()
	metrics.ConnectedWorkers.Set(float64(len(workers)))

	if pending, err := l.store.ListPending(ctx, nil); err != nil {
		l.logger.Debug("list pending for metrics failed", zap.Error(err))
	} else {
		metrics.PendingJobs.Set(float64(len(pending)))
	}

	for _, w := range workers {
		if !w.Record.Idle() {
			continue
		}
		if len(w.Record.Capabilities) == 0 {
			continue
		}

		timer := prometheus.NewTimer(metrics.ClaimDuration)
		claimed, err := l.store.Claim(ctx, w.Record.WorkerID, w.Record.Capabilities, defaultLease)
		timer.ObserveDuration()
		if err != nil {
			if err != queue.ErrNoEligibleJob {
				l.logger.Warn("claim failed", zap.String("worker_id", w.Record.WorkerID), zap.Error(err))
			}
			continue
		}

		if err := l.fleetMgr.Dispatch(w.Record.WorkerID, &protocol.Dispatch{
			JobID: claimed.ID, DispatchGen: claimed.DispatchGen,
			PluginName: claimed.PluginName, SourceHash: claimed.SourceHash, EnvHash: claimed.EnvHash,
			PluginPayload: claimed.PluginPayload, InputPath: claimed.InputPath,
			SinkDescriptors: job.EncodeSinkDescriptors(claimed.Sinks),
			MaxAttempts:     claimed.MaxAttempts, Attempt: claimed.Attempt,
		}); err != nil {
			l.logger.Warn("dispatch send failed, job will be retried after lease expiry", zap.String("job_id", claimed.ID), zap.Error(err))
		} else {
			l.fleetMgr.MarkBusy(w.Record.WorkerID, claimed.ID)
			l.pendingAcks[claimed.ID] = ackWait{WorkerID: w.Record.WorkerID, DispatchGen: claimed.DispatchGen, Deadline: time.Now().Add(dispatchAcceptTimeout)}
			metrics.DispatchesTotal.Inc()
		}
	}
}

// reapStaleAcks returns jobs whose DISPATCH_ACK never arrived within
// dispatchAcceptTimeout back to PENDING, freeing the worker's assignment
// so the next tick can try it (or another worker) again.
func (l *Loop) reapStaleAcks(ctx context.Context) {
	now := time.Now()
	for jobID, wait := range l.pendingAcks {
		if now.Before(wait.Deadline) {
			continue
		}
		delete(l.pendingAcks, jobID)
		l.logger.Warn("dispatch accept timeout, returning job to pending", zap.String("job_id", jobID), zap.String("worker_id", wait.WorkerID))
		if err := l.store.Fail(ctx, job.Receipt{
			JobID: jobID, Success: false, ErrorKind: job.ErrKindDispatchTimeout,
			ErrorMessage: "no DISPATCH_ACK within timeout", ConcludedAt: now,
		}, wait.DispatchGen); err != nil {
			l.logger.Warn("failed to record dispatch timeout", zap.String("job_id", jobID), zap.Error(err))
		}
		l.fleetMgr.ClearAssignment(wait.WorkerID)
		metrics.JobOutcomesTotal.WithLabelValues("dispatch_timeout").Inc()
	}
}

func capabilityPairsToJob(pairs []protocol.CapabilityPair) []job.Capability {
	out := make([]job.Capability, len(pairs))
	for i, p := range pairs {
		out[i] = job.Capability{PluginName: p.PluginName, EnvHash: p.EnvHash}
	}
	return out
}
