// Package executor runs one dispatched job at a time: it resolves the
// job's environment, runs the bridge, and reports PROGRESS/CONCLUDE back
// over the transport. A bounded channel feeds a single goroutine, so a
// second dispatch arriving mid-job is rejected rather than queued
// unboundedly.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/bridge"
	"github.com/sl224/casparianflow-sub008/internal/envmanager"
	"github.com/sl224/casparianflow-sub008/internal/job"
	"github.com/sl224/casparianflow-sub008/internal/protocol"
)

// queueDepth is the capacity of the executor's dispatch channel. It is zero:
// a dispatch is handed over only while Run is idle and waiting for work, and
// one that arrives while a job is executing is rejected with
// DISPATCH_ACK{Accepted: false}.
const queueDepth = 0

// Sender is the subset of worker/transport.Manager the executor needs to
// report outcomes; narrowed to an interface so tests can fake it.
type Sender interface {
	Send(msg protocol.Message) error
	SendConclude(msg *protocol.Conclude) error
}

// Executor runs dispatched jobs sequentially on its own goroutine.
type Executor struct {
	env            *envmanager.Manager
	sender         Sender
	logger         *zap.Logger
	jobs           chan *protocol.Dispatch
	sourceCacheDir string
	outputDir      string
}

// New constructs an Executor. sourceCacheDir is the worker-local
// content-addressed cache of materialized plugin sources used to resolve
// a Dispatch whose PluginPayload is empty; pass "" to disable caching.
// outputDir anchors sink descriptors whose target is relative or unset;
// pass "" to require fully-resolved targets. Call Run to start its worker
// goroutine.
func New(env *envmanager.Manager, sender Sender, logger *zap.Logger, sourceCacheDir, outputDir string) *Executor {
	return &Executor{env: env, sender: sender, logger: logger, jobs: make(chan *protocol.Dispatch, queueDepth), sourceCacheDir: sourceCacheDir, outputDir: outputDir}
}

// Enqueue accepts d for execution, or rejects it immediately with a
// DISPATCH_ACK if the executor is not idle in Run. Safe to call from the
// transport's read goroutine.
func (e *Executor) Enqueue(d *protocol.Dispatch) {
	select {
	case e.jobs <- d:
		e.ack(d, true, "")
	default:
		e.ack(d, false, "worker busy")
	}
}

func (e *Executor) ack(d *protocol.Dispatch, accepted bool, reason string) {
	if err := e.sender.Send(&protocol.DispatchAck{JobID: d.JobID, DispatchGen: d.DispatchGen, Accepted: accepted, Reason: reason}); err != nil {
		e.logger.Warn("failed to send dispatch ack", zap.String("job_id", d.JobID), zap.Error(err))
	}
}

// Run processes jobs one at a time until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case d := <-e.jobs:
			e.execute(ctx, d)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Executor) execute(ctx context.Context, d *protocol.Dispatch) {
	start := time.Now()
	logger := e.logger.With(zap.String("job_id", d.JobID), zap.Uint64("dispatch_gen", d.DispatchGen))

	manifest, ok := e.env.Lookup(d.EnvHash)
	if !ok {
		e.conclude(d, false, job.ErrKindEnvMissing, "environment not resolvable on this worker", 0, 0, start)
		return
	}

	sinks, err := job.DecodeSinkDescriptors(d.SinkDescriptors)
	if err != nil {
		e.conclude(d, false, job.ErrKindSinkWriteFailed, fmt.Sprintf("malformed sink descriptors: %v", err), 0, 0, start)
		return
	}
	sinks = e.resolveSinkTargets(sinks, d.JobID)

	onProgress := func(rowsWritten, bytesWritten uint64, message string) {
		if err := e.sender.Send(&protocol.Progress{
			JobID: d.JobID, DispatchGen: d.DispatchGen,
			RowsWritten: rowsWritten, BytesWritten: bytesWritten, Message: message,
		}); err != nil {
			logger.Debug("failed to send progress", zap.Error(err))
		}
	}

	spec := bridge.JobSpec{
		PluginName:     d.PluginName,
		SourceHash:     d.SourceHash,
		PluginPayload:  d.PluginPayload,
		InputPath:      d.InputPath,
		SourceCacheDir: e.sourceCacheDir,
	}
	result, err := bridge.Run(ctx, manifest, spec, sinks, onProgress, logger)
	if err != nil {
		e.conclude(d, false, job.ErrKindPluginCrashed, err.Error(), result.RowsWritten, result.BytesWritten, start)
		return
	}

	e.conclude(d, result.Success, result.ErrorKind, result.ErrorMessage, result.RowsWritten, result.BytesWritten, start)
}

// resolveSinkTargets anchors each descriptor's target under the worker's
// output directory: an unset target becomes <output>/<topic>/<job_id> with
// the kind's extension (the embedded-DB kind instead becomes
// <output>/<topic>.db, one database file shared by every job of that topic),
// a relative target is joined onto the output directory, and an absolute
// target passes through untouched. Per-job file
// naming is what keeps concurrent workers from colliding in a shared
// output directory — no cross-job locking exists anywhere in the system.
func (e *Executor) resolveSinkTargets(sinks []job.SinkDescriptor, jobID string) []job.SinkDescriptor {
	if e.outputDir == "" {
		return sinks
	}
	out := make([]job.SinkDescriptor, len(sinks))
	for i, d := range sinks {
		switch {
		case d.Target == "":
			switch d.Kind {
			case job.SinkDelimited:
				d.Target = filepath.Join(e.outputDir, d.Topic, jobID+".csv")
			case job.SinkEmbeddedDB:
				d.Target = filepath.Join(e.outputDir, d.Topic+".db")
			default:
				d.Target = filepath.Join(e.outputDir, d.Topic, jobID+".cfc")
			}
		case !filepath.IsAbs(d.Target):
			d.Target = filepath.Join(e.outputDir, d.Target)
		}
		out[i] = d
	}
	return out
}

func (e *Executor) conclude(d *protocol.Dispatch, success bool, errKind job.ErrorKind, errMsg string, rows, bytes uint64, start time.Time) {
	msg := &protocol.Conclude{
		JobID: d.JobID, DispatchGen: d.DispatchGen, Success: success,
		ErrorKind: string(errKind), ErrorMessage: errMsg,
		RowsWritten: rows, BytesWritten: bytes, DurationMs: uint64(time.Since(start).Milliseconds()),
	}
	if err := e.sender.SendConclude(msg); err != nil {
		e.logger.Warn("failed to send conclude", zap.String("job_id", d.JobID), zap.Error(err))
	}
}
