// Package bridge spawns a job's plugin child process and streams its
// output batches to the configured sinks: a blocking read loop over a
// local Unix-domain socket carrying length-prefixed SCHEMA/BATCH/LOG/
// ERROR/EOF frames, with the child killed on any sink or protocol error.
package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/batch"
	"github.com/sl224/casparianflow-sub008/internal/bridgewire"
	"github.com/sl224/casparianflow-sub008/internal/job"
	"github.com/sl224/casparianflow-sub008/internal/sink"
)

// killGrace is how long a plugin child gets to exit after SIGTERM before
// Run escalates to SIGKILL.
const killGrace = 5 * time.Second

// startupTimeout bounds the window from spawn to SCHEMA receipt. A plugin
// that neither connects nor declares its schema within it is killed and
// the job concluded as a startup failure. Variable so tests can shorten it.
var startupTimeout = 30 * time.Second

// Result is the outcome of one Bridge run, ready to become a CONCLUDE frame.
type Result struct {
	Success      bool
	ErrorKind    job.ErrorKind
	ErrorMessage string
	RowsWritten  uint64
	BytesWritten uint64
}

// ProgressFunc is invoked for each LOG frame and row-count update the
// plugin child emits. Called from the same goroutine that reads the
// socket, so implementations must not block.
type ProgressFunc func(rowsWritten, bytesWritten uint64, message string)

// JobSpec carries the per-dispatch identity Run needs beyond the resolved
// environment: which plugin to run, the content hash identifying its
// source, the source bytes themselves (if the Sentinel embedded them),
// and the data file the plugin must process. SourceHash/PluginName/
// InputPath are distinct attributes of a Dispatch — the source is never
// a stand-in for the input, and vice versa.
type JobSpec struct {
	PluginName     string
	SourceHash     [32]byte
	PluginPayload  []byte // plugin source blob; empty means "resolve from SourceCacheDir"
	InputPath      string
	SourceCacheDir string // local content-addressed cache of materialized plugin sources, keyed by hex(SourceHash); empty disables caching
}

// Run spawns manifest's interpreter with the job's plugin source
// materialized on disk, accepts its single connection on a per-job Unix
// socket, demuxes SCHEMA/BATCH frames to per-topic sink.Writers opened
// from sinkDescs (validating each batch against its declared schema),
// and waits for EOF or ERROR before returning.
func Run(ctx context.Context, manifest job.PluginManifest, spec JobSpec, sinkDescs []job.SinkDescriptor, onProgress ProgressFunc, logger *zap.Logger) (Result, error) {
	jobDir, err := os.MkdirTemp("", "casparian-bridge-"+uuid.NewString())
	if err != nil {
		return Result{}, fmt.Errorf("bridge: create job temp dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	sockPath := filepath.Join(jobDir, "bridge.sock")
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return Result{}, fmt.Errorf("bridge: listen on %s: %w", sockPath, err)
	}
	defer listener.Close()

	sourcePath, err := materializeSource(jobDir, spec)
	if err != nil {
		return Result{Success: false, ErrorKind: job.ErrKindSourceUnavailable, ErrorMessage: err.Error()}, nil
	}

	cmd := exec.CommandContext(ctx, manifest.Interpreter, manifest.Args...)
	cmd.Dir = manifest.WorkDir
	cmd.Env = append(os.Environ(),
		"BRIDGE_SOCKET="+sockPath,
		"BRIDGE_SOURCE="+sourcePath,
		"BRIDGE_INPUT="+spec.InputPath,
		"BRIDGE_TOPICS="+topicList(sinkDescs),
	)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("bridge: start plugin: %w", err)
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	startupTimer := time.NewTimer(startupTimeout)
	defer startupTimer.Stop()

	var conn net.Conn
	select {
	case res := <-acceptCh:
		if res.err != nil {
			killChild(cmd, logger)
			reapChild(cmd) //nolint:errcheck
			return Result{}, fmt.Errorf("bridge: accept plugin connection: %w", res.err)
		}
		conn = res.conn
	case <-startupTimer.C:
		killChild(cmd, logger)
		reapChild(cmd) //nolint:errcheck
		return Result{Success: false, ErrorKind: job.ErrKindPluginStartupFailed, ErrorMessage: fmt.Sprintf("plugin did not connect within %s", startupTimeout)}, nil
	case <-ctx.Done():
		killChild(cmd, logger)
		reapChild(cmd) //nolint:errcheck
		return Result{Success: false, ErrorKind: job.ErrKindWorkerShutdown, ErrorMessage: "worker shut down before plugin connected"}, nil
	}
	defer conn.Close()

	writers := map[string]sink.Writer{}
	defer func() {
		for _, w := range writers {
			w.Abort()
		}
	}()
	schemas := map[string]batch.Schema{}

	var rowsWritten, bytesWritten uint64
	result := Result{}

	type frameResult struct {
		frame bridgewire.Frame
		err   error
	}
	frameCh := make(chan frameResult, 1)
	readOne := func() {
		frame, err := bridgewire.ReadFrame(conn)
		frameCh <- frameResult{frame, err}
	}
	go readOne()

	sawSchema := false
	startupC := startupTimer.C

readLoop:
	for {
		select {
		case <-ctx.Done():
			killChild(cmd, logger)
			result = Result{Success: false, ErrorKind: job.ErrKindWorkerShutdown, ErrorMessage: "worker shutting down", RowsWritten: rowsWritten, BytesWritten: bytesWritten}
			break readLoop

		case <-startupC:
			killChild(cmd, logger)
			result = Result{Success: false, ErrorKind: job.ErrKindPluginStartupFailed, ErrorMessage: fmt.Sprintf("plugin connected but declared no schema within %s", startupTimeout)}
			break readLoop

		case fr := <-frameCh:
			if fr.err != nil {
				// The plugin child closing its connection without an explicit
				// EOF frame is treated the same as a crash, unless the frame
				// was read in full but violated the wire contract — that gets
				// its own error kind rather than being blamed on the plugin's
				// process exit. Before the first SCHEMA it is a startup
				// failure: the plugin never got as far as declaring output.
				killChild(cmd, logger)
				kind := job.ErrKindPluginCrashed
				if !sawSchema {
					kind = job.ErrKindPluginStartupFailed
				}
				if errors.Is(fr.err, bridgewire.ErrProtocol) {
					kind = job.ErrKindBridgeProtocolError
				}
				result = Result{Success: false, ErrorKind: kind, ErrorMessage: fmt.Sprintf("connection closed before EOF: %v", fr.err), RowsWritten: rowsWritten, BytesWritten: bytesWritten}
				break readLoop
			}
			frame := fr.frame

			switch frame.Tag {
			case bridgewire.TagSchema:
				if !sawSchema {
					sawSchema = true
					startupTimer.Stop()
					startupC = nil
				}
				w, err := openWriterForTopic(frame.Schema.Topic, sinkDescs)
				if err != nil {
					killChild(cmd, logger)
					result = Result{Success: false, ErrorKind: job.ErrKindSinkWriteFailed, ErrorMessage: err.Error()}
					break readLoop
				}
				writers[frame.Schema.Topic] = w
				schemas[frame.Schema.Topic] = *frame.Schema
				go readOne()

			case bridgewire.TagBatch:
				w, ok := writers[frame.Batch.Topic]
				if !ok {
					killChild(cmd, logger)
					result = Result{Success: false, ErrorKind: job.ErrKindPluginCrashed, ErrorMessage: fmt.Sprintf("batch for undeclared topic %q", frame.Batch.Topic)}
					break readLoop
				}
				if schema, ok := schemas[frame.Batch.Topic]; ok {
					if err := frame.Batch.Validate(schema); err != nil {
						killChild(cmd, logger)
						result = Result{Success: false, ErrorKind: job.ErrKindSchemaMismatch, ErrorMessage: err.Error()}
						break readLoop
					}
				}
				if err := w.WriteBatch(*frame.Batch); err != nil {
					killChild(cmd, logger)
					result = Result{Success: false, ErrorKind: job.ErrKindSinkWriteFailed, ErrorMessage: err.Error()}
					break readLoop
				}
				rowsWritten += uint64(frame.Batch.NumRows)
				bytesWritten += frame.Batch.ByteSize()
				if onProgress != nil {
					onProgress(rowsWritten, bytesWritten, "")
				}
				go readOne()

			case bridgewire.TagLog:
				if onProgress != nil {
					onProgress(rowsWritten, bytesWritten, frame.Log)
				}
				go readOne()

			case bridgewire.TagError:
				killChild(cmd, logger)
				result = Result{Success: false, ErrorKind: job.ErrKindPluginCrashed, ErrorMessage: frame.Error}
				break readLoop

			case bridgewire.TagEOF:
				result = Result{Success: true, RowsWritten: rowsWritten, BytesWritten: bytesWritten}
				break readLoop
			}
		}
	}

	// Reap before commit: a plugin that exits non-zero after a clean EOF
	// frame is still a failure, and its staged output must be discarded
	// rather than renamed into place.
	if err := reapChild(cmd); err != nil && result.Success {
		result = Result{Success: false, ErrorKind: job.ErrKindPluginCrashed, ErrorMessage: fmt.Sprintf("plugin exited with error: %v", err)}
	}

	if result.Success {
		for topic, w := range writers {
			if err := w.Commit(); err != nil {
				return Result{}, fmt.Errorf("bridge: commit sink for topic %q: %w", topic, err)
			}
			delete(writers, topic) // committed writers must not be aborted by the deferred cleanup
		}
	}

	return result, nil
}

// materializeSource writes the job's plugin source to a path inside
// jobDir and returns it. An embedded payload is written directly and
// best-effort copied into SourceCacheDir under its SourceHash for future
// reference-only dispatches to resolve; an empty payload is resolved
// from that same cache, failing if the hash isn't present there.
func materializeSource(jobDir string, spec JobSpec) (string, error) {
	sourcePath := filepath.Join(jobDir, "source.bin")
	hashHex := hex.EncodeToString(spec.SourceHash[:])

	if len(spec.PluginPayload) > 0 {
		if err := os.WriteFile(sourcePath, spec.PluginPayload, 0o600); err != nil {
			return "", fmt.Errorf("write plugin source: %w", err)
		}
		if spec.SourceCacheDir != "" {
			if err := os.MkdirAll(spec.SourceCacheDir, 0o755); err == nil {
				_ = os.WriteFile(filepath.Join(spec.SourceCacheDir, hashHex), spec.PluginPayload, 0o600)
			}
		}
		return sourcePath, nil
	}

	if spec.SourceCacheDir == "" {
		return "", fmt.Errorf("no embedded plugin source and no local source cache configured for source_hash %s", hashHex)
	}
	cached, err := os.ReadFile(filepath.Join(spec.SourceCacheDir, hashHex))
	if err != nil {
		return "", fmt.Errorf("source_hash %s not resolvable from local cache: %w", hashHex, err)
	}
	if err := os.WriteFile(sourcePath, cached, 0o600); err != nil {
		return "", fmt.Errorf("write cached plugin source: %w", err)
	}
	return sourcePath, nil
}

func topicList(sinkDescs []job.SinkDescriptor) string {
	topics := make([]string, len(sinkDescs))
	for i, d := range sinkDescs {
		topics[i] = d.Topic
	}
	return strings.Join(topics, ",")
}

func openWriterForTopic(topic string, sinkDescs []job.SinkDescriptor) (sink.Writer, error) {
	for _, d := range sinkDescs {
		if d.Topic == topic {
			return sink.Open(d)
		}
	}
	return nil, fmt.Errorf("no sink descriptor declared for topic %q", topic)
}

// killChild asks the plugin child to stop with SIGTERM. The actual
// reaping — and the SIGKILL escalation if the child ignores the signal —
// happens in reapChild, which is Run's sole cmd.Wait call site on every
// exit path.
func killChild(cmd *exec.Cmd, logger *zap.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("plugin child already gone", zap.Error(err))
	}
}

func reapChild(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(killGrace):
		cmd.Process.Kill() //nolint:errcheck
		return <-done
	}
}
