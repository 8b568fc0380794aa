package executor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/envmanager"
	"github.com/sl224/casparianflow-sub008/internal/job"
	"github.com/sl224/casparianflow-sub008/internal/protocol"
)

type fakeSender struct {
	acks      []*protocol.DispatchAck
	progress  []*protocol.Progress
	concludes []*protocol.Conclude
}

func (f *fakeSender) Send(msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.DispatchAck:
		f.acks = append(f.acks, m)
	case *protocol.Progress:
		f.progress = append(f.progress, m)
	}
	return nil
}

func (f *fakeSender) SendConclude(msg *protocol.Conclude) error {
	f.concludes = append(f.concludes, msg)
	return nil
}

func newEmptyEnvManager(t *testing.T) *envmanager.Manager {
	t.Helper()
	root := t.TempDir()
	return envmanager.New(root, zap.NewNop())
}

func TestExecuteConcludesEnvNotFound(t *testing.T) {
	env := newEmptyEnvManager(t)
	sender := &fakeSender{}
	e := New(env, sender, zap.NewNop(), "", "")

	d := &protocol.Dispatch{JobID: "job-1", DispatchGen: 1, EnvHash: [32]byte{7}}
	e.execute(context.Background(), d)

	require.Len(t, sender.concludes, 1)
	require.False(t, sender.concludes[0].Success)
	require.Equal(t, string(job.ErrKindEnvMissing), sender.concludes[0].ErrorKind)
}

func TestExecuteConcludesMalformedSinkDescriptors(t *testing.T) {
	root := t.TempDir()
	envHash := [32]byte{1, 2, 3}
	hashHex := hex.EncodeToString(envHash[:])
	envDir := filepath.Join(root, hashHex)
	require.NoError(t, os.MkdirAll(envDir, 0o755))

	spec, err := json.Marshal(map[string]any{"interpreter": "/bin/true", "args": []string{}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(envDir, "exec-spec.json"), spec, 0o644))

	env := envmanager.New(root, zap.NewNop())
	_, ok := env.Lookup(envHash)
	require.True(t, ok, "precondition: environment must resolve")

	sender := &fakeSender{}
	e := New(env, sender, zap.NewNop(), "", "")

	d := &protocol.Dispatch{JobID: "job-2", DispatchGen: 1, EnvHash: envHash, SinkDescriptors: []byte{0xFF, 0xFF}}
	e.execute(context.Background(), d)

	require.Len(t, sender.concludes, 1)
	require.False(t, sender.concludes[0].Success)
	require.Equal(t, string(job.ErrKindSinkWriteFailed), sender.concludes[0].ErrorKind)
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	env := newEmptyEnvManager(t)
	sender := &fakeSender{}
	e := New(env, sender, zap.NewNop(), "", "")

	// Fill the bounded queue without draining it (Run is never started).
	for i := 0; i < queueDepth; i++ {
		e.Enqueue(&protocol.Dispatch{JobID: "filler"})
	}
	e.Enqueue(&protocol.Dispatch{JobID: "overflow"})

	require.Eventually(t, func() bool {
		return len(sender.acks) == queueDepth+1
	}, time.Second, 10*time.Millisecond)

	last := sender.acks[len(sender.acks)-1]
	require.False(t, last.Accepted)
	require.Equal(t, "worker busy", last.Reason)
}
