package transport

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/protocol"
)

func startListener(t *testing.T) (*Listener, chan Inbound, chan string) {
	t.Helper()
	l, err := Listen("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	inbound := make(chan Inbound, 16)
	disconnected := make(chan string, 16)
	go l.Serve(inbound, disconnected)
	return l, inbound, disconnected
}

func TestServeForwardsFramesWithConnIdentity(t *testing.T) {
	l, inbound, _ := startListener(t)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, &protocol.Identify{
		ProtocolVersion: protocol.ProtocolVersion, Hostname: "w1",
	}))

	select {
	case in := <-inbound:
		require.NotEmpty(t, in.ConnID)
		ident, ok := in.Msg.(*protocol.Identify)
		require.True(t, ok)
		require.Equal(t, "w1", ident.Hostname)

		sender, ok := l.Sender(in.ConnID)
		require.True(t, ok)
		require.NoError(t, sender.Send(&protocol.IdentifyAck{ProtocolVersion: protocol.ProtocolVersion, WorkerID: "w1"}))
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound frame forwarded")
	}
}

func TestVersionMismatchGetsFatalErrorReplyAndCloseOfThatPeerOnly(t *testing.T) {
	l, inbound, disconnected := startListener(t)

	healthy, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer healthy.Close()
	require.NoError(t, protocol.WriteFrame(healthy, &protocol.Identify{
		ProtocolVersion: protocol.ProtocolVersion, Hostname: "healthy",
	}))
	<-inbound

	future, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer future.Close()
	require.NoError(t, protocol.WriteFrame(future, &protocol.Identify{
		ProtocolVersion: 99, Hostname: "future-worker",
	}))

	future.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := protocol.ReadFrame(future)
	require.NoError(t, err)
	em, ok := msg.(*protocol.ErrorMsg)
	require.True(t, ok)
	require.Equal(t, string(protocol.ErrVersionMismatch), em.Kind)
	require.True(t, em.Fatal)

	_, err = protocol.ReadFrame(future)
	require.ErrorIs(t, err, io.EOF, "peer connection must be closed after a fatal protocol error")

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a disconnect notification for the mismatched peer")
	}

	// The healthy peer's connection is untouched.
	require.NoError(t, protocol.WriteFrame(healthy, &protocol.Heartbeat{WorkerID: "healthy", TimestampMs: 1}))
	select {
	case in := <-inbound:
		_, ok := in.Msg.(*protocol.Heartbeat)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy peer should keep working after another peer's fatal error")
	}
}
