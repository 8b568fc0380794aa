// Package transport implements the Sentinel's connection-accepting side of
// the Sentinel<->Worker wire: a plain TCP listener, one goroutine per
// connection reading protocol.Message frames and forwarding them to a
// single authoritative dispatch goroutine over a channel. The connection
// itself is the opaque per-peer identity — frames are attributed by the
// connID assigned at Accept, never by anything a peer claims about itself.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/sl224/casparianflow-sub008/internal/protocol"
)

// Inbound pairs a received message with the connection id it arrived on.
type Inbound struct {
	ConnID string
	Msg    protocol.Message
}

// connWriter implements fleet.Sender by serializing writes to one socket.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) Send(msg protocol.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.WriteFrame(w.conn, msg)
}

// Listener accepts worker connections and forwards their frames.
type Listener struct {
	ln     net.Listener
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*connWriter
}

// Listen binds addr and returns a ready Listener.
func Listen(addr string, logger *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln, logger: logger, conns: map[string]*connWriter{}}, nil
}

// Addr returns the bound address, useful when addr was ":0" in tests.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Sender returns the fleet.Sender for an already-accepted connection id.
func (l *Listener) Sender(connID string) (interface{ Send(protocol.Message) error }, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.conns[connID]
	return w, ok
}

// Serve accepts connections until Close is called, emitting one Inbound
// per received frame on inbound and one connID on disconnected whenever a
// connection's read loop exits (cleanly or on error).
func (l *Listener) Serve(inbound chan<- Inbound, disconnected chan<- string) {
	connSeq := 0
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return // listener closed
		}
		connSeq++
		connID := fmt.Sprintf("conn-%d-%s", connSeq, conn.RemoteAddr())

		w := &connWriter{conn: conn}
		l.mu.Lock()
		l.conns[connID] = w
		l.mu.Unlock()

		go l.readLoop(connID, conn, w, inbound, disconnected)
	}
}

func (l *Listener) readLoop(connID string, conn net.Conn, w *connWriter, inbound chan<- Inbound, disconnected chan<- string) {
	defer func() {
		conn.Close()
		l.mu.Lock()
		delete(l.conns, connID)
		l.mu.Unlock()
		disconnected <- connID
	}()

	for {
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			var cerr *protocol.CodecError
			if errors.As(err, &cerr) {
				// A frame that violates the wire contract terminates this peer
				// only. The worker is told why before the close so a version
				// mismatch is distinguishable from a network drop on its side.
				l.logger.Warn("closing connection on protocol violation",
					zap.String("conn_id", connID), zap.String("kind", string(cerr.Kind)), zap.Error(err))
				if sendErr := w.Send(&protocol.ErrorMsg{Kind: string(cerr.Kind), Message: cerr.Msg, Fatal: true}); sendErr != nil {
					l.logger.Debug("failed to send protocol error to peer", zap.Error(sendErr))
				}
			} else if err != io.EOF {
				l.logger.Debug("connection read error", zap.String("conn_id", connID), zap.Error(err))
			}
			return
		}
		inbound <- Inbound{ConnID: connID, Msg: msg}
	}
}
