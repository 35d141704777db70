package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	// closeGracePeriod is how long Close waits for the close frame to flush.
	closeGracePeriod = time.Second
)

// ErrTransportClosed is returned for operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport frames protocol messages over a WebSocket: one logical message
// per binary WebSocket message, FIFO in each direction. At most one
// concurrent sender (guarded here) and one concurrent receiver (by
// convention: only the receive loop, or the pre-auth handshake before it,
// reads).
type Transport struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	closed   bool
	closedMu sync.RWMutex
}

// NewTransport wraps an upgraded WebSocket connection.
func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// Send encodes and writes one logical message.
func (t *Transport) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return t.SendRaw(data)
}

// SendRaw writes one pre-encoded frame. Exposed for the pre-auth handshake;
// after StartProcessing only the send loop may write.
func (t *Transport) SendRaw(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.IsClosed() {
		return ErrTransportClosed
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}

// Receive reads and decodes the next logical message. A decode failure is
// reported with ErrDecode and does not invalidate the connection.
func (t *Transport) Receive() (Message, error) {
	data, err := t.ReceiveRaw()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// ReceiveRaw reads one raw frame. Exposed for the pre-auth handshake.
func (t *Transport) ReceiveRaw() ([]byte, error) {
	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		if t.IsClosed() || IsExpectedCloseError(err) {
			return nil, fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return nil, fmt.Errorf("transport read: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", ErrDecode, msgType)
	}
	return data, nil
}

// ReceiveTimeout reads the next message with a read deadline. Used for the
// bounded handshake waits before the loops are running.
func (t *Transport) ReceiveTimeout(d time.Duration) (Message, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(d))
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()
	return t.Receive()
}

// Close initiates an orderly shutdown: a normal-closure control frame, a
// short grace period, then the underlying socket close. Idempotent.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	t.closedMu.Unlock()

	t.writeMu.Lock()
	deadline := time.Now().Add(closeGracePeriod)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()

	return t.conn.Close()
}

// IsClosed reports whether Close has been called.
func (t *Transport) IsClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// IsExpectedCloseError reports whether a receive error is a normal
// teardown rather than a fault worth logging loudly.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTransportClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
