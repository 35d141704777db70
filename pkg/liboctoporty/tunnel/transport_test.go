package tunnel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTransportPair connects two transports over a real websocket.
func newTransportPair(t *testing.T) (client, server *Transport) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *Transport, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- NewTransport(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	wsConn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}

	client = NewTransport(wsConn)
	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server transport never arrived")
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestTransportSendReceive(t *testing.T) {
	client, server := newTransportPair(t)

	sent := &Heartbeat{TimestampMS: 12345}
	require.NoError(t, client.Send(sent))

	got, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, sent, got)

	reply := &HeartbeatAck{TimestampMS: 12345, ServerTimestampMS: 12400, UptimeSeconds: 7}
	require.NoError(t, server.Send(reply))

	got, err = client.Receive()
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestTransportOrdering(t *testing.T) {
	client, server := newTransportPair(t)

	for i := 0; i < 50; i++ {
		require.NoError(t, client.Send(&Heartbeat{TimestampMS: int64(i)}))
	}
	for i := 0; i < 50; i++ {
		msg, err := server.Receive()
		require.NoError(t, err)
		hb, ok := msg.(*Heartbeat)
		require.True(t, ok)
		assert.Equal(t, int64(i), hb.TimestampMS)
	}
}

func TestTransportReceiveTimeout(t *testing.T) {
	client, _ := newTransportPair(t)

	start := time.Now()
	_, err := client.ReceiveTimeout(100 * time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	client, server := newTransportPair(t)

	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())
	assert.True(t, client.IsClosed())

	assert.ErrorIs(t, client.SendRaw([]byte{1}), ErrTransportClosed)

	_, err := server.Receive()
	assert.Error(t, err)
	assert.True(t, IsExpectedCloseError(err))
}

func TestTransportRejectsTextFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	wsConn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	tr := NewTransport(wsConn)
	defer tr.Close()

	_, err = tr.Receive()
	assert.ErrorIs(t, err, ErrDecode)
}
