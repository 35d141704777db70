package tunnel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnRequestResponse(t *testing.T) {
	clientT, serverT := newTransportPair(t)

	// Remote side answers every Request with a small Response.
	remote := NewConn(serverT)
	remote.StartProcessing(context.Background(), func(ctx context.Context, msg Message) {
		if req, ok := msg.(*Request); ok {
			remote.Enqueue(&Response{
				RequestID: req.RequestID,
				Status:    200,
				Body:      []byte("pong"),
			})
		}
	})
	defer remote.Dispose()

	local := NewConn(clientT)
	local.StartProcessing(context.Background(), nil)
	defer local.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := local.SendRequest(ctx, &Request{RequestID: "r1", Method: "GET", Path: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("pong"), resp.Body)
}

func TestConnStreamingOrder(t *testing.T) {
	clientT, serverT := newTransportPair(t)

	remote := NewConn(serverT)
	remote.StartProcessing(context.Background(), func(ctx context.Context, msg Message) {
		req, ok := msg.(*Request)
		if !ok {
			return
		}
		remote.Enqueue(&Response{RequestID: req.RequestID, Status: 200, HasMoreBody: true})
		for i := byte(0); i < 5; i++ {
			remote.Enqueue(&ResponseBodyChunk{RequestID: req.RequestID, Body: []byte{i}})
		}
		remote.Enqueue(&ResponseBodyChunk{RequestID: req.RequestID, IsFinal: true})
	})
	defer remote.Dispose()

	local := NewConn(clientT)
	local.StartProcessing(context.Background(), nil)
	defer local.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := local.SendStreamingRequest(ctx, &Request{RequestID: "s1", Method: "GET", Path: "/big"})
	require.NoError(t, err)

	var gotHead bool
	var chunks [][]byte
	var sawFinal bool
	for ev := range events {
		require.NoError(t, ev.Err)
		switch {
		case ev.Response != nil:
			assert.False(t, gotHead, "response head must arrive exactly once")
			assert.True(t, ev.Response.HasMoreBody)
			gotHead = true
		case ev.Chunk != nil:
			assert.True(t, gotHead, "chunks must follow the head")
			if ev.Chunk.IsFinal {
				sawFinal = true
			} else {
				chunks = append(chunks, ev.Chunk.Body)
			}
		}
	}

	require.True(t, gotHead)
	require.True(t, sawFinal)
	require.Len(t, chunks, 5)
	for i, c := range chunks {
		assert.Equal(t, []byte{byte(i)}, c, "chunk %d out of order", i)
	}
}

func TestConnSlowStreamConsumerLosesNoChunks(t *testing.T) {
	if testing.Short() {
		t.Skip("stalls the consumer for several seconds")
	}
	clientT, serverT := newTransportPair(t)

	const chunkCount = StreamBufferCapacity + 50

	remote := NewConn(serverT)
	remote.StartProcessing(context.Background(), func(ctx context.Context, msg Message) {
		req, ok := msg.(*Request)
		if !ok {
			return
		}
		remote.Enqueue(&Response{RequestID: req.RequestID, Status: 200, HasMoreBody: true})
		for i := 0; i < chunkCount; i++ {
			remote.Enqueue(&ResponseBodyChunk{RequestID: req.RequestID, Body: []byte{byte(i >> 8), byte(i)}})
		}
		remote.Enqueue(&ResponseBodyChunk{RequestID: req.RequestID, IsFinal: true})
	})
	defer remote.Dispose()

	local := NewConn(clientT)
	local.StartProcessing(context.Background(), nil)
	defer local.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	events, err := local.SendStreamingRequest(ctx, &Request{RequestID: "slow-reader", Method: "GET", Path: "/big"})
	require.NoError(t, err)

	// The event buffer fills while the consumer stalls; delivery must
	// block until the consumer resumes, never drop chunks or abandon
	// the stream.
	time.Sleep(5500 * time.Millisecond)

	var gotHead, sawFinal bool
	var chunks [][]byte
	for ev := range events {
		require.NoError(t, ev.Err)
		switch {
		case ev.Response != nil:
			gotHead = true
		case ev.Chunk != nil:
			if ev.Chunk.IsFinal {
				sawFinal = true
			} else {
				chunks = append(chunks, ev.Chunk.Body)
			}
		}
	}

	require.True(t, gotHead)
	require.True(t, sawFinal, "final chunk must survive the stall")
	require.Len(t, chunks, chunkCount, "every chunk must survive the stall")
	for i, c := range chunks {
		assert.Equal(t, []byte{byte(i >> 8), byte(i)}, c, "chunk %d out of order", i)
	}
}

func TestConnSmallResponseResolvesPendingNotStream(t *testing.T) {
	clientT, serverT := newTransportPair(t)

	remote := NewConn(serverT)
	remote.StartProcessing(context.Background(), func(ctx context.Context, msg Message) {
		if req, ok := msg.(*Request); ok {
			remote.Enqueue(&Response{RequestID: req.RequestID, Status: 204})
		}
	})
	defer remote.Dispose()

	local := NewConn(clientT)
	local.StartProcessing(context.Background(), nil)
	defer local.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := local.SendStreamingRequest(ctx, &Request{RequestID: "s2", Method: "GET", Path: "/small"})
	require.NoError(t, err)

	// With a stream slot open, even a complete response arrives there and
	// the channel closes right after.
	ev, ok := <-events
	require.True(t, ok)
	require.NotNil(t, ev.Response)
	assert.Equal(t, 204, ev.Response.Status)
	assert.False(t, ev.Response.HasMoreBody)

	_, ok = <-events
	assert.False(t, ok, "stream must close after a complete response")
}

func TestConnDisposeFailsPending(t *testing.T) {
	clientT, _ := newTransportPair(t)

	// No remote loops: the request will never be answered.
	local := NewConn(clientT)
	local.StartProcessing(context.Background(), nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := local.SendRequest(context.Background(), &Request{RequestID: "doomed", Method: "GET", Path: "/"})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	local.Dispose()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTunnelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on dispose")
	}

	select {
	case <-local.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never closed")
	}
}

func TestConnEnqueueDropsOldestWhenFull(t *testing.T) {
	clientT, _ := newTransportPair(t)

	// Never start the loops so the queue only fills.
	c := NewConn(clientT)

	for i := 0; i < SendQueueCapacity+10; i++ {
		ok := c.Enqueue(&Heartbeat{TimestampMS: int64(i)})
		assert.True(t, ok, "enqueue must never block or fail while open")
	}

	// Oldest messages were displaced; the head of the queue moved forward.
	first := <-c.sendQ
	hb, ok := first.(*Heartbeat)
	require.True(t, ok)
	assert.Greater(t, hb.TimestampMS, int64(0), "oldest message should have been dropped")

	c.Dispose()
	assert.False(t, c.Enqueue(&Heartbeat{}), "enqueue after dispose must fail")
}

func TestConnOrphanChunkIsDiscarded(t *testing.T) {
	clientT, serverT := newTransportPair(t)

	local := NewConn(clientT)
	var handled atomic.Int32
	local.StartProcessing(context.Background(), func(ctx context.Context, msg Message) {
		handled.Add(1)
	})
	defer local.Dispose()

	// A chunk for an id nobody registered must be dropped without
	// reaching the handler or breaking the loop.
	require.NoError(t, serverT.Send(&ResponseBodyChunk{RequestID: "ghost", Body: []byte("x")}))
	require.NoError(t, serverT.Send(&Heartbeat{TimestampMS: 1}))

	assert.Eventually(t, func() bool {
		return handled.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "loop must survive the orphan and deliver the next message")
}

func TestConnRequestTimeout(t *testing.T) {
	clientT, _ := newTransportPair(t)

	local := NewConn(clientT)
	local.StartProcessing(context.Background(), nil)
	defer local.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := local.SendRequest(ctx, &Request{RequestID: "slow", Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnHeartbeatLoop(t *testing.T) {
	clientT, serverT := newTransportPair(t)

	local := NewConn(clientT, WithHeartbeat(50*time.Millisecond))
	local.StartProcessing(context.Background(), nil)
	defer local.Dispose()

	remote := NewConn(serverT)
	var beats atomic.Int32
	remote.StartProcessing(context.Background(), func(ctx context.Context, msg Message) {
		if _, ok := msg.(*Heartbeat); ok {
			beats.Add(1)
		}
	})
	defer remote.Dispose()

	assert.Eventually(t, func() bool {
		return beats.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)
}
