package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// SendQueueCapacity bounds the outbound queue; when full the oldest
	// enqueued message is dropped so the sender never blocks.
	SendQueueCapacity = 1000

	// StreamBufferCapacity bounds a per-request stream of response events.
	// Sends block when full: body chunks must not be dropped.
	StreamBufferCapacity = 100

	// DefaultHeartbeatInterval is how often the agent side sends heartbeats.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultRequestTimeout bounds a correlated request/response exchange.
	DefaultRequestTimeout = 30 * time.Second
)

// ErrTunnelClosed is observed by every pending awaiter when a connection
// is disposed.
var ErrTunnelClosed = errors.New("tunnel closed")

// StreamEvent is one ordered event of a streamed response: the initial
// response head, a body chunk, or a terminal error.
type StreamEvent struct {
	Response *Response
	Chunk    *ResponseBodyChunk
	Err      error
}

// MessageHandler consumes inbound messages that are not claimed by the
// connection's correlation tables. Handlers run on the receive loop, so
// inbound order is preserved; slow work must be handed off.
type MessageHandler func(ctx context.Context, msg Message)

// Conn is one live tunnel session: a receive loop, a send loop feeding
// from a bounded queue, an optional heartbeat loop, and the correlation
// tables for pending and streaming request/response exchanges.
type Conn struct {
	transport *Transport
	heartbeat time.Duration

	sendQ chan Message

	mu       sync.Mutex
	pending  map[string]chan Message
	streams  map[string]chan StreamEvent
	disposed bool
	started  bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// ConnOption customizes a Conn.
type ConnOption func(*Conn)

// WithHeartbeat enables the heartbeat loop (agent side).
func WithHeartbeat(interval time.Duration) ConnOption {
	return func(c *Conn) { c.heartbeat = interval }
}

// NewConn wraps an authenticated transport. Call StartProcessing to spawn
// the loops.
func NewConn(t *Transport, opts ...ConnOption) *Conn {
	c := &Conn{
		transport: t,
		sendQ:     make(chan Message, SendQueueCapacity),
		pending:   make(map[string]chan Message),
		streams:   make(map[string]chan StreamEvent),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartProcessing spawns the receive, send, and (if enabled) heartbeat
// loops. When any loop exits the connection is disposed and Done closes.
func (c *Conn) StartProcessing(ctx context.Context, handler MessageHandler) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.disposed || c.started {
		c.mu.Unlock()
		cancel()
		return
	}
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.receiveLoop(ctx, handler)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.sendLoop(ctx)
	}()

	if c.heartbeat > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeatLoop(ctx)
		}()
	}

	// Janitor: once every loop has exited, no goroutine writes to the
	// correlation channels anymore, so the sweep can close them safely.
	go func() {
		wg.Wait()
		c.markDisposed()
		_ = c.transport.Close()
		c.sweep()
	}()
}

// Done is closed once the connection is fully torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Dispose cancels all loops, fails pending requests with ErrTunnelClosed,
// completes stream channels, and closes the socket. Idempotent.
func (c *Conn) Dispose() {
	c.mu.Lock()
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	c.markDisposed()
	if cancel != nil {
		cancel()
	}
	_ = c.transport.Close()

	if !started {
		// No loops ever ran; sweep inline.
		c.sweep()
	}
}

func (c *Conn) markDisposed() {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
}

// sweep fails all awaiters exactly once and closes done.
func (c *Conn) sweep() {
	c.once.Do(func() {
		c.mu.Lock()
		pending := c.pending
		streams := c.streams
		c.pending = map[string]chan Message{}
		c.streams = map[string]chan StreamEvent{}
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		for _, ch := range streams {
			select {
			case ch <- StreamEvent{Err: ErrTunnelClosed}:
			default:
			}
			close(ch)
		}
		close(c.done)
	})
}

// Enqueue places a message on the outbound queue, dropping the oldest
// queued message when full. Returns false once the connection is disposed.
func (c *Conn) Enqueue(msg Message) bool {
	return c.enqueue(msg, true)
}

// EnqueueQuiet is Enqueue without drop logging. Used by the log fanout,
// where logging a drop would feed the fanout again.
func (c *Conn) EnqueueQuiet(msg Message) bool {
	return c.enqueue(msg, false)
}

func (c *Conn) enqueue(msg Message, logDrops bool) bool {
	for {
		c.mu.Lock()
		disposed := c.disposed
		c.mu.Unlock()
		if disposed {
			return false
		}

		select {
		case c.sendQ <- msg:
			return true
		default:
		}

		select {
		case dropped := <-c.sendQ:
			if logDrops {
				slog.Warn("Outbound tunnel queue full, dropping oldest message", "type", dropped.Type())
			}
		default:
		}
	}
}

// SendRequest sends a correlated request and waits for its single-shot
// response. Only suitable for exchanges answered by one message.
func (c *Conn) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	msg, err := c.exchange(ctx, req.RequestID, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*Response)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T for request %s", msg, req.RequestID)
	}
	return resp, nil
}

// SendLogsRequest sends a GetLogsRequest and waits for the correlated page.
func (c *Conn) SendLogsRequest(ctx context.Context, req *GetLogsRequest) (*GetLogsResponse, error) {
	msg, err := c.exchange(ctx, req.RequestID, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*GetLogsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %T for logs request %s", msg, req.RequestID)
	}
	return resp, nil
}

func (c *Conn) exchange(ctx context.Context, id string, req Message) (Message, error) {
	ctx, cancel := ensureDeadline(ctx)
	defer cancel()

	ch, err := c.registerPending(id)
	if err != nil {
		return nil, err
	}
	defer c.removePending(id)

	if !c.Enqueue(req) {
		return nil, ErrTunnelClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrTunnelClosed
		}
		return msg, nil
	}
}

// SendStreamingRequest sends a request and returns the ordered stream of
// response events. The channel closes after the final chunk, a terminal
// error event, or disposal. Callers that stop consuming early must call
// ReleaseStream.
func (c *Conn) SendStreamingRequest(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	_ = ctx

	ch := make(chan StreamEvent, StreamBufferCapacity)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrTunnelClosed
	}
	c.streams[req.RequestID] = ch
	c.mu.Unlock()

	if !c.Enqueue(req) {
		c.ReleaseStream(req.RequestID)
		return nil, ErrTunnelClosed
	}
	return ch, nil
}

// ReleaseStream abandons a stream slot. Late events for the id are then
// treated as orphans. The channel itself is closed only by the receive
// side, so release never races a delivery.
func (c *Conn) ReleaseStream(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// finishStream removes and closes a stream slot. Receive loop only.
func (c *Conn) finishStream(id string) {
	c.mu.Lock()
	ch, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Conn) registerPending(id string) (chan Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrTunnelClosed
	}
	ch := make(chan Message, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) receiveLoop(ctx context.Context, handler MessageHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := c.transport.Receive()
		if err != nil {
			if errors.Is(err, ErrDecode) || errors.Is(err, ErrUnknownMessageType) {
				slog.Warn("Discarding undecodable tunnel frame", "error", err)
				continue
			}
			if !IsExpectedCloseError(err) {
				slog.Warn("Tunnel receive failed", "error", err)
			}
			return
		}

		switch m := msg.(type) {
		case *Response:
			c.deliverResponse(ctx, m)
		case *ResponseBodyChunk:
			c.deliverChunk(ctx, m)
		case *GetLogsResponse:
			c.deliverPending(m.RequestID, m)
		default:
			if handler != nil {
				handler(ctx, msg)
			}
		}
	}
}

// deliverResponse applies the correlation rules: a response with more body
// coming (or an already-open stream slot) goes to the stream; a complete
// response with no stream slot resolves the single-shot slot.
func (c *Conn) deliverResponse(ctx context.Context, m *Response) {
	c.mu.Lock()
	ch, isStream := c.streams[m.RequestID]
	c.mu.Unlock()

	if isStream {
		if !c.sendStreamEvent(ctx, ch, StreamEvent{Response: m}) {
			return
		}
		if !m.HasMoreBody {
			c.finishStream(m.RequestID)
		}
		return
	}

	if m.HasMoreBody {
		slog.Warn("Streamed response has no open stream slot, discarding", "request_id", m.RequestID)
		return
	}
	c.deliverPending(m.RequestID, m)
}

func (c *Conn) deliverChunk(ctx context.Context, m *ResponseBodyChunk) {
	c.mu.Lock()
	ch, ok := c.streams[m.RequestID]
	c.mu.Unlock()

	if !ok {
		slog.Warn("Orphan response body chunk, discarding", "request_id", m.RequestID, "bytes", len(m.Body))
		return
	}

	if !c.sendStreamEvent(ctx, ch, StreamEvent{Chunk: m}) {
		return
	}
	if m.IsFinal {
		c.finishStream(m.RequestID)
	}
}

// sendStreamEvent delivers one event in order, blocking for backpressure.
// A full channel stalls the receive loop rather than dropping chunks; the
// only escape is connection teardown, after which the sweep delivers a
// terminal error event and closes the channel.
func (c *Conn) sendStreamEvent(ctx context.Context, ch chan StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) deliverPending(id string, msg Message) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()

	if !ok {
		slog.Warn("Response for unknown request, discarding", "request_id", id, "type", msg.Type())
		return
	}
	select {
	case ch <- msg:
	default:
		slog.Warn("Pending slot already resolved, dropping duplicate reply", "request_id", id)
	}
}

func (c *Conn) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.sendQ:
			if err := c.transport.Send(msg); err != nil {
				if !IsExpectedCloseError(err) {
					slog.Warn("Tunnel send failed", "type", msg.Type(), "error", err)
				}
				return
			}
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Enqueue(&Heartbeat{TimestampMS: time.Now().UnixMilli()})
		}
	}
}

func ensureDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultRequestTimeout)
}
