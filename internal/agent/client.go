package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/mod/semver"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

// State is the driver's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSyncing
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSyncing:
		return "syncing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const handshakeTimeout = 30 * time.Second

// ErrNotConnected is returned by operations that require an active tunnel.
var ErrNotConnected = errors.New("tunnel not connected")

// ErrGatewayCurrent is returned by RequestGatewayUpdate when the gateway
// is not older than the agent.
var ErrGatewayCurrent = errors.New("gateway is not older than agent")

// LogSink receives real-time gateway log records for the agent UI.
type LogSink func(msg *tunnel.GatewayLog)

// ClientConfig carries the driver's settings.
type ClientConfig struct {
	GatewayURL string
	APIKey     string
	Version    string
}

// Client keeps one tunnel to the gateway alive: it connects,
// authenticates, syncs configuration, runs the connection loops, and
// reconnects with backoff whenever the tunnel drops.
type Client struct {
	cfg       ClientConfig
	source    ConfigSource
	forwarder *Forwarder
	logger    *slog.Logger
	policy    *tunnel.ReconnectPolicy
	logSink   LogSink
	stateCh   chan State

	// resyncMu serializes resyncs so a concurrent caller cannot steal
	// another's ack slot.
	resyncMu sync.Mutex

	mu              sync.Mutex
	state           State
	conn            *tunnel.Conn
	gatewayVersion  string
	updateAvailable bool
	connectedAt     time.Time
	ackSlot         chan *tunnel.ConfigAck
	updateSlot      chan *tunnel.UpdateResponse
}

// NewClient returns an unstarted driver. Call Run to start it.
func NewClient(cfg ClientConfig, source ConfigSource, forwarder *Forwarder, logger *slog.Logger, sink LogSink) *Client {
	return &Client{
		cfg:       cfg,
		source:    source,
		forwarder: forwarder,
		logger:    logger,
		policy:    tunnel.NewReconnectPolicy(),
		logSink:   sink,
		stateCh:   make(chan State, 16),
		state:     StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges returns the channel state transitions are published on.
// Publishes are best-effort; a slow reader misses transitions rather than
// stalling the driver.
func (c *Client) StateChanges() <-chan State {
	return c.stateCh
}

// GatewayVersion returns the version reported by the gateway at the last
// successful authentication.
func (c *Client) GatewayVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gatewayVersion
}

// GatewayUpdateAvailable reports whether the agent is newer than the
// connected gateway.
func (c *Client) GatewayUpdateAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateAvailable
}

// GatewayInfo describes the gateway behind the current tunnel.
type GatewayInfo struct {
	Version         string
	UpdateAvailable bool
	ConnectedAt     time.Time
}

// GatewayInfo returns details captured at the last successful handshake.
// ConnectedAt is zero when the tunnel has never been established.
func (c *Client) GatewayInfo() GatewayInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return GatewayInfo{
		Version:         c.gatewayVersion,
		UpdateAvailable: c.updateAvailable,
		ConnectedAt:     c.connectedAt,
	}
}

// Run drives the connection state machine until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("Tunnel session ended", "error", err)
		}

		c.setState(StateReconnecting)
		delay := c.policy.Next()
		c.logger.Info("Reconnecting to gateway", "delay", delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs one full connect/auth/sync/connected cycle.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	transport, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.setState(StateAuthenticating)
	authResult, err := c.authenticate(transport)
	if err != nil {
		_ = transport.Close()
		return err
	}

	c.mu.Lock()
	c.gatewayVersion = authResult.GatewayVersion
	c.updateAvailable = gatewayOlder(c.cfg.Version, authResult.GatewayVersion)
	c.mu.Unlock()

	c.setState(StateSyncing)
	if err := c.initialSync(transport, authResult.LandingPageHash); err != nil {
		_ = transport.Close()
		return err
	}

	conn := tunnel.NewConn(transport, tunnel.WithHeartbeat(tunnel.DefaultHeartbeatInterval))
	c.mu.Lock()
	c.conn = conn
	c.connectedAt = time.Now()
	c.mu.Unlock()

	conn.StartProcessing(ctx, c.handleMessage)
	c.setState(StateConnected)
	c.policy.Reset()
	c.logger.Info("Tunnel established",
		"gateway_version", authResult.GatewayVersion,
		"update_available", c.GatewayUpdateAvailable())

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Dispose()
	}()

	changes := c.source.Changes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return errors.New("tunnel connection lost")
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if err := c.ResyncConfiguration(ctx); err != nil {
				c.logger.Warn("Configuration resync failed", "error", err)
			}
		}
	}
}

func (c *Client) dial(ctx context.Context) (*tunnel.Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{"X-Api-Key": []string{c.cfg.APIKey}}

	wsConn, resp, err := dialer.DialContext(ctx, c.cfg.GatewayURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return tunnel.NewTransport(wsConn), nil
}

// authenticate sends Auth and waits for AuthResult. The key also rode the
// upgrade header; this second check covers deployments where headers are
// stripped by intermediaries.
func (c *Client) authenticate(t *tunnel.Transport) (*tunnel.AuthResult, error) {
	if err := t.Send(&tunnel.Auth{APIKey: c.cfg.APIKey, AgentVersion: c.cfg.Version}); err != nil {
		return nil, fmt.Errorf("send auth: %w", err)
	}

	msg, err := t.ReceiveTimeout(handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("await auth result: %w", err)
	}
	result, ok := msg.(*tunnel.AuthResult)
	if !ok {
		return nil, fmt.Errorf("expected auth result, got %T", msg)
	}
	if !result.Success {
		return nil, fmt.Errorf("authentication rejected: %s", result.Error)
	}
	return result, nil
}

// initialSync sends the first ConfigSync directly on the transport (the
// loops are not running yet) and consumes messages until the ConfigAck
// arrives. Benign messages arriving early are tolerated; a Disconnect
// fails the sync.
func (c *Client) initialSync(t *tunnel.Transport, knownLandingHash string) error {
	sync, err := c.buildConfigSync(knownLandingHash)
	if err != nil {
		return err
	}
	if err := t.Send(sync); err != nil {
		return fmt.Errorf("send config sync: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New("config sync timed out")
		}
		msg, err := t.ReceiveTimeout(remaining)
		if err != nil {
			return fmt.Errorf("await config ack: %w", err)
		}

		if d, isDisconnect := msg.(*tunnel.Disconnect); isDisconnect {
			return fmt.Errorf("gateway disconnected during config sync: %s", d.Reason)
		}
		ack, ok := msg.(*tunnel.ConfigAck)
		if !ok {
			c.logger.Debug("Ignoring message while awaiting config ack", "type", msg.Type())
			continue
		}
		if !ack.Success {
			return fmt.Errorf("config sync rejected: %s", ack.Error)
		}
		return nil
	}
}

// buildConfigSync snapshots the source and primes the forwarder with the
// same mapping set. The landing page is included only when the gateway
// does not already hold the current version.
func (c *Client) buildConfigSync(knownLandingHash string) (*tunnel.ConfigSync, error) {
	mappings, err := c.source.ListEnabledMappings()
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	c.forwarder.SetMappings(mappings)

	sync := &tunnel.ConfigSync{
		Mappings:   mappings,
		ConfigHash: tunnel.ConfigHash(mappings),
	}

	html, hash, err := c.source.LandingPage()
	if err != nil {
		c.logger.Warn("Failed to load landing page", "error", err)
	} else if hash != "" {
		sync.LandingPageHash = hash
		if hash != knownLandingHash {
			sync.LandingPageHTML = html
		}
	}
	return sync, nil
}

// handleMessage dispatches inbound messages not claimed by the
// connection's correlation tables. Runs on the receive loop.
func (c *Client) handleMessage(ctx context.Context, msg tunnel.Message) {
	switch m := msg.(type) {
	case *tunnel.Request:
		conn := c.activeConn()
		if conn == nil {
			return
		}
		go c.forwarder.Forward(ctx, conn, m)
	case *tunnel.ConfigAck:
		c.resolveAck(m)
	case *tunnel.UpdateResponse:
		c.resolveUpdate(m)
	case *tunnel.HeartbeatAck:
		c.logger.Debug("Heartbeat acknowledged",
			"rtt_ms", time.Now().UnixMilli()-m.TimestampMS,
			"gateway_uptime_s", m.UptimeSeconds)
	case *tunnel.GatewayLog:
		if c.logSink != nil {
			c.logSink(m)
		}
	case *tunnel.Disconnect:
		c.logger.Info("Gateway announced disconnect", "reason", m.Reason)
	case *tunnel.ProtocolError:
		c.logger.Warn("Protocol error from gateway", "code", m.Code, "message", m.Message)
	default:
		c.logger.Debug("Unhandled tunnel message", "type", msg.Type())
	}
}

// ResyncConfiguration pushes a fresh snapshot through the outbound queue
// and waits for the correlated ConfigAck. Only valid while connected.
// Concurrent calls (file-change trigger plus the resync endpoint) run one
// at a time.
func (c *Client) ResyncConfiguration(ctx context.Context) error {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()

	conn := c.activeConn()
	if conn == nil {
		return ErrNotConnected
	}

	sync, err := c.buildConfigSync("")
	if err != nil {
		return err
	}

	slot := make(chan *tunnel.ConfigAck, 1)
	c.mu.Lock()
	c.ackSlot = slot
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ackSlot = nil
		c.mu.Unlock()
	}()

	if !conn.Enqueue(sync) {
		return tunnel.ErrTunnelClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(handshakeTimeout):
		return errors.New("config resync timed out")
	case ack := <-slot:
		if !ack.Success {
			return fmt.Errorf("config resync rejected: %s", ack.Error)
		}
		c.logger.Info("Configuration resynced", "config_hash", ack.ConfigHash)
		return nil
	}
}

// RequestGatewayUpdate asks the gateway to self-update to the agent's own
// version. Fails unless connected to an older gateway.
func (c *Client) RequestGatewayUpdate(ctx context.Context) (*tunnel.UpdateResponse, error) {
	conn := c.activeConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if !c.GatewayUpdateAvailable() {
		return nil, ErrGatewayCurrent
	}

	slot := make(chan *tunnel.UpdateResponse, 1)
	c.mu.Lock()
	c.updateSlot = slot
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.updateSlot = nil
		c.mu.Unlock()
	}()

	req := &tunnel.UpdateRequest{
		TargetVersion: c.cfg.Version,
		RequestedBy:   "agent",
	}
	if !conn.Enqueue(req) {
		return nil, tunnel.ErrTunnelClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(handshakeTimeout):
		return nil, errors.New("update request timed out")
	case resp := <-slot:
		return resp, nil
	}
}

// GetGatewayLogs fetches one page of the gateway's log history.
func (c *Client) GetGatewayLogs(ctx context.Context, beforeID int64, count int) (*tunnel.GetLogsResponse, error) {
	conn := c.activeConn()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.SendLogsRequest(ctx, &tunnel.GetLogsRequest{
		RequestID: tunnel.NewRequestID(),
		BeforeID:  beforeID,
		Count:     count,
	})
}

func (c *Client) activeConn() *tunnel.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.conn
}

func (c *Client) resolveAck(ack *tunnel.ConfigAck) {
	c.mu.Lock()
	slot := c.ackSlot
	c.mu.Unlock()
	if slot == nil {
		c.logger.Debug("Unsolicited config ack", "config_hash", ack.ConfigHash)
		return
	}
	select {
	case slot <- ack:
	default:
	}
}

func (c *Client) resolveUpdate(resp *tunnel.UpdateResponse) {
	c.mu.Lock()
	slot := c.updateSlot
	c.mu.Unlock()
	if slot == nil {
		c.logger.Debug("Unsolicited update response", "status", resp.Status.String())
		return
	}
	select {
	case slot <- resp:
	default:
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev == s {
		return
	}
	c.logger.Debug("Tunnel state changed", "from", prev.String(), "to", s.String())
	select {
	case c.stateCh <- s:
	default:
	}
}

// gatewayOlder reports whether the agent version is strictly newer than
// the gateway's, using semver compare on normalized "v"-prefixed strings.
func gatewayOlder(agentVersion, gatewayVersion string) bool {
	a := normalizeVersion(agentVersion)
	g := normalizeVersion(gatewayVersion)
	if !semver.IsValid(a) || !semver.IsValid(g) {
		return false
	}
	return semver.Compare(a, g) > 0
}

func normalizeVersion(v string) string {
	if v == "" {
		return v
	}
	if v[0] != 'v' {
		return "v" + v
	}
	return v
}
