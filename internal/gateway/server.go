// Package gateway implements the public-facing half of the tunnel: the
// WebSocket acceptor, the per-session state, the request router, and the
// self-update service.
package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/octoporty/octoporty/internal/caddy"
	"github.com/octoporty/octoporty/internal/config"
	"github.com/octoporty/octoporty/pkg/liboctoporty/logring"
	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

const authTimeout = 30 * time.Second

// Session is one authenticated agent connection and its synced state.
type Session struct {
	Conn         *tunnel.Conn
	AgentVersion string
	ConnectedAt  time.Time

	mu            sync.RWMutex
	mappings      map[string]tunnel.MappingSnapshot
	byHost        map[string]tunnel.MappingSnapshot
	configHash    string
	lastHeartbeat time.Time
}

func newSession(conn *tunnel.Conn, agentVersion string) *Session {
	return &Session{
		Conn:         conn,
		AgentVersion: agentVersion,
		ConnectedAt:  time.Now(),
		mappings:     make(map[string]tunnel.MappingSnapshot),
		byHost:       make(map[string]tunnel.MappingSnapshot),
	}
}

// setMappings replaces the session's snapshot atomically.
func (s *Session) setMappings(mappings []tunnel.MappingSnapshot, hash string) {
	byID := make(map[string]tunnel.MappingSnapshot, len(mappings))
	byHost := make(map[string]tunnel.MappingSnapshot, len(mappings))
	for _, m := range mappings {
		byID[m.ID] = m
		if m.Enabled {
			byHost[normalizeHost(m.ExternalDomain)] = m
		}
	}

	s.mu.Lock()
	s.mappings = byID
	s.byHost = byHost
	s.configHash = hash
	s.mu.Unlock()
}

// MappingByID returns the mapping for id, if present and enabled.
func (s *Session) MappingByID(id string) (tunnel.MappingSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[id]
	if !ok || !m.Enabled {
		return tunnel.MappingSnapshot{}, false
	}
	return m, true
}

// MappingByHost returns the enabled mapping for a request host.
func (s *Session) MappingByHost(host string) (tunnel.MappingSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byHost[normalizeHost(host)]
	return m, ok
}

// ConfigHash returns the hash of the last applied snapshot.
func (s *Session) ConfigHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configHash
}

func (s *Session) markHeartbeat(at time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = at
	s.mu.Unlock()
}

// LastHeartbeat returns when the agent's latest heartbeat arrived; zero
// when none has arrived yet.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Manager owns the single active tunnel session and the state shared
// across sessions: the edge-proxy controller, log ring, landing page,
// and update service.
type Manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	caddy   *caddy.Controller
	ring    *logring.Ring
	capture *logring.Handler
	updates *UpdateService

	startedAt time.Time
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	active  *Session
	landing landingPage
}

type landingPage struct {
	HTML string
	Hash string
}

// NewManager wires the gateway's tunnel side together. capture may be nil
// when log fanout is disabled.
func NewManager(cfg *config.Config, logger *slog.Logger, controller *caddy.Controller, ring *logring.Ring, capture *logring.Handler, updates *UpdateService) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		caddy:     controller,
		ring:      ring,
		capture:   capture,
		updates:   updates,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The agent is not a browser; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LandingPage returns the stored landing page.
func (m *Manager) LandingPage() (html, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.landing.HTML, m.landing.Hash
}

// Uptime returns seconds since the gateway process started.
func (m *Manager) Uptime() int64 {
	return int64(time.Since(m.startedAt).Seconds())
}

// keyMatches compares a presented key against the configured one in
// constant time. An empty configured key never matches.
func (m *Manager) keyMatches(presented string) bool {
	configured := m.cfg.GatewayAPIKey
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// HandleTunnel upgrades an agent connection, authenticates it, and runs
// the session until the socket closes.
func (m *Manager) HandleTunnel(c *gin.Context) {
	if !m.keyMatches(c.GetHeader("X-Api-Key")) {
		m.logger.Warn("Tunnel upgrade refused: bad api key", "remote", c.ClientIP())
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Error("Tunnel upgrade failed", "error", err)
		return
	}
	transport := tunnel.NewTransport(wsConn)

	agentVersion, ok := m.authenticate(transport)
	if !ok {
		_ = transport.Close()
		return
	}

	conn := tunnel.NewConn(transport)
	session := newSession(conn, agentVersion)

	m.adopt(session)
	defer m.release(session)

	conn.StartProcessing(c.Request.Context(), func(ctx context.Context, msg tunnel.Message) {
		m.dispatch(ctx, session, msg)
	})

	m.logger.Info("Agent connected", "agent_version", agentVersion, "remote", c.ClientIP())
	<-conn.Done()
	m.logger.Info("Agent disconnected", "agent_version", agentVersion)
}

// authenticate reads the first message, requires Auth with a valid key,
// and answers with AuthResult.
func (m *Manager) authenticate(t *tunnel.Transport) (agentVersion string, ok bool) {
	msg, err := t.ReceiveTimeout(authTimeout)
	if err != nil {
		m.logger.Warn("Tunnel authentication failed: no auth message", "error", err)
		return "", false
	}

	auth, isAuth := msg.(*tunnel.Auth)
	if !isAuth || !m.keyMatches(auth.APIKey) {
		m.logger.Warn("Tunnel authentication failed: invalid credentials")
		_ = t.Send(&tunnel.AuthResult{
			Success:        false,
			Error:          "authentication failed",
			GatewayVersion: config.Version,
		})
		return "", false
	}

	_, landingHash := m.LandingPage()
	if err := t.Send(&tunnel.AuthResult{
		Success:         true,
		GatewayVersion:  config.Version,
		LandingPageHash: landingHash,
	}); err != nil {
		m.logger.Warn("Failed to send auth result", "error", err)
		return "", false
	}
	return auth.AgentVersion, true
}

// adopt installs a session as the active one, superseding and disposing
// any prior session. Log fanout follows the active session.
func (m *Manager) adopt(session *Session) {
	m.mu.Lock()
	prev := m.active
	m.active = session
	m.mu.Unlock()

	if prev != nil {
		m.logger.Info("Superseding existing agent connection")
		prev.Conn.Dispose()
	}

	if m.capture != nil {
		conn := session.Conn
		m.capture.SetFanout(func(entry tunnel.LogEntry) {
			conn.EnqueueQuiet(&tunnel.GatewayLog{
				TimestampMS: entry.TimestampMS,
				Level:       entry.Level,
				Message:     entry.Message,
			})
		})
	}
}

// release clears the active slot if it still points at session.
func (m *Manager) release(session *Session) {
	m.mu.Lock()
	isActive := m.active == session
	if isActive {
		m.active = nil
	}
	m.mu.Unlock()

	if isActive && m.capture != nil {
		m.capture.SetFanout(nil)
	}
	session.Conn.Dispose()
}

// dispatch handles inbound messages for a session. Runs on the receive
// loop; responses go back through the outbound queue.
func (m *Manager) dispatch(ctx context.Context, session *Session, msg tunnel.Message) {
	switch msg := msg.(type) {
	case *tunnel.ConfigSync:
		m.applyConfigSync(ctx, session, msg)
	case *tunnel.Heartbeat:
		now := time.Now()
		session.markHeartbeat(now)
		session.Conn.Enqueue(&tunnel.HeartbeatAck{
			TimestampMS:       msg.TimestampMS,
			ServerTimestampMS: now.UnixMilli(),
			UptimeSeconds:     m.Uptime(),
		})
	case *tunnel.Disconnect:
		m.logger.Info("Agent announced disconnect", "reason", msg.Reason)
	case *tunnel.UpdateRequest:
		resp := m.updates.Handle(msg)
		session.Conn.Enqueue(resp)
		if resp.Accepted && resp.Status == tunnel.UpdateQueued {
			session.Conn.Enqueue(&tunnel.Disconnect{
				Reason: "Gateway update queued - restart imminent",
			})
		}
	case *tunnel.GetLogsRequest:
		entries, hasMore := m.ring.Page(msg.BeforeID, msg.Count)
		session.Conn.Enqueue(&tunnel.GetLogsResponse{
			RequestID: msg.RequestID,
			Entries:   entries,
			HasMore:   hasMore,
		})
	default:
		m.logger.Debug("Unhandled tunnel message", "type", msg.Type())
	}
}

// applyConfigSync verifies the snapshot hash, installs the snapshot,
// reconciles edge routes, and stores the landing page when included.
// Reconcile failures are logged but do not fail the ack: the agent
// retries on its next sync, and the tunnel itself is healthy.
func (m *Manager) applyConfigSync(ctx context.Context, session *Session, sync *tunnel.ConfigSync) {
	computed := tunnel.ConfigHash(sync.Mappings)
	if computed != sync.ConfigHash {
		m.logger.Warn("Config sync hash mismatch",
			"declared", sync.ConfigHash, "computed", computed)
		session.Conn.Enqueue(&tunnel.ConfigAck{
			Success:    false,
			Error:      "config hash mismatch",
			ConfigHash: computed,
		})
		return
	}

	session.setMappings(sync.Mappings, sync.ConfigHash)

	if sync.LandingPageHTML != "" {
		m.mu.Lock()
		m.landing = landingPage{HTML: sync.LandingPageHTML, Hash: sync.LandingPageHash}
		m.mu.Unlock()
		m.logger.Info("Landing page updated", "hash", sync.LandingPageHash)
	}

	if err := m.caddy.Reconcile(ctx, sync.Mappings); err != nil {
		m.logger.Error("Edge route reconciliation failed", "error", err)
	}

	enabled := 0
	for _, mapping := range sync.Mappings {
		if mapping.Enabled {
			enabled++
		}
	}
	m.logger.Info("Configuration synced",
		"mappings", len(sync.Mappings), "enabled", enabled, "config_hash", sync.ConfigHash)

	session.Conn.Enqueue(&tunnel.ConfigAck{
		Success:    true,
		ConfigHash: sync.ConfigHash,
	})
}
