package gateway

import (
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/octoporty/octoporty/internal/caddy"
	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

// MaxRequestBody caps buffered request bodies.
const MaxRequestBody = 10 << 20

// hopByHopHeaders are stripped from tunneled responses before they reach
// the external client.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// HandleProxy is the catch-all for external traffic that did not match an
// internal path: it resolves the mapping, tunnels the request to the
// agent, and streams the response back.
func (m *Manager) HandleProxy(c *gin.Context) {
	session := m.Active()

	mapping, ok := m.resolveMapping(c, session)
	if !ok {
		m.serveUnmatched(c)
		return
	}

	requestID := c.GetHeader("X-Octoporty-Request-Id")
	if !tunnel.ValidRequestID(requestID) {
		requestID = tunnel.NewRequestID()
	}

	body, ok := m.readBody(c)
	if !ok {
		return
	}

	req := &tunnel.Request{
		RequestID: requestID,
		MappingID: mapping.ID,
		Method:    c.Request.Method,
		Path:      c.Request.URL.RequestURI(),
		Headers:   c.Request.Header,
		Body:      body,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), tunnel.DefaultRequestTimeout)
	defer cancel()

	events, err := session.Conn.SendStreamingRequest(ctx, req)
	if err != nil {
		m.selfHeal(c, mapping, requestID)
		return
	}

	m.relay(ctx, c, session, mapping, requestID, events)
}

// resolveMapping identifies the target mapping from the edge proxy's
// stamped header, falling back to a host lookup.
func (m *Manager) resolveMapping(c *gin.Context, session *Session) (tunnel.MappingSnapshot, bool) {
	if session == nil {
		return tunnel.MappingSnapshot{}, false
	}
	if id := c.GetHeader("X-Octoporty-Mapping-Id"); id != "" {
		if mapping, ok := session.MappingByID(id); ok {
			return mapping, true
		}
		m.logger.Warn("Stamped mapping id not in snapshot", "mapping_id", id)
		return tunnel.MappingSnapshot{}, false
	}
	return session.MappingByHost(c.Request.Host)
}

// serveUnmatched answers requests no mapping claims: the landing page on
// a root GET when one is stored, otherwise 503.
func (m *Manager) serveUnmatched(c *gin.Context) {
	html, _ := m.LandingPage()
	if html != "" && c.Request.Method == http.MethodGet && c.Request.URL.Path == "/" {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
		return
	}
	c.String(http.StatusServiceUnavailable, "No tunnel configured for this host")
}

// readBody buffers the request body, enforcing the size cap. Replies 413
// and returns false when the cap is exceeded.
func (m *Manager) readBody(c *gin.Context) ([]byte, bool) {
	if c.Request.ContentLength > MaxRequestBody {
		c.String(http.StatusRequestEntityTooLarge, "Request body too large")
		return nil, false
	}
	if c.Request.Body == nil {
		return nil, true
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxRequestBody+1))
	if err != nil {
		m.logger.Warn("Failed to read request body", "error", err)
		c.String(http.StatusBadRequest, "Failed to read request body")
		return nil, false
	}
	if len(body) > MaxRequestBody {
		c.String(http.StatusRequestEntityTooLarge, "Request body too large")
		return nil, false
	}
	return body, true
}

// relay consumes the ordered event stream and writes it to the external
// client. Zero events means the tunnel vanished; self-heal then.
func (m *Manager) relay(ctx context.Context, c *gin.Context, session *Session, mapping tunnel.MappingSnapshot, requestID string, events <-chan tunnel.StreamEvent) {
	wroteHeader := false
	defer session.Conn.ReleaseStream(requestID)

	for {
		select {
		case <-ctx.Done():
			if !wroteHeader {
				c.String(http.StatusGatewayTimeout, "Gateway Timeout")
			}
			return
		case ev, ok := <-events:
			if !ok {
				if !wroteHeader {
					m.selfHeal(c, mapping, requestID)
				}
				return
			}
			if ev.Err != nil {
				m.logger.Warn("Tunnel stream failed",
					"request_id", requestID, "error", ev.Err)
				if !wroteHeader {
					m.selfHeal(c, mapping, requestID)
				}
				return
			}
			if ev.Response != nil {
				m.writeResponseHead(c, ev.Response)
				wroteHeader = true
				if len(ev.Response.Body) > 0 {
					_, _ = c.Writer.Write(ev.Response.Body)
					c.Writer.Flush()
				}
				if !ev.Response.HasMoreBody {
					return
				}
			}
			if ev.Chunk != nil {
				if len(ev.Chunk.Body) > 0 {
					_, _ = c.Writer.Write(ev.Chunk.Body)
					c.Writer.Flush()
				}
				if ev.Chunk.IsFinal {
					return
				}
			}
		}
	}
}

// writeResponseHead copies status and headers, dropping hop-by-hop
// headers and Content-Length, and ensures a Content-Type is present.
func (m *Manager) writeResponseHead(c *gin.Context, resp *tunnel.Response) {
	header := c.Writer.Header()
	for key, values := range resp.Headers {
		canonical := http.CanonicalHeaderKey(key)
		if _, drop := hopByHopHeaders[canonical]; drop {
			continue
		}
		if canonical == "Content-Length" {
			continue
		}
		for _, v := range values {
			header.Add(canonical, v)
		}
	}

	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", inferContentType(c.Request.URL.Path))
	}
	c.Writer.WriteHeader(resp.Status)
}

// selfHeal answers 503 and removes the mapping's edge route so traffic
// for this domain stops arriving until the agent resyncs.
func (m *Manager) selfHeal(c *gin.Context, mapping tunnel.MappingSnapshot, requestID string) {
	m.logger.Warn("Tunnel unavailable, removing edge route",
		"mapping_id", mapping.ID, "domain", mapping.ExternalDomain, "request_id", requestID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.caddy.RemoveRoute(ctx, mapping.ID); err != nil {
		m.logger.Error("Self-heal route removal failed",
			"route", caddy.RouteID(mapping.ID), "error", err)
	}

	c.String(http.StatusServiceUnavailable, "Tunnel unavailable")
}

// inferContentType guesses from the path extension. Script extensions are
// special-cased: browsers refuse module scripts without a JS MIME type.
func inferContentType(requestPath string) string {
	ext := strings.ToLower(path.Ext(requestPath))
	switch ext {
	case ".js", ".mjs":
		return "text/javascript; charset=utf-8"
	}
	if ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
