// Package caddy reconciles the desired set of edge-proxy routes against a
// Caddy server through its admin API.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

const (
	routeIDPrefix = "octoporty-"

	// routesPath is where new routes are appended on the default server.
	routesPath = "/config/apps/http/servers/srv0/routes"

	adminTimeout = 10 * time.Second
)

// RouteID returns the edge-proxy route id for a mapping id: the prefix
// plus the id's hex characters with dashes stripped.
func RouteID(mappingID string) string {
	return routeIDPrefix + strings.ReplaceAll(strings.ToLower(mappingID), "-", "")
}

// route is the Caddy route object. Field names follow the admin API and
// must not change.
type route struct {
	ID       string         `json:"@id"`
	Match    []routeMatch   `json:"match"`
	Handle   []routeHandler `json:"handle"`
	Terminal bool           `json:"terminal,omitempty"`
}

type routeMatch struct {
	Host []string `json:"host"`
}

type routeHandler struct {
	Handler   string          `json:"handler"`
	Upstreams []routeUpstream `json:"upstreams"`
	Headers   *routeHeaders   `json:"headers,omitempty"`
}

type routeUpstream struct {
	Dial string `json:"dial"`
}

type routeHeaders struct {
	Request routeHeaderOps `json:"request"`
}

type routeHeaderOps struct {
	Set map[string][]string `json:"set"`
}

// Controller manages octoporty-owned routes in the edge proxy. Upserts and
// deletes are idempotent; a known-routes set skips redundant admin calls.
type Controller struct {
	adminURL     string
	upstreamDial string
	client       *http.Client
	logger       *slog.Logger

	// known maps route id to the exact route body last applied, so a
	// repeated sync with unchanged content makes no admin calls.
	mu    sync.Mutex
	known map[string]string
}

// NewController returns a controller for the admin API at adminURL whose
// routes reverse-proxy to upstreamDial (the gateway's internal address).
func NewController(adminURL, upstreamDial string, logger *slog.Logger) *Controller {
	return &Controller{
		adminURL:     strings.TrimRight(adminURL, "/"),
		upstreamDial: upstreamDial,
		client:       &http.Client{Timeout: adminTimeout},
		logger:       logger,
		known:        make(map[string]string),
	}
}

// Healthy reports whether the admin API answers a config read.
func (c *Controller) Healthy(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/config/", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// GetConfig returns the proxy's full JSON config.
func (c *Controller) GetConfig(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/config/", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read caddy config: %w", err)
	}
	return json.RawMessage(body), nil
}

// EnsureRoute upserts the route for one mapping: try update by id, and on
// 404 append a new route. A route whose applied body is unchanged is
// skipped without touching the admin API.
func (c *Controller) EnsureRoute(ctx context.Context, m tunnel.MappingSnapshot) error {
	rid := RouteID(m.ID)
	r := route{
		ID:    rid,
		Match: []routeMatch{{Host: []string{strings.ToLower(m.ExternalDomain)}}},
		Handle: []routeHandler{{
			Handler:   "reverse_proxy",
			Upstreams: []routeUpstream{{Dial: c.upstreamDial}},
			Headers: &routeHeaders{Request: routeHeaderOps{
				Set: map[string][]string{"X-Octoporty-Mapping-Id": {m.ID}},
			}},
		}},
		Terminal: true,
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal route %s: %w", rid, err)
	}

	c.mu.Lock()
	applied, ok := c.known[rid]
	c.mu.Unlock()
	if ok && applied == string(body) {
		c.logger.Debug("Edge route unchanged", "route", rid, "domain", m.ExternalDomain)
		return nil
	}

	resp, err := c.do(ctx, http.MethodPatch, "/id/"+rid, body)
	if err != nil {
		return err
	}
	drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp, err = c.do(ctx, http.MethodPost, routesPath, body)
		if err != nil {
			return err
		}
		drain(resp)
		if resp.StatusCode >= 300 {
			return c.statusError(resp)
		}
		c.logger.Info("Edge route added", "route", rid, "domain", m.ExternalDomain)
	case resp.StatusCode >= 300:
		return c.statusError(resp)
	default:
		c.logger.Debug("Edge route updated", "route", rid, "domain", m.ExternalDomain)
	}

	c.mu.Lock()
	c.known[rid] = string(body)
	c.mu.Unlock()
	return nil
}

// RemoveRoute deletes a mapping's route by id. A 404 is treated as
// success so removal is idempotent.
func (c *Controller) RemoveRoute(ctx context.Context, mappingID string) error {
	rid := RouteID(mappingID)
	resp, err := c.do(ctx, http.MethodDelete, "/id/"+rid, nil)
	if err != nil {
		return err
	}
	drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return c.statusError(resp)
	}

	c.mu.Lock()
	delete(c.known, rid)
	c.mu.Unlock()
	c.logger.Info("Edge route removed", "route", rid)
	return nil
}

// Reconcile drives the proxy to the desired set: ensure a route per
// enabled mapping, delete routes for mappings no longer present. The
// first error aborts and is returned; the caller retries on next sync.
func (c *Controller) Reconcile(ctx context.Context, mappings []tunnel.MappingSnapshot) error {
	desired := make(map[string]struct{}, len(mappings))
	for _, m := range mappings {
		if !m.Enabled {
			continue
		}
		desired[RouteID(m.ID)] = struct{}{}
		if err := c.EnsureRoute(ctx, m); err != nil {
			return fmt.Errorf("ensure route for %s: %w", m.ExternalDomain, err)
		}
	}

	for _, rid := range c.knownRoutes() {
		if _, ok := desired[rid]; ok {
			continue
		}
		if err := c.removeByRouteID(ctx, rid); err != nil {
			return fmt.Errorf("remove stale route %s: %w", rid, err)
		}
	}
	return nil
}

// KnownRoutes returns a snapshot of the route ids believed present.
func (c *Controller) KnownRoutes() []string {
	return c.knownRoutes()
}

func (c *Controller) knownRoutes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.known))
	for rid := range c.known {
		out = append(out, rid)
	}
	return out
}

func (c *Controller) removeByRouteID(ctx context.Context, rid string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/id/"+rid, nil)
	if err != nil {
		return err
	}
	drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return c.statusError(resp)
	}

	c.mu.Lock()
	delete(c.known, rid)
	c.mu.Unlock()
	c.logger.Info("Edge route removed", "route", rid)
	return nil
}

func (c *Controller) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.adminURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build caddy request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("caddy admin %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Controller) statusError(resp *http.Response) error {
	return fmt.Errorf("caddy admin %s %s: unexpected status %d",
		resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
