package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/octoporty/octoporty/pkg/liboctoporty/tunnel"
)

const (
	// InlineBodyLimit is the largest declared body carried in a single
	// Response frame; larger bodies are streamed in chunks.
	InlineBodyLimit = 256 * 1024

	// StreamChunkSize is the body chunk size for streamed responses.
	StreamChunkSize = 64 * 1024

	upstreamConnectTimeout = 10 * time.Second
	upstreamIdleTimeout    = 5 * time.Minute
	upstreamMaxConns       = 100
)

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder relays tunneled requests to services on the private network.
// It keeps two client pools: one with strict certificate validation and
// one that additionally accepts literally self-signed certificates.
type Forwarder struct {
	logger *slog.Logger

	mu       sync.RWMutex
	mappings map[string]tunnel.MappingSnapshot

	strict     *http.Client
	selfSigned *http.Client
}

// NewForwarder returns a forwarder with an empty mapping store.
func NewForwarder(logger *slog.Logger) *Forwarder {
	return &Forwarder{
		logger:     logger,
		mappings:   make(map[string]tunnel.MappingSnapshot),
		strict:     newUpstreamClient(nil),
		selfSigned: newUpstreamClient(selfSignedTLSConfig()),
	}
}

// SetMappings replaces the in-memory mapping store atomically.
func (f *Forwarder) SetMappings(mappings []tunnel.MappingSnapshot) {
	next := make(map[string]tunnel.MappingSnapshot, len(mappings))
	for _, m := range mappings {
		next[m.ID] = m
	}
	f.mu.Lock()
	f.mappings = next
	f.mu.Unlock()
}

// Lookup returns the mapping for id, if present.
func (f *Forwarder) Lookup(id string) (tunnel.MappingSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.mappings[id]
	return m, ok
}

// Forward serves one tunneled request, emitting the response through conn.
// Always emits at least one Response frame.
func (f *Forwarder) Forward(ctx context.Context, conn *tunnel.Conn, req *tunnel.Request) {
	mapping, ok := f.Lookup(req.MappingID)
	if !ok || !mapping.Enabled {
		f.logger.Warn("Request for unknown or disabled mapping",
			"mapping_id", req.MappingID, "request_id", req.RequestID)
		f.emitError(conn, req.RequestID, http.StatusNotFound, "Not Found")
		return
	}

	upstreamReq, err := f.buildUpstreamRequest(ctx, mapping, req)
	if err != nil {
		f.logger.Error("Failed to build upstream request",
			"mapping_id", mapping.ID, "error", err)
		f.emitError(conn, req.RequestID, http.StatusBadGateway, "Bad Gateway: upstream service unavailable")
		return
	}

	client := f.strict
	if mapping.AllowSelfSigned {
		client = f.selfSigned
	}

	resp, err := client.Do(upstreamReq)
	if err != nil {
		status := http.StatusBadGateway
		msg := "Bad Gateway: upstream service unavailable"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = http.StatusGatewayTimeout
			msg = "Gateway Timeout"
		}
		f.logger.Error("Upstream request failed",
			"host", mapping.InternalHost, "port", mapping.InternalPort,
			"request_id", req.RequestID, "error", err)
		f.emitError(conn, req.RequestID, status, msg)
		return
	}
	defer resp.Body.Close()

	f.relayResponse(ctx, conn, req.RequestID, resp)
}

func (f *Forwarder) buildUpstreamRequest(ctx context.Context, m tunnel.MappingSnapshot, req *tunnel.Request) (*http.Request, error) {
	scheme := "http"
	if m.InternalUseTLS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s%s", scheme,
		net.JoinHostPort(m.InternalHost, strconv.Itoa(m.InternalPort)), req.Path)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	upstream, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}

	for key, values := range req.Headers {
		if isHopByHop(key) || http.CanonicalHeaderKey(key) == "Host" {
			continue
		}
		for _, v := range values {
			upstream.Header.Add(key, v)
		}
	}
	upstream.Header.Set("X-Octoporty-Request-Id", req.RequestID)
	upstream.Header.Set("X-Forwarded-Proto", "https")
	return upstream, nil
}

// relayResponse sends the upstream response back over the tunnel: inline
// for small declared bodies, otherwise headers first then 64 KiB chunks
// with a terminal empty final chunk.
func (f *Forwarder) relayResponse(ctx context.Context, conn *tunnel.Conn, requestID string, resp *http.Response) {
	headers := make(map[string][]string, len(resp.Header))
	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		headers[key] = values
	}

	if resp.ContentLength >= 0 && resp.ContentLength <= InlineBodyLimit {
		body, err := io.ReadAll(io.LimitReader(resp.Body, InlineBodyLimit+1))
		if err != nil {
			f.logger.Error("Failed reading upstream body", "request_id", requestID, "error", err)
			f.emitError(conn, requestID, http.StatusBadGateway, "Bad Gateway: upstream service unavailable")
			return
		}
		conn.Enqueue(&tunnel.Response{
			RequestID:   requestID,
			Status:      resp.StatusCode,
			Headers:     headers,
			Body:        body,
			HasMoreBody: false,
		})
		return
	}

	conn.Enqueue(&tunnel.Response{
		RequestID:   requestID,
		Status:      resp.StatusCode,
		Headers:     headers,
		HasMoreBody: true,
	})

	buf := make([]byte, StreamChunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			conn.Enqueue(&tunnel.ResponseBodyChunk{
				RequestID: requestID,
				Body:      chunk,
			})
		}
		if err != nil {
			if err != io.EOF {
				f.logger.Error("Upstream body stream interrupted",
					"request_id", requestID, "error", err)
			}
			break
		}
	}

	// Terminal empty chunk closes the stream unambiguously.
	conn.Enqueue(&tunnel.ResponseBodyChunk{
		RequestID: requestID,
		IsFinal:   true,
	})
}

func (f *Forwarder) emitError(conn *tunnel.Conn, requestID string, status int, message string) {
	conn.Enqueue(&tunnel.Response{
		RequestID: requestID,
		Status:    status,
		Headers: map[string][]string{
			"Content-Type": {"text/plain; charset=utf-8"},
		},
		Body:        []byte(message),
		HasMoreBody: false,
	})
}

func newUpstreamClient(tlsCfg *tls.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: upstreamConnectTimeout,
			}).DialContext,
			TLSClientConfig:     tlsCfg,
			MaxConnsPerHost:     upstreamMaxConns,
			MaxIdleConnsPerHost: upstreamMaxConns,
			IdleConnTimeout:     upstreamIdleTimeout,
			TLSHandshakeTimeout: upstreamConnectTimeout,
		},
	}
}

// selfSignedTLSConfig accepts certificates that are literally self-signed
// (subject equals issuer and the certificate signs itself) in addition to
// normally valid chains. Expiry and hostname are still enforced.
func selfSignedTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("no peer certificate presented")
			}
			leaf := cs.PeerCertificates[0]

			// Normal chain validation first.
			roots, err := x509.SystemCertPool()
			if err == nil {
				opts := x509.VerifyOptions{
					Roots:         roots,
					DNSName:       cs.ServerName,
					Intermediates: x509.NewCertPool(),
				}
				for _, cert := range cs.PeerCertificates[1:] {
					opts.Intermediates.AddCert(cert)
				}
				if _, err := leaf.Verify(opts); err == nil {
					return nil
				}
			}

			if !bytes.Equal(leaf.RawSubject, leaf.RawIssuer) {
				return errors.New("certificate is not self-signed and fails chain validation")
			}
			if err := leaf.CheckSignatureFrom(leaf); err != nil {
				return fmt.Errorf("self-signed certificate signature invalid: %w", err)
			}
			now := time.Now()
			if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
				return errors.New("self-signed certificate outside validity period")
			}
			if err := leaf.VerifyHostname(cs.ServerName); err != nil {
				return fmt.Errorf("self-signed certificate hostname mismatch: %w", err)
			}
			return nil
		},
	}
}

func isHopByHop(key string) bool {
	canonical := http.CanonicalHeaderKey(key)
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
