package tunnel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// MessageType is the one-byte discriminator for protocol messages.
type MessageType byte

const (
	// TypeAuth is the first message sent by the agent after the upgrade.
	TypeAuth MessageType = 1
	// TypeAuthResult is the gateway's reply to Auth.
	TypeAuthResult MessageType = 2
	// TypeConfigSync pushes the agent's mapping snapshot to the gateway.
	TypeConfigSync MessageType = 3
	// TypeConfigAck acknowledges a ConfigSync.
	TypeConfigAck MessageType = 4
	// TypeHeartbeat is sent periodically by the agent.
	TypeHeartbeat MessageType = 5
	// TypeHeartbeatAck echoes a heartbeat with gateway uptime.
	TypeHeartbeatAck MessageType = 6
	// TypeRequest forwards an external HTTP request to the agent.
	TypeRequest MessageType = 7
	// TypeResponse carries the response head (and small bodies) back.
	TypeResponse MessageType = 8
	// TypeRequestBodyChunk streams request body bytes (reserved; v1 buffers).
	TypeRequestBodyChunk MessageType = 9
	// TypeResponseBodyChunk streams response body bytes.
	TypeResponseBodyChunk MessageType = 10
	// TypeDisconnect announces an orderly shutdown in either direction.
	TypeDisconnect MessageType = 11
	// TypeUpdateRequest asks the gateway to queue a self-update.
	TypeUpdateRequest MessageType = 12
	// TypeUpdateResponse is the gateway's reply to UpdateRequest.
	TypeUpdateResponse MessageType = 13
	// TypeGatewayLog fans a gateway log record out to the agent.
	TypeGatewayLog MessageType = 14
	// TypeGetLogsRequest asks for a page of historical gateway logs.
	TypeGetLogsRequest MessageType = 15
	// TypeGetLogsResponse returns a page of historical gateway logs.
	TypeGetLogsResponse MessageType = 16
	// TypeError carries a protocol-level error in either direction.
	TypeError MessageType = 255
)

// Message is implemented by every protocol message.
type Message interface {
	Type() MessageType
}

// MappingSnapshot is one port mapping as carried in a ConfigSync.
type MappingSnapshot struct {
	ID              string `msgpack:"id" json:"id"`
	ExternalDomain  string `msgpack:"external_domain" json:"externalDomain"`
	InternalHost    string `msgpack:"internal_host" json:"internalHost"`
	InternalPort    int    `msgpack:"internal_port" json:"internalPort"`
	InternalUseTLS  bool   `msgpack:"internal_use_tls" json:"internalUseTls"`
	AllowSelfSigned bool   `msgpack:"allow_self_signed" json:"allowSelfSigned"`
	Enabled         bool   `msgpack:"enabled" json:"enabled"`
}

// Auth authenticates the tunnel after the WebSocket upgrade.
type Auth struct {
	APIKey       string `msgpack:"api_key" json:"apiKey"`
	AgentVersion string `msgpack:"agent_version" json:"agentVersion"`
}

func (*Auth) Type() MessageType { return TypeAuth }

// AuthResult reports authentication success and gateway metadata.
type AuthResult struct {
	Success         bool   `msgpack:"success" json:"success"`
	Error           string `msgpack:"error,omitempty" json:"error,omitempty"`
	GatewayVersion  string `msgpack:"gateway_version" json:"gatewayVersion"`
	LandingPageHash string `msgpack:"landing_page_hash,omitempty" json:"landingPageHash,omitempty"`
}

func (*AuthResult) Type() MessageType { return TypeAuthResult }

// ConfigSync carries the agent's mapping snapshot and optional landing page.
type ConfigSync struct {
	Mappings        []MappingSnapshot `msgpack:"mappings" json:"mappings"`
	ConfigHash      string            `msgpack:"config_hash" json:"configHash"`
	LandingPageHTML string            `msgpack:"landing_page_html,omitempty" json:"landingPageHtml,omitempty"`
	LandingPageHash string            `msgpack:"landing_page_hash,omitempty" json:"landingPageHash,omitempty"`
}

func (*ConfigSync) Type() MessageType { return TypeConfigSync }

// ConfigAck acknowledges a ConfigSync, echoing its hash.
type ConfigAck struct {
	Success    bool   `msgpack:"success" json:"success"`
	Error      string `msgpack:"error,omitempty" json:"error,omitempty"`
	ConfigHash string `msgpack:"config_hash" json:"configHash"`
}

func (*ConfigAck) Type() MessageType { return TypeConfigAck }

// Heartbeat keeps the tunnel alive; TimestampMS is agent unix-millis.
type Heartbeat struct {
	TimestampMS int64 `msgpack:"timestamp_ms" json:"timestampMs"`
}

func (*Heartbeat) Type() MessageType { return TypeHeartbeat }

// HeartbeatAck echoes the agent timestamp and reports gateway uptime.
type HeartbeatAck struct {
	TimestampMS       int64 `msgpack:"timestamp_ms" json:"timestampMs"`
	ServerTimestampMS int64 `msgpack:"server_timestamp_ms" json:"serverTimestampMs"`
	UptimeSeconds     int64 `msgpack:"uptime_seconds" json:"uptimeSeconds"`
}

func (*HeartbeatAck) Type() MessageType { return TypeHeartbeatAck }

// Request is a forwarded external HTTP request.
type Request struct {
	RequestID   string              `msgpack:"request_id" json:"requestId"`
	MappingID   string              `msgpack:"mapping_id" json:"mappingId"`
	Method      string              `msgpack:"method" json:"method"`
	Path        string              `msgpack:"path" json:"path"`
	Headers     map[string][]string `msgpack:"headers" json:"headers"`
	Body        []byte              `msgpack:"body,omitempty" json:"body,omitempty"`
	HasMoreBody bool                `msgpack:"has_more_body" json:"hasMoreBody"`
}

func (*Request) Type() MessageType { return TypeRequest }

// Response is the head of a forwarded response; small bodies ride inline.
type Response struct {
	RequestID   string              `msgpack:"request_id" json:"requestId"`
	Status      int                 `msgpack:"status" json:"status"`
	Headers     map[string][]string `msgpack:"headers" json:"headers"`
	Body        []byte              `msgpack:"body,omitempty" json:"body,omitempty"`
	HasMoreBody bool                `msgpack:"has_more_body" json:"hasMoreBody"`
}

func (*Response) Type() MessageType { return TypeResponse }

// RequestBodyChunk streams request body bytes gateway-to-agent.
type RequestBodyChunk struct {
	RequestID string `msgpack:"request_id" json:"requestId"`
	Body      []byte `msgpack:"body" json:"body"`
	IsFinal   bool   `msgpack:"is_final" json:"isFinal"`
}

func (*RequestBodyChunk) Type() MessageType { return TypeRequestBodyChunk }

// ResponseBodyChunk streams response body bytes agent-to-gateway.
type ResponseBodyChunk struct {
	RequestID string `msgpack:"request_id" json:"requestId"`
	Body      []byte `msgpack:"body" json:"body"`
	IsFinal   bool   `msgpack:"is_final" json:"isFinal"`
}

func (*ResponseBodyChunk) Type() MessageType { return TypeResponseBodyChunk }

// Disconnect announces an orderly teardown.
type Disconnect struct {
	Reason string `msgpack:"reason" json:"reason"`
}

func (*Disconnect) Type() MessageType { return TypeDisconnect }

// UpdateRequest asks the gateway to queue a self-update to TargetVersion.
type UpdateRequest struct {
	TargetVersion string `msgpack:"target_version" json:"targetVersion"`
	RequestedBy   string `msgpack:"requested_by" json:"requestedBy"`
}

func (*UpdateRequest) Type() MessageType { return TypeUpdateRequest }

// UpdateStatus is the outcome of an UpdateRequest.
type UpdateStatus byte

const (
	UpdateQueued UpdateStatus = iota
	UpdateAlreadyQueued
	UpdateRejected
)

func (s UpdateStatus) String() string {
	switch s {
	case UpdateQueued:
		return "queued"
	case UpdateAlreadyQueued:
		return "already_queued"
	case UpdateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("update_status(%d)", byte(s))
	}
}

// UpdateResponse is the gateway's reply to an UpdateRequest.
type UpdateResponse struct {
	Accepted       bool         `msgpack:"accepted" json:"accepted"`
	Error          string       `msgpack:"error,omitempty" json:"error,omitempty"`
	CurrentVersion string       `msgpack:"current_version" json:"currentVersion"`
	Status         UpdateStatus `msgpack:"status" json:"status"`
}

func (*UpdateResponse) Type() MessageType { return TypeUpdateResponse }

// LogLevel is the severity of a gateway log record on the wire.
type LogLevel byte

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarning:
		return "warning"
	case LogError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", byte(l))
	}
}

// GatewayLog fans one gateway log record out to the agent in real time.
type GatewayLog struct {
	TimestampMS int64    `msgpack:"timestamp_ms" json:"timestampMs"`
	Level       LogLevel `msgpack:"level" json:"level"`
	Message     string   `msgpack:"message" json:"message"`
}

func (*GatewayLog) Type() MessageType { return TypeGatewayLog }

// GetLogsRequest asks for up to Count entries with id < BeforeID
// (BeforeID <= 0 means newest first).
type GetLogsRequest struct {
	RequestID string `msgpack:"request_id" json:"requestId"`
	BeforeID  int64  `msgpack:"before_id" json:"beforeId"`
	Count     int    `msgpack:"count" json:"count"`
}

func (*GetLogsRequest) Type() MessageType { return TypeGetLogsRequest }

// LogEntry is one historical gateway log record.
type LogEntry struct {
	ID          int64    `msgpack:"id" json:"id"`
	TimestampMS int64    `msgpack:"timestamp_ms" json:"timestampMs"`
	Level       LogLevel `msgpack:"level" json:"level"`
	Message     string   `msgpack:"message" json:"message"`
}

// GetLogsResponse returns a page of historical gateway logs.
type GetLogsResponse struct {
	RequestID string     `msgpack:"request_id" json:"requestId"`
	Entries   []LogEntry `msgpack:"entries" json:"entries"`
	HasMore   bool       `msgpack:"has_more" json:"hasMore"`
}

func (*GetLogsResponse) Type() MessageType { return TypeGetLogsResponse }

// ProtocolError reports a protocol-level failure in either direction.
type ProtocolError struct {
	Code    int    `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}

func (*ProtocolError) Type() MessageType { return TypeError }

// ConfigHash returns the first 16 hex chars of SHA-256 over the canonical
// serialization of the snapshot: mappings sorted by id, fields pipe-joined,
// one mapping per line.
func ConfigHash(mappings []MappingSnapshot) string {
	sorted := make([]MappingSnapshot, len(mappings))
	copy(sorted, mappings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	for _, m := range sorted {
		fmt.Fprintf(&b, "%s|%s|%s|%d|%t|%t|%t\n",
			m.ID,
			strings.ToLower(m.ExternalDomain),
			m.InternalHost,
			m.InternalPort,
			m.InternalUseTLS,
			m.AllowSelfSigned,
			m.Enabled,
		)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}
