package tunnel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	messages := []Message{
		&Auth{APIKey: "secret", AgentVersion: "1.2.3"},
		&AuthResult{Success: true, GatewayVersion: "1.2.0", LandingPageHash: "abc123"},
		&ConfigSync{
			Mappings: []MappingSnapshot{{
				ID:             "m1",
				ExternalDomain: "app.example.com",
				InternalHost:   "10.0.0.5",
				InternalPort:   3000,
				Enabled:        true,
			}},
			ConfigHash: "deadbeefdeadbeef",
		},
		&Heartbeat{TimestampMS: 1700000000000},
		&HeartbeatAck{TimestampMS: 1700000000000, ServerTimestampMS: 1700000000100, UptimeSeconds: 42},
		&Request{
			RequestID: "req-1",
			MappingID: "m1",
			Method:    "POST",
			Path:      "/api/things?limit=5",
			Headers:   map[string][]string{"Accept": {"application/json"}},
			Body:      []byte(`{"x":1}`),
		},
		&Response{RequestID: "req-1", Status: 201, Headers: map[string][]string{"Content-Type": {"application/json"}}, Body: []byte(`{}`)},
		&ResponseBodyChunk{RequestID: "req-1", Body: []byte("chunk"), IsFinal: true},
		&Disconnect{Reason: "shutting down"},
		&UpdateRequest{TargetVersion: "2.0.0", RequestedBy: "agent"},
		&UpdateResponse{Accepted: true, CurrentVersion: "1.9.0", Status: UpdateQueued},
		&GatewayLog{TimestampMS: 1700000000000, Level: LogWarning, Message: "something happened"},
		&GetLogsRequest{RequestID: "logs-1", BeforeID: 500, Count: 100},
		&GetLogsResponse{RequestID: "logs-1", Entries: []LogEntry{{ID: 499, Level: LogInfo, Message: "hi"}}, HasMore: true},
		&ProtocolError{Code: 400, Message: "bad frame"},
	}

	for _, msg := range messages {
		data, err := Encode(msg)
		require.NoError(t, err, "encode %T", msg)
		assert.Equal(t, byte(msg.Type()), data[0], "type code prefix for %T", msg)

		decoded, err := Decode(data)
		require.NoError(t, err, "decode %T", msg)
		assert.Equal(t, msg, decoded)
	}
}

func TestEncodeCompressesLargeFrames(t *testing.T) {
	body := []byte(strings.Repeat("abcdefgh", 8192))
	msg := &Response{RequestID: "big", Status: 200, Body: body}

	data, err := Encode(msg)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(data, []byte("OPLZ")), "large frame should carry the compression magic")
	assert.Less(t, len(data), len(body), "compressible payload should shrink")

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestEncodeLeavesSmallFramesUncompressed(t *testing.T) {
	msg := &Heartbeat{TimestampMS: 123}
	data, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, byte(TypeHeartbeat), data[0])
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{0x63, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeCorruptCompressedFrame(t *testing.T) {
	_, err := Decode([]byte("OPLZ\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff"))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	msg := &Request{
		RequestID: "r1",
		MappingID: "m1",
		Method:    "GET",
		Path:      "/",
		Headers:   map[string][]string{"X-Test": {"1"}},
	}

	data, err := EncodeJSON(msg)
	require.NoError(t, err)

	decoded, err := DecodeJSON(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestJSONCodecNotWireCompatible(t *testing.T) {
	data, err := EncodeJSON(&Heartbeat{TimestampMS: 1})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Error(t, err, "binary decoder must reject JSON frames")
}

func TestConfigHashCanonicalization(t *testing.T) {
	a := []MappingSnapshot{
		{ID: "b", ExternalDomain: "B.example.com", InternalHost: "h", InternalPort: 80, Enabled: true},
		{ID: "a", ExternalDomain: "a.example.com", InternalHost: "h", InternalPort: 81, Enabled: true},
	}
	b := []MappingSnapshot{
		{ID: "a", ExternalDomain: "A.EXAMPLE.COM", InternalHost: "h", InternalPort: 81, Enabled: true},
		{ID: "b", ExternalDomain: "b.example.com", InternalHost: "h", InternalPort: 80, Enabled: true},
	}

	assert.Equal(t, ConfigHash(a), ConfigHash(b), "order and domain case must not matter")
	assert.Len(t, ConfigHash(a), 16)

	c := append([]MappingSnapshot(nil), a...)
	c[0].InternalPort = 8080
	assert.NotEqual(t, ConfigHash(a), ConfigHash(c))

	assert.Len(t, ConfigHash(nil), 16)
}
