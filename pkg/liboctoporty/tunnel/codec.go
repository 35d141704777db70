package tunnel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownMessageType is returned when a frame carries an unrecognized
// type code. Decode failures are non-fatal; callers drop the frame.
var ErrUnknownMessageType = errors.New("unknown message type")

// ErrDecode wraps any frame decode failure so receive loops can keep going.
var ErrDecode = errors.New("frame decode failed")

const (
	// CompressThreshold is the encoded-frame size above which whole frames
	// are LZ4 block compressed.
	CompressThreshold = 1024

	// compressMagic prefixes compressed frames; uncompressed frames start
	// with a type code, and 'O' (0x4F) is not an assigned code.
	compressMagic = "OPLZ"
)

// Encode serializes a message to its binary wire form: one type-code byte
// followed by the msgpack payload, LZ4-compressed as a whole when large.
func Encode(msg Message) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(msg.Type()))
	frame = append(frame, payload...)

	if len(frame) <= CompressThreshold {
		return frame, nil
	}
	return compressFrame(frame), nil
}

// Decode parses a binary frame back into a typed message. Compressed
// frames are detected by their magic prefix and inflated first.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}

	if bytes.HasPrefix(data, []byte(compressMagic)) {
		inflated, err := decompressFrame(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		data = inflated
	}

	msg, err := newMessage(MessageType(data[0]))
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(data[1:], msg); err != nil {
		return nil, fmt.Errorf("%w: type %d: %w", ErrDecode, data[0], err)
	}
	return msg, nil
}

// jsonFrame is the debug codec's envelope. It is not wire-compatible with
// the binary format and exists for tooling and troubleshooting only.
type jsonFrame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeJSON serializes a message with the JSON debug codec.
func EncodeJSON(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return json.Marshal(jsonFrame{Type: msg.Type(), Payload: payload})
}

// DecodeJSON parses a JSON debug frame back into a typed message.
func DecodeJSON(data []byte) (Message, error) {
	var frame jsonFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	msg, err := newMessage(frame.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(frame.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: type %d: %w", ErrDecode, frame.Type, err)
	}
	return msg, nil
}

func newMessage(t MessageType) (Message, error) {
	switch t {
	case TypeAuth:
		return &Auth{}, nil
	case TypeAuthResult:
		return &AuthResult{}, nil
	case TypeConfigSync:
		return &ConfigSync{}, nil
	case TypeConfigAck:
		return &ConfigAck{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeHeartbeatAck:
		return &HeartbeatAck{}, nil
	case TypeRequest:
		return &Request{}, nil
	case TypeResponse:
		return &Response{}, nil
	case TypeRequestBodyChunk:
		return &RequestBodyChunk{}, nil
	case TypeResponseBodyChunk:
		return &ResponseBodyChunk{}, nil
	case TypeDisconnect:
		return &Disconnect{}, nil
	case TypeUpdateRequest:
		return &UpdateRequest{}, nil
	case TypeUpdateResponse:
		return &UpdateResponse{}, nil
	case TypeGatewayLog:
		return &GatewayLog{}, nil
	case TypeGetLogsRequest:
		return &GetLogsRequest{}, nil
	case TypeGetLogsResponse:
		return &GetLogsResponse{}, nil
	case TypeError:
		return &ProtocolError{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, t)
	}
}

// compressFrame wraps a frame as: magic, uvarint uncompressed length,
// LZ4 block. Incompressible frames are sent as-is.
func compressFrame(frame []byte) []byte {
	dst := make([]byte, lz4.CompressBlockBound(len(frame)))
	n, err := lz4.CompressBlock(frame, dst, nil)
	if err != nil || n == 0 || n >= len(frame) {
		return frame
	}

	out := make([]byte, 0, len(compressMagic)+binary.MaxVarintLen64+n)
	out = append(out, compressMagic...)
	out = binary.AppendUvarint(out, uint64(len(frame)))
	out = append(out, dst[:n]...)
	return out
}

func decompressFrame(data []byte) ([]byte, error) {
	body := data[len(compressMagic):]
	size, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, errors.New("malformed compressed frame header")
	}
	if size > 1<<30 {
		return nil, fmt.Errorf("compressed frame declares %d bytes", size)
	}

	out := make([]byte, size)
	written, err := lz4.UncompressBlock(body[n:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if uint64(written) != size {
		return nil, fmt.Errorf("compressed frame length mismatch: got %d want %d", written, size)
	}
	return out, nil
}
