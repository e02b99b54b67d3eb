package gateway

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Opcode identifies the kind of gateway payload.
// See: https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-opcodes
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatACK   Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpDispatch:       "dispatch",
	OpHeartbeat:      "heartbeat",
	OpIdentify:       "identify",
	OpResume:         "resume",
	OpReconnect:      "reconnect",
	OpInvalidSession: "invalid_session",
	OpHello:          "hello",
	OpHeartbeatACK:   "heartbeat_ack",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", int(o))
}

// ErrUndecodableFrame is returned by [Codec.Decode] when a message is
// neither a compressed nor a plain JSON gateway frame.
var ErrUndecodableFrame = errors.New("undecodable gateway frame")

// Frame is a single gateway payload, as sent over the wire:
//
//	{"op": <int>, "t": <string|null>, "s": <int|null>, "d": <any>}
type Frame struct {
	Op Opcode          `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// outboundFrame is what we send. `d` is always present, since a heartbeat
// with no sequence must be sent as `"d": null`.
type outboundFrame struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

// Decompressor inflates a compressed gateway message.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// ZlibDecompressor inflates a message holding a complete zlib stream,
// which is what the gateway sends for payloads when identify sets
// `compress: true`.
type ZlibDecompressor struct{}

func (ZlibDecompressor) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Codec converts between raw socket messages and [Frame] values.
type Codec struct {
	decompressor Decompressor
}

// NewCodec returns a Codec using the given Decompressor. If nil,
// a [ZlibDecompressor] is used.
func NewCodec(d Decompressor) *Codec {
	if d == nil {
		d = ZlibDecompressor{}
	}
	return &Codec{decompressor: d}
}

// Decode parses a raw message. Decompression is attempted first, falling
// back to parsing the message as plain JSON text. A message without an
// op is undecodable.
func (c *Codec) Decode(raw []byte) (Frame, error) {
	if inflated, err := c.decompressor.Decompress(raw); err == nil {
		if f, parseErr := parseFrame(inflated); parseErr == nil {
			return f, nil
		}
	}
	f, err := parseFrame(raw)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrUndecodableFrame, err)
	}
	return f, nil
}

// inboundFrame tells a missing op apart from op 0.
type inboundFrame struct {
	Op *Opcode         `json:"op"`
	T  string          `json:"t"`
	S  *int64          `json:"s"`
	D  json.RawMessage `json:"d"`
}

var errMissingOp = errors.New("missing op")

func parseFrame(data []byte) (Frame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return Frame{}, err
	}
	if in.Op == nil {
		return Frame{}, errMissingOp
	}
	return Frame{Op: *in.Op, T: in.T, S: in.S, D: in.D}, nil
}

// Encode produces the compact JSON text for an outbound payload.
func (*Codec) Encode(op Opcode, d any) ([]byte, error) {
	data, err := json.Marshal(outboundFrame{Op: op, D: d})
	if err != nil {
		return nil, fmt.Errorf("error encoding %s payload: %w", op, err)
	}
	return data, nil
}
