// Package frame implements the JSON envelope codec for the gateway protocol.
//
// Every frame on the wire, in either direction, is a single JSON object:
//
//	{"op": <int>, "t": <string|null>, "s": <int|null>, "d": <any>}
//
// Opcode 0 carries a named dispatch event in "t". All other opcodes are
// control frames handled by the connection supervisor directly.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Opcode identifies the kind of frame. Values follow gateway protocol v4.
type Opcode int

const (
	OpDispatch         Opcode = 0
	OpHeartbeat        Opcode = 1
	OpIdentify         Opcode = 2
	OpPresenceUpdate   Opcode = 3
	OpVoiceStateUpdate Opcode = 4
	OpReconnect        Opcode = 7
	OpInvalidSession   Opcode = 9
	OpHello            Opcode = 10
	OpHeartbeatAck     Opcode = 11
)

var (
	ErrMalformedEnvelope = errors.New("frame: malformed envelope")
	ErrEmptyFrame        = errors.New("frame: empty frame")
)

// Envelope is a decoded inbound frame. Data is left raw so the handler
// registry can decode it into the type registered for Type.
type Envelope struct {
	Op   Opcode
	Type string
	Seq  int64
	Data json.RawMessage
}

// IsDispatch reports whether the envelope carries a named event.
func (e Envelope) IsDispatch() bool { return e.Op == OpDispatch && e.Type != "" }

type rawEnvelope struct {
	Op   *Opcode         `json:"op"`
	Type *string         `json:"t"`
	Seq  *int64          `json:"s"`
	Data json.RawMessage `json:"d"`
}

// outbound frames never carry t or s.
type outEnvelope struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// Decode parses a text frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if raw.Op == nil {
		return Envelope{}, fmt.Errorf("%w: missing op", ErrMalformedEnvelope)
	}

	env := Envelope{Op: *raw.Op, Data: raw.Data}
	if raw.Type != nil {
		env.Type = *raw.Type
	}
	if raw.Seq != nil {
		env.Seq = *raw.Seq
	}
	if env.Op == OpDispatch && env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: dispatch without event type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Encode serialises an outbound frame.
func Encode(op Opcode, d any) ([]byte, error) {
	out, err := json.Marshal(outEnvelope{Op: op, Data: d})
	if err != nil {
		return nil, fmt.Errorf("frame: encode op %d: %w", op, err)
	}
	return out, nil
}

// Unavailable reports whether a dispatch payload carries the "unavailable"
// marker. Only the key's presence matters, not its value.
func Unavailable(d json.RawMessage) bool {
	if len(d) == 0 || d[0] != '{' {
		return false
	}
	var probe struct {
		Unavailable *json.RawMessage `json:"unavailable"`
	}
	if err := json.Unmarshal(d, &probe); err != nil {
		return false
	}
	return probe.Unavailable != nil
}
