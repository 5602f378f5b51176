// Package message defines the RPC message envelope and its typed payload variants.
//
// Message is the "envelope" for every exchange on the wire — consumer↔provider
// calls, provider↔registry registration, and heartbeats all travel as a Message.
// The envelope gets serialized to JSON by the protocol layer and wrapped in a
// length-prefixed frame for transmission over TCP.
package message

import (
	"encoding/json"
	"fmt"
)

// MsgType identifies what the envelope carries and how to decode its payload.
type MsgType byte

const (
	TypeRequest       MsgType = 1 // Consumer → Provider RPC request
	TypeResponse      MsgType = 2 // Provider → Consumer RPC response
	TypeHeartbeatReq  MsgType = 3 // "PING" probe
	TypeHeartbeatResp MsgType = 4 // "PONG" reply
	TypeRegRegister   MsgType = 5 // Provider → Registry: register a ServiceInfo
	TypeRegUnregister MsgType = 6 // Provider → Registry: remove a ServiceInfo
	TypeRegLookup     MsgType = 7 // Consumer → Registry: discover providers
	TypeRegResponse   MsgType = 8 // Registry → caller: outcome of 5/6/7
)

// Known reports whether t is one of the defined message types.
// Unknown types are decoded, logged, and discarded — never a reason
// to close the connection.
func (t MsgType) Known() bool {
	return t >= TypeRequest && t <= TypeRegResponse
}

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeHeartbeatReq:
		return "HEARTBEAT_REQ"
	case TypeHeartbeatResp:
		return "HEARTBEAT_RESP"
	case TypeRegRegister:
		return "REG_REGISTER"
	case TypeRegUnregister:
		return "REG_UNREGISTER"
	case TypeRegLookup:
		return "REG_LOOKUP"
	case TypeRegResponse:
		return "REG_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Status is the envelope-level outcome of a request/response exchange.
type Status byte

const (
	StatusOK   Status = 0
	StatusFail Status = 1
)

// Serialization and compression codes. JSON is the only serialization and
// NONE the only compression this protocol speaks.
const (
	SerializationJSON byte = 1
	CompressionNone   byte = 0
)

// Heartbeat payload tokens.
const (
	HeartbeatPing = "PING"
	HeartbeatPong = "PONG"
)

// Message is the fixed envelope wrapped around every payload variant.
//
// RequestID is assigned only by the initiating side of an exchange and is
// strictly monotonic per client session; the responder echoes it back so the
// demultiplexer can route the response to the waiting caller.
type Message struct {
	Type          MsgType         `json:"type"`
	Serialization byte            `json:"serialization"`
	Compression   byte            `json:"compression"`
	RequestID     uint64          `json:"requestId"`
	Status        Status          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope of the given type with the default JSON/no-compression
// codes and the payload already marshalled. A nil payload leaves the slot empty.
func New(t MsgType, requestID uint64, payload any) (*Message, error) {
	m := &Message{
		Type:          t,
		Serialization: SerializationJSON,
		Compression:   CompressionNone,
		RequestID:     requestID,
	}
	if payload != nil {
		if err := m.SetPayload(payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetPayload marshals v into the envelope's payload slot.
func (m *Message) SetPayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("message: marshal %s payload: %w", m.Type, err)
	}
	m.Payload = raw
	return nil
}

// DecodePayload unmarshals the payload into v. Fields missing on the wire
// keep their zero values; an empty payload is not an error.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("message: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// HeartbeatToken extracts the PING/PONG token from a heartbeat envelope.
// Malformed payloads yield the empty string.
func (m *Message) HeartbeatToken() string {
	var tok string
	_ = m.DecodePayload(&tok)
	return tok
}
