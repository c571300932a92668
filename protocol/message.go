package protocol

import (
	"encoding/json"
	"fmt"
)

// The protocol version changes whenever the wire format changes in a way
// an older peer cannot parse. `MinProtocolVersion` is the oldest client
// version the room will still accept.
const (
	ProtocolVersion    = 6
	MinProtocolVersion = 5
)

// incompatibility reasons. These are terminal for the session.
const (
	ReasonClientTooOld     = "clientTooOld"
	ReasonServerTooOld     = "serverTooOld"
	ReasonInvalidRecord    = "invalidRecord"
	ReasonInvalidOperation = "invalidOperation"
	ReasonRoomNotFound     = "roomNotFound"
	ReasonNotAuthorized    = "notAuthorized"
)

const (
	MessageTypeConnect              = "connect"
	MessageTypePush                 = "push"
	MessageTypePing                 = "ping"
	MessageTypeConnectAccepted      = "connect-accepted"
	MessageTypeIncompatibilityError = "incompatibility-error"
	MessageTypePatch                = "patch"
	MessageTypeSnapshot             = "snapshot"
	MessageTypePong                 = "pong"
	MessageTypeError                = "error"
)

// Message is one of the tagged variants below.
// Record-shaped payloads (diffs, stores, schemas) stay raw at this layer.
// The docsync package owns their structure.
type Message interface{}

// client -> server

type Connect struct {
	SessionId       string          `json:"sessionId"`
	LastServerClock int64           `json:"lastServerClock"`
	ProtocolVersion int             `json:"protocolVersion"`
	Schema          json.RawMessage `json:"schema,omitempty"`
}

type Push struct {
	PushId int64           `json:"pushId"`
	Diff   json.RawMessage `json:"diff"`
}

type Ping struct{}

// server -> client

type ConnectAccepted struct {
	Clock           int64 `json:"clock"`
	ProtocolVersion int   `json:"protocolVersion"`
}

type IncompatibilityError struct {
	Reason string `json:"reason"`
}

// Patch carries a network diff at `Clock`. When `Ack` is non-zero the patch
// confirms the push with that id from the receiving session; the diff is
// empty in that case because the room accepted the push verbatim.
type Patch struct {
	Diff  json.RawMessage `json:"diff,omitempty"`
	Clock int64           `json:"clock"`
	Ack   int64           `json:"ack,omitempty"`
}

type Snapshot struct {
	Clock int64           `json:"clock"`
	Store json.RawMessage `json:"store"`
}

type Pong struct{}

type Error struct {
	Message string `json:"message"`
}

type Frame struct {
	MessageType string          `json:"type"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func ToFrame(message Message) (*Frame, error) {
	var messageType string
	switch v := message.(type) {
	case *Connect:
		messageType = MessageTypeConnect
	case *Push:
		messageType = MessageTypePush
	case *Ping:
		messageType = MessageTypePing
	case *ConnectAccepted:
		messageType = MessageTypeConnectAccepted
	case *IncompatibilityError:
		messageType = MessageTypeIncompatibilityError
	case *Patch:
		messageType = MessageTypePatch
	case *Snapshot:
		messageType = MessageTypeSnapshot
	case *Pong:
		messageType = MessageTypePong
	case *Error:
		messageType = MessageTypeError
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		MessageType: messageType,
		Body:        b,
	}, nil
}

func RequireToFrame(message Message) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (Message, error) {
	var message Message
	switch frame.MessageType {
	case MessageTypeConnect:
		message = &Connect{}
	case MessageTypePush:
		message = &Push{}
	case MessageTypePing:
		message = &Ping{}
	case MessageTypeConnectAccepted:
		message = &ConnectAccepted{}
	case MessageTypeIncompatibilityError:
		message = &IncompatibilityError{}
	case MessageTypePatch:
		message = &Patch{}
	case MessageTypeSnapshot:
		message = &Snapshot{}
	case MessageTypePong:
		message = &Pong{}
	case MessageTypeError:
		message = &Error{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.MessageType)
	}
	if len(frame.Body) > 0 {
		err := json.Unmarshal(frame.Body, message)
		if err != nil {
			return nil, err
		}
	}
	return message, nil
}

func EncodeMessage(message Message) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

func RequireEncodeMessage(message Message) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeMessage(b []byte) (Message, error) {
	frame := &Frame{}
	err := json.Unmarshal(b, frame)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
