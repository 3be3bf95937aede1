package chatsync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Wire envelope
// ============================================================================

// FrameKind names a real-time frame.
type FrameKind string

const (
	KindPresence    FrameKind = "presence"
	KindTyping      FrameKind = "typing"
	KindMessage     FrameKind = "message"
	KindReadReceipt FrameKind = "read_receipt"
)

// Control frames exchanged outside the domain protocol.
const (
	KindAuth        FrameKind = "auth"
	KindAuthSuccess FrameKind = "auth_success"
	KindPing        FrameKind = "ping"
	KindPong        FrameKind = "pong"
	KindError       FrameKind = "error"
)

// Envelope is the wire format of every frame on the channel.
type Envelope struct {
	Type    FrameKind       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is sent by the client right after the channel opens.
type AuthPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// ErrorPayload carries a server-side error notice.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Domain frames
// ============================================================================

// Frame is one of PresenceFrame, TypingFrame, MessageFrame or ReadReceiptFrame.
type Frame interface {
	Kind() FrameKind
	validate() error
}

// PresenceFrame reports a user going online (or heartbeating) or offline.
type PresenceFrame struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// TypingFrame reports typing start/stop in a conversation.
type TypingFrame struct {
	ConversationID int64  `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageFrame pushes a confirmed message from another participant.
type MessageFrame struct {
	ConversationID int64   `json:"conversationId"`
	Message        Message `json:"message"`
}

// ReadReceiptFrame reports that ReaderID read everything up to UpToServerID.
type ReadReceiptFrame struct {
	ConversationID int64  `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	UpToServerID   int64  `json:"upToServerId"`
}

func (PresenceFrame) Kind() FrameKind    { return KindPresence }
func (TypingFrame) Kind() FrameKind      { return KindTyping }
func (MessageFrame) Kind() FrameKind     { return KindMessage }
func (ReadReceiptFrame) Kind() FrameKind { return KindReadReceipt }

func (f PresenceFrame) validate() error {
	if f.UserID == "" {
		return fmt.Errorf("%w: presence without userId", ErrMalformedFrame)
	}
	return nil
}

func (f TypingFrame) validate() error {
	if f.ConversationID <= 0 || f.UserID == "" {
		return fmt.Errorf("%w: typing needs conversationId and userId", ErrMalformedFrame)
	}
	return nil
}

func (f MessageFrame) validate() error {
	if f.ConversationID <= 0 {
		return fmt.Errorf("%w: message without conversationId", ErrMalformedFrame)
	}
	if f.Message.ServerID <= 0 || f.Message.SenderID == "" {
		return fmt.Errorf("%w: message without id or sender", ErrMalformedFrame)
	}
	if f.Message.ConversationID != 0 && f.Message.ConversationID != f.ConversationID {
		return fmt.Errorf("%w: message conversation mismatch", ErrMalformedFrame)
	}
	return nil
}

func (f ReadReceiptFrame) validate() error {
	if f.ConversationID <= 0 || f.ReaderID == "" || f.UpToServerID <= 0 {
		return fmt.Errorf("%w: read_receipt needs conversationId, readerId and upToServerId", ErrMalformedFrame)
	}
	return nil
}

// ============================================================================
// Codec
// ============================================================================

// DecodeFrame parses raw bytes into a domain frame.
func DecodeFrame(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope decodes the payload of an already parsed envelope.
// Control kinds are reported as ErrUnknownFrame; callers handle them first.
func DecodeEnvelope(env Envelope) (Frame, error) {
	var f Frame
	var err error
	switch env.Type {
	case KindPresence:
		f, err = decodePayload[PresenceFrame](env.Payload)
	case KindTyping:
		f, err = decodePayload[TypingFrame](env.Payload)
	case KindMessage:
		var mf *MessageFrame
		mf, err = decodePayload[MessageFrame](env.Payload)
		if err == nil && mf.Message.ConversationID == 0 {
			mf.Message.ConversationID = mf.ConversationID
		}
		f = mf
	case KindReadReceipt:
		f, err = decodePayload[ReadReceiptFrame](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
	if err != nil {
		return nil, err
	}
	f = deref(f)
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// EncodeFrame wraps a domain frame in its envelope.
func EncodeFrame(f Frame) ([]byte, error) {
	return EncodeControl(f.Kind(), f)
}

// EncodeControl wraps an arbitrary payload in an envelope of the given kind.
func EncodeControl(kind FrameKind, payload any) ([]byte, error) {
	env := Envelope{Type: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func decodePayload[T any](raw json.RawMessage) (*T, error) {
	var v T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &v, nil
}

// deref turns the pointer produced by decodePayload into a value frame so
// callers can type-switch on value types only.
func deref(f Frame) Frame {
	switch v := f.(type) {
	case *PresenceFrame:
		return *v
	case *TypingFrame:
		return *v
	case *MessageFrame:
		return *v
	case *ReadReceiptFrame:
		return *v
	}
	return f
}
