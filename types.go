package chatsync

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDisabled is returned by operations that need an enabled connection.
	ErrDisabled = errors.New("chatsync: connection disabled")
	// ErrNoUser is returned by Enable when no user id is configured.
	ErrNoUser = errors.New("chatsync: no user id")
	// ErrNotConnected is returned when a frame is emitted without a live channel.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrBackpressure is returned when the outbound frame queue is full.
	ErrBackpressure = errors.New("chatsync: outbound queue full")
	// ErrHandshake is returned when the server does not acknowledge auth.
	ErrHandshake = errors.New("chatsync: handshake failed")
	// ErrUnknownFrame is returned for frame kinds outside the protocol.
	ErrUnknownFrame = errors.New("chatsync: unknown frame kind")
	// ErrMalformedFrame is returned for frames missing required fields.
	ErrMalformedFrame = errors.New("chatsync: malformed frame")
	// ErrUnknownMessage is returned by Retry for an unknown correlation id.
	ErrUnknownMessage = errors.New("chatsync: unknown message")
	// ErrNotRetryable is returned by Retry when the message is not Failed.
	ErrNotRetryable = errors.New("chatsync: message is not in failed state")
	// ErrEmptyBody is returned by Send for blank message bodies.
	ErrEmptyBody = errors.New("chatsync: empty message body")
	// ErrSendTimeout marks a send that got no response within SendTimeout.
	ErrSendTimeout = errors.New("chatsync: send timed out")
)

// APIError is a non-2xx response from the chat REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the state of the real-time channel.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateErrored      ConnectionState = "errored"
)

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks a message from optimistic insert to read.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

// confirmedRank orders the states a confirmed message moves through.
// Unconfirmed states rank zero.
func (s DeliveryState) confirmedRank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// Message is a chat message, either optimistic or server-confirmed.
//
// ServerID is zero until the server confirms the message. CorrelationID is
// generated by the sender and doubles as the idempotency key of the send.
type Message struct {
	ServerID       int64         `json:"id,omitempty"`
	CorrelationID  string        `json:"correlationId,omitempty"`
	ConversationID int64         `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"createdAt"`
	State          DeliveryState `json:"state,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Confirmed reports whether the server has assigned an id.
func (m Message) Confirmed() bool {
	return m.ServerID != 0
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a 1:1 relationship between two participants.
type Conversation struct {
	ID             int64      `json:"id"`
	ParticipantAID string     `json:"participantAId"`
	ParticipantBID string     `json:"participantBId"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount    int        `json:"unreadCount"`
	JobTitle       string     `json:"jobTitle,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.ParticipantAID == userID {
		return c.ParticipantBID
	}
	return c.ParticipantAID
}

// Has reports whether userID participates in the conversation.
func (c Conversation) Has(userID string) bool {
	return c.ParticipantAID == userID || c.ParticipantBID == userID
}
