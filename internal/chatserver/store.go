package chatserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prismer-ai/chatsync"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("not a participant")
	ErrInvalid   = errors.New("invalid request")
)

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type sendKey struct {
	conversationID int64
	senderID       string
	correlationID  string
}

type storedConversation struct {
	chatsync.Conversation
	messages []chatsync.Message
	lastRead map[string]int64
}

// Store is an in-memory conversation and message store. Conversation
// creation is idempotent per participant pair and message creation is
// idempotent per correlation id.
type Store struct {
	now func() time.Time

	mu       sync.Mutex
	nextConv int64
	nextMsg  int64
	convs    map[int64]*storedConversation
	byPair   map[pairKey]int64
	sent     map[sendKey]int64
	lastAt   time.Time
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:    now,
		convs:  make(map[int64]*storedConversation),
		byPair: make(map[pairKey]int64),
		sent:   make(map[sendKey]int64),
	}
}

// GetOrCreateConversation returns the conversation between userID and
// otherID, creating it on first contact.
func (s *Store) GetOrCreateConversation(userID, otherID, jobTitle string) (chatsync.Conversation, bool, error) {
	if userID == "" || otherID == "" || userID == otherID {
		return chatsync.Conversation{}, false, ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := newPairKey(userID, otherID)
	if id, ok := s.byPair[key]; ok {
		return s.viewLocked(s.convs[id], userID), false, nil
	}

	s.nextConv++
	c := &storedConversation{
		Conversation: chatsync.Conversation{
			ID:             s.nextConv,
			ParticipantAID: userID,
			ParticipantBID: otherID,
			JobTitle:       jobTitle,
			CreatedAt:      s.now().UTC(),
		},
		lastRead: make(map[string]int64),
	}
	s.convs[c.ID] = c
	s.byPair[key] = c.ID
	return s.viewLocked(c, userID), true, nil
}

// Conversation returns a conversation as seen by userID.
func (s *Store) Conversation(id int64, userID string) (chatsync.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.participantLocked(id, userID)
	if err != nil {
		return chatsync.Conversation{}, err
	}
	return s.viewLocked(c, userID), nil
}

// ListConversations returns userID's conversations, most recent first.
func (s *Store) ListConversations(userID string) []chatsync.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []chatsync.Conversation{}
	for _, c := range s.convs {
		if c.Has(userID) {
			out = append(out, s.viewLocked(c, userID))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return activity(out[i]).After(activity(out[j])) ||
			(activity(out[i]).Equal(activity(out[j])) && out[i].ID > out[j].ID)
	})
	return out
}

func activity(c chatsync.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Messages returns one page of messages, oldest first. Page 1 holds the
// oldest pageSize messages.
func (s *Store) Messages(id int64, userID string, page, pageSize int) ([]chatsync.Message, error) {
	if page < 1 || pageSize < 1 {
		return nil, ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.participantLocked(id, userID)
	if err != nil {
		return nil, err
	}

	start := (page - 1) * pageSize
	out := []chatsync.Message{}
	for i := start; i < len(c.messages) && i < start+pageSize; i++ {
		out = append(out, s.messageViewLocked(c, c.messages[i], userID))
	}
	return out, nil
}

// AddMessage stores a message. A repeated correlation id from the same
// sender returns the original message with created false.
func (s *Store) AddMessage(id int64, senderID, body, correlationID string) (chatsync.Message, bool, error) {
	if body == "" {
		return chatsync.Message{}, false, ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.participantLocked(id, senderID)
	if err != nil {
		return chatsync.Message{}, false, err
	}

	key := sendKey{conversationID: id, senderID: senderID, correlationID: correlationID}
	if correlationID != "" {
		if msgID, ok := s.sent[key]; ok {
			for _, m := range c.messages {
				if m.ServerID == msgID {
					return s.messageViewLocked(c, m, senderID), false, nil
				}
			}
		}
	}

	now := s.now().UTC()
	if now.Before(s.lastAt) {
		now = s.lastAt
	}
	s.lastAt = now

	s.nextMsg++
	m := chatsync.Message{
		ServerID:       s.nextMsg,
		CorrelationID:  correlationID,
		ConversationID: id,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      now,
	}
	c.messages = append(c.messages, m)
	c.LastMessageAt = &now
	if correlationID != "" {
		s.sent[key] = m.ServerID
	}
	return s.messageViewLocked(c, m, senderID), true, nil
}

// MarkRead marks everything currently in the conversation as read by
// userID and returns the highest message id covered.
func (s *Store) MarkRead(id int64, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.participantLocked(id, userID)
	if err != nil {
		return 0, err
	}
	var upTo int64
	if n := len(c.messages); n > 0 {
		upTo = c.messages[n-1].ServerID
	}
	if upTo > c.lastRead[userID] {
		c.lastRead[userID] = upTo
	}
	return c.lastRead[userID], nil
}

func (s *Store) participantLocked(id int64, userID string) (*storedConversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Has(userID) {
		return nil, ErrForbidden
	}
	return c, nil
}

func (s *Store) viewLocked(c *storedConversation, userID string) chatsync.Conversation {
	v := c.Conversation
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		v.LastMessageAt = &at
	}
	read := c.lastRead[userID]
	for _, m := range c.messages {
		if m.SenderID != userID && m.ServerID > read {
			v.UnreadCount++
		}
	}
	return v
}

// messageViewLocked sets the delivery state as seen by viewerID.
func (s *Store) messageViewLocked(c *storedConversation, m chatsync.Message, viewerID string) chatsync.Message {
	reader := c.Other(m.SenderID)
	switch {
	case c.lastRead[reader] >= m.ServerID:
		m.State = chatsync.DeliveryRead
	case m.SenderID == viewerID:
		m.State = chatsync.DeliverySent
	default:
		m.State = chatsync.DeliveryDelivered
	}
	return m
}
