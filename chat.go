// Package chatsync keeps a per-user chat feed consistent across a
// reconnecting real-time channel while showing optimistic sends instantly.
//
// Example:
//
//	chat, _ := chatsync.New(chatsync.Config{
//		BaseURL: "http://localhost:8080",
//		UserID:  "alice",
//		Token:   "alice",
//	})
//	defer chat.Close()
//
//	chat.Enable()
//	conv, _ := chat.StartConversation(ctx, "bob")
//	chat.LoadPage(ctx, conv.ID, 1)
//	cid, _ := chat.Send(conv.ID, "hello")
//	for _, m := range chat.Messages(conv.ID) {
//		fmt.Println(m.CorrelationID == cid, m.State, m.Body)
//	}
package chatsync

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const resyncConcurrency = 4

// ChangeKind identifies which part of the read model changed.
type ChangeKind string

const (
	ChangeConnection    ChangeKind = "connection"
	ChangeMessages      ChangeKind = "messages"
	ChangePresence      ChangeKind = "presence"
	ChangeTyping        ChangeKind = "typing"
	ChangeConversations ChangeKind = "conversations"
)

// Change is published to subscribers whenever the read model changes.
type Change struct {
	Kind           ChangeKind
	ConversationID int64           // for messages and typing
	State          ConnectionState // for connection
}

// ============================================================================
// Chat
// ============================================================================

// Chat is the public surface of the core. It wires the connection, presence
// and message components for one user.
type Chat struct {
	cfg      Config
	log      zerolog.Logger
	client   *Client
	conn     *ConnectionManager
	presence *PresenceTracker
	messages *MessageReconciler

	mu            sync.Mutex
	convs         map[int64]Conversation
	subs          map[uint64]func(Change)
	nextSub       uint64
	everConnected bool
	resyncCancel  context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Chat. With cfg.Enabled it starts connecting right away.
func New(cfg Config, opts ...Option) (*Chat, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.defaults()

	o := buildOptions(opts)
	shared := append(append([]Option{}, opts...), withMetrics(o.metrics))

	client := NewClient(cfg.BaseURL, WithToken(cfg.Token), WithClientHTTP(o.httpClient))
	conn := NewConnectionManager(cfg, shared...)

	c := &Chat{
		cfg:      cfg,
		log:      o.logger.With().Str("component", "chat").Str("user_id", cfg.UserID).Logger(),
		client:   client,
		conn:     conn,
		presence: NewPresenceTracker(cfg, conn, shared...),
		messages: NewMessageReconciler(cfg, client, shared...),
		convs:    make(map[int64]Conversation),
		subs:     make(map[uint64]func(Change)),
	}
	conn.Route(c.presence, messageRoute{c})
	conn.OnStateChange(c.onState)
	c.presence.setOnChange(c.publish)
	c.messages.setOnChange(c.publish)

	if cfg.Enabled {
		if err := c.Enable(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Client returns the REST client the Chat uses.
func (c *Chat) Client() *Client { return c.client }

// ── connection ─────────────────────────────────────────

// Enable starts a fresh connection attempt with a fresh retry budget.
func (c *Chat) Enable() error {
	if c.cfg.UserID == "" {
		return ErrNoUser
	}
	c.conn.Enable()
	return nil
}

// Disable closes the channel, cancels timers and in-flight sends, and drops
// all presence, typing and message state. Queued sends are discarded.
func (c *Chat) Disable() {
	c.conn.Disable()
	c.presence.Reset()
	c.messages.Reset()

	c.mu.Lock()
	if c.resyncCancel != nil {
		c.resyncCancel()
		c.resyncCancel = nil
	}
	c.everConnected = false
	c.convs = make(map[int64]Conversation)
	c.mu.Unlock()

	c.publish(Change{Kind: ChangeConversations})
}

// Reconnect starts a manual attempt with a reset retry budget. It returns
// once the attempt has connected or failed, and is a no-op while connecting
// or connected.
func (c *Chat) Reconnect(ctx context.Context) error {
	return c.conn.Reconnect(ctx)
}

// ConnectionState returns one of the five connection states.
func (c *Chat) ConnectionState() ConnectionState {
	return c.conn.State()
}

// LastError returns the last transport error text, if any.
func (c *Chat) LastError() string {
	return c.conn.LastError()
}

// WaitForState blocks until the connection reaches st.
func (c *Chat) WaitForState(ctx context.Context, st ConnectionState) error {
	return c.conn.WaitForState(ctx, st)
}

func (c *Chat) onState(from, to ConnectionState) {
	if to == StateConnected {
		c.mu.Lock()
		resync := c.everConnected && !c.cfg.DisableResync
		c.everConnected = true
		c.mu.Unlock()

		c.messages.SetOnline(true)
		if resync {
			c.resync()
		}
	} else if to == StateErrored {
		c.messages.Halt(ErrNotConnected)
	} else {
		c.messages.SetOnline(false)
	}
	c.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("connection state changed")
	c.publish(Change{Kind: ChangeConnection, State: to})
}

// resync refetches cached pages and the conversation list after a
// re-connection to pick up what was pushed while offline.
func (c *Chat) resync() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.resyncCancel != nil {
		c.resyncCancel()
	}
	c.resyncCancel = cancel
	refreshConvs := len(c.convs) > 0
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(resyncConcurrency)
		if refreshConvs {
			g.Go(func() error {
				_, err := c.Conversations(gctx)
				return err
			})
		}
		for _, id := range c.messages.CachedConversations() {
			id := id
			g.Go(func() error { return c.messages.Resync(gctx, id) })
		}
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("resync after reconnect failed")
		}
	}()
}

// ── messages ───────────────────────────────────────────

// Send shows body immediately as a Pending message and returns its
// correlation id. It never waits on the network. Sending ends the local
// typing burst.
func (c *Chat) Send(conversationID int64, body string) (string, error) {
	cid, err := c.messages.Send(conversationID, body)
	if err != nil {
		return "", err
	}
	c.presence.SetLocalTyping(conversationID, false)
	return cid, nil
}

// Retry re-sends a Failed message with the same correlation id.
func (c *Chat) Retry(correlationID string) error {
	return c.messages.Retry(correlationID)
}

// Message returns the current state of one sent message.
func (c *Chat) Message(correlationID string) (Message, bool) {
	return c.messages.Message(correlationID)
}

// Messages returns the ordered, deduplicated view of a conversation.
func (c *Chat) Messages(conversationID int64) []Message {
	return c.messages.Messages(conversationID)
}

// LoadPage fetches a history page unless it is already cached.
func (c *Chat) LoadPage(ctx context.Context, conversationID int64, page int) ([]Message, error) {
	return c.messages.LoadPage(ctx, conversationID, page)
}

// InvalidatePage forces the next LoadPage of page to refetch.
func (c *Chat) InvalidatePage(conversationID int64, page int) {
	c.messages.InvalidatePage(conversationID, page)
}

// MarkAsRead marks the conversation read on the server and locally.
func (c *Chat) MarkAsRead(ctx context.Context, conversationID int64) error {
	upTo, err := c.client.MarkRead(ctx, conversationID)
	if err != nil {
		return err
	}
	if upTo > 0 {
		c.messages.OnReadReceipt(conversationID, c.cfg.UserID, upTo)
	}

	c.mu.Lock()
	conv, ok := c.convs[conversationID]
	if ok {
		conv.UnreadCount = 0
		c.convs[conversationID] = conv
	}
	c.mu.Unlock()
	if ok {
		c.publish(Change{Kind: ChangeConversations, ConversationID: conversationID})
	}
	return nil
}

// ── presence ───────────────────────────────────────────

// SetTyping reports local typing activity. Call it on every keystroke.
func (c *Chat) SetTyping(conversationID int64, isTyping bool) {
	c.presence.SetLocalTyping(conversationID, isTyping)
}

func (c *Chat) OnlineUsers() []string { return c.presence.OnlineUsers() }

func (c *Chat) IsOnline(userID string) bool { return c.presence.IsOnline(userID) }

func (c *Chat) TypingUsers(conversationID int64) []string {
	return c.presence.TypingUsers(conversationID)
}

// ── conversations ──────────────────────────────────────

// StartConversation returns the conversation with otherUserID, creating it
// on first contact.
func (c *Chat) StartConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	conv, err := c.client.CreateConversation(ctx, otherUserID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.convs[conv.ID] = *conv
	c.mu.Unlock()
	c.publish(Change{Kind: ChangeConversations, ConversationID: conv.ID})
	return conv, nil
}

// Conversations fetches the conversation list and replaces the cached one.
func (c *Chat) Conversations(ctx context.Context) ([]Conversation, error) {
	convs, err := c.client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.convs = make(map[int64]Conversation, len(convs))
	for _, conv := range convs {
		c.convs[conv.ID] = conv
	}
	c.mu.Unlock()
	c.publish(Change{Kind: ChangeConversations})
	return convs, nil
}

// CachedConversations returns the known conversations, most recently active
// first.
func (c *Chat) CachedConversations() []Conversation {
	c.mu.Lock()
	out := make([]Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, conv)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case (a == nil) != (b == nil):
			return a != nil
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// ── subscriptions ──────────────────────────────────────

// Subscribe registers fn for every change. fn runs on the goroutine that
// caused the change and must not block. The returned func unsubscribes.
func (c *Chat) Subscribe(fn func(Change)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Chat) publish(ch Change) {
	c.mu.Lock()
	subs := make([]func(Change), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ch)
	}
}

// Close disables the Chat and waits for its goroutines.
func (c *Chat) Close() {
	c.Disable()
	c.conn.Wait()
	c.messages.Wait()
	c.wg.Wait()
}

// ============================================================================
// Routing
// ============================================================================

// messageRoute feeds live frames to the reconciler and keeps the cached
// conversation summaries in step.
type messageRoute struct{ c *Chat }

func (r messageRoute) OnLiveMessage(msg Message) {
	c := r.c
	if !c.messages.MergeLive(msg) || msg.SenderID == c.cfg.UserID {
		return
	}
	c.mu.Lock()
	conv, ok := c.convs[msg.ConversationID]
	if ok {
		at := msg.CreatedAt
		conv.LastMessageAt = &at
		conv.UnreadCount++
		c.convs[msg.ConversationID] = conv
	}
	c.mu.Unlock()
	if ok {
		c.publish(Change{Kind: ChangeConversations, ConversationID: msg.ConversationID})
	}
}

func (r messageRoute) OnReadReceipt(conversationID int64, readerID string, upToServerID int64) {
	r.c.messages.OnReadReceipt(conversationID, readerID, upToServerID)
}
