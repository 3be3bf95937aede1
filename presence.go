package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Emitter hands outbound frames to the connection. Emit must not block.
type Emitter interface {
	Emit(f Frame) error
}

// typingHandle is the armed stop timer of one local typing burst.
type typingHandle struct {
	timer *time.Timer
	// announced is when "start" was last emitted for the burst.
	announced time.Time
}

// PresenceTracker keeps the online set and per-conversation typing sets.
// Nothing expires in the background; every read filters by recency.
type PresenceTracker struct {
	userID   string
	window   time.Duration
	typingTT time.Duration
	debounce time.Duration
	emitter  Emitter
	now      func() time.Time
	log      zerolog.Logger

	mu       sync.Mutex
	seen     map[string]time.Time
	typing   map[int64]map[string]time.Time
	local    map[int64]*typingHandle
	onChange func(Change)
}

// NewPresenceTracker builds a tracker that emits local typing frames
// through emitter.
func NewPresenceTracker(cfg Config, emitter Emitter, opts ...Option) *PresenceTracker {
	cfg.defaults()
	o := buildOptions(opts)
	return &PresenceTracker{
		userID:   cfg.UserID,
		window:   cfg.PresenceWindow,
		typingTT: cfg.TypingTTL(),
		debounce: cfg.TypingDebounce,
		emitter:  emitter,
		now:      o.now,
		log:      o.logger.With().Str("component", "presence").Logger(),
		seen:     make(map[string]time.Time),
		typing:   make(map[int64]map[string]time.Time),
		local:    make(map[int64]*typingHandle),
	}
}

func (p *PresenceTracker) setOnChange(fn func(Change)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *PresenceTracker) changed(c Change) {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// ============================================================================
// Presence
// ============================================================================

// OnPresenceEvent records a heartbeat when online is true and forgets the
// user otherwise. Events about the local user are ignored.
func (p *PresenceTracker) OnPresenceEvent(userID string, online bool) {
	if userID == "" || userID == p.userID {
		return
	}
	p.mu.Lock()
	if online {
		p.seen[userID] = p.now()
	} else {
		delete(p.seen, userID)
		for _, users := range p.typing {
			delete(users, userID)
		}
	}
	p.mu.Unlock()
	p.changed(Change{Kind: ChangePresence})
}

// IsOnline reports whether a heartbeat from userID arrived within the
// presence window.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.seen[userID]
	return ok && p.now().Sub(t) <= p.window
}

// OnlineUsers returns the currently online users, sorted.
func (p *PresenceTracker) OnlineUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	users := make([]string, 0, len(p.seen))
	for id, t := range p.seen {
		if now.Sub(t) <= p.window {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// ============================================================================
// Typing (remote)
// ============================================================================

// OnTypingEvent sets or clears a remote typing indicator.
func (p *PresenceTracker) OnTypingEvent(conversationID int64, userID string, isTyping bool) {
	if userID == "" || userID == p.userID {
		return
	}
	p.mu.Lock()
	users := p.typing[conversationID]
	if isTyping {
		if users == nil {
			users = make(map[string]time.Time)
			p.typing[conversationID] = users
		}
		users[userID] = p.now().Add(p.typingTT)
	} else if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.typing, conversationID)
		}
	}
	p.mu.Unlock()
	p.changed(Change{Kind: ChangeTyping, ConversationID: conversationID})
}

// TypingUsers returns the users typing in a conversation, sorted. Expired
// indicators are dropped here.
func (p *PresenceTracker) TypingUsers(conversationID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	users := p.typing[conversationID]
	out := make([]string, 0, len(users))
	for id, exp := range users {
		if now.Before(exp) {
			out = append(out, id)
			continue
		}
		delete(users, id)
	}
	if len(users) == 0 {
		delete(p.typing, conversationID)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Typing (local)
// ============================================================================

// SetLocalTyping is called on every keystroke with true and on blur or send
// with false. The first keystroke of a burst emits "start", and a burst that
// outlasts a debounce window repeats it once per window so receivers keep
// the indicator alive. Each keystroke re-arms a stop timer of one debounce
// window. The timer firing or an explicit false ends the burst and emits one
// "stop".
func (p *PresenceTracker) SetLocalTyping(conversationID int64, isTyping bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, active := p.local[conversationID]
	if !isTyping {
		if !active {
			return
		}
		h.timer.Stop()
		delete(p.local, conversationID)
		p.emitTyping(conversationID, false)
		return
	}

	now := p.now()
	next := &typingHandle{announced: now}
	if active {
		h.timer.Stop()
		if now.Sub(h.announced) < p.debounce {
			next.announced = h.announced
		} else {
			p.emitTyping(conversationID, true)
		}
	} else {
		p.emitTyping(conversationID, true)
	}
	next.timer = time.AfterFunc(p.debounce, func() { p.endBurst(conversationID, next) })
	p.local[conversationID] = next
}

// LocalTyping reports whether a local typing burst is in progress.
func (p *PresenceTracker) LocalTyping(conversationID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.local[conversationID]
	return ok
}

func (p *PresenceTracker) endBurst(conversationID int64, h *typingHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local[conversationID] != h {
		return
	}
	delete(p.local, conversationID)
	p.emitTyping(conversationID, false)
}

// emitTyping must be called with mu held; Emit never blocks.
func (p *PresenceTracker) emitTyping(conversationID int64, isTyping bool) {
	if p.emitter == nil {
		return
	}
	err := p.emitter.Emit(TypingFrame{ConversationID: conversationID, UserID: p.userID, IsTyping: isTyping})
	if err != nil {
		p.log.Debug().Err(err).Int64("conversation_id", conversationID).Bool("is_typing", isTyping).Msg("typing frame not sent")
	}
}

// Reset stops every local typing timer and forgets all presence and typing
// state. No stop frames are emitted.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	for id, h := range p.local {
		h.timer.Stop()
		delete(p.local, id)
	}
	p.seen = make(map[string]time.Time)
	p.typing = make(map[int64]map[string]time.Time)
	p.mu.Unlock()
	p.changed(Change{Kind: ChangePresence})
}
