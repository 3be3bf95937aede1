package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// MessageAPI is the request/response side the reconciler depends on.
// *Client implements it.
type MessageAPI interface {
	ListMessages(ctx context.Context, conversationID int64, page int) ([]Message, error)
	SendMessage(ctx context.Context, conversationID int64, body, correlationID string) (*Message, error)
}

// ============================================================================
// Per-conversation state
// ============================================================================

type msgKey struct {
	at time.Time
	id int64
}

func (k msgKey) less(o msgKey) bool {
	if !k.at.Equal(o.at) {
		return k.at.Before(o.at)
	}
	return k.id < o.id
}

type entry struct {
	msg Message
	// seq orders local entries created at the same instant.
	seq uint64
	// anchor is the greatest confirmed key the conversation held when the
	// entry was created; an unconfirmed entry always sorts after it.
	anchor    msgKey
	hasAnchor bool
	inflight  bool
}

func (e *entry) key() msgKey { return msgKey{at: e.msg.CreatedAt, id: e.msg.ServerID} }

type thread struct {
	entries  []*entry
	byServer map[int64]*entry
	byCorr   map[string]*entry
	pages    map[int][]int64
}

func newThread() *thread {
	return &thread{
		byServer: make(map[int64]*entry),
		byCorr:   make(map[string]*entry),
		pages:    make(map[int][]int64),
	}
}

func (t *thread) add(e *entry) {
	t.entries = append(t.entries, e)
	t.index(e)
}

func (t *thread) index(e *entry) {
	if e.msg.ServerID != 0 {
		t.byServer[e.msg.ServerID] = e
	}
	if e.msg.CorrelationID != "" {
		t.byCorr[e.msg.CorrelationID] = e
	}
}

func (t *thread) remove(e *entry) {
	for i, x := range t.entries {
		if x == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	if t.byServer[e.msg.ServerID] == e {
		delete(t.byServer, e.msg.ServerID)
	}
	if t.byCorr[e.msg.CorrelationID] == e {
		delete(t.byCorr, e.msg.CorrelationID)
	}
}

func (t *thread) maxConfirmed() (msgKey, bool) {
	var best msgKey
	found := false
	for _, e := range t.entries {
		if !e.msg.Confirmed() {
			continue
		}
		if k := e.key(); !found || best.less(k) {
			best, found = k, true
		}
	}
	return best, found
}

// upsert merges a server-confirmed message. Two entries are the same
// message iff they share a correlation id or a server id; when an incoming
// message links two existing entries they are folded into one. Confirmed
// delivery state only moves forward. It reports whether a new entry was
// created.
func (t *thread) upsert(m Message, floor DeliveryState) bool {
	var e *entry
	if m.CorrelationID != "" {
		e = t.byCorr[m.CorrelationID]
	}
	if s := t.byServer[m.ServerID]; s != nil {
		if e == nil {
			e = s
		} else if s != e {
			if s.msg.State.confirmedRank() > e.msg.State.confirmedRank() {
				e.msg.State = s.msg.State
			}
			t.remove(s)
		}
	}

	state := m.State
	if state.confirmedRank() < floor.confirmedRank() {
		state = floor
	}

	if e == nil {
		m.State = state
		m.Error = ""
		t.add(&entry{msg: m})
		return true
	}

	if e.msg.State.confirmedRank() > state.confirmedRank() {
		state = e.msg.State
	}
	if m.CorrelationID == "" {
		m.CorrelationID = e.msg.CorrelationID
	}
	m.State = state
	m.Error = ""
	e.msg = m
	e.inflight = false
	t.index(e)
	return false
}

// ============================================================================
// MessageReconciler
// ============================================================================

type queued struct {
	conversationID int64
	correlationID  string
}

// MessageReconciler merges fetched pages, optimistic sends and live pushes
// into one ordered, duplicate-free view per conversation.
type MessageReconciler struct {
	userID      string
	sendTimeout time.Duration
	pageSize    int
	api         MessageAPI
	now         func() time.Time
	log         zerolog.Logger
	metrics     *metrics
	group       singleflight.Group

	mu       sync.Mutex
	threads  map[int64]*thread
	corrConv map[string]int64
	outbox   []queued
	online   bool
	halted   error
	seq      uint64
	epoch    uint64
	ctx      context.Context
	cancel   context.CancelFunc
	onChange func(Change)

	wg sync.WaitGroup
}

// NewMessageReconciler builds a reconciler for the local user cfg.UserID.
func NewMessageReconciler(cfg Config, api MessageAPI, opts ...Option) *MessageReconciler {
	cfg.defaults()
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageReconciler{
		userID:      cfg.UserID,
		sendTimeout: cfg.SendTimeout,
		pageSize:    cfg.PageSize,
		api:         api,
		now:         o.now,
		log:         o.logger.With().Str("component", "reconciler").Logger(),
		metrics:     o.metrics,
		threads:     make(map[int64]*thread),
		corrConv:    make(map[string]int64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (r *MessageReconciler) setOnChange(fn func(Change)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *MessageReconciler) changed(conversationID int64) {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(Change{Kind: ChangeMessages, ConversationID: conversationID})
	}
}

func (r *MessageReconciler) threadLocked(conversationID int64) *thread {
	t := r.threads[conversationID]
	if t == nil {
		t = newThread()
		r.threads[conversationID] = t
	}
	return t
}

// floor is the lowest state a confirmed message can have for the viewer.
func (r *MessageReconciler) floor(m Message) DeliveryState {
	if m.SenderID == r.userID {
		return DeliverySent
	}
	return DeliveryDelivered
}

// ── pages ───────────────────────────────────────────────

// LoadPage returns one page of confirmed messages, fetching it unless it is
// cached. Concurrent loads of the same page share one request.
func (r *MessageReconciler) LoadPage(ctx context.Context, conversationID int64, page int) ([]Message, error) {
	if page < 1 {
		return nil, fmt.Errorf("page must be >= 1, got %d", page)
	}
	if msgs, ok := r.cachedPage(conversationID, page); ok {
		return msgs, nil
	}

	// The flight outlives any one caller: each waiter gives up on its own
	// ctx while the fetch runs under the reconciler's lifetime.
	key := strconv.FormatInt(conversationID, 10) + "/" + strconv.Itoa(page)
	ch := r.group.DoChan(key, func() (any, error) {
		if msgs, ok := r.cachedPage(conversationID, page); ok {
			return msgs, nil
		}
		r.mu.Lock()
		epoch, base := r.epoch, r.ctx
		r.mu.Unlock()

		fctx, cancel := context.WithTimeout(base, r.sendTimeout)
		defer cancel()
		msgs, err := r.api.ListMessages(fctx, conversationID, page)
		if err != nil {
			return nil, err
		}
		r.storePage(epoch, conversationID, page, msgs)
		return msgs, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("load page %d of conversation %d: %w", page, conversationID, res.Err)
		}
		return res.Val.([]Message), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("load page %d of conversation %d: %w", page, conversationID, ctx.Err())
	}
}

func (r *MessageReconciler) cachedPage(conversationID int64, page int) ([]Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.threads[conversationID]
	if t == nil {
		return nil, false
	}
	ids, ok := t.pages[page]
	if !ok {
		return nil, false
	}
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		if e := t.byServer[id]; e != nil {
			msgs = append(msgs, e.msg)
		}
	}
	return msgs, true
}

func (r *MessageReconciler) storePage(epoch uint64, conversationID int64, page int, msgs []Message) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	t := r.threadLocked(conversationID)
	ids := make([]int64, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if !m.Confirmed() {
			continue
		}
		m.ConversationID = conversationID
		t.upsert(m, r.floor(m))
		ids = append(ids, m.ServerID)
	}
	t.pages[page] = ids
	r.mu.Unlock()
	r.changed(conversationID)
}

// InvalidatePage drops one cached page so the next LoadPage refetches it.
func (r *MessageReconciler) InvalidatePage(conversationID int64, page int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.threads[conversationID]; t != nil {
		delete(t.pages, page)
	}
}

// Invalidate drops every cached page of a conversation. Merged messages stay.
func (r *MessageReconciler) Invalidate(conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.threads[conversationID]; t != nil {
		t.pages = make(map[int][]int64)
	}
}

// CachedConversations returns the conversations with at least one cached page.
func (r *MessageReconciler) CachedConversations() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, t := range r.threads {
		if len(t.pages) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resync refetches every cached page of a conversation and follows full
// pages forward, picking up messages missed while disconnected.
func (r *MessageReconciler) Resync(ctx context.Context, conversationID int64) error {
	r.mu.Lock()
	var pages []int
	if t := r.threads[conversationID]; t != nil {
		for p := range t.pages {
			pages = append(pages, p)
		}
		t.pages = make(map[int][]int64)
	}
	r.mu.Unlock()
	if len(pages) == 0 {
		return nil
	}
	sort.Ints(pages)

	last := pages[len(pages)-1]
	for i := 0; i < len(pages); i++ {
		p := pages[i]
		msgs, err := r.LoadPage(ctx, conversationID, p)
		if err != nil {
			return err
		}
		if p == last && len(msgs) >= r.pageSize {
			last++
			pages = append(pages, last)
		}
	}
	return nil
}

// ── sending ─────────────────────────────────────────────

// Send inserts a Pending message and returns its correlation id before any
// network I/O. The request is issued in the background, or queued until
// SetOnline(true) when offline. While halted the message is Failed at once.
func (r *MessageReconciler) Send(conversationID int64, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyBody
	}
	cid := uuid.NewString()

	r.mu.Lock()
	t := r.threadLocked(conversationID)
	r.seq++
	e := &entry{
		msg: Message{
			CorrelationID:  cid,
			ConversationID: conversationID,
			SenderID:       r.userID,
			Body:           body,
			CreatedAt:      r.now(),
			State:          DeliveryPending,
		},
		seq: r.seq,
	}
	e.anchor, e.hasAnchor = t.maxConfirmed()
	t.add(e)
	r.corrConv[cid] = conversationID
	r.dispatchLocked(conversationID, e)
	r.mu.Unlock()

	r.changed(conversationID)
	return cid, nil
}

// Retry re-issues a Failed send with its original correlation id and body.
func (r *MessageReconciler) Retry(correlationID string) error {
	r.mu.Lock()
	conversationID, ok := r.corrConv[correlationID]
	var e *entry
	if ok {
		e = r.threads[conversationID].byCorr[correlationID]
	}
	if e == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, correlationID)
	}
	if e.msg.State != DeliveryFailed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, correlationID, e.msg.State)
	}
	if err := r.halted; err != nil {
		r.mu.Unlock()
		return fmt.Errorf("retry %s: %w", correlationID, err)
	}
	e.msg.State = DeliveryPending
	e.msg.Error = ""
	r.dispatchLocked(conversationID, e)
	r.mu.Unlock()

	r.changed(conversationID)
	return nil
}

// SetOnline gates outbound sends. Going online issues every queued send
// exactly once.
func (r *MessageReconciler) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = online
	r.halted = nil
	if !online {
		return
	}
	pending := r.outbox
	r.outbox = nil
	for _, q := range pending {
		t := r.threads[q.conversationID]
		if t == nil {
			continue
		}
		if e := t.byCorr[q.correlationID]; e != nil {
			r.startLocked(q.conversationID, e)
		}
	}
}

// Halt is called when the connection has given up. Every queued send is
// marked Failed with err so it can be retried, and later sends fail
// immediately until SetOnline is called again.
func (r *MessageReconciler) Halt(err error) {
	r.mu.Lock()
	r.online = false
	r.halted = err
	pending := r.outbox
	r.outbox = nil
	touched := make(map[int64]struct{})
	for _, q := range pending {
		t := r.threads[q.conversationID]
		if t == nil {
			continue
		}
		if e := t.byCorr[q.correlationID]; e != nil && e.msg.State == DeliveryPending {
			r.failLocked(e, err)
			touched[q.conversationID] = struct{}{}
		}
	}
	r.mu.Unlock()

	if len(pending) > 0 {
		r.log.Warn().Err(err).Int("count", len(pending)).Msg("queued sends failed")
	}
	for id := range touched {
		r.changed(id)
	}
}

// Pending returns the number of sends waiting for the connection.
func (r *MessageReconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

func (r *MessageReconciler) dispatchLocked(conversationID int64, e *entry) {
	if r.halted != nil {
		r.failLocked(e, r.halted)
		return
	}
	if !r.online {
		r.outbox = append(r.outbox, queued{conversationID: conversationID, correlationID: e.msg.CorrelationID})
		r.log.Debug().Str("correlation_id", e.msg.CorrelationID).Msg("send queued until connected")
		return
	}
	r.startLocked(conversationID, e)
}

func (r *MessageReconciler) failLocked(e *entry, err error) {
	r.metrics.sends.WithLabelValues("not_connected").Inc()
	e.msg.State = DeliveryFailed
	e.msg.Error = err.Error()
}

func (r *MessageReconciler) startLocked(conversationID int64, e *entry) {
	if e.inflight || e.msg.State != DeliveryPending {
		return
	}
	e.inflight = true
	epoch, ctx := r.epoch, r.ctx
	body, cid := e.msg.Body, e.msg.CorrelationID

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		msg, err := r.api.SendMessage(sctx, conversationID, body, cid)
		cancel()
		r.finish(epoch, conversationID, cid, msg, err)
	}()
}

func (r *MessageReconciler) finish(epoch uint64, conversationID int64, cid string, msg *Message, err error) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		return
	}
	t := r.threads[conversationID]
	var e *entry
	if t != nil {
		e = t.byCorr[cid]
	}
	if e == nil {
		r.mu.Unlock()
		return
	}
	e.inflight = false

	if err != nil {
		outcome := "failed"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			err = fmt.Errorf("%w: %v", ErrSendTimeout, err)
		}
		r.metrics.sends.WithLabelValues(outcome).Inc()
		if e.msg.Confirmed() {
			r.mu.Unlock()
			return
		}
		e.msg.State = DeliveryFailed
		e.msg.Error = err.Error()
		r.mu.Unlock()
		r.log.Warn().Err(err).Str("correlation_id", cid).Int64("conversation_id", conversationID).Msg("send failed")
		r.changed(conversationID)
		return
	}

	r.metrics.sends.WithLabelValues("sent").Inc()
	m := *msg
	m.ConversationID = conversationID
	if m.CorrelationID == "" {
		m.CorrelationID = cid
	}
	if m.SenderID == "" {
		m.SenderID = r.userID
	}
	t.upsert(m, DeliverySent)
	r.mu.Unlock()
	r.changed(conversationID)
}

// ── live events ─────────────────────────────────────────

// OnLiveMessage merges a pushed message.
func (r *MessageReconciler) OnLiveMessage(msg Message) {
	r.MergeLive(msg)
}

// MergeLive merges a pushed message and reports whether it was new. Repeat
// deliveries and messages already seen through a page or a send response
// return false.
func (r *MessageReconciler) MergeLive(msg Message) bool {
	if !msg.Confirmed() || msg.ConversationID == 0 {
		return false
	}
	r.mu.Lock()
	inserted := r.threadLocked(msg.ConversationID).upsert(msg, r.floor(msg))
	r.mu.Unlock()
	r.changed(msg.ConversationID)
	return inserted
}

// OnReadReceipt marks confirmed messages up to upToServerID that readerID did
// not author as Read.
func (r *MessageReconciler) OnReadReceipt(conversationID int64, readerID string, upToServerID int64) {
	r.mu.Lock()
	t := r.threads[conversationID]
	if t == nil {
		r.mu.Unlock()
		return
	}
	for _, e := range t.entries {
		m := &e.msg
		if m.Confirmed() && m.ServerID <= upToServerID && m.SenderID != readerID {
			m.State = DeliveryRead
		}
	}
	r.mu.Unlock()
	r.changed(conversationID)
}

// ── read model ──────────────────────────────────────────

// Messages returns the ordered view of a conversation. Confirmed messages are
// ordered by (CreatedAt, ServerID). An unconfirmed message sorts after the
// last confirmed message that existed when it was created and after every
// confirmed message not newer than it.
func (r *MessageReconciler) Messages(conversationID int64) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.threads[conversationID]
	if t == nil {
		return []Message{}
	}

	var confirmed []*entry
	type placed struct {
		e   *entry
		pos int
	}
	var local []placed
	for _, e := range t.entries {
		if e.msg.Confirmed() {
			confirmed = append(confirmed, e)
		}
	}
	sort.Slice(confirmed, func(i, j int) bool { return confirmed[i].key().less(confirmed[j].key()) })

	for _, e := range t.entries {
		if e.msg.Confirmed() {
			continue
		}
		created := e.msg.CreatedAt
		pos := sort.Search(len(confirmed), func(i int) bool { return confirmed[i].msg.CreatedAt.After(created) })
		if e.hasAnchor {
			anchor := e.anchor
			if ap := sort.Search(len(confirmed), func(i int) bool { return anchor.less(confirmed[i].key()) }); ap > pos {
				pos = ap
			}
		}
		local = append(local, placed{e: e, pos: pos})
	}
	sort.Slice(local, func(i, j int) bool {
		a, b := local[i], local[j]
		if a.pos != b.pos {
			return a.pos < b.pos
		}
		if !a.e.msg.CreatedAt.Equal(b.e.msg.CreatedAt) {
			return a.e.msg.CreatedAt.Before(b.e.msg.CreatedAt)
		}
		return a.e.seq < b.e.seq
	})

	out := make([]Message, 0, len(t.entries))
	li := 0
	for ci := 0; ci <= len(confirmed); ci++ {
		for li < len(local) && local[li].pos == ci {
			out = append(out, local[li].e.msg)
			li++
		}
		if ci < len(confirmed) {
			out = append(out, confirmed[ci].msg)
		}
	}
	return out
}

// Message returns the current entry for a correlation id.
func (r *MessageReconciler) Message(correlationID string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conversationID, ok := r.corrConv[correlationID]
	if !ok {
		return Message{}, false
	}
	e := r.threads[conversationID].byCorr[correlationID]
	if e == nil {
		return Message{}, false
	}
	return e.msg, true
}

// Reset cancels in-flight sends and forgets every conversation.
func (r *MessageReconciler) Reset() {
	r.mu.Lock()
	r.cancel()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.epoch++
	r.threads = make(map[int64]*thread)
	r.corrConv = make(map[string]int64)
	r.outbox = nil
	r.halted = nil
	r.mu.Unlock()
}

// Wait blocks until every in-flight send has finished.
func (r *MessageReconciler) Wait() {
	r.wg.Wait()
}
