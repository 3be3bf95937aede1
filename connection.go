package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// ============================================================================
// Transport
// ============================================================================

// Conn is one open duplex channel.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the real-time endpoint over websocket.
type WSDialer struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	wsURL := strings.Replace(d.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.Token}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Sinks
// ============================================================================

// PresenceSink receives presence and typing frames.
type PresenceSink interface {
	OnPresenceEvent(userID string, online bool)
	OnTypingEvent(conversationID int64, userID string, isTyping bool)
}

// MessageSink receives message and read receipt frames.
type MessageSink interface {
	OnLiveMessage(msg Message)
	OnReadReceipt(conversationID int64, readerID string, upToServerID int64)
}

// StateListener observes connection state transitions.
type StateListener func(from, to ConnectionState)

// ============================================================================
// Reconnect policy
// ============================================================================

// linearBackOff waits step, 2*step, 3*step... capped at max.
type linearBackOff struct {
	step, max time.Duration
	n         int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	d := time.Duration(b.n) * b.step
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

func (b *linearBackOff) Reset() { b.n = 0 }

func newBackOff(cfg Config) backoff.BackOff {
	switch cfg.Backoff {
	case BackoffFixed:
		return backoff.NewConstantBackOff(cfg.RetryDelay)
	case BackoffExponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.RetryDelay
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = cfg.MaxRetryDelay
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	default:
		return &linearBackOff{step: cfg.RetryDelay, max: cfg.MaxRetryDelay}
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

type session struct {
	cancel context.CancelFunc
}

// ConnectionManager owns the single real-time channel of one user. It runs
// the connection state machine, the retry budget and the heartbeat, and
// demultiplexes inbound frames to the presence and message sinks.
type ConnectionManager struct {
	cfg     Config
	dialer  Dialer
	log     zerolog.Logger
	metrics *metrics

	presence PresenceSink
	messages MessageSink

	mu        sync.Mutex
	state     ConnectionState
	enabled   bool
	session   *session
	out       chan []byte
	lastSeen  time.Time
	lastErr   string
	changed   chan struct{}
	listeners []StateListener
	events    []stateEvent

	notifyMu sync.Mutex
	wg       sync.WaitGroup
}

type stateEvent struct {
	from, to ConnectionState
}

// NewConnectionManager builds a manager. If no dialer is given through
// WithDialer, a WSDialer for cfg.RealtimeURL is used.
func NewConnectionManager(cfg Config, opts ...Option) *ConnectionManager {
	cfg.defaults()
	o := buildOptions(opts)
	d := o.dialer
	if d == nil {
		d = &WSDialer{URL: cfg.RealtimeURL, Token: cfg.Token, HTTPClient: o.httpClient}
	}
	return &ConnectionManager{
		cfg:     cfg,
		dialer:  d,
		log:     o.logger.With().Str("component", "connection").Logger(),
		metrics: o.metrics,
		state:   StateDisconnected,
		changed: make(chan struct{}),
	}
}

// Route sets the frame sinks. Call before Enable.
func (m *ConnectionManager) Route(presence PresenceSink, messages MessageSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = presence
	m.messages = messages
}

// OnStateChange registers a listener. Listeners run in transition order and
// must not block.
func (m *ConnectionManager) OnStateChange(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent transport or server error text.
func (m *ConnectionManager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Enabled reports whether Enable was called without a later Disable.
func (m *ConnectionManager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Enable starts connecting with a fresh retry budget. No-op when enabled.
func (m *ConnectionManager) Enable() {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = true
	ctx, s := m.newSessionLocked()
	m.mu.Unlock()

	m.start(ctx, s)
}

// Disable closes the channel, cancels pending retries and moves to
// Disconnected until the next Enable.
func (m *ConnectionManager) Disable() {
	m.mu.Lock()
	m.enabled = false
	s := m.session
	m.session = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if s != nil {
		s.cancel()
	}
	m.drain()
}

// Reconnect starts a fresh attempt with a reset retry budget and waits until
// it leaves Connecting. It is a no-op while Connecting or Connected.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return ErrDisabled
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	old := m.session
	sctx, s := m.newSessionLocked()
	m.mu.Unlock()

	if old != nil {
		old.cancel()
	}
	m.start(sctx, s)

	return m.waitUntil(ctx, func(st ConnectionState) bool { return st != StateConnecting })
}

// WaitForState blocks until the manager reaches want or ctx is done.
func (m *ConnectionManager) WaitForState(ctx context.Context, want ConnectionState) error {
	return m.waitUntil(ctx, func(st ConnectionState) bool { return st == want })
}

// Wait blocks until every connection goroutine has exited.
func (m *ConnectionManager) Wait() {
	m.wg.Wait()
}

// Emit queues a frame for the writer. It never blocks.
func (m *ConnectionManager) Emit(f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if err := m.enqueue(data); err != nil {
		return err
	}
	m.metrics.framesSent.WithLabelValues(string(f.Kind())).Inc()
	return nil
}

func (m *ConnectionManager) enqueue(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.out == nil {
		return ErrNotConnected
	}
	select {
	case m.out <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// ── state bookkeeping ────────────────────────────────────

func (m *ConnectionManager) newSessionLocked() (context.Context, *session) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel}
	m.session = s
	m.setStateLocked(StateConnecting)
	return ctx, s
}

func (m *ConnectionManager) start(ctx context.Context, s *session) {
	m.drain()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, s)
	}()
}

func (m *ConnectionManager) setStateLocked(to ConnectionState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.events = append(m.events, stateEvent{from: from, to: to})
	m.metrics.setState(to)
}

// transition applies a state change on behalf of session s. It fails once s
// has been replaced by Disable or Reconnect.
func (m *ConnectionManager) transition(s *session, to ConnectionState) bool {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(to)
	m.mu.Unlock()
	m.drain()
	return true
}

// drain delivers queued state events in order. Whoever holds notifyMu
// delivers; a reentrant caller leaves its event to the current holder.
func (m *ConnectionManager) drain() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			if len(m.events) == 0 {
				m.mu.Unlock()
				break
			}
			ev := m.events[0]
			m.events = m.events[1:]
			listeners := append([]StateListener(nil), m.listeners...)
			m.mu.Unlock()

			m.log.Debug().Str("from", string(ev.from)).Str("to", string(ev.to)).Msg("connection state")
			for _, l := range listeners {
				l(ev.from, ev.to)
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		empty := len(m.events) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *ConnectionManager) waitUntil(ctx context.Context, done func(ConnectionState) bool) error {
	for {
		m.mu.Lock()
		st, ch := m.state, m.changed
		m.mu.Unlock()
		if done(st) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *ConnectionManager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
}

// ── session loop ──────────────────────────────────────────

func (m *ConnectionManager) run(ctx context.Context, s *session) {
	policy := newBackOff(m.cfg)
	attempts := 0

	for {
		if !m.transition(s, StateConnecting) {
			return
		}
		attempts++
		m.metrics.connectAttempts.Inc()

		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			m.log.Warn().Err(err).Int("attempt", attempts).Int("max_retries", m.cfg.MaxRetries).Msg("connect failed")
			if attempts >= m.cfg.MaxRetries {
				m.transition(s, StateErrored)
				return
			}
			if !m.transition(s, StateReconnecting) || !m.sleep(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		attempts = 0
		policy.Reset()
		err = m.serve(ctx, s, conn)
		if ctx.Err() != nil {
			return
		}
		m.setLastError(err)
		m.log.Warn().Err(err).Msg("connection lost")
		if !m.transition(s, StateReconnecting) || !m.sleep(ctx, policy.NextBackOff()) {
			return
		}
	}
}

func (m *ConnectionManager) sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop || d < 0 {
		d = m.cfg.RetryDelay
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// connect dials and performs the auth handshake.
func (m *ConnectionManager) connect(ctx context.Context) (Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(hctx)
	if err != nil {
		return nil, err
	}

	auth, err := EncodeControl(KindAuth, AuthPayload{UserID: m.cfg.UserID, Token: m.cfg.Token})
	if err != nil {
		conn.Close("")
		return nil, err
	}
	if err := conn.Write(hctx, auth); err != nil {
		conn.Close("")
		return nil, fmt.Errorf("write auth: %w", err)
	}

	data, err := conn.Read(hctx)
	if err != nil {
		conn.Close("")
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != KindAuthSuccess {
		conn.Close("")
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrHandshake, KindAuthSuccess, env.Type)
	}
	return conn, nil
}

// serve runs one connected channel until it fails or ctx ends.
func (m *ConnectionManager) serve(ctx context.Context, s *session, conn Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, m.cfg.OutboundBuffer)
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		conn.Close("client disconnect")
		return ctx.Err()
	}
	m.out = out
	m.lastSeen = time.Now()
	m.mu.Unlock()

	if !m.transition(s, StateConnected) {
		conn.Close("client disconnect")
		return ctx.Err()
	}
	m.log.Info().Str("user_id", m.cfg.UserID).Msg("connected")

	var wg sync.WaitGroup
	errc := make(chan error, 3)
	spawn := func(f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errc <- f(connCtx)
		}()
	}
	spawn(func(ctx context.Context) error { return m.readLoop(ctx, conn) })
	spawn(func(ctx context.Context) error { return m.writeLoop(ctx, conn, out) })
	spawn(func(ctx context.Context) error { return m.heartbeatLoop(ctx) })

	err := <-errc
	m.mu.Lock()
	if m.out == out {
		m.out = nil
	}
	m.mu.Unlock()
	cancel()
	conn.Close("client disconnect")
	wg.Wait()
	return err
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.mu.Lock()
		m.lastSeen = time.Now()
		m.mu.Unlock()
		m.dispatch(data)
	}
}

func (m *ConnectionManager) writeLoop(ctx context.Context, conn Conn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-out:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := conn.Write(wctx, data)
			cancel()
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// heartbeatLoop sends a ping every interval and gives up on the channel
// when nothing was received for two intervals.
func (m *ConnectionManager) heartbeatLoop(ctx context.Context) error {
	interval := m.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ping, _ := EncodeControl(KindPing, nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			idle := time.Since(m.lastSeen)
			m.mu.Unlock()
			if idle > 2*interval {
				return errHeartbeatTimeout
			}
			if err := m.enqueue(ping); err != nil && !errors.Is(err, ErrBackpressure) {
				return err
			}
		}
	}
}

// dispatch decodes one inbound frame and forwards it. Bad frames are logged
// and dropped; they never end the channel.
func (m *ConnectionManager) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.metrics.framesDropped.WithLabelValues("malformed").Inc()
		m.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	switch env.Type {
	case KindPong, KindAuthSuccess:
		m.metrics.framesReceived.WithLabelValues(string(env.Type)).Inc()
		return
	case KindError:
		m.metrics.framesReceived.WithLabelValues(string(env.Type)).Inc()
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		m.mu.Lock()
		m.lastErr = p.Message
		m.mu.Unlock()
		m.log.Warn().Str("error", p.Message).Msg("server error frame")
		return
	}

	f, err := DecodeEnvelope(env)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnknownFrame) {
			reason = "unknown"
		}
		m.metrics.framesDropped.WithLabelValues(reason).Inc()
		m.log.Warn().Err(err).Str("kind", string(env.Type)).Msg("dropping frame")
		return
	}
	m.metrics.framesReceived.WithLabelValues(string(f.Kind())).Inc()

	m.mu.Lock()
	presence, messages := m.presence, m.messages
	m.mu.Unlock()

	switch f := f.(type) {
	case PresenceFrame:
		if presence != nil {
			presence.OnPresenceEvent(f.UserID, f.Online)
		}
	case TypingFrame:
		if presence != nil {
			presence.OnTypingEvent(f.ConversationID, f.UserID, f.IsTyping)
		}
	case MessageFrame:
		if messages != nil {
			messages.OnLiveMessage(f.Message)
		}
	case ReadReceiptFrame:
		if messages != nil {
			messages.OnReadReceipt(f.ConversationID, f.ReaderID, f.UpToServerID)
		}
	}
}
