package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeAPI is an in-memory MessageAPI. Sends succeed with increasing ids
// unless sendFn overrides them.
type fakeAPI struct {
	clock *fakeClock

	mu        sync.Mutex
	pages     map[int]map[int][]Message
	pageCalls atomic.Int32
	pageGate  chan struct{}
	sends     []string
	nextID    int64
	sendFn    func(ctx context.Context, body, cid string) (*Message, error)
}

func newFakeAPI(clock *fakeClock) *fakeAPI {
	return &fakeAPI{clock: clock, pages: make(map[int]map[int][]Message), nextID: 100}
}

func (a *fakeAPI) setPage(conv int64, page int, msgs ...Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages[int(conv)] == nil {
		a.pages[int(conv)] = make(map[int][]Message)
	}
	a.pages[int(conv)][page] = msgs
}

func (a *fakeAPI) ListMessages(ctx context.Context, conv int64, page int) ([]Message, error) {
	a.pageCalls.Add(1)
	a.mu.Lock()
	gate := a.pageGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.pages[int(conv)][page]...), nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, conv int64, body, cid string) (*Message, error) {
	a.mu.Lock()
	a.sends = append(a.sends, cid)
	fn := a.sendFn
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, body, cid)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	return &Message{ServerID: a.nextID, CorrelationID: cid, SenderID: "alice", Body: body, CreatedAt: a.clock.Now()}, nil
}

func (a *fakeAPI) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sends...)
}

func newTestReconciler(t *testing.T) (*MessageReconciler, *fakeAPI, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	api := newFakeAPI(clock)
	r := NewMessageReconciler(Config{UserID: "alice", SendTimeout: time.Second, PageSize: 3}, api, WithClock(clock.Now))
	r.SetOnline(true)
	t.Cleanup(func() {
		r.Reset()
		r.Wait()
	})
	return r, api, clock
}

func at(sec int) time.Time {
	return time.Date(2026, 1, 1, 12, 0, sec, 0, time.UTC)
}

func msg(id int64, sender string, sec int) Message {
	return Message{ServerID: id, ConversationID: 1, SenderID: sender, Body: fmt.Sprintf("m%d", id), CreatedAt: at(sec)}
}

func serverIDs(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ServerID
	}
	return out
}

func find(t *testing.T, msgs []Message, cid string) Message {
	t.Helper()
	for _, m := range msgs {
		if m.CorrelationID == cid {
			return m
		}
	}
	t.Fatalf("no message with correlation id %s", cid)
	return Message{}
}

// ============================================================================
// Send
// ============================================================================

func TestSendOptimisticThenConfirmed(t *testing.T) {
	r, api, clock := newTestReconciler(t)
	api.setPage(1, 1, msg(1, "bob", 1), msg(2, "alice", 2))
	_, err := r.LoadPage(context.Background(), 1, 1)
	require.NoError(t, err)

	gate := make(chan struct{})
	api.sendFn = func(ctx context.Context, body, cid string) (*Message, error) {
		<-gate
		return &Message{ServerID: 3, CorrelationID: cid, SenderID: "alice", Body: body, CreatedAt: at(5)}, nil
	}

	clock.Advance(4 * time.Second)
	cid, err := r.Send(1, "hello")
	require.NoError(t, err)

	msgs := r.Messages(1)
	require.Len(t, msgs, 3)
	assert.Equal(t, cid, msgs[2].CorrelationID)
	assert.Equal(t, DeliveryPending, msgs[2].State)
	assert.False(t, msgs[2].Confirmed())

	close(gate)
	require.Eventually(t, func() bool { return find(t, r.Messages(1), cid).Confirmed() }, time.Second, time.Millisecond)

	msgs = r.Messages(1)
	assert.Equal(t, []int64{1, 2, 3}, serverIDs(msgs))
	assert.Equal(t, DeliverySent, msgs[2].State)
	assert.Equal(t, cid, msgs[2].CorrelationID)
}

func TestSendRejectsEmptyBody(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	_, err := r.Send(1, "   ")
	assert.ErrorIs(t, err, ErrEmptyBody)
	assert.Empty(t, api.sent())
	assert.Empty(t, r.Messages(1))
}

func TestSendFailureAndRetry(t *testing.T) {
	r, api, _ := newTestReconciler(t)

	var fail atomic.Bool
	fail.Store(true)
	api.sendFn = func(ctx context.Context, body, cid string) (*Message, error) {
		if fail.Load() {
			return nil, &APIError{Status: 503, Message: "unavailable"}
		}
		return &Message{ServerID: 9, CorrelationID: cid, SenderID: "alice", Body: body, CreatedAt: at(1)}, nil
	}

	cid, err := r.Send(1, "hello")
	require.NoError(t, err)
	r.Wait()

	m := find(t, r.Messages(1), cid)
	assert.Equal(t, DeliveryFailed, m.State, "failed entries stay visible")
	assert.Contains(t, m.Error, "unavailable")

	t.Run("retry reuses correlation id and body", func(t *testing.T) {
		fail.Store(false)
		require.NoError(t, r.Retry(cid))
		r.Wait()

		msgs := r.Messages(1)
		require.Len(t, msgs, 1)
		assert.Equal(t, DeliverySent, msgs[0].State)
		assert.Equal(t, int64(9), msgs[0].ServerID)
		assert.Equal(t, "hello", msgs[0].Body)
		assert.Empty(t, msgs[0].Error)
		assert.Equal(t, []string{cid, cid}, api.sent())
	})

	t.Run("only failed messages are retryable", func(t *testing.T) {
		assert.ErrorIs(t, r.Retry(cid), ErrNotRetryable)
		assert.ErrorIs(t, r.Retry("nope"), ErrUnknownMessage)
	})
}

func TestSendTimeout(t *testing.T) {
	clock := newFakeClock()
	api := newFakeAPI(clock)
	api.sendFn = func(ctx context.Context, body, cid string) (*Message, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("request failed: %w", ctx.Err())
	}
	r := NewMessageReconciler(Config{UserID: "alice", SendTimeout: 20 * time.Millisecond}, api, WithClock(clock.Now))
	r.SetOnline(true)

	cid, err := r.Send(1, "hello")
	require.NoError(t, err)
	r.Wait()

	m := find(t, r.Messages(1), cid)
	assert.Equal(t, DeliveryFailed, m.State)
	assert.Contains(t, m.Error, ErrSendTimeout.Error())
}

// ============================================================================
// Offline outbox
// ============================================================================

func TestOfflineSendIssuedOnceOnConnect(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	r.SetOnline(false)

	cid, err := r.Send(1, "hello")
	require.NoError(t, err)
	assert.Equal(t, DeliveryPending, find(t, r.Messages(1), cid).State)
	assert.Equal(t, 1, r.Pending())

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, api.sent(), "nothing is sent while offline")

	r.SetOnline(true)
	r.SetOnline(true)
	r.Wait()

	assert.Equal(t, []string{cid}, api.sent())
	assert.Zero(t, r.Pending())
	m := find(t, r.Messages(1), cid)
	assert.Equal(t, DeliverySent, m.State)
	assert.True(t, m.Confirmed())

	r.SetOnline(false)
	r.SetOnline(true)
	r.Wait()
	assert.Len(t, api.sent(), 1)
}

func TestOfflineRetryQueues(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	api.sendFn = func(ctx context.Context, body, cid string) (*Message, error) {
		return nil, errors.New("boom")
	}
	cid, _ := r.Send(1, "hello")
	r.Wait()

	r.SetOnline(false)
	api.mu.Lock()
	api.sendFn = nil
	api.mu.Unlock()
	require.NoError(t, r.Retry(cid))
	assert.Equal(t, DeliveryPending, find(t, r.Messages(1), cid).State)
	assert.Len(t, api.sent(), 1)

	r.SetOnline(true)
	r.Wait()
	assert.Equal(t, []string{cid, cid}, api.sent())
	assert.Equal(t, DeliverySent, find(t, r.Messages(1), cid).State)
}

func TestHaltFailsQueuedSends(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	r.SetOnline(false)

	queued, err := r.Send(1, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Pending())

	r.Halt(ErrNotConnected)
	assert.Zero(t, r.Pending())
	m := find(t, r.Messages(1), queued)
	assert.Equal(t, DeliveryFailed, m.State)
	assert.Equal(t, ErrNotConnected.Error(), m.Error)

	t.Run("sends while halted fail at once", func(t *testing.T) {
		cid, err := r.Send(1, "again")
		require.NoError(t, err)
		assert.Equal(t, DeliveryFailed, find(t, r.Messages(1), cid).State)
		assert.Zero(t, r.Pending())
	})

	t.Run("retry while halted is refused", func(t *testing.T) {
		assert.ErrorIs(t, r.Retry(queued), ErrNotConnected)
		assert.Equal(t, DeliveryFailed, find(t, r.Messages(1), queued).State)
	})

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, api.sent())

	r.SetOnline(true)
	require.NoError(t, r.Retry(queued))
	r.Wait()
	assert.Equal(t, []string{queued}, api.sent())
	assert.Equal(t, DeliverySent, find(t, r.Messages(1), queued).State)
}

// ============================================================================
// Dedup
// ============================================================================

func permutations(xs []string) [][]string {
	if len(xs) <= 1 {
		return [][]string{append([]string(nil), xs...)}
	}
	var out [][]string
	for i := range xs {
		rest := append(append([]string(nil), xs[:i]...), xs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{xs[i]}, p...))
		}
	}
	return out
}

func TestNoDuplicatesUnderAnyInterleaving(t *testing.T) {
	for _, pageHasCID := range []bool{true, false} {
		for _, order := range permutations([]string{"page", "live", "response"}) {
			name := fmt.Sprintf("%v/cid=%v", order, pageHasCID)
			t.Run(name, func(t *testing.T) {
				r, api, _ := newTestReconciler(t)
				release := make(chan struct{})
				done := make(chan struct{})
				api.sendFn = func(ctx context.Context, body, c string) (*Message, error) {
					<-release
					return &Message{ServerID: 10, CorrelationID: c, SenderID: "alice", Body: body, CreatedAt: at(3)}, nil
				}

				cid, err := r.Send(1, "hello")
				require.NoError(t, err)

				confirmed := Message{ServerID: 10, ConversationID: 1, SenderID: "alice", Body: "hello", CreatedAt: at(3)}
				for _, step := range order {
					switch step {
					case "page":
						pm := confirmed
						if pageHasCID {
							pm.CorrelationID = cid
						}
						api.setPage(1, 1, msg(1, "bob", 1), pm)
						r.InvalidatePage(1, 1)
						_, err := r.LoadPage(context.Background(), 1, 1)
						require.NoError(t, err)
					case "live":
						lm := confirmed
						lm.CorrelationID = cid
						r.OnLiveMessage(lm)
					case "response":
						close(release)
						go func() { r.Wait(); close(done) }()
						<-done
					}
				}

				msgs := r.Messages(1)
				var m10 int
				for _, m := range msgs {
					require.NotEqual(t, DeliveryPending, m.State, "optimistic entry left behind: %+v", m)
					if m.ServerID == 10 {
						m10++
						assert.Equal(t, cid, m.CorrelationID)
						assert.Equal(t, DeliverySent, m.State)
					}
				}
				assert.Equal(t, 1, m10, "messages: %+v", msgs)
				assert.Equal(t, []int64{1, 10}, serverIDs(msgs))
			})
		}
	}

	t.Run("others' message via page and live", func(t *testing.T) {
		for _, order := range permutations([]string{"page", "live", "live-again"}) {
			r, api, _ := newTestReconciler(t)
			for _, step := range order {
				switch step {
				case "page":
					api.setPage(1, 1, msg(7, "bob", 1))
					r.InvalidatePage(1, 1)
					_, err := r.LoadPage(context.Background(), 1, 1)
					require.NoError(t, err)
				default:
					r.OnLiveMessage(msg(7, "bob", 1))
				}
			}
			msgs := r.Messages(1)
			require.Len(t, msgs, 1, "order %v", order)
			assert.Equal(t, DeliveryDelivered, msgs[0].State)
		}
	})
}

func TestMergeLive(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	assert.True(t, r.MergeLive(msg(5, "bob", 1)))
	assert.False(t, r.MergeLive(msg(5, "bob", 1)))
	assert.False(t, r.MergeLive(Message{ConversationID: 1, SenderID: "bob"}), "unconfirmed live messages are ignored")
	assert.Len(t, r.Messages(1), 1)
}

// ============================================================================
// Ordering
// ============================================================================

func TestOrdering(t *testing.T) {
	t.Run("confirmed by createdAt then server id", func(t *testing.T) {
		r, api, _ := newTestReconciler(t)
		api.setPage(1, 1, msg(4, "bob", 3), msg(2, "alice", 1), msg(3, "bob", 3), msg(1, "bob", 1))
		_, err := r.LoadPage(context.Background(), 1, 1)
		require.NoError(t, err)
		r.OnLiveMessage(msg(5, "bob", 2))
		assert.Equal(t, []int64{1, 2, 5, 3, 4}, serverIDs(r.Messages(1)))
	})

	t.Run("pending after the last confirmed message it followed", func(t *testing.T) {
		r, api, clock := newTestReconciler(t)
		api.sendFn = func(ctx context.Context, body, cid string) (*Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		api.setPage(1, 1, msg(1, "bob", 1), msg(2, "bob", 2))
		_, err := r.LoadPage(context.Background(), 1, 1)
		require.NoError(t, err)

		clock.Advance(3 * time.Second)
		cid, _ := r.Send(1, "after two")

		r.OnLiveMessage(msg(3, "bob", 10))
		r.OnLiveMessage(msg(4, "bob", 0))

		msgs := r.Messages(1)
		require.Len(t, msgs, 5)
		assert.Equal(t, []int64{4, 1, 2, 0, 3}, serverIDs(msgs))
		assert.Equal(t, cid, msgs[3].CorrelationID)
	})

	t.Run("skewed client clock still sorts after its anchor", func(t *testing.T) {
		r, api, clock := newTestReconciler(t)
		api.sendFn = func(ctx context.Context, body, cid string) (*Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		clock.Advance(-time.Hour)
		r.OnLiveMessage(msg(1, "bob", 5))
		first, _ := r.Send(1, "one")
		second, _ := r.Send(1, "two")

		msgs := r.Messages(1)
		require.Len(t, msgs, 3)
		assert.Equal(t, int64(1), msgs[0].ServerID)
		assert.Equal(t, first, msgs[1].CorrelationID)
		assert.Equal(t, second, msgs[2].CorrelationID)
	})

	t.Run("snapshot is stable", func(t *testing.T) {
		r, _, _ := newTestReconciler(t)
		r.OnLiveMessage(msg(2, "bob", 1))
		r.OnLiveMessage(msg(1, "bob", 1))
		assert.Equal(t, r.Messages(1), r.Messages(1))
		assert.Empty(t, r.Messages(42))
	})
}

// ============================================================================
// Read receipts
// ============================================================================

func TestReadReceipts(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	api.setPage(1, 1, msg(1, "alice", 1), msg(2, "bob", 2), msg(3, "alice", 3), msg(4, "alice", 4))
	_, err := r.LoadPage(context.Background(), 1, 1)
	require.NoError(t, err)

	r.OnReadReceipt(1, "bob", 3)
	states := map[int64]DeliveryState{}
	for _, m := range r.Messages(1) {
		states[m.ServerID] = m.State
	}
	assert.Equal(t, map[int64]DeliveryState{
		1: DeliveryRead,
		2: DeliveryDelivered,
		3: DeliveryRead,
		4: DeliverySent,
	}, states)

	t.Run("a page reload never downgrades", func(t *testing.T) {
		r.InvalidatePage(1, 1)
		_, err := r.LoadPage(context.Background(), 1, 1)
		require.NoError(t, err)
		assert.Equal(t, DeliveryRead, r.Messages(1)[0].State)
	})

	t.Run("local read marks the other side", func(t *testing.T) {
		r.OnReadReceipt(1, "alice", 4)
		assert.Equal(t, DeliveryRead, r.Messages(1)[1].State)
		assert.Equal(t, DeliverySent, r.Messages(1)[3].State)
	})
}

// ============================================================================
// Pages
// ============================================================================

func TestLoadPageCache(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	api.setPage(1, 1, msg(1, "bob", 1))

	msgs, err := r.LoadPage(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = r.LoadPage(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.pageCalls.Load(), "cached page is not refetched")

	r.InvalidatePage(1, 1)
	_, err = r.LoadPage(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.pageCalls.Load())

	_, err = r.LoadPage(context.Background(), 1, 0)
	assert.Error(t, err)
}

func TestLoadPageCollapsesConcurrentLoads(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	api.setPage(1, 1, msg(1, "bob", 1))
	gate := make(chan struct{})
	api.pageGate = gate

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.LoadPage(context.Background(), 1, 1)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return api.pageCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), api.pageCalls.Load())
	assert.Len(t, r.Messages(1), 1)
}

func TestLoadPageSharedFetchOutlivesCaller(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	api.setPage(1, 1, msg(1, "bob", 1))
	gate := make(chan struct{})
	api.pageGate = gate

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.LoadPage(leaderCtx, 1, 1)
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return api.pageCalls.Load() == 1 }, time.Second, time.Millisecond)

	followerDone := make(chan []Message, 1)
	go func() {
		msgs, err := r.LoadPage(context.Background(), 1, 1)
		assert.NoError(t, err)
		followerDone <- msgs
	}()

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(gate)
	select {
	case msgs := <-followerDone:
		require.Len(t, msgs, 1)
		assert.Equal(t, int64(1), msgs[0].ServerID)
	case <-time.After(time.Second):
		t.Fatal("follower never received the shared page")
	}
	assert.Equal(t, int32(1), api.pageCalls.Load())
	assert.Len(t, r.Messages(1), 1)
}

func TestResyncFollowsFullPages(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	api.setPage(1, 1, msg(1, "bob", 1), msg(2, "bob", 2))
	_, err := r.LoadPage(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, r.CachedConversations())

	// Three messages arrived while offline; page size is 3.
	api.setPage(1, 1, msg(1, "bob", 1), msg(2, "bob", 2), msg(3, "bob", 3))
	api.setPage(1, 2, msg(4, "bob", 4), msg(5, "bob", 5))

	require.NoError(t, r.Resync(context.Background(), 1))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, serverIDs(r.Messages(1)))
	assert.NoError(t, r.Resync(context.Background(), 99))
}

// ============================================================================
// Reset
// ============================================================================

func TestResetDropsInFlight(t *testing.T) {
	r, api, _ := newTestReconciler(t)
	release := make(chan struct{})
	api.sendFn = func(ctx context.Context, body, cid string) (*Message, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &Message{ServerID: 1, CorrelationID: cid, SenderID: "alice", Body: body, CreatedAt: at(1)}, nil
	}
	cid, _ := r.Send(1, "hello")

	r.Reset()
	close(release)
	r.Wait()

	assert.Empty(t, r.Messages(1))
	_, ok := r.Message(cid)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Retry(cid), ErrUnknownMessage)
}
